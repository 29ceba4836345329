// Package antinuke watches destructive administrative actions, attributes
// them to an actor through the guild audit log, and sanctions actors that
// exceed their per-guild rate thresholds. Damage done before the sanction
// landed is reversed on a best-effort basis from captured snapshots.
package antinuke

import (
	"github.com/bwmarrin/discordgo"
)

// Kind is a watched action category. Each kind maps to an enable flag and a
// threshold column on the guild's security config.
type Kind string

const (
	KindBotAdd        Kind = "bot_add"
	KindRoleUpdate    Kind = "role_update"
	KindChannelUpdate Kind = "channel_update"
	KindGuildUpdate   Kind = "guild_update"
	KindKick          Kind = "kick"
	KindBan           Kind = "ban"
	KindMemberPrune   Kind = "member_prune"
	KindWebhooks      Kind = "webhooks"
)

func Kinds() []Kind {
	return []Kind{
		KindBotAdd,
		KindRoleUpdate,
		KindChannelUpdate,
		KindGuildUpdate,
		KindKick,
		KindBan,
		KindMemberPrune,
		KindWebhooks,
	}
}

func ParseKind(value string) (Kind, bool) {
	for _, kind := range Kinds() {
		if string(kind) == value {
			return kind, true
		}
	}
	return "", false
}

// Punishment kinds applied to violators.
const (
	PunishBan   = "ban"
	PunishKick  = "kick"
	PunishStrip = "strip"
)

// DangerousPermissions are the grants that make a role or channel worth
// protecting. Edits to entities without any of these are ignored even when
// the kind is enabled.
const DangerousPermissions = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer |
	discordgo.PermissionKickMembers |
	discordgo.PermissionBanMembers |
	discordgo.PermissionManageRoles |
	discordgo.PermissionManageChannels |
	discordgo.PermissionManageWebhooks

func PermissionsDangerous(permissions int64) bool {
	return permissions&DangerousPermissions != 0
}

func OverwritesDangerous(overwrites []*discordgo.PermissionOverwrite) bool {
	for _, overwrite := range overwrites {
		if overwrite != nil && PermissionsDangerous(overwrite.Allow) {
			return true
		}
	}
	return false
}
