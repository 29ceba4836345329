package antinuke

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"aegis-guardian/internal/ratelimit"
)

// Directory answers guild membership and hierarchy questions, normally
// backed by the gateway session state.
type Directory interface {
	GuildOwnerID(guildID string) (string, error)
	BotUserID() string
	MemberRoles(guildID, userID string) ([]*discordgo.Role, error)
	BotTopPosition(guildID string) (int, error)
}

// ModerationAPI is the slice of the Discord session the executor needs to
// sanction an offender.
type ModerationAPI interface {
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// Executor applies the configured sanction to an offender, enforcing a
// per-offender cooldown so one burst of violations yields one sanction.
type Executor struct {
	api      ModerationAPI
	dir      Directory
	cooldown *ratelimit.Limiter
	log      *zap.Logger
}

func NewExecutor(api ModerationAPI, dir Directory, cooldownWindow time.Duration, log *zap.Logger) *Executor {
	if cooldownWindow <= 0 {
		cooldownWindow = 15 * time.Second
	}
	return &Executor{
		api:      api,
		dir:      dir,
		cooldown: ratelimit.NewLimiter(cooldownWindow),
		log:      log,
	}
}

// Cooldown exposes the internal limiter so tests can pin its clock.
func (e *Executor) Cooldown() *ratelimit.Limiter { return e.cooldown }

func cooldownKey(guildID, userID string) string {
	return fmt.Sprintf("punishment-%s-%s", guildID, userID)
}

// Punish sanctions userID in guildID with the given punishment kind. The
// reason appears in the guild's own audit log. Repeat calls for the same
// offender inside the cooldown window return a CodeCooldown error and do
// nothing.
func (e *Executor) Punish(guildID, userID, punishment, reason string) error {
	if count := e.cooldown.AddAction(cooldownKey(guildID, userID)); count > 1 {
		return punishErr(CodeCooldown, "punish", fmt.Errorf("offender %s sanctioned %d times within cooldown", userID, count))
	}

	ownerID, err := e.dir.GuildOwnerID(guildID)
	if err != nil {
		return punishErr(CodeNotFound, "punish", fmt.Errorf("resolve guild owner: %w", err))
	}
	if userID == ownerID {
		return punishErr(CodeProtected, "punish", fmt.Errorf("offender %s owns the guild", userID))
	}
	if userID == e.dir.BotUserID() {
		return punishErr(CodeProtected, "punish", fmt.Errorf("offender is the bot itself"))
	}
	if outranks, err := e.outranksBot(guildID, userID); err == nil && outranks {
		return punishErr(CodeOutranked, "punish", fmt.Errorf("offender %s outranks the bot", userID))
	}

	switch punishment {
	case PunishBan:
		if err := e.api.GuildBanCreateWithReason(guildID, userID, reason, 0); err != nil {
			return punishErr(classifyREST(err), "ban", err)
		}
	case PunishKick:
		if err := e.api.GuildMemberDeleteWithReason(guildID, userID, reason); err != nil {
			return punishErr(classifyREST(err), "kick", err)
		}
	case PunishStrip:
		if err := e.strip(guildID, userID); err != nil {
			return err
		}
	default:
		return punishErr(CodeUnknown, "punish", fmt.Errorf("unknown punishment %q", punishment))
	}

	e.log.Warn("offender sanctioned",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("punishment", punishment))
	return nil
}

// outranksBot reports whether the member's top role sits at or above the
// bot's own top role. Sanctioning such a member is forbidden outright, not
// just doomed to fail role by role.
func (e *Executor) outranksBot(guildID, userID string) (bool, error) {
	roles, err := e.dir.MemberRoles(guildID, userID)
	if err != nil {
		return false, err
	}
	botTop, err := e.dir.BotTopPosition(guildID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Position >= botTop {
			return true, nil
		}
	}
	return false, nil
}

// strip removes the member's unmanaged dangerous roles. The hierarchy gate
// in Punish already guarantees every role here sits below the bot's top.
func (e *Executor) strip(guildID, userID string) error {
	roles, err := e.dir.MemberRoles(guildID, userID)
	if err != nil {
		return punishErr(CodeNotFound, "strip", fmt.Errorf("resolve member roles: %w", err))
	}

	var lastErr error
	removed := 0
	for _, role := range roles {
		if role.Managed || !PermissionsDangerous(role.Permissions) {
			continue
		}
		if err := e.api.GuildMemberRoleRemove(guildID, userID, role.ID); err != nil {
			lastErr = punishErr(classifyREST(err), "strip", err)
			continue
		}
		removed++
	}
	if removed == 0 && lastErr != nil {
		return lastErr
	}
	if lastErr != nil {
		e.log.Warn("partial role strip", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(lastErr))
	}
	return nil
}
