package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aegis-guardian/internal/antinuke"
	"aegis-guardian/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx := context.Background()
	data := interaction.ApplicationCommandData()

	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Error", "This command only works in a server.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	if !b.isManager(ctx, interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Error", "You need to be the owner, a trusted admin, or an administrator.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}

	switch data.Name {
	case "antinuke":
		b.handleAntinukeCommand(ctx, session, interaction, data.Options)
	case "whitelist":
		b.handleUserListCommand(ctx, session, interaction, data.Options, "whitelist")
	case "admins":
		b.handleUserListCommand(ctx, session, interaction, data.Options, "admins")
	case "hardban":
		b.handleHardbanCommand(ctx, session, interaction, data.Options)
	case "twitch":
		b.handleTwitchCommand(ctx, session, interaction, data.Options)
	case "report":
		b.handleReportCommand(ctx, session, interaction, data.Options)
	}
}

// isManager gates the command surface to the owner, trusted admins, and
// members with the Administrator permission.
func (b *Bot) isManager(ctx context.Context, interaction *discordgo.InteractionCreate) bool {
	if interaction.Member == nil || interaction.Member.User == nil {
		return false
	}
	userID := interaction.Member.User.ID
	ownerID, err := b.GuildOwnerID(interaction.GuildID)
	if err == nil && userID == ownerID {
		return true
	}
	if trusted, err := b.store.IsTrustedAdmin(ctx, interaction.GuildID, userID); err == nil && trusted {
		return true
	}
	return interaction.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func setKindFlag(cfg *storage.SecurityConfig, kind antinuke.Kind, value bool) {
	switch kind {
	case antinuke.KindBotAdd:
		cfg.BotAdd = value
	case antinuke.KindRoleUpdate:
		cfg.RoleUpdate = value
	case antinuke.KindChannelUpdate:
		cfg.ChannelUpdate = value
	case antinuke.KindGuildUpdate:
		cfg.GuildUpdate = value
	case antinuke.KindKick:
		cfg.Kick = value
	case antinuke.KindBan:
		cfg.Ban = value
	case antinuke.KindMemberPrune:
		cfg.MemberPrune = value
	case antinuke.KindWebhooks:
		cfg.Webhooks = value
	}
}

func (b *Bot) handleAntinukeCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", "Missing subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	sub := options[0]
	guildID := interaction.GuildID

	switch sub.Name {
	case "enable", "disable":
		enable := sub.Name == "enable"
		action := optionString(sub.Options, "action")
		cfg, _, err := b.store.GetSecurityConfig(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		cfg.GuildID = guildID
		if cfg.Punishment == "" {
			cfg.Punishment = antinuke.PunishBan
		}
		if action == "all" {
			for _, kind := range antinuke.Kinds() {
				setKindFlag(&cfg, kind, enable)
			}
		} else {
			kind, ok := antinuke.ParseKind(action)
			if !ok {
				b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", "Unknown action.", b.cfg.Notifications.EmbedColors.Error, nil), true)
				return
			}
			setKindFlag(&cfg, kind, enable)
		}
		if err := b.store.UpsertSecurityConfig(ctx, cfg); err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		b.refreshGuildConfig(ctx, guildID)
		b.trail.Record(ctx, guildID, interaction.Member.User.ID, "config_change", fmt.Sprintf("%s %s", sub.Name, action))
		verb := "disabled"
		if enable {
			verb = "enabled"
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", fmt.Sprintf("Protection %s for `%s`.", verb, action), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "status":
		cfg, found, err := b.store.GetSecurityConfig(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		if !found {
			b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", "No protection configured.", b.cfg.Notifications.EmbedColors.Warning, nil), true)
			return
		}
		thresholds, err := b.store.GetThresholds(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		fields := statusFields(cfg, thresholds)
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Punishment", Value: cfg.Punishment, Inline: true})
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke status", "Watched actions and thresholds per minute.", b.cfg.Notifications.EmbedColors.Action, fields), true)

	case "threshold":
		action := optionString(sub.Options, "action")
		value := optionInt(sub.Options, "value")
		if value < 0 {
			value = 0
		}
		if err := b.store.SetThreshold(ctx, guildID, action, value); err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		b.refreshGuildConfig(ctx, guildID)
		b.trail.Record(ctx, guildID, interaction.Member.User.ID, "config_change", fmt.Sprintf("threshold %s=%d", action, value))
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", fmt.Sprintf("Threshold for `%s` set to %d.", action, value), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "punishment":
		value := optionString(sub.Options, "value")
		cfg, _, err := b.store.GetSecurityConfig(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		cfg.GuildID = guildID
		cfg.Punishment = value
		if err := b.store.UpsertSecurityConfig(ctx, cfg); err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		b.refreshGuildConfig(ctx, guildID)
		b.trail.Record(ctx, guildID, interaction.Member.User.ID, "config_change", "punishment "+value)
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", fmt.Sprintf("Punishment set to `%s`.", value), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "off":
		if err := b.store.DeleteSecurityConfig(ctx, guildID); err != nil {
			b.respondError(session, interaction, "Antinuke", err)
			return
		}
		b.cache.Invalidate(guildID)
		b.trail.Record(ctx, guildID, interaction.Member.User.ID, "config_change", "protection removed")
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", "All protection settings removed.", b.cfg.Notifications.EmbedColors.Warning, nil), true)

	default:
		b.respondEmbed(session, interaction, b.commandEmbed("Antinuke", "Unknown subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
	}
}

func statusFields(cfg storage.SecurityConfig, thresholds storage.Thresholds) []*discordgo.MessageEmbedField {
	rows := []struct {
		kind      antinuke.Kind
		enabled   bool
		threshold int64
	}{
		{antinuke.KindBotAdd, cfg.BotAdd, thresholds.BotAdd},
		{antinuke.KindRoleUpdate, cfg.RoleUpdate, thresholds.RoleUpdate},
		{antinuke.KindChannelUpdate, cfg.ChannelUpdate, thresholds.ChannelUpdate},
		{antinuke.KindGuildUpdate, cfg.GuildUpdate, thresholds.GuildUpdate},
		{antinuke.KindKick, cfg.Kick, thresholds.Kick},
		{antinuke.KindBan, cfg.Ban, thresholds.Ban},
		{antinuke.KindMemberPrune, cfg.MemberPrune, thresholds.MemberPrune},
		{antinuke.KindWebhooks, cfg.Webhooks, thresholds.Webhooks},
	}
	var fields []*discordgo.MessageEmbedField
	for _, row := range rows {
		state := "off"
		if row.enabled {
			state = fmt.Sprintf("on, tolerates %d", row.threshold)
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: string(row.kind), Value: state, Inline: true})
	}
	return fields
}

func (b *Bot) handleUserListCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption, list string) {
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Error", "Missing subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	sub := options[0]
	guildID := interaction.GuildID
	title := "Whitelist"
	if list == "admins" {
		title = "Trusted admins"
	}

	switch sub.Name {
	case "add", "remove":
		userID := optionUserID(sub.Options, "user")
		if userID == "" {
			b.respondEmbed(session, interaction, b.commandEmbed(title, "A user is required.", b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		var err error
		switch {
		case list == "whitelist" && sub.Name == "add":
			err = b.store.AddWhitelistUser(ctx, guildID, userID)
		case list == "whitelist":
			err = b.store.RemoveWhitelistUser(ctx, guildID, userID)
		case sub.Name == "add":
			err = b.store.AddTrustedAdmin(ctx, guildID, userID)
		default:
			err = b.store.RemoveTrustedAdmin(ctx, guildID, userID)
		}
		if err != nil {
			b.respondError(session, interaction, title, err)
			return
		}
		verb := "added"
		if sub.Name == "remove" {
			verb = "removed"
		}
		b.trail.Record(ctx, guildID, interaction.Member.User.ID, "config_change", fmt.Sprintf("%s %s <@%s>", list, sub.Name, userID))
		b.respondEmbed(session, interaction, b.commandEmbed(title, fmt.Sprintf("<@%s> %s.", userID, verb), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "list":
		var userIDs []string
		var err error
		if list == "whitelist" {
			userIDs, err = b.store.ListWhitelistUsers(ctx, guildID)
		} else {
			userIDs, err = b.store.ListTrustedAdmins(ctx, guildID)
		}
		if err != nil {
			b.respondError(session, interaction, title, err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed(title, mentionList(userIDs), b.cfg.Notifications.EmbedColors.Action, nil), true)
	}
}

func (b *Bot) handleHardbanCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Hardban", "Missing subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	sub := options[0]
	guildID := interaction.GuildID

	switch sub.Name {
	case "add":
		userID := optionUserID(sub.Options, "user")
		ownerID, err := b.GuildOwnerID(guildID)
		if err == nil && (userID == ownerID || userID == b.BotUserID()) {
			b.respondEmbed(session, interaction, b.commandEmbed("Hardban", "That user cannot be hardbanned.", b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		if err := b.store.AddHardban(ctx, guildID, userID); err != nil {
			b.respondError(session, interaction, "Hardban", err)
			return
		}
		b.delegations.Record(guildID, antinuke.KindBan, userID, interaction.Member.User.ID)
		if err := session.GuildBanCreateWithReason(guildID, userID, "Hardban", 0); err != nil {
			b.logger.Warn("hardban apply failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
		b.trail.Record(ctx, guildID, userID, "hardban", fmt.Sprintf("added by <@%s>", interaction.Member.User.ID))
		b.respondEmbed(session, interaction, b.commandEmbed("Hardban", fmt.Sprintf("<@%s> is hardbanned.", userID), b.cfg.Notifications.EmbedColors.Warning, nil), true)

	case "remove":
		userID := optionUserID(sub.Options, "user")
		if err := b.store.RemoveHardban(ctx, guildID, userID); err != nil {
			b.respondError(session, interaction, "Hardban", err)
			return
		}
		b.trail.Record(ctx, guildID, userID, "hardban", fmt.Sprintf("removed by <@%s>", interaction.Member.User.ID))
		b.respondEmbed(session, interaction, b.commandEmbed("Hardban", fmt.Sprintf("<@%s> is no longer hardbanned. The ban itself stays until lifted manually.", userID), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "list":
		userIDs, err := b.store.ListHardbans(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Hardban", err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Hardban", mentionList(userIDs), b.cfg.Notifications.EmbedColors.Action, nil), true)
	}
}

func (b *Bot) handleTwitchCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if b.twitchClient == nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "Twitch integration is not configured.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "Missing subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	sub := options[0]
	guildID := interaction.GuildID

	switch sub.Name {
	case "add":
		streamer := strings.ToLower(optionString(sub.Options, "streamer"))
		channelID := optionChannelID(sub.Options, "channel")
		exists, err := b.twitchClient.UserExists(streamer)
		if err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		if !exists {
			b.respondEmbed(session, interaction, b.commandEmbed("Twitch", fmt.Sprintf("No Twitch account named `%s`.", streamer), b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		err = b.store.AddSubscription(ctx, storage.Subscription{Username: streamer, ChannelID: channelID, GuildID: guildID})
		if err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", fmt.Sprintf("Announcing `%s` in <#%s>.", streamer, channelID), b.cfg.Notifications.EmbedColors.Live, nil), true)

	case "remove":
		streamer := strings.ToLower(optionString(sub.Options, "streamer"))
		channelID := optionChannelID(sub.Options, "channel")
		if err := b.store.RemoveSubscription(ctx, streamer, channelID); err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", fmt.Sprintf("Stopped announcing `%s` in <#%s>.", streamer, channelID), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "list":
		subs, err := b.store.ListSubscriptionsForGuild(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		if len(subs) == 0 {
			b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "No streamers announced in this server.", b.cfg.Notifications.EmbedColors.Warning, nil), true)
			return
		}
		var lines []string
		for _, s := range subs {
			lines = append(lines, fmt.Sprintf("`%s` in <#%s>", s.Username, s.ChannelID))
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", strings.Join(lines, "\n"), b.cfg.Notifications.EmbedColors.Live, nil), true)

	case "message":
		if len(sub.Options) == 0 {
			b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "Missing subcommand.", b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		b.handleTwitchMessageCommand(ctx, session, interaction, sub.Options[0])
	}
}

func (b *Bot) handleTwitchMessageCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	guildID := interaction.GuildID

	switch sub.Name {
	case "set":
		template := optionString(sub.Options, "template")
		withEmbed := optionBool(sub.Options, "embed", true)
		err := b.store.SetStreamMessage(ctx, storage.StreamMessage{
			GuildID:   guildID,
			ChannelID: interaction.ChannelID,
			Message:   template,
			IsEmbed:   withEmbed,
		})
		if err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "Announcement template updated.", b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "remove":
		if err := b.store.RemoveStreamMessage(ctx, guildID); err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "Custom template removed, announcements use the default embed.", b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "show":
		msg, found, err := b.store.GetStreamMessage(ctx, guildID)
		if err != nil {
			b.respondError(session, interaction, "Twitch", err)
			return
		}
		if !found {
			b.respondEmbed(session, interaction, b.commandEmbed("Twitch", "No custom template set, announcements use the default embed.", b.cfg.Notifications.EmbedColors.Warning, nil), true)
			return
		}
		mode := "plain message"
		if msg.IsEmbed {
			mode = "message with live embed"
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Twitch", fmt.Sprintf("```%s```Sent as %s.", msg.Message, mode), b.cfg.Notifications.EmbedColors.Live, nil), true)
	}
}

func (b *Bot) handleReportCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	hours := optionInt(options, "hours")
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	report, err := b.analytics.Report(ctx, interaction.GuildID, since)
	if err != nil {
		b.respondError(session, interaction, "Report", err)
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Total events", Value: fmt.Sprintf("%d", report.Total), Inline: true},
	}
	for _, level := range []string{"CRIT", "WARN", "INFO"} {
		if count := report.ByLevel[level]; count > 0 {
			fields = append(fields, &discordgo.MessageEmbedField{Name: level, Value: fmt.Sprintf("%d", count), Inline: true})
		}
	}
	if len(report.ByEvent) > 0 {
		var lines []string
		for event, count := range report.ByEvent {
			lines = append(lines, fmt.Sprintf("%s: %d", event, count))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "By event", Value: strings.Join(lines, "\n"), Inline: false})
	}
	if len(report.TopActors) > 0 {
		var lines []string
		for _, actor := range report.TopActors {
			lines = append(lines, fmt.Sprintf("<@%s>: %d", actor.UserID, actor.Count))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Top actors", Value: strings.Join(lines, "\n"), Inline: false})
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Security report", fmt.Sprintf("Activity over the last %dh.", hours), b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) refreshGuildConfig(ctx context.Context, guildID string) {
	if err := b.cache.Refresh(ctx, guildID); err != nil {
		b.logger.Warn("config refresh failed", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// Option helpers.

func optionString(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func optionInt(options []*discordgo.ApplicationCommandInteractionDataOption, name string) int64 {
	for _, opt := range options {
		if opt.Name == name {
			return opt.IntValue()
		}
	}
	return 0
}

func optionBool(options []*discordgo.ApplicationCommandInteractionDataOption, name string, fallback bool) bool {
	for _, opt := range options {
		if opt.Name == name {
			return opt.BoolValue()
		}
	}
	return fallback
}

func optionUserID(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name {
			if user, ok := opt.Value.(string); ok {
				return user
			}
		}
	}
	return ""
}

func optionChannelID(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name {
			if channel, ok := opt.Value.(string); ok {
				return channel
			}
		}
	}
	return ""
}

func mentionList(userIDs []string) string {
	if len(userIDs) == 0 {
		return "Nobody."
	}
	mentions := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		mentions = append(mentions, fmt.Sprintf("<@%s>", id))
	}
	return strings.Join(mentions, "\n")
}

func (b *Bot) respondError(session *discordgo.Session, interaction *discordgo.InteractionCreate, title string, err error) {
	b.logger.Warn("command failed", zap.String("command", title), zap.Error(err))
	b.respondEmbed(session, interaction, b.commandEmbed(title, "Something went wrong, try again.", b.cfg.Notifications.EmbedColors.Error, nil), true)
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}
