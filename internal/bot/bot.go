// Package bot wires the gateway session to the protection and feed
// subsystems: it maps raw Discord events onto threat kinds, keeps the
// before-state ledger for cleanup, and exposes the slash command surface.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegis-guardian/internal/analytics"
	"aegis-guardian/internal/antinuke"
	"aegis-guardian/internal/config"
	"aegis-guardian/internal/feeds/twitch"
	"aegis-guardian/internal/modules/audit"
	"aegis-guardian/internal/ratelimit"
	"aegis-guardian/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	session   *discordgo.Session
	trail     *audit.Trail
	analytics *analytics.Service

	cache       *antinuke.ConfigCache
	snapshots   *antinuke.SnapshotStore
	delegations *antinuke.Delegations
	executor    *antinuke.Executor
	queue       *antinuke.Queue
	evaluator   *antinuke.Evaluator

	twitchClient *twitch.Client

	mu           sync.Mutex
	lastRoles    map[string]antinuke.RoleSnapshot
	lastChannels map[string]antinuke.ChannelSnapshot
	lastGuilds   map[string]antinuke.GuildSnapshot
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, trail *audit.Trail, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildWebhooks

	b := &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		session:    session,
		trail:      trail,
		analytics:  analyticsService,
		lastRoles:    make(map[string]antinuke.RoleSnapshot),
		lastChannels: make(map[string]antinuke.ChannelSnapshot),
		lastGuilds:   make(map[string]antinuke.GuildSnapshot),
	}

	b.cache = antinuke.NewConfigCache(store)
	b.snapshots = antinuke.NewSnapshotStore(time.Hour)
	b.delegations = antinuke.NewDelegations(10 * time.Second)
	b.executor = antinuke.NewExecutor(session, b, time.Duration(cfg.Antinuke.PunishCooldownSeconds)*time.Second, logger)

	restorer := antinuke.NewRestorer(session, b.snapshots, logger)
	b.queue = antinuke.NewQueue(restorer,
		cfg.Antinuke.CleanupRetries,
		time.Duration(cfg.Antinuke.CleanupRetrySeconds)*time.Second,
		time.Duration(cfg.Antinuke.CleanupPaceSeconds)*time.Second,
		logger)

	correlator := antinuke.NewCorrelator(session, b.delegations, b,
		time.Duration(cfg.Antinuke.AuditWindowSeconds)*time.Second,
		time.Duration(cfg.Antinuke.WebhookAuditSeconds)*time.Second,
		logger)

	limiter := ratelimit.NewLimiter(time.Duration(cfg.Antinuke.WindowSeconds) * time.Second)
	b.evaluator = antinuke.NewEvaluator(b.cache, limiter, correlator, b.executor, b.queue, b, store, trail, logger)
	b.evaluator.SetAlerter(b.alertThreat)

	if b.trail != nil {
		b.trail.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if !b.cfg.Notifications.AuditToChannel {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

// AttachTwitch enables the /twitch command surface.
func (b *Bot) AttachTwitch(client *twitch.Client) {
	b.twitchClient = client
}

func (b *Bot) Session() *discordgo.Session { return b.session }

func (b *Bot) Start(ctx context.Context) error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onRoleCreate)
	b.session.AddHandler(b.onRoleUpdate)
	b.session.AddHandler(b.onRoleDelete)
	b.session.AddHandler(b.onChannelCreate)
	b.session.AddHandler(b.onChannelUpdate)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onWebhooksUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.cache.Prime(ctx); err != nil {
		return fmt.Errorf("prime config cache: %w", err)
	}
	if err := b.session.Open(); err != nil {
		return err
	}
	if err := b.registerCommands(); err != nil {
		return err
	}
	return nil
}

func (b *Bot) Close() {
	if b.session != nil {
		_ = b.session.Close()
	}
}

// Directory implementation over the gateway state.

func (b *Bot) GuildOwnerID(guildID string) (string, error) {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		guild, err = b.session.Guild(guildID)
		if err != nil {
			return "", err
		}
	}
	return guild.OwnerID, nil
}

func (b *Bot) BotUserID() string {
	if b.session.State.User == nil {
		return ""
	}
	return b.session.State.User.ID
}

func (b *Bot) MemberRoles(guildID, userID string) ([]*discordgo.Role, error) {
	member, err := b.session.State.Member(guildID, userID)
	if err != nil {
		member, err = b.session.GuildMember(guildID, userID)
		if err != nil {
			return nil, err
		}
	}
	var roles []*discordgo.Role
	for _, roleID := range member.Roles {
		role, err := b.session.State.Role(guildID, roleID)
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (b *Bot) BotTopPosition(guildID string) (int, error) {
	botID := b.BotUserID()
	if botID == "" {
		return 0, fmt.Errorf("bot user unknown")
	}
	roles, err := b.MemberRoles(guildID, botID)
	if err != nil {
		return 0, err
	}
	top := 0
	for _, role := range roles {
		if role.Position > top {
			top = role.Position
		}
	}
	return top, nil
}

// Gateway handlers.

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username))
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil {
		return
	}
	b.seedGuild(event.Guild)
	if err := b.cache.Refresh(context.Background(), event.Guild.ID); err != nil {
		b.logger.Warn("config refresh failed", zap.String("guild_id", event.Guild.ID), zap.Error(err))
	}
}

// seedGuild records the current shape of a guild so later destruction can be
// reversed from a known-good state.
func (b *Bot) seedGuild(guild *discordgo.Guild) {
	b.mu.Lock()
	b.lastGuilds[guild.ID] = antinuke.SnapshotGuild(guild)
	for _, role := range guild.Roles {
		b.lastRoles[role.ID] = antinuke.SnapshotRole(guild.ID, role)
	}
	for _, channel := range guild.Channels {
		b.lastChannels[channel.ID] = antinuke.SnapshotChannel(channel)
	}
	b.mu.Unlock()
}

func (b *Bot) onGuildUpdate(session *discordgo.Session, event *discordgo.GuildUpdate) {
	if event.Guild == nil {
		return
	}
	b.mu.Lock()
	prev, ok := b.lastGuilds[event.Guild.ID]
	b.lastGuilds[event.Guild.ID] = antinuke.SnapshotGuild(event.Guild)
	b.mu.Unlock()
	if ok {
		b.snapshots.Put(event.Guild.ID, prev)
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.Guild.ID,
		Kind:       antinuke.KindGuildUpdate,
		TargetID:   event.Guild.ID,
		AuditType:  discordgo.AuditLogActionGuildUpdate,
		CleanupKey: antinuke.CleanupKey("guild_update", event.Guild.ID),
	})
}

func (b *Bot) onRoleCreate(session *discordgo.Session, event *discordgo.GuildRoleCreate) {
	if event.Role == nil || event.GuildID == "" {
		return
	}
	b.mu.Lock()
	b.lastRoles[event.Role.ID] = antinuke.SnapshotRole(event.GuildID, event.Role)
	b.mu.Unlock()
	// Creating a dangerous role is part of the role_update kind.
	if !antinuke.PermissionsDangerous(event.Role.Permissions) {
		return
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:   event.GuildID,
		Kind:      antinuke.KindRoleUpdate,
		TargetID:  event.Role.ID,
		AuditType: discordgo.AuditLogActionRoleCreate,
	})
}

func (b *Bot) onRoleUpdate(session *discordgo.Session, event *discordgo.GuildRoleUpdate) {
	if event.Role == nil || event.GuildID == "" {
		return
	}
	b.mu.Lock()
	prev, ok := b.lastRoles[event.Role.ID]
	next := antinuke.SnapshotRole(event.GuildID, event.Role)
	b.lastRoles[event.Role.ID] = next
	b.mu.Unlock()
	if ok {
		b.snapshots.Put(event.Role.ID, prev)
	}
	// Edits that neither grant nor held dangerous permissions are cosmetic.
	if !antinuke.PermissionsDangerous(event.Role.Permissions) && (!ok || !antinuke.PermissionsDangerous(prev.Permissions)) {
		return
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.GuildID,
		Kind:       antinuke.KindRoleUpdate,
		TargetID:   event.Role.ID,
		AuditType:  discordgo.AuditLogActionRoleUpdate,
		CleanupKey: antinuke.CleanupKey("role_update", event.Role.ID),
	})
}

func (b *Bot) onRoleDelete(session *discordgo.Session, event *discordgo.GuildRoleDelete) {
	if event.RoleID == "" || event.GuildID == "" {
		return
	}
	b.mu.Lock()
	prev, ok := b.lastRoles[event.RoleID]
	delete(b.lastRoles, event.RoleID)
	b.mu.Unlock()
	cleanupKey := ""
	if ok {
		b.snapshots.Put(event.RoleID, prev)
		cleanupKey = antinuke.CleanupKey("role_delete", event.RoleID)
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.GuildID,
		Kind:       antinuke.KindRoleUpdate,
		TargetID:   event.RoleID,
		AuditType:  discordgo.AuditLogActionRoleDelete,
		CleanupKey: cleanupKey,
	})
}

func (b *Bot) onChannelCreate(session *discordgo.Session, event *discordgo.ChannelCreate) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	b.mu.Lock()
	b.lastChannels[event.Channel.ID] = antinuke.SnapshotChannel(event.Channel)
	b.mu.Unlock()
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:   event.Channel.GuildID,
		Kind:      antinuke.KindChannelUpdate,
		TargetID:  event.Channel.ID,
		AuditType: discordgo.AuditLogActionChannelCreate,
	})
}

func (b *Bot) onChannelUpdate(session *discordgo.Session, event *discordgo.ChannelUpdate) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	b.mu.Lock()
	prev, ok := b.lastChannels[event.Channel.ID]
	b.lastChannels[event.Channel.ID] = antinuke.SnapshotChannel(event.Channel)
	b.mu.Unlock()
	cleanupKey := ""
	if ok {
		b.snapshots.Put(event.Channel.ID, prev)
		cleanupKey = antinuke.CleanupKey("channel_update", event.Channel.ID)
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.Channel.GuildID,
		Kind:       antinuke.KindChannelUpdate,
		TargetID:   event.Channel.ID,
		AuditType:  discordgo.AuditLogActionChannelUpdate,
		CleanupKey: cleanupKey,
	})
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	b.mu.Lock()
	prev, ok := b.lastChannels[event.Channel.ID]
	delete(b.lastChannels, event.Channel.ID)
	b.mu.Unlock()
	if !ok {
		prev = antinuke.SnapshotChannel(event.Channel)
	}
	b.snapshots.Put(event.Channel.ID, prev)
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.Channel.GuildID,
		Kind:       antinuke.KindChannelUpdate,
		TargetID:   event.Channel.ID,
		AuditType:  discordgo.AuditLogActionChannelDelete,
		CleanupKey: antinuke.CleanupKey("channel_delete", event.Channel.ID),
	})
}

func (b *Bot) onWebhooksUpdate(session *discordgo.Session, event *discordgo.WebhooksUpdate) {
	if event.GuildID == "" {
		return
	}
	ctx := context.Background()
	hooks, err := b.session.ChannelWebhooks(event.ChannelID)
	if err != nil {
		// Still evaluate the burst even when the hooks cannot be listed.
		b.evaluator.HandleEvent(ctx, antinuke.Event{
			GuildID:   event.GuildID,
			Kind:      antinuke.KindWebhooks,
			AuditType: discordgo.AuditLogActionWebhookCreate,
		})
		return
	}
	window := time.Duration(b.cfg.Antinuke.WebhookAuditSeconds) * time.Second
	evaluated := false
	for _, hook := range hooks {
		created, err := discordgo.SnowflakeTimestamp(hook.ID)
		if err != nil || time.Since(created) > window {
			continue
		}
		evaluated = true
		b.evaluator.HandleEvent(ctx, antinuke.Event{
			GuildID:    event.GuildID,
			Kind:       antinuke.KindWebhooks,
			TargetID:   hook.ID,
			AuditType:  discordgo.AuditLogActionWebhookCreate,
			CleanupKey: antinuke.CleanupKey("webhook_create", hook.ID),
		})
	}
	if !evaluated {
		// Deletion or edit of an existing webhook.
		b.evaluator.HandleEvent(ctx, antinuke.Event{
			GuildID:   event.GuildID,
			Kind:      antinuke.KindWebhooks,
			AuditType: discordgo.AuditLogActionWebhookUpdate,
		})
	}
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.GuildID,
		Kind:       antinuke.KindBan,
		TargetID:   event.User.ID,
		AuditType:  discordgo.AuditLogActionMemberBanAdd,
		CleanupKey: antinuke.CleanupKey("ban", event.User.ID),
	})
}

func (b *Bot) onGuildBanRemove(session *discordgo.Session, event *discordgo.GuildBanRemove) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	ctx := context.Background()
	hardbanned, err := b.store.IsHardbanned(ctx, event.GuildID, event.User.ID)
	if err != nil || !hardbanned {
		return
	}
	b.delegations.Record(event.GuildID, antinuke.KindBan, event.User.ID, "")
	if err := b.session.GuildBanCreateWithReason(event.GuildID, event.User.ID, "Hardban re-enforced", 0); err != nil {
		b.logger.Warn("hardban re-enforcement failed",
			zap.String("guild_id", event.GuildID),
			zap.String("user_id", event.User.ID),
			zap.Error(err))
		return
	}
	b.trail.Record(ctx, event.GuildID, event.User.ID, "hardban", "ban re-applied after manual unban")
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	ctx := context.Background()
	if hardbanned, err := b.store.IsHardbanned(ctx, event.GuildID, event.User.ID); err == nil && hardbanned {
		b.delegations.Record(event.GuildID, antinuke.KindBan, event.User.ID, "")
		if err := b.session.GuildBanCreateWithReason(event.GuildID, event.User.ID, "Hardban re-enforced", 0); err == nil {
			b.trail.Record(ctx, event.GuildID, event.User.ID, "hardban", "ban re-applied on rejoin")
		}
		return
	}
	if !event.User.Bot {
		return
	}
	b.evaluator.HandleEvent(ctx, antinuke.Event{
		GuildID:   event.GuildID,
		Kind:      antinuke.KindBotAdd,
		TargetID:  event.User.ID,
		AuditType: discordgo.AuditLogActionBotAdd,
	})
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	ctx := context.Background()
	// A remove is only a threat when a recent audit entry says it was a kick
	// or a prune; a plain leave resolves to no actor and is dropped.
	b.evaluator.HandleEvent(ctx, antinuke.Event{
		GuildID:   event.GuildID,
		Kind:      antinuke.KindKick,
		TargetID:  event.User.ID,
		AuditType: discordgo.AuditLogActionMemberKick,
	})
	b.evaluator.HandleEvent(ctx, antinuke.Event{
		GuildID:   event.GuildID,
		Kind:      antinuke.KindMemberPrune,
		AuditType: discordgo.AuditLogActionMemberPrune,
	})
}

func (b *Bot) onGuildMemberUpdate(session *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.GuildID == "" || event.User == nil || event.BeforeUpdate == nil {
		return
	}
	granted := newDangerousRoles(b.session, event.GuildID, event.BeforeUpdate.Roles, event.Roles)
	if len(granted) == 0 {
		return
	}
	b.snapshots.Put(event.User.ID, antinuke.MemberRolesSnapshot{
		GuildID:        event.GuildID,
		UserID:         event.User.ID,
		DangerousRoles: granted,
	})
	b.evaluator.HandleEvent(context.Background(), antinuke.Event{
		GuildID:    event.GuildID,
		Kind:       antinuke.KindRoleUpdate,
		TargetID:   event.User.ID,
		AuditType:  discordgo.AuditLogActionMemberRoleUpdate,
		CleanupKey: antinuke.CleanupKey("role_assignment", event.User.ID),
	})
}

// newDangerousRoles returns role IDs present in after but not before that
// carry dangerous permissions.
func newDangerousRoles(session *discordgo.Session, guildID string, before, after []string) []string {
	had := make(map[string]bool, len(before))
	for _, roleID := range before {
		had[roleID] = true
	}
	var granted []string
	for _, roleID := range after {
		if had[roleID] {
			continue
		}
		role, err := session.State.Role(guildID, roleID)
		if err != nil {
			continue
		}
		if antinuke.PermissionsDangerous(role.Permissions) {
			granted = append(granted, roleID)
		}
	}
	return granted
}

// Notifications to the guild's security channel.

func (b *Bot) securityChannelID(guildID string) string {
	if b.cfg.DefaultSecurityLogChannel == "" {
		return ""
	}
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, channel := range guild.Channels {
		if channel.Type == discordgo.ChannelTypeGuildText && channel.Name == b.cfg.DefaultSecurityLogChannel {
			return channel.ID
		}
	}
	return ""
}

func (b *Bot) sendSecurityEmbed(guildID string, embed *discordgo.MessageEmbed) {
	channelID := b.securityChannelID(guildID)
	if channelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.logger.Warn("security embed not sent", zap.String("guild_id", guildID), zap.Error(err))
	}
}

func (b *Bot) alertThreat(guildID, actorID string, kind antinuke.Kind, punishment string, count int) {
	b.sendSecurityEmbed(guildID, &discordgo.MessageEmbed{
		Title: "Threat neutralized",
		Color: b.cfg.Notifications.EmbedColors.Warning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: fmt.Sprintf("<@%s>", actorID), Inline: true},
			{Name: "Action", Value: string(kind), Inline: true},
			{Name: "Count", Value: fmt.Sprintf("%d", count), Inline: true},
			{Name: "Punishment", Value: punishment, Inline: true},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	color := b.cfg.Notifications.EmbedColors.Action
	if entry.Level == audit.LevelCrit {
		color = b.cfg.Notifications.EmbedColors.Error
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Audit: %s", entry.Event),
		Description: entry.Details,
		Color:       color,
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
	}
	if entry.UserID != "" {
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "User", Value: fmt.Sprintf("<@%s>", entry.UserID), Inline: true},
		}
	}
	b.sendSecurityEmbed(entry.GuildID, embed)
}
