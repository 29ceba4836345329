// Package audit persists the guild-facing security trail: every neutralized
// threat, configuration change and feed action lands here, with an optional
// fanout to the guild's security log channel.
package audit

import (
	"context"
	"time"

	"aegis-guardian/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Events with a fixed severity. Anything else defaults to INFO.
var eventLevels = map[string]string{
	"bot_add":        LevelCrit,
	"role_update":    LevelCrit,
	"channel_update": LevelCrit,
	"guild_update":   LevelCrit,
	"kick":           LevelCrit,
	"ban":            LevelCrit,
	"member_prune":   LevelCrit,
	"webhooks":       LevelCrit,
	"hardban":        LevelWarn,
	"config_change":  LevelInfo,
}

type Trail struct {
	store  *storage.Store
	logger *zap.Logger
	notify func(context.Context, storage.AuditLog)
}

func NewTrail(store *storage.Store, logger *zap.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// SetNotifier installs the channel fanout. Set after the gateway session is
// up, never swapped while events flow.
func (t *Trail) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	t.notify = notify
}

// Record persists one trail entry, deriving severity from the event name.
// Storage failures degrade to a log line so the detection path never stalls
// on the database.
func (t *Trail) Record(ctx context.Context, guildID, userID, event, details string) {
	level, ok := eventLevels[event]
	if !ok {
		level = LevelInfo
	}
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if t.store != nil {
		if err := t.store.AddAuditLog(ctx, entry); err != nil {
			t.logger.Warn("audit entry not persisted", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
	if t.notify != nil {
		t.notify(ctx, entry)
	}
	t.logger.Info("audit",
		zap.String("level", level),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("event", event),
		zap.String("details", details))
}

// RunRetention prunes entries older than retentionDays once a day until ctx
// ends. retentionDays <= 0 disables pruning.
func (t *Trail) RunRetention(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 || t.store == nil {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := t.store.CleanupAuditLogs(ctx, retentionDays); err != nil {
			t.logger.Warn("audit retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
