package antinuke

import (
	"context"
	"sync"

	"aegis-guardian/internal/storage"
)

// ConfigStore is the slice of storage the cache reads from.
type ConfigStore interface {
	GetSecurityConfig(ctx context.Context, guildID string) (storage.SecurityConfig, bool, error)
	GetThresholds(ctx context.Context, guildID string) (storage.Thresholds, error)
	ListSecurityConfigs(ctx context.Context) ([]storage.SecurityConfig, error)
}

// ConfigCache keeps guild security configs and thresholds in memory so the
// event hot path never waits on a database round trip. Mutators must call
// Refresh for the guild they touched; Invalidate drops a guild outright
// (disable command). Refreshes are per guild, never wholesale rebuilds.
type ConfigCache struct {
	mu         sync.RWMutex
	store      ConfigStore
	configs    map[string]storage.SecurityConfig
	thresholds map[string]storage.Thresholds
}

func NewConfigCache(store ConfigStore) *ConfigCache {
	return &ConfigCache{
		store:      store,
		configs:    make(map[string]storage.SecurityConfig),
		thresholds: make(map[string]storage.Thresholds),
	}
}

// Prime loads every configured guild at startup.
func (c *ConfigCache) Prime(ctx context.Context) error {
	configs, err := c.store.ListSecurityConfigs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		thresholds, err := c.store.GetThresholds(ctx, cfg.GuildID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.configs[cfg.GuildID] = cfg
		c.thresholds[cfg.GuildID] = thresholds
		c.mu.Unlock()
	}
	return nil
}

func (c *ConfigCache) Refresh(ctx context.Context, guildID string) error {
	cfg, found, err := c.store.GetSecurityConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if !found {
		c.Invalidate(guildID)
		return nil
	}
	thresholds, err := c.store.GetThresholds(ctx, guildID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.configs[guildID] = cfg
	c.thresholds[guildID] = thresholds
	c.mu.Unlock()
	return nil
}

func (c *ConfigCache) Invalidate(guildID string) {
	c.mu.Lock()
	delete(c.configs, guildID)
	delete(c.thresholds, guildID)
	c.mu.Unlock()
}

func (c *ConfigCache) Config(guildID string) (storage.SecurityConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[guildID]
	return cfg, ok
}

// Enabled reports whether kind is watched for the guild. A guild without a
// config row has everything disabled.
func (c *ConfigCache) Enabled(guildID string, kind Kind) bool {
	cfg, ok := c.Config(guildID)
	if !ok {
		return false
	}
	switch kind {
	case KindBotAdd:
		return cfg.BotAdd
	case KindRoleUpdate:
		return cfg.RoleUpdate
	case KindChannelUpdate:
		return cfg.ChannelUpdate
	case KindGuildUpdate:
		return cfg.GuildUpdate
	case KindKick:
		return cfg.Kick
	case KindBan:
		return cfg.Ban
	case KindMemberPrune:
		return cfg.MemberPrune
	case KindWebhooks:
		return cfg.Webhooks
	default:
		return false
	}
}

// Threshold returns the number of tolerated actions per window before a
// violation fires. Unset means zero: the first action is already over.
func (c *ConfigCache) Threshold(guildID string, kind Kind) int {
	c.mu.RLock()
	thresholds, ok := c.thresholds[guildID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	switch kind {
	case KindBotAdd:
		return int(thresholds.BotAdd)
	case KindRoleUpdate:
		return int(thresholds.RoleUpdate)
	case KindChannelUpdate:
		return int(thresholds.ChannelUpdate)
	case KindGuildUpdate:
		return int(thresholds.GuildUpdate)
	case KindKick:
		return int(thresholds.Kick)
	case KindBan:
		return int(thresholds.Ban)
	case KindMemberPrune:
		return int(thresholds.MemberPrune)
	case KindWebhooks:
		return int(thresholds.Webhooks)
	default:
		return 0
	}
}

// Punishment returns the configured sanction kind, defaulting to ban.
func (c *ConfigCache) Punishment(guildID string) string {
	cfg, ok := c.Config(guildID)
	if !ok || cfg.Punishment == "" {
		return PunishBan
	}
	return cfg.Punishment
}
