package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken              string         `yaml:"discord_token"`
	DatabasePath              string         `yaml:"database_path"`
	LogLevel                  string         `yaml:"log_level"`
	DefaultSecurityLogChannel string         `yaml:"default_security_log_channel"`
	RetentionDays             int            `yaml:"retention_days"`
	Health                    HealthConfig   `yaml:"health"`
	Antinuke                  AntinukeConfig `yaml:"antinuke"`
	Twitch                    TwitchConfig   `yaml:"twitch"`
	Notifications             NotifyConfig   `yaml:"notifications"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AntinukeConfig struct {
	WindowSeconds         int `yaml:"window_seconds"`
	AuditWindowSeconds    int `yaml:"audit_window_seconds"`
	WebhookAuditSeconds   int `yaml:"webhook_audit_seconds"`
	PunishCooldownSeconds int `yaml:"punish_cooldown_seconds"`
	CleanupRetries        int `yaml:"cleanup_retries"`
	CleanupRetrySeconds   int `yaml:"cleanup_retry_seconds"`
	CleanupPaceSeconds    int `yaml:"cleanup_pace_seconds"`
}

type TwitchConfig struct {
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	PollSeconds         int    `yaml:"poll_seconds"`
	MaxPollSeconds      int    `yaml:"max_poll_seconds"`
	RefreshMinutes      int    `yaml:"refresh_minutes"`
	OfflineGraceMinutes int    `yaml:"offline_grace_minutes"`
}

type NotifyConfig struct {
	AuditToChannel bool        `yaml:"audit_to_channel"`
	EmbedColors    EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
	Live    int `yaml:"live"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:              "/data/aegis.db",
		LogLevel:                  "info",
		DefaultSecurityLogChannel: "",
		RetentionDays:             14,
		Health:                    HealthConfig{Enabled: false, Addr: ":8080"},
		Antinuke: AntinukeConfig{
			WindowSeconds:         60,
			AuditWindowSeconds:    3,
			WebhookAuditSeconds:   5,
			PunishCooldownSeconds: 15,
			CleanupRetries:        5,
			CleanupRetrySeconds:   2,
			CleanupPaceSeconds:    10,
		},
		Twitch: TwitchConfig{
			PollSeconds:         60,
			MaxPollSeconds:      300,
			RefreshMinutes:      15,
			OfflineGraceMinutes: 5,
		},
		Notifications: NotifyConfig{
			AuditToChannel: true,
			EmbedColors: EmbedColors{
				Action:  0xF59E0B,
				Warning: 0xEF4444,
				Error:   0xF97316,
				Live:    0x9146FF,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultSecurityLogChannel = envString("DEFAULT_SECURITY_LOG_CHANNEL", cfg.DefaultSecurityLogChannel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Antinuke.WindowSeconds = envInt("ANTINUKE_WINDOW_SECONDS", cfg.Antinuke.WindowSeconds)
	cfg.Antinuke.AuditWindowSeconds = envInt("ANTINUKE_AUDIT_WINDOW_SECONDS", cfg.Antinuke.AuditWindowSeconds)
	cfg.Antinuke.WebhookAuditSeconds = envInt("ANTINUKE_WEBHOOK_AUDIT_SECONDS", cfg.Antinuke.WebhookAuditSeconds)
	cfg.Antinuke.PunishCooldownSeconds = envInt("ANTINUKE_PUNISH_COOLDOWN_SECONDS", cfg.Antinuke.PunishCooldownSeconds)
	cfg.Antinuke.CleanupRetries = envInt("ANTINUKE_CLEANUP_RETRIES", cfg.Antinuke.CleanupRetries)
	cfg.Antinuke.CleanupRetrySeconds = envInt("ANTINUKE_CLEANUP_RETRY_SECONDS", cfg.Antinuke.CleanupRetrySeconds)
	cfg.Antinuke.CleanupPaceSeconds = envInt("ANTINUKE_CLEANUP_PACE_SECONDS", cfg.Antinuke.CleanupPaceSeconds)
	cfg.Twitch.ClientID = envString("TWITCH_CLIENT_ID", cfg.Twitch.ClientID)
	cfg.Twitch.ClientSecret = envString("TWITCH_CLIENT_SECRET", cfg.Twitch.ClientSecret)
	cfg.Twitch.PollSeconds = envInt("TWITCH_POLL_SECONDS", cfg.Twitch.PollSeconds)
	cfg.Twitch.MaxPollSeconds = envInt("TWITCH_MAX_POLL_SECONDS", cfg.Twitch.MaxPollSeconds)
	cfg.Twitch.RefreshMinutes = envInt("TWITCH_REFRESH_MINUTES", cfg.Twitch.RefreshMinutes)
	cfg.Twitch.OfflineGraceMinutes = envInt("TWITCH_OFFLINE_GRACE_MINUTES", cfg.Twitch.OfflineGraceMinutes)
	cfg.Notifications.AuditToChannel = envBool("AUDIT_TO_CHANNEL", cfg.Notifications.AuditToChannel)
	cfg.Notifications.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.Notifications.EmbedColors.Action)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
	cfg.Notifications.EmbedColors.Live = envInt("EMBED_COLOR_LIVE", cfg.Notifications.EmbedColors.Live)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
