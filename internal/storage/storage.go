package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// SecurityConfig is the per-guild antinuke row: which action kinds are
// watched and what sanction a violation triggers. A missing row means the
// feature is disabled for the guild.
type SecurityConfig struct {
	GuildID       string
	BotAdd        bool
	RoleUpdate    bool
	ChannelUpdate bool
	GuildUpdate   bool
	Kick          bool
	Ban           bool
	MemberPrune   bool
	Webhooks      bool
	Punishment    string
}

// Thresholds holds per-action-kind violation allowances. Zero means a single
// offending action is already over the line.
type Thresholds struct {
	GuildID       string
	BotAdd        int64
	RoleUpdate    int64
	ChannelUpdate int64
	GuildUpdate   int64
	Kick          int64
	Ban           int64
	MemberPrune   int64
	Webhooks      int64
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetSecurityConfig(ctx context.Context, guildID string) (SecurityConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_add, role_update, channel_update, guild_update, kick, ban, member_prune, webhooks, punishment
		FROM antinuke_config WHERE guild_id = ?`, guildID)

	cfg := SecurityConfig{GuildID: guildID}
	var botAdd, roleUpdate, channelUpdate, guildUpdate, kick, ban, prune, webhooks int
	err := row.Scan(&botAdd, &roleUpdate, &channelUpdate, &guildUpdate, &kick, &ban, &prune, &webhooks, &cfg.Punishment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SecurityConfig{}, false, nil
		}
		return SecurityConfig{}, false, err
	}
	cfg.BotAdd = botAdd == 1
	cfg.RoleUpdate = roleUpdate == 1
	cfg.ChannelUpdate = channelUpdate == 1
	cfg.GuildUpdate = guildUpdate == 1
	cfg.Kick = kick == 1
	cfg.Ban = ban == 1
	cfg.MemberPrune = prune == 1
	cfg.Webhooks = webhooks == 1
	return cfg, true, nil
}

func (s *Store) UpsertSecurityConfig(ctx context.Context, cfg SecurityConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO antinuke_config (
			guild_id, bot_add, role_update, channel_update, guild_update, kick, ban, member_prune, webhooks, punishment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			bot_add = excluded.bot_add,
			role_update = excluded.role_update,
			channel_update = excluded.channel_update,
			guild_update = excluded.guild_update,
			kick = excluded.kick,
			ban = excluded.ban,
			member_prune = excluded.member_prune,
			webhooks = excluded.webhooks,
			punishment = excluded.punishment
	`,
		cfg.GuildID,
		boolToInt(cfg.BotAdd),
		boolToInt(cfg.RoleUpdate),
		boolToInt(cfg.ChannelUpdate),
		boolToInt(cfg.GuildUpdate),
		boolToInt(cfg.Kick),
		boolToInt(cfg.Ban),
		boolToInt(cfg.MemberPrune),
		boolToInt(cfg.Webhooks),
		cfg.Punishment,
	)
	return err
}

func (s *Store) ListSecurityConfigs(ctx context.Context) ([]SecurityConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, bot_add, role_update, channel_update, guild_update, kick, ban, member_prune, webhooks, punishment
		FROM antinuke_config ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []SecurityConfig
	for rows.Next() {
		var cfg SecurityConfig
		var botAdd, roleUpdate, channelUpdate, guildUpdate, kick, ban, prune, webhooks int
		if err := rows.Scan(&cfg.GuildID, &botAdd, &roleUpdate, &channelUpdate, &guildUpdate, &kick, &ban, &prune, &webhooks, &cfg.Punishment); err != nil {
			return nil, err
		}
		cfg.BotAdd = botAdd == 1
		cfg.RoleUpdate = roleUpdate == 1
		cfg.ChannelUpdate = channelUpdate == 1
		cfg.GuildUpdate = guildUpdate == 1
		cfg.Kick = kick == 1
		cfg.Ban = ban == 1
		cfg.MemberPrune = prune == 1
		cfg.Webhooks = webhooks == 1
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) DeleteSecurityConfig(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM antinuke_config WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM antinuke_thresholds WHERE guild_id = ?`, guildID)
	return err
}

func (s *Store) GetThresholds(ctx context.Context, guildID string) (Thresholds, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_add, role_update, channel_update, guild_update, kick, ban, member_prune, webhooks
		FROM antinuke_thresholds WHERE guild_id = ?`, guildID)

	th := Thresholds{GuildID: guildID}
	err := row.Scan(&th.BotAdd, &th.RoleUpdate, &th.ChannelUpdate, &th.GuildUpdate, &th.Kick, &th.Ban, &th.MemberPrune, &th.Webhooks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return th, nil
		}
		return Thresholds{}, err
	}
	return th, nil
}

var thresholdColumns = map[string]struct{}{
	"bot_add":        {},
	"role_update":    {},
	"channel_update": {},
	"guild_update":   {},
	"kick":           {},
	"ban":            {},
	"member_prune":   {},
	"webhooks":       {},
}

func (s *Store) SetThreshold(ctx context.Context, guildID, kind string, value int64) error {
	if _, ok := thresholdColumns[kind]; !ok {
		return fmt.Errorf("unknown threshold kind %q", kind)
	}
	query := fmt.Sprintf(`
		INSERT INTO antinuke_thresholds (guild_id, %s) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET %s = excluded.%s
	`, kind, kind, kind)
	_, err := s.db.ExecContext(ctx, query, guildID, value)
	return err
}

func (s *Store) AddWhitelistUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO antinuke_whitelist (guild_id, user_id) VALUES (?, ?)`, guildID, userID)
	return err
}

func (s *Store) RemoveWhitelistUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM antinuke_whitelist WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	return err
}

func (s *Store) ListWhitelistUsers(ctx context.Context, guildID string) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM antinuke_whitelist WHERE guild_id = ? ORDER BY user_id`, guildID)
}

func (s *Store) IsWhitelisted(ctx context.Context, guildID, userID string) (bool, error) {
	return s.userExists(ctx, `SELECT 1 FROM antinuke_whitelist WHERE guild_id = ? AND user_id = ?`, guildID, userID)
}

func (s *Store) AddTrustedAdmin(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO antinuke_admins (guild_id, user_id) VALUES (?, ?)`, guildID, userID)
	return err
}

func (s *Store) RemoveTrustedAdmin(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM antinuke_admins WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	return err
}

func (s *Store) ListTrustedAdmins(ctx context.Context, guildID string) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM antinuke_admins WHERE guild_id = ? ORDER BY user_id`, guildID)
}

func (s *Store) IsTrustedAdmin(ctx context.Context, guildID, userID string) (bool, error) {
	return s.userExists(ctx, `SELECT 1 FROM antinuke_admins WHERE guild_id = ? AND user_id = ?`, guildID, userID)
}

func (s *Store) AddHardban(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO hardbans (guild_id, user_id) VALUES (?, ?)`, guildID, userID)
	return err
}

func (s *Store) RemoveHardban(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hardbans WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	return err
}

func (s *Store) IsHardbanned(ctx context.Context, guildID, userID string) (bool, error) {
	return s.userExists(ctx, `SELECT 1 FROM hardbans WHERE guild_id = ? AND user_id = ?`, guildID, userID)
}

func (s *Store) ListHardbans(ctx context.Context, guildID string) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM hardbans WHERE guild_id = ? ORDER BY user_id`, guildID)
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.Unix())
	return err
}

func (s *Store) listUserIDs(ctx context.Context, query, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) userExists(ctx context.Context, query, guildID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, guildID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
