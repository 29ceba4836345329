package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSecurityConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetSecurityConfig(ctx, "g1"); err != nil || found {
		t.Fatalf("expected no config, found=%v err=%v", found, err)
	}

	cfg := SecurityConfig{GuildID: "g1", Ban: true, Webhooks: true, Punishment: "kick"}
	if err := store.UpsertSecurityConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := store.GetSecurityConfig(ctx, "g1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !got.Ban || !got.Webhooks || got.Kick || got.Punishment != "kick" {
		t.Fatalf("unexpected config %+v", got)
	}

	cfg.Ban = false
	cfg.Kick = true
	if err := store.UpsertSecurityConfig(ctx, cfg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _, _ = store.GetSecurityConfig(ctx, "g1")
	if got.Ban || !got.Kick {
		t.Fatalf("upsert should overwrite, got %+v", got)
	}

	configs, err := store.ListSecurityConfigs(ctx)
	if err != nil || len(configs) != 1 {
		t.Fatalf("list: %v %v", configs, err)
	}
}

func TestDeleteSecurityConfigClearsThresholds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSecurityConfig(ctx, SecurityConfig{GuildID: "g1", Ban: true, Punishment: "ban"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetThreshold(ctx, "g1", "ban", 5); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	if err := store.DeleteSecurityConfig(ctx, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.GetSecurityConfig(ctx, "g1"); found {
		t.Fatal("config should be gone")
	}
	th, err := store.GetThresholds(ctx, "g1")
	if err != nil {
		t.Fatalf("get thresholds: %v", err)
	}
	if th.Ban != 0 {
		t.Fatalf("thresholds should be cleared, got %+v", th)
	}
}

func TestThresholds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.GetThresholds(ctx, "g1")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if th.Ban != 0 || th.Webhooks != 0 {
		t.Fatalf("defaults should be zero, got %+v", th)
	}

	if err := store.SetThreshold(ctx, "g1", "ban", 3); err != nil {
		t.Fatalf("set ban: %v", err)
	}
	if err := store.SetThreshold(ctx, "g1", "webhooks", 1); err != nil {
		t.Fatalf("set webhooks: %v", err)
	}
	th, _ = store.GetThresholds(ctx, "g1")
	if th.Ban != 3 || th.Webhooks != 1 || th.Kick != 0 {
		t.Fatalf("unexpected thresholds %+v", th)
	}

	if err := store.SetThreshold(ctx, "g1", "ban; DROP TABLE hardbans", 1); err == nil {
		t.Fatal("unknown kind should be rejected")
	}
}

func TestWhitelistAndTrustedAdmins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddWhitelistUser(ctx, "g1", "u1"); err != nil {
		t.Fatalf("add whitelist: %v", err)
	}
	if err := store.AddWhitelistUser(ctx, "g1", "u1"); err != nil {
		t.Fatalf("duplicate add should be a no-op: %v", err)
	}
	if err := store.AddTrustedAdmin(ctx, "g1", "u2"); err != nil {
		t.Fatalf("add admin: %v", err)
	}

	if ok, _ := store.IsWhitelisted(ctx, "g1", "u1"); !ok {
		t.Fatal("u1 should be whitelisted")
	}
	if ok, _ := store.IsWhitelisted(ctx, "g2", "u1"); ok {
		t.Fatal("whitelist is per guild")
	}
	if ok, _ := store.IsTrustedAdmin(ctx, "g1", "u2"); !ok {
		t.Fatal("u2 should be a trusted admin")
	}
	if ok, _ := store.IsTrustedAdmin(ctx, "g1", "u1"); ok {
		t.Fatal("whitelist and admins are separate lists")
	}

	users, err := store.ListWhitelistUsers(ctx, "g1")
	if err != nil || len(users) != 1 || users[0] != "u1" {
		t.Fatalf("list whitelist: %v %v", users, err)
	}

	if err := store.RemoveWhitelistUser(ctx, "g1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := store.IsWhitelisted(ctx, "g1", "u1"); ok {
		t.Fatal("u1 should be removed")
	}
}

func TestHardbans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddHardban(ctx, "g1", "u1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ok, _ := store.IsHardbanned(ctx, "g1", "u1"); !ok {
		t.Fatal("u1 should be hardbanned")
	}
	if ok, _ := store.IsHardbanned(ctx, "g2", "u1"); ok {
		t.Fatal("hardbans are per guild")
	}
	list, err := store.ListHardbans(ctx, "g1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if err := store.RemoveHardban(ctx, "g1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := store.IsHardbanned(ctx, "g1", "u1"); ok {
		t.Fatal("u1 should no longer be hardbanned")
	}
}

func TestAuditLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entries := []AuditLog{
		{GuildID: "g1", UserID: "u1", Level: "CRIT", Event: "ban", Details: "threshold exceeded", CreatedAt: now.Add(-time.Hour)},
		{GuildID: "g1", UserID: "u2", Level: "INFO", Event: "config_change", Details: "enable ban", CreatedAt: now},
		{GuildID: "g2", UserID: "u3", Level: "WARN", Event: "hardban", Details: "rejoin", CreatedAt: now},
	}
	for _, entry := range entries {
		if err := store.AddAuditLog(ctx, entry); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	logs, err := store.ListAuditLogs(ctx, "g1", now.Add(-2*time.Hour))
	if err != nil || len(logs) != 2 {
		t.Fatalf("list g1: %d entries, err %v", len(logs), err)
	}
	logs, err = store.ListAuditLogs(ctx, "g1", now.Add(-time.Minute))
	if err != nil || len(logs) != 1 {
		t.Fatalf("since filter: %d entries, err %v", len(logs), err)
	}
	if logs[0].Event != "config_change" {
		t.Fatalf("unexpected entry %+v", logs[0])
	}
}

func TestCleanupAuditLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := AuditLog{GuildID: "g1", Level: "INFO", Event: "ban", CreatedAt: now.AddDate(0, 0, -40)}
	fresh := AuditLog{GuildID: "g1", Level: "INFO", Event: "ban", CreatedAt: now}
	if err := store.AddAuditLog(ctx, old); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := store.AddAuditLog(ctx, fresh); err != nil {
		t.Fatalf("add fresh: %v", err)
	}

	if err := store.CleanupAuditLogs(ctx, 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	logs, err := store.ListAuditLogs(ctx, "g1", now.AddDate(-1, 0, 0))
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected only the fresh entry, got %d err %v", len(logs), err)
	}
}
