package antinuke

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

type fakeModeration struct {
	bans    []string
	kicks   []string
	removed []string
	err     error
}

func (f *fakeModeration) GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error {
	if f.err != nil {
		return f.err
	}
	f.bans = append(f.bans, userID)
	return nil
}

func (f *fakeModeration) GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error {
	if f.err != nil {
		return f.err
	}
	f.kicks = append(f.kicks, userID)
	return nil
}

func (f *fakeModeration) GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, roleID)
	return nil
}

type fakeDirectory struct {
	ownerID string
	botID   string
	roles   []*discordgo.Role
	botTop  int
}

func (f *fakeDirectory) GuildOwnerID(guildID string) (string, error) { return f.ownerID, nil }
func (f *fakeDirectory) BotUserID() string                           { return f.botID }
func (f *fakeDirectory) MemberRoles(guildID, userID string) ([]*discordgo.Role, error) {
	return f.roles, nil
}
func (f *fakeDirectory) BotTopPosition(guildID string) (int, error) { return f.botTop, nil }

func newTestExecutor(api *fakeModeration, dir *fakeDirectory) (*Executor, *fakeClock) {
	exec := NewExecutor(api, dir, 15*time.Second, zap.NewNop())
	clock := &fakeClock{now: time.Now()}
	exec.Cooldown().WithClock(clock)
	return exec, clock
}

func TestPunishCooldownSuppressesSecondSanction(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{ownerID: "owner", botID: "bot"}
	exec, clock := newTestExecutor(api, dir)

	if err := exec.Punish("g1", "u1", PunishBan, "test"); err != nil {
		t.Fatalf("first sanction: %v", err)
	}
	err := exec.Punish("g1", "u1", PunishBan, "test")
	var perr *PunishError
	if !errors.As(err, &perr) || perr.Code != CodeCooldown {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if len(api.bans) != 1 {
		t.Fatalf("expected 1 ban, got %d", len(api.bans))
	}

	clock.advance(16 * time.Second)
	if err := exec.Punish("g1", "u1", PunishBan, "test"); err != nil {
		t.Fatalf("sanction after cooldown: %v", err)
	}
	if len(api.bans) != 2 {
		t.Fatalf("expected 2 bans after cooldown expiry, got %d", len(api.bans))
	}
}

func TestPunishCooldownIsPerOffender(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{ownerID: "owner", botID: "bot"}
	exec, _ := newTestExecutor(api, dir)

	if err := exec.Punish("g1", "u1", PunishBan, "test"); err != nil {
		t.Fatalf("sanction u1: %v", err)
	}
	if err := exec.Punish("g1", "u2", PunishBan, "test"); err != nil {
		t.Fatalf("sanction u2: %v", err)
	}
	if len(api.bans) != 2 {
		t.Fatalf("expected 2 bans, got %d", len(api.bans))
	}
}

func TestPunishProtectsOwnerAndBot(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{ownerID: "owner", botID: "bot"}
	exec, _ := newTestExecutor(api, dir)

	for _, userID := range []string{"owner", "bot"} {
		err := exec.Punish("g1", userID, PunishBan, "test")
		var perr *PunishError
		if !errors.As(err, &perr) || perr.Code != CodeProtected {
			t.Fatalf("user %s: expected protected error, got %v", userID, err)
		}
	}
	if len(api.bans) != 0 {
		t.Fatalf("expected no bans, got %d", len(api.bans))
	}
}

func TestPunishKick(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{ownerID: "owner", botID: "bot"}
	exec, _ := newTestExecutor(api, dir)

	if err := exec.Punish("g1", "u1", PunishKick, "test"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if len(api.kicks) != 1 || api.kicks[0] != "u1" {
		t.Fatalf("unexpected kicks %v", api.kicks)
	}
}

func TestStripRemovesOnlyUnmanagedDangerousRoles(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{
		ownerID: "owner",
		botID:   "bot",
		botTop:  10,
		roles: []*discordgo.Role{
			{ID: "r-admin", Permissions: discordgo.PermissionAdministrator, Position: 5},
			{ID: "r-managed", Permissions: discordgo.PermissionManageRoles, Position: 3, Managed: true},
			{ID: "r-plain", Permissions: discordgo.PermissionSendMessages, Position: 2},
		},
	}
	exec, _ := newTestExecutor(api, dir)

	if err := exec.Punish("g1", "u1", PunishStrip, "test"); err != nil {
		t.Fatalf("strip: %v", err)
	}
	if len(api.removed) != 1 || api.removed[0] != "r-admin" {
		t.Fatalf("expected only r-admin removed, got %v", api.removed)
	}
}

func TestPunishNeverSanctionsOutrankingActor(t *testing.T) {
	for _, punishment := range []string{PunishBan, PunishKick, PunishStrip} {
		api := &fakeModeration{}
		dir := &fakeDirectory{
			ownerID: "owner",
			botID:   "bot",
			botTop:  10,
			roles: []*discordgo.Role{
				{ID: "r-high", Permissions: discordgo.PermissionAdministrator, Position: 12},
			},
		}
		exec, _ := newTestExecutor(api, dir)

		err := exec.Punish("g1", "high-roled", punishment, "test")
		var perr *PunishError
		if !errors.As(err, &perr) || perr.Code != CodeOutranked {
			t.Fatalf("%s: expected outranked error, got %v", punishment, err)
		}
		if len(api.bans)+len(api.kicks)+len(api.removed) != 0 {
			t.Fatalf("%s: outranking actor was sanctioned", punishment)
		}
	}
}

func TestPunishEqualTopRoleIsExempt(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{
		ownerID: "owner",
		botID:   "bot",
		botTop:  10,
		roles: []*discordgo.Role{
			{ID: "r-peer", Permissions: discordgo.PermissionBanMembers, Position: 10},
		},
	}
	exec, _ := newTestExecutor(api, dir)

	err := exec.Punish("g1", "peer", PunishBan, "test")
	var perr *PunishError
	if !errors.As(err, &perr) || perr.Code != CodeOutranked {
		t.Fatalf("expected outranked error for equal top role, got %v", err)
	}
	if len(api.bans) != 0 {
		t.Fatal("peer actor was banned")
	}
}

func TestStripOutrankedEverywhereFails(t *testing.T) {
	api := &fakeModeration{}
	dir := &fakeDirectory{
		ownerID: "owner",
		botID:   "bot",
		botTop:  1,
		roles: []*discordgo.Role{
			{ID: "r-admin", Permissions: discordgo.PermissionAdministrator, Position: 5},
		},
	}
	exec, _ := newTestExecutor(api, dir)

	err := exec.Punish("g1", "u1", PunishStrip, "test")
	var perr *PunishError
	if !errors.As(err, &perr) || perr.Code != CodeOutranked {
		t.Fatalf("expected outranked error, got %v", err)
	}
}

func TestClassifyRESTErrors(t *testing.T) {
	cases := []struct {
		status int
		want   PunishCode
	}{
		{403, CodePermissionDenied},
		{404, CodeNotFound},
		{429, CodeRateLimited},
		{500, CodeUnknown},
	}
	for _, tc := range cases {
		err := &discordgo.RESTError{Response: &http.Response{StatusCode: tc.status}}
		if got := classifyREST(err); got != tc.want {
			t.Fatalf("status %d: got %v want %v", tc.status, got, tc.want)
		}
	}
}
