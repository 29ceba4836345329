package twitch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"aegis-guardian/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

type fakeFetcher struct {
	info *StreamInfo
	err  error
}

func (f *fakeFetcher) FetchStream(login string) (*StreamInfo, error) {
	return f.info, f.err
}

type fakeNotifier struct {
	lives    []string
	updates  []string
	offlines []string
	gone     map[string]bool
	nextID   int
}

func (f *fakeNotifier) NotifyLive(ctx context.Context, sub storage.Subscription, info *StreamInfo) (string, error) {
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.lives = append(f.lives, sub.ChannelID)
	return id, nil
}

func (f *fakeNotifier) UpdateLive(ctx context.Context, channelID, messageID string, info *StreamInfo) error {
	if f.gone[messageID] {
		return ErrNotificationGone
	}
	f.updates = append(f.updates, messageID)
	return nil
}

func (f *fakeNotifier) NotifyOffline(ctx context.Context, channelID, messageID string, rec storage.StreamRecord) error {
	f.offlines = append(f.offlines, messageID)
	return nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

type monitorFixture struct {
	monitor  *Monitor
	store    *storage.Store
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	clock    *fakeClock
	state    *pollState
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	store := testStore(t)
	fetcher := &fakeFetcher{}
	notifier := &fakeNotifier{gone: make(map[string]bool)}
	m := NewMonitor(store, fetcher, notifier, 60*time.Second, 300*time.Second, 15*time.Minute, 5*time.Minute, zap.NewNop())
	clock := &fakeClock{now: time.Now()}
	m.WithClock(clock)
	return &monitorFixture{
		monitor:  m,
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		clock:    clock,
		state:    &pollState{interval: 60 * time.Second},
	}
}

func liveInfo(streamID string) *StreamInfo {
	return &StreamInfo{
		StreamID:    streamID,
		Login:       "streamer",
		DisplayName: "Streamer",
		Title:       "playing stuff",
		Game:        "Tetris",
		ViewerCount: 42,
		StartedAt:   time.Now().Add(-time.Minute),
	}
}

func subscribe(t *testing.T, store *storage.Store, channels ...string) {
	t.Helper()
	for _, ch := range channels {
		err := store.AddSubscription(context.Background(), storage.Subscription{
			Username:  "streamer",
			ChannelID: ch,
			GuildID:   "g1",
		})
		if err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}
}

func TestMonitorAnnouncesOncePerChannel(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1", "c2")
	fx.fetcher.info = liveInfo("s1")

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if len(fx.notifier.lives) != 2 {
		t.Fatalf("expected 2 announcements, got %v", fx.notifier.lives)
	}

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if len(fx.notifier.lives) != 2 {
		t.Fatalf("second poll should not re-announce, got %v", fx.notifier.lives)
	}

	rec, found, err := fx.store.GetStreamForUser(context.Background(), "streamer")
	if err != nil || !found {
		t.Fatalf("stream record missing: %v", err)
	}
	if !rec.IsLive || len(rec.Notifications) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMonitorLateSubscriberGetsAnnounced(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	subscribe(t, fx.store, "c2")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	if len(fx.notifier.lives) != 2 {
		t.Fatalf("late subscriber should be announced, got %v", fx.notifier.lives)
	}
}

func TestMonitorRefreshGate(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	fx.clock.advance(5 * time.Minute)
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if len(fx.notifier.updates) != 0 {
		t.Fatalf("refresh before the gate should not edit, got %v", fx.notifier.updates)
	}

	fx.clock.advance(11 * time.Minute)
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if len(fx.notifier.updates) != 1 {
		t.Fatalf("expected 1 refresh edit, got %v", fx.notifier.updates)
	}
}

func TestMonitorDropsGoneNotifications(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	fx.notifier.gone["m1"] = true
	fx.clock.advance(16 * time.Minute)
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	rec, _, err := fx.store.GetStreamForUser(context.Background(), "streamer")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	for _, n := range rec.Notifications {
		if n.MessageID == "m1" {
			t.Fatal("gone notification should be dropped from the record")
		}
	}
}

func TestMonitorOfflineTransitionAndGrace(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	fx.fetcher.info = nil
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if len(fx.notifier.offlines) != 1 {
		t.Fatalf("expected 1 offline edit, got %v", fx.notifier.offlines)
	}
	rec, found, _ := fx.store.GetStreamForUser(context.Background(), "streamer")
	if !found || rec.IsLive {
		t.Fatalf("record should be flagged offline, got %+v", rec)
	}

	// Inside the grace period the record survives a brief blip.
	fx.clock.advance(2 * time.Minute)
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if _, found, _ := fx.store.GetStreamForUser(context.Background(), "streamer"); !found {
		t.Fatal("record should survive inside the grace period")
	}

	fx.clock.advance(4 * time.Minute)
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if _, found, _ := fx.store.GetStreamForUser(context.Background(), "streamer"); found {
		t.Fatal("record should be deleted after the grace period")
	}
}

func TestMonitorBlipDoesNotReannounce(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	fx.fetcher.info = nil
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	fx.fetcher.info = liveInfo("s1")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	if len(fx.notifier.lives) != 1 {
		t.Fatalf("same stream id should not re-announce after a blip, got %v", fx.notifier.lives)
	}
}

func TestMonitorNewStreamIDReannounces(t *testing.T) {
	fx := newMonitorFixture(t)
	subscribe(t, fx.store, "c1")
	fx.fetcher.info = liveInfo("s1")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	fx.fetcher.info = liveInfo("s2")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)

	if len(fx.notifier.lives) != 2 {
		t.Fatalf("new broadcast should re-announce, got %v", fx.notifier.lives)
	}
}

func TestMonitorOfflineBackoff(t *testing.T) {
	fx := newMonitorFixture(t)

	fx.fetcher.info = nil
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if fx.state.interval != 90*time.Second {
		t.Fatalf("interval = %v, want 90s", fx.state.interval)
	}
	for i := 0; i < 10; i++ {
		fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	}
	if fx.state.interval != 300*time.Second {
		t.Fatalf("interval should cap at 300s, got %v", fx.state.interval)
	}

	fx.fetcher.info = liveInfo("s1")
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if fx.state.interval != 60*time.Second {
		t.Fatalf("live poll should reset interval to base, got %v", fx.state.interval)
	}
}

func TestMonitorErrorStreakBackoff(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.fetcher.err = errors.New("api down")

	for i := 0; i < 4; i++ {
		fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	}
	if fx.state.interval != 60*time.Second {
		t.Fatalf("interval should hold until 5 consecutive errors, got %v", fx.state.interval)
	}

	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if fx.state.interval != 120*time.Second {
		t.Fatalf("interval = %v, want 120s after 5 errors", fx.state.interval)
	}

	fx.fetcher.err = nil
	fx.fetcher.info = nil
	fx.monitor.pollOnce(context.Background(), "streamer", fx.state)
	if fx.state.errStreak != 0 {
		t.Fatalf("success should reset the error streak, got %d", fx.state.errStreak)
	}
}
