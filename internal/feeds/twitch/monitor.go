package twitch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis-guardian/internal/storage"
)

// StreamFetcher returns the live broadcast for a login, nil when offline.
type StreamFetcher interface {
	FetchStream(login string) (*StreamInfo, error)
}

// ErrNotificationGone signals that a tracked message no longer exists and
// should be dropped from the record instead of retried.
var ErrNotificationGone = errors.New("notification message gone")

// Notifier posts and maintains live announcements in Discord.
type Notifier interface {
	NotifyLive(ctx context.Context, sub storage.Subscription, info *StreamInfo) (messageID string, err error)
	UpdateLive(ctx context.Context, channelID, messageID string, info *StreamInfo) error
	NotifyOffline(ctx context.Context, channelID, messageID string, rec storage.StreamRecord) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	syncInterval   = 30 * time.Second
	errStreakLimit = 5
)

// Monitor runs one adaptive polling loop per subscribed streamer. Intervals
// back off while a channel stays offline or the API keeps failing, and snap
// back to the base rate the moment a broadcast is seen.
type Monitor struct {
	store    *storage.Store
	fetcher  StreamFetcher
	notifier Notifier
	log      *zap.Logger
	clock    Clock

	basePoll     time.Duration
	maxPoll      time.Duration
	refreshGate  time.Duration
	offlineGrace time.Duration

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewMonitor(store *storage.Store, fetcher StreamFetcher, notifier Notifier, basePoll, maxPoll, refreshGate, offlineGrace time.Duration, log *zap.Logger) *Monitor {
	if basePoll <= 0 {
		basePoll = 60 * time.Second
	}
	if maxPoll < basePoll {
		maxPoll = 300 * time.Second
	}
	if refreshGate <= 0 {
		refreshGate = 15 * time.Minute
	}
	if offlineGrace <= 0 {
		offlineGrace = 5 * time.Minute
	}
	return &Monitor{
		store:        store,
		fetcher:      fetcher,
		notifier:     notifier,
		log:          log,
		clock:        realClock{},
		basePoll:     basePoll,
		maxPoll:      maxPoll,
		refreshGate:  refreshGate,
		offlineGrace: offlineGrace,
		workers:      make(map[string]context.CancelFunc),
	}
}

func (m *Monitor) WithClock(clock Clock) {
	m.clock = clock
}

// Run reconciles one polling worker per subscribed username until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		m.reconcile(ctx)
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		m.log.Warn("subscription sync failed", zap.Error(err))
		return
	}
	wanted := make(map[string]bool)
	for _, sub := range subs {
		wanted[sub.Username] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for username := range wanted {
		if _, running := m.workers[username]; running {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		m.workers[username] = cancel
		m.wg.Add(1)
		go m.runWorker(workerCtx, username)
	}
	for username, cancel := range m.workers {
		if !wanted[username] {
			cancel()
			delete(m.workers, username)
		}
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for username, cancel := range m.workers {
		cancel()
		delete(m.workers, username)
	}
}

type pollState struct {
	interval  time.Duration
	errStreak int
}

func (m *Monitor) runWorker(ctx context.Context, username string) {
	defer m.wg.Done()
	st := &pollState{interval: m.basePoll}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.pollOnce(ctx, username, st)
		timer.Reset(st.interval)
	}
}

// pollOnce runs one fetch for username and adjusts the poll interval from
// what it saw.
func (m *Monitor) pollOnce(ctx context.Context, username string, st *pollState) {
	info, err := m.fetcher.FetchStream(username)
	if err != nil {
		st.errStreak++
		if st.errStreak >= errStreakLimit {
			st.interval = minDuration(st.interval*2, m.maxPoll)
			st.errStreak = 0
		}
		m.log.Warn("stream fetch failed", zap.String("username", username), zap.Error(err))
		return
	}
	st.errStreak = 0
	if info != nil {
		st.interval = m.basePoll
		m.handleLive(ctx, username, info)
		return
	}
	st.interval = minDuration(st.interval*3/2, m.maxPoll)
	m.handleOffline(ctx, username)
}

func (m *Monitor) handleLive(ctx context.Context, username string, info *StreamInfo) {
	now := m.clock.Now()
	rec, found, err := m.store.GetStreamForUser(ctx, username)
	if err != nil {
		m.log.Warn("stream record lookup failed", zap.String("username", username), zap.Error(err))
		return
	}
	if found && rec.StreamID != info.StreamID {
		// A new broadcast replaces the old record and re-announces.
		if err := m.store.DeleteStream(ctx, rec.StreamID); err != nil {
			m.log.Warn("stale stream record not deleted", zap.String("stream_id", rec.StreamID), zap.Error(err))
		}
		found = false
	}
	if !found {
		rec = storage.StreamRecord{
			StreamID:  info.StreamID,
			Username:  username,
			StartedAt: info.StartedAt,
		}
		m.log.Info("stream went live",
			zap.String("username", username),
			zap.String("stream_id", info.StreamID))
	}
	rec.Title = info.Title
	rec.Game = info.Game
	rec.ViewerCount = info.ViewerCount
	rec.ThumbnailURL = info.ThumbnailURL
	rec.IsLive = true
	rec.LastUpdated = now

	subs, err := m.store.ListSubscriptionsForUser(ctx, username)
	if err != nil {
		m.log.Warn("subscription lookup failed", zap.String("username", username), zap.Error(err))
		return
	}
	notified := make(map[string]bool, len(rec.Notifications))
	for _, n := range rec.Notifications {
		notified[n.ChannelID] = true
	}
	for _, sub := range subs {
		if notified[sub.ChannelID] {
			continue
		}
		messageID, err := m.notifier.NotifyLive(ctx, sub, info)
		if err != nil {
			m.log.Warn("live announcement failed",
				zap.String("username", username),
				zap.String("channel_id", sub.ChannelID),
				zap.Error(err))
			continue
		}
		rec.Notifications = append(rec.Notifications, storage.StreamNotification{
			ChannelID: sub.ChannelID,
			MessageID: messageID,
			UpdatedAt: now,
		})
	}

	kept := rec.Notifications[:0]
	for _, n := range rec.Notifications {
		if now.Sub(n.UpdatedAt) >= m.refreshGate {
			err := m.notifier.UpdateLive(ctx, n.ChannelID, n.MessageID, info)
			if errors.Is(err, ErrNotificationGone) {
				continue
			}
			if err != nil {
				m.log.Warn("announcement refresh failed",
					zap.String("channel_id", n.ChannelID),
					zap.Error(err))
			} else {
				n.UpdatedAt = now
			}
		}
		kept = append(kept, n)
	}
	rec.Notifications = kept

	if err := m.store.UpsertStream(ctx, rec); err != nil {
		m.log.Warn("stream record not persisted", zap.String("username", username), zap.Error(err))
	}
}

func (m *Monitor) handleOffline(ctx context.Context, username string) {
	now := m.clock.Now()
	rec, found, err := m.store.GetStreamForUser(ctx, username)
	if err != nil {
		m.log.Warn("stream record lookup failed", zap.String("username", username), zap.Error(err))
		return
	}
	if !found {
		return
	}
	if rec.IsLive {
		rec.IsLive = false
		rec.LastUpdated = now
		for _, n := range rec.Notifications {
			if err := m.notifier.NotifyOffline(ctx, n.ChannelID, n.MessageID, rec); err != nil && !errors.Is(err, ErrNotificationGone) {
				m.log.Warn("offline edit failed",
					zap.String("channel_id", n.ChannelID),
					zap.Error(err))
			}
		}
		if err := m.store.UpsertStream(ctx, rec); err != nil {
			m.log.Warn("stream record not persisted", zap.String("username", username), zap.Error(err))
		}
		m.log.Info("stream went offline", zap.String("username", username))
		return
	}
	if now.Sub(rec.LastUpdated) >= m.offlineGrace {
		if err := m.store.DeleteStream(ctx, rec.StreamID); err != nil {
			m.log.Warn("stream record not deleted", zap.String("stream_id", rec.StreamID), zap.Error(err))
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
