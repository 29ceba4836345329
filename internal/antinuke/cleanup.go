package antinuke

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Remediator reverses a single piece of damage identified by a cleanup key.
type Remediator interface {
	Remediate(guildID, key string) error
}

// Queue schedules damage reversal per guild. Work for one guild runs
// strictly serially and is paced so cleanup itself never trips Discord's
// rate limits; distinct guilds proceed independently. Each key is retried a
// bounded number of times and then dropped.
type Queue struct {
	mu         sync.Mutex
	guilds     map[string]*guildQueue
	remediator Remediator
	attempts   int
	retryDelay time.Duration
	pace       time.Duration
	log        *zap.Logger
}

type guildQueue struct {
	pending     []string
	pendingSet  map[string]struct{}
	running     bool
	nextAllowed time.Time
}

func NewQueue(remediator Remediator, attempts int, retryDelay, pace time.Duration, log *zap.Logger) *Queue {
	if attempts <= 0 {
		attempts = 5
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	if pace <= 0 {
		pace = 10 * time.Second
	}
	return &Queue{
		guilds:     make(map[string]*guildQueue),
		remediator: remediator,
		attempts:   attempts,
		retryDelay: retryDelay,
		pace:       pace,
		log:        log,
	}
}

// Enqueue adds a cleanup key for a guild. Duplicate keys already waiting are
// coalesced. The first key for an idle guild starts a worker goroutine.
func (q *Queue) Enqueue(guildID, key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	gq, ok := q.guilds[guildID]
	if !ok {
		gq = &guildQueue{pendingSet: make(map[string]struct{})}
		q.guilds[guildID] = gq
	}
	if _, dup := gq.pendingSet[key]; dup {
		q.mu.Unlock()
		return
	}
	gq.pendingSet[key] = struct{}{}
	gq.pending = append(gq.pending, key)
	start := !gq.running
	if start {
		gq.running = true
	}
	q.mu.Unlock()
	if start {
		go q.drain(guildID)
	}
}

func (q *Queue) drain(guildID string) {
	for {
		q.mu.Lock()
		gq := q.guilds[guildID]
		if len(gq.pending) == 0 {
			gq.running = false
			q.mu.Unlock()
			return
		}
		key := gq.pending[0]
		gq.pending = gq.pending[1:]
		delete(gq.pendingSet, key)
		now := time.Now()
		slot := gq.nextAllowed
		if slot.Before(now) {
			slot = now
		}
		wait := slot.Sub(now)
		gq.nextAllowed = slot.Add(q.pace)
		q.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}
		q.process(guildID, key)
	}
}

func (q *Queue) process(guildID, key string) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(q.retryDelay), uint64(q.attempts-1))
	err := backoff.Retry(func() error {
		return q.remediator.Remediate(guildID, key)
	}, policy)
	if err != nil {
		q.log.Error("cleanup abandoned",
			zap.String("guild_id", guildID),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	q.log.Info("cleanup applied",
		zap.String("guild_id", guildID),
		zap.String("key", key))
}

// RestoreAPI is the slice of the Discord session the restorer needs.
type RestoreAPI interface {
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildRoleEdit(guildID, roleID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	WebhookDelete(webhookID string, options ...discordgo.RequestOption) error
	GuildBanDelete(guildID, userID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildEdit(guildID string, g *discordgo.GuildParams, options ...discordgo.RequestOption) (*discordgo.Guild, error)
}

// Restorer remediates individual cleanup keys from stored snapshots.
// Deleted entities are recreated rather than resurrected, so restored roles
// and channels carry fresh IDs.
type Restorer struct {
	api       RestoreAPI
	snapshots *SnapshotStore
	log       *zap.Logger
}

func NewRestorer(api RestoreAPI, snapshots *SnapshotStore, log *zap.Logger) *Restorer {
	return &Restorer{api: api, snapshots: snapshots, log: log}
}

// Cleanup key operations, encoded as "<op>:<entity id>".
const (
	opRoleDelete     = "role_delete"
	opRoleUpdate     = "role_update"
	opChannelDelete  = "channel_delete"
	opChannelUpdate  = "channel_update"
	opWebhookCreate  = "webhook_create"
	opRoleAssignment = "role_assignment"
	opBan            = "ban"
	opGuildUpdate    = "guild_update"
)

func CleanupKey(op, id string) string {
	return op + ":" + id
}

func (r *Restorer) Remediate(guildID, key string) error {
	op, id, _ := strings.Cut(key, ":")
	switch op {
	case opRoleDelete:
		return r.recreateRole(guildID, id)
	case opRoleUpdate:
		return r.revertRole(guildID, id)
	case opChannelDelete:
		return r.recreateChannel(guildID, id)
	case opChannelUpdate:
		return r.revertChannel(id)
	case opWebhookCreate:
		return r.api.WebhookDelete(id)
	case opRoleAssignment:
		return r.revokeRoles(guildID, id)
	case opBan:
		return r.api.GuildBanDelete(guildID, id)
	case opGuildUpdate:
		return r.revertGuild(guildID)
	default:
		return backoff.Permanent(fmt.Errorf("unknown cleanup operation %q", op))
	}
}

func (r *Restorer) recreateRole(guildID, roleID string) error {
	snap, ok := takeSnapshot[RoleSnapshot](r.snapshots, EntityRole, roleID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no snapshot for deleted role %s", roleID))
	}
	_, err := r.api.GuildRoleCreate(guildID, roleParams(snap))
	if err != nil {
		r.snapshots.Put(roleID, snap)
		return fmt.Errorf("recreate role: %w", err)
	}
	return nil
}

func (r *Restorer) revertRole(guildID, roleID string) error {
	snap, ok := takeSnapshot[RoleSnapshot](r.snapshots, EntityRole, roleID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no snapshot for role %s", roleID))
	}
	_, err := r.api.GuildRoleEdit(guildID, roleID, roleParams(snap))
	if err != nil {
		r.snapshots.Put(roleID, snap)
		return fmt.Errorf("revert role: %w", err)
	}
	return nil
}

func roleParams(snap RoleSnapshot) *discordgo.RoleParams {
	color := snap.Color
	hoist := snap.Hoist
	perms := snap.Permissions
	mentionable := snap.Mentionable
	return &discordgo.RoleParams{
		Name:        snap.Name,
		Color:       &color,
		Hoist:       &hoist,
		Permissions: &perms,
		Mentionable: &mentionable,
	}
}

func (r *Restorer) recreateChannel(guildID, channelID string) error {
	snap, ok := takeSnapshot[ChannelSnapshot](r.snapshots, EntityChannel, channelID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no snapshot for deleted channel %s", channelID))
	}
	_, err := r.api.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 snap.Name,
		Type:                 snap.Type,
		Topic:                snap.Topic,
		Bitrate:              snap.Bitrate,
		UserLimit:            snap.UserLimit,
		RateLimitPerUser:     snap.RateLimitPerUser,
		Position:             snap.Position,
		PermissionOverwrites: snap.Overwrites,
		ParentID:             snap.ParentID,
		NSFW:                 snap.NSFW,
	})
	if err != nil {
		r.snapshots.Put(channelID, snap)
		return fmt.Errorf("recreate channel: %w", err)
	}
	return nil
}

func (r *Restorer) revertChannel(channelID string) error {
	snap, ok := takeSnapshot[ChannelSnapshot](r.snapshots, EntityChannel, channelID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no snapshot for channel %s", channelID))
	}
	nsfw := snap.NSFW
	slowmode := snap.RateLimitPerUser
	edit := &discordgo.ChannelEdit{
		Name:                 snap.Name,
		Topic:                snap.Topic,
		NSFW:                 &nsfw,
		Position:             snap.Position,
		PermissionOverwrites: snap.Overwrites,
		ParentID:             snap.ParentID,
		RateLimitPerUser:     &slowmode,
	}
	if snap.Type == discordgo.ChannelTypeGuildVoice {
		edit.Bitrate = snap.Bitrate
		edit.UserLimit = snap.UserLimit
	}
	_, err := r.api.ChannelEditComplex(channelID, edit)
	if err != nil {
		r.snapshots.Put(channelID, snap)
		return fmt.Errorf("revert channel: %w", err)
	}
	return nil
}

func (r *Restorer) revokeRoles(guildID, userID string) error {
	snap, ok := takeSnapshot[MemberRolesSnapshot](r.snapshots, EntityMemberRoles, userID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no role grant record for member %s", userID))
	}
	var remaining []string
	for _, roleID := range snap.DangerousRoles {
		if err := r.api.GuildMemberRoleRemove(guildID, userID, roleID); err != nil {
			remaining = append(remaining, roleID)
		}
	}
	if len(remaining) > 0 {
		total := len(snap.DangerousRoles)
		snap.DangerousRoles = remaining
		r.snapshots.Put(userID, snap)
		return fmt.Errorf("revoke roles: %d of %d still granted", len(remaining), total)
	}
	return nil
}

func (r *Restorer) revertGuild(guildID string) error {
	snap, ok := takeSnapshot[GuildSnapshot](r.snapshots, EntityGuild, guildID)
	if !ok {
		return backoff.Permanent(fmt.Errorf("no snapshot for guild %s", guildID))
	}
	_, err := r.api.GuildEdit(guildID, &discordgo.GuildParams{
		Name:        snap.Name,
		Description: snap.Description,
		Icon:        snap.Icon,
		Banner:      snap.Banner,
		Splash:      snap.Splash,
	})
	if err != nil {
		r.snapshots.Put(guildID, snap)
		return fmt.Errorf("revert guild: %w", err)
	}
	return nil
}

func takeSnapshot[T Snapshot](store *SnapshotStore, kind EntityKind, id string) (T, bool) {
	var zero T
	snap, ok := store.Take(kind, id)
	if !ok {
		return zero, false
	}
	typed, ok := snap.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
