package antinuke

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

type EntityKind string

const (
	EntityRole        EntityKind = "role"
	EntityChannel     EntityKind = "channel"
	EntityGuild       EntityKind = "guild"
	EntityMemberRoles EntityKind = "member_roles"
)

// Snapshot is the captured before-state of a mutable entity, consumed by the
// cleanup queue to reverse damage. Variants are tagged by their concrete
// type.
type Snapshot interface {
	entityKind() EntityKind
}

type RoleSnapshot struct {
	GuildID     string
	Name        string
	Color       int
	Hoist       bool
	Permissions int64
	Mentionable bool
}

func (RoleSnapshot) entityKind() EntityKind { return EntityRole }

type ChannelSnapshot struct {
	GuildID          string
	Name             string
	Topic            string
	Type             discordgo.ChannelType
	NSFW             bool
	Position         int
	Bitrate          int
	UserLimit        int
	RateLimitPerUser int
	ParentID         string
	Overwrites       []*discordgo.PermissionOverwrite
}

func (ChannelSnapshot) entityKind() EntityKind { return EntityChannel }

type GuildSnapshot struct {
	Name        string
	Description string
	Icon        string
	Banner      string
	Splash      string
}

func (GuildSnapshot) entityKind() EntityKind { return EntityGuild }

// MemberRolesSnapshot records dangerous roles granted to a member so the
// cleanup queue can take them back.
type MemberRolesSnapshot struct {
	GuildID        string
	UserID         string
	DangerousRoles []string
}

func (MemberRolesSnapshot) entityKind() EntityKind { return EntityMemberRoles }

type snapshotKey struct {
	kind EntityKind
	id   string
}

type snapshotEntry struct {
	snapshot Snapshot
	storedAt time.Time
}

// SnapshotStore holds before-states keyed by (entity kind, entity id).
// Entries are overwritten by newer observations and consumed by Take; stale
// entries are expired lazily so an abandoned snapshot cannot pin memory.
type SnapshotStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[snapshotKey]snapshotEntry
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func NewSnapshotStore(ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SnapshotStore{
		ttl:     ttl,
		clock:   realClock{},
		entries: make(map[snapshotKey]snapshotEntry),
	}
}

func (s *SnapshotStore) WithClock(clock Clock) {
	s.clock = clock
}

func (s *SnapshotStore) Put(id string, snapshot Snapshot) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(now)
	s.entries[snapshotKey{kind: snapshot.entityKind(), id: id}] = snapshotEntry{snapshot: snapshot, storedAt: now}
}

// Get peeks at a snapshot without consuming it.
func (s *SnapshotStore) Get(kind EntityKind, id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[snapshotKey{kind: kind, id: id}]
	if !ok {
		return nil, false
	}
	return entry.snapshot, true
}

// Take consumes a snapshot: the cleanup queue calls this once per
// remediation cycle and the entry is gone whether or not remediation
// ultimately succeeds.
func (s *SnapshotStore) Take(kind EntityKind, id string) (Snapshot, bool) {
	key := snapshotKey{kind: kind, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	delete(s.entries, key)
	return entry.snapshot, true
}

func (s *SnapshotStore) expireLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.storedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}

func SnapshotRole(guildID string, role *discordgo.Role) RoleSnapshot {
	return RoleSnapshot{
		GuildID:     guildID,
		Name:        role.Name,
		Color:       role.Color,
		Hoist:       role.Hoist,
		Permissions: role.Permissions,
		Mentionable: role.Mentionable,
	}
}

func SnapshotChannel(channel *discordgo.Channel) ChannelSnapshot {
	return ChannelSnapshot{
		GuildID:          channel.GuildID,
		Name:             channel.Name,
		Topic:            channel.Topic,
		Type:             channel.Type,
		NSFW:             channel.NSFW,
		Position:         channel.Position,
		Bitrate:          channel.Bitrate,
		UserLimit:        channel.UserLimit,
		RateLimitPerUser: channel.RateLimitPerUser,
		ParentID:         channel.ParentID,
		Overwrites:       channel.PermissionOverwrites,
	}
}

func SnapshotGuild(guild *discordgo.Guild) GuildSnapshot {
	return GuildSnapshot{
		Name:        guild.Name,
		Description: guild.Description,
		Icon:        guild.Icon,
		Banner:      guild.Banner,
		Splash:      guild.Splash,
	}
}
