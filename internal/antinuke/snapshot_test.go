package antinuke

import (
	"testing"
	"time"
)

func TestSnapshotTakeConsumes(t *testing.T) {
	store := NewSnapshotStore(time.Hour)
	store.Put("r1", RoleSnapshot{GuildID: "g1", Name: "Mods"})

	snap, ok := store.Take(EntityRole, "r1")
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.(RoleSnapshot).Name != "Mods" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, ok := store.Take(EntityRole, "r1"); ok {
		t.Fatal("take should consume the entry")
	}
}

func TestSnapshotGetPeeks(t *testing.T) {
	store := NewSnapshotStore(time.Hour)
	store.Put("c1", ChannelSnapshot{GuildID: "g1", Name: "general"})

	if _, ok := store.Get(EntityChannel, "c1"); !ok {
		t.Fatal("expected snapshot")
	}
	if _, ok := store.Get(EntityChannel, "c1"); !ok {
		t.Fatal("get should not consume the entry")
	}
}

func TestSnapshotKindsAreIsolated(t *testing.T) {
	store := NewSnapshotStore(time.Hour)
	store.Put("same-id", RoleSnapshot{GuildID: "g1", Name: "Mods"})
	store.Put("same-id", ChannelSnapshot{GuildID: "g1", Name: "general"})

	if _, ok := store.Get(EntityRole, "same-id"); !ok {
		t.Fatal("role snapshot missing")
	}
	if _, ok := store.Get(EntityChannel, "same-id"); !ok {
		t.Fatal("channel snapshot missing")
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	store := NewSnapshotStore(time.Hour)
	store.Put("r1", RoleSnapshot{GuildID: "g1", Name: "old"})
	store.Put("r1", RoleSnapshot{GuildID: "g1", Name: "new"})

	snap, _ := store.Get(EntityRole, "r1")
	if snap.(RoleSnapshot).Name != "new" {
		t.Fatalf("expected newest snapshot, got %+v", snap)
	}
}

func TestSnapshotExpiry(t *testing.T) {
	store := NewSnapshotStore(time.Minute)
	clock := &fakeClock{now: time.Now()}
	store.WithClock(clock)

	store.Put("r1", RoleSnapshot{GuildID: "g1", Name: "Mods"})
	clock.advance(2 * time.Minute)
	store.Put("r2", RoleSnapshot{GuildID: "g1", Name: "Other"})

	if _, ok := store.Get(EntityRole, "r1"); ok {
		t.Fatal("expired snapshot should be gone")
	}
	if _, ok := store.Get(EntityRole, "r2"); !ok {
		t.Fatal("fresh snapshot should remain")
	}
}
