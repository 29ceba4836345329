package storage

import (
	"context"
	"testing"
	"time"
)

func TestSubscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	subs := []Subscription{
		{Username: "StreamerOne", ChannelID: "c1", GuildID: "g1"},
		{Username: "streamerone", ChannelID: "c2", GuildID: "g1"},
		{Username: "other", ChannelID: "c3", GuildID: "g2"},
	}
	for _, sub := range subs {
		if err := store.AddSubscription(ctx, sub); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Same username/channel pair again is a no-op.
	if err := store.AddSubscription(ctx, subs[0]); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}

	all, err := store.ListSubscriptions(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d err %v", len(all), err)
	}

	// Usernames are stored lowercase.
	forUser, err := store.ListSubscriptionsForUser(ctx, "STREAMERONE")
	if err != nil || len(forUser) != 2 {
		t.Fatalf("list for user: %d err %v", len(forUser), err)
	}

	forGuild, err := store.ListSubscriptionsForGuild(ctx, "g2")
	if err != nil || len(forGuild) != 1 || forGuild[0].Username != "other" {
		t.Fatalf("list for guild: %v err %v", forGuild, err)
	}

	if err := store.RemoveSubscription(ctx, "StreamerOne", "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	forUser, _ = store.ListSubscriptionsForUser(ctx, "streamerone")
	if len(forUser) != 1 || forUser[0].ChannelID != "c2" {
		t.Fatalf("after remove: %v", forUser)
	}
}

func TestStreamRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour).Truncate(time.Second)

	rec := StreamRecord{
		StreamID:     "s1",
		Username:     "streamer",
		Title:        "speedrun",
		Game:         "Metroid",
		ViewerCount:  120,
		ThumbnailURL: "https://example.com/t.jpg",
		StartedAt:    started,
		IsLive:       true,
		Notifications: []StreamNotification{
			{ChannelID: "c1", MessageID: "m1", UpdatedAt: started},
		},
		LastUpdated: started,
	}
	if err := store.UpsertStream(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := store.GetStreamForUser(ctx, "streamer")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.StreamID != "s1" || got.Title != "speedrun" || !got.IsLive {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Notifications) != 1 || got.Notifications[0].MessageID != "m1" {
		t.Fatalf("notifications not preserved: %+v", got.Notifications)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started at %v, want %v", got.StartedAt, started)
	}

	rec.ViewerCount = 200
	rec.IsLive = false
	if err := store.UpsertStream(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ = store.GetStreamForUser(ctx, "streamer")
	if got.ViewerCount != 200 || got.IsLive {
		t.Fatalf("upsert should overwrite, got %+v", got)
	}

	streams, err := store.ListStreams(ctx)
	if err != nil || len(streams) != 1 {
		t.Fatalf("list: %d err %v", len(streams), err)
	}

	if err := store.DeleteStream(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.GetStreamForUser(ctx, "streamer"); found {
		t.Fatal("record should be deleted")
	}
}

func TestStreamMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetStreamMessage(ctx, "g1"); err != nil || found {
		t.Fatalf("expected no template, found=%v err=%v", found, err)
	}

	msg := StreamMessage{GuildID: "g1", ChannelID: "c1", Message: "{streamer} is live: {link}", IsEmbed: true}
	if err := store.SetStreamMessage(ctx, msg); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, found, err := store.GetStreamMessage(ctx, "g1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Message != msg.Message || !got.IsEmbed {
		t.Fatalf("unexpected template %+v", got)
	}

	msg.IsEmbed = false
	if err := store.SetStreamMessage(ctx, msg); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, _ = store.GetStreamMessage(ctx, "g1")
	if got.IsEmbed {
		t.Fatal("set should overwrite")
	}

	if err := store.RemoveStreamMessage(ctx, "g1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := store.GetStreamMessage(ctx, "g1"); found {
		t.Fatal("template should be removed")
	}
}
