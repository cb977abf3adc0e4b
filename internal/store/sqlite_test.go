package store

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := User{ID: "u1", DisplayName: "Ada", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.DisplayName != "Ada" {
		t.Fatalf("unexpected display name: %q", got.DisplayName)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetUser(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChatHistoryOrderingAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-1 * time.Hour)
	for i := 0; i < 5; i++ {
		row := ChatRow{
			ID:        idFor(i),
			Scope:     "lobby",
			SenderID:  "u1",
			Content:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendChat(ctx, row); err != nil {
			t.Fatalf("append chat %d: %v", i, err)
		}
	}

	rows, err := s.ChatHistory(ctx, "lobby", "", "", 3)
	if err != nil {
		t.Fatalf("chat history: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	// Newest first.
	if rows[0].ID != idFor(4) {
		t.Fatalf("expected newest first, got %q", rows[0].ID)
	}
}

func idFor(i int) string {
	return string(rune('a' + i))
}

func TestAttributionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := AttributionRecord{
		InstanceID:    "inst-1",
		UserID:        "u1",
		DisplayName:   "Ada",
		ContentPrefix: "hello world",
		Timestamp:     now,
	}
	if err := s.RecordAttribution(ctx, rec); err != nil {
		t.Fatalf("record attribution: %v", err)
	}

	got, err := s.FindAttribution(ctx, "inst-1", "hello world", now, 5*time.Second)
	if err != nil {
		t.Fatalf("find attribution: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("unexpected user id: %q", got.UserID)
	}

	if err := s.LinkAttributionEntry(ctx, "inst-1", "hello world", now, "entry-uuid-1"); err != nil {
		t.Fatalf("link attribution entry: %v", err)
	}
	got, err = s.FindAttribution(ctx, "inst-1", "hello world", now, 5*time.Second)
	if err != nil {
		t.Fatalf("find attribution after link: %v", err)
	}
	if got.EntryUUID != "entry-uuid-1" {
		t.Fatalf("expected linked entry uuid, got %q", got.EntryUUID)
	}
}

func TestIdentityGrantRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := IdentityGrant{
		PublicKeyB32: "ABC123",
		AccountKey:   "acct-1",
		DisplayName:  "Remote User",
		AccessRights: []string{"terminals:input", "content:read"},
		Active:       true,
	}
	if err := s.UpsertIdentityGrant(ctx, g); err != nil {
		t.Fatalf("upsert grant: %v", err)
	}
	got, err := s.FindIdentityGrant(ctx, "ABC123")
	if err != nil {
		t.Fatalf("find grant: %v", err)
	}
	if len(got.AccessRights) != 2 || !got.Active {
		t.Fatalf("unexpected grant: %+v", got)
	}
}

func TestAutoConnectRemotesFiltersInactive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertRemote(ctx, RemoteRecord{Name: "alpha", Address: "a:1", AutoConnect: true})
	s.UpsertRemote(ctx, RemoteRecord{Name: "beta", Address: "b:1", AutoConnect: false})

	remotes, err := s.AutoConnectRemotes(ctx)
	if err != nil {
		t.Fatalf("auto connect remotes: %v", err)
	}
	if len(remotes) != 1 || remotes[0].Name != "alpha" {
		t.Fatalf("expected only alpha, got %+v", remotes)
	}
}

func TestEventChainLinksHashes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e1, err := s.AppendEvent(ctx, "instance_created", `{"id":"1"}`)
	if err != nil {
		t.Fatalf("append event 1: %v", err)
	}
	e2, err := s.AppendEvent(ctx, "instance_stopped", `{"id":"1"}`)
	if err != nil {
		t.Fatalf("append event 2: %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Fatalf("expected e2.PrevHash == e1.Hash, got %q vs %q", e2.PrevHash, e1.Hash)
	}

	events, err := s.QueryEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
