package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T, config Config) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb, config), ctx
}

func createTestSession(t *testing.T, s *Store, ctx context.Context) *Session {
	t.Helper()
	sess, err := s.Create(ctx,
		Participant{UserID: "alice", EndpointID: "ep-alice"},
		Participant{UserID: "bob", EndpointID: "ep-bob"},
	)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sess
}

func TestStore_CreateAndGet(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)
	if sess.SessionID == "" {
		t.Fatal("session id should not be empty")
	}

	got, err := s.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if !got.HasParticipant("alice") || !got.HasParticipant("bob") {
		t.Errorf("unexpected participants: %+v", got.Participants)
	}
	if got.Peer("alice") != "bob" || got.Peer("bob") != "alice" {
		t.Error("Peer should resolve the other participant")
	}
}

func TestStore_GetUnknownSession(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	got, err := s.Get(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown session, got %+v", got)
	}
}

func TestStore_GetByUser(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)

	for _, userID := range []string{"alice", "bob"} {
		got, err := s.GetByUser(ctx, userID)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", userID, err)
		}
		if got == nil || got.SessionID != sess.SessionID {
			t.Errorf("%s should resolve to session %s, got %+v", userID, sess.SessionID, got)
		}
	}

	got, err := s.GetByUser(ctx, "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("carol has no session, got %+v", got)
	}
}

func TestStore_IsActiveRespectsThreshold(t *testing.T) {
	config := DefaultConfig()
	config.InactivityThreshold = 150 * time.Millisecond
	s, ctx := setupTestStore(t, config)

	sess := createTestSession(t, s, ctx)

	active, err := s.IsActive(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !active {
		t.Error("fresh session should be active")
	}

	time.Sleep(200 * time.Millisecond)

	active, err = s.IsActive(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Error("session past the inactivity threshold should be inactive")
	}

	// Touch resets the activity clock.
	if err := s.Touch(ctx, sess.SessionID); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	active, _ = s.IsActive(ctx, sess.SessionID)
	if !active {
		t.Error("touched session should be active again")
	}
}

func TestStore_IsActiveUnknownSession(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	active, err := s.IsActive(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Error("unknown session should not be active")
	}
}

func TestStore_UpdateEndpoint(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)

	if err := s.UpdateEndpoint(ctx, sess.SessionID, "alice", "ep-alice-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Get(ctx, sess.SessionID)
	var found bool
	for _, p := range got.Participants {
		if p.UserID == "alice" {
			found = true
			if p.EndpointID != "ep-alice-2" {
				t.Errorf("expected ep-alice-2, got %s", p.EndpointID)
			}
		}
		if p.UserID == "bob" && p.EndpointID != "ep-bob" {
			t.Errorf("bob's endpoint should be untouched, got %s", p.EndpointID)
		}
	}
	if !found {
		t.Fatal("alice missing from participants")
	}
}

func TestStore_Icebreakers(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)

	list := []string{"opener one", "opener two", "opener three"}
	if err := s.SetIcebreakers(ctx, sess.SessionID, list); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Get(ctx, sess.SessionID)
	if len(got.Icebreakers) != 3 || got.Icebreakers[0] != "opener one" {
		t.Errorf("unexpected icebreakers: %v", got.Icebreakers)
	}
}

func TestStore_MessageLogOrderAndRecent(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)

	for i := 0; i < 5; i++ {
		msg := Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: sess.SessionID,
			SenderID:  "alice",
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := s.AppendMessage(ctx, sess.SessionID, msg); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	msgs, err := s.AllMessages(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Errorf("position %d: expected m%d, got %s", i, i, m.ID)
		}
	}

	recent, err := s.RecentMessages(ctx, sess.SessionID, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"message 2", "message 3", "message 4"}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent messages, got %d", len(recent))
	}
	for i, w := range want {
		if recent[i] != w {
			t.Errorf("recent[%d]: expected %q, got %q", i, w, recent[i])
		}
	}
}

func TestStore_EndIsTotalAndIdempotent(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)
	_ = s.AppendMessage(ctx, sess.SessionID, Message{
		ID: "m1", SessionID: sess.SessionID, SenderID: "alice", Text: "hi",
	})

	if err := s.End(ctx, sess.SessionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := s.Get(ctx, sess.SessionID); got != nil {
		t.Error("session record should be gone")
	}
	if got, _ := s.GetByUser(ctx, "alice"); got != nil {
		t.Error("alice's mapping should be gone")
	}
	if got, _ := s.GetByUser(ctx, "bob"); got != nil {
		t.Error("bob's mapping should be gone")
	}
	if msgs, _ := s.AllMessages(ctx, sess.SessionID); len(msgs) != 0 {
		t.Errorf("message log should be gone, got %d messages", len(msgs))
	}

	// Ending an already-ended session is a no-op.
	if err := s.End(ctx, sess.SessionID); err != nil {
		t.Errorf("second End should succeed, got %v", err)
	}
}

func TestStore_ClearUserMapping(t *testing.T) {
	s, ctx := setupTestStore(t, DefaultConfig())

	sess := createTestSession(t, s, ctx)

	if err := s.ClearUserMapping(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.GetByUser(ctx, "alice"); got != nil {
		t.Error("alice's mapping should be cleared")
	}
	// The session itself and bob's mapping survive.
	if got, _ := s.Get(ctx, sess.SessionID); got == nil {
		t.Error("session should still exist")
	}
	if got, _ := s.GetByUser(ctx, "bob"); got == nil {
		t.Error("bob's mapping should survive")
	}
}
