package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestPool creates a Pool connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestPool(t *testing.T) (*Pool, context.Context) {
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

	return NewPool(rdb), ctx
}

func addTestEntry(t *testing.T, p *Pool, ctx context.Context, userID, gender string, joinedAt int64) {
	t.Helper()
	err := p.Add(ctx, Entry{
		UserID:      userID,
		EndpointID:  "ep-" + userID,
		Gender:      gender,
		MatchGender: "random",
		JoinedAt:    joinedAt,
	})
	if err != nil {
		t.Fatalf("failed to add %s: %v", userID, err)
	}
}

func TestPool_AddAndEntries_FIFOOrder(t *testing.T) {
	p, ctx := setupTestPool(t)

	base := time.Now().UnixMilli()
	addTestEntry(t, p, ctx, "carol", "female", base+200)
	addTestEntry(t, p, ctx, "alice", "female", base)
	addTestEntry(t, p, ctx, "bob", "male", base+100)

	entries, err := p.Entries(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"alice", "bob", "carol"}
	for i, w := range want {
		if entries[i].UserID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, entries[i].UserID)
		}
	}
}

func TestPool_AddSameUserTwiceOverwrites(t *testing.T) {
	p, ctx := setupTestPool(t)

	base := time.Now().UnixMilli()
	addTestEntry(t, p, ctx, "alice", "female", base)
	addTestEntry(t, p, ctx, "alice", "other", base+500)

	n, err := p.Len(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry after re-add, got %d", n)
	}

	entries, _ := p.Entries(ctx)
	if entries[0].Gender != "other" {
		t.Errorf("re-add should overwrite the record, got gender %q", entries[0].Gender)
	}
}

func TestPool_RemoveReportsPresence(t *testing.T) {
	p, ctx := setupTestPool(t)

	addTestEntry(t, p, ctx, "alice", "female", time.Now().UnixMilli())

	removed, err := p.Remove(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !removed {
		t.Error("first remove should report the entry as present")
	}

	removed, err = p.Remove(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("second remove should report the entry as absent")
	}
}

func TestPool_RemoveUnknownUser(t *testing.T) {
	p, ctx := setupTestPool(t)

	removed, err := p.Remove(ctx, "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("removing an unknown user should report absent")
	}
}

func TestPool_Contains(t *testing.T) {
	p, ctx := setupTestPool(t)

	addTestEntry(t, p, ctx, "alice", "female", time.Now().UnixMilli())

	ok, err := p.Contains(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("alice should be in the pool")
	}

	ok, err = p.Contains(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("bob should not be in the pool")
	}
}

func TestPool_Stats(t *testing.T) {
	p, ctx := setupTestPool(t)

	base := time.Now().UnixMilli()
	addTestEntry(t, p, ctx, "alice", "female", base)
	addTestEntry(t, p, ctx, "bob", "male", base+100)
	addTestEntry(t, p, ctx, "carol", "", base+200) // unset gender counts as other

	stats, err := p.Stats(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Position != 2 {
		t.Errorf("expected position 2, got %d", stats.Position)
	}
	if stats.TotalInQueue != 3 {
		t.Errorf("expected total 3, got %d", stats.TotalInQueue)
	}
	if stats.Male != 1 || stats.Female != 1 || stats.Other != 1 {
		t.Errorf("unexpected gender counts: male=%d female=%d other=%d",
			stats.Male, stats.Female, stats.Other)
	}
}

func TestPool_StatsForAbsentUser(t *testing.T) {
	p, ctx := setupTestPool(t)

	addTestEntry(t, p, ctx, "alice", "female", time.Now().UnixMilli())

	stats, err := p.Stats(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Position != 0 {
		t.Errorf("absent user should have position 0, got %d", stats.Position)
	}
	if stats.TotalInQueue != 1 {
		t.Errorf("expected total 1, got %d", stats.TotalInQueue)
	}
}
