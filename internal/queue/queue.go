// Package queue implements the Redis-backed waiting pool of users seeking a
// match. Entries are kept in a sorted set scored by join time so that scans
// are FIFO-biased, with the full entry record stored per user as JSON.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the waiting pool.
	keyWaiting    = "queue:waiting" // Sorted set, score = join timestamp (ms)
	keyUserPrefix = "queue:user:"   // + <user_id> -> JSON Entry

	// entryTTL is a coarse safety net against abandoned entries; entries are
	// normally removed explicitly on match or leave.
	entryTTL = 30 * time.Minute
)

// Entry represents one user waiting in the pool. One live entry per user id.
type Entry struct {
	UserID      string `json:"userId"`
	EndpointID  string `json:"endpointId"`
	Gender      string `json:"gender,omitempty"`
	ChatStyle   string `json:"chatStyle,omitempty"`
	MatchGender string `json:"matchGender"` // "male", "female", "other" or "random"
	JoinedAt    int64  `json:"joinedAt"`    // unix timestamp in milliseconds
}

// Stats is a derived, read-only snapshot of the pool from one user's
// perspective. Position is 1-based; zero means the user is not queued.
type Stats struct {
	Position     int
	TotalInQueue int
	Male         int
	Female       int
	Other        int
}

// Pool manages the Redis data structures for the waiting pool.
type Pool struct {
	rdb *redis.Client
}

// NewPool creates a waiting pool backed by Redis.
func NewPool(rdb *redis.Client) *Pool {
	return &Pool{rdb: rdb}
}

// Add inserts (or refreshes) the entry for entry.UserID. The caller is
// responsible for not double-enqueueing a user that already has a live
// session; adding the same user twice simply overwrites the stored record.
func (p *Pool) Add(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(entry.JoinedAt), Member: entry.UserID})
	pipe.Set(ctx, keyUserPrefix+entry.UserID, data, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: add %s: %w", entry.UserID, err)
	}
	return nil
}

// Remove deletes the entry for userID. The boolean reports whether the entry
// was still present: ZREM's removal count gives remove-if-present semantics,
// which the coordinator relies on to detect a candidate already taken by a
// concurrent join.
func (p *Pool) Remove(ctx context.Context, userID string) (bool, error) {
	pipe := p.rdb.Pipeline()
	zrem := pipe.ZRem(ctx, keyWaiting, userID)
	pipe.Del(ctx, keyUserPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: remove %s: %w", userID, err)
	}
	return zrem.Val() > 0, nil
}

// Entries returns all current entries, oldest first. Users whose record
// expired between the index scan and the fetch are silently skipped.
func (p *Pool) Entries(ctx context.Context) ([]Entry, error) {
	ids, err := p.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: range: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyUserPrefix + id
	}
	values, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: fetch entries: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // record expired, the index entry is stale
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the current pool size.
func (p *Pool) Len(ctx context.Context) (int, error) {
	n, err := p.rdb.ZCard(ctx, keyWaiting).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return int(n), nil
}

// Contains reports whether userID currently has a pool entry.
func (p *Pool) Contains(ctx context.Context, userID string) (bool, error) {
	_, err := p.rdb.ZScore(ctx, keyWaiting, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: contains %s: %w", userID, err)
	}
	return true, nil
}

// Stats computes the queue snapshot for userID: their position in join order,
// the total pool size, and per-gender counts.
func (p *Pool) Stats(ctx context.Context, userID string) (Stats, error) {
	entries, err := p.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.TotalInQueue = len(entries)
	for i, e := range entries {
		if e.UserID == userID {
			s.Position = i + 1
		}
		switch e.Gender {
		case "male":
			s.Male++
		case "female":
			s.Female++
		default:
			s.Other++
		}
	}
	return s, nil
}
