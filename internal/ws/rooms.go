package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roomPrefix = "room:" // + <session_id> -> set of endpoint ids

	// roomTTL caps abandoned room sets; membership is normally removed
	// explicitly on leave/disconnect and cleared on session end.
	roomTTL = 24 * time.Hour
)

// Rooms tracks which endpoints are bound to which session, as Redis sets so
// membership and counts are correct across coordinator instances. A room
// shares its id with the session it belongs to.
type Rooms struct {
	rdb *redis.Client
}

// NewRooms creates a room registry backed by Redis.
func NewRooms(rdb *redis.Client) *Rooms {
	return &Rooms{rdb: rdb}
}

// Join adds an endpoint to a session's room.
func (r *Rooms) Join(ctx context.Context, sessionID, endpointID string) error {
	key := roomPrefix + sessionID
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, key, endpointID)
	pipe.Expire(ctx, key, roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ws: room join %s: %w", sessionID, err)
	}
	return nil
}

// Leave removes an endpoint from a session's room.
func (r *Rooms) Leave(ctx context.Context, sessionID, endpointID string) error {
	if err := r.rdb.SRem(ctx, roomPrefix+sessionID, endpointID).Err(); err != nil {
		return fmt.Errorf("ws: room leave %s: %w", sessionID, err)
	}
	return nil
}

// Members returns the endpoint ids currently in the session's room.
func (r *Rooms) Members(ctx context.Context, sessionID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, roomPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("ws: room members %s: %w", sessionID, err)
	}
	return members, nil
}

// Count returns the number of endpoints in the session's room.
func (r *Rooms) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := r.rdb.SCard(ctx, roomPrefix+sessionID).Result()
	if err != nil {
		return 0, fmt.Errorf("ws: room count %s: %w", sessionID, err)
	}
	return int(n), nil
}

// Clear deletes the room entirely. Called when the session ends.
func (r *Rooms) Clear(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, roomPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("ws: room clear %s: %w", sessionID, err)
	}
	return nil
}
