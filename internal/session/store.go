package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for session data.
	sessionPrefix  = "session:"          // + <session_id> -> JSON Session
	userPrefix     = "user:session:"     // + <user_id> -> session_id
	messagesPrefix = "session:messages:" // + <session_id> -> list of JSON Message
)

// Participant identifies one side of a session: the durable user id and the
// live endpoint currently bound to it.
type Participant struct {
	UserID     string `json:"userId"`
	EndpointID string `json:"endpointId"`
}

// Session is the unit of conversation identity between two matched users.
type Session struct {
	SessionID      string        `json:"sessionId"`
	Participants   [2]Participant `json:"participants"`
	CreatedAt      int64         `json:"createdAt"`      // unix ms
	LastActivityAt int64         `json:"lastActivityAt"` // unix ms
	Icebreakers    []string      `json:"icebreakers,omitempty"`
}

// Peer returns the other participant's user id, or "" if userID is not a
// participant.
func (s *Session) Peer(userID string) string {
	if s.Participants[0].UserID == userID {
		return s.Participants[1].UserID
	}
	if s.Participants[1].UserID == userID {
		return s.Participants[0].UserID
	}
	return ""
}

// HasParticipant reports whether userID belongs to this session.
func (s *Session) HasParticipant(userID string) bool {
	return s.Participants[0].UserID == userID || s.Participants[1].UserID == userID
}

// Message is one chat message in a session's append-only log.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// Config holds the store's two independent time knobs: how long session data
// is retained at all, and how recent the last activity must be for a session
// to count as resumable.
type Config struct {
	RetentionTTL        time.Duration // hard cap on stored session data
	InactivityThreshold time.Duration // "stale, start over" boundary for reconnects
}

// DefaultConfig returns the production defaults: 24h retention, 5m
// inactivity threshold.
func DefaultConfig() Config {
	return Config{
		RetentionTTL:        24 * time.Hour,
		InactivityThreshold: 5 * time.Minute,
	}
}

// Store manages session state in Redis.
type Store struct {
	rdb    *redis.Client
	config Config
}

// NewStore creates a session store backed by Redis.
func NewStore(rdb *redis.Client, config Config) *Store {
	if config.RetentionTTL <= 0 {
		config.RetentionTTL = DefaultConfig().RetentionTTL
	}
	if config.InactivityThreshold <= 0 {
		config.InactivityThreshold = DefaultConfig().InactivityThreshold
	}
	return &Store{rdb: rdb, config: config}
}

// Create allocates a fresh session for the two pool entries and installs it
// under its id and under both participants' user index entries, all with the
// retention TTL.
func (s *Store) Create(ctx context.Context, a, b Participant) (*Session, error) {
	now := time.Now().UnixMilli()
	sess := &Session{
		SessionID:      uuid.New().String(),
		Participants:   [2]Participant{a, b},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("session: marshal: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionPrefix+sess.SessionID, data, s.config.RetentionTTL)
	pipe.Set(ctx, userPrefix+a.UserID, sess.SessionID, s.config.RetentionTTL)
	pipe.Set(ctx, userPrefix+b.UserID, sess.SessionID, s.config.RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", sess.SessionID, err)
	}
	return sess, nil
}

// Get retrieves a session by id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.rdb.Get(ctx, sessionPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal %s: %w", sessionID, err)
	}
	return &sess, nil
}

// GetByUser resolves the user index and returns the user's session, or nil if
// the user has no mapping or the mapped session is gone.
func (s *Store) GetByUser(ctx context.Context, userID string) (*Session, error) {
	sessionID, err := s.rdb.Get(ctx, userPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: user index %s: %w", userID, err)
	}
	return s.Get(ctx, sessionID)
}

// IsActive reports whether the session exists and saw activity within the
// inactivity threshold.
func (s *Store) IsActive(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}
	idle := time.Since(time.UnixMilli(sess.LastActivityAt))
	return idle < s.config.InactivityThreshold, nil
}

// Touch sets the session's last activity to now and refreshes the retention
// TTL on the session, both user index entries, and the message log.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(sess *Session) {
		sess.LastActivityAt = time.Now().UnixMilli()
	})
}

// UpdateEndpoint rewrites the stored endpoint id for the matching
// participant. Required for reconnection: the user's connection changes but
// their session identity does not.
func (s *Store) UpdateEndpoint(ctx context.Context, sessionID, userID, endpointID string) error {
	return s.update(ctx, sessionID, func(sess *Session) {
		for i := range sess.Participants {
			if sess.Participants[i].UserID == userID {
				sess.Participants[i].EndpointID = endpointID
			}
		}
	})
}

// SetIcebreakers replaces the session's icebreaker list and refreshes the TTL.
func (s *Store) SetIcebreakers(ctx context.Context, sessionID string, icebreakers []string) error {
	return s.update(ctx, sessionID, func(sess *Session) {
		sess.Icebreakers = icebreakers
	})
}

// update is the read-modify-write helper shared by all session mutations.
// Callers that can race on the same session are serialized by the
// coordinator's per-session lock, not here.
func (s *Store) update(ctx context.Context, sessionID string, mutate func(*Session)) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	mutate(sess)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sessionID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionPrefix+sessionID, data, s.config.RetentionTTL)
	pipe.Expire(ctx, userPrefix+sess.Participants[0].UserID, s.config.RetentionTTL)
	pipe.Expire(ctx, userPrefix+sess.Participants[1].UserID, s.config.RetentionTTL)
	pipe.Expire(ctx, messagesPrefix+sessionID, s.config.RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update %s: %w", sessionID, err)
	}
	return nil
}

// AppendMessage appends a message to the session's log. Ordering is append
// order; the log lives exactly as long as the session's retention window.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, messagesPrefix+sessionID, data)
	pipe.Expire(ctx, messagesPrefix+sessionID, s.config.RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: append message %s: %w", sessionID, err)
	}
	return nil
}

// AllMessages returns the session's full message log in append order.
func (s *Store) AllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	values, err := s.rdb.LRange(ctx, messagesPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: messages %s: %w", sessionID, err)
	}

	messages := make([]Message, 0, len(values))
	for _, v := range values {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// RecentMessages returns the texts of the n most recent messages,
// oldest-first among that window.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]string, error) {
	values, err := s.rdb.LRange(ctx, messagesPrefix+sessionID, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: recent messages %s: %w", sessionID, err)
	}

	texts := make([]string, 0, len(values))
	for _, v := range values {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		texts = append(texts, m.Text)
	}
	return texts, nil
}

// End removes the session, both user index entries, and the message log.
// Ending a session that no longer exists is a no-op.
func (s *Store) End(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	pipe.Del(ctx, messagesPrefix+sessionID)
	pipe.Del(ctx, userPrefix+sess.Participants[0].UserID)
	pipe.Del(ctx, userPrefix+sess.Participants[1].UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	return nil
}

// ClearUserMapping removes a dangling user index entry whose target session
// is already gone.
func (s *Store) ClearUserMapping(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, userPrefix+userID).Err(); err != nil {
		return fmt.Errorf("session: clear mapping %s: %w", userID, err)
	}
	return nil
}
