package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/match"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/prefs"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/session"
)

// HandleJoinQueue processes a join_queue event: resolve preferences, handle
// reconnection to a live session, otherwise enter the pool and attempt an
// immediate match.
func (c *Coordinator) HandleJoinQueue(ctx context.Context, endpointID, userID string) {
	if userID == "" {
		c.sendError(endpointID, "User not found")
		return
	}

	profile, err := c.prefs.Preferences(ctx, userID)
	if err != nil {
		if errors.Is(err, prefs.ErrNotFound) {
			c.sendError(endpointID, "User not found")
		} else {
			log.Printf("coordinator: preferences for %s: %v", userID, err)
			c.sendError(endpointID, "Failed to join queue")
		}
		return
	}

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, userID, ratelimit.RuleJoin)
		if err == nil && !allowed {
			c.sendError(endpointID, "Too many queue joins, slow down")
			return
		}
	}

	c.endpoint(endpointID)
	c.bindUser(endpointID, userID)

	// Reconnection takes priority over matching: a user with a live session
	// is sent back into it instead of the pool.
	existing, err := c.sessions.GetByUser(ctx, userID)
	if err != nil {
		log.Printf("coordinator: session lookup for %s: %v", userID, err)
		c.sendError(endpointID, "Failed to join queue")
		return
	}
	if existing != nil {
		active, err := c.sessions.IsActive(ctx, existing.SessionID)
		if err != nil {
			log.Printf("coordinator: activity check session=%s: %v", existing.SessionID, err)
		}
		if err == nil && active {
			c.reconnect(ctx, endpointID, userID, existing)
			return
		}
		// Stale session: tear it down so the user can match fresh.
		c.teardownSession(ctx, existing.SessionID)
		if err := c.sessions.ClearUserMapping(ctx, userID); err != nil {
			log.Printf("coordinator: clear mapping for %s: %v", userID, err)
		}
	}

	entry := queue.Entry{
		UserID:      userID,
		EndpointID:  endpointID,
		Gender:      profile.Gender,
		ChatStyle:   profile.ChatStyle,
		MatchGender: profile.MatchGender,
		JoinedAt:    time.Now().UnixMilli(),
	}
	if err := c.pool.Add(ctx, entry); err != nil {
		log.Printf("coordinator: enqueue %s: %v", userID, err)
		c.sendError(endpointID, "Failed to join queue")
		return
	}
	c.updateQueueGauge(ctx)

	peer, takenByOther := c.selectMatch(ctx, entry)
	if peer != nil {
		c.createSession(ctx, entry, *peer, profile)
		return
	}
	if takenByOther {
		// A concurrent join matched this user already; its createSession
		// delivers our match_found.
		return
	}

	// No match yet: report the starting position and keep the user updated.
	if stats, err := c.pool.Stats(ctx, userID); err == nil && stats.Position > 0 {
		c.emitSearching(endpointID, stats)
	}
	c.startSearchNotifier(endpointID, userID)
}

// reconnect rebinds a returning user to their live session and replays the
// message history. History retrieval failure degrades to an empty replay.
func (c *Coordinator) reconnect(ctx context.Context, endpointID, userID string, sess *session.Session) {
	unlock := c.locks.Lock(sess.SessionID)
	defer unlock()

	if err := c.sessions.UpdateEndpoint(ctx, sess.SessionID, userID, endpointID); err != nil {
		log.Printf("coordinator: update endpoint session=%s: %v", sess.SessionID, err)
	}
	if err := c.sessions.Touch(ctx, sess.SessionID); err != nil {
		log.Printf("coordinator: touch session=%s: %v", sess.SessionID, err)
	}
	if err := c.rooms.Join(ctx, sess.SessionID, endpointID); err != nil {
		log.Printf("coordinator: room join session=%s: %v", sess.SessionID, err)
	}
	c.bindSession(endpointID, sess.SessionID)

	var history []protocol.MessageData
	msgs, err := c.sessions.AllMessages(ctx, sess.SessionID)
	if err != nil {
		log.Printf("coordinator: message history session=%s: %v", sess.SessionID, err)
	} else {
		history = make([]protocol.MessageData, 0, len(msgs))
		for _, m := range msgs {
			history = append(history, protocol.MessageData{
				ID:        m.ID,
				SessionID: m.SessionID,
				SenderID:  m.SenderID,
				Message:   m.Text,
				Timestamp: m.Timestamp,
			})
		}
	}

	c.send(endpointID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID:   sess.SessionID,
		Icebreakers: sess.Icebreakers,
		Messages:    history,
	})
	c.broadcastRoom(ctx, sess.SessionID, endpointID,
		protocol.TypeStrangerReconnected, protocol.StrangerReconnectedMsg{})
}

// selectMatch runs the match critical section: scan the pool, pick the first
// compatible peer, and remove both entries. Remove reporting "not present"
// means another join got there first. The second return is true when the
// candidate itself was taken by a concurrent join, in which case the peer is
// re-queued as compensation.
func (c *Coordinator) selectMatch(ctx context.Context, candidate queue.Entry) (*queue.Entry, bool) {
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	entries, err := c.pool.Entries(ctx)
	if err != nil {
		log.Printf("coordinator: pool scan: %v", err)
		return nil, false
	}
	peer := match.Find(candidate, entries)
	if peer == nil {
		return nil, false
	}

	taken, err := c.pool.Remove(ctx, peer.UserID)
	if err != nil || !taken {
		// Peer was claimed elsewhere; the candidate stays queued.
		return nil, false
	}
	self, err := c.pool.Remove(ctx, candidate.UserID)
	if err != nil || !self {
		// The candidate was matched by a concurrent join. Put the peer back
		// so no one is stranded outside both the pool and a session.
		if err := c.pool.Add(ctx, *peer); err != nil {
			log.Printf("coordinator: requeue %s: %v", peer.UserID, err)
		}
		return nil, true
	}
	return peer, false
}

// createSession persists a new session for the freshly removed pair, seeds
// icebreakers, and notifies both endpoints. On store failure both users are
// returned to the pool.
func (c *Coordinator) createSession(ctx context.Context, a, b queue.Entry, aProfile *prefs.Profile) {
	sess, err := c.sessions.Create(ctx,
		session.Participant{UserID: a.UserID, EndpointID: a.EndpointID},
		session.Participant{UserID: b.UserID, EndpointID: b.EndpointID},
	)
	if err != nil {
		log.Printf("coordinator: create session for %s/%s: %v", a.UserID, b.UserID, err)
		if addErr := c.pool.Add(ctx, a); addErr != nil {
			log.Printf("coordinator: requeue %s: %v", a.UserID, addErr)
		}
		if addErr := c.pool.Add(ctx, b); addErr != nil {
			log.Printf("coordinator: requeue %s: %v", b.UserID, addErr)
		}
		c.sendError(a.EndpointID, "Failed to create session")
		return
	}

	// Icebreaker failure degrades to a session without suggestions.
	bProfile, err := c.prefs.Preferences(ctx, b.UserID)
	if err != nil {
		log.Printf("coordinator: preferences for %s: %v", b.UserID, err)
		bProfile = nil
	}
	icebreakers, err := c.icebreakers.ForProfiles(ctx, aProfile, bProfile)
	if err != nil {
		log.Printf("coordinator: icebreakers session=%s: %v", sess.SessionID, err)
		icebreakers = nil
	}
	if len(icebreakers) > 0 {
		if err := c.sessions.SetIcebreakers(ctx, sess.SessionID, icebreakers); err != nil {
			log.Printf("coordinator: store icebreakers session=%s: %v", sess.SessionID, err)
		}
	}

	c.bindSession(a.EndpointID, sess.SessionID)
	c.bindSession(b.EndpointID, sess.SessionID)

	now := time.Now().UnixMilli()
	metrics.MatchDuration.Observe(float64(now-a.JoinedAt) / 1000)
	metrics.MatchDuration.Observe(float64(now-b.JoinedAt) / 1000)
	metrics.ActiveSessions.Inc()
	c.updateQueueGauge(ctx)

	found := protocol.MatchFoundMsg{SessionID: sess.SessionID, Icebreakers: icebreakers}
	c.send(a.EndpointID, protocol.TypeMatchFound, found)
	c.send(b.EndpointID, protocol.TypeMatchFound, found)

	log.Printf("coordinator: matched %s and %s session=%s", a.UserID, b.UserID, sess.SessionID)
}

// HandleJoinSession binds an endpoint to an existing session's room so it
// receives that session's events. The user id is recovered from the session
// record when this endpoint never sent join_queue (fresh connection).
func (c *Coordinator) HandleJoinSession(ctx context.Context, endpointID, sessionID string) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		log.Printf("coordinator: get session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to join session")
		return
	}
	if sess == nil {
		c.sendError(endpointID, "Session not found")
		return
	}

	if err := c.rooms.Join(ctx, sessionID, endpointID); err != nil {
		log.Printf("coordinator: room join session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to join session")
		return
	}

	st := c.endpoint(endpointID)
	c.mu.Lock()
	if st.userID == "" {
		for _, p := range sess.Participants {
			if p.EndpointID == endpointID {
				st.userID = p.UserID
				break
			}
		}
	}
	c.mu.Unlock()
	c.bindSession(endpointID, sessionID)
}

// HandleSendMessage validates, persists, and fans out one chat message.
func (c *Coordinator) HandleSendMessage(ctx context.Context, endpointID, sessionID, text string) {
	userID, _, ok := c.snapshot(endpointID)
	if !ok || userID == "" {
		c.sendError(endpointID, "Invalid session")
		return
	}

	if reason, ok := validateMessage(text); !ok {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		c.sendError(endpointID, reason)
		return
	}

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, userID, ratelimit.RuleMessage)
		if err == nil && !allowed {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			c.sendError(endpointID, "You're sending messages too quickly")
			return
		}
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		log.Printf("coordinator: get session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to send message")
		return
	}
	if sess == nil || !sess.HasParticipant(userID) {
		c.sendError(endpointID, "Session not found")
		return
	}

	msg := session.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  userID,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.sessions.AppendMessage(ctx, sessionID, msg); err != nil {
		log.Printf("coordinator: append message session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to send message")
		return
	}
	if err := c.sessions.Touch(ctx, sessionID); err != nil {
		log.Printf("coordinator: touch session=%s: %v", sessionID, err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	c.broadcastRoom(ctx, sessionID, "", protocol.TypeNewMessage, protocol.MessageData{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		SenderID:  msg.SenderID,
		Message:   msg.Text,
		Timestamp: msg.Timestamp,
	})
}

// HandleTyping relays a typing indicator to the rest of the room. Indicators
// are transient and never persisted.
func (c *Coordinator) HandleTyping(ctx context.Context, endpointID, sessionID string, isTyping bool) {
	userID, _, ok := c.snapshot(endpointID)
	if !ok || userID == "" {
		return
	}
	c.broadcastRoom(ctx, sessionID, endpointID,
		protocol.TypeStrangerTyping, protocol.StrangerTypingMsg{IsTyping: isTyping})
}

// HandleNewIcebreakers regenerates icebreakers from the recent conversation
// and broadcasts them to the whole session.
func (c *Coordinator) HandleNewIcebreakers(ctx context.Context, endpointID, sessionID string) {
	userID, _, ok := c.snapshot(endpointID)
	if !ok || userID == "" {
		c.sendError(endpointID, "Invalid session")
		return
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		log.Printf("coordinator: get session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to generate new icebreakers")
		return
	}
	if sess == nil || !sess.HasParticipant(userID) {
		c.sendError(endpointID, "Session not found")
		return
	}

	recent, err := c.sessions.RecentMessages(ctx, sessionID, c.config.RecentWindow)
	if err != nil {
		log.Printf("coordinator: recent messages session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to generate new icebreakers")
		return
	}
	if len(recent) < c.config.MinHistory {
		c.sendError(endpointID, "Not enough conversation history yet")
		return
	}

	aProfile, err := c.prefs.Preferences(ctx, sess.Participants[0].UserID)
	if err != nil {
		aProfile = nil
	}
	bProfile, err := c.prefs.Preferences(ctx, sess.Participants[1].UserID)
	if err != nil {
		bProfile = nil
	}

	icebreakers, err := c.icebreakers.FromConversation(ctx, recent, aProfile, bProfile)
	if err != nil {
		log.Printf("coordinator: regenerate icebreakers session=%s: %v", sessionID, err)
		c.sendError(endpointID, "Failed to generate new icebreakers")
		return
	}
	if err := c.sessions.SetIcebreakers(ctx, sessionID, icebreakers); err != nil {
		log.Printf("coordinator: store icebreakers session=%s: %v", sessionID, err)
	}
	if err := c.sessions.Touch(ctx, sessionID); err != nil {
		log.Printf("coordinator: touch session=%s: %v", sessionID, err)
	}

	c.broadcastRoom(ctx, sessionID, "",
		protocol.TypeIcebreakersUpdated, protocol.IcebreakersUpdatedMsg{Icebreakers: icebreakers})
}

// HandleLeaveSession processes a deliberate skip: notify the peer, tear the
// session down completely, drop any queue entry, and confirm to the leaver.
func (c *Coordinator) HandleLeaveSession(ctx context.Context, endpointID string) {
	userID, sessionID, ok := c.snapshot(endpointID)
	if !ok {
		c.send(endpointID, protocol.TypeSessionLeft, protocol.SessionLeftMsg{})
		return
	}

	if sessionID != "" {
		unlock := c.locks.Lock(sessionID)
		// Notify the room before the teardown so the peer's event precedes
		// the disappearance of the session.
		c.broadcastRoom(ctx, sessionID, endpointID,
			protocol.TypeStrangerLeft, protocol.StrangerLeftMsg{})
		c.teardownSession(ctx, sessionID)
		unlock()
		c.clearSession(endpointID)
		metrics.ActiveSessions.Dec()
	}

	if userID != "" {
		removed, err := c.pool.Remove(ctx, userID)
		if err != nil {
			log.Printf("coordinator: dequeue %s: %v", userID, err)
		}
		if removed {
			c.updateQueueGauge(ctx)
		}
	}
	c.stopSearch(endpointID)

	c.send(endpointID, protocol.TypeSessionLeft, protocol.SessionLeftMsg{})
}

// HandleDisconnect processes an endpoint drop. A session with a remaining
// occupant survives for reconnection; an empty one is torn down.
func (c *Coordinator) HandleDisconnect(endpointID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID, sessionID := c.dropEndpoint(endpointID)
	if userID == "" && sessionID == "" {
		return
	}

	if sessionID != "" {
		unlock := c.locks.Lock(sessionID)
		defer unlock()

		if err := c.rooms.Leave(ctx, sessionID, endpointID); err != nil {
			log.Printf("coordinator: room leave session=%s: %v", sessionID, err)
		}
		remaining, err := c.rooms.Count(ctx, sessionID)
		if err != nil {
			log.Printf("coordinator: room count session=%s: %v", sessionID, err)
			return
		}
		if remaining == 0 {
			c.teardownSession(ctx, sessionID)
			metrics.ActiveSessions.Dec()
			log.Printf("coordinator: session=%s ended, both participants gone", sessionID)
			return
		}
		c.broadcastRoom(ctx, sessionID, endpointID,
			protocol.TypeStrangerDisconnected, protocol.StrangerDisconnectedMsg{})
		return
	}

	// Queued but never matched: leave the pool silently.
	removed, err := c.pool.Remove(ctx, userID)
	if err != nil {
		log.Printf("coordinator: dequeue %s: %v", userID, err)
	}
	if removed {
		c.updateQueueGauge(ctx)
	}
}

// teardownSession deletes the session record, its messages and user
// mappings, and its room membership. Safe to call on an already-gone
// session.
func (c *Coordinator) teardownSession(ctx context.Context, sessionID string) {
	if err := c.sessions.End(ctx, sessionID); err != nil {
		log.Printf("coordinator: end session=%s: %v", sessionID, err)
	}
	if err := c.rooms.Clear(ctx, sessionID); err != nil {
		log.Printf("coordinator: clear room session=%s: %v", sessionID, err)
	}
}
