// Package coordinator implements the stateful orchestrator that reacts to
// endpoint lifecycle events and drives the waiting pool, matcher, session
// store, and icebreaker generator to keep global state consistent. It owns
// the per-endpoint state machine (Idle -> Queued -> Matched) and the
// concurrency discipline around match selection and session mutation.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/icebreaker"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/prefs"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/session"
)

// Pool is the waiting pool surface the coordinator needs. Remove reports
// whether the entry was still present (remove-if-present), which the match
// critical section relies on.
type Pool interface {
	Add(ctx context.Context, entry queue.Entry) error
	Remove(ctx context.Context, userID string) (bool, error)
	Entries(ctx context.Context) ([]queue.Entry, error)
	Len(ctx context.Context) (int, error)
	Stats(ctx context.Context, userID string) (queue.Stats, error)
}

// Sessions is the session store surface the coordinator needs.
type Sessions interface {
	Create(ctx context.Context, a, b session.Participant) (*session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	GetByUser(ctx context.Context, userID string) (*session.Session, error)
	IsActive(ctx context.Context, sessionID string) (bool, error)
	Touch(ctx context.Context, sessionID string) error
	UpdateEndpoint(ctx context.Context, sessionID, userID, endpointID string) error
	SetIcebreakers(ctx context.Context, sessionID string, icebreakers []string) error
	AppendMessage(ctx context.Context, sessionID string, msg session.Message) error
	AllMessages(ctx context.Context, sessionID string) ([]session.Message, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]string, error)
	End(ctx context.Context, sessionID string) error
	ClearUserMapping(ctx context.Context, userID string) error
}

// Rooms tracks which endpoints are bound to which session.
type Rooms interface {
	Join(ctx context.Context, sessionID, endpointID string) error
	Leave(ctx context.Context, sessionID, endpointID string) error
	Members(ctx context.Context, sessionID string) ([]string, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Clear(ctx context.Context, sessionID string) error
}

// Emitter delivers an outbound frame to one endpoint.
type Emitter interface {
	Send(endpointID string, data []byte) error
}

// RateLimiter throttles per-user actions. May be nil to disable limiting.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config holds the coordinator's tunables.
type Config struct {
	SearchUpdateInterval time.Duration // how often to push queue-position updates
	RecentWindow         int           // messages fed to the contextual generator
	MinHistory           int           // messages required before regenerating icebreakers
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SearchUpdateInterval: 3 * time.Second,
		RecentWindow:         15,
		MinHistory:           3,
	}
}

// endpointState is the coordinator's per-endpoint connection state. The
// searchStop channel is non-nil exactly while a queue-position notifier is
// running for this endpoint.
type endpointState struct {
	userID     string
	sessionID  string
	searchStop chan struct{}
}

// Coordinator reacts to inbound endpoint events and emits outbound events
// through the transport. All dependencies are injected so tests can run it
// against in-memory fakes.
type Coordinator struct {
	config      Config
	pool        Pool
	sessions    Sessions
	rooms       Rooms
	emitter     Emitter
	prefs       prefs.Lookup
	icebreakers icebreaker.Generator
	limiter     RateLimiter

	// matchMu makes "select a match, remove both entries" atomic with
	// respect to other concurrent joins on this instance.
	matchMu sync.Mutex

	mu        sync.Mutex
	endpoints map[string]*endpointState

	locks *sessionLocks
}

// New creates a Coordinator. limiter may be nil.
func New(config Config, pool Pool, sessions Sessions, rooms Rooms, emitter Emitter,
	lookup prefs.Lookup, gen icebreaker.Generator, limiter RateLimiter) *Coordinator {
	if config.SearchUpdateInterval <= 0 {
		config.SearchUpdateInterval = DefaultConfig().SearchUpdateInterval
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = DefaultConfig().RecentWindow
	}
	if config.MinHistory <= 0 {
		config.MinHistory = DefaultConfig().MinHistory
	}
	return &Coordinator{
		config:      config,
		pool:        pool,
		sessions:    sessions,
		rooms:       rooms,
		emitter:     emitter,
		prefs:       lookup,
		icebreakers: gen,
		limiter:     limiter,
		endpoints:   make(map[string]*endpointState),
		locks:       newSessionLocks(),
	}
}

// endpoint returns the state for endpointID, creating it if needed.
func (c *Coordinator) endpoint(endpointID string) *endpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints[endpointID]
	if !ok {
		st = &endpointState{}
		c.endpoints[endpointID] = st
	}
	return st
}

// snapshot returns the endpoint's current bindings without creating state.
func (c *Coordinator) snapshot(endpointID string) (userID, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, found := c.endpoints[endpointID]
	if !found {
		return "", "", false
	}
	return st.userID, st.sessionID, true
}

// bindUser records the durable user id behind an endpoint.
func (c *Coordinator) bindUser(endpointID, userID string) {
	c.mu.Lock()
	c.endpoints[endpointID].userID = userID
	c.mu.Unlock()
}

// bindSession records the session an endpoint belongs to and cancels any
// running queue-position notifier; the two states are mutually exclusive.
func (c *Coordinator) bindSession(endpointID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints[endpointID]
	if !ok {
		// The endpoint is homed on another instance; its own coordinator
		// observes the session through the notifier's session check.
		return
	}
	st.sessionID = sessionID
	if st.searchStop != nil {
		close(st.searchStop)
		st.searchStop = nil
	}
}

// clearSession drops an endpoint's session binding.
func (c *Coordinator) clearSession(endpointID string) {
	c.mu.Lock()
	if st, ok := c.endpoints[endpointID]; ok {
		st.sessionID = ""
	}
	c.mu.Unlock()
}

// stopSearch cancels the endpoint's queue-position notifier if one is
// running. Safe to call repeatedly; the channel is closed at most once.
func (c *Coordinator) stopSearch(endpointID string) {
	c.mu.Lock()
	if st, ok := c.endpoints[endpointID]; ok && st.searchStop != nil {
		close(st.searchStop)
		st.searchStop = nil
	}
	c.mu.Unlock()
}

// dropEndpoint removes the endpoint's state entirely, cancelling its
// notifier. Returns the final bindings.
func (c *Coordinator) dropEndpoint(endpointID string) (userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints[endpointID]
	if !ok {
		return "", ""
	}
	if st.searchStop != nil {
		close(st.searchStop)
		st.searchStop = nil
	}
	delete(c.endpoints, endpointID)
	return st.userID, st.sessionID
}

// ---------------------------------------------------------------------------
// Outbound event helpers
// ---------------------------------------------------------------------------

// send builds a server message and delivers it to one endpoint. Delivery
// failures are logged, not propagated; a dead endpoint is handled by the
// transport's disconnect path.
func (c *Coordinator) send(endpointID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("coordinator: build %s: %v", msgType, err)
		return
	}
	if err := c.emitter.Send(endpointID, data); err != nil {
		log.Printf("coordinator: send %s to endpoint=%s: %v", msgType, endpointID, err)
	}
}

// sendError reports an error condition to one endpoint.
func (c *Coordinator) sendError(endpointID, message string) {
	c.send(endpointID, protocol.TypeError, protocol.ErrorMsg{Message: message})
}

// broadcastRoom delivers an event to every endpoint in the session's room,
// skipping except (pass "" to include everyone).
func (c *Coordinator) broadcastRoom(ctx context.Context, sessionID, except, msgType string, payload interface{}) {
	members, err := c.rooms.Members(ctx, sessionID)
	if err != nil {
		log.Printf("coordinator: room members session=%s: %v", sessionID, err)
		return
	}
	for _, endpointID := range members {
		if endpointID == except {
			continue
		}
		c.send(endpointID, msgType, payload)
	}
}

// ---------------------------------------------------------------------------
// Queue-position notifier
// ---------------------------------------------------------------------------

// startSearchNotifier begins the periodic searching updates for a queued
// endpoint. The notifier stops when the stop channel closes (match found
// locally, or disconnect), or when it observes that the user left the pool
// or acquired a session.
func (c *Coordinator) startSearchNotifier(endpointID, userID string) {
	stop := make(chan struct{})

	c.mu.Lock()
	st, ok := c.endpoints[endpointID]
	if !ok || st.searchStop != nil || st.sessionID != "" {
		c.mu.Unlock()
		return
	}
	st.searchStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.SearchUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				done := c.searchTick(ctx, endpointID, userID)
				cancel()
				if done {
					c.stopSearch(endpointID)
					return
				}
			}
		}
	}()
}

// searchTick emits one searching update. It reports true when the user is no
// longer waiting (matched here or on another instance), which ends the loop.
func (c *Coordinator) searchTick(ctx context.Context, endpointID, userID string) bool {
	if _, sessionID, ok := c.snapshot(endpointID); !ok || sessionID != "" {
		return true
	}
	if sess, err := c.sessions.GetByUser(ctx, userID); err == nil && sess != nil {
		return true
	}

	stats, err := c.pool.Stats(ctx, userID)
	if err != nil {
		log.Printf("coordinator: queue stats for %s: %v", userID, err)
		return false
	}
	if stats.Position == 0 {
		return true // no longer queued
	}
	c.emitSearching(endpointID, stats)
	return false
}

// emitSearching sends one queue snapshot to the endpoint.
func (c *Coordinator) emitSearching(endpointID string, stats queue.Stats) {
	c.send(endpointID, protocol.TypeSearching, protocol.SearchingMsg{
		Position:     stats.Position,
		TotalInQueue: stats.TotalInQueue,
		Male:         stats.Male,
		Female:       stats.Female,
		Other:        stats.Other,
	})
}

// updateQueueGauge refreshes the pool size metric, best effort.
func (c *Coordinator) updateQueueGauge(ctx context.Context) {
	if n, err := c.pool.Len(ctx); err == nil {
		metrics.QueueSize.Set(float64(n))
	}
}
