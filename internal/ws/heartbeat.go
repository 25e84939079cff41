package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all endpoints and closes those that have gone
// stale (no successful reads within Interval + Timeout). It returns
// immediately; the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkEndpoints(server, config)
			}
		}
	}()
}

// checkEndpoints iterates over all live endpoints. Endpoints that have not
// had a successful read within Interval + Timeout are considered dead and
// are removed, which flows through the coordinator's disconnect handling.
// All other endpoints receive a WebSocket-level ping frame which the browser
// answers automatically with a pong.
func checkEndpoints(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, ep := range server.Endpoints().All() {
		if now.Sub(ep.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout endpoint=%s last_activity=%s ago",
				ep.ID, now.Sub(ep.LastPing).Round(time.Second))
			server.RemoveEndpoint(ep)
			continue
		}

		// The write mutex on the endpoint serializes this with any
		// concurrent application writes.
		if err := ep.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed endpoint=%s: %v", ep.ID, err)
			server.RemoveEndpoint(ep)
		}
	}
}
