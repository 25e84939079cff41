package ws

import (
	"fmt"

	"github.com/driftchat/drift/internal/messaging"
)

// Emitter delivers outbound frames to endpoints. Endpoints connected to this
// instance are written directly; everything else goes through the endpoint's
// NATS subject, where whichever instance homes the endpoint forwards it to
// the socket.
type Emitter struct {
	registry *Registry
	nats     *messaging.Client // nil in single-instance deployments
}

// NewEmitter creates an Emitter over the local registry and an optional NATS
// client for cross-instance delivery.
func NewEmitter(registry *Registry, nats *messaging.Client) *Emitter {
	return &Emitter{registry: registry, nats: nats}
}

// Send writes data to the endpoint identified by endpointID.
func (e *Emitter) Send(endpointID string, data []byte) error {
	if ep := e.registry.Get(endpointID); ep != nil {
		return ep.WriteMessage(data)
	}
	if e.nats != nil {
		return e.nats.PublishToEndpoint(endpointID, data)
	}
	return fmt.Errorf("ws: endpoint %s not found", endpointID)
}
