package stream

import (
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/protocol"
	"github.com/wolyhq/cnc/internal/router"
)

// hostEventPayload is the payload shape for host.* mutating events.
type hostEventPayload struct {
	Host *hostView `json:"host,omitempty"`
}

type hostView struct {
	FQN      string `json:"fqn"`
	Location string `json:"location"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type statusTransitionPayload struct {
	FQN  string `json:"fqn"`
	From string `json:"from"`
	To   string `json:"to"`
}

type nodeUnreachablePayload struct {
	NodeID string `json:"nodeId"`
	Count  int    `json:"count"`
}

// OnAggregatorEvent implements aggregator.Watcher, translating internal
// reconciliation events into stream frames.
func (b *Broker) OnAggregatorEvent(e aggregator.Event) {
	switch e.Type {
	case aggregator.EventHostAdded:
		b.Broadcast(protocol.EventHostDiscovered, true, hostEventPayload{Host: viewOf(e.Host)})
	case aggregator.EventHostUpdated:
		b.Broadcast(protocol.EventHostUpdated, true, hostEventPayload{Host: viewOf(e.Host)})
	case aggregator.EventHostRemoved:
		b.Broadcast(protocol.EventHostRemoved, true, hostEventPayload{Host: viewOf(e.Host)})
	case aggregator.EventHostStatusTransition:
		b.Broadcast(protocol.EventHostStatusTransition, true, statusTransitionPayload{
			FQN:  e.HostFQN,
			From: string(e.StatusFrom),
			To:   string(e.StatusTo),
		})
	case aggregator.EventNodeHostsUnreachable:
		b.Broadcast(protocol.EventHostsChanged, true, nodeUnreachablePayload{NodeID: e.NodeID, Count: e.UnreachableCount})
	case aggregator.EventNodeHostsRemoved:
		b.Broadcast(protocol.EventHostsChanged, true, nodeUnreachablePayload{NodeID: e.NodeID})
	}
}

func viewOf(h *model.Host) *hostView {
	if h == nil {
		return nil
	}
	return &hostView{FQN: h.FQN(), Location: h.Location, Name: h.Name, Status: string(h.Status)}
}

// OnWakeVerificationComplete implements router.WakeVerificationListener,
// forwarding verification outcomes as wake.verified frames.
func (b *Broker) OnWakeVerificationComplete(c router.WakeVerificationComplete) {
	b.Broadcast(protocol.EventWakeVerified, true, c)
}
