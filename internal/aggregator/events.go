package aggregator

import "github.com/wolyhq/cnc/internal/model"

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventHostAdded              EventType = "host-added"
	EventHostUpdated            EventType = "host-updated"
	EventHostRemoved            EventType = "host-removed"
	EventHostStatusTransition   EventType = "host-status-transition"
	EventNodeHostsUnreachable   EventType = "node-hosts-unreachable"
	EventNodeHostsRemoved       EventType = "node-hosts-removed"
)

// Event is the tagged-variant the aggregator emits to its small, fixed
// set of in-process subscribers. Which of the typed fields are populated
// depends on Type (a status transition, for example, carries Host,
// HostFQN, StatusFrom and StatusTo).
type Event struct {
	Type EventType

	Host           *model.Host
	StatusFrom     model.HostStatus
	StatusTo       model.HostStatus
	NodeID         string
	HostFQN        string
	UnreachableCount int
}

// Watcher receives aggregator events synchronously, in the order the
// aggregator produced them.
type Watcher interface {
	OnAggregatorEvent(Event)
}

// WatcherFunc adapts a plain function to a Watcher.
type WatcherFunc func(Event)

func (f WatcherFunc) OnAggregatorEvent(e Event) { f(e) }
