// Package metrics implements the runtime counters and correlation-ID
// trail for the C&C server: in-memory per-command-type counters plus a
// bounded ring for post-hoc lookup by commandId.
package metrics

import (
	"sync"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

// ringCap bounds the recentResolved ring so memory stays O(ring cap)
// regardless of command volume.
const ringCap = 200

// tracked is the set of command types the router dispatches metrics for.
var tracked = []model.CommandType{
	model.CmdWake,
	model.CmdScan,
	model.CmdScanHostPorts,
	model.CmdUpdateHost,
	model.CmdDeleteHost,
	model.CmdPingHost,
}

// counters is the running tally for one command type.
type counters struct {
	Dispatched          int64
	Acknowledged        int64
	Failed              int64
	TimedOut            int64
	Completed           int64
	CumulativeLatencyMs int64
	LastLatencyMs       int64
}

// Resolution is one entry of the bounded recentResolved ring.
type Resolution struct {
	CommandID     string
	CorrelationID string
	Outcome       string
	ResolvedAtMs  int64
}

// Registry is the process-wide metrics store. Zero value is not usable;
// construct with New.
type Registry struct {
	mu sync.Mutex

	byType  map[model.CommandType]*counters
	unknown counters

	invalidPayloads map[string]int64 // "direction:type" -> count
	unknownTotal    int64

	ring     []Resolution
	ringHead int
	ringLen  int
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{
		byType:          make(map[model.CommandType]*counters, len(tracked)),
		invalidPayloads: make(map[string]int64),
		ring:            make([]Resolution, ringCap),
	}
	for _, t := range tracked {
		r.byType[t] = &counters{}
	}
	return r
}

func (r *Registry) bucket(t model.CommandType) *counters {
	if c, ok := r.byType[t]; ok {
		return c
	}
	return &r.unknown
}

// RecordDispatch marks a command as dispatched to a node.
func (r *Registry) RecordDispatch(t model.CommandType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket(t).Dispatched++
}

// RecordAcknowledged marks a command as resolved successfully.
func (r *Registry) RecordAcknowledged(t model.CommandType, commandID, correlationID string, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.bucket(t)
	c.Acknowledged++
	c.Completed++
	c.CumulativeLatencyMs += latencyMs
	c.LastLatencyMs = latencyMs
	r.pushResolution(commandID, correlationID, "acknowledged")
}

// RecordFailed marks a command as resolved with a failure.
func (r *Registry) RecordFailed(t model.CommandType, commandID, correlationID string, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.bucket(t)
	c.Failed++
	c.Completed++
	c.CumulativeLatencyMs += latencyMs
	c.LastLatencyMs = latencyMs
	r.pushResolution(commandID, correlationID, "failed")
}

// RecordTimedOut marks a command as resolved by deadline expiry.
func (r *Registry) RecordTimedOut(t model.CommandType, commandID, correlationID string, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.bucket(t)
	c.TimedOut++
	c.Completed++
	c.CumulativeLatencyMs += latencyMs
	c.LastLatencyMs = latencyMs
	r.pushResolution(commandID, correlationID, "timed_out")
}

// RecordUnknownAttribution records a result frame for a commandId the
// router no longer recognizes (late result, or never-seen id). Always
// recorded, never silently dropped.
func (r *Registry) RecordUnknownAttribution(commandID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknownTotal++
	r.pushResolution(commandID, correlationID, "unknown")
}

// RecordInvalidPayload increments the protocol-validation counter for a
// rejected frame, keyed by "direction:type" (e.g. "inbound:host-updated").
func (r *Registry) RecordInvalidPayload(direction, msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidPayloads[direction+":"+msgType]++
}

func (r *Registry) pushResolution(commandID, correlationID, outcome string) {
	r.ring[(r.ringHead+r.ringLen)%ringCap] = Resolution{
		CommandID:     commandID,
		CorrelationID: correlationID,
		Outcome:       outcome,
		ResolvedAtMs:  time.Now().UnixMilli(),
	}
	if r.ringLen < ringCap {
		r.ringLen++
	} else {
		r.ringHead = (r.ringHead + 1) % ringCap
	}
}

// CommandSnapshot is the read-side view of one command type's counters.
type CommandSnapshot struct {
	Type                model.CommandType `json:"type"`
	Dispatched          int64             `json:"dispatched"`
	Acknowledged        int64             `json:"acknowledged"`
	Failed              int64             `json:"failed"`
	TimedOut            int64             `json:"timedOut"`
	Completed           int64             `json:"completed"`
	Active              int64             `json:"active"`
	TimeoutRate         float64           `json:"timeoutRate"`
	CumulativeLatencyMs int64             `json:"cumulativeLatencyMs"`
	LastLatencyMs       int64             `json:"lastLatencyMs"`
}

// Snapshot is the stable, restart-independent shape of a metrics read.
type Snapshot struct {
	Commands           map[model.CommandType]CommandSnapshot `json:"commands"`
	Unknown            CommandSnapshot                       `json:"unknown"`
	InvalidPayloads    map[string]int64                      `json:"invalidPayloadByKey"`
	UnknownAttribution int64                                 `json:"unknownAttributionTotal"`
	RecentResolved     []Resolution                          `json:"recentResolved"`
}

// Snapshot returns a stable read-side view. dispatched == acknowledged +
// failed + timedOut + active holds for every type by construction:
// active is derived as dispatched - completed.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{
		Commands:        make(map[model.CommandType]CommandSnapshot, len(r.byType)),
		InvalidPayloads: make(map[string]int64, len(r.invalidPayloads)),
	}
	for t, c := range r.byType {
		out.Commands[t] = snapshotOf(t, c)
	}
	out.Unknown = snapshotOf("", &r.unknown)
	for k, v := range r.invalidPayloads {
		out.InvalidPayloads[k] = v
	}
	out.UnknownAttribution = r.unknownTotal

	out.RecentResolved = make([]Resolution, r.ringLen)
	for i := 0; i < r.ringLen; i++ {
		out.RecentResolved[i] = r.ring[(r.ringHead+i)%ringCap]
	}
	return out
}

func snapshotOf(t model.CommandType, c *counters) CommandSnapshot {
	s := CommandSnapshot{
		Type:                t,
		Dispatched:          c.Dispatched,
		Acknowledged:        c.Acknowledged,
		Failed:              c.Failed,
		TimedOut:            c.TimedOut,
		Completed:           c.Completed,
		Active:              c.Dispatched - c.Completed,
		CumulativeLatencyMs: c.CumulativeLatencyMs,
		LastLatencyMs:       c.LastLatencyMs,
	}
	if c.Dispatched > 0 {
		s.TimeoutRate = float64(c.TimedOut) / float64(c.Dispatched)
	}
	return s
}
