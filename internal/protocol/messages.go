// Package protocol defines the wire shapes shared between the C&C
// server, node agents (node control channel), and operator/mobile
// subscribers (stream channel).
package protocol

import "encoding/json"

// MaxFrameBytes is the hard protocol cap on a single JSON frame.
const MaxFrameBytes = 256 * 1024

// Message is the envelope for all node control channel frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message by marshaling payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the message's payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Inbound frame types (node agent -> C&C).
const (
	TypeRegister          = "register"
	TypeHeartbeat         = "heartbeat"
	TypeHostDiscovered    = "host-discovered"
	TypeHostUpdated       = "host-updated"
	TypeHostRemoved       = "host-removed"
	TypeNodeHostsSnapshot = "node-hosts-snapshot"
	TypeCommandResult     = "command-result"
	TypePingResult        = "ping-result"
	TypeHostPortScanResult = "host-port-scan-result"
)

// Outbound frame types (C&C -> node agent).
const (
	TypeWake          = "wake"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
	TypeScan          = "scan"
	TypeScanHostPorts = "scan-host-ports"
	TypePingHost      = "ping-host"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
)

// RegisterPayload is the required first inbound frame on a node channel.
type RegisterPayload struct {
	NodeID          string            `json:"nodeId"`
	ProtocolVersion int               `json:"protocolVersion"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// HeartbeatPayload resets the node manager's idle timer.
type HeartbeatPayload struct {
	Ts int64 `json:"ts"`
}

// HostPayload describes one host as reported by a node agent.
type HostPayload struct {
	Name          string         `json:"name"`
	MAC           string         `json:"mac"`
	SecondaryMACs []string       `json:"secondaryMacs,omitempty"`
	IP            string         `json:"ip,omitempty"`
	Status        string         `json:"status"`
	Discovered    bool           `json:"discovered"`
	PingResponsive string        `json:"pingResponsive,omitempty"`
	Notes         *string        `json:"notes,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	PowerControl  map[string]any `json:"powerControl,omitempty"`
}

// HostDiscoveredPayload carries a newly seen or changed host; both
// host-discovered and host-updated frames decode into it.
type HostDiscoveredPayload struct {
	NodeID   string      `json:"nodeId"`
	Host     HostPayload `json:"host"`
	Location string      `json:"location"`
}

// HostRemovedPayload names a host that the node agent no longer manages.
type HostRemovedPayload struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// NodeHostsSnapshotPayload carries a full host list, e.g. right after
// registration.
type NodeHostsSnapshotPayload struct {
	NodeID   string        `json:"nodeId"`
	Location string        `json:"location"`
	Hosts    []HostPayload `json:"hosts"`
}

// CommandResultPayload correlates a node's reply with an inflight command.
type CommandResultPayload struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PingResultPayload is the node's reply to a ping-host command.
type PingResultPayload struct {
	CommandID string  `json:"commandId"`
	LatencyMs *int    `json:"latencyMs,omitempty"`
	Success   bool    `json:"success"`
	Status    string  `json:"status"`
	Source    string  `json:"source"`
}

// HostPortScanResultPayload is the node's reply to a scan-host-ports command.
type HostPortScanResultPayload struct {
	CommandID    string           `json:"commandId"`
	HostPortScan HostPortScanData `json:"hostPortScan"`
}

// HostPortScanData is the scanned-port snapshot for one host.
type HostPortScanData struct {
	HostName  string       `json:"hostName"`
	MAC       string       `json:"mac"`
	IP        string       `json:"ip"`
	ScannedAt string       `json:"scannedAt"`
	OpenPorts []PortResult `json:"openPorts"`
}

// PortResult is one open-port entry reported by a node.
type PortResult struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
}

// WakePayload instructs a node to send a WoL magic packet.
type WakePayload struct {
	CommandID string `json:"commandId"`
	HostName  string `json:"hostName"`
	MAC       string `json:"mac"`
	WOLPort   *int   `json:"wolPort,omitempty"`
	Verify    bool   `json:"verify,omitempty"`
}

// FQNCommandPayload is the shape shared by sleep-host, shutdown-host,
// scan-host-ports, and ping-host: a commandId plus a target fqn.
type FQNCommandPayload struct {
	CommandID string `json:"commandId"`
	FQN       string `json:"fqn"`
}

// ScanPayload requests a fleet-wide host rescan.
type ScanPayload struct {
	CommandID string `json:"commandId"`
}

// UpdateHostPayload applies a partial patch to a host the node agent manages.
type UpdateHostPayload struct {
	CommandID string         `json:"commandId"`
	FQN       string         `json:"fqn"`
	Patch     map[string]any `json:"patch"`
}

// DeleteHostPayload instructs a node agent to forget a host.
type DeleteHostPayload struct {
	CommandID string `json:"commandId"`
	FQN       string `json:"fqn"`
}

// Mutating stream event types (changed:true) the broker forwards to
// subscribers.
const (
	EventHostDiscovered       = "host.discovered"
	EventHostUpdated          = "host.updated"
	EventHostRemoved          = "host.removed"
	EventHostsChanged         = "hosts.changed"
	EventWakeVerified         = "wake.verified"
	EventHostStatusTransition = "host.status-transition"
)

// Housekeeping stream event types (changed:false).
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// StreamEvent is the JSON shape of every frame on the subscriber stream
// channel. Clients MUST ignore unknown types and MUST NOT refetch state
// when Changed is false.
type StreamEvent struct {
	Type      string          `json:"type"`
	Changed   bool            `json:"changed"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewStreamEvent builds a StreamEvent, marshaling payload.
func NewStreamEvent(eventType string, changed bool, timestampMs int64, payload any) (*StreamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &StreamEvent{Type: eventType, Changed: changed, Timestamp: timestampMs, Payload: data}, nil
}
