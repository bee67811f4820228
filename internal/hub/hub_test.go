package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/protocol"
)

type stubStore struct {
	nodes     map[string]model.Node
	invalid   map[string]int64
}

func newStubStore() *stubStore {
	return &stubStore{nodes: map[string]model.Node{}, invalid: map[string]int64{}}
}

func (s *stubStore) UpsertNode(ctx context.Context, n model.Node) error {
	s.nodes[n.ID] = n
	return nil
}

func (s *stubStore) SetNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	n := s.nodes[nodeID]
	n.Status = status
	s.nodes[nodeID] = n
	return nil
}

func (s *stubStore) IncrementInvalidPayload(ctx context.Context, nodeID string) error {
	s.invalid[nodeID]++
	return nil
}

type stubDispatcher struct {
	disconnected []string
}

func (d *stubDispatcher) HandleHostDiscovered(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload) {
}
func (d *stubDispatcher) HandleHostUpdated(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload) {
}
func (d *stubDispatcher) HandleHostRemoved(ctx context.Context, nodeID string, p protocol.HostRemovedPayload) {
}
func (d *stubDispatcher) HandleNodeHostsSnapshot(ctx context.Context, nodeID string, p protocol.NodeHostsSnapshotPayload) {
}
func (d *stubDispatcher) HandleCommandResult(ctx context.Context, nodeID string, p protocol.CommandResultPayload) {
}
func (d *stubDispatcher) HandlePingResult(ctx context.Context, nodeID string, p protocol.PingResultPayload) {
}
func (d *stubDispatcher) HandleHostPortScanResult(ctx context.Context, nodeID string, p protocol.HostPortScanResultPayload) {
}
func (d *stubDispatcher) HandleNodeDisconnected(nodeID string) {
	d.disconnected = append(d.disconnected, nodeID)
}

func TestAllowUpgradePerIPCap(t *testing.T) {
	h := New(zerolog.Nop(), newStubStore(), &stubDispatcher{}, nil, Config{MaxConnectionsPerIP: 2})

	if !h.AllowUpgrade("1.2.3.4") || !h.AllowUpgrade("1.2.3.4") {
		t.Fatal("expected first two upgrades to be allowed")
	}
	if h.AllowUpgrade("1.2.3.4") {
		t.Error("expected third upgrade to be refused")
	}

	h.ReleaseUpgrade("1.2.3.4")
	if !h.AllowUpgrade("1.2.3.4") {
		t.Error("expected upgrade to be allowed again after release")
	}
}

func TestSendToUnknownNodeFails(t *testing.T) {
	h := New(zerolog.Nop(), newStubStore(), &stubDispatcher{}, nil, Config{})
	msg, _ := protocol.NewMessage(protocol.TypeWake, protocol.WakePayload{CommandID: "c1"})
	if err := h.Send("ghost-node", msg); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := newTokenBucket(2)
	if !b.Allow() || !b.Allow() {
		t.Fatal("expected first two messages to be admitted")
	}
	if b.Allow() {
		t.Error("expected third message within the same instant to be refused")
	}

	b.last = b.last.Add(-time.Second)
	if !b.Allow() {
		t.Error("expected a message to be admitted after a full refill window")
	}
}

func TestClientSafeSendAfterClose(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}
	c.Close()
	if c.safeSend([]byte("x")) {
		t.Error("expected safeSend to report false on a closed client")
	}
	c.Close() // must not panic on double close
}
