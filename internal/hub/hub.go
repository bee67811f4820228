// Package hub implements the node session manager: the bidirectional
// WebSocket control channel to node agents. It terminates
// connections, authenticates the upgrade, multiplexes inbound frames to
// the aggregator and command router, and fans out outbound commands.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/auth"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultHeartbeatTimeout = 90 * time.Second
	sendQueueDepth          = 256
	panicRecoveryDelay      = 100 * time.Millisecond
)

// CloseCode is a protocol-level close reason, carried in both the
// WebSocket close frame and the structured error frame that precedes it.
type CloseCode string

const (
	ClosePolicyViolation   CloseCode = "policy-violation"
	ClosePolicyReplaced    CloseCode = "policy-replaced"
	CloseHeartbeatTimeout  CloseCode = "heartbeat-timeout"
	CloseBackpressure      CloseCode = "backpressure"
	CloseUnsupportedProto  CloseCode = "unsupported-protocol-version"
	CloseServerShutdown    CloseCode = "server-shutdown"
)

// SupportedProtocolVersion is the only protocol version this server accepts.
const SupportedProtocolVersion = 1

// Send errors, returned by Hub.Send.
var (
	ErrNotConnected = fmt.Errorf("hub: node not connected")
	ErrEncodeFailed = fmt.Errorf("hub: failed to encode message")
)

// Dispatcher receives frames the hub has already schema-validated and
// demultiplexed. The aggregator and command router each implement the
// subset of methods relevant to them; Server wires both in.
type Dispatcher interface {
	HandleHostDiscovered(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload)
	HandleHostUpdated(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload)
	HandleHostRemoved(ctx context.Context, nodeID string, p protocol.HostRemovedPayload)
	HandleNodeHostsSnapshot(ctx context.Context, nodeID string, p protocol.NodeHostsSnapshotPayload)
	HandleCommandResult(ctx context.Context, nodeID string, p protocol.CommandResultPayload)
	HandlePingResult(ctx context.Context, nodeID string, p protocol.PingResultPayload)
	HandleHostPortScanResult(ctx context.Context, nodeID string, p protocol.HostPortScanResultPayload)
	HandleNodeDisconnected(nodeID string)
}

// NodeStore persists node rows; a thin slice of internal/store.Store.
type NodeStore interface {
	UpsertNode(ctx context.Context, n model.Node) error
	SetNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error
	IncrementInvalidPayload(ctx context.Context, nodeID string) error
}

// AggregatorUnreachable is the narrow seam the hub needs on close:
// marking a disconnected node's hosts unreachable.
type AggregatorUnreachable interface {
	MarkNodeHostsUnreachable(ctx context.Context, nodeID string) error
}

// Metrics records protocol-validation counters.
type Metrics interface {
	RecordInvalidPayload(direction, msgType string)
}

// Client is one terminated WebSocket connection — a node channel.
type Client struct {
	conn   *websocket.Conn
	nodeID string
	ip     string
	send   chan []byte
	hub    *Hub

	closeOnce sync.Once
	closed    atomic.Bool

	lastHeartbeat atomic.Int64 // unix millis
	limiter       *tokenBucket
}

// safeSend enqueues data for delivery without panicking on a closed
// channel; false means dropped (closed or queue full).
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the client's send channel exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

type inboundFrame struct {
	client  *Client
	message *protocol.Message
}

// Hub maintains the live node channel set and dispatches inbound frames.
type Hub struct {
	log        zerolog.Logger
	store      NodeStore
	dispatcher Dispatcher
	metrics    Metrics

	heartbeatTimeout time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
	nodes   map[string]*Client

	perIPMu    sync.Mutex
	perIPCount map[string]int
	maxPerIP   int

	inboundRateLimit int

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundFrame
}

// Config holds the hub's tunables, sourced from the node-channel section
// of the server configuration.
type Config struct {
	HeartbeatTimeout     time.Duration
	MaxConnectionsPerIP  int
	InboundRateLimitPerSecond int
}

// New creates a Hub. dispatcher and store must not be nil; metrics may be
// nil in tests.
func New(log zerolog.Logger, store NodeStore, dispatcher Dispatcher, metrics Metrics, cfg Config) *Hub {
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = defaultHeartbeatTimeout
	}
	maxPerIP := cfg.MaxConnectionsPerIP
	if maxPerIP <= 0 {
		maxPerIP = 4
	}
	rateLimit := cfg.InboundRateLimitPerSecond
	if rateLimit <= 0 {
		rateLimit = 100
	}
	return &Hub{
		log:              log.With().Str("component", "hub").Logger(),
		store:            store,
		dispatcher:       dispatcher,
		metrics:          metrics,
		heartbeatTimeout: hbTimeout,
		clients:          make(map[*Client]bool),
		nodes:            make(map[string]*Client),
		perIPCount:       make(map[string]int),
		maxPerIP:         maxPerIP,
		inboundRateLimit: rateLimit,
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		inbound:          make(chan *inboundFrame, 256),
	}
}

// AllowUpgrade enforces the per-IP connection cap ahead of the WebSocket
// handshake. Call ReleaseUpgrade on the corresponding close.
func (h *Hub) AllowUpgrade(ip string) bool {
	h.perIPMu.Lock()
	defer h.perIPMu.Unlock()
	if h.perIPCount[ip] >= h.maxPerIP {
		return false
	}
	h.perIPCount[ip]++
	return true
}

// ReleaseUpgrade decrements the per-IP counter on channel close.
func (h *Hub) ReleaseUpgrade(ip string) {
	h.perIPMu.Lock()
	defer h.perIPMu.Unlock()
	if h.perIPCount[ip] > 0 {
		h.perIPCount[ip]--
		if h.perIPCount[ip] == 0 {
			delete(h.perIPCount, ip)
		}
	}
}

// Run drives the hub's dispatch loop until ctx is cancelled, restarting
// on panic.
func (h *Hub) Run(ctx context.Context) {
	for {
		if err := h.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				h.log.Info().Msg("hub shutting down")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting")
			time.Sleep(panicRecoveryDelay)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.register:
			h.handleRegisterClient(c)
		case c := <-h.unregister:
			h.handleUnregisterClient(ctx, c)
		case f := <-h.inbound:
			h.dispatchFrame(ctx, f)
		}
	}
}

func (h *Hub) handleRegisterClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// handleUnregisterClient marks the node offline, emits node-disconnected
// (via dispatcher.HandleNodeDisconnected), instructs the aggregator to
// mark hosts unreachable, and fails inflight commands. State mutation
// happens under lock; external calls happen after releasing it.
func (h *Hub) handleUnregisterClient(ctx context.Context, c *Client) {
	var nodeID string

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		if c.nodeID != "" && h.nodes[c.nodeID] == c {
			delete(h.nodes, c.nodeID)
			nodeID = c.nodeID
		}
	}
	h.mu.Unlock()

	c.Close()
	if c.ip != "" {
		h.ReleaseUpgrade(c.ip)
	}

	if nodeID == "" {
		return
	}

	if err := h.store.SetNodeStatus(ctx, nodeID, model.NodeOffline); err != nil {
		h.log.Error().Err(err).Str("node", nodeID).Msg("failed to mark node offline")
	}
	h.dispatcher.HandleNodeDisconnected(nodeID)
}

func (h *Hub) dispatchFrame(ctx context.Context, f *inboundFrame) {
	c := f.client
	msg := f.message

	switch msg.Type {
	case protocol.TypeRegister:
		h.handleRegisterFrame(ctx, c, msg)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(c)
	case protocol.TypeHostDiscovered:
		var p protocol.HostDiscoveredPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleHostDiscovered(ctx, c.nodeID, p)
	case protocol.TypeHostUpdated:
		var p protocol.HostDiscoveredPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleHostUpdated(ctx, c.nodeID, p)
	case protocol.TypeHostRemoved:
		var p protocol.HostRemovedPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleHostRemoved(ctx, c.nodeID, p)
	case protocol.TypeNodeHostsSnapshot:
		var p protocol.NodeHostsSnapshotPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleNodeHostsSnapshot(ctx, c.nodeID, p)
	case protocol.TypeCommandResult:
		var p protocol.CommandResultPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleCommandResult(ctx, c.nodeID, p)
	case protocol.TypePingResult:
		var p protocol.PingResultPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandlePingResult(ctx, c.nodeID, p)
	case protocol.TypeHostPortScanResult:
		var p protocol.HostPortScanResultPayload
		if !h.decode(c, msg, &p) {
			return
		}
		h.dispatcher.HandleHostPortScanResult(ctx, c.nodeID, p)
	default:
		h.recordInvalid(c, "unknown-type")
	}
}

func (h *Hub) decode(c *Client, msg *protocol.Message, target any) bool {
	if err := msg.ParsePayload(target); err != nil {
		h.recordInvalid(c, msg.Type)
		return false
	}
	return true
}

func (h *Hub) recordInvalid(c *Client, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordInvalidPayload("inbound", msgType)
	}
	if c.nodeID != "" {
		_ = h.store.IncrementInvalidPayload(context.Background(), c.nodeID)
	}
}

// handleRegisterFrame processes a node's initial registration frame.
func (h *Hub) handleRegisterFrame(ctx context.Context, c *Client, msg *protocol.Message) {
	var p protocol.RegisterPayload
	if err := msg.ParsePayload(&p); err != nil {
		h.recordInvalid(c, protocol.TypeRegister)
		h.closeWithError(c, ClosePolicyViolation, "malformed register frame")
		return
	}

	if p.ProtocolVersion != SupportedProtocolVersion {
		h.closeWithError(c, CloseUnsupportedProto, fmt.Sprintf("unsupported protocol version %d", p.ProtocolVersion))
		return
	}

	var replaced *Client
	h.mu.Lock()
	if existing, ok := h.nodes[p.NodeID]; ok && existing != c {
		replaced = existing
	}
	c.nodeID = p.NodeID
	h.nodes[p.NodeID] = c
	h.mu.Unlock()

	if replaced != nil {
		h.closeWithError(replaced, ClosePolicyReplaced, "replaced by a new channel for this node")
	}

	platform := p.Metadata["platform"]
	if err := h.store.UpsertNode(ctx, model.Node{
		ID:              p.NodeID,
		Status:          model.NodeOnline,
		LastHeartbeat:   time.Now(),
		ProtocolVersion: p.ProtocolVersion,
		Platform:        platform,
		RegisteredAt:    time.Now(),
	}); err != nil {
		h.log.Error().Err(err).Str("node", p.NodeID).Msg("failed to persist node registration")
	}

	c.lastHeartbeat.Store(time.Now().UnixMilli())
	h.log.Info().Str("node", p.NodeID).Int("protocolVersion", p.ProtocolVersion).Msg("node registered")
}

func (h *Hub) handleHeartbeat(c *Client) {
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	if c.nodeID != "" {
		if err := h.store.SetNodeStatus(context.Background(), c.nodeID, model.NodeOnline); err != nil {
			h.log.Error().Err(err).Str("node", c.nodeID).Msg("failed to refresh heartbeat")
		}
	}
}

// closeWithError sends a structured error frame, then closes c.
func (h *Hub) closeWithError(c *Client, code CloseCode, reason string) {
	frame, err := protocol.NewMessage("error", map[string]string{"code": string(code), "reason": reason})
	if err == nil {
		if data, mErr := json.Marshal(frame); mErr == nil {
			c.safeSend(data)
		}
	}
	c.Close()
}

// Send delivers message to the node channel for nodeID. Returns an error
// if the node is not connected or the message cannot be encoded; queue
// overflow (backpressure) closes the channel and also returns an error.
func (h *Hub) Send(nodeID string, msg *protocol.Message) error {
	h.mu.RLock()
	c, ok := h.nodes[nodeID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ErrEncodeFailed
	}

	if !c.safeSend(data) {
		h.closeWithError(c, CloseBackpressure, "send queue overflow")
		return ErrNotConnected
	}
	return nil
}

// Connected reports whether nodeID currently has a live channel.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[nodeID]
	return ok
}

// ServeWS upgrades r to a node WebSocket channel after the caller has
// already run the auth/path/TLS/per-IP gate . ip is
// the already-resolved client IP used for the per-IP counter release.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, ip string, authCtx auth.Context) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.ReleaseUpgrade(ip)
		return err
	}

	c := &Client{conn: conn, ip: ip, send: make(chan []byte, sendQueueDepth), hub: h, limiter: newTokenBucket(h.inboundRateLimit)}
	if authCtx.NodeID != "" {
		c.nodeID = authCtx.NodeID
	}

	h.register <- c
	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(protocol.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	idleTicker := time.NewTicker(h.heartbeatTimeout / 3)
	defer idleTicker.Stop()
	go h.watchIdle(c, idleTicker)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("node", c.nodeID).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			h.closeWithError(c, ClosePolicyViolation, "inbound rate limit exceeded")
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.recordInvalid(c, "malformed-json")
			continue
		}

		select {
		case h.inbound <- &inboundFrame{client: c, message: &msg}:
		default:
			h.recordInvalid(c, msg.Type)
		}
	}
}

// watchIdle proactively closes c if no heartbeat/frame has reset
// lastHeartbeat within heartbeatTimeout.
func (h *Hub) watchIdle(c *Client, ticker *time.Ticker) {
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		last := time.UnixMilli(c.lastHeartbeat.Load())
		if time.Since(last) > h.heartbeatTimeout {
			h.closeWithError(c, CloseHeartbeatTimeout, "no heartbeat within timeout window")
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
