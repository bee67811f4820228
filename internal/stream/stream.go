// Package stream implements the host-state stream broker: a
// subscriber-facing WebSocket fan-out, independent of the node hub's
// connection map, that forwards mutating aggregator/router events to
// authenticated operator clients.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueDepth = 64
)

// Subscriber is one terminated subscriber connection.
type Subscriber struct {
	conn *websocket.Conn
	id   string
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *Subscriber) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the subscriber's send channel exactly once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// Stats is the broker's read-side snapshot.
type Stats struct {
	ActiveClients         int            `json:"activeClients"`
	TotalConnections      int64          `json:"totalConnections"`
	TotalDisconnects      int64          `json:"totalDisconnects"`
	TotalErrors           int64          `json:"totalErrors"`
	CloseCodes            map[int]int64  `json:"closeCodes"`
	CloseReasons          map[string]int64 `json:"closeReasons"`
	TotalBroadcasts       int64          `json:"totalBroadcasts"`
	ByType                map[string]int64 `json:"byType"`
	Deliveries            int64          `json:"deliveries"`
	DroppedNoSubscribers  int64          `json:"droppedNoSubscribers"`
	SendFailures          int64          `json:"sendFailures"`
}

// Broker is the host-state stream broker.
type Broker struct {
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool

	totalConnections int64
	totalDisconnects int64
	totalErrors      int64
	closeCodes       map[int]int64
	closeReasons     map[string]int64
	totalBroadcasts  int64
	byType           map[string]int64
	deliveries       int64
	droppedNoSubs    int64
	sendFailures     int64

	statsMu sync.Mutex
}

// New creates an empty Broker.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		log:          log.With().Str("component", "stream").Logger(),
		subscribers:  make(map[*Subscriber]bool),
		closeCodes:   make(map[int]int64),
		closeReasons: make(map[string]int64),
		byType:       make(map[string]int64),
	}
}

// Register adds a subscriber and sends it the initial connected event.
func (b *Broker) Register(sub *Subscriber) {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	b.statsMu.Lock()
	b.totalConnections++
	b.statsMu.Unlock()

	ev, err := protocol.NewStreamEvent(protocol.EventConnected, false, time.Now().UnixMilli(), map[string]string{"subscriber": sub.id})
	if err != nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sub.safeSend(data)
}

// Unregister removes sub from the subscriber set, recording the close
// code/reason for stats.
func (b *Broker) Unregister(sub *Subscriber, closeCode int, reason string) {
	b.mu.Lock()
	_, wasKnown := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()

	if !wasKnown {
		return
	}
	sub.Close()

	b.statsMu.Lock()
	b.totalDisconnects++
	if closeCode != 0 {
		b.closeCodes[closeCode]++
	}
	if reason != "" {
		b.closeReasons[reason]++
	}
	b.statsMu.Unlock()
}

// Broadcast serializes event once and sends it to every OPEN subscriber
// connection. Per-send failures are counted but do not evict other
// subscribers.
func (b *Broker) Broadcast(eventType string, changed bool, payload any) {
	ev, err := protocol.NewStreamEvent(eventType, changed, time.Now().UnixMilli(), payload)
	if err != nil {
		b.log.Error().Err(err).Str("type", eventType).Msg("failed to build stream event")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("type", eventType).Msg("failed to marshal stream event")
		return
	}

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.totalBroadcasts++
	b.byType[eventType]++
	if len(subs) == 0 {
		b.droppedNoSubs++
	}
	b.statsMu.Unlock()

	failures := int64(0)
	delivered := int64(0)
	for _, s := range subs {
		if s.safeSend(data) {
			delivered++
		} else {
			failures++
		}
	}

	b.statsMu.Lock()
	b.deliveries += delivered
	b.sendFailures += failures
	b.statsMu.Unlock()
}

// Snapshot returns the broker's current stats.
func (b *Broker) Snapshot() Stats {
	b.mu.RLock()
	active := len(b.subscribers)
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	closeCodes := make(map[int]int64, len(b.closeCodes))
	for k, v := range b.closeCodes {
		closeCodes[k] = v
	}
	closeReasons := make(map[string]int64, len(b.closeReasons))
	for k, v := range b.closeReasons {
		closeReasons[k] = v
	}
	byType := make(map[string]int64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}

	return Stats{
		ActiveClients:        active,
		TotalConnections:     b.totalConnections,
		TotalDisconnects:     b.totalDisconnects,
		TotalErrors:          b.totalErrors,
		CloseCodes:           closeCodes,
		CloseReasons:         closeReasons,
		TotalBroadcasts:      b.totalBroadcasts,
		ByType:               byType,
		Deliveries:           b.deliveries,
		DroppedNoSubscribers: b.droppedNoSubs,
		SendFailures:         b.sendFailures,
	}
}

// Shutdown closes every subscriber connection with 1000/"Server
// shutdown" and clears the subscriber set.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[*Subscriber]bool)
	b.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server shutdown")
	for _, s := range subs {
		_ = s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		s.Close()
	}
}

// ServeWS upgrades r to a subscriber connection. id identifies the
// subscriber for the initial connected event (e.g. session or token subject).
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, id string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &Subscriber{conn: conn, id: id, send: make(chan []byte, sendQueueDepth)}
	b.Register(sub)

	go b.writePump(sub)
	b.readPump(sub)
	return nil
}

func (b *Broker) readPump(sub *Subscriber) {
	closeCode := websocket.CloseNormalClosure
	reason := ""
	defer func() {
		b.Unregister(sub, closeCode, reason)
		_ = sub.conn.Close()
	}()

	sub.conn.SetReadLimit(protocol.MaxFrameBytes)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := sub.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
				reason = ce.Text
			}
			return
		}
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		// Subscribers are read-only on this channel; any inbound frame is
		// ignored beyond refreshing the read deadline.
	}
}

func (b *Broker) writePump(sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
