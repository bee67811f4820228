// Package router implements the command router: mapping an operator
// intent to a node-bound RPC, enforcing idempotency, ordering, and
// timeouts, and returning a structured, classified result.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/ccerr"
	"github.com/wolyhq/cnc/internal/mac"
	"github.com/wolyhq/cnc/internal/metrics"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/protocol"
	"github.com/wolyhq/cnc/internal/store"
)

// DefaultCommandTimeout is used when Config.CommandTimeout is unset.
const DefaultCommandTimeout = 30 * time.Second

// NodeSender is the hub's outbound surface, as the router needs it.
type NodeSender interface {
	Send(nodeID string, msg *protocol.Message) error
	Connected(nodeID string) bool
}

// HostLookup is the aggregator's surface the router needs to resolve a
// fqn to its owning node and to poll state during wake verification.
type HostLookup interface {
	GetHost(ctx context.Context, fqn string) (*model.Host, error)
}

// Config holds the router's tunables.
type Config struct {
	CommandTimeout    time.Duration
	WakeVerifyWindow  time.Duration
	WakeVerifyPollGap time.Duration
}

// Router correlates outbound commands with their results, manages
// per-target serialization and idempotency, and handles timeouts.
type Router struct {
	log     zerolog.Logger
	store   store.Store
	sender  NodeSender
	hosts   HostLookup
	metrics *metrics.Registry
	cfg     Config

	mu       sync.Mutex
	inflight map[string]*inflightEntry          // commandId -> entry
	byIdemp  map[idempotencyKey]string          // (nodeId,type,target,key) -> commandId
	hostLock map[string]string                  // hostFQN -> commandId of the in-progress mutating command

	wakeListener WakeVerificationListener
}

type idempotencyKey struct {
	nodeID string
	typ    model.CommandType
	target string
	key    string
}

type inflightEntry struct {
	id            string
	typ           model.CommandType
	nodeID        string
	hostFQN       string
	correlationID string
	startedAt     time.Time
	cancel        context.CancelFunc

	mu       sync.Mutex
	done     bool
	outcome  json.RawMessage
	success  bool
	errMsg   string
	waiters  []chan Result
}

// Result is the outcome the caller of a Route* operation observes.
type Result struct {
	CommandID     string
	CorrelationID string
	Success       bool
	State         model.CommandState // set only for non-terminal outcomes, e.g. CommandQueued
	Outcome       json.RawMessage
	Err           error // a *ccerr.Error when non-nil
}

// New builds a Router.
func New(log zerolog.Logger, s store.Store, sender NodeSender, hosts HostLookup, reg *metrics.Registry, cfg Config) *Router {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.WakeVerifyWindow <= 0 {
		cfg.WakeVerifyWindow = 2 * time.Minute
	}
	if cfg.WakeVerifyPollGap <= 0 {
		cfg.WakeVerifyPollGap = 5 * time.Second
	}
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		store:    s,
		sender:   sender,
		hosts:    hosts,
		metrics:  reg,
		cfg:      cfg,
		inflight: make(map[string]*inflightEntry),
		byIdemp:  make(map[idempotencyKey]string),
		hostLock: make(map[string]string),
	}
}

// SetSender rewires the router's outbound node-channel sender. Server
// construction has a cycle (the hub's dispatcher needs the router,
// the router needs the hub as its sender), so the sender can be wired
// in after both are built rather than threaded through New.
func (r *Router) SetSender(sender NodeSender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// dispatch is the shared core of every Route* operation: it resolves the
// host, applies idempotency dedup, acquires the per-host mutating lock,
// persists the command row, sends the frame, and waits for a result.
func (r *Router) dispatch(ctx context.Context, typ model.CommandType, fqn string, idempotencyKey_, correlationID string, buildPayload func(commandID string) (string, any)) Result {
	host, err := r.hosts.GetHost(ctx, fqn)
	if err != nil {
		return Result{Err: ccerr.Wrap(ccerr.Internal, "lookup host", err)}
	}
	if host == nil {
		return Result{Err: ccerr.New(ccerr.NotFound, fmt.Sprintf("host %q not found", fqn))}
	}

	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}

	if idempotencyKey_ != "" {
		if existing, err := r.store.FindNonTerminalByIdempotencyKey(ctx, host.NodeID, typ, fqn, idempotencyKey_); err == nil && existing != nil {
			return r.attachOrReplay(ctx, existing)
		}
	}

	if typ.Mutating() {
		r.mu.Lock()
		if inProgress, ok := r.hostLock[fqn]; ok {
			r.mu.Unlock()
			return Result{Err: ccerr.New(ccerr.Conflict, fmt.Sprintf("mutating command %s already in progress for %s", inProgress, fqn))}
		}
		r.mu.Unlock()
	}

	if typ == model.CmdScanHostPorts {
		r.mu.Lock()
		for _, e := range r.inflight {
			if e.typ == model.CmdScanHostPorts && e.hostFQN == fqn {
				r.mu.Unlock()
				return Result{Err: ccerr.New(ccerr.Conflict, fmt.Sprintf("port scan %s already in progress for %s", e.id, fqn))}
			}
		}
		r.mu.Unlock()
	}

	if !r.sender.Connected(host.NodeID) {
		if typ.QueuesWhenOffline() {
			return r.enqueueOffline(ctx, typ, fqn, host.NodeID, correlationID, idempotencyKey_)
		}
		return Result{Err: ccerr.New(ccerr.Offline, fmt.Sprintf("node %s has no live channel", host.NodeID))}
	}

	commandID := uuid.NewString()
	frameType, payload := buildPayload(commandID)

	var idemptr *string
	if idempotencyKey_ != "" {
		idemptr = &idempotencyKey_
	}

	row := model.Command{
		ID:             commandID,
		Type:           typ,
		NodeID:         host.NodeID,
		TargetKey:      fqn,
		State:          model.CommandQueued,
		CorrelationID:  correlationID,
		IdempotencyKey: idemptr,
		QueuedAt:       time.Now(),
	}
	if err := r.store.InsertCommand(ctx, row); err != nil {
		return Result{Err: ccerr.Wrap(ccerr.Internal, "persist command", err)}
	}
	if r.metrics != nil {
		r.metrics.RecordDispatch(typ)
	}

	entryCtx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	entry := &inflightEntry{id: commandID, typ: typ, nodeID: host.NodeID, hostFQN: fqn, correlationID: correlationID, startedAt: time.Now(), cancel: cancel}

	r.mu.Lock()
	r.inflight[commandID] = entry
	if idempotencyKey_ != "" {
		r.byIdemp[idempotencyKey{nodeID: host.NodeID, typ: typ, target: fqn, key: idempotencyKey_}] = commandID
	}
	if typ.Mutating() {
		r.hostLock[fqn] = commandID
	}
	r.mu.Unlock()

	go r.watchTimeout(entryCtx, entry)

	msg, err := protocol.NewMessage(frameType, payload)
	if err != nil {
		r.resolve(entry, false, nil, ccerr.New(ccerr.Internal, "encode command frame").Error())
		return r.wait(ctx, entry)
	}
	if err := r.sender.Send(host.NodeID, msg); err != nil {
		r.resolve(entry, false, nil, ccerr.New(ccerr.Offline, "send failed: "+err.Error()).Error())
		return r.wait(ctx, entry)
	}

	if err := r.store.MarkCommandSent(ctx, commandID, time.Now()); err != nil {
		r.log.Error().Err(err).Str("commandId", commandID).Msg("failed to mark command sent")
	}

	return r.wait(ctx, entry)
}

// enqueueOffline persists a mutating command that tolerates offline
// targets (update-host, delete-host) as a durable queued row, without
// sending a frame or creating an inflight entry, and returns the queued
// state directly rather than an Offline error.
func (r *Router) enqueueOffline(ctx context.Context, typ model.CommandType, fqn, nodeID, correlationID, idempotencyKey_ string) Result {
	commandID := uuid.NewString()
	var idemptr *string
	if idempotencyKey_ != "" {
		idemptr = &idempotencyKey_
	}

	row := model.Command{
		ID:             commandID,
		Type:           typ,
		NodeID:         nodeID,
		TargetKey:      fqn,
		State:          model.CommandQueued,
		CorrelationID:  correlationID,
		IdempotencyKey: idemptr,
		QueuedAt:       time.Now(),
	}
	if err := r.store.InsertCommand(ctx, row); err != nil {
		return Result{Err: ccerr.Wrap(ccerr.Internal, "persist command", err)}
	}
	if r.metrics != nil {
		r.metrics.RecordDispatch(typ)
	}

	return Result{CommandID: commandID, CorrelationID: correlationID, State: model.CommandQueued}
}

func (r *Router) attachOrReplay(ctx context.Context, existing *model.Command) Result {
	if existing.State.Terminal() {
		return Result{CommandID: existing.ID, CorrelationID: existing.CorrelationID, Success: existing.State == model.CommandAcknowledged, Outcome: existing.Outcome}
	}

	r.mu.Lock()
	entry, ok := r.inflight[existing.ID]
	r.mu.Unlock()
	if !ok {
		return Result{CommandID: existing.ID, CorrelationID: existing.CorrelationID, Err: ccerr.New(ccerr.Internal, "idempotency hit but no inflight entry")}
	}
	return r.wait(ctx, entry)
}

func (r *Router) wait(ctx context.Context, entry *inflightEntry) Result {
	ch := make(chan Result, 1)
	entry.mu.Lock()
	if entry.done {
		res := Result{CommandID: entry.id, CorrelationID: entry.correlationID, Success: entry.success, Outcome: entry.outcome}
		if entry.errMsg != "" {
			res.Err = ccerr.New(classifyErrMsg(entry.errMsg), entry.errMsg)
		}
		entry.mu.Unlock()
		return res
	}
	entry.waiters = append(entry.waiters, ch)
	entry.mu.Unlock()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return Result{CommandID: entry.id, CorrelationID: entry.correlationID, Err: ccerr.Wrap(ccerr.Internal, "caller context cancelled", ctx.Err())}
	}
}

// resolve completes entry exactly once, notifying every waiter, and is
// safe to call redundantly (e.g. timeout racing a late result).
func (r *Router) resolve(entry *inflightEntry, success bool, outcome json.RawMessage, errMsg string) {
	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return
	}
	entry.done = true
	entry.success = success
	entry.outcome = outcome
	entry.errMsg = errMsg
	waiters := entry.waiters
	entry.waiters = nil
	entry.mu.Unlock()

	entry.cancel()

	r.mu.Lock()
	delete(r.inflight, entry.id)
	if r.hostLock[entry.hostFQN] == entry.id {
		delete(r.hostLock, entry.hostFQN)
	}
	r.mu.Unlock()

	res := Result{CommandID: entry.id, CorrelationID: entry.correlationID, Success: success, Outcome: outcome}
	if errMsg != "" {
		res.Err = ccerr.New(classifyErrMsg(errMsg), errMsg)
	}
	for _, w := range waiters {
		w <- res
	}
}

func classifyErrMsg(msg string) ccerr.Kind {
	switch {
	case containsAny(msg, "timed out", "timeout"):
		return ccerr.Timeout
	case containsAny(msg, "offline", "send failed", "node-disconnected"):
		return ccerr.Offline
	case containsAny(msg, "conflict", "already in progress"):
		return ccerr.Conflict
	default:
		return ccerr.Rejected
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// watchTimeout resolves entry as timed_out once its bounded context
// expires without a result, writing the terminal state to storage.
func (r *Router) watchTimeout(ctx context.Context, entry *inflightEntry) {
	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		return
	}

	errMsg := "timed_out"
	if err := r.store.ResolveCommand(context.Background(), entry.id, model.CommandTimedOut, nil, &errMsg, time.Now()); err != nil {
		r.log.Error().Err(err).Str("commandId", entry.id).Msg("failed to persist command timeout")
	}

	r.resolve(entry, false, nil, "timed out waiting for node response")
	if r.metrics != nil {
		r.metrics.RecordTimedOut(entry.typ, entry.id, entry.correlationID, time.Since(entry.startedAt).Milliseconds())
	}
}

// HandleNodeDisconnected fails every inflight command targeting nodeID
// with node-disconnected.
func (r *Router) HandleNodeDisconnected(nodeID string) {
	r.mu.Lock()
	var affected []*inflightEntry
	for _, e := range r.inflight {
		if e.nodeID == nodeID {
			affected = append(affected, e)
		}
	}
	r.mu.Unlock()

	for _, e := range affected {
		errMsg := "node-disconnected"
		if err := r.store.ResolveCommand(context.Background(), e.id, model.CommandFailed, nil, &errMsg, time.Now()); err != nil {
			r.log.Error().Err(err).Str("commandId", e.id).Msg("failed to persist node-disconnected resolution")
		}
		r.resolve(e, false, nil, "node-disconnected")
		if r.metrics != nil {
			r.metrics.RecordFailed(e.typ, e.id, e.correlationID, time.Since(e.startedAt).Milliseconds())
		}
	}
}

// HandleCommandResult correlates a node's command-result frame with its
// inflight entry.
func (r *Router) HandleCommandResult(ctx context.Context, nodeID string, p protocol.CommandResultPayload) {
	r.mu.Lock()
	entry, ok := r.inflight[p.CommandID]
	r.mu.Unlock()

	if !ok {
		if r.metrics != nil {
			r.metrics.RecordUnknownAttribution(p.CommandID, "")
		}
		r.log.Warn().Str("commandId", p.CommandID).Msg("command-result for unknown/already-resolved command")
		return
	}

	state := model.CommandAcknowledged
	var errPtr *string
	if !p.Success {
		state = model.CommandFailed
		errPtr = &p.Error
	}

	if err := r.store.ResolveCommand(ctx, entry.id, state, p.Payload, errPtr, time.Now()); err != nil {
		r.log.Error().Err(err).Str("commandId", entry.id).Msg("failed to persist command resolution")
	}

	r.resolve(entry, p.Success, p.Payload, derefOr(errPtr, ""))
	if r.metrics != nil {
		latencyMs := time.Since(entry.startedAt).Milliseconds()
		if p.Success {
			r.metrics.RecordAcknowledged(entry.typ, entry.id, entry.correlationID, latencyMs)
		} else {
			r.metrics.RecordFailed(entry.typ, entry.id, entry.correlationID, latencyMs)
		}
	}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// HandlePingResult correlates a node's ping-result frame.
func (r *Router) HandlePingResult(ctx context.Context, nodeID string, p protocol.PingResultPayload) {
	outcome, _ := json.Marshal(p)
	r.mu.Lock()
	entry, ok := r.inflight[p.CommandID]
	r.mu.Unlock()
	if !ok {
		if r.metrics != nil {
			r.metrics.RecordUnknownAttribution(p.CommandID, "")
		}
		return
	}
	if err := r.store.ResolveCommand(ctx, entry.id, model.CommandAcknowledged, outcome, nil, time.Now()); err != nil {
		r.log.Error().Err(err).Str("commandId", entry.id).Msg("failed to persist ping result")
	}
	r.resolve(entry, p.Success, outcome, "")
	if r.metrics != nil {
		r.metrics.RecordAcknowledged(entry.typ, entry.id, entry.correlationID, time.Since(entry.startedAt).Milliseconds())
	}
}

// HostFQNForCommand returns the target host fqn of a still-inflight
// command, for callers that need to act on the host before the result
// is correlated (e.g. persisting a port-scan snapshot against the
// aggregator ahead of HandleHostPortScanResult).
func (r *Router) HostFQNForCommand(commandID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.inflight[commandID]
	if !ok {
		return "", false
	}
	return entry.hostFQN, true
}

// HandleHostPortScanResult correlates a node's scan-host-ports result.
func (r *Router) HandleHostPortScanResult(ctx context.Context, nodeID string, p protocol.HostPortScanResultPayload) {
	outcome, _ := json.Marshal(p.HostPortScan)
	r.mu.Lock()
	entry, ok := r.inflight[p.CommandID]
	r.mu.Unlock()
	if !ok {
		if r.metrics != nil {
			r.metrics.RecordUnknownAttribution(p.CommandID, "")
		}
		return
	}
	if err := r.store.ResolveCommand(ctx, entry.id, model.CommandAcknowledged, outcome, nil, time.Now()); err != nil {
		r.log.Error().Err(err).Str("commandId", entry.id).Msg("failed to persist port-scan result")
	}
	r.resolve(entry, true, outcome, "")
	if r.metrics != nil {
		r.metrics.RecordAcknowledged(entry.typ, entry.id, entry.correlationID, time.Since(entry.startedAt).Milliseconds())
	}
}

// RouteWake implements routeWake.
func (r *Router) RouteWake(ctx context.Context, fqn string, idempotencyKey_, correlationID string, verify bool, wolPort *int) Result {
	res := r.dispatch(ctx, model.CmdWake, fqn, idempotencyKey_, correlationID, func(commandID string) (string, any) {
		host, _ := r.hosts.GetHost(ctx, fqn)
		macAddr := ""
		if host != nil {
			macAddr = mac.Canonical(host.PrimaryMAC)
		}
		return protocol.TypeWake, protocol.WakePayload{CommandID: commandID, HostName: hostNameOf(fqn), MAC: macAddr, WOLPort: wolPort, Verify: verify}
	})

	if verify && res.Err == nil && res.Success {
		go r.runWakeVerification(res.CommandID, fqn, res.CorrelationID)
	}
	return res
}

func hostNameOf(fqn string) string {
	name, _, err := model.ParseFQN(fqn)
	if err != nil {
		return fqn
	}
	return name
}

// RouteSleep implements routeSleep.
func (r *Router) RouteSleep(ctx context.Context, fqn, idempotencyKey_, correlationID string) Result {
	return r.dispatch(ctx, model.CmdSleepHost, fqn, idempotencyKey_, correlationID, func(commandID string) (string, any) {
		return protocol.TypeSleepHost, protocol.FQNCommandPayload{CommandID: commandID, FQN: fqn}
	})
}

// RouteShutdown implements routeShutdown.
func (r *Router) RouteShutdown(ctx context.Context, fqn, idempotencyKey_, correlationID string) Result {
	return r.dispatch(ctx, model.CmdShutdownHost, fqn, idempotencyKey_, correlationID, func(commandID string) (string, any) {
		return protocol.TypeShutdownHost, protocol.FQNCommandPayload{CommandID: commandID, FQN: fqn}
	})
}

// RouteUpdateHost implements routeUpdateHost.
func (r *Router) RouteUpdateHost(ctx context.Context, fqn string, patch map[string]any, idempotencyKey_, correlationID string) Result {
	return r.dispatch(ctx, model.CmdUpdateHost, fqn, idempotencyKey_, correlationID, func(commandID string) (string, any) {
		return protocol.TypeUpdateHost, protocol.UpdateHostPayload{CommandID: commandID, FQN: fqn, Patch: patch}
	})
}

// RouteDeleteHost implements routeDeleteHost.
func (r *Router) RouteDeleteHost(ctx context.Context, fqn, idempotencyKey_, correlationID string) Result {
	return r.dispatch(ctx, model.CmdDeleteHost, fqn, idempotencyKey_, correlationID, func(commandID string) (string, any) {
		return protocol.TypeDeleteHost, protocol.DeleteHostPayload{CommandID: commandID, FQN: fqn}
	})
}

// RoutePingHost implements routePingHost.
func (r *Router) RoutePingHost(ctx context.Context, fqn, correlationID string) Result {
	return r.dispatch(ctx, model.CmdPingHost, fqn, "", correlationID, func(commandID string) (string, any) {
		return protocol.TypePingHost, protocol.FQNCommandPayload{CommandID: commandID, FQN: fqn}
	})
}

// RouteScanHostPorts implements routeScanHostPorts; a mutating-style
// single-flight guard applies even though the command itself does not
// change host fields, since a concurrent second scan would race the node.
func (r *Router) RouteScanHostPorts(ctx context.Context, fqn, correlationID string) Result {
	return r.dispatch(ctx, model.CmdScanHostPorts, fqn, "", correlationID, func(commandID string) (string, any) {
		return protocol.TypeScanHostPorts, protocol.FQNCommandPayload{CommandID: commandID, FQN: fqn}
	})
}

// ScanDispatchResult is the outcome of a fleet-wide scan broadcast.
type ScanDispatchResult struct {
	Dispatched int
	AllOffline bool
}

// RouteScanHosts implements routeScanHosts: broadcast scan to every node
// with a live channel, returning the dispatch count without waiting for
// any single node's snapshot.
func (r *Router) RouteScanHosts(ctx context.Context, nodeIDs []string, correlationID string) (ScanDispatchResult, error) {
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	dispatched := 0
	for _, nodeID := range nodeIDs {
		if !r.sender.Connected(nodeID) {
			continue
		}
		commandID := uuid.NewString()
		msg, err := protocol.NewMessage(protocol.TypeScan, protocol.ScanPayload{CommandID: commandID})
		if err != nil {
			continue
		}
		if err := r.sender.Send(nodeID, msg); err != nil {
			continue
		}
		row := model.Command{ID: commandID, Type: model.CmdScan, NodeID: nodeID, TargetKey: nodeID, State: model.CommandSent, CorrelationID: correlationID, QueuedAt: time.Now()}
		if err := r.store.InsertCommand(ctx, row); err != nil {
			r.log.Error().Err(err).Msg("failed to persist scan command row")
		}
		if r.metrics != nil {
			r.metrics.RecordDispatch(model.CmdScan)
		}
		dispatched++
	}
	if dispatched == 0 {
		return ScanDispatchResult{AllOffline: true}, ccerr.New(ccerr.Offline, "all nodes offline")
	}
	return ScanDispatchResult{Dispatched: dispatched}, nil
}
