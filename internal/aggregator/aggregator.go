// Package aggregator maintains the canonical, MAC-reconciled host table
// and the event bus that the stream broker and webhook dispatcher listen
// on.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/mac"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/store"
)

// DefaultPortScanCacheTTL is the default freshness window for a host's open-port
// snapshot.
const DefaultPortScanCacheTTL = 4 * time.Hour

// Aggregator is the authoritative owner of host rows in storage; all
// other components receive value snapshots.
type Aggregator struct {
	log            zerolog.Logger
	store          store.Store
	portScanTTL    time.Duration
	retentionDays  int

	mu       sync.RWMutex
	watchers []Watcher
}

// New creates an Aggregator over store s.
func New(log zerolog.Logger, s store.Store, portScanTTL time.Duration, retentionDays int) *Aggregator {
	if portScanTTL <= 0 {
		portScanTTL = DefaultPortScanCacheTTL
	}
	return &Aggregator{
		log:           log.With().Str("component", "aggregator").Logger(),
		store:         s,
		portScanTTL:   portScanTTL,
		retentionDays: retentionDays,
	}
}

// Subscribe registers a watcher for aggregator events. Aggregators have a
// small, fixed subscriber set (stream broker, webhook dispatcher); this is
// not meant for dynamic high-churn subscription.
func (a *Aggregator) Subscribe(w Watcher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers = append(a.watchers, w)
}

func (a *Aggregator) emit(e Event) {
	a.mu.RLock()
	watchers := make([]Watcher, len(a.watchers))
	copy(watchers, a.watchers)
	a.mu.RUnlock()

	for _, w := range watchers {
		w.OnAggregatorEvent(e)
	}
}

// Discovered is the set of reported fields for a host-discovered /
// host-updated event, already MAC-canonicalized by the caller's
// transport layer decode step; Reconcile re-canonicalizes defensively.
type Discovered struct {
	NodeID        string
	Location      string
	Name          string
	MAC           string
	SecondaryMACs []string
	IP            string
	Status        model.HostStatus
	Discovered    bool
	PingResponsive model.PingResponsive
	Notes         *string
	Tags          []string
	PowerControl  *model.PowerControl
}

// Reconcile implements the host-discovered/host-updated algorithm:
// canonicalize the MAC, find the existing row by MAC then by name,
// collapse stale duplicates, and emit host-added/host-updated plus a
// status-transition event when the status actually flipped.
func (a *Aggregator) Reconcile(ctx context.Context, d Discovered) (model.Host, error) {
	primary := mac.Canonical(d.MAC)
	secondary := make([]string, 0, len(d.SecondaryMACs))
	for _, m := range d.SecondaryMACs {
		c := mac.Canonical(m)
		if c != primary {
			secondary = append(secondary, c)
		}
	}
	allMACs := append([]string{primary}, secondary...)

	existing, err := a.store.GetHostByNodeAndMAC(ctx, d.NodeID, allMACs)
	if err != nil {
		return model.Host{}, fmt.Errorf("lookup by mac: %w", err)
	}

	if existing == nil {
		existing, err = a.store.GetHostByNodeAndName(ctx, d.NodeID, d.Name)
		if err != nil {
			return model.Host{}, fmt.Errorf("lookup by name: %w", err)
		}
	}

	candidate := model.Host{
		NodeID:         d.NodeID,
		Name:           d.Name,
		Location:       d.Location,
		PrimaryMAC:     primary,
		SecondaryMACs:  secondary,
		IP:             d.IP,
		Status:         d.Status,
		LastSeen:       time.Now(),
		Discovered:     d.Discovered,
		PingResponsive: d.PingResponsive,
		Notes:          d.Notes,
		Tags:           d.Tags,
		PowerControl:   d.PowerControl,
	}

	if existing == nil {
		saved, err := a.store.UpsertHost(ctx, candidate)
		if err != nil {
			return model.Host{}, fmt.Errorf("insert host: %w", err)
		}
		a.log.Info().Str("node", d.NodeID).Str("name", d.Name).Str("mac", primary).Msg("host added")
		a.emit(Event{Type: EventHostAdded, Host: &saved})
		return saved, nil
	}

	// Rename + collapse: if another row on (nodeId, candidate.Name) exists
	// and shares a MAC with this row, it's a stale duplicate left behind
	// by the rename — delete it.
	if existing.Name != candidate.Name {
		if stale, err := a.store.GetHostByNodeAndName(ctx, d.NodeID, candidate.Name); err == nil &&
			stale != nil && stale.ID != existing.ID && sharesMAC(*stale, primary, secondary) {
			if err := a.store.DeleteHost(ctx, stale.ID); err != nil {
				a.log.Warn().Err(err).Str("id", stale.ID).Msg("failed to collapse stale duplicate host row")
			}
		}
	}

	candidate.ID = existing.ID
	meaningful := meaningfulChange(*existing, candidate)
	statusFlipped := existing.Status != candidate.Status &&
		(existing.Status == model.HostAwake || existing.Status == model.HostAsleep) &&
		(candidate.Status == model.HostAwake || candidate.Status == model.HostAsleep)

	saved, err := a.store.UpsertHost(ctx, candidate)
	if err != nil {
		return model.Host{}, fmt.Errorf("update host: %w", err)
	}

	if meaningful {
		a.emit(Event{Type: EventHostUpdated, Host: &saved})
	}
	if statusFlipped {
		hist := model.HostStatusHistory{
			HostFQN:   saved.FQN(),
			OldStatus: existing.Status,
			NewStatus: saved.Status,
			ChangedAt: time.Now(),
		}
		if err := a.store.AppendHostStatusHistory(ctx, hist); err != nil {
			a.log.Error().Err(err).Msg("failed to write host status history")
		}
		a.emit(Event{Type: EventHostStatusTransition, Host: &saved, HostFQN: hist.HostFQN, StatusFrom: hist.OldStatus, StatusTo: hist.NewStatus})
	}

	return saved, nil
}

func sharesMAC(h model.Host, primary string, secondary []string) bool {
	want := map[string]bool{primary: true}
	for _, m := range secondary {
		want[m] = true
	}
	if want[h.PrimaryMAC] {
		return true
	}
	for _, m := range h.SecondaryMACs {
		if want[m] {
			return true
		}
	}
	return false
}

// meaningfulChange reports whether any of name, primary MAC, secondary
// MAC set, IP, status, discovered, ping-responsive, notes, power-control,
// location, or tags differs.
func meaningfulChange(old, new model.Host) bool {
	if old.Name != new.Name || old.PrimaryMAC != new.PrimaryMAC || old.IP != new.IP ||
		old.Status != new.Status || old.Discovered != new.Discovered ||
		old.PingResponsive != new.PingResponsive || old.Location != new.Location {
		return true
	}
	if !stringPtrEqual(old.Notes, new.Notes) {
		return true
	}
	if !jsonEqual(old.SecondaryMACs, new.SecondaryMACs) {
		return true
	}
	if !jsonEqual(old.Tags, new.Tags) {
		return true
	}
	if !jsonEqual(old.PowerControl, new.PowerControl) {
		return true
	}
	return false
}

func stringPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func jsonEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// Remove implements host-removed{nodeId, name}: deletes the named host
// and any other row on the same node sharing its former MAC.
func (a *Aggregator) Remove(ctx context.Context, nodeID, name string) error {
	host, err := a.store.GetHostByNodeAndName(ctx, nodeID, name)
	if err != nil {
		return err
	}

	macs, err := a.store.DeleteHostByName(ctx, nodeID, name)
	if err != nil {
		return err
	}
	for _, m := range macs {
		dup, err := a.store.GetHostByNodeAndMAC(ctx, nodeID, []string{m})
		if err == nil && dup != nil {
			_ = a.store.DeleteHost(ctx, dup.ID)
		}
	}

	a.log.Info().Str("node", nodeID).Str("name", name).Msg("host removed")
	a.emit(Event{Type: EventHostRemoved, Host: host, NodeID: nodeID, HostFQN: name})
	return nil
}

// MarkNodeHostsUnreachable flips every awake host of nodeID to asleep and
// emits node-hosts-unreachable only when at least one host flipped.
func (a *Aggregator) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) error {
	flipped, err := a.store.MarkNodeHostsUnreachable(ctx, nodeID)
	if err != nil {
		return err
	}
	if len(flipped) == 0 {
		return nil
	}

	now := time.Now()
	for _, h := range flipped {
		hist := model.HostStatusHistory{
			HostFQN:   h.FQN(),
			OldStatus: model.HostAwake,
			NewStatus: model.HostAsleep,
			ChangedAt: now,
		}
		if err := a.store.AppendHostStatusHistory(ctx, hist); err != nil {
			a.log.Error().Err(err).Msg("failed to write unreachable history entry")
		}
	}

	a.emit(Event{Type: EventNodeHostsUnreachable, NodeID: nodeID, UnreachableCount: len(flipped)})
	return nil
}

// SaveHostPortScanSnapshot validates and persists a port-scan result,
// setting expireAt = scannedAt + portScanCacheTtl.
func (a *Aggregator) SaveHostPortScanSnapshot(ctx context.Context, fqn string, ports []model.OpenPort, scannedAt time.Time) error {
	for _, p := range ports {
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("invalid port %d", p.Port)
		}
		if p.Protocol == "" {
			p.Protocol = "tcp"
		}
		if p.Service == "" {
			return fmt.Errorf("port %d missing service name", p.Port)
		}
	}
	expireAt := scannedAt.Add(a.portScanTTL)
	return a.store.SaveHostPortScanSnapshot(ctx, fqn, ports, scannedAt, expireAt)
}

// GetHost returns a host by fqn, with its open-port snapshot cleared if
// expired.
func (a *Aggregator) GetHost(ctx context.Context, fqn string) (*model.Host, error) {
	h, err := a.store.GetHostByFQN(ctx, fqn)
	if err != nil || h == nil {
		return h, err
	}
	if h.ExpireAt != nil && !h.PortsVisible(time.Now()) {
		h.OpenPorts = nil
		h.ScannedAt = nil
	}
	return h, nil
}

// ListHosts returns hosts matching filter.
func (a *Aggregator) ListHosts(ctx context.Context, filter store.HostFilter) ([]model.Host, error) {
	return a.store.ListHosts(ctx, filter)
}

// Stats returns the derived host-count summary.
func (a *Aggregator) Stats(ctx context.Context) (store.Stats, error) {
	return a.store.Stats(ctx)
}

// UptimeSummary replays status history in [now-period, now] to compute
// the percentage of time a host spent awake, bounded before the window
// by one prior transition to establish the opening status.
type UptimeSummary struct {
	Percentage    float64
	Transitions   int
	CurrentStatus model.HostStatus
}

// Uptime computes UptimeSummary for hostFQN over the trailing period.
func (a *Aggregator) Uptime(ctx context.Context, hostFQN string, period time.Duration) (UptimeSummary, error) {
	now := time.Now()
	windowStart := now.Add(-period)

	entries, err := a.store.ListHostStatusHistory(ctx, hostFQN, windowStart.Add(-365*24*time.Hour))
	if err != nil {
		return UptimeSummary{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChangedAt.Before(entries[j].ChangedAt) })

	host, err := a.store.GetHostByFQN(ctx, hostFQN)
	if err != nil {
		return UptimeSummary{}, err
	}
	if host == nil {
		return UptimeSummary{}, fmt.Errorf("host %q not found", hostFQN)
	}

	// Determine opening status at windowStart: the status just before the
	// first in-window transition, or the host's current status if no
	// transitions precede the window at all.
	openingStatus := host.Status
	inWindow := entries[:0:0]
	for _, e := range entries {
		if e.ChangedAt.Before(windowStart) {
			openingStatus = e.NewStatus
			continue
		}
		inWindow = append(inWindow, e)
	}

	awakeDuration := time.Duration(0)
	cursor := windowStart
	status := openingStatus
	for _, e := range inWindow {
		if status == model.HostAwake {
			awakeDuration += e.ChangedAt.Sub(cursor)
		}
		cursor = e.ChangedAt
		status = e.NewStatus
	}
	if status == model.HostAwake {
		awakeDuration += now.Sub(cursor)
	}

	total := now.Sub(windowStart)
	pct := 0.0
	if total > 0 {
		pct = roundTo2(float64(awakeDuration) / float64(total) * 100)
	}

	return UptimeSummary{
		Percentage:    pct,
		Transitions:   len(inWindow),
		CurrentStatus: host.Status,
	}, nil
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// PruneHistory deletes status-history rows older than the configured
// retention horizon.
func (a *Aggregator) PruneHistory(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	return a.store.PruneHostStatusHistory(ctx, cutoff)
}

// ParsePeriod parses an uptime window of the form `\d+[dhm]` (days,
// hours, minutes) — "7d", "24h", "30m" — into a time.Duration.
func ParsePeriod(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid period unit in %q", s)
	}
}
