package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/store"
)

func newTest(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(zerolog.Nop(), s, time.Hour, 30), s
}

func TestReconcileInsertThenNoDuplicateOnRepeat(t *testing.T) {
	ctx := context.Background()
	a, s := newTest(t)

	d := Discovered{NodeID: "n1", Location: "home", Name: "desktop", MAC: "aa:bb:cc:dd:ee:ff", Status: model.HostAwake}
	first, err := a.Reconcile(ctx, d)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	second, err := a.Reconcile(ctx, d)
	if err != nil {
		t.Fatalf("Reconcile (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same row id on repeat discovery, got %s vs %s", first.ID, second.ID)
	}

	hosts, err := s.ListHosts(ctx, store.HostFilter{NodeID: "n1"})
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Errorf("expected exactly 1 host row, got %d", len(hosts))
	}
}

func TestReconcileRenameCollapsesStaleRow(t *testing.T) {
	ctx := context.Background()
	a, s := newTest(t)

	// "nas" first appears under one MAC.
	if _, err := a.Reconcile(ctx, Discovered{NodeID: "n1", Location: "home", Name: "nas", MAC: "aa:bb:cc:dd:ee:01", Status: model.HostAwake}); err != nil {
		t.Fatalf("Reconcile nas: %v", err)
	}
	// A stale row also exists under the new name from a previous rename race.
	if _, err := s.UpsertHost(ctx, model.Host{NodeID: "n1", Name: "nas-new", Location: "home", PrimaryMAC: "AA:BB:CC:DD:EE:01", Status: model.HostAsleep}); err != nil {
		t.Fatalf("seed stale row: %v", err)
	}

	// Node reports the host under its new name with the same MAC.
	if _, err := a.Reconcile(ctx, Discovered{NodeID: "n1", Location: "home", Name: "nas-new", MAC: "aa:bb:cc:dd:ee:01", Status: model.HostAwake}); err != nil {
		t.Fatalf("Reconcile rename: %v", err)
	}

	hosts, err := s.ListHosts(ctx, store.HostFilter{NodeID: "n1"})
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Errorf("expected stale duplicate to be collapsed, got %d rows: %+v", len(hosts), hosts)
	}
}

func TestReconcileStatusTransitionRecordsHistory(t *testing.T) {
	ctx := context.Background()
	a, s := newTest(t)

	base := Discovered{NodeID: "n1", Location: "home", Name: "desktop", MAC: "aa:bb:cc:dd:ee:ff", Status: model.HostAwake}
	host, err := a.Reconcile(ctx, base)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	base.Status = model.HostAsleep
	if _, err := a.Reconcile(ctx, base); err != nil {
		t.Fatalf("Reconcile (asleep): %v", err)
	}

	hist, err := s.ListHostStatusHistory(ctx, host.FQN(), time.Time{})
	if err != nil {
		t.Fatalf("ListHostStatusHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected exactly 1 history row for the single transition, got %d", len(hist))
	}
	if hist[0].OldStatus != model.HostAwake || hist[0].NewStatus != model.HostAsleep {
		t.Errorf("unexpected history entry: %+v", hist[0])
	}
}

func TestUptimeFindsHistoryWrittenDuringReconcile(t *testing.T) {
	ctx := context.Background()
	a, _ := newTest(t)

	base := Discovered{NodeID: "n1", Location: "home", Name: "desktop", MAC: "aa:bb:cc:dd:ee:ff", Status: model.HostAwake}
	host, err := a.Reconcile(ctx, base)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	base.Status = model.HostAsleep
	if _, err := a.Reconcile(ctx, base); err != nil {
		t.Fatalf("Reconcile (asleep): %v", err)
	}

	// A REST client only ever sees the bare name@location form (GetHost,
	// routeWake, the stream broker's "fqn" field) — Uptime must resolve
	// history written under that same key, not a nodeId-suffixed one.
	restFQN := model.FQN(host.Name, host.Location, "")
	summary, err := a.Uptime(ctx, restFQN, time.Hour)
	if err != nil {
		t.Fatalf("Uptime(%q): %v", restFQN, err)
	}
	if summary.Transitions != 1 {
		t.Errorf("Transitions = %d, want 1", summary.Transitions)
	}
	if summary.CurrentStatus != model.HostAsleep {
		t.Errorf("CurrentStatus = %q, want asleep", summary.CurrentStatus)
	}
}

func TestMarkNodeHostsUnreachableEmitsOnlyWhenFlipped(t *testing.T) {
	ctx := context.Background()
	a, _ := newTest(t)

	var events []Event
	a.Subscribe(WatcherFunc(func(e Event) { events = append(events, e) }))

	// No hosts yet: should not emit.
	if err := a.MarkNodeHostsUnreachable(ctx, "n1"); err != nil {
		t.Fatalf("MarkNodeHostsUnreachable: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events with zero hosts, got %d", len(events))
	}

	if _, err := a.Reconcile(ctx, Discovered{NodeID: "n1", Location: "home", Name: "desktop", MAC: "aa:bb:cc:dd:ee:ff", Status: model.HostAwake}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	events = nil

	if err := a.MarkNodeHostsUnreachable(ctx, "n1"); err != nil {
		t.Fatalf("MarkNodeHostsUnreachable: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventNodeHostsUnreachable {
		t.Errorf("expected exactly one node-hosts-unreachable event, got %+v", events)
	}
}
