package store

import (
	"context"
	"testing"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

func openTest(t *testing.T) Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	notes := "needs a new fan"
	h := model.Host{
		NodeID:        "node-1",
		Name:          "desktop",
		Location:      "home",
		PrimaryMAC:    "AA:BB:CC:DD:EE:FF",
		SecondaryMACs: []string{"AA:BB:CC:DD:EE:00"},
		Status:        model.HostAwake,
		Notes:         &notes,
		Tags:          []string{"gaming", "loud"},
	}
	saved, err := s.UpsertHost(ctx, h)
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	got, err := s.GetHostByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetHostByID: %v", err)
	}
	if got == nil {
		t.Fatal("expected host, got nil")
	}
	if got.Name != "desktop" || *got.Notes != notes || len(got.Tags) != 2 {
		t.Errorf("unexpected round trip: %+v", got)
	}
}

func TestCommandReconcileOnStartup(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	now := time.Now()
	for _, state := range []model.CommandState{model.CommandQueued, model.CommandSent} {
		c := model.Command{
			ID: string(state), Type: model.CmdWake, NodeID: "n1", TargetKey: "desktop@home",
			State: state, CorrelationID: "corr_1", QueuedAt: now,
		}
		if err := s.InsertCommand(ctx, c); err != nil {
			t.Fatalf("InsertCommand: %v", err)
		}
	}

	n, err := s.ReconcileOnStartup(ctx, "reconciled-on-restart", now)
	if err != nil {
		t.Fatalf("ReconcileOnStartup: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows reconciled, got %d", n)
	}

	remaining, err := s.ListNonTerminalCommands(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminalCommands: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no non-terminal commands after reconcile, got %d", len(remaining))
	}
}

func TestMarkNodeHostsUnreachable(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	for _, name := range []string{"a", "b"} {
		_, err := s.UpsertHost(ctx, model.Host{
			NodeID: "n1", Name: name, Location: "home", PrimaryMAC: "AA:BB:CC:DD:EE:0" + name,
			Status: model.HostAwake,
		})
		if err != nil {
			t.Fatalf("UpsertHost: %v", err)
		}
	}

	flipped, err := s.MarkNodeHostsUnreachable(ctx, "n1")
	if err != nil {
		t.Fatalf("MarkNodeHostsUnreachable: %v", err)
	}
	if len(flipped) != 2 {
		t.Errorf("expected 2 flipped hosts, got %d", len(flipped))
	}

	hosts, err := s.ListHosts(ctx, HostFilter{NodeID: "n1"})
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	for _, h := range hosts {
		if h.Status != model.HostAsleep {
			t.Errorf("host %s still %s after markNodeHostsUnreachable", h.Name, h.Status)
		}
	}
}
