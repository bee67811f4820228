package metrics

import (
	"testing"

	"github.com/wolyhq/cnc/internal/model"
)

func TestDispatchedEqualsSumAtSnapshot(t *testing.T) {
	r := New()
	r.RecordDispatch(model.CmdWake)
	r.RecordDispatch(model.CmdWake)
	r.RecordDispatch(model.CmdWake)
	r.RecordAcknowledged(model.CmdWake, "c1", "corr1", 10)
	r.RecordFailed(model.CmdWake, "c2", "corr2", 5)

	snap := r.Snapshot().Commands[model.CmdWake]
	if snap.Dispatched != snap.Acknowledged+snap.Failed+snap.TimedOut+snap.Active {
		t.Errorf("invariant broken: dispatched=%d ack=%d failed=%d timedOut=%d active=%d",
			snap.Dispatched, snap.Acknowledged, snap.Failed, snap.TimedOut, snap.Active)
	}
	if snap.Active != 1 {
		t.Errorf("expected 1 active command, got %d", snap.Active)
	}
}

func TestRingBounded(t *testing.T) {
	r := New()
	for i := 0; i < ringCap+50; i++ {
		r.RecordAcknowledged(model.CmdWake, "c", "corr", 1)
	}
	snap := r.Snapshot()
	if len(snap.RecentResolved) != ringCap {
		t.Errorf("ring length = %d, want %d", len(snap.RecentResolved), ringCap)
	}
}

func TestUnknownAttributionRecorded(t *testing.T) {
	r := New()
	r.RecordUnknownAttribution("ghost", "corr-x")
	snap := r.Snapshot()
	if snap.UnknownAttribution != 1 {
		t.Errorf("unknownAttribution = %d, want 1", snap.UnknownAttribution)
	}
}
