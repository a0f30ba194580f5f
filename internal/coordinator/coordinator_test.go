package coordinator

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

type stubVeto struct {
	critical bool
	note     string
}

func (v *stubVeto) CriticalActive(int64) bool { return v.critical }
func (v *stubVeto) ActiveNote(int64) string   { return v.note }

func newTestCoordinator(veto Vetoer) (*Coordinator, *[]types.ConfirmedSignal) {
	spec := types.NewTickSpec(2, 8)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out []types.ConfirmedSignal
	emit := func(s types.ConfirmedSignal) { out = append(out, s) }
	// cooldown 15s, timeout 60s, move 10 ticks, revisit 5 ticks
	c := New(spec, 15_000, 60_000, 10, 5, veto, emit, metrics.New(), logger)
	return c, &out
}

func candidate(id string, side types.Side, price string, zone int64, detectedAt int64, kind types.DetectorKind) types.SignalCandidate {
	return types.SignalCandidate{
		ID:         id,
		Detector:   kind,
		Side:       side,
		Price:      decimal.RequireFromString(price),
		ZoneID:     zone,
		Confidence: 0.7,
		DetectedAt: detectedAt,
	}
}

func trade(price string, ts int64) types.AggressiveTrade {
	return types.AggressiveTrade{
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.NewFromInt(1),
		Timestamp: ts,
	}
}

func TestConfirmAfterMoveAndRevisit(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))

	// Move up 12 ticks (favorable), then revisit to 3 ticks above entry.
	c.OnTrade(trade("100.12", 2_000))
	if len(*out) != 0 {
		t.Fatal("no confirmation before the revisit")
	}
	c.OnTrade(trade("100.03", 3_000))

	if len(*out) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(*out))
	}
	sig := (*out)[0]
	if sig.Side != types.BUY {
		t.Errorf("side = %s, want BUY", sig.Side)
	}
	if !sig.FinalPrice.Equal(decimal.RequireFromString("100.03")) {
		t.Errorf("final price = %s, want 100.03", sig.FinalPrice)
	}
	if sig.ConfirmedAt != 3_000 {
		t.Errorf("confirmedAt = %d, want 3000", sig.ConfirmedAt)
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after confirmation", c.PendingCount())
	}
}

func TestSellSideConfirmation(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	c.Submit(candidate("a", types.SELL, "100.00", 1000, 1_000, types.DetectorExhaustion))

	// Favorable for SELL is downward: drop 11 ticks, revisit to 4 below.
	c.OnTrade(trade("99.89", 2_000))
	c.OnTrade(trade("99.96", 3_000))

	if len(*out) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(*out))
	}
}

// Scenario: no trade ever moves 10 ticks within the timeout — the pending
// entry expires and nothing is emitted.
func TestConfirmationTimeout(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))

	// Drifting but never ±10 ticks.
	c.OnTrade(trade("100.04", 20_000))
	c.OnTrade(trade("99.97", 40_000))
	c.OnTrade(trade("100.02", 61_500)) // past deadline 61_000

	if len(*out) != 0 {
		t.Fatalf("confirmed = %d, want 0 after timeout", len(*out))
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 (expired entry cleaned up)", c.PendingCount())
	}
}

func TestAdverseMoveDiscards(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.OnTrade(trade("99.90", 2_000)) // 10 ticks against a BUY

	if c.PendingCount() != 0 {
		t.Error("adverse move should discard the pending detection")
	}
	// Even a later favorable sequence cannot resurrect it.
	c.OnTrade(trade("100.12", 3_000))
	c.OnTrade(trade("100.02", 4_000))
	if len(*out) != 0 {
		t.Fatalf("confirmed = %d, want 0", len(*out))
	}
}

func TestSweepExpiresPendings(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(nil)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.Sweep(62_000)

	if c.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after sweep", c.PendingCount())
	}
}

// Two detectors firing on the same (zone, side) within the cooldown merge
// into one pending and confirm exactly once.
func TestDeduplicationMergesSources(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.Submit(candidate("b", types.BUY, "100.01", 1000, 1_500, types.DetectorCVD))

	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1 (merged)", c.PendingCount())
	}

	c.OnTrade(trade("100.12", 2_000))
	c.OnTrade(trade("100.03", 3_000))

	if len(*out) != 1 {
		t.Fatalf("confirmed = %d, want exactly 1 for the merged record", len(*out))
	}
	sig := (*out)[0]
	if len(sig.Sources) != 2 {
		t.Errorf("sources = %v, want both contributing detectors", sig.Sources)
	}
}

func TestCooldownRejectsResubmission(t *testing.T) {
	t.Parallel()
	c, out := newTestCoordinator(nil)

	// First detection confirms quickly.
	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.OnTrade(trade("100.12", 2_000))
	c.OnTrade(trade("100.03", 3_000))
	if len(*out) != 1 {
		t.Fatal("setup: first signal should confirm")
	}

	// Resubmission inside the 15 s cooldown: rejected, never pending.
	c.Submit(candidate("b", types.BUY, "100.00", 1000, 9_000, types.DetectorExhaustion))
	if c.PendingCount() != 0 {
		t.Error("cooldown submission should be rejected")
	}

	// After the cooldown a new detection is accepted.
	c.Submit(candidate("c", types.BUY, "100.00", 1000, 17_000, types.DetectorExhaustion))
	if c.PendingCount() != 1 {
		t.Error("post-cooldown submission should be accepted")
	}
}

func TestCriticalAnomalyVeto(t *testing.T) {
	t.Parallel()
	veto := &stubVeto{critical: true}
	c, out := newTestCoordinator(veto)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.OnTrade(trade("100.12", 2_000))
	c.OnTrade(trade("100.03", 3_000))

	if len(*out) != 0 {
		t.Fatalf("confirmed = %d, want 0 under critical anomaly", len(*out))
	}
}

func TestNonCriticalAnomalyAnnotates(t *testing.T) {
	t.Parallel()
	veto := &stubVeto{note: "api_gap:high"}
	c, out := newTestCoordinator(veto)

	c.Submit(candidate("a", types.BUY, "100.00", 1000, 1_000, types.DetectorAbsorption))
	c.OnTrade(trade("100.12", 2_000))
	c.OnTrade(trade("100.03", 3_000))

	if len(*out) != 1 {
		t.Fatal("non-critical anomaly must not veto")
	}
	if (*out)[0].AnomalyNote != "api_gap:high" {
		t.Errorf("note = %q, want api_gap:high", (*out)[0].AnomalyNote)
	}
}
