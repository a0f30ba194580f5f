package anomaly

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

func newTestMonitor(emit Emitter) *Monitor {
	cfg := config.AnomalyConfig{
		WindowSize:        120,
		NormalSpread:      0.01,
		AnomalyCooldownMs: 30_000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, emit, metrics.New(), logger)
}

func tr(price string, ts int64) types.AggressiveTrade {
	return types.AggressiveTrade{
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.NewFromInt(1),
		Timestamp: ts,
	}
}

// warmup feeds n stable prints 1 s apart starting at ts, returning the next
// timestamp.
func warmup(m *Monitor, n int, ts int64) int64 {
	prices := []string{"100.00", "100.01", "99.99", "100.02", "99.98"}
	for i := 0; i < n; i++ {
		m.OnTrade(tr(prices[i%len(prices)], ts))
		ts += 1_000
	}
	return ts
}

func TestFlashMoveFlagged(t *testing.T) {
	t.Parallel()
	var got []types.Anomaly
	m := newTestMonitor(func(a types.Anomaly) { got = append(got, a) })

	ts := warmup(m, 60, 1_000)
	m.OnTrade(tr("108.00", ts)) // ~8 dollars against ~1 cent dispersion

	var flash *types.Anomaly
	for i := range got {
		if got[i].Kind == types.AnomalyFlashMove {
			flash = &got[i]
		}
	}
	if flash == nil {
		t.Fatal("expected a flash_move anomaly")
	}
	if flash.Severity != types.SeverityCritical {
		t.Errorf("severity = %s, want critical for a massive z-score", flash.Severity)
	}
	if !m.CriticalActive(ts + 1_000) {
		t.Error("critical anomaly should be active for the veto")
	}
}

func TestLiquidityVoid(t *testing.T) {
	t.Parallel()
	var got []types.Anomaly
	m := newTestMonitor(func(a types.Anomaly) { got = append(got, a) })

	// normal spread 0.01; 0.15 is > 10×, 0.60 is > 50×
	m.OnQuote(decimal.RequireFromString("0.15"), decimal.RequireFromString("100.00"), 1_000)
	if len(got) == 0 || got[0].Kind != types.AnomalyLiquidityVoid {
		t.Fatalf("expected a liquidity_void anomaly, got %v", got)
	}
	if got[0].Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want high at 15× normal", got[0].Severity)
	}

	// Critical escalation bypasses the cooldown.
	m.OnQuote(decimal.RequireFromString("0.60"), decimal.RequireFromString("100.00"), 2_000)
	last := got[len(got)-1]
	if last.Kind != types.AnomalyLiquidityVoid || last.Severity != types.SeverityCritical {
		t.Errorf("expected escalated critical liquidity_void, got %+v", last)
	}
}

func TestAPIGap(t *testing.T) {
	t.Parallel()
	var got []types.Anomaly
	m := newTestMonitor(func(a types.Anomaly) { got = append(got, a) })

	m.OnTrade(tr("100.00", 1_000))
	m.OnTrade(tr("100.00", 42_000)) // 41 s of silence

	var gap *types.Anomaly
	for i := range got {
		if got[i].Kind == types.AnomalyAPIGap {
			gap = &got[i]
		}
	}
	if gap == nil {
		t.Fatal("expected an api_gap anomaly")
	}
	if gap.Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want high for > 30 s", gap.Severity)
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	t.Parallel()
	var got []types.Anomaly
	m := newTestMonitor(func(a types.Anomaly) { got = append(got, a) })

	m.OnQuote(decimal.RequireFromString("0.15"), decimal.RequireFromString("100.00"), 1_000)
	m.OnQuote(decimal.RequireFromString("0.16"), decimal.RequireFromString("100.00"), 2_000)
	m.OnQuote(decimal.RequireFromString("0.15"), decimal.RequireFromString("100.00"), 3_000)

	voids := 0
	for _, a := range got {
		if a.Kind == types.AnomalyLiquidityVoid {
			voids++
		}
	}
	if voids != 1 {
		t.Errorf("liquidity_void emissions = %d, want 1 inside cooldown", voids)
	}

	// After the cooldown it may fire again.
	m.OnQuote(decimal.RequireFromString("0.15"), decimal.RequireFromString("100.00"), 32_000)
	voids = 0
	for _, a := range got {
		if a.Kind == types.AnomalyLiquidityVoid {
			voids++
		}
	}
	if voids != 2 {
		t.Errorf("liquidity_void emissions = %d, want 2 after cooldown", voids)
	}
}

func TestActiveNoteReportsNonCritical(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(nil)

	m.OnQuote(decimal.RequireFromString("0.15"), decimal.RequireFromString("100.00"), 1_000)

	if m.CriticalActive(2_000) {
		t.Error("a high-severity anomaly must not trigger the critical veto")
	}
	if note := m.ActiveNote(2_000); note != "liquidity_void:high" {
		t.Errorf("note = %q, want liquidity_void:high", note)
	}
	// Expired anomalies produce no note.
	if note := m.ActiveNote(1_000 + 31_000); note != "" {
		t.Errorf("note after expiry = %q, want empty", note)
	}
}

func TestBookImbalance(t *testing.T) {
	t.Parallel()
	var got []types.Anomaly
	m := newTestMonitor(func(a types.Anomaly) { got = append(got, a) })

	// spread/mid = 2% but below the 10× void multiple? 0.08 > 0.1? No:
	// spread 0.08 < 0.1 void floor, but 0.08/4.00 = 2% > 1% imbalance.
	m.OnQuote(decimal.RequireFromString("0.08"), decimal.RequireFromString("4.00"), 1_000)

	found := false
	for _, a := range got {
		if a.Kind == types.AnomalyBookImbalance {
			found = true
		}
	}
	if !found {
		t.Error("expected an orderbook_imbalance anomaly")
	}
}
