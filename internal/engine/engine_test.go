package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow-engine/internal/config"
	"orderflow-engine/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Symbol:                "BTCUSDT",
		PricePrecision:        2,
		QuantityPrecision:     8,
		WindowMs:              90_000,
		EventCooldownMs:       15_000,
		ConfirmationTimeoutMs: 60_000,
		MinInitialMoveTicks:   10,
		MaxRevisitTicks:       5,
		CleanupIntervalMs:     30_000,
		Exchange: config.ExchangeConfig{
			RESTBaseURL:       "http://127.0.0.1:0",
			WSBaseURL:         "ws://127.0.0.1:0",
			SnapshotDepth:     100,
			SnapshotTimeout:   time.Second,
			MaxResyncAttempts: 2,
		},
		Book: config.BookConfig{MaxLevels: 100, PruneIntervalMs: 30_000, MaxErrorRate: 0.5},
		Flow: config.FlowConfig{
			BandTicks:               5,
			EnableStandardizedZones: true,
			StandardZones: config.StandardZoneConfig{
				BaseTicks:       10,
				ZoneMultipliers: []int64{1, 2, 4},
				TimeWindowsMs:   []int64{45_000, 90_000, 180_000},
			},
			ZoneCacheSize:     64,
			MaxZoneCacheAgeMs: 300_000,
			TradeBufferSize:   256,
		},
		Anomaly: config.AnomalyConfig{WindowSize: 60, NormalSpread: 0.01, AnomalyCooldownMs: 30_000},
		CVD: config.CVDConfig{
			WindowsSec:              []int{60},
			DetectionMode:           "hybrid",
			MinZ:                    2,
			FinalConfidenceRequired: 0.6,
		},
		Accumulation: config.ZoneDetectorConfig{MaxCandidates: 3, DominanceRatio: 0.55, StrongZoneThreshold: 0.8, WeakZoneThreshold: 0.3},
		Distribution: config.ZoneDetectorConfig{MaxCandidates: 3, DominanceRatio: 0.55, StrongZoneThreshold: 0.8, WeakZoneThreshold: 0.3},
		Store:        config.StoreConfig{Path: filepath.Join(t.TempDir(), "signals.db"), QueueSize: 16},
		Metrics:      config.MetricsConfig{Enabled: false},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(testConfig(t), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.store.Close() })
	return e
}

func TestSignalFanOut(t *testing.T) {
	e := newTestEngine(t)

	ch1 := e.SubscribeSignals()
	ch2 := e.SubscribeSignals()

	sig := types.ConfirmedSignal{
		SignalCandidate: types.SignalCandidate{
			ID:       "sig-1",
			Detector: types.DetectorAbsorption,
			Side:     types.BUY,
			Price:    decimal.RequireFromString("50000.00"),
		},
		ConfirmedAt: 1_000,
		FinalPrice:  decimal.RequireFromString("50000.05"),
	}
	e.publishSignal(sig)

	for i, ch := range []<-chan types.ConfirmedSignal{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != "sig-1" {
				t.Errorf("subscriber %d got id %q, want sig-1", i, got.ID)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestAnomalyFanOut(t *testing.T) {
	e := newTestEngine(t)

	ch := e.SubscribeAnomalies()
	e.publishAnomaly(types.Anomaly{Kind: types.AnomalyFlashMove, Severity: types.SeverityCritical})

	select {
	case got := <-ch:
		if got.Kind != types.AnomalyFlashMove {
			t.Errorf("kind = %s, want flash_move", got.Kind)
		}
	default:
		t.Error("anomaly subscriber received nothing")
	}
}

// Replay applies only the diffs past the snapshot, sorted by id, and
// reports a gap by failing.
func TestReplayAfterSnapshot(t *testing.T) {
	e := newTestEngine(t)

	e.book.InitializeFromSnapshot(types.DepthSnapshot{LastUpdateID: 100})

	lvl := func(price, qty string) []types.PriceLevel {
		return []types.PriceLevel{{
			Price: decimal.RequireFromString(price),
			Qty:   decimal.RequireFromString(qty),
		}}
	}
	// Out of order on purpose; 90–95 is stale and must be skipped.
	buffered := []types.DiffDepth{
		{FirstUpdateID: 103, FinalUpdateID: 104, Bids: lvl("50.01", "2")},
		{FirstUpdateID: 90, FinalUpdateID: 95, Bids: lvl("49.00", "9")},
		{FirstUpdateID: 98, FinalUpdateID: 102, Bids: lvl("50.00", "1")},
	}

	if !e.replay(buffered, 100) {
		t.Fatal("replay should succeed on a contiguous buffer")
	}
	if bid, ok := e.book.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("50.01")) {
		t.Errorf("best bid = %s,%v, want 50.01,true", bid, ok)
	}
	if _, ok := e.book.GetLevel(decimal.RequireFromString("49.00")); ok {
		t.Error("stale diff must not be applied")
	}
}

func TestReplayReportsGap(t *testing.T) {
	e := newTestEngine(t)
	e.book.InitializeFromSnapshot(types.DepthSnapshot{LastUpdateID: 100})

	buffered := []types.DiffDepth{
		{FirstUpdateID: 110, FinalUpdateID: 111}, // gap: 101..109 missing
	}
	if e.replay(buffered, 100) {
		t.Error("replay across a gap must fail and force another resync")
	}
}
