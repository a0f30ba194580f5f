// Package engine is the central orchestrator of the order-flow pipeline.
//
// It wires together all subsystems:
//
//  1. The exchange feed delivers aggregate trades and diff-depth events.
//  2. A single pipeline goroutine applies depth to the book, enriches
//     trades, and drives detectors, anomaly monitor, and coordinator in
//     arrival order — the cooperative event-loop model: no interleaving,
//     no locks contended on the hot path.
//  3. The coordinator's confirmed signals and the monitor's anomalies fan
//     out to subscriber channels and the persistence queue.
//  4. On an update-id gap the pipeline pauses, buffers diffs, re-fetches a
//     snapshot, and replays — the depth synchronization protocol.
//
// Lifecycle: New() → Start() → [runs until signal] → Stop().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow-engine/internal/anomaly"
	"orderflow-engine/internal/book"
	"orderflow-engine/internal/config"
	"orderflow-engine/internal/coordinator"
	"orderflow-engine/internal/detector"
	"orderflow-engine/internal/exchange"
	"orderflow-engine/internal/flow"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/store"
	"orderflow-engine/pkg/types"
)

// ErrResyncExhausted is returned when the depth stream cannot be
// resynchronized within the configured attempt budget.
var ErrResyncExhausted = errors.New("engine: resync attempts exhausted")

const (
	subscriberBuffer = 256
	resyncBufferMax  = 4096
)

// Engine owns every component and goroutine of one trading pair's pipeline.
type Engine struct {
	cfg    config.Config
	spec   types.TickSpec
	logger *slog.Logger
	mtr    *metrics.Metrics

	client *exchange.Client
	feed   *exchange.Feed
	book   *book.Book
	pre    *flow.Preprocessor
	dets   []detector.Detector
	coord  *coordinator.Coordinator
	mon    *anomaly.Monitor
	store  *store.Store

	// fan-out subscribers, non-blocking sends
	sigSubsMu sync.RWMutex
	sigSubs   []chan types.ConfirmedSignal
	anoSubsMu sync.RWMutex
	anoSubs   []chan types.Anomaly

	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	spec := types.NewTickSpec(cfg.PricePrecision, cfg.QuantityPrecision)
	mtr := metrics.New()

	e := &Engine{
		cfg:    cfg,
		spec:   spec,
		logger: logger.With("component", "engine"),
		mtr:    mtr,
	}

	e.client = exchange.NewClient(cfg.Exchange, cfg.Symbol)
	e.feed = exchange.NewFeed(cfg.Exchange.WSBaseURL, cfg.Symbol, mtr, logger)
	e.book = book.New(spec, cfg.Book, types.NowMs, logger)
	e.mon = anomaly.New(cfg.Anomaly, e.publishAnomaly, mtr, logger)
	e.coord = coordinator.New(
		spec,
		cfg.EventCooldownMs,
		cfg.ConfirmationTimeoutMs,
		cfg.MinInitialMoveTicks,
		cfg.MaxRevisitTicks,
		e.mon,
		e.publishSignal,
		mtr,
		logger,
	)

	zoneTicks := cfg.Flow.StandardZones.BaseTicks
	if zoneTicks <= 0 {
		zoneTicks = cfg.Flow.BandTicks
	}
	e.dets = []detector.Detector{
		detector.NewAbsorption(cfg.Absorption, spec, zoneTicks, cfg.WindowMs, cfg.EventCooldownMs, e.coord, mtr, logger),
		detector.NewExhaustion(cfg.Exhaustion, spec, zoneTicks, cfg.WindowMs, cfg.EventCooldownMs, e.coord, mtr, logger),
		detector.NewAccumulation(cfg.Accumulation, spec, zoneTicks, cfg.WindowMs, cfg.EventCooldownMs, e.coord, mtr, logger),
		detector.NewDistribution(cfg.Distribution, spec, zoneTicks, cfg.WindowMs, cfg.EventCooldownMs, e.coord, mtr, logger),
		detector.NewCVD(cfg.CVD, spec, zoneTicks, cfg.EventCooldownMs, e.coord, mtr, logger),
	}

	e.pre = flow.New(spec, cfg.Flow, cfg.Symbol, e.book, e.onEnriched, mtr, logger)

	st, err := store.Open(cfg.Store.Path, cfg.Store.QueueSize, mtr, logger)
	if err != nil {
		return nil, err
	}
	e.store = st

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancel = cancel
	e.group, e.ctx = errgroup.WithContext(ctx)
	return e, nil
}

// Start launches the feed, the pipeline loop, the store writer, and the
// metrics endpoint.
func (e *Engine) Start() error {
	e.group.Go(func() error {
		err := e.feed.Run(e.ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	e.group.Go(func() error {
		return e.runPipeline(e.ctx)
	})

	e.group.Go(func() error {
		e.store.Run(e.ctx)
		return nil
	})

	if e.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", e.mtr.Handler())
		e.httpSrv = &http.Server{Addr: e.cfg.Metrics.ListenAddr, Handler: mux}
		e.group.Go(func() error {
			if err := e.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	e.logger.Info("engine started",
		"symbol", e.cfg.Symbol,
		"price_precision", e.cfg.PricePrecision,
		"detectors", len(e.dets),
	)
	return nil
}

// Wait blocks until the pipeline stops and returns its terminal error.
func (e *Engine) Wait() error {
	return e.group.Wait()
}

// Stop shuts the engine down: cancels every stage, waits for the drain, and
// closes resources. Pending confirmations past deadline are discarded
// without emission.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	if e.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	e.group.Wait()
	e.feed.Close()
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Pipeline
// ————————————————————————————————————————————————————————————————————————

// runPipeline is the cooperative event loop: one goroutine applies depth,
// trades, and timers in arrival order. Detectors run synchronously inside
// trade handling, so no cross-stage interleaving is possible.
func (e *Engine) runPipeline(ctx context.Context) error {
	if err := e.resync(ctx); err != nil {
		return err
	}

	cleanup := time.NewTicker(time.Duration(e.cfg.CleanupIntervalMs) * time.Millisecond)
	defer cleanup.Stop()
	prune := time.NewTicker(time.Duration(e.cfg.Book.PruneIntervalMs) * time.Millisecond)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case diff := <-e.feed.DepthEvents():
			if err := e.handleDepth(ctx, diff); err != nil {
				return err
			}

		case raw := <-e.feed.TradeEvents():
			e.pre.HandleAggTrade(raw)

		case <-cleanup.C:
			now := types.NowMs()
			for _, d := range e.dets {
				d.Cleanup(now)
			}
			e.coord.Sweep(now)
			e.pre.Cleanup(now)

		case <-prune.C:
			e.book.Prune()
			e.mtr.BookLevels.Set(float64(e.book.Levels()))
			e.mtr.BookHealthy.Set(boolGauge(e.book.Healthy()))
		}
	}
}

// onEnriched is the preprocessor's sink: every detector sees the event in
// order, the anomaly monitor samples it, then the coordinator advances its
// pendings against the print.
func (e *Engine) onEnriched(et types.EnrichedTrade) {
	for _, d := range e.dets {
		d.OnTrade(et)
	}
	e.mon.OnTrade(et.AggressiveTrade)
	e.coord.OnTrade(et.AggressiveTrade)
}

func (e *Engine) handleDepth(ctx context.Context, diff types.DiffDepth) error {
	err := e.pre.HandleDepth(diff)
	if err == nil {
		if spread, ok := e.book.Spread(); ok {
			if mid, ok2 := e.book.MidPrice(); ok2 {
				e.mon.OnQuote(spread, mid, diff.EventTime)
			}
		}
		return nil
	}
	if errors.Is(err, book.ErrResyncRequired) {
		e.logger.Warn("depth id gap, resyncing", "error", err)
		e.mtr.SignalsRejected.WithLabelValues(metrics.ReasonIDGapResync).Inc()
		return e.resync(ctx)
	}
	// Anything else is a data error on one diff: drop it and continue.
	e.logger.Error("depth apply failed", "error", err)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Depth synchronization
// ————————————————————————————————————————————————————————————————————————

// resync implements the snapshot+replay protocol: buffer incoming diffs,
// fetch a snapshot, initialize the book, then replay every buffered diff
// whose finalUpdateId is beyond the snapshot, in id order. Exhausting the
// attempt budget is fatal.
func (e *Engine) resync(ctx context.Context) error {
	for attempt := 1; attempt <= e.cfg.Exchange.MaxResyncAttempts; attempt++ {
		e.mtr.Resyncs.Inc()
		e.logger.Info("fetching depth snapshot", "attempt", attempt)

		snapCh := make(chan types.DepthSnapshot, 1)
		errCh := make(chan error, 1)
		go func() {
			snap, err := e.client.GetDepthSnapshot(ctx)
			if err != nil {
				errCh <- err
				return
			}
			snapCh <- snap
		}()

		buffered, snap, err := e.bufferUntilSnapshot(ctx, snapCh, errCh)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("snapshot fetch failed", "attempt", attempt, "error", err)
			continue
		}

		e.book.InitializeFromSnapshot(snap)

		if e.replay(buffered, snap.LastUpdateID) {
			e.mtr.BookHealthy.Set(1)
			e.logger.Info("book synchronized", "last_update_id", e.book.LastUpdateID())
			return nil
		}
		e.logger.Warn("replay hit a gap, retrying resync", "attempt", attempt)
	}
	return fmt.Errorf("%w: %d attempts", ErrResyncExhausted, e.cfg.Exchange.MaxResyncAttempts)
}

// bufferUntilSnapshot collects depth diffs (bounded) while the snapshot
// request is in flight. Trades arriving meanwhile are still consumed so the
// feed channels cannot back up; the preprocessor drops them while the book
// is not READY.
func (e *Engine) bufferUntilSnapshot(ctx context.Context, snapCh <-chan types.DepthSnapshot, errCh <-chan error) ([]types.DiffDepth, types.DepthSnapshot, error) {
	var buffered []types.DiffDepth
	for {
		select {
		case <-ctx.Done():
			return nil, types.DepthSnapshot{}, ctx.Err()
		case diff := <-e.feed.DepthEvents():
			if len(buffered) >= resyncBufferMax {
				buffered = buffered[1:]
				e.mtr.EventsDropped.WithLabelValues("resync_buffer").Inc()
			}
			buffered = append(buffered, diff)
		case raw := <-e.feed.TradeEvents():
			e.pre.HandleAggTrade(raw)
		case err := <-errCh:
			return nil, types.DepthSnapshot{}, err
		case snap := <-snapCh:
			return buffered, snap, nil
		}
	}
}

// replay applies buffered diffs beyond the snapshot in id order. Returns
// false when a gap invalidates the fresh snapshot.
func (e *Engine) replay(buffered []types.DiffDepth, lastUpdateID int64) bool {
	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].FirstUpdateID < buffered[j].FirstUpdateID
	})
	for _, diff := range buffered {
		if diff.FinalUpdateID <= lastUpdateID {
			continue
		}
		if err := e.book.ApplyDiff(diff); err != nil {
			return false
		}
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Broadcast
// ————————————————————————————————————————————————————————————————————————

// SubscribeSignals returns a channel receiving every confirmed signal. Slow
// subscribers drop events rather than stalling the pipeline.
func (e *Engine) SubscribeSignals() <-chan types.ConfirmedSignal {
	ch := make(chan types.ConfirmedSignal, subscriberBuffer)
	e.sigSubsMu.Lock()
	e.sigSubs = append(e.sigSubs, ch)
	e.sigSubsMu.Unlock()
	return ch
}

// SubscribeAnomalies returns a channel receiving every flagged anomaly.
func (e *Engine) SubscribeAnomalies() <-chan types.Anomaly {
	ch := make(chan types.Anomaly, subscriberBuffer)
	e.anoSubsMu.Lock()
	e.anoSubs = append(e.anoSubs, ch)
	e.anoSubsMu.Unlock()
	return ch
}

func (e *Engine) publishSignal(sig types.ConfirmedSignal) {
	e.store.EnqueueSignal(sig)

	e.sigSubsMu.RLock()
	defer e.sigSubsMu.RUnlock()
	for _, ch := range e.sigSubs {
		select {
		case ch <- sig:
		default:
			e.mtr.EventsDropped.WithLabelValues("signal_subscribers").Inc()
		}
	}
}

func (e *Engine) publishAnomaly(a types.Anomaly) {
	e.store.EnqueueAnomaly(a)

	e.anoSubsMu.RLock()
	defer e.anoSubsMu.RUnlock()
	for _, ch := range e.anoSubs {
		select {
		case ch <- a:
		default:
			e.mtr.EventsDropped.WithLabelValues("anomaly_subscribers").Inc()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
