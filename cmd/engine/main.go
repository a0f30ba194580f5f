// Order-flow signal engine — a streaming market-data pipeline that watches
// one spot pair and emits confirmed order-flow trading signals.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go         — orchestrator: feed → book → preprocessor → detectors → coordinator
//	exchange/ws.go           — Binance combined stream (aggTrade + diff depth) with auto-reconnect
//	exchange/client.go       — REST depth snapshots for startup and resync
//	book/book.go             — tick-keyed order book with invariant enforcement and id-gap detection
//	flow/preprocessor.go     — trade parsing and passive-liquidity / zone enrichment
//	detector/                — absorption, exhaustion, accumulation/distribution, CVD confirmation
//	coordinator/coordinator.go — dedup, cooldown, price confirmation, anomaly veto
//	anomaly/monitor.go       — flash moves, liquidity voids, feed gaps, volatility bursts
//	store/store.go           — off-path SQLite persistence of confirmed signals
//
// How it finds signals:
//
//	Every aggregate trade is enriched with the passive liquidity resting
//	around it. The detectors look for flow that the book refuses to ratify:
//	volume that cannot move price (absorption), liquidity that cannot hold
//	(exhaustion), campaigns that keep price pinned (accumulation and
//	distribution), and delta that disagrees with price (CVD divergence).
//	A candidate only becomes a signal after price itself confirms the idea.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Log confirmed signals; other consumers subscribe the same way.
	go func() {
		for sig := range eng.SubscribeSignals() {
			logger.Info("SIGNAL",
				"detector", sig.Detector,
				"side", sig.Side,
				"price", sig.Price,
				"final_price", sig.FinalPrice,
				"confidence", sig.Confidence,
			)
		}
	}()

	logger.Info("order-flow engine started",
		"symbol", cfg.Symbol,
		"window_ms", cfg.WindowMs,
		"cvd_mode", cfg.CVD.DetectionMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Either an OS signal or a fatal pipeline error ends the process.
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Wait() }()

	select {
	case s := <-sigCh:
		logger.Info("received shutdown signal", "signal", s.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("pipeline terminated", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
