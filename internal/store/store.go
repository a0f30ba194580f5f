// Package store persists confirmed signals and anomalies to SQLite.
//
// The hot path never touches the database: Enqueue* do a non-blocking send
// onto a bounded queue and drop (with a counter) under back-pressure. A
// single writer goroutine drains the queue, so the connection sees no
// concurrency. WAL mode keeps writers from blocking any future readers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

// Store owns the SQLite database and the persistence queue.
type Store struct {
	db      *sql.DB
	queue   chan record
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type record struct {
	signal  *types.ConfirmedSignal
	anomaly *types.Anomaly
}

// Open creates (or opens) the database at path and runs migrations.
func Open(path string, queueSize int, m *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{
		db:      db,
		queue:   make(chan record, queueSize),
		metrics: m,
		logger:  logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id           TEXT PRIMARY KEY,
			detector     TEXT NOT NULL,
			side         TEXT NOT NULL,
			price        TEXT NOT NULL,
			final_price  TEXT NOT NULL,
			zone_id      INTEGER NOT NULL,
			confidence   REAL NOT NULL,
			agg_volume   REAL NOT NULL,
			passive_vol  REAL NOT NULL,
			detected_at  INTEGER NOT NULL,
			confirmed_at INTEGER NOT NULL,
			sources      TEXT NOT NULL,
			anomaly_note TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_signals_confirmed ON signals(confirmed_at);

		CREATE TABLE IF NOT EXISTS anomalies (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			severity    TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			action      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_detected ON anomalies(detected_at);
	`)
	return err
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// already queued and returns.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered; new sends are rejected by
			// the closed pipeline upstream.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		case rec := <-s.queue:
			s.write(rec)
		}
	}
}

// EnqueueSignal queues a confirmed signal for persistence (non-blocking).
func (s *Store) EnqueueSignal(sig types.ConfirmedSignal) {
	select {
	case s.queue <- record{signal: &sig}:
	default:
		s.metrics.EventsDropped.WithLabelValues("store_signals").Inc()
	}
}

// EnqueueAnomaly queues an anomaly for persistence (non-blocking).
func (s *Store) EnqueueAnomaly(a types.Anomaly) {
	select {
	case s.queue <- record{anomaly: &a}:
	default:
		s.metrics.EventsDropped.WithLabelValues("store_anomalies").Inc()
	}
}

func (s *Store) write(rec record) {
	switch {
	case rec.signal != nil:
		sig := rec.signal
		sources := ""
		for i, src := range sig.Sources {
			if i > 0 {
				sources += ","
			}
			sources += string(src)
		}
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO signals
			(id, detector, side, price, final_price, zone_id, confidence,
			 agg_volume, passive_vol, detected_at, confirmed_at, sources, anomaly_note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.ID, string(sig.Detector), string(sig.Side),
			sig.Price.String(), sig.FinalPrice.String(), sig.ZoneID,
			sig.Confidence, sig.AggressiveVolume, sig.PassiveVolume,
			sig.DetectedAt, sig.ConfirmedAt, sources, sig.AnomalyNote,
		)
		if err != nil {
			s.metrics.Errors.WithLabelValues("store", metrics.ErrKindResource).Inc()
			s.logger.Error("persist signal", "id", sig.ID, "error", err)
		}
	case rec.anomaly != nil:
		a := rec.anomaly
		_, err := s.db.Exec(`
			INSERT INTO anomalies (kind, severity, detected_at, action)
			VALUES (?, ?, ?, ?)`,
			string(a.Kind), a.Severity.String(), a.DetectedAt, a.RecommendedAction,
		)
		if err != nil {
			s.metrics.Errors.WithLabelValues("store", metrics.ErrKindResource).Inc()
			s.logger.Error("persist anomaly", "kind", a.Kind, "error", err)
		}
	}
}

// SignalCount returns the number of persisted signals. Used by tests and
// the health surface.
func (s *Store) SignalCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM signals").Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
