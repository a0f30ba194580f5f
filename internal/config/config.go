// Package config defines all configuration for the order-flow signal engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via FLOW_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. All durations that shape detector semantics are expressed in
// milliseconds so the same numbers drive deterministic replay tests.
type Config struct {
	Symbol            string `mapstructure:"symbol"`
	PricePrecision    int    `mapstructure:"price_precision"`
	QuantityPrecision int    `mapstructure:"quantity_precision"`

	// Shared detector/coordinator timings. The coordinator is the single
	// consumer of the confirmation knobs; detectors never read them.
	WindowMs              int64 `mapstructure:"window_ms"`
	EventCooldownMs       int64 `mapstructure:"event_cooldown_ms"`
	ConfirmationTimeoutMs int64 `mapstructure:"confirmation_timeout_ms"`
	MinInitialMoveTicks   int64 `mapstructure:"min_initial_move_ticks"`
	MaxRevisitTicks       int64 `mapstructure:"max_revisit_ticks"`
	CleanupIntervalMs     int64 `mapstructure:"cleanup_interval_ms"`

	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Book         BookConfig         `mapstructure:"book"`
	Flow         FlowConfig         `mapstructure:"flow"`
	Absorption   AbsorptionConfig   `mapstructure:"absorption"`
	Exhaustion   ExhaustionConfig   `mapstructure:"exhaustion"`
	Accumulation ZoneDetectorConfig `mapstructure:"accumulation"`
	Distribution ZoneDetectorConfig `mapstructure:"distribution"`
	CVD          CVDConfig          `mapstructure:"cvd"`
	Anomaly      AnomalyConfig      `mapstructure:"anomaly"`
	Store        StoreConfig        `mapstructure:"store"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ExchangeConfig holds feed endpoints and resync behavior.
type ExchangeConfig struct {
	RESTBaseURL       string        `mapstructure:"rest_base_url"`
	WSBaseURL         string        `mapstructure:"ws_base_url"`
	SnapshotDepth     int           `mapstructure:"snapshot_depth"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshot_timeout"`
	MaxResyncAttempts int           `mapstructure:"max_resync_attempts"`
}

// BookConfig bounds the order-book state engine.
//
//   - MaxLevels: cap on populated levels per side; farthest pruned first.
//   - MaxPriceDistance: fraction of mid beyond which levels are pruned.
//   - PruneIntervalMs / StaleThresholdMs: periodic pruning of idle levels.
//   - MaxErrorRate: apply-failure ratio that trips the circuit breaker.
type BookConfig struct {
	MaxLevels        int     `mapstructure:"max_levels"`
	MaxPriceDistance float64 `mapstructure:"max_price_distance"`
	PruneIntervalMs  int64   `mapstructure:"prune_interval_ms"`
	StaleThresholdMs int64   `mapstructure:"stale_threshold_ms"`
	MaxErrorRate     float64 `mapstructure:"max_error_rate"`
}

// StandardZoneConfig shapes the multi-resolution zone snapshots attached to
// enriched trades. Zone widths are BaseTicks multiplied by ZoneMultipliers;
// TimeWindowsMs holds the rolling window per resolution (parallel arrays).
type StandardZoneConfig struct {
	BaseTicks       int64   `mapstructure:"base_ticks"`
	ZoneMultipliers []int64 `mapstructure:"zone_multipliers"`
	TimeWindowsMs   []int64 `mapstructure:"time_windows_ms"`
	MinZoneVolume   float64 `mapstructure:"min_zone_volume"`
}

// FlowConfig tunes the order-flow preprocessor.
type FlowConfig struct {
	BandTicks              int64              `mapstructure:"band_ticks"`
	EnableStandardizedZones bool              `mapstructure:"enable_standardized_zones"`
	StandardZones          StandardZoneConfig `mapstructure:"standard_zones"`
	ZoneCacheSize          int                `mapstructure:"zone_cache_size"`
	MaxZoneCacheAgeMs      int64              `mapstructure:"max_zone_cache_age_ms"`
	TradeBufferSize        int                `mapstructure:"trade_buffer_size"`
}

// AbsorptionConfig tunes the absorption detector.
//
// A zone absorbs when aggressive volume executes against passive liquidity
// without moving price efficiently. The optional features are off by default
// and each contributes to the confidence score when enabled.
type AbsorptionConfig struct {
	MinAggVolume             float64 `mapstructure:"min_agg_volume"`
	AbsorptionThreshold      float64 `mapstructure:"absorption_threshold"`
	MaxAbsorptionRatio       float64 `mapstructure:"max_absorption_ratio"`
	PriceEfficiencyThreshold float64 `mapstructure:"price_efficiency_threshold"`
	MinPassiveMultiplier     float64 `mapstructure:"min_passive_multiplier"`
	MovementScaler           float64 `mapstructure:"movement_scaler"`
	FinalConfidenceThreshold float64 `mapstructure:"final_confidence_threshold"`

	DetectRefill          bool `mapstructure:"detect_refill"`
	LiquidityGradient     bool `mapstructure:"liquidity_gradient"`
	AbsorptionVelocity    bool `mapstructure:"absorption_velocity"`
	SpreadImpactFilter    bool `mapstructure:"spread_impact_filter"`
	LiquidityGradientTicks int64 `mapstructure:"liquidity_gradient_ticks"`
}

// ExhaustionConfig tunes the exhaustion detector.
type ExhaustionConfig struct {
	MinAggVolume                float64 `mapstructure:"min_agg_volume"`
	DepletionVolumeThreshold    float64 `mapstructure:"depletion_volume_threshold"`
	DepletionRatioThreshold     float64 `mapstructure:"depletion_ratio_threshold"`
	PassiveVolumeExhaustionRatio float64 `mapstructure:"passive_volume_exhaustion_ratio"`
	FinalConfidenceThreshold    float64 `mapstructure:"final_confidence_threshold"`

	DepletionVelocity bool `mapstructure:"depletion_velocity"`
	SpreadAdjustment  bool `mapstructure:"spread_adjustment"`
	RefillGap         bool `mapstructure:"refill_gap"`
}

// ZoneDetectorConfig tunes the accumulation and distribution detectors.
// DominanceRatio is the minimum share of the opposing aggressive flow:
// sell share for accumulation, buy share for distribution.
type ZoneDetectorConfig struct {
	MinDurationMs           int64   `mapstructure:"min_duration_ms"`
	DominanceRatio          float64 `mapstructure:"dominance_ratio"`
	MinRecentActivityMs     int64   `mapstructure:"min_recent_activity_ms"`
	MinZoneVolume           float64 `mapstructure:"min_zone_volume"`
	MinTradeCount           int     `mapstructure:"min_trade_count"`
	PriceStabilityThreshold float64 `mapstructure:"price_stability_threshold"`
	StrongZoneThreshold     float64 `mapstructure:"strong_zone_threshold"`
	WeakZoneThreshold       float64 `mapstructure:"weak_zone_threshold"`
	MaxCandidates           int     `mapstructure:"max_candidates"`
	FinalConfidenceThreshold float64 `mapstructure:"final_confidence_threshold"`
}

// CVDConfig tunes the cumulative-volume-delta confirmation detector.
type CVDConfig struct {
	WindowsSec                  []int   `mapstructure:"windows_sec"`
	DetectionMode               string  `mapstructure:"detection_mode"` // momentum | divergence | hybrid
	MinZ                        float64 `mapstructure:"min_z"`
	MinTradesPerSec             float64 `mapstructure:"min_trades_per_sec"`
	MinVolPerSec                float64 `mapstructure:"min_vol_per_sec"`
	StrongCorrelationThreshold  float64 `mapstructure:"strong_correlation_threshold"`
	DivergenceThreshold         float64 `mapstructure:"divergence_threshold"`
	VolumeSurgeMultiplier       float64 `mapstructure:"volume_surge_multiplier"`
	ImbalanceThreshold          float64 `mapstructure:"imbalance_threshold"`
	InstitutionalThreshold      float64 `mapstructure:"institutional_threshold"`
	FinalConfidenceRequired     float64 `mapstructure:"final_confidence_required"`
}

// AnomalyConfig tunes the anomaly monitor.
type AnomalyConfig struct {
	WindowSize       int     `mapstructure:"window_size"`
	NormalSpread     float64 `mapstructure:"normal_spread"`
	AnomalyCooldownMs int64  `mapstructure:"anomaly_cooldown_ms"`
}

// StoreConfig sets where confirmed signals are persisted (SQLite).
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (FLOW_ prefix,
// dots replaced by underscores: FLOW_CVD_MIN_Z overrides cvd.min_z).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("price_precision", 2)
	v.SetDefault("quantity_precision", 8)
	v.SetDefault("window_ms", 90_000)
	v.SetDefault("event_cooldown_ms", 15_000)
	v.SetDefault("confirmation_timeout_ms", 60_000)
	v.SetDefault("min_initial_move_ticks", 10)
	v.SetDefault("max_revisit_ticks", 5)
	v.SetDefault("cleanup_interval_ms", 30_000)

	v.SetDefault("exchange.rest_base_url", "https://api.binance.com")
	v.SetDefault("exchange.ws_base_url", "wss://stream.binance.com:9443")
	v.SetDefault("exchange.snapshot_depth", 1000)
	v.SetDefault("exchange.snapshot_timeout", 10*time.Second)
	v.SetDefault("exchange.max_resync_attempts", 5)

	v.SetDefault("book.max_levels", 2000)
	v.SetDefault("book.max_price_distance", 0.05)
	v.SetDefault("book.prune_interval_ms", 30_000)
	v.SetDefault("book.stale_threshold_ms", 300_000)
	v.SetDefault("book.max_error_rate", 0.1)

	v.SetDefault("flow.band_ticks", 5)
	v.SetDefault("flow.enable_standardized_zones", true)
	v.SetDefault("flow.standard_zones.base_ticks", 10)
	v.SetDefault("flow.standard_zones.zone_multipliers", []int64{1, 2, 4})
	v.SetDefault("flow.standard_zones.time_windows_ms", []int64{45_000, 90_000, 180_000})
	v.SetDefault("flow.zone_cache_size", 512)
	v.SetDefault("flow.max_zone_cache_age_ms", 300_000)
	v.SetDefault("flow.trade_buffer_size", 8192)

	v.SetDefault("absorption.min_agg_volume", 100)
	v.SetDefault("absorption.absorption_threshold", 0.6)
	v.SetDefault("absorption.max_absorption_ratio", 3.0)
	v.SetDefault("absorption.price_efficiency_threshold", 0.3)
	v.SetDefault("absorption.min_passive_multiplier", 1.5)
	v.SetDefault("absorption.movement_scaler", 1.0)
	v.SetDefault("absorption.final_confidence_threshold", 0.5)
	v.SetDefault("absorption.liquidity_gradient_ticks", 3)

	v.SetDefault("exhaustion.min_agg_volume", 100)
	v.SetDefault("exhaustion.depletion_volume_threshold", 50)
	v.SetDefault("exhaustion.depletion_ratio_threshold", 0.4)
	v.SetDefault("exhaustion.passive_volume_exhaustion_ratio", 0.3)
	v.SetDefault("exhaustion.final_confidence_threshold", 0.5)

	v.SetDefault("accumulation.min_duration_ms", 120_000)
	v.SetDefault("accumulation.dominance_ratio", 0.55)
	v.SetDefault("accumulation.min_recent_activity_ms", 30_000)
	v.SetDefault("accumulation.min_zone_volume", 500)
	v.SetDefault("accumulation.min_trade_count", 20)
	v.SetDefault("accumulation.price_stability_threshold", 0.6)
	v.SetDefault("accumulation.strong_zone_threshold", 0.8)
	v.SetDefault("accumulation.weak_zone_threshold", 0.3)
	v.SetDefault("accumulation.max_candidates", 5)
	v.SetDefault("accumulation.final_confidence_threshold", 0.5)

	v.SetDefault("distribution.min_duration_ms", 120_000)
	v.SetDefault("distribution.dominance_ratio", 0.55)
	v.SetDefault("distribution.min_recent_activity_ms", 30_000)
	v.SetDefault("distribution.min_zone_volume", 500)
	v.SetDefault("distribution.min_trade_count", 20)
	v.SetDefault("distribution.price_stability_threshold", 0.6)
	v.SetDefault("distribution.strong_zone_threshold", 0.8)
	v.SetDefault("distribution.weak_zone_threshold", 0.3)
	v.SetDefault("distribution.max_candidates", 5)
	v.SetDefault("distribution.final_confidence_threshold", 0.5)

	v.SetDefault("cvd.windows_sec", []int{60})
	v.SetDefault("cvd.detection_mode", "hybrid")
	v.SetDefault("cvd.min_z", 2.0)
	v.SetDefault("cvd.min_trades_per_sec", 0.5)
	v.SetDefault("cvd.min_vol_per_sec", 1.0)
	v.SetDefault("cvd.strong_correlation_threshold", 0.7)
	v.SetDefault("cvd.divergence_threshold", 0.3)
	v.SetDefault("cvd.volume_surge_multiplier", 2.0)
	v.SetDefault("cvd.imbalance_threshold", 0.6)
	v.SetDefault("cvd.institutional_threshold", 10.0)
	v.SetDefault("cvd.final_confidence_required", 0.6)

	v.SetDefault("anomaly.window_size", 120)
	v.SetDefault("anomaly.normal_spread", 0.01)
	v.SetDefault("anomaly.anomaly_cooldown_ms", 30_000)

	v.SetDefault("store.path", "data/signals.db")
	v.SetDefault("store.queue_size", 1024)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9100")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges. Any violation is
// fatal at startup.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.PricePrecision < 0 || c.PricePrecision > 8 {
		return fmt.Errorf("price_precision must be in [0, 8], got %d", c.PricePrecision)
	}
	if c.WindowMs <= 0 {
		return fmt.Errorf("window_ms must be > 0")
	}
	if c.EventCooldownMs < 0 {
		return fmt.Errorf("event_cooldown_ms must be >= 0")
	}
	if c.ConfirmationTimeoutMs <= 0 {
		return fmt.Errorf("confirmation_timeout_ms must be > 0")
	}
	if c.MinInitialMoveTicks <= 0 {
		return fmt.Errorf("min_initial_move_ticks must be > 0")
	}
	if c.MaxRevisitTicks < 0 {
		return fmt.Errorf("max_revisit_ticks must be >= 0")
	}
	if c.Book.MaxLevels <= 0 {
		return fmt.Errorf("book.max_levels must be > 0")
	}
	if c.Book.MaxErrorRate <= 0 || c.Book.MaxErrorRate > 1 {
		return fmt.Errorf("book.max_error_rate must be in (0, 1]")
	}
	if c.Flow.BandTicks <= 0 {
		return fmt.Errorf("flow.band_ticks must be > 0")
	}
	if c.Flow.EnableStandardizedZones {
		sz := c.Flow.StandardZones
		if sz.BaseTicks <= 0 {
			return fmt.Errorf("flow.standard_zones.base_ticks must be > 0")
		}
		if len(sz.ZoneMultipliers) == 0 {
			return fmt.Errorf("flow.standard_zones.zone_multipliers must not be empty")
		}
		if len(sz.TimeWindowsMs) != len(sz.ZoneMultipliers) {
			return fmt.Errorf("flow.standard_zones.time_windows_ms must be parallel to zone_multipliers")
		}
		for _, w := range sz.TimeWindowsMs {
			if w <= 0 {
				return fmt.Errorf("flow.standard_zones.time_windows_ms entries must be > 0")
			}
		}
	}
	if c.Flow.ZoneCacheSize <= 0 {
		return fmt.Errorf("flow.zone_cache_size must be > 0")
	}
	if c.Absorption.MaxAbsorptionRatio <= 0 {
		return fmt.Errorf("absorption.max_absorption_ratio must be > 0")
	}
	if c.Absorption.PriceEfficiencyThreshold <= 0 {
		return fmt.Errorf("absorption.price_efficiency_threshold must be > 0")
	}
	if c.Exhaustion.DepletionRatioThreshold <= 0 || c.Exhaustion.DepletionRatioThreshold > 1 {
		return fmt.Errorf("exhaustion.depletion_ratio_threshold must be in (0, 1]")
	}
	for _, zc := range []struct {
		name string
		cfg  ZoneDetectorConfig
	}{{"accumulation", c.Accumulation}, {"distribution", c.Distribution}} {
		if zc.cfg.DominanceRatio <= 0.5 || zc.cfg.DominanceRatio > 1 {
			return fmt.Errorf("%s.dominance_ratio must be in (0.5, 1]", zc.name)
		}
		if zc.cfg.MaxCandidates <= 0 {
			return fmt.Errorf("%s.max_candidates must be > 0", zc.name)
		}
		if zc.cfg.WeakZoneThreshold >= zc.cfg.StrongZoneThreshold {
			return fmt.Errorf("%s.weak_zone_threshold must be below strong_zone_threshold", zc.name)
		}
	}
	switch c.CVD.DetectionMode {
	case "momentum", "divergence", "hybrid":
	default:
		return fmt.Errorf("cvd.detection_mode must be one of: momentum, divergence, hybrid")
	}
	if len(c.CVD.WindowsSec) == 0 {
		return fmt.Errorf("cvd.windows_sec must not be empty")
	}
	for _, w := range c.CVD.WindowsSec {
		if w <= 0 {
			return fmt.Errorf("cvd.windows_sec entries must be > 0")
		}
	}
	if c.CVD.MinZ <= 0 {
		return fmt.Errorf("cvd.min_z must be > 0")
	}
	if c.Anomaly.WindowSize <= 0 {
		return fmt.Errorf("anomaly.window_size must be > 0")
	}
	if c.Anomaly.NormalSpread <= 0 {
		return fmt.Errorf("anomaly.normal_spread must be > 0")
	}
	if c.Store.QueueSize <= 0 {
		return fmt.Errorf("store.queue_size must be > 0")
	}
	return nil
}
