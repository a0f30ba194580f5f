package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
symbol: BTCUSDT
price_precision: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", cfg.Symbol)
	}
	if cfg.WindowMs != 90_000 {
		t.Errorf("WindowMs default = %d, want 90000", cfg.WindowMs)
	}
	if cfg.CVD.DetectionMode != "hybrid" {
		t.Errorf("CVD.DetectionMode default = %q, want hybrid", cfg.CVD.DetectionMode)
	}
	if got := len(cfg.Flow.StandardZones.ZoneMultipliers); got != 3 {
		t.Errorf("ZoneMultipliers default length = %d, want 3", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
symbol: ETHUSDT
price_precision: 3
cvd:
  detection_mode: divergence
  min_z: 1.5
book:
  max_levels: 500
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PricePrecision != 3 {
		t.Errorf("PricePrecision = %d, want 3", cfg.PricePrecision)
	}
	if cfg.CVD.DetectionMode != "divergence" {
		t.Errorf("DetectionMode = %q, want divergence", cfg.CVD.DetectionMode)
	}
	if cfg.CVD.MinZ != 1.5 {
		t.Errorf("MinZ = %v, want 1.5", cfg.CVD.MinZ)
	}
	if cfg.Book.MaxLevels != 500 {
		t.Errorf("Book.MaxLevels = %d, want 500", cfg.Book.MaxLevels)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		mutate func(c *Config)
	}{
		{"missing symbol", func(c *Config) { c.Symbol = "" }},
		{"negative precision", func(c *Config) { c.PricePrecision = -1 }},
		{"zero window", func(c *Config) { c.WindowMs = 0 }},
		{"bad cvd mode", func(c *Config) { c.CVD.DetectionMode = "sideways" }},
		{"bad error rate", func(c *Config) { c.Book.MaxErrorRate = 2 }},
		{"dominance too low", func(c *Config) { c.Accumulation.DominanceRatio = 0.4 }},
		{"zone thresholds inverted", func(c *Config) {
			c.Distribution.WeakZoneThreshold = 0.9
			c.Distribution.StrongZoneThreshold = 0.5
		}},
		{"mismatched zone windows", func(c *Config) {
			c.Flow.StandardZones.TimeWindowsMs = []int64{1000}
		}},
		{"empty cvd windows", func(c *Config) { c.CVD.WindowsSec = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should have rejected the config")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLOW_CVD_MIN_Z", "3.5")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CVD.MinZ != 3.5 {
		t.Errorf("MinZ = %v, want 3.5 from FLOW_CVD_MIN_Z", cfg.CVD.MinZ)
	}
}
