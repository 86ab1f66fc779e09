package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
api:
  rest_base: "https://fapi.example.com/"
universe:
  whitelist: [" btcusdt ", "ethusdt"]
`

func TestLoadDefaultsAndNormalize(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.RestBase != "https://fapi.example.com" {
		t.Errorf("rest_base = %q", cfg.API.RestBase)
	}
	if cfg.API.WSMode != "AUTO" {
		t.Errorf("ws_mode = %q", cfg.API.WSMode)
	}
	if cfg.Universe.SymbolMode != "HYBRID_PRIORITY" {
		t.Errorf("symbol_mode = %q", cfg.Universe.SymbolMode)
	}
	if len(cfg.Universe.Whitelist) != 2 || cfg.Universe.Whitelist[0] != "BTCUSDT" {
		t.Errorf("whitelist = %v", cfg.Universe.Whitelist)
	}
	if cfg.Paper.TPPct != 0.60 || cfg.Paper.SLPct != 0.20 {
		t.Errorf("tp/sl = %v/%v", cfg.Paper.TPPct, cfg.Paper.SLPct)
	}
	if cfg.Paper.MaxHolding != 10*time.Minute {
		t.Errorf("max_holding = %v", cfg.Paper.MaxHolding)
	}
	if cfg.Watch.HardTimeout != 30*time.Minute {
		t.Errorf("hard_timeout = %v", cfg.Watch.HardTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv("ASTER_API_KEY", "k-from-env")
	t.Setenv("ASTER_API_SECRET", "s-from-env")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.APIKey != "k-from-env" || cfg.API.APISecret != "s-from-env" {
		t.Errorf("credentials = %q/%q", cfg.API.APIKey, cfg.API.APISecret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		mod  func(c *Config)
		want string
	}{
		{
			name: "bad ws mode",
			mod:  func(c *Config) { c.API.WSMode = "POLL" },
			want: "ws_mode",
		},
		{
			name: "bad symbol mode",
			mod:  func(c *Config) { c.Universe.SymbolMode = "EVERYTHING" },
			want: "symbol_mode",
		},
		{
			name: "whitelist only without whitelist",
			mod: func(c *Config) {
				c.Universe.SymbolMode = "WHITELIST_ONLY"
				c.Universe.Whitelist = nil
			},
			want: "whitelist",
		},
		{
			name: "live without credentials",
			mod:  func(c *Config) { c.Live.Enabled = true },
			want: "api_key",
		},
		{
			name: "live without paper",
			mod: func(c *Config) {
				c.Live.Enabled = true
				c.Paper.Enabled = false
				c.API.APIKey, c.API.APISecret = "k", "s"
			},
			want: "paper.enabled",
		},
		{
			name: "multiple live positions",
			mod:  func(c *Config) { c.Live.MaxPositions = 2 },
			want: "live_max_positions",
		},
		{
			name: "zero arm threshold",
			mod:  func(c *Config) { c.Paper.LossStreakToArm = 0 },
			want: "loss_streak_to_arm",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mod(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted bad config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
