package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Exchange identifiers accepted by the feed config.
const (
	ExchangeBinance        = "binance"
	ExchangeBinanceFutures = "binance_futures"
	ExchangeMexc           = "mexc"
	ExchangeMexcJSON       = "mexc_json"
)

// Config holds the full process configuration. Values load from YAML, then
// environment variables override, then Validate runs.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		Exchange          string `yaml:"exchange"`
		Symbol            string `yaml:"symbol"`
		LadderLevels      int    `yaml:"ladder_levels"`
		ThrottleMS        int    `yaml:"throttle_ms"`
		SnapshotDepth     int    `yaml:"snapshot_depth"`
		CacheLevels       int    `yaml:"cache_levels"`
		ResyncIntervalSec int    `yaml:"resync_interval_sec"`
	} `yaml:"feed"`

	// Proxy routes all exchange traffic. Accepts the notations ParseProxy
	// understands; empty means direct.
	Proxy string `yaml:"proxy"`

	Downstream struct {
		Listen string `yaml:"listen"` // ws fan-out address, empty disables
	} `yaml:"downstream"`

	Debug struct {
		Listen string `yaml:"listen"` // metrics/healthz address, empty disables
	} `yaml:"debug"`

	Record struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"record"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "bookfeed"
	cfg.App.Version = "dev"
	cfg.Feed.Exchange = ExchangeMexc
	cfg.Feed.Symbol = "BTCUSDT"
	cfg.Feed.LadderLevels = 120
	cfg.Feed.ThrottleMS = 50
	cfg.Feed.CacheLevels = 5000
	cfg.Feed.ResyncIntervalSec = 30
	cfg.Record.Path = "bookfeed.db"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads and parses the configuration file. An empty path yields
// the defaults (still subject to env overrides and validation).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("BOOKFEED_EXCHANGE"); v != "" {
		cfg.Feed.Exchange = v
	}
	if v := os.Getenv("BOOKFEED_SYMBOL"); v != "" {
		cfg.Feed.Symbol = v
	}
	if v := os.Getenv("BOOKFEED_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("BOOKFEED_RECORD_PATH"); v != "" {
		cfg.Record.Path = v
	}
	if v := os.Getenv("BOOKFEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BOOKFEED_LADDER_LEVELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.LadderLevels = n
		}
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Feed.Exchange {
	case ExchangeBinance, ExchangeBinanceFutures, ExchangeMexc, ExchangeMexcJSON:
	default:
		return fmt.Errorf("unknown exchange %q", c.Feed.Exchange)
	}
	if c.Feed.Symbol == "" {
		return fmt.Errorf("feed symbol is required")
	}
	if c.Feed.LadderLevels < 1 {
		return fmt.Errorf("ladder_levels must be >= 1, got %d", c.Feed.LadderLevels)
	}
	if c.Feed.ThrottleMS < 10 {
		return fmt.Errorf("throttle_ms must be >= 10, got %d", c.Feed.ThrottleMS)
	}
	if c.Record.Enabled && c.Record.Path == "" {
		return fmt.Errorf("record.path is required when recording is enabled")
	}
	if _, err := ParseProxy(c.Proxy); err != nil {
		return err
	}
	return nil
}

// normalize fills derived values after validation.
func (c *Config) normalize() {
	c.Feed.Symbol = strings.ToUpper(c.Feed.Symbol)

	maxDepth := 5000
	if c.Feed.Exchange == ExchangeBinanceFutures {
		maxDepth = 1000
	}
	if c.Feed.SnapshotDepth == 0 {
		want := c.Feed.LadderLevels * 2
		if want > 1000 {
			want = 1000
		}
		c.Feed.SnapshotDepth = want
	}
	c.Feed.SnapshotDepth = clampInt(c.Feed.SnapshotDepth, 50, maxDepth)

	if c.Feed.CacheLevels < c.Feed.SnapshotDepth {
		c.Feed.CacheLevels = c.Feed.SnapshotDepth
	}
	if c.Feed.ResyncIntervalSec <= 0 {
		c.Feed.ResyncIntervalSec = 30
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
