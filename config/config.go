package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for marketd.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	// Database
	DatabaseDriver string `toml:"DatabaseDriver"` // postgres or sqlite
	DatabaseDSN    string `toml:"DatabaseDSN"`

	// Logging
	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	// Telemetry
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	TraceEnable  bool   `toml:"TraceEnable"`
	MetricEnable bool   `toml:"MetricEnable"`

	// Ingest rate limits (per client, per minute)
	EntryFeedRatePerMinute  float64 `toml:"EntryFeedRatePerMinute"`
	PayoutFeedRatePerMinute float64 `toml:"PayoutFeedRatePerMinute"`
	FeedBurst               int     `toml:"FeedBurst"`

	// Reconciliation
	ReconOutputDir string `toml:"ReconOutputDir"`
	ReconRunHour   int    `toml:"ReconRunHour"`
	ReconRunMinute int    `toml:"ReconRunMinute"`
	ReconDryRun    bool   `toml:"ReconDryRun"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8475"
	}
	if strings.TrimSpace(c.DatabaseDriver) == "" {
		c.DatabaseDriver = "sqlite"
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		c.DatabaseDSN = "marketd.db"
	}
	if c.EntryFeedRatePerMinute <= 0 {
		c.EntryFeedRatePerMinute = 600
	}
	if c.PayoutFeedRatePerMinute <= 0 {
		c.PayoutFeedRatePerMinute = 120
	}
	if c.FeedBurst <= 0 {
		c.FeedBurst = 20
	}
	if strings.TrimSpace(c.ReconOutputDir) == "" {
		c.ReconOutputDir = "recon-reports"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.DatabaseDriver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported DatabaseDriver %q", c.DatabaseDriver)
	}
	if c.ReconRunHour < 0 || c.ReconRunHour > 23 {
		return fmt.Errorf("config: ReconRunHour must be between 0 and 23")
	}
	if c.ReconRunMinute < 0 || c.ReconRunMinute > 59 {
		return fmt.Errorf("config: ReconRunMinute must be between 0 and 59")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: write default: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# marketd configuration\n\n"); err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode default: %w", err)
	}
	return cfg, nil
}
