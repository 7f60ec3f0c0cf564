// Package config loads and validates the typed configuration record
// consumed by every component of the daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for vpsmonitord.
type Config struct {
	DataDir string `yaml:"data_dir"`

	CheckInterval         time.Duration      `yaml:"check_interval"`
	AggregationInterval   time.Duration      `yaml:"aggregation_interval"`
	CooldownSeconds       int                `yaml:"cooldown_seconds"`
	FetchTimeout          time.Duration      `yaml:"fetch_timeout"`
	RetryDelay            time.Duration      `yaml:"retry_delay"`
	MaxRetries            int                `yaml:"max_retries"`
	MaxWorkers            int                `yaml:"max_workers"`
	PerHostMinDelay       time.Duration      `yaml:"per_host_min_delay"`
	BlockedBackoff        time.Duration      `yaml:"blocked_backoff"`
	ErrorThreshold        int                `yaml:"error_threshold"`
	ConfidenceThreshold   float64            `yaml:"confidence_threshold"`
	DetectorWeights       map[string]float64 `yaml:"detector_weights"`
	DetectorTimeout       time.Duration      `yaml:"detector_timeout"`
	EnableRender          bool               `yaml:"enable_render"`
	MaxBrowsers           int                `yaml:"max_browsers"`
	DailyAddLimit         int                `yaml:"daily_add_limit"`
	DailyNotifyLimit      int                `yaml:"daily_notify_limit"`
	AdminIDs              []string           `yaml:"admin_ids"`
	HistoryRetentionDays  int                `yaml:"history_retention_days"`
	HistoryRetentionCount int                `yaml:"history_retention_count"`
	DeliveryTimeout       time.Duration      `yaml:"delivery_timeout"`
	ShutdownGrace         time.Duration      `yaml:"shutdown_grace"`

	Vendors []VendorRule `yaml:"vendors"`
	Sinks   []SinkConfig `yaml:"sinks"`
}

// VendorRule maps a host suffix to a vendor tag and, optionally, a DOM
// selector rule set used by the D2 detector.
type VendorRule struct {
	HostSuffix      string `yaml:"host_suffix"`
	Tag             string `yaml:"tag"`
	CartSelector    string `yaml:"cart_selector"`
	SoldOutSelector string `yaml:"sold_out_selector"`
}

// SinkConfig defines an outbound notification backend.
type SinkConfig struct {
	Type   string `yaml:"type"` // stdout | webhook | telegram | discord
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// Load reads and validates a YAML configuration file, applying defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 180 * time.Second
	}
	if c.AggregationInterval <= 0 {
		c.AggregationInterval = 180 * time.Second
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = 600
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.PerHostMinDelay <= 0 {
		c.PerHostMinDelay = 2 * time.Second
	}
	if c.BlockedBackoff <= 0 {
		c.BlockedBackoff = 30 * time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = 10 * time.Second
	}
	if c.MaxBrowsers <= 0 {
		c.MaxBrowsers = 2
	}
	if c.DailyAddLimit <= 0 {
		c.DailyAddLimit = 50
	}
	if c.DailyNotifyLimit <= 0 {
		c.DailyNotifyLimit = 20
	}
	if c.HistoryRetentionDays <= 0 {
		c.HistoryRetentionDays = 90
	}
	if c.HistoryRetentionCount <= 0 {
		c.HistoryRetentionCount = 100
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 15 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 60 * time.Second
	}
	if len(c.DetectorWeights) == 0 {
		c.DetectorWeights = map[string]float64{
			"keyword":     0.20,
			"dom":         0.35,
			"api":         0.35,
			"fingerprint": 0.10,
		}
	}
	if len(c.Vendors) == 0 {
		c.Vendors = DefaultVendorRules()
	}
}

func (c *Config) validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1]")
	}
	sum := 0.0
	for name, w := range c.DetectorWeights {
		if w < 0 {
			return fmt.Errorf("detector_weights[%s] must be >= 0", name)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("detector_weights must sum to a positive value")
	}
	return nil
}

// DefaultVendorRules returns the built-in host→vendor-tag table used when
// the config file does not override it.
func DefaultVendorRules() []VendorRule {
	return []VendorRule{
		{HostSuffix: "racknerd.com", Tag: "racknerd"},
		{HostSuffix: "dmit.io", Tag: "dmit"},
		{HostSuffix: "bandwagonhost.com", Tag: "bandwagon"},
		{HostSuffix: "virmach.com", Tag: "virmach"},
		{HostSuffix: "hostdare.com", Tag: "hostdare"},
		{HostSuffix: "buyvm.net", Tag: "buyvm"},
	}
}
