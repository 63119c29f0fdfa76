// Package config holds the tunable parameters shared by every pagerescue
// component. A Config is a value: components receive a copy at construction
// and nothing mutates it afterwards. The connection autotuner derives a new
// Config rather than editing one in place.
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pagerescue configuration.
type Config struct {
	// Image recovery.
	MaxImageRetries  int           `yaml:"max_image_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryJitter      time.Duration `yaml:"retry_jitter"`
	QueueGap         time.Duration `yaml:"queue_gap"`
	InitialDelayMax  time.Duration `yaml:"initial_delay_max"`
	MutationDebounce time.Duration `yaml:"mutation_debounce"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`

	// Progress indicator.
	UIHideDelay time.Duration `yaml:"ui_hide_delay"`

	// Responsive rescue.
	RescueCheckInterval  time.Duration `yaml:"rescue_check_interval"`
	RescueCooldown       time.Duration `yaml:"rescue_cooldown"`
	RescueOverflowFactor float64       `yaml:"rescue_overflow_factor"`
	RescueScanLimit      int           `yaml:"rescue_scan_limit"`
	RescueMarkLimit      int           `yaml:"rescue_mark_limit"`

	// Performance protection.
	ProtectorFPSThreshold float64       `yaml:"protector_fps_threshold"`
	ProtectorLimitFPS     float64       `yaml:"protector_limit_fps"`
	TimerFloor            time.Duration `yaml:"timer_floor"`
	FPSWindow             time.Duration `yaml:"fps_window"`
	ContextBurst          int           `yaml:"context_burst"`
	ContextWindow         time.Duration `yaml:"context_window"`
	WhitelistHosts        []string      `yaml:"whitelist_hosts"`

	// Storage.
	StorePath string `yaml:"store_path"`
	// CacheBudgetBytes bounds stored resource payloads. Negative disables
	// eviction.
	CacheBudgetBytes int64 `yaml:"cache_budget_bytes"`
	// MetricsRetention is how long recorded metrics are kept.
	MetricsRetention time.Duration `yaml:"metrics_retention"`

	Browser BrowserConfig `yaml:"browser"`
}

// BrowserConfig controls how Chrome is reached.
type BrowserConfig struct {
	Remote   string `yaml:"remote"`
	Headless *bool  `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// LoadFile reads a YAML configuration file. Missing fields take defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxImageRetries <= 0 {
		c.MaxImageRetries = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 600 * time.Millisecond
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 200 * time.Millisecond
	}
	if c.QueueGap <= 0 {
		c.QueueGap = 250 * time.Millisecond
	}
	if c.InitialDelayMax <= 0 {
		c.InitialDelayMax = 400 * time.Millisecond
	}
	if c.MutationDebounce <= 0 {
		c.MutationDebounce = 180 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.UIHideDelay <= 0 {
		c.UIHideDelay = 900 * time.Millisecond
	}
	if c.CacheBudgetBytes == 0 {
		c.CacheBudgetBytes = 64 << 20
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 7 * 24 * time.Hour
	}
	if c.RescueCheckInterval <= 0 {
		c.RescueCheckInterval = 2500 * time.Millisecond
	}
	if c.RescueCooldown <= 0 {
		c.RescueCooldown = 10 * time.Second
	}
	if c.RescueOverflowFactor <= 0 {
		c.RescueOverflowFactor = 1.15
	}
	if c.RescueScanLimit <= 0 {
		c.RescueScanLimit = 400
	}
	if c.RescueMarkLimit <= 0 {
		c.RescueMarkLimit = 8
	}
	if c.ProtectorFPSThreshold <= 0 {
		c.ProtectorFPSThreshold = 24
	}
	if c.ProtectorLimitFPS <= 0 {
		c.ProtectorLimitFPS = 30
	}
	if c.TimerFloor <= 0 {
		c.TimerFloor = 50 * time.Millisecond
	}
	if c.FPSWindow <= 0 {
		c.FPSWindow = 3 * time.Second
	}
	if c.ContextBurst <= 0 {
		c.ContextBurst = 6
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 5 * time.Second
	}
	if c.StorePath == "" {
		c.StorePath = "data/pagerescue.db"
	}
	if c.Browser.Headless == nil {
		headless := true
		c.Browser.Headless = &headless
	}
}

// Clone returns a deep copy, so slices are never shared between snapshots.
func (c Config) Clone() Config {
	c.WhitelistHosts = slices.Clone(c.WhitelistHosts)
	if c.Browser.Headless != nil {
		h := *c.Browser.Headless
		c.Browser.Headless = &h
	}
	return c
}

// HostAllowed reports whether automatic protection may trigger on host.
// An empty allow-list admits every host. Entries match the host itself and its
// subdomains; an entry that is a public suffix (co.uk, github.io) matches
// nothing.
func (c Config) HostAllowed(host string) bool {
	if len(c.WhitelistHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range c.WhitelistHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if ps, _ := publicsuffix.PublicSuffix(h); ps == h {
			continue
		}
		if h == host || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
