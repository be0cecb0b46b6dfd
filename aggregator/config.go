// CLAUDE:SUMMARY Service configuration: YAML file over embedded defaults, XDG default paths, env overrides, validation.
package aggregator

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

//go:embed default_config.yaml
var defaultConfigYAML []byte

// SourceConfig declares one news source.
type SourceConfig struct {
	Name         string            `yaml:"name"`
	Endpoint     string            `yaml:"endpoint"`
	Kind         string            `yaml:"kind"`    // feed, rss, atom, json, html, rendered
	Enabled      *bool             `yaml:"enabled"` // nil means enabled
	Timeout      time.Duration     `yaml:"timeout"` // zero uses fetch_timeout
	CategoryHint string            `yaml:"category_hint"`
	LanguageHint string            `yaml:"language_hint"`
	Options      map[string]string `yaml:"options"` // html selectors
}

// IsEnabled reports the configured enabled flag.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// SchedulerConfig configures refresh cycles.
type SchedulerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	FetchConcurrency     int           `yaml:"fetch_concurrency"`
	FailedCycleThreshold int           `yaml:"failed_cycle_threshold"`
	RunOnStart           bool          `yaml:"run_on_start"`
}

// DedupConfig configures duplicate resolution.
type DedupConfig struct {
	RecencyWindow    time.Duration `yaml:"recency_window"`
	NearDupThreshold float64       `yaml:"near_dup_threshold"` // 0 disables
	ShingleSize      int           `yaml:"shingle_size"`
	NearDupScan      int           `yaml:"near_dup_scan"`
}

// CacheConfig configures the read cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// EnrichmentConfig configures short-summary enrichment.
type EnrichmentConfig struct {
	MinBodyRunes int `yaml:"min_body_runes"` // negative disables
	MaxPerSource int `yaml:"max_per_source"`
}

// ProbeConfig configures the recovery sweep of auto-disabled sources.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RetentionConfig bounds the bookkeeping tables. Zero keeps everything.
type RetentionConfig struct {
	FetchLog    time.Duration `yaml:"fetch_log"`
	MetricsDays int           `yaml:"metrics_days"`
	EventsDays  int           `yaml:"events_days"`
}

// RenderedConfig configures the headless browser.
type RenderedConfig struct {
	RemoteURL string `yaml:"remote_url"`
}

// Config configures the aggregator service. It is read once at startup.
type Config struct {
	DBPath            string `yaml:"db_path"`
	Port              string `yaml:"port"`
	LogLevel          string `yaml:"log_level"`
	UserAgent         string `yaml:"user_agent"`
	AllowPrivateHosts bool   `yaml:"allow_private_hosts"`
	// IgnoreRobots skips the robots.txt check on article and listing pages.
	IgnoreRobots bool `yaml:"ignore_robots"`
	// RulesPath points to a categorizer rules YAML file. Empty uses the
	// built-in rules.
	RulesPath string `yaml:"rules_path"`

	MaxItemsPerSource      int           `yaml:"max_items_per_source"`
	MaxBodyRunes           int           `yaml:"max_body_runes"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	FetchTimeout           time.Duration `yaml:"fetch_timeout"`
	WriteConcurrency       int           `yaml:"write_concurrency"`

	AllowedLanguages []string `yaml:"allowed_languages"`
	BlockedDomains   []string `yaml:"blocked_domains"`
	BlockedPatterns  []string `yaml:"blocked_patterns"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Cache      CacheConfig      `yaml:"cache"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Probe      ProbeConfig      `yaml:"probe"`
	Retention  RetentionConfig  `yaml:"retention"`
	Rendered   RenderedConfig   `yaml:"rendered"`

	Sources []SourceConfig `yaml:"sources"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UserAgent == "" {
		c.UserAgent = "NewsAggregator/1.0"
	}
	if c.MaxItemsPerSource <= 0 {
		c.MaxItemsPerSource = 1000
	}
	if c.MaxBodyRunes <= 0 {
		c.MaxBodyRunes = 2000
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 8
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = 5 * time.Minute
	}
	if c.Scheduler.FetchConcurrency <= 0 {
		c.Scheduler.FetchConcurrency = 16
	}
	if c.Scheduler.FailedCycleThreshold <= 0 {
		c.Scheduler.FailedCycleThreshold = 3
	}
	if c.Dedup.RecencyWindow <= 0 {
		c.Dedup.RecencyWindow = 48 * time.Hour
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Enrichment.MinBodyRunes == 0 {
		c.Enrichment.MinBodyRunes = 40
	}
	if c.Enrichment.MaxPerSource <= 0 {
		c.Enrichment.MaxPerSource = 10
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 6 * time.Hour
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Kind == "" {
			s.Kind = "feed"
		}
		s.Endpoint = strings.TrimSpace(s.Endpoint)
		if s.Endpoint != "" && !strings.Contains(s.Endpoint, "://") {
			s.Endpoint = "https://" + s.Endpoint
		}
	}
	for i, l := range c.AllowedLanguages {
		c.AllowedLanguages[i] = strings.ToLower(strings.TrimSpace(l))
	}
}

var knownKinds = map[string]bool{
	"feed": true, "rss": true, "atom": true, "json": true, "html": true, "rendered": true,
}

// Validate checks the configuration. Errors wrap ErrInvalidInput.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("source %d: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("source %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if !knownKinds[s.Kind] {
			errs = append(errs, fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind))
		}
		u, err := url.Parse(s.Endpoint)
		if s.Endpoint == "" || err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("source %q: invalid endpoint %q", s.Name, s.Endpoint))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("source %q: endpoint scheme must be http or https, got %q", s.Name, u.Scheme))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("source %q: negative timeout", s.Name))
		}
	}
	if c.Dedup.NearDupThreshold < 0 || c.Dedup.NearDupThreshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.near_dup_threshold must be within [0, 1], got %v", c.Dedup.NearDupThreshold))
	}
	for _, p := range c.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("blocked pattern %q: %v", p, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/newsagg/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "newsagg", "config.yaml")
}

// DefaultDBPath returns $XDG_DATA_HOME/newsagg/news.db.
func DefaultDBPath() string {
	return filepath.Join(xdg.DataHome, "newsagg", "news.db")
}

// DefaultConfig returns the embedded configuration with defaults applied.
func DefaultConfig() *Config {
	cfg, err := parseConfig(defaultConfigYAML, nil)
	if err != nil {
		panic("aggregator: embedded default config: " + err.Error())
	}
	return cfg
}

// ParseConfig decodes YAML over the embedded defaults. Lists given in data
// replace the default lists.
func ParseConfig(data []byte) (*Config, error) {
	base, err := parseConfig(defaultConfigYAML, nil)
	if err != nil {
		return nil, err
	}
	return parseConfig(data, base)
}

func parseConfig(data []byte, base *Config) (*Config, error) {
	cfg := &Config{}
	if base != nil {
		*cfg = *base
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrInvalidInput, err)
	}
	cfg.defaults()
	return cfg, nil
}

// Load reads the configuration file at path (DefaultConfigPath when empty).
// A missing file yields the embedded defaults. Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	var cfg *Config
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("aggregator: read config: %w", err)
	default:
		if cfg, err = ParseConfig(data); err != nil {
			return nil, fmt.Errorf("aggregator: config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := getenv("FETCH_INTERVAL_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: FETCH_INTERVAL_MIN=%q", ErrInvalidInput, v)
		}
		c.Scheduler.Interval = time.Duration(n) * time.Minute
	}
	if v := getenv("MAX_ARTICLES_PER_FETCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: MAX_ARTICLES_PER_FETCH=%q", ErrInvalidInput, v)
		}
		c.MaxItemsPerSource = n
	}
	if v := getenv("ALLOW_PRIVATE_HOSTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ALLOW_PRIVATE_HOSTS=%q", ErrInvalidInput, v)
		}
		c.AllowPrivateHosts = b
	}
	return nil
}
