package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type Fetch struct {
	UserAgent     string        `yaml:"user_agent"`
	Timeout       time.Duration `yaml:"timeout"`         // default per-source timeout
	RatePerSecond float64       `yaml:"rate_per_second"` // per region, 0 = unlimited
	Burst         int           `yaml:"burst"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

type Scheduler struct {
	MaxInFlight    int           `yaml:"max_in_flight"`
	PerCycleBudget int           `yaml:"per_cycle_budget"` // subjects per request, 0 = no cap
	Pacing         time.Duration `yaml:"pacing"`           // pause between sub-batches, 0 = none
	MaxRetries     int           `yaml:"max_retries"`      // 0 disables retries
	Backoff        time.Duration `yaml:"backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetryAfter  time.Duration `yaml:"max_retry_after"` // longer Retry-After hints end retrying
	Buckets        []string      `yaml:"buckets"`  // e.g. ["a-e","f-j"]
	Timezone       string        `yaml:"timezone"` // hour-of-day reference, default UTC
}

type Cache struct {
	TTL           time.Duration `yaml:"ttl"`
	StaleTTL      time.Duration `yaml:"stale_ttl"` // how long the last good result stays usable as fallback
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Feed struct {
	DefaultLimit        int      `yaml:"default_limit"`
	MaxLimit            int      `yaml:"max_limit"`
	MaxPhotosPerSubject int      `yaml:"max_photos_per_subject"` // newest N per subject, <0 disables
	DefaultRegions      []string `yaml:"default_regions"`
}

// SourceConfig describes one regional deployment. Paths map a resource kind
// to a path template containing {subject}.
type SourceConfig struct {
	Region  string            `yaml:"region"`
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Paths   map[string]string `yaml:"paths"`
}

type Config struct {
	LogLevel  string         `yaml:"log_level"`
	Server    Server         `yaml:"server"`
	Fetch     Fetch          `yaml:"fetch"`
	Scheduler Scheduler      `yaml:"scheduler"`
	Cache     Cache          `yaml:"cache"`
	Feed      Feed           `yaml:"feed"`
	Sources   []SourceConfig `yaml:"sources"`
}

// Load reads a YAML file. An empty path yields the built-in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes b over the built-in defaults. Scheduler knobs where zero is
// meaningful are preset before decoding so an explicit 0 in the file survives.
func Parse(b []byte) (*Config, error) {
	c := Config{Scheduler: Scheduler{
		PerCycleBudget: 50,
		Pacing:         200 * time.Millisecond,
		MaxRetries:     1,
	}}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGGREGATOR_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("AGGREGATOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "feed-aggregator/1.0"
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 5 * time.Second
	}
	if c.Fetch.Burst <= 0 {
		c.Fetch.Burst = 1
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 5 << 20
	}
	if c.Scheduler.MaxInFlight <= 0 {
		c.Scheduler.MaxInFlight = 10
	}
	if c.Scheduler.Backoff == 0 {
		c.Scheduler.Backoff = 500 * time.Millisecond
	}
	if c.Scheduler.MaxBackoff == 0 {
		c.Scheduler.MaxBackoff = 2 * time.Second
	}
	if c.Scheduler.MaxRetryAfter == 0 {
		c.Scheduler.MaxRetryAfter = 10 * time.Second
	}
	if len(c.Scheduler.Buckets) == 0 {
		c.Scheduler.Buckets = []string{"a-e", "f-j", "k-o", "p-t", "u-z"}
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Minute
	}
	if c.Cache.StaleTTL == 0 {
		c.Cache.StaleTTL = 24 * time.Hour
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1000
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}
	if c.Feed.DefaultLimit <= 0 {
		c.Feed.DefaultLimit = 20
	}
	if c.Feed.MaxLimit <= 0 {
		c.Feed.MaxLimit = 100
	}
	if c.Feed.MaxPhotosPerSubject == 0 {
		c.Feed.MaxPhotosPerSubject = 10
	}
	for i := range c.Sources {
		if c.Sources[i].Timeout == 0 {
			c.Sources[i].Timeout = c.Fetch.Timeout
		}
	}
}

// Validate checks values defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.DefaultLimit > c.Feed.MaxLimit {
		errs = append(errs, fmt.Errorf("feed.default_limit %d exceeds feed.max_limit %d", c.Feed.DefaultLimit, c.Feed.MaxLimit))
	}
	if c.Fetch.RatePerSecond < 0 {
		errs = append(errs, errors.New("fetch.rate_per_second must not be negative"))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must not be negative"))
	}
	if c.Scheduler.PerCycleBudget < 0 {
		errs = append(errs, errors.New("scheduler.per_cycle_budget must not be negative"))
	}
	if c.Scheduler.Pacing < 0 {
		errs = append(errs, errors.New("scheduler.pacing must not be negative"))
	}
	if c.Cache.StaleTTL < c.Cache.TTL {
		errs = append(errs, fmt.Errorf("cache.stale_ttl %s is shorter than cache.ttl %s", c.Cache.StaleTTL, c.Cache.TTL))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for _, b := range c.Scheduler.Buckets {
		if _, _, err := ParseBucket(b); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug|info|warn|error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ParseBucket parses a letter range such as "a-e" or a single letter "x".
func ParseBucket(s string) (lo, hi rune, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(s, "-")
	switch {
	case len(parts) == 1 && len(parts[0]) == 1:
		lo, hi = rune(parts[0][0]), rune(parts[0][0])
	case len(parts) == 2 && len(parts[0]) == 1 && len(parts[1]) == 1:
		lo, hi = rune(parts[0][0]), rune(parts[1][0])
	default:
		return 0, 0, fmt.Errorf("bucket %q: want a letter range like a-e", s)
	}
	if lo < 'a' || hi > 'z' || lo > hi {
		return 0, 0, fmt.Errorf("bucket %q: range must be within a-z and ascending", s)
	}
	return lo, hi, nil
}

// Location returns the timezone used for hour-of-day rotation.
func (s Scheduler) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
