package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Source types.
const (
	SourceICS    = "ics"
	SourceGoogle = "google"
)

// SourceConfig describes a single calendar source.
type SourceConfig struct {
	// ID is an internal identifier; it keys snapshots and breakers.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Tag is the group (team, person) the source feeds into.
	Tag string `yaml:"tag" json:"tag"`
	// Type is "ics" (feed URL) or "google" (Calendar API).
	Type string `yaml:"type" json:"type"`
	// URL is the ICS subscription endpoint (type ics).
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// CalendarID is the Google calendar ID (type google).
	CalendarID string `yaml:"calendar_id,omitempty" json:"calendar_id,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the operator API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ScheduleConfig holds cron specs (standard 5-field or @every/@daily
// descriptors) for the periodic loops.
type ScheduleConfig struct {
	Poll      string `yaml:"poll" json:"poll"`
	Verify    string `yaml:"verify" json:"verify"`
	HealthLog string `yaml:"health_log" json:"health_log"`
	Daily     string `yaml:"daily" json:"daily"`
	Weekly    string `yaml:"weekly" json:"weekly"`
}

// WindowConfig bounds the events fetched per poll relative to today.
type WindowConfig struct {
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
}

// FetchConfig controls per-request behaviour.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Retries      int           `yaml:"retries" json:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
}

// VerificationConfig controls the pending-change verifier.
type VerificationConfig struct {
	Delay      time.Duration `yaml:"delay" json:"delay"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	// AnnounceNewSources announces every event of a source seen for the
	// first time. By default a new source's first poll is recorded silently.
	AnnounceNewSources bool `yaml:"announce_new_sources" json:"announce_new_sources"`
}

// BreakerConfig controls the per-source circuit breakers.
type BreakerConfig struct {
	Threshold      int           `yaml:"threshold" json:"threshold"`
	BackoffFloor   time.Duration `yaml:"backoff_floor" json:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling" json:"backoff_ceiling"`
}

// HealthConfig holds success-rate thresholds in percent.
type HealthConfig struct {
	HealthyRate  float64 `yaml:"healthy_rate" json:"healthy_rate"`
	DegradedRate float64 `yaml:"degraded_rate" json:"degraded_rate"`
}

// NotifyConfig controls delivery of confirmed changes and digests.
type NotifyConfig struct {
	// WebhookURL, if set, receives a JSON POST per message.
	WebhookURL string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	Buffer     int    `yaml:"buffer" json:"buffer"`
}

// GoogleConfig holds Calendar API credentials.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the operator API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical zone (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// StateDir holds the snapshot file and the feed cache.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Sources      []SourceConfig     `yaml:"sources" json:"sources"`
	Schedule     ScheduleConfig     `yaml:"schedule" json:"schedule"`
	Window       WindowConfig       `yaml:"window" json:"window"`
	Fetch        FetchConfig        `yaml:"fetch" json:"fetch"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Breaker      BreakerConfig      `yaml:"breaker" json:"breaker"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	Notify       NotifyConfig       `yaml:"notify" json:"notify"`
	Google       GoogleConfig       `yaml:"google" json:"google"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{Sources: []SourceConfig{}}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/calwatch"
	}

	s := &c.Schedule
	if s.Poll == "" {
		s.Poll = "@every 1m"
	}
	if s.Verify == "" {
		s.Verify = "@every 30s"
	}
	if s.HealthLog == "" {
		s.HealthLog = "@every 5m"
	}
	if s.Daily == "" {
		s.Daily = "0 8 * * *"
	}
	if s.Weekly == "" {
		s.Weekly = "0 8 * * 1"
	}

	if c.Window.PastDays <= 0 {
		c.Window.PastDays = 30
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = 90
	}

	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 15 * time.Second
	}
	if c.Fetch.Retries < 0 {
		c.Fetch.Retries = 0
	}
	if c.Fetch.RetryBackoff <= 0 {
		c.Fetch.RetryBackoff = time.Second
	}
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 4
	}

	if c.Verification.Delay <= 0 {
		c.Verification.Delay = 3 * time.Minute
	}
	if c.Verification.MaxRetries <= 0 {
		c.Verification.MaxRetries = 3
	}

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.BackoffFloor <= 0 {
		c.Breaker.BackoffFloor = time.Minute
	}
	if c.Breaker.BackoffCeiling <= 0 {
		c.Breaker.BackoffCeiling = time.Hour
	}

	if c.Health.HealthyRate <= 0 {
		c.Health.HealthyRate = 90
	}
	if c.Health.DegradedRate <= 0 {
		c.Health.DegradedRate = 70
	}

	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = 64
	}

	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Type = strings.ToLower(strings.TrimSpace(src.Type))
		if src.Type == "" {
			if src.CalendarID != "" && src.URL == "" {
				src.Type = SourceGoogle
			} else {
				src.Type = SourceICS
			}
		}
		if src.ID == "" {
			switch {
			case src.Name != "":
				src.ID = src.Name
			case src.URL != "":
				src.ID = src.URL
			default:
				src.ID = src.CalendarID
			}
		}
		if src.Tag == "" {
			src.Tag = src.ID
		}
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	specs := map[string]string{
		"schedule.poll":       c.Schedule.Poll,
		"schedule.verify":     c.Schedule.Verify,
		"schedule.health_log": c.Schedule.HealthLog,
		"schedule.daily":      c.Schedule.Daily,
		"schedule.weekly":     c.Schedule.Weekly,
	}
	for name, spec := range specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}

	if c.Health.DegradedRate > c.Health.HealthyRate {
		errs = append(errs, fmt.Errorf("health.degraded_rate (%v) exceeds health.healthy_rate (%v)", c.Health.DegradedRate, c.Health.HealthyRate))
	}

	seen := make(map[string]bool)
	for i, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: missing id", i))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID))
		}
		seen[src.ID] = true

		switch src.Type {
		case SourceICS:
			if src.URL == "" {
				errs = append(errs, fmt.Errorf("source %q: ics source needs url", src.ID))
			}
		case SourceGoogle:
			if src.CalendarID == "" {
				errs = append(errs, fmt.Errorf("source %q: google source needs calendar_id", src.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown type %q", src.ID, src.Type))
		}
	}

	return errors.Join(errs...)
}

// ApplyEnv overrides secrets from the environment. Values applied here are
// never written back by Save unless the caller does so explicitly.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("CALWATCH_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := getenv("CALWATCH_GOOGLE_CREDENTIALS"); v != "" {
		c.Google.CredentialsFile = v
	}
	user, pass := getenv("CALWATCH_BASIC_AUTH_USER"), getenv("CALWATCH_BASIC_AUTH_PASSWORD")
	if user != "" && pass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}

// Location resolves the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SnapshotPath is where confirmed baselines are persisted.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.StateDir, "snapshot.json")
}

// CacheDir is where feed bodies and HTTP cache metadata are kept.
func (c *Config) CacheDir() string {
	return filepath.Join(c.StateDir, "ics-cache")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	return decode(data)
}

// LoadExisting reads a config file without creating it when missing.
func LoadExisting(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calwatch-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
