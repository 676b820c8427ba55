// Package config loads runtime configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// AppName names the data directory under the XDG data home.
const AppName = "stravacal"

// StravaConfig holds upstream API settings.
type StravaConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`

	// VerifyToken is the shared secret echoed during the subscription handshake.
	VerifyToken string `yaml:"verify_token"`
	// SubscriptionID, when non-zero, must match every notification.
	SubscriptionID int64 `yaml:"subscription_id"`
}

// BasicAuthConfig protects the administrative routes when both fields are set.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether basic auth is configured.
func (b BasicAuthConfig) Enabled() bool {
	return b.Username != "" && b.Password != ""
}

// CalDAVConfig configures the optional CalDAV mirror.
type CalDAVConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarName string `yaml:"calendar_name"`
	CalendarPath string `yaml:"calendar_path"`
}

// Enabled reports whether a CalDAV mirror is configured.
func (c CalDAVConfig) Enabled() bool {
	return c.URL != ""
}

// Config is the top-level application configuration.
type Config struct {
	Listen          string `yaml:"listen"`
	DataDir         string `yaml:"data_dir"`
	CredentialsFile string `yaml:"credentials_file"`
	// Timezone is the IANA zone sleep submissions are interpreted in.
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`

	Strava StravaConfig `yaml:"strava"`

	PerPage     int           `yaml:"per_page"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// RebuildSchedule is a standard five-field cron expression; empty disables it.
	RebuildSchedule string `yaml:"rebuild_schedule"`

	Admin  BasicAuthConfig `yaml:"admin"`
	CalDAV CalDAVConfig    `yaml:"caldav"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:      ":8080",
		DataDir:     filepath.Join(xdg.DataHome, AppName),
		Timezone:    "UTC",
		LogLevel:    "info",
		PerPage:     10,
		Workers:     4,
		QueueSize:   64,
		TaskTimeout: 30 * time.Second,
		HTTPTimeout: 15 * time.Second,
	}
}

// Load builds the configuration. path may be empty; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills derived values.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = Default().DataDir
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = filepath.Join(c.DataDir, "credentials.json")
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err))
	}
	if c.PerPage <= 0 || c.PerPage > 200 {
		errs = append(errs, fmt.Errorf("per_page must be between 1 and 200, got %d", c.PerPage))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.TaskTimeout <= 0 || c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("task_timeout and http_timeout must be positive"))
	}
	if c.RebuildSchedule != "" {
		if _, err := cron.ParseStandard(c.RebuildSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid rebuild_schedule '%s': %w", c.RebuildSchedule, err))
		}
	}
	if c.CalDAV.Enabled() && c.CalDAV.CalendarName == "" && c.CalDAV.CalendarPath == "" {
		errs = append(errs, errors.New("caldav requires calendar_name or calendar_path"))
	}
	return errors.Join(errs...)
}

// Location returns the configured local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarDir is where the calendar store documents live.
func (c *Config) CalendarDir() string {
	return filepath.Join(c.DataDir, "calendars")
}

func (c *Config) applyEnv() error {
	setString(&c.Listen, "STRAVACAL_LISTEN")
	setString(&c.DataDir, "STRAVACAL_DATA_DIR")
	setString(&c.CredentialsFile, "STRAVA_CREDENTIALS_FILE")
	setString(&c.Timezone, "TIMEZONE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Strava.ClientID, "STRAVA_CLIENT_ID")
	setString(&c.Strava.ClientSecret, "STRAVA_CLIENT_SECRET")
	setString(&c.Strava.BaseURL, "STRAVA_API_URL")
	setString(&c.Strava.TokenURL, "STRAVA_TOKEN_URL")
	setString(&c.Strava.VerifyToken, "STRAVA_VERIFY_TOKEN")
	setString(&c.RebuildSchedule, "REBUILD_SCHEDULE")
	setString(&c.Admin.Username, "ADMIN_USERNAME")
	setString(&c.Admin.Password, "ADMIN_PASSWORD")
	setString(&c.CalDAV.URL, "CALDAV_URL")
	setString(&c.CalDAV.Username, "CALDAV_USERNAME")
	setString(&c.CalDAV.Password, "CALDAV_PASSWORD")
	setString(&c.CalDAV.CalendarName, "CALDAV_CALENDAR_NAME")
	setString(&c.CalDAV.CalendarPath, "CALDAV_CALENDAR_PATH")

	return errors.Join(
		setInt64(&c.Strava.SubscriptionID, "STRAVA_SUBSCRIPTION_ID"),
		setInt(&c.PerPage, "PER_PAGE"),
		setInt(&c.Workers, "WORKERS"),
		setInt(&c.QueueSize, "QUEUE_SIZE"),
		setDuration(&c.TaskTimeout, "TASK_TIMEOUT"),
		setDuration(&c.HTTPTimeout, "HTTP_TIMEOUT"),
	)
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func setString(dst *string, key string) {
	if value, ok := lookup(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}
