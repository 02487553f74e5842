package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, built once at startup and passed
// explicitly into every component.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`

	FeedBaseURL string `yaml:"feed_base_url"`
	FeedAPIKey  string `yaml:"feed_api_key"`

	SMSBaseURL    string `yaml:"sms_base_url"`
	SMSAccountSID string `yaml:"sms_account_sid"`
	SMSAuthToken  string `yaml:"sms_auth_token"`
	SMSNumber     string `yaml:"sms_number"`

	DirectoryBaseURL string `yaml:"directory_base_url"`
	DirectoryToken   string `yaml:"directory_token"`

	OperatorNumber string `yaml:"operator_number"`
	ReportBaseURL  string `yaml:"report_base_url"`

	SpikeThreshold float64 `yaml:"spike_threshold"`
	SanityCeiling  float64 `yaml:"sanity_ceiling"`
	AlertRadius    float64 `yaml:"alert_radius_meters"`

	// Durations are Go duration strings in the YAML file ("10m", "168h").
	RunDuration  time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`
	ElevatedLag  time.Duration `yaml:"-"`
	StaleCutoff  time.Duration `yaml:"-"`

	QuietStartHour int    `yaml:"quiet_start_hour"`
	QuietEndHour   int    `yaml:"quiet_end_hour"`
	Timezone       string `yaml:"timezone"`
	DailySchedule  string `yaml:"daily_schedule"`

	MessagePacing  time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	Durations DurationStrings `yaml:"durations"`
}

// DurationStrings carries the YAML form of the duration settings.
type DurationStrings struct {
	RunDuration    string `yaml:"run_duration"`
	PollInterval   string `yaml:"poll_interval"`
	ElevatedLag    string `yaml:"elevated_lag"`
	StaleCutoff    string `yaml:"stale_cutoff"`
	MessagePacing  string `yaml:"message_pacing"`
	RequestTimeout string `yaml:"request_timeout"`
}

// Load builds the configuration from environment variables, optionally merged
// over a YAML file named by SPIKEALERTS_CONFIG. Environment values win.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       ":8080",
		FeedBaseURL:    "https://api.purpleair.com/v1",
		SpikeThreshold: 35,
		RunDuration:    7 * 24 * time.Hour,
		PollInterval:   10 * time.Minute,
		ElevatedLag:    20 * time.Minute,
		StaleCutoff:    60 * time.Minute,
		SanityCeiling:  1000,
		AlertRadius:    1000,
		QuietEndHour:   8,
		QuietStartHour: 21,
		Timezone:       "America/Chicago",
		DailySchedule:  "0 8 * * *",
		MessagePacing:  time.Second,
		RequestTimeout: 10 * time.Second,
	}

	if path := os.Getenv("SPIKEALERTS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
		applyDurationStrings(&cfg)
	}

	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.FeedBaseURL = getenvDefault("FEED_BASE_URL", cfg.FeedBaseURL)
	cfg.FeedAPIKey = getenvDefault("FEED_API_KEY", cfg.FeedAPIKey)
	cfg.SMSBaseURL = getenvDefault("SMS_BASE_URL", cfg.SMSBaseURL)
	cfg.SMSAccountSID = getenvDefault("SMS_ACCOUNT_SID", cfg.SMSAccountSID)
	cfg.SMSAuthToken = getenvDefault("SMS_AUTH_TOKEN", cfg.SMSAuthToken)
	cfg.SMSNumber = getenvDefault("SMS_NUMBER", cfg.SMSNumber)
	cfg.DirectoryBaseURL = getenvDefault("DIRECTORY_BASE_URL", cfg.DirectoryBaseURL)
	cfg.DirectoryToken = getenvDefault("DIRECTORY_TOKEN", cfg.DirectoryToken)
	cfg.OperatorNumber = getenvDefault("OPERATOR_NUMBER", cfg.OperatorNumber)
	cfg.ReportBaseURL = getenvDefault("REPORT_BASE_URL", cfg.ReportBaseURL)
	cfg.Timezone = getenvDefault("SPIKEALERTS_TIMEZONE", cfg.Timezone)
	cfg.DailySchedule = getenvDefault("SPIKEALERTS_DAILY_SCHEDULE", cfg.DailySchedule)
	cfg.AdminJWTSecret = getenvDefault("ADMIN_JWT_SECRET", cfg.AdminJWTSecret)

	cfg.SpikeThreshold = getenvFloatDefault("SPIKEALERTS_THRESHOLD", cfg.SpikeThreshold)
	cfg.SanityCeiling = getenvFloatDefault("SPIKEALERTS_SANITY_CEILING", cfg.SanityCeiling)
	cfg.AlertRadius = getenvFloatDefault("SPIKEALERTS_RADIUS_METERS", cfg.AlertRadius)
	cfg.QuietStartHour = getenvIntDefault("SPIKEALERTS_QUIET_START_HOUR", cfg.QuietStartHour)
	cfg.QuietEndHour = getenvIntDefault("SPIKEALERTS_QUIET_END_HOUR", cfg.QuietEndHour)

	cfg.RunDuration = getenvDuration("SPIKEALERTS_RUN_DURATION", cfg.RunDuration)
	cfg.PollInterval = getenvDuration("SPIKEALERTS_POLL_INTERVAL", cfg.PollInterval)
	cfg.ElevatedLag = getenvDuration("SPIKEALERTS_ELEVATED_LAG", cfg.ElevatedLag)
	cfg.StaleCutoff = getenvDuration("SPIKEALERTS_STALE_CUTOFF", cfg.StaleCutoff)
	cfg.MessagePacing = getenvDuration("SPIKEALERTS_MESSAGE_PACING", cfg.MessagePacing)
	cfg.RequestTimeout = getenvDuration("SPIKEALERTS_REQUEST_TIMEOUT", cfg.RequestTimeout)

	return cfg, cfg.Validate()
}

// Validate checks the fields the process cannot run without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if c.FeedAPIKey == "" {
		return errors.New("config: FEED_API_KEY is required")
	}
	if c.SpikeThreshold <= 0 {
		return fmt.Errorf("config: spike threshold must be positive, got %v", c.SpikeThreshold)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %v", c.PollInterval)
	}
	if c.RunDuration <= 0 {
		return fmt.Errorf("config: run duration must be positive, got %v", c.RunDuration)
	}
	if c.ElevatedLag <= 0 {
		return fmt.Errorf("config: elevated lag must be positive, got %v", c.ElevatedLag)
	}
	if c.QuietEndHour < 0 || c.QuietEndHour > 23 || c.QuietStartHour < 0 || c.QuietStartHour > 23 {
		return errors.New("config: quiet hours must be within 0-23")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. Validate must have passed.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func applyDurationStrings(cfg *Config) {
	set := func(target *time.Duration, value string) {
		if value == "" {
			return
		}
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
	set(&cfg.RunDuration, cfg.Durations.RunDuration)
	set(&cfg.PollInterval, cfg.Durations.PollInterval)
	set(&cfg.ElevatedLag, cfg.Durations.ElevatedLag)
	set(&cfg.StaleCutoff, cfg.Durations.StaleCutoff)
	set(&cfg.MessagePacing, cfg.Durations.MessagePacing)
	set(&cfg.RequestTimeout, cfg.Durations.RequestTimeout)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
