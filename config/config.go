package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TomlLane holds worker pool settings for a single job lane
type TomlLane struct {
	Workers     int `toml:"workers"`
	MaxAttempts int `toml:"max_attempts,omitempty"`
}

// TomlPipeline represents the job pipeline configuration
type TomlPipeline struct {
	PollIntervalMillis int      `toml:"poll_interval_millis"`
	Analytics          TomlLane `toml:"analytics"`
	Notification       TomlLane `toml:"notification"`
	Email              TomlLane `toml:"email"`
}

// TomlEngagement holds ingestion policy knobs
type TomlEngagement struct {
	ViewDedupMinutes   int `toml:"view_dedup_minutes"`
	ViewRetentionDays  int `toml:"view_retention_days"`
	MaxClapsPerCall    int `toml:"max_claps_per_call"`
	MaxReadingSeconds  int `toml:"max_reading_seconds"`
	ReconcileFrequency int `toml:"reconcile_frequency_minutes"`
}

// TomlSMTP represents the email delivery provider configuration
type TomlSMTP struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	From     string `toml:"from"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Pipeline   TomlPipeline   `toml:"pipeline"`
	Engagement TomlEngagement `toml:"engagement"`
	SMTP       TomlSMTP       `toml:"smtp"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *TomlConfig {
	config := &TomlConfig{}
	config.applyDefaults()
	return config
}

func (c *TomlConfig) applyDefaults() {
	if c.Pipeline.PollIntervalMillis == 0 {
		c.Pipeline.PollIntervalMillis = 500
	}
	if c.Pipeline.Analytics.Workers == 0 {
		c.Pipeline.Analytics.Workers = 2
	}
	if c.Pipeline.Notification.Workers == 0 {
		c.Pipeline.Notification.Workers = 2
	}
	if c.Pipeline.Email.Workers == 0 {
		c.Pipeline.Email.Workers = 1
	}
	if c.Pipeline.Analytics.MaxAttempts == 0 {
		c.Pipeline.Analytics.MaxAttempts = 5
	}
	if c.Pipeline.Notification.MaxAttempts == 0 {
		c.Pipeline.Notification.MaxAttempts = 5
	}
	if c.Pipeline.Email.MaxAttempts == 0 {
		c.Pipeline.Email.MaxAttempts = 3
	}
	if c.Engagement.ViewDedupMinutes == 0 {
		c.Engagement.ViewDedupMinutes = 5
	}
	if c.Engagement.ViewRetentionDays == 0 {
		c.Engagement.ViewRetentionDays = 30
	}
	if c.Engagement.MaxClapsPerCall == 0 {
		c.Engagement.MaxClapsPerCall = 10
	}
	if c.Engagement.MaxReadingSeconds == 0 {
		c.Engagement.MaxReadingSeconds = 60
	}
	if c.Engagement.ReconcileFrequency == 0 {
		c.Engagement.ReconcileFrequency = 60
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

func (c *TomlConfig) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalMillis) * time.Millisecond
}

func (c *TomlConfig) ViewDedupWindow() time.Duration {
	return time.Duration(c.Engagement.ViewDedupMinutes) * time.Minute
}

func (c *TomlConfig) ViewRetention() time.Duration {
	return time.Duration(c.Engagement.ViewRetentionDays) * 24 * time.Hour
}

func (c *TomlConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.Engagement.ReconcileFrequency) * time.Minute
}
