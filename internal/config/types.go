package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`
	Report   *ReportConfig  `json:"report,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// RelayConfig holds the relay-specific startup values.
type RelayConfig struct {
	// SourceChannel is the chat id of the upstream channel.
	SourceChannel int64 `json:"source_channel"`
	// Secret is the shared registration secret.
	Secret string `json:"secret"`
	// RegisterTrigger is the phrase that starts registration from inside a
	// group. Default "/register".
	RegisterTrigger string `json:"register_trigger,omitempty"`
	// DataDir is where the line-file state lives. Default "./data".
	DataDir string `json:"data_dir,omitempty"`
	// Destinations pre-seeds the registry (chat ids as strings).
	Destinations []string `json:"destinations,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional delivery history layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HealthConfig controls the liveness HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}

// ReportConfig controls the scheduled status digest posted to the source
// channel. Off unless enabled explicitly.
type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (5-field, optional seconds).
	Schedule string `json:"schedule,omitempty"` // default "0 9 * * *"
	Timezone string `json:"timezone,omitempty"`
}

// Validate checks the values that must be present before the relay can be
// built. A failure here is fatal at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Relay.SourceChannel == 0 {
		return fmt.Errorf("relay.source_channel is required")
	}
	if strings.TrimSpace(c.Relay.Secret) == "" {
		return fmt.Errorf("relay.secret is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
