package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides for the secrets and ids that operators prefer to
// keep out of the config file. Applied after every parse, including watch
// reloads, so a file edit can never downgrade an env-pinned value.
const (
	EnvBotToken      = "RELAY_BOT_TOKEN"
	EnvSecret        = "RELAY_SECRET"
	EnvSourceChannel = "RELAY_SOURCE_CHANNEL"
)

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSecret)); v != "" {
		cfg.Relay.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSourceChannel)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q: %w", EnvSourceChannel, v, err)
		}
		cfg.Relay.SourceChannel = n
	}
	return nil
}
