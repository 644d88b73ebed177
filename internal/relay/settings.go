package relay

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/liststore"
	"relaybot/internal/retry"
	logx "relaybot/pkg/logx"
)

const (
	settingsKey = "settings.txt"

	settingMessageInterval = "message_interval"
	settingCycleInterval   = "cycle_interval"

	envMessageInterval = "RELAY_MESSAGE_INTERVAL"
	envCycleInterval   = "RELAY_CYCLE_INTERVAL"

	defaultMessageInterval = 10 * time.Minute
	defaultCycleInterval   = time.Hour

	minInterval = time.Minute
)

// Settings holds the two tunable intervals.
//
// Load precedence is per field: environment, then the persisted settings
// file, then the hard-coded default. Set only touches memory and the file;
// an environment override stays in force until the operator removes it,
// which is why Load re-applies env last.
type Settings struct {
	mu sync.Mutex

	messageInterval time.Duration
	cycleInterval   time.Duration

	store   *liststore.Store
	log     logx.Logger
	persist retry.Policy
}

func NewSettings(store *liststore.Store, log logx.Logger) *Settings {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Settings{
		messageInterval: defaultMessageInterval,
		cycleInterval:   defaultCycleInterval,
		store:           store,
		log:             log,
		persist:         retry.Fixed(3, time.Second),
	}
}

// Load applies persisted values and environment overrides on top of the
// defaults. Unparseable values are logged and skipped.
func (s *Settings) Load() error {
	var persisted map[string]string
	if s.store != nil {
		m, err := s.store.LoadMap(settingsKey)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		persisted = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := persisted[settingMessageInterval]; ok {
		if d, err := parseInterval(v); err == nil {
			s.messageInterval = d
		} else {
			s.log.Warn("ignoring persisted setting", logx.String("key", settingMessageInterval), logx.String("value", v), logx.Err(err))
		}
	}
	if v, ok := persisted[settingCycleInterval]; ok {
		if d, err := parseInterval(v); err == nil {
			s.cycleInterval = d
		} else {
			s.log.Warn("ignoring persisted setting", logx.String("key", settingCycleInterval), logx.String("value", v), logx.Err(err))
		}
	}

	if v := strings.TrimSpace(os.Getenv(envMessageInterval)); v != "" {
		if d, err := parseInterval(v); err == nil {
			s.messageInterval = d
		} else {
			s.log.Warn("ignoring env override", logx.String("var", envMessageInterval), logx.String("value", v), logx.Err(err))
		}
	}
	if v := strings.TrimSpace(os.Getenv(envCycleInterval)); v != "" {
		if d, err := parseInterval(v); err == nil {
			s.cycleInterval = d
		} else {
			s.log.Warn("ignoring env override", logx.String("var", envCycleInterval), logx.String("value", v), logx.Err(err))
		}
	}
	return nil
}

// MessageInterval is the pause between two messages within a cycle.
// Re-read by the scheduler before every wait.
func (s *Settings) MessageInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageInterval
}

// CycleInterval is the pause between two cycles. It doubles as the resend
// suppression window.
func (s *Settings) CycleInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleInterval
}

// SetMessageInterval validates, updates memory, and persists.
// Persistence failure is logged, never surfaced; memory stays authoritative.
func (s *Settings) SetMessageInterval(ctx context.Context, d time.Duration) error {
	if d < minInterval {
		return fmt.Errorf("message interval must be at least %s", minInterval)
	}
	s.mu.Lock()
	s.messageInterval = d
	s.mu.Unlock()
	s.persistNow(ctx)
	return nil
}

func (s *Settings) SetCycleInterval(ctx context.Context, d time.Duration) error {
	if d < minInterval {
		return fmt.Errorf("cycle interval must be at least %s", minInterval)
	}
	s.mu.Lock()
	s.cycleInterval = d
	s.mu.Unlock()
	s.persistNow(ctx)
	return nil
}

func (s *Settings) persistNow(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	m := map[string]string{
		settingMessageInterval: s.messageInterval.String(),
		settingCycleInterval:   s.cycleInterval.String(),
	}
	s.mu.Unlock()

	err := s.persist.Do(ctx, func(context.Context) error {
		return s.store.SaveMap(settingsKey, "relay intervals", m)
	})
	if err != nil {
		s.log.Error("settings persist failed", logx.Err(err))
	}
}

// parseInterval accepts a Go duration ("15m", "1h30m") or a bare integer
// interpreted as minutes, matching the control-surface commands.
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("interval %d is below 1 minute", n)
		}
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < minInterval {
		return 0, fmt.Errorf("interval %s is below %s", d, minInterval)
	}
	return d, nil
}
