// Package report posts a scheduled status digest to the source channel.
// Disabled unless configured; the relay works identically without it.
package report

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const defaultSchedule = "0 9 * * *"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// StatusFunc renders the digest body.
type StatusFunc func(ctx context.Context) string

// Texter is the transport subset the report needs.
type Texter interface {
	SendText(ctx context.Context, to int64, text string) (transport.MessageRef, error)
}

type Service struct {
	cfg    Config
	dest   int64
	tx     Texter
	status StatusFunc
	log    logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, dest int64, tx Texter, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		dest:   dest,
		tx:     tx,
		status: status,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the digest. Returns an error only for a bad schedule or
// timezone; a disabled service starts as a no-op.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	_, err := s.c.AddFunc(spec, func() { s.post(ctx) })
	if err != nil {
		return err
	}
	s.c.Start()
	s.log.Info("status report scheduled", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
	}
	s.c = nil
}

func (s *Service) post(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	text := "Relay status\n" + s.status(sctx)
	if _, err := s.tx.SendText(sctx, s.dest, text); err != nil {
		s.log.Warn("status report send failed", logx.Err(err))
		return
	}
	s.log.Debug("status report sent")
}
