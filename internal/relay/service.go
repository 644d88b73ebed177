package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/liststore"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	cmdSetMessageInterval = "set-message-interval"
	cmdSetResendInterval  = "set-resend-interval"
	cmdShowStatus         = "show-status"

	defaultRegisterTrigger = "/register"
)

// ServiceConfig carries the relay-level startup values. Token handling and
// transport details live elsewhere.
type ServiceConfig struct {
	SourceChat      int64
	Secret          string
	RegisterTrigger string
	// Destinations pre-seeds the registry from config.
	Destinations []string
	Engine       EngineConfig
}

// ServiceTransport is the adapter subset the service and its parts consume.
type ServiceTransport interface {
	Transport
	Texter
}

// Service owns the relay state and routes transport updates into it. One
// Service per process; all mutation goes through it or through the
// structures it hands to the scheduler.
type Service struct {
	cfg ServiceConfig

	settings  *Settings
	registry  *Registry
	ledger    *Ledger
	gate      *Gate
	engine    *Engine
	scheduler *Scheduler
	records   *DeliveryRecords
	flags     *CatchupFlags

	tx      ServiceTransport
	history storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	runCt context.Context
}

func NewService(cfg ServiceConfig, store *liststore.Store, tx ServiceTransport, history storage.Store, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if cfg.SourceChat == 0 {
		return nil, fmt.Errorf("source channel is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("registration secret is required")
	}
	if strings.TrimSpace(cfg.RegisterTrigger) == "" {
		cfg.RegisterTrigger = defaultRegisterTrigger
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Engine.SourceChat = cfg.SourceChat

	s := &Service{
		cfg:     cfg,
		tx:      tx,
		history: history,
		bus:     bus,
		log:     log,
		records: NewDeliveryRecords(),
		flags:   NewCatchupFlags(),
	}

	s.settings = NewSettings(store, log.With(logx.String("comp", "settings")))
	if err := s.settings.Load(); err != nil {
		return nil, err
	}

	s.registry = NewRegistry(store, log.With(logx.String("comp", "registry")))
	if err := s.registry.Load(); err != nil {
		return nil, err
	}
	seed := make([]Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		seed = append(seed, Destination(strings.TrimSpace(d)))
	}
	s.registry.Seed(seed)

	s.ledger = NewLedger(store, log.With(logx.String("comp", "ledger")))
	if err := s.ledger.Load(); err != nil {
		return nil, err
	}

	s.engine = NewEngine(cfg.Engine, tx, s.registry, s.ledger, s.flags, history, bus, log.With(logx.String("comp", "dispatch")))
	s.scheduler = NewScheduler(s.ledger, s.engine, s.settings, s.records, s.flags, bus, log.With(logx.String("comp", "cycle")))
	s.gate = NewGate(cfg.Secret, s.registry, tx, log.With(logx.String("comp", "gate")), s.onApproved)

	return s, nil
}

// Start launches the scheduler and the pending-registration janitor under sup.
func (s *Service) Start(ctx context.Context, sup *rtsup.Supervisor) {
	s.mu.Lock()
	s.sup = sup
	s.runCt = ctx
	s.mu.Unlock()

	sup.Go("relay.cycle", s.scheduler.Run)
	sup.Go0("relay.gate_janitor", func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.gate.Sweep(); n > 0 {
					s.log.Info("expired pending registrations evicted", logx.Int("count", n))
				}
			}
		}
	})

	s.log.Info("relay started",
		logx.Int("destinations", s.registry.Len()),
		logx.Int("ledger", s.ledger.Len()),
		logx.Duration("message_interval", s.settings.MessageInterval()),
		logx.Duration("cycle_interval", s.settings.CycleInterval()),
	)
}

// HandleUpdate routes one transport update. Called from the app's dispatch
// loop; must not block on network for long (slow work is spawned).
func (s *Service) HandleUpdate(ctx context.Context, up transport.Update) {
	m := up.Message
	if m == nil {
		return
	}

	switch {
	case up.Kind == transport.UpdateChannelPost && m.ChatID == s.cfg.SourceChat:
		if reply, handled := s.HandleControlCommand(ctx, m.Text); handled {
			if _, err := s.tx.SendText(ctx, s.cfg.SourceChat, reply); err != nil {
				s.log.Warn("control reply failed", logx.Err(err))
			}
			return
		}
		s.onSourceMessage(m.ID, m.Edited)

	case m.Scope == transport.ScopeGroup:
		if strings.TrimSpace(m.Text) == s.cfg.RegisterTrigger {
			state := s.gate.RequestJoin(ctx, m.FromID, m.ChatID)
			s.log.Debug("join request", logx.Int64("chat", m.ChatID), logx.String("state", state.String()))
		}

	case m.Scope == transport.ScopePrivate:
		if s.gate.HasPending(m.FromID) {
			res := s.gate.SubmitSecret(ctx, m.FromID, strings.TrimSpace(m.Text))
			s.log.Debug("secret submission", logx.Int64("requester", m.FromID), logx.String("result", res.String()))
		}
	}
}

// onSourceMessage records a fresh channel post and spawns its immediate
// delivery. The ledger append happens unconditionally; the fan-out is
// suppressed when the message was already delivered inside the resend
// window.
func (s *Service) onSourceMessage(id int, edited bool) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	ctx := s.runContext()
	if s.ledger.RecordIfNew(ctx, id) {
		s.log.Info("source message recorded", logx.Int("message_id", id), logx.Bool("edited", edited))
		s.publish(EventRecorded, map[string]any{"message_id": id})
	}

	deliver := func(ctx context.Context) {
		s.records.TrySend(id, s.settings.CycleInterval(), func() bool {
			out := s.engine.Deliver(ctx, id)
			if out.SourceGone {
				if s.ledger.Remove(ctx, id) {
					s.records.Forget(id)
					s.publish(EventLedgerPruned, map[string]any{"message_id": id})
				}
				return false
			}
			return true
		})
	}

	if sup != nil {
		sup.Go0("relay.immediate", deliver)
	} else {
		go deliver(ctx)
	}
}

// onApproved launches the one-shot catch-up delivery of the ledger head to
// a freshly approved destination.
func (s *Service) onApproved(dest Destination) {
	s.publish(EventGateApproved, map[string]any{"dest": string(dest)})
	s.publish(EventRegistryAdded, map[string]any{"dest": string(dest)})

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	catchup := func(ctx context.Context) {
		head, ok := s.ledger.Head()
		if !ok {
			return
		}
		// Flag first so an overlapping cycle pass skips this destination
		// even while the send is still in flight. At-most-once beats twice
		// here; a failed catch-up is repaired by the next cycle.
		s.flags.Set(dest)
		if err := s.engine.DeliverTo(ctx, head, dest); err != nil {
			s.log.Warn("catch-up delivery failed", logx.String("dest", string(dest)), logx.Int("message_id", head), logx.Err(err))
			return
		}
		s.log.Info("catch-up delivered", logx.String("dest", string(dest)), logx.Int("message_id", head))
	}

	if sup != nil {
		sup.Go0("relay.catchup", catchup)
	} else {
		go catchup(s.runContext())
	}
}

// HandleControlCommand parses the three operator commands. Returns the
// reply text and whether the input was a command at all. Prefix matching
// is case-sensitive.
func (s *Service) HandleControlCommand(ctx context.Context, text string) (string, bool) {
	text = strings.TrimSpace(text)
	switch {
	case text == cmdShowStatus:
		return s.StatusText(ctx), true

	case strings.HasPrefix(text, cmdSetMessageInterval):
		arg := strings.TrimSpace(strings.TrimPrefix(text, cmdSetMessageInterval))
		mins, err := parseMinutes(arg)
		if err != nil {
			return "usage: " + cmdSetMessageInterval + " <minutes>", true
		}
		d := time.Duration(mins) * time.Minute
		if err := s.settings.SetMessageInterval(ctx, d); err != nil {
			return "usage: " + cmdSetMessageInterval + " <minutes>", true
		}
		s.log.Info("message interval updated", logx.Duration("interval", d))
		return fmt.Sprintf("Message interval set to %d minute(s).", mins), true

	case strings.HasPrefix(text, cmdSetResendInterval):
		arg := strings.TrimSpace(strings.TrimPrefix(text, cmdSetResendInterval))
		mins, err := parseMinutes(arg)
		if err != nil {
			return "usage: " + cmdSetResendInterval + " <minutes>", true
		}
		d := time.Duration(mins) * time.Minute
		if err := s.settings.SetCycleInterval(ctx, d); err != nil {
			return "usage: " + cmdSetResendInterval + " <minutes>", true
		}
		s.log.Info("cycle interval updated", logx.Duration("interval", d))
		return fmt.Sprintf("Resend interval set to %d minute(s).", mins), true
	}
	return "", false
}

// StatusText renders the show-status reply.
func (s *Service) StatusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", s.scheduler.State())
	fmt.Fprintf(&b, "cycle: %d\n", s.scheduler.Cycle())
	fmt.Fprintf(&b, "ledger: %d message(s)\n", s.ledger.Len())
	fmt.Fprintf(&b, "destinations: %d\n", s.registry.Len())
	fmt.Fprintf(&b, "pending registrations: %d\n", s.gate.PendingCount())
	fmt.Fprintf(&b, "message interval: %s\n", s.settings.MessageInterval())
	fmt.Fprintf(&b, "resend interval: %s", s.settings.CycleInterval())

	if s.history != nil {
		tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if t, err := s.history.Totals(tctx); err == nil {
			fmt.Fprintf(&b, "\ndelivered: %d, failed: %d, pruned: %d", t.Delivered, t.Failed, t.Pruned)
		}
	}
	return b.String()
}

// Scheduler exposes the cycle state machine for the status report service.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Settings exposes the interval store.
func (s *Service) Settings() *Settings { return s.settings }

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCt != nil {
		return s.runCt
	}
	return context.Background()
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func parseMinutes(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("minutes must be at least 1")
	}
	return n, nil
}
