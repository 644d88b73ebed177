package relay

import (
	"context"
	"sync/atomic"
	"time"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// SchedulerState is exposed for the status surface.
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateRunningCycle
	StateCycleComplete
	StateStopped
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningCycle:
		return "running_cycle"
	case StateCycleComplete:
		return "cycle_complete"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	idlePollInterval = time.Minute
	// A message whose full-registry delivery completely failed is retried
	// this many extra times before the cycle moves on.
	deliverExtraRetries = 3
	deliverRetryPause   = 2 * time.Second
)

// Scheduler perpetually replays the ledger to all destinations: one pass
// over every entry (a cycle), a pause, then the next cycle. It holds its
// own handles instead of touching shared globals; everything mutable it
// reads is snapshotted or re-read at a well-defined point.
type Scheduler struct {
	ledger   *Ledger
	engine   *Engine
	settings *Settings
	records  *DeliveryRecords
	flags    *CatchupFlags

	bus eventbus.Bus
	log logx.Logger

	state atomic.Int32
	cycle atomic.Uint64

	idlePoll time.Duration
	pause    time.Duration
}

func NewScheduler(ledger *Ledger, engine *Engine, settings *Settings, records *DeliveryRecords, flags *CatchupFlags, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		ledger:   ledger,
		engine:   engine,
		settings: settings,
		records:  records,
		flags:    flags,
		bus:      bus,
		log:      log,
		idlePoll: idlePollInterval,
		pause:    deliverRetryPause,
	}
	engine.SetCycleFunc(s.Cycle)
	return s
}

func (s *Scheduler) State() SchedulerState { return SchedulerState(s.state.Load()) }
func (s *Scheduler) Cycle() uint64         { return s.cycle.Load() }

// Run blocks until ctx is cancelled. Meant to live under a supervisor.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateStopped))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.ledger.Len() == 0 {
			s.state.Store(int32(StateIdle))
			if !sleepCtx(ctx, s.idlePoll) {
				return ctx.Err()
			}
			continue
		}

		if !s.runCycle(ctx) {
			return ctx.Err()
		}

		// A cycle that pruned its last entry goes straight back to idle;
		// the inter-cycle pause is only for cycles that still have work.
		if s.ledger.Len() == 0 {
			continue
		}

		s.state.Store(int32(StateCycleComplete))
		if !sleepCtx(ctx, s.settings.CycleInterval()) {
			return ctx.Err()
		}
	}
}

// runCycle performs one pass over the ledger snapshot. Returns false when
// cancelled mid-cycle.
func (s *Scheduler) runCycle(ctx context.Context) bool {
	n := s.cycle.Add(1)
	s.state.Store(int32(StateRunningCycle))

	// Catch-up flags belong to the previous pass; every destination is
	// eligible for the head message again.
	s.flags.Clear()

	snapshot := s.ledger.All()
	s.log.Info("cycle started", logx.Uint64("cycle", n), logx.Int("messages", len(snapshot)))
	s.publish(EventCycleStarted, map[string]any{"cycle": n, "messages": len(snapshot)})

	for i, id := range snapshot {
		if ctx.Err() != nil {
			return false
		}
		// The ledger can drain mid-cycle (mass upstream deletion); abort
		// back to idle rather than replaying stale ids.
		if s.ledger.Len() == 0 {
			s.log.Info("ledger drained, aborting cycle", logx.Uint64("cycle", n))
			return true
		}
		if !s.ledger.Contains(id) {
			continue
		}

		s.deliverWithRetry(ctx, id)

		// Sleep between messages, not after the last. The interval is
		// re-read every iteration so a live change applies to the very
		// next wait.
		if i < len(snapshot)-1 {
			if !sleepCtx(ctx, s.settings.MessageInterval()) {
				return false
			}
		}
	}

	s.log.Info("cycle completed", logx.Uint64("cycle", n))
	s.publish(EventCycleCompleted, map[string]any{"cycle": n})
	return true
}

// deliverWithRetry delivers one ledger entry, respecting the resend window
// and retrying a total failure a few times before moving on.
func (s *Scheduler) deliverWithRetry(ctx context.Context, id int) {
	window := s.settings.CycleInterval()

	s.records.TrySend(id, window, func() bool {
		for attempt := 0; ; attempt++ {
			out := s.engine.Deliver(ctx, id)

			if out.SourceGone {
				if s.ledger.Remove(ctx, id) {
					s.records.Forget(id)
					s.log.Info("ledger entry pruned", logx.Int("message_id", id))
					s.publish(EventLedgerPruned, map[string]any{"message_id": id})
				}
				return false
			}
			if !out.TotalFailure() {
				// Partial success, full success, or an empty registry all
				// count as a completed delivery for the resend window.
				return true
			}
			if attempt >= deliverExtraRetries || ctx.Err() != nil {
				s.log.Warn("delivery abandoned for this cycle", logx.Int("message_id", id), logx.Int("attempts", attempt+1))
				return false
			}
			if !sleepCtx(ctx, s.pause) {
				return false
			}
		}
	})
}

func (s *Scheduler) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
// A non-positive d returns immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
