package relay

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/retry"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Transport is the adapter subset the engine uses.
type Transport interface {
	Forward(ctx context.Context, to int64, from int64, messageID int) (transport.MessageRef, error)
	Pin(ctx context.Context, ref transport.MessageRef) error
}

// EngineConfig tunes the dispatch engine. Zero values take defaults.
type EngineConfig struct {
	// SourceChat is the upstream channel messages are forwarded from.
	SourceChat int64
	// Pace is the minimum gap between two forward calls. Default 300ms.
	Pace time.Duration
	// ForwardAttempts bounds per-destination retries on transient errors.
	// Default 3.
	ForwardAttempts int
	// ForwardBackoff returns the sleep after a failed attempt.
	// Default 2s times the attempt number.
	ForwardBackoff func(attempt int) time.Duration
}

// Engine fans a single source message out to every registered destination.
//
// It is not internally serialized: concurrent Deliver calls for different
// message ids interleave freely. Callers are responsible for not invoking
// it twice concurrently for the same message id (see DeliveryRecords).
type Engine struct {
	cfg      EngineConfig
	tx       Transport
	registry *Registry
	ledger   *Ledger
	flags    *CatchupFlags

	limiter *rate.Limiter
	policy  retry.Policy

	history storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	cycle func() uint64 // current cycle number for history entries; may be nil
}

func NewEngine(cfg EngineConfig, tx Transport, registry *Registry, ledger *Ledger, flags *CatchupFlags, history storage.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.Pace <= 0 {
		cfg.Pace = 300 * time.Millisecond
	}
	if cfg.ForwardAttempts <= 0 {
		cfg.ForwardAttempts = 3
	}
	if cfg.ForwardBackoff == nil {
		cfg.ForwardBackoff = retry.Linear(cfg.ForwardAttempts, 2*time.Second).Backoff
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		tx:       tx,
		registry: registry,
		ledger:   ledger,
		flags:    flags,
		limiter:  rate.NewLimiter(rate.Every(cfg.Pace), 1),
		policy:   retry.Policy{Attempts: cfg.ForwardAttempts, Backoff: cfg.ForwardBackoff},
		history:  history,
		bus:      bus,
		log:      log,
	}
}

// SetCycleFunc wires in the scheduler's cycle counter for history entries.
func (e *Engine) SetCycleFunc(fn func() uint64) { e.cycle = fn }

// Deliver forwards messageID to a snapshot of the registry taken at call
// time; destinations added mid-flight see the message on the next pass.
//
// Per destination: up to ForwardAttempts tries on transient failures, then
// move on. Unreachable destinations are pruned from the registry right
// away. Forbidden counts as a failure but the destination is kept. A
// "message not found" upstream stops the fan-out and flags SourceGone.
func (e *Engine) Deliver(ctx context.Context, messageID int) Outcome {
	var out Outcome

	head, hasHead := 0, false
	if e.ledger != nil {
		head, hasHead = e.ledger.Head()
	}

	for _, dest := range e.registry.List() {
		if ctx.Err() != nil {
			return out
		}
		// A destination that already got the head via catch-up skips it here.
		if hasHead && messageID == head && e.flags != nil && e.flags.IsSet(dest) {
			continue
		}

		err := e.forwardOne(ctx, messageID, dest)
		if err == nil {
			out.Success++
			continue
		}
		out.Failed = append(out.Failed, dest)
		if transport.KindOf(err) == transport.KindNotFound {
			out.SourceGone = true
			e.log.Warn("source message gone upstream", logx.Int("message_id", messageID))
			return out
		}
	}
	return out
}

// DeliverTo is the single-destination path used by catch-up delivery.
func (e *Engine) DeliverTo(ctx context.Context, messageID int, dest Destination) error {
	return e.forwardOne(ctx, messageID, dest)
}

func (e *Engine) forwardOne(ctx context.Context, messageID int, dest Destination) error {
	chatID, ok := dest.ChatID()
	if !ok {
		e.log.Error("unparseable destination", logx.String("dest", string(dest)))
		return errors.New("unparseable destination: " + string(dest))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return transport.NewError(transport.KindTimeout, err)
	}

	var ref transport.MessageRef
	err := e.policy.DoIf(ctx,
		func(ctx context.Context) error {
			var err error
			ref, err = e.tx.Forward(ctx, chatID, e.cfg.SourceChat, messageID)
			return err
		},
		transport.Transient,
	)

	if err != nil {
		kind := transport.KindOf(err)
		e.log.Warn("forward failed",
			logx.Int("message_id", messageID),
			logx.String("dest", string(dest)),
			logx.String("class", string(kind)),
			logx.Err(err),
		)
		e.record(ctx, messageID, dest, false, kind, err)
		if kind == transport.KindUnreachable {
			if e.registry.Remove(ctx, dest) {
				e.log.Info("destination pruned", logx.String("dest", string(dest)))
				e.publish(EventRegistryRemoved, map[string]any{"dest": string(dest), "reason": string(kind)})
			}
		}
		return err
	}

	// Pin is best-effort.
	if pinErr := e.tx.Pin(ctx, ref); pinErr != nil {
		e.log.Debug("pin failed", logx.String("dest", string(dest)), logx.Err(pinErr))
	}

	e.record(ctx, messageID, dest, true, "", nil)
	return nil
}

func (e *Engine) record(ctx context.Context, messageID int, dest Destination, ok bool, kind transport.ErrorKind, cause error) {
	evType := EventDelivered
	if !ok {
		evType = EventFailed
	}
	e.publish(evType, map[string]any{"message_id": messageID, "dest": string(dest), "class": string(kind)})

	if e.history == nil {
		return
	}
	entry := storage.DeliveryEntry{
		MessageID:   messageID,
		Destination: string(dest),
		OK:          ok,
		Class:       string(kind),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if e.cycle != nil {
		entry.Cycle = e.cycle()
	}
	if err := e.history.AppendDelivery(ctx, entry); err != nil {
		e.log.Debug("delivery history write failed", logx.Err(err))
	}
}

func (e *Engine) publish(typ string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
