package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"message", "channel_post", "edited_channel_post"}},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	post := func(edited bool) func(c tele.Context) error {
		return func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Chat == nil {
				return nil
			}
			msg := toMessage(m)
			msg.Edited = edited
			a.sendUpdate(kit.Update{Kind: kit.UpdateChannelPost, Message: msg})
			return nil
		}
	}
	a.bot.Handle(tele.OnChannelPost, post(false))
	a.bot.Handle(tele.OnEditedChannelPost, post(true))

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		return nil
	})
}

func toMessage(m *tele.Message) *kit.Message {
	msg := &kit.Message{
		ID:     m.ID,
		ChatID: m.Chat.ID,
		Scope:  scopeOf(m.Chat.Type),
		Text:   m.Text,
	}
	// Channel posts carry no sender.
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

func scopeOf(t tele.ChatType) kit.Scope {
	switch t {
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return kit.ScopeChannel
	case tele.ChatGroup, tele.ChatSuperGroup:
		return kit.ScopeGroup
	default:
		return kit.ScopePrivate
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start() // blocks until Stop() called
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		// Don't hard-fail shutdown for the adapter; just report.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Forward(ctx context.Context, to int64, from int64, messageID int) (kit.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	src := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: from}
	msg, err := a.bot.Forward(&tele.Chat{ID: to}, src)
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

func (a *Adapter) Pin(ctx context.Context, ref kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	if err := a.bot.Pin(msg); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to int64, text string) (kit.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

// DropPendingUpdates removes any configured webhook and discards queued
// updates. Stale webhooks cause getUpdates conflicts, so this is retried a
// few times before polling begins.
func (a *Adapter) DropPendingUpdates(ctx context.Context) error {
	var last error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		last = a.bot.RemoveWebhook(true)
		if last == nil {
			return nil
		}
		a.log.Warn("webhook removal failed", logx.Int("attempt", attempt), logx.Err(last))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return classify(last)
}

// Self performs a live getMe call; it doubles as the transport liveness probe.
func (a *Adapter) Self(ctx context.Context) (kit.Identity, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.Identity{}, err
	}
	raw, err := a.bot.Raw("getMe", nil)
	if err != nil {
		return kit.Identity{}, classify(err)
	}
	var resp struct {
		Result struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return kit.Identity{}, kit.NewError(kit.KindOther, err)
	}
	return kit.Identity{ID: resp.Result.ID, Username: resp.Result.Username}, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return kit.NewError(kit.KindTimeout, ctx.Err())
	default:
		return nil
	}
}

// classify maps Telegram API failures onto the transport error taxonomy.
// Telegram reports most of these as 400/403 with stable description strings,
// so substring matching on the description is the reliable contract here.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.NewError(kit.KindRateLimited, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return kit.NewError(kit.KindTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return kit.NewError(kit.KindTimeout, err)
	}

	desc := strings.ToLower(err.Error())
	switch {
	case strings.Contains(desc, "message to forward not found"),
		strings.Contains(desc, "message not found"):
		return kit.NewError(kit.KindNotFound, err)
	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "bot was kicked"),
		strings.Contains(desc, "bot was blocked"),
		strings.Contains(desc, "user is deactivated"):
		return kit.NewError(kit.KindUnreachable, err)
	case strings.Contains(desc, "forbidden"),
		strings.Contains(desc, "not enough rights"):
		return kit.NewError(kit.KindForbidden, err)
	case strings.Contains(desc, "too many requests"),
		strings.Contains(desc, "retry after"):
		return kit.NewError(kit.KindRateLimited, err)
	default:
		return kit.NewError(kit.KindOther, err)
	}
}
