// Package app wires the relay together: config, logging, transport,
// storage, relay core, health endpoint, and the optional status report.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/health"
	"relaybot/internal/liststore"
	"relaybot/internal/relay"
	"relaybot/internal/report"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	relay   *relay.Service
	health  *health.Service
	report  *report.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	dataDir := strings.TrimSpace(cfg.Relay.DataDir)
	if dataDir == "" {
		dataDir = "./data"
	}
	lists, err := liststore.New(dataDir)
	if err != nil {
		return nil, err
	}

	// Delivery history (optional)
	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("delivery history enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	relaySvc, err := relay.NewService(relay.ServiceConfig{
		SourceChat:      cfg.Relay.SourceChannel,
		Secret:          cfg.Relay.Secret,
		RegisterTrigger: cfg.Relay.RegisterTrigger,
		Destinations:    cfg.Relay.Destinations,
	}, lists, ad, store, bus, logSvc.Logger().With(logx.String("comp", "relay")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		relay:   relaySvc,
		updates: make(chan kit.Update, 256),
	}

	a.health = health.New(health.Config{
		Enabled: cfg.Health.Enabled,
		Addr:    cfg.Health.Addr,
	}, a.healthStatus, logSvc.Logger())

	if cfg.Report != nil && cfg.Report.Enabled {
		a.report = report.New(report.Config{
			Enabled:  true,
			Schedule: cfg.Report.Schedule,
			Timezone: cfg.Report.Timezone,
		}, cfg.Relay.SourceChannel, ad, relaySvc.StatusText, logSvc.Logger().With(logx.String("comp", "report")))
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Verify credentials and clear stale webhook state before polling.
	bootCtx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	defer cancel()
	me, err := a.adapter.Self(bootCtx)
	if err != nil {
		return fmt.Errorf("transport identity check: %w", err)
	}
	a.log.Info("transport ready", logx.Int64("bot_id", me.ID), logx.String("username", me.Username))
	if err := a.adapter.DropPendingUpdates(bootCtx); err != nil {
		a.log.Warn("dropping pending updates failed", logx.Err(err))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.relay.Start(a.sup.Context(), a.sup)
	a.health.Start(a.sup.Context())
	if a.report != nil {
		if err := a.report.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("status report: %w", err)
		}
	}

	a.sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-a.updates:
				if !ok {
					return
				}
				a.relay.HandleUpdate(c, up)
			}
		}
	})

	// Event log for observability; debug level keeps dispatch noise down.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// Hot reload: logging applies live; transport/relay identity changes
	// need a restart and are called out as such.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if last != nil {
					if newCfg.Telegram.Token != last.Telegram.Token ||
						newCfg.Relay.SourceChannel != last.Relay.SourceChannel ||
						newCfg.Relay.Secret != last.Relay.Secret {
						a.log.Warn("telegram/relay identity changed; restart required for changes to take effect")
					}
					if !storageEqual(last.Storage, newCfg.Storage) {
						a.log.Warn("storage config changed; restart required for changes to take effect")
					}
				}
				last = newCfg
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("report", time.Second, func(context.Context) error {
		if a.report != nil {
			a.report.Stop()
		}
		return nil
	})
	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) healthStatus() map[string]any {
	sched := a.relay.Scheduler()
	return map[string]any{
		"state": sched.State().String(),
		"cycle": sched.Cycle(),
	}
}

func storageEqual(a, b *config.StorageConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
