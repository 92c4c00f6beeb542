// Package app wires the session manager, notifier, config watcher and HTTP
// intake into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgnotify/internal/config"
	"tgnotify/internal/eventbus"
	"tgnotify/internal/httpapi"
	"tgnotify/internal/notifier"
	rtsup "tgnotify/internal/runtime/supervisor"
	"tgnotify/internal/session"
	"tgnotify/internal/settings"
	"tgnotify/internal/storage"
	"tgnotify/internal/transport"
	"tgnotify/internal/transport/telegram"
	logx "tgnotify/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg       atomic.Pointer[telegram.Factory]
	sessions *session.Manager
	notif    *notifier.Service
	http     *httpapi.Service
	recon    *reconciler

	notify func(state string)
}

type Option func(*options)

type options struct {
	factory transport.Factory
	notify  func(state string)
}

// WithTransportFactory replaces the Telegram client factory.
func WithTransportFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithServiceNotifier replaces sd_notify.
func WithServiceNotifier(fn func(state string)) Option {
	return func(o *options) { o.notify = fn }
}

func sdNotify(state string) { _, _ = daemon.SdNotify(false, state) }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.notify == nil {
		o.notify = sdNotify
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram sink stays mute until the session manager is attached.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    eventbus.New(),
		notify: o.notify,
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	factory := o.factory
	if factory == nil {
		f := mapTelegramFactory(cfg, log.With(logx.String("comp", "telegram")))
		a.tg.Store(&f)
		factory = transport.FactoryFunc(func(s settings.Settings) (transport.Client, error) {
			return a.tg.Load().New(s)
		})
	}

	sessOpts := []session.Option{
		session.WithLogger(log.With(logx.String("comp", "session"))),
		session.WithBus(a.bus),
	}
	if a.store != nil {
		sessOpts = append(sessOpts, session.WithContacts(a.store))
	}
	a.sessions = session.New(factory, sessOpts...)
	logSvc.SetSender(a.sessions)

	a.notif = notifier.New(mapNotifierConfig(cfg), a.sessions, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	deps := httpapi.Deps{Notifier: a.notif, Sessions: a.sessions, Tasks: a.taskSnapshots, Started: time.Now()}
	if a.store != nil {
		deps.Contacts = a.store
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), deps, log)
	a.recon = newReconciler(cfgm.Refresh, log.With(logx.String("comp", "reconcile")))
	return a, nil
}

// validate extends config.Validate with checks that need app-level packages.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if spec := cfg.ReconcileSchedule(); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	return nil
}

// taskSnapshots feeds GET /status. Stopped components report an empty snapshot.
func (a *App) taskSnapshots() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":      a.sup.Snapshot(),
		"notifier": a.notif.Supervisor().Snapshot(),
		"http":     a.http.Supervisor().Snapshot(),
	}
}

func (a *App) Sessions() *session.Manager { return a.sessions }
func (a *App) Notifier() *notifier.Service { return a.notif }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

	// Subscribe before the first apply so no reload published in between is lost.
	sub := a.cfgm.Subscribe(8)
	a.apply(a.sup.Context(), a.cfgm.Get())

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				if newCfg == nil {
					continue
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.reload(c, newCfg, sections, attrs)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reload(ctx context.Context, cfg *config.Config, sections []string, attrs []logx.Field) {
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	a.apply(ctx, cfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
}

// apply pushes cfg into every live component. Logging goes first so the
// rest of the apply is logged at the new level.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	if ctx.Err() != nil {
		return
	}
	a.logs.Apply(mapLogConfig(cfg))

	if cur := a.tg.Load(); cur != nil {
		f := mapTelegramFactory(cfg, cur.Log)
		a.tg.Store(&f)
	}
	a.sessions.SetGreeting(cfg.Telegram.Greeting)
	if err := a.sessions.ReloadIfNeeded(cfg.Settings()); err != nil {
		// Keep running: the HTTP intake and the next reload still work.
		a.log.Error("bot session reload failed", logx.Err(err))
	}

	// Detached: Stop shuts these down in order so the notifier queue can drain
	// through a still-live session.
	svcCtx := context.WithoutCancel(ctx)
	a.notif.Reconfigure(svcCtx, mapNotifierConfig(cfg))
	a.http.Reconfigure(svcCtx, mapHTTPConfig(cfg))
	if err := a.recon.Reschedule(ctx, cfg.ReconcileSchedule()); err != nil {
		a.log.Warn("config reconcile not scheduled", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step bounds one shutdown stage so a single component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step timed out", logx.String("name", name), logx.Duration("max", max))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("http", 3*time.Second, func(c context.Context) error {
		a.http.Stop(c)
		return nil
	})
	step("notifier", 5*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("reconcile", 2*time.Second, func(c context.Context) error {
		a.recon.Stop(c)
		return nil
	})
	step("session", 5*time.Second, func(context.Context) error {
		a.sessions.Destroy()
		return nil
	})
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}
	step("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
