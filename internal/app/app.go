// Package app wires configuration, storage, probe, notifier and the check
// loop into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"deadman/internal/config"
	"deadman/internal/eventbus"
	"deadman/internal/notifier"
	"deadman/internal/probe"
	rtsup "deadman/internal/runtime/supervisor"
	"deadman/internal/status"
	"deadman/internal/storage"
	"deadman/internal/task/scheduler"
	"deadman/internal/timesync"
	logx "deadman/pkg/logx"
	"deadman/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	set     *settings

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	notif  *notifier.Service
	loop   *scheduler.Service
	status *status.Service

	sd  systemd.Notifier
	sup *rtsup.Supervisor
}

// NewApp loads .env and the config file, then builds every component.
// Nothing runs until Start or RunOnce.
func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(config.DotEnvCandidates(cfgPath)...); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(set.Logging)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(set.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	src := probe.NewBilibiliClient(set.BaseURL, set.UserAgent, &http.Client{})
	prober := probe.New(src, set.Probe, log)

	smtp := set.SMTP
	notif := notifier.New(set.Notifier, &smtp, store, bus, log)

	deps := scheduler.Deps{
		Prober:   prober,
		Store:    store,
		Notifier: notif,
		Bus:      bus,
		Log:      log,
	}
	if set.TimeSync != nil {
		deps.Verifier = timesync.New(*set.TimeSync, log)
	}
	loop := scheduler.New(set.Scheduler, deps)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		set:     set,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notif,
		loop:    loop,
	}

	gin.SetMode(gin.ReleaseMode)
	a.status = status.New(set.Status, status.Sources{
		Loop:  loop,
		Store: store,
		Health: func() error {
			if a.sup == nil {
				return nil
			}
			return a.sup.Err()
		},
		ConfigView: func() any { return configView(set) },
		Tasks:      func() rtsup.Snapshot { return a.sup.Snapshot() },
	}, log)

	log.Info("app configured",
		logx.String("config", cfgPath),
		logx.Int("subjects", len(set.Scheduler.Subjects)),
		logx.Int("threshold_days", set.Scheduler.ThresholdDays),
		logx.String("schedule", set.Schedule),
		logx.String("storage", storageDriver(set.Storage.Driver)),
		logx.Bool("time_sync", set.TimeSync != nil),
		logx.Bool("control_panel", set.Status.Enabled),
	)
	return a, nil
}

// Store exposes the record store for read-only commands.
func (a *App) Store() storage.Store { return a.store }

// Logger is the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce runs a single cycle without starting the loop.
func (a *App) RunOnce(ctx context.Context) scheduler.CycleSummary {
	return a.loop.RunCycle(ctx, "once")
}

// Start runs the check loop and the optional status endpoint in the
// background. The first cycle starts immediately.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reject reloads that would fail at the next restart.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	a.sup.Go("scheduler.loop", a.loop.Run)

	if a.status.Enabled() {
		a.status.Start(a.sup.Context())
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if sum, ok := e.Data.(scheduler.CycleSummary); ok && e.Type == scheduler.EventCycleFinished {
					a.sd.Status(fmt.Sprintf("last cycle %s: ok=%d failed=%d alerts=%d",
						sum.FinishedAt.Format(time.RFC3339), sum.OK, sum.Failed, sum.Alerts))
				}
			}
		}
	})

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
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready(fmt.Sprintf("monitoring %d subjects (%s)", len(a.set.Scheduler.Subjects), a.set.Schedule))
	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections of a reloaded config. Subjects,
// schedule and transports stay as they were until restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(newCfg.Logging))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component cannot stall the rest.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	if a.sup != nil {
		// The loop writes its last record with a detached context; wait for it
		// before closing the store.
		step("supervisor", 15*time.Second, func(c context.Context) error {
			return a.sup.Wait(c)
		})
	}
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// OpenStore opens only the record store named by the config file, for
// read-only commands that must not start the monitor.
func OpenStore(cfgPath string) (storage.Store, error) {
	if err := config.LoadDotEnv(config.DotEnvCandidates(cfgPath)...); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(set.Storage, logx.Nop())
}
