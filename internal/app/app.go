// Package app wires configuration into a cycle runner and hosts the
// one-shot and long-running modes of the catalert binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"catalert/internal/config"
	"catalert/internal/cycle"
	"catalert/internal/eventbus"
	"catalert/internal/fetch"
	"catalert/internal/httpapi"
	"catalert/internal/metrics"
	"catalert/internal/publish"
	"catalert/internal/runlock"
	"catalert/internal/runtime/supervisor"
	"catalert/internal/schedule"
	"catalert/internal/storage"
	logx "catalert/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store
	lock    runlock.Locker
	runner  *cycle.Runner
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until RunOnce or Serve is called.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(config.LoggingConfigOf(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New(), metrics: metrics.New()}
	if err := a.build(cfg, root); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, root)
	if err != nil {
		return err
	}
	lc, err := mapLockConfig(cfg)
	if err != nil {
		return err
	}
	a.lock, err = runlock.Open(lc, root)
	if err != nil {
		return err
	}

	cc, fetcher, pub, err := a.cycleParts(cfg, root)
	if err != nil {
		return err
	}
	a.runner, err = cycle.New(cc, cycle.Deps{
		Fetcher:   fetcher,
		Store:     a.store,
		Publisher: pub,
		Lock:      a.lock,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Log:       root,
	})
	if err != nil {
		return err
	}
	a.log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.String("lock", lc.Driver),
		logx.String("shelter", cfg.Shelter.TrackingURL),
	)
	return nil
}

// cycleParts builds the hot-reloadable pieces of the runner.
func (a *App) cycleParts(cfg *config.Config, root logx.Logger) (cycle.Config, *fetch.Client, *publish.Publisher, error) {
	cc, err := mapCycleConfig(cfg)
	if err != nil {
		return cycle.Config{}, nil, nil, err
	}
	fc, err := mapFetchConfig(cfg)
	if err != nil {
		return cycle.Config{}, nil, nil, err
	}
	fetcher, err := fetch.New(fc, root)
	if err != nil {
		return cycle.Config{}, nil, nil, err
	}
	pc, err := mapPublishConfig(cfg)
	if err != nil {
		return cycle.Config{}, nil, nil, err
	}
	tr, err := buildTransport(cfg, root)
	if err != nil {
		return cycle.Config{}, nil, nil, err
	}
	return cc, fetcher, publish.New(pc, tr, a.store, root), nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// RunOnce runs a single cycle.
func (a *App) RunOnce(ctx context.Context) cycle.Result {
	return a.runner.RunCycle(ctx)
}

// Serve runs cycles on the configured schedule until ctx is done or a
// supervised component fails.
func (a *App) Serve(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })

	sched, err := schedule.New(mapScheduleConfig(a.Config()), func(ctx context.Context) { a.runner.RunCycle(ctx) }, a.log)
	if err != nil {
		return err
	}
	if err := sched.Start(sup.Context()); err != nil {
		return err
	}

	if cfg := a.Config(); cfg.HTTP.Enabled {
		srv := httpapi.New(httpAddr(cfg), httpapi.Deps{
			Runner:  a.runner,
			Store:   a.store,
			Metrics: a.metrics.Handler(),
			NextRun: sched.Next,
			Tasks:   sup.Snapshot,
			Log:     a.log,

			Profiling: cfg.HTTP.Pprof,
		})
		sup.Go("http", srv.Run)
	}
	sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	sup.Go("config.apply", func(ctx context.Context) error {
		a.applyLoop(ctx, sched)
		return nil
	})
	sup.Go("eventbus.log", func(ctx context.Context) error {
		a.logEvents(ctx)
		return nil
	})
	sup.Go("systemd.watchdog", func(ctx context.Context) error { return watchdog(ctx, a.log) })

	notifyReady(a.log)
	a.log.Info("serving", logx.String("schedule", mapScheduleConfig(a.Config()).Spec), logx.Time("next_run", sched.Next()))

	<-sup.Context().Done()
	notifyStopping(a.log)
	a.log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	a.step(stopCtx, "schedule", 10*time.Second, func(c context.Context) error { sched.Stop(c); return nil })
	a.step(stopCtx, "supervisor", 5*time.Second, sup.Stop)

	if err := sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyLoop hot-applies reloaded configs. Storage, lock and HTTP changes
// need a restart.
func (a *App) applyLoop(ctx context.Context, sched *schedule.Service) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeConfigChange(last, cfg)
			if len(sections) == 0 {
				continue
			}
			a.log.Info("config change", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			last = cfg
			if err := a.apply(cfg, sections, sched); err != nil {
				a.log.Error("config apply failed", logx.Err(err))
			}
		}
	}
}

func (a *App) apply(cfg *config.Config, sections []string, sched *schedule.Service) error {
	a.logs.Apply(config.LoggingConfigOf(cfg))
	for _, s := range sections {
		switch s {
		case "storage", "lock", "http":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if err := sched.Apply(mapScheduleConfig(cfg)); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	cc, fetcher, pub, err := a.cycleParts(cfg, a.logs.Logger())
	if err != nil {
		return err
	}
	a.runner.Reconfigure(cc, fetcher, pub)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	notifyReloaded(a.log)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Close releases the store, the lock client and the log file.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
