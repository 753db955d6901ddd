package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tzrecur/internal/config"
	"tzrecur/internal/eventbus"
	"tzrecur/internal/runner"
	"tzrecur/internal/runtime/supervisor"
	"tzrecur/internal/storage"
	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  recurrence.Store
	mgr    *recurrence.Manager
	runner *runner.Service
	events *eventbus.Bus[runner.Occurrence]

	now func() time.Time
}

// New loads the config at cfgPath and opens storage. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	sc, err := cfg.Storage.Storage()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Debug("storage opened", logx.String("driver", sc.Driver))

	mgr := recurrence.NewManager(store, recurrence.WithLogger(logSvc.Logger()))
	run := runner.New(runner.Config{Enabled: cfg.Runner.Enabled}, mgr, logSvc.Logger())
	events := eventbus.New[runner.Occurrence]()
	run.SetHandler(func(_ context.Context, occ runner.Occurrence) { events.Publish(occ) })

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		store:  store,
		mgr:    mgr,
		runner: run,
		events: events,
		now:    time.Now,
	}, nil
}

func (a *App) Manager() *recurrence.Manager { return a.mgr }
func (a *App) Runner() *runner.Service      { return a.runner }
func (a *App) Config() *config.Config       { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger          { return a.log }

// Occurrences subscribes to fired occurrences. Slow readers lose values
// once their buffer is full.
func (a *App) Occurrences(buffer int) (<-chan runner.Occurrence, func()) {
	return a.events.Subscribe(buffer)
}

// Sync makes sure every recurrence declared in cfg exists. A stored record
// whose definition differs from the config is kept as stored and reported.
func (a *App) Sync(ctx context.Context, cfg *config.Config, now time.Time) ([]*recurrence.Record, error) {
	out := make([]*recurrence.Record, 0, len(cfg.Recurrences))
	var errs []error
	for _, rc := range cfg.Recurrences {
		id := strings.TrimSpace(rc.ID)
		def, err := rc.Definition()
		if err != nil {
			errs = append(errs, fmt.Errorf("recurrence %s: %w", id, err))
			continue
		}
		rec, err := a.mgr.Ensure(ctx, id, def, now)
		switch {
		case errors.Is(err, recurrence.ErrDefinitionChanged):
			a.log.Warn("stored recurrence differs from config; keeping stored definition",
				logx.String("id", id),
				logx.String("stored", rec.Definition.Interval.String()+" "+recurrence.FormatOffset(rec.Definition.Offset)+" "+rec.Definition.Timezone),
				logx.String("config", def.Interval.String()+" "+recurrence.FormatOffset(def.Offset)+" "+def.Timezone),
			)
		case err != nil:
			errs = append(errs, fmt.Errorf("recurrence %s: %w", id, err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// Targets lists the runner targets declared in cfg.
func Targets(cfg *config.Config) []runner.Target {
	out := make([]runner.Target, 0, len(cfg.Recurrences))
	for _, rc := range cfg.Recurrences {
		out = append(out, runner.Target{ID: strings.TrimSpace(rc.ID), Track: rc.Track})
	}
	return out
}

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

// Start syncs the declared recurrences, fires whatever became due while
// nothing was running, starts the runner and begins watching the config.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads that would not start cleanly are rejected before commit.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		for _, rc := range cfg.Recurrences {
			def, err := rc.Definition()
			if err != nil {
				return err
			}
			if _, err := a.mgr.Calculator().Zone(def); err != nil {
				return fmt.Errorf("recurrence %s: %w", rc.ID, err)
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if _, err := a.Sync(ctx, cfg, a.now()); err != nil {
		return err
	}
	if err := a.runner.Set(ctx, Targets(cfg)); err != nil {
		return err
	}
	if _, err := a.runner.CatchUp(ctx, a.now()); err != nil {
		a.log.Error("catch up failed", logx.Err(err))
	}
	a.runner.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("recurrences", len(cfg.Recurrences)),
		logx.Bool("runner", a.runner.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedIDs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(newCfg.Logging.Logx())
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "recurrences":
			a.log.Debug("recurrence declarations changed", logx.Any("ids", changedIDs))
			if _, err := a.Sync(ctx, newCfg, a.now()); err != nil {
				a.log.Error("recurrence sync failed", logx.Err(err))
			}
			if err := a.runner.Set(ctx, Targets(newCfg)); err != nil {
				a.log.Error("runner targets update failed", logx.Err(err))
			}
		}
	}
	a.runner.Apply(runner.Config{Enabled: newCfg.Runner.Enabled})

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// Stop halts the runner and background loops, each step bounded so one
// component can't stall the whole stop. Close releases resources after.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("runner", 5*time.Second, func(c context.Context) error {
		a.runner.Stop(c)
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Fatal errors were already logged when they happened.
		return nil
	})

	a.log.Info("stopped")
	return errors.Join(errs...)
}

// Close releases storage and log sinks.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logging: %w", err))
		}
	}
	return errors.Join(errs...)
}
