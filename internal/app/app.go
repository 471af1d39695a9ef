// Package app wires the moderation engine, the Telegram transport and the
// supporting services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/engine/counters"
	"warden/internal/eventbus"
	"warden/internal/ingest"
	"warden/internal/maintenance"
	"warden/internal/observability/metrics"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/transport"
	"warden/internal/transport/telegram"
	logx "warden/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store

	// locks is shared by every pipeline generation; a policy reload must not
	// reset per-subject serialization.
	locks *engine.LockTable
	eng   *engineHolder

	adapter *telegram.Adapter
	exec    *telegram.Executor
	pool    *ingest.Pool
	metrics *metrics.Service
	maint   *maintenance.Service

	sup      *rtsup.Supervisor
	cfgCh    chan *config.Config
	unsubBus func()

	// lastCfg is the config currently applied; only the reload loop touches
	// it after Start.
	lastCfg *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log, lastCfg: cfg}

	scfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.bus = eventbus.New()

	pollTimeout := 10 * time.Second
	if cfg.Telegram.PollTimeout != "" {
		pollTimeout, err = config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
	}
	a.adapter, err = telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		AdminUserIDs: cfg.Telegram.AdminUserIDs,
		GlobalScope:  cfg.Moderation.Scope == "global",
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a.exec = telegram.NewExecutor(a.adapter, root.With(logx.String("comp", "executor")))

	a.locks = engine.NewLockTable()
	pipe, cnt, err := buildEngine(cfg, a.store, a.exec, a.bus, a.locks, root)
	if err != nil {
		return nil, err
	}
	a.eng = &engineHolder{}
	a.eng.swap(pipe, cnt)

	a.pool = ingest.NewPool(ingest.Config{}, a.eng, a.handleCommand,
		root.With(logx.String("comp", "ingest")))

	a.metrics = metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, Addr: cfg.Metrics.Addr},
		root.With(logx.String("comp", "metrics")))

	if cfg.Maintenance.Enabled {
		a.maint, err = maintenance.New(maintenance.Config{Schedule: cfg.Maintenance.Schedule},
			a.eng, counterSweep{a.eng}, root.With(logx.String("comp", "maintenance")))
		if err != nil {
			return nil, err
		}
	}

	// Reject reloads that validate structurally but cannot be built into a
	// live engine (bad durations, unknown predicates).
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		_ = ctx
		return checkBuildable(c)
	})

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true))

	updates := make(chan transport.Update, 256)
	if err := a.adapter.Start(a.sup.Context(), updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.pool.Start(a.sup.Context(), updates)
	a.metrics.Start(a.sup.Context())
	if a.maint != nil {
		a.maint.Start(a.sup.Context())
	}

	busCh, unsub := a.bus.Subscribe(64)
	a.unsubBus = unsub
	a.sup.Go0("bus.log", func(ctx context.Context) {
		a.logBusEvents(ctx, busCh)
	})

	a.cfgCh = a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("warden started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.maint != nil {
		a.maint.Stop()
	}
	a.metrics.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.unsubBus != nil {
		a.unsubBus()
	}
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("warden stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// Err reports a fatal supervisor error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) logBusEvents(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			entry := e.Entry
			a.log.Info("moderation "+e.Type,
				logx.String("subject", entry.SubjectKey),
				logx.String("action", entry.Action),
				logx.String("rule", entry.RuleID),
				logx.Int("score", entry.Score),
				logx.String("event_id", entry.EventID))
		}
	}
}

// applyLoop applies committed config reloads. Bursts are coalesced: only the
// newest config in the channel is applied.
func (a *App) applyLoop(ctx context.Context) {
	for {
		var cfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-a.cfgCh:
			if !ok {
				return
			}
			cfg = c
		}
	COALESCE:
		for {
			select {
			case c, ok := <-a.cfgCh:
				if !ok {
					break COALESCE
				}
				cfg = c
			default:
				break COALESCE
			}
		}
		a.applyConfig(cfg)
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	sections, attrs := config.SummarizeChange(a.lastCfg, cfg)
	if len(sections) == 0 {
		return
	}
	a.log.Info("config reloaded", attrs...)

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
		case "moderation", "counters":
			if err := a.rebuildEngine(cfg); err != nil {
				a.log.Error("engine rebuild failed, keeping previous policy", logx.Err(err))
			}
		case "telegram", "storage", "metrics", "maintenance":
			a.log.Warn("section changed; restart required to apply", logx.String("section", sec))
		}
	}
	a.lastCfg = cfg
}

// rebuildEngine swaps in a pipeline built from the new moderation policy.
// Subject state and the audit trail live in storage and survive the swap;
// in-memory window counters reset.
func (a *App) rebuildEngine(cfg *config.Config) error {
	pipe, cnt, err := buildEngine(cfg, a.store, a.exec, a.bus, a.locks, a.log)
	if err != nil {
		return err
	}
	a.eng.swap(pipe, cnt)
	a.log.Info("moderation policy reloaded",
		logx.Int("rules", len(cfg.Moderation.Rules)),
		logx.Int("escalation_steps", len(cfg.Moderation.Escalation)))
	return nil
}

func buildEngine(cfg *config.Config, store storage.Store, exec engine.Executor, bus eventbus.Bus, locks *engine.LockTable, log logx.Logger) (*engine.Pipeline, counters.Store, error) {
	windows, err := buildWindows(cfg.Moderation)
	if err != nil {
		return nil, nil, err
	}
	cnt, err := buildCounters(cfg.Counters, windows)
	if err != nil {
		return nil, nil, err
	}
	rules, err := buildRules(cfg.Moderation.Rules)
	if err != nil {
		return nil, nil, err
	}
	rs, err := engine.NewRuleSet(rules, log.With(logx.String("comp", "rules")))
	if err != nil {
		return nil, nil, err
	}
	policy, err := buildPolicy(cfg.Moderation)
	if err != nil {
		return nil, nil, err
	}
	durations, err := buildDurations(cfg.Moderation)
	if err != nil {
		return nil, nil, err
	}
	disp := engine.NewDispatcher(store, exec, bus,
		engine.DispatcherConfig{Durations: durations},
		log.With(logx.String("comp", "dispatch")))
	pipe := engine.NewPipeline(rs, policy, disp, store, cnt, locks,
		log.With(logx.String("comp", "engine")))
	return pipe, cnt, nil
}

// checkBuildable is a dry run of buildEngine's pure parts; it never touches
// storage or opens connections.
func checkBuildable(cfg *config.Config) error {
	if _, err := buildWindows(cfg.Moderation); err != nil {
		return err
	}
	rules, err := buildRules(cfg.Moderation.Rules)
	if err != nil {
		return err
	}
	if _, err := engine.NewRuleSet(rules, logx.Nop()); err != nil {
		return err
	}
	if _, err := buildPolicy(cfg.Moderation); err != nil {
		return err
	}
	_, err = buildDurations(cfg.Moderation)
	return err
}

// engineHolder holds the live pipeline behind a read lock so config reloads
// can swap the whole engine without pausing ingestion.
type engineHolder struct {
	mu   sync.RWMutex
	pipe *engine.Pipeline
	cnt  counters.Store
}

func (h *engineHolder) swap(pipe *engine.Pipeline, cnt counters.Store) {
	h.mu.Lock()
	h.pipe = pipe
	h.cnt = cnt
	h.mu.Unlock()
}

func (h *engineHolder) current() *engine.Pipeline {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pipe
}

func (h *engineHolder) counters() counters.Store {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cnt
}

func (h *engineHolder) Handle(ctx context.Context, ev engine.Event) (storage.AuditEntry, error) {
	return h.current().Handle(ctx, ev)
}

func (h *engineHolder) Compact(ctx context.Context) (int, error) {
	return h.current().Compact(ctx)
}

// counterSweep adapts the holder's current counter store for the maintenance
// sweep. Backends without in-process buckets are a no-op.
type counterSweep struct {
	h *engineHolder
}

func (c counterSweep) Compact(now time.Time) int {
	if cc, ok := c.h.counters().(maintenance.CounterCompacter); ok {
		return cc.Compact(now)
	}
	return 0
}
