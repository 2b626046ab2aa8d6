// Package app assembles the services and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagenotify/internal/alert"
	"pagenotify/internal/config"
	"pagenotify/internal/digest"
	"pagenotify/internal/eventbus"
	"pagenotify/internal/history"
	"pagenotify/internal/mail"
	"pagenotify/internal/notifier"
	"pagenotify/internal/observability/debugsrv"
	"pagenotify/internal/observability/metrics"
	"pagenotify/internal/recipients"
	rtsup "pagenotify/internal/runtime/supervisor"
	"pagenotify/internal/storage"
	"pagenotify/internal/task/engine"
	"pagenotify/internal/task/scheduler"
	logx "pagenotify/pkg/logx"
)

const (
	digestSchedule = "digest"
	sweepSchedule  = "dispatch.sweep"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts logx.Sender
	bus    eventbus.Bus

	store  *storage.Store
	prefs  *recipients.CachedPreferences
	mailer *mail.Guard

	engine *engine.Service
	sched  *scheduler.Service
	disp   *notifier.Dispatcher
	agg    *digest.Aggregator
	rec    *history.Recorder

	metrics *metrics.Metrics
	debug   *debugsrv.Server
}

// New loads and validates the config at cfgPath and builds every service
// without starting any of them.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	var sender logx.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := alert.NewTelegram(alert.Config{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, alerts: sender, bus: eventbus.New()}
	if err := a.build(ctx, cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(ctx, sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	mc, _ := mapMailConfig(cfg)
	if a.mailer, err = mail.Open(mc, root.With(logx.String("comp", "mail"))); err != nil {
		_ = st.Close()
		return fmt.Errorf("mail: %w", err)
	}
	renderer := mail.NewTextRenderer(mapRenderConfig(cfg), st, st, nil)

	a.prefs = recipients.NewCachedPreferences(st, defaultPrefCacheTTL)
	resolver := recipients.NewResolver(st, a.prefs)

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, root, a.bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, a.engine, root)

	ds, _ := mapDispatcherConfig(cfg)
	a.disp = notifier.New(ds.Config, notifier.Deps{
		Store:     st,
		Resolver:  resolver,
		Transport: a.mailer,
		Renderer:  renderer,
		Engine:    a.engine,
		Bus:       a.bus,
	}, root)

	a.rec = history.NewRecorder(st, a.disp,
		history.WithLogger(root),
		history.WithCommitHook(func(r history.Record) {
			a.bus.Publish(eventbus.Event{Type: eventbus.RecordCreated, Time: r.CreatedAt, Data: r})
		}),
	)

	dg, _ := mapDigestConfig(cfg)
	a.agg = digest.New(dg.Config, digest.Deps{
		Store:      st,
		Recipients: resolver,
		Transport:  a.mailer,
		Renderer:   renderer,
		Bus:        a.bus,
	}, root)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.New(reg); err != nil {
		_ = st.Close()
		return err
	}
	if err := metrics.RegisterGauges(reg, a.bus, a.mailer.State, a.engine.Snapshot); err != nil {
		_ = st.Close()
		return err
	}
	dbg, _ := mapDebugConfig(cfg)
	a.debug = debugsrv.New(dbg, root, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), a.health)
	return nil
}

func (a *App) Store() *storage.Store            { return a.store }
func (a *App) Recorder() *history.Recorder      { return a.rec }
func (a *App) Dispatcher() *notifier.Dispatcher { return a.disp }
func (a *App) Digest() *digest.Aggregator       { return a.agg }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// health fails while mail delivery is known to be down or the database
// does not answer.
func (a *App) health() error {
	if a.mailer.State() == "open" {
		return errors.New("mail circuit open")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// StartWorkers starts only the task engine. One-shot commands use it so
// dispatches enqueued by the recorder still run.
func (a *App) StartWorkers(ctx context.Context) {
	a.engine.Start(ctx)
}

// Drain waits for queued dispatches to finish, bounded by ctx.
func (a *App) Drain(ctx context.Context) error {
	return a.engine.Idle(ctx)
}

// Start runs the daemon: engine, scheduler, debug server, metrics, alerts
// and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	cfg := a.cfgm.Get()
	a.engine.Start(c)
	if err := a.applySchedules(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(c)
	}
	dbg, _ := mapDebugConfig(cfg)
	a.debug.Apply(c, dbg)

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.alerts != nil {
		a.sup.Go("alert.digest", func(c context.Context) error {
			return alert.WatchDigest(c, a.bus, a.alerts, a.log)
		})
	}
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	// Records left unstamped by a previous process go out now.
	if ds, _ := mapDispatcherConfig(cfg); ds.Enabled {
		if n, err := a.disp.Sweep(c); err != nil {
			a.log.Warn("startup sweep failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("startup sweep re-enqueued records", logx.Int("records", n))
		}
	}

	a.log.Info("app started")
	return nil
}

// applySchedules upserts or removes the digest and sweep triggers.
func (a *App) applySchedules(cfg *config.Config) error {
	dg, err := mapDigestConfig(cfg)
	if err != nil {
		return err
	}
	if dg.Enabled {
		timeout := dg.MaxRun + time.Minute
		if dg.MaxRun <= 0 {
			timeout = 0
		}
		job := a.digestJob
		if dg.Schedule != "" {
			_, err = a.sched.AddSchedule(digestSchedule, dg.Schedule, timeout, job)
		} else {
			_, err = a.sched.AddDaily(digestSchedule, dg.At, timeout, job)
		}
		if err != nil {
			return fmt.Errorf("digest schedule: %w", err)
		}
	} else {
		a.sched.Remove(digestSchedule)
	}

	ds, err := mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	if ds.Enabled && ds.SweepEvery > 0 {
		if _, err := a.sched.AddInterval(sweepSchedule, ds.SweepEvery, time.Minute, a.sweepJob); err != nil {
			return fmt.Errorf("sweep schedule: %w", err)
		}
	} else {
		a.sched.Remove(sweepSchedule)
	}
	return nil
}

// digestJob is never retried: a second run the same day would only see
// what the first one left unstamped.
func (a *App) digestJob(ctx context.Context) error {
	rep, err := a.agg.Run(ctx)
	if err != nil {
		if errors.Is(err, digest.ErrDisabled) {
			return nil
		}
		return engine.NoRetry(err)
	}
	if rep.Failed > 0 {
		a.log.Warn("digest finished with failed recipients", logx.Int("failed", rep.Failed), logx.String("run", rep.RunID))
	}
	return nil
}

func (a *App) sweepJob(ctx context.Context) error {
	_, err := a.disp.Sweep(ctx)
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
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
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config is applied.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if prev.Storage != next.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Mail.Driver != next.Mail.Driver || prev.Mail.URL != next.Mail.URL || prev.Mail.LogBody != next.Mail.LogBody ||
		mapRenderConfig(prev) != mapRenderConfig(next) {
		a.log.Warn("mail transport or message settings changed; restart required for changes to take effect")
	}
	if prev.Telegram != next.Telegram {
		a.log.Warn("telegram config changed; restart required for changes to take effect")
	}
	if mc, err := mapMailConfig(next); err == nil {
		a.mailer.Apply(mc.Guard)
	}

	if ec, err := mapTaskEngineConfig(next); err == nil {
		a.engine.Apply(c, ec)
	}
	if ds, err := mapDispatcherConfig(next); err == nil {
		a.disp.Apply(ds.Config)
	}
	if dg, err := mapDigestConfig(next); err == nil {
		a.agg.Apply(dg.Config)
	}

	wasOn := a.sched.Enabled()
	if sc, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(sc)
	}
	if err := a.applySchedules(next); err != nil {
		a.log.Warn("schedules not updated", logx.Err(err))
	}
	switch isOn := a.sched.Enabled(); {
	case wasOn && !isOn:
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasOn && isOn:
		a.sched.Start(c)
	}

	if dbg, err := mapDebugConfig(next); err == nil {
		a.debug.Apply(c, dbg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// Stop shuts the services down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// In-flight dispatches get a moment to finish; the rest are swept on the next start.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
