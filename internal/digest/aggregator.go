// Package digest builds and sends the daily per-recipient digest.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagenotify/internal/eventbus"
	"pagenotify/internal/history"
	"pagenotify/internal/mail"
	"pagenotify/internal/recipients"
	"pagenotify/internal/storage"
	logx "pagenotify/pkg/logx"
)

// Aggregator runs the daily digest. Only one run proceeds at a time, in
// this process (mutex) and across processes (store run lock).
type Aggregator struct {
	run sync.Mutex

	mu  sync.Mutex
	cfg Config

	store     Store
	rcpts     Recipients
	transport mail.Transport
	renderer  mail.Renderer

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

type Deps struct {
	Store      Store
	Recipients Recipients
	Transport  mail.Transport
	Renderer   mail.Renderer
	Bus        eventbus.Bus
	Now        func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		rcpts:     deps.Recipients,
		transport: deps.Transport,
		renderer:  deps.Renderer,
		log:       log.With(logx.String("comp", "digest")),
		bus:       deps.Bus,
		now:       now,
		sleep:     sleepCtx,
	}
}

func (a *Aggregator) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg.withDefaults()
	a.mu.Unlock()
}

func (a *Aggregator) Enabled() bool { return a.config().Enabled }

func (a *Aggregator) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Run sends one digest per recipient and stamps the window's records.
//
// When ctx ends mid-run, the records that went out in at least one digest
// are stamped and ctx's error is returned; the rest stay unstamped.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	cfg := a.config()
	if !cfg.Enabled {
		return Report{}, ErrDisabled
	}
	if !a.run.TryLock() {
		return Report{}, ErrAlreadyRunning
	}
	defer a.run.Unlock()

	now := a.now()
	rep := Report{
		RunID:   uuid.NewString(),
		From:    now.Add(-cfg.Window),
		To:      now,
		Started: now,
	}
	log := a.log.With(logx.String("run", rep.RunID))

	ok, err := a.store.AcquireRunLock(ctx, LockName, rep.RunID, now, cfg.LockTTL)
	if err != nil {
		return rep, fmt.Errorf("acquire digest lock: %w", err)
	}
	if !ok {
		return rep, fmt.Errorf("%w: lock held by another process", ErrAlreadyRunning)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.store.ReleaseRunLock(rctx, LockName, rep.RunID); err != nil {
			log.Warn("release digest lock failed", logx.Err(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, cfg.MaxRun)
	defer cancel()

	records, err := a.store.PendingDigest(runCtx, rep.From, rep.To)
	if err != nil {
		return rep, fmt.Errorf("load digest records: %w", err)
	}
	users, err := a.rcpts.DigestRecipients(runCtx)
	if err != nil {
		return rep, fmt.Errorf("load digest recipients: %w", err)
	}
	rep.Records, rep.Recipients = len(records), len(users)
	if budget := cfg.Throttle * time.Duration(len(users)); budget > cfg.MaxRun {
		log.Warn("digest throttle may not finish within max_run",
			logx.Int("recipients", len(users)),
			logx.Duration("throttle", cfg.Throttle),
			logx.Duration("max_run", cfg.MaxRun),
		)
	}
	log.Info("digest started", logx.Int("records", len(records)), logx.Int("recipients", len(users)), logx.Time("from", rep.From))
	a.publish(eventbus.DigestStarted, Event{RunID: rep.RunID, Records: len(records), At: now})

	delivered := make(map[int64]bool)
	runErr := a.deliver(runCtx, cfg, log, &rep, records, users, delivered)

	// Stamping outlives an interrupted ctx.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer scancel()
	stampAt := a.now()
	var ids []int64
	if runErr == nil {
		ids = recordIDs(records)
	} else {
		rep.Interrupted = true
		for _, r := range records {
			if delivered[r.ID] {
				ids = append(ids, r.ID)
			}
		}
	}
	if len(ids) > 0 {
		n, err := a.store.StampDigestSent(sctx, ids, stampAt)
		if err != nil {
			log.Error("digest stamp failed", logx.Err(err), logx.Int("records", len(ids)))
			return rep, errors.Join(runErr, fmt.Errorf("stamp digest records: %w", err))
		}
		rep.Stamped = n
	}

	rep.Finished = a.now()
	fields := []logx.Field{
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("empty", rep.Empty),
		logx.Int64("stamped", rep.Stamped),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
	}
	ev := Event{RunID: rep.RunID, Records: rep.Records, Sent: rep.Sent, Failed: rep.Failed, At: rep.Finished}
	if runErr != nil {
		ev.Error = runErr.Error()
		log.Error("digest interrupted; undelivered records stay unstamped",
			append(fields, logx.Int("unstamped", len(records)-len(ids)), logx.Err(runErr))...)
	} else {
		log.Info("digest finished", fields...)
	}
	a.publish(eventbus.DigestFinished, ev)
	return rep, runErr
}

// deliver sends the digests in recipient order. It returns nil after the
// last recipient, or the reason it stopped early.
func (a *Aggregator) deliver(ctx context.Context, cfg Config, log logx.Logger, rep *Report, records []history.Record, users []recipients.User, delivered map[int64]bool) error {
	sentAny := false
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		watched, err := a.rcpts.WatchedPages(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("watched pages of user %d: %w", u.ID, err)
		}
		subset := make([]history.Record, 0, len(records))
		for _, r := range records {
			if watched[r.PageID] {
				subset = append(subset, r)
			}
		}
		if len(subset) == 0 {
			rep.Empty++
			continue
		}

		if sentAny && cfg.Throttle > 0 {
			if err := a.sleep(ctx, cfg.Throttle); err != nil {
				return err
			}
		}
		sentAny = true

		start := a.now()
		msg, err := a.renderer.Digest(ctx, u, subset)
		if err == nil {
			err = a.transport.Send(ctx, msg)
		}
		if mail.IsSystemic(err) {
			return fmt.Errorf("digest to user %d: %w", u.ID, err)
		}
		a.logDelivery(ctx, log, storage.Delivery{
			At: start, Channel: "digest", UserID: u.ID, RunID: rep.RunID, Records: len(subset),
			OK: err == nil, Error: errString(err), TookMS: a.now().Sub(start).Milliseconds(),
		})
		if err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, u.ID)
			log.Warn("digest send failed", logx.Int64("user", u.ID), logx.Int("records", len(subset)), logx.Err(err))
			continue
		}
		rep.Sent++
		for _, r := range subset {
			delivered[r.ID] = true
		}
		a.publish(eventbus.DigestDelivered, Event{RunID: rep.RunID, UserID: u.ID, Records: len(subset), At: start})
	}
	return nil
}

func (a *Aggregator) logDelivery(ctx context.Context, log logx.Logger, d storage.Delivery) {
	if err := a.store.AppendDelivery(context.WithoutCancel(ctx), d); err != nil {
		log.Debug("append delivery failed", logx.Int64("user", d.UserID), logx.Err(err))
	}
}

func (a *Aggregator) publish(typ string, ev Event) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func recordIDs(rs []history.Record) []int64 {
	ids := make([]int64, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
