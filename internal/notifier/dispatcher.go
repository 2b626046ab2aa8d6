package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pagenotify/internal/eventbus"
	"pagenotify/internal/mail"
	"pagenotify/internal/storage"
	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

var ErrDisabled = errors.New("dispatcher disabled")

const taskName = "dispatch"

// Dispatcher sends single notifications. It is safe for concurrent use.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	store     RecordStore
	resolver  Resolver
	transport mail.Transport
	renderer  mail.Renderer
	eng       Engine

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

type Deps struct {
	Store     RecordStore
	Resolver  Resolver
	Transport mail.Transport
	Renderer  mail.Renderer
	Engine    Engine
	Bus       eventbus.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		resolver:  deps.Resolver,
		transport: deps.Transport,
		renderer:  deps.Renderer,
		eng:       deps.Engine,
		log:       log.With(logx.String("comp", "dispatcher")),
		bus:       deps.Bus,
		now:       now,
	}
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Key is the engine concurrency key of a record's dispatch.
func Key(recordID int64) string { return "dispatch:" + strconv.FormatInt(recordID, 10) }

// Enqueue schedules Dispatch for a committed record without blocking. A
// dispatch already queued or running for the same record absorbs the call.
func (d *Dispatcher) Enqueue(recordID int64) error {
	cfg := d.config()
	if !cfg.Enabled {
		return ErrDisabled
	}
	err := d.eng.Enqueue(engine.Task{
		Name:           taskName,
		ConcurrencyKey: Key(recordID),
		Timeout:        cfg.Timeout,
		Opt: engine.TaskOptions{
			Overlap:       engine.OverlapSkipIfRunning,
			RetryMax:      cfg.RetryMax,
			RetryBase:     cfg.RetryBase,
			RetryMaxDelay: cfg.RetryMaxDelay,
		},
		Run: func(ctx context.Context) error {
			_, err := d.Dispatch(ctx, recordID)
			return err
		},
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		d.log.Debug("dispatch already pending", logx.Int64("record", recordID))
		return nil
	}
	return err
}

// Dispatch delivers the single notifications of one record and stamps it.
// It returns an error only when the record must stay unstamped.
func (d *Dispatcher) Dispatch(ctx context.Context, recordID int64) (Result, error) {
	res := Result{RecordID: recordID}
	if d.renderer == nil || d.transport == nil {
		return res, engine.NoRetry(errors.New("dispatcher has no renderer or transport"))
	}
	rec, err := d.store.GetRecord(ctx, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load record %d: %w", recordID, err)
	}
	if !rec.SingleSentAt.IsZero() {
		res.Skipped = true
		return res, nil
	}
	if !rec.HasPage() {
		if err := d.store.DeleteRecord(ctx, recordID); err != nil {
			return res, fmt.Errorf("delete orphan record %d: %w", recordID, err)
		}
		res.Deleted = true
		d.log.Debug("deleted record without page", logx.Int64("record", recordID))
		d.publish(eventbus.RecordDeleted, DispatchEvent{RecordID: recordID, At: d.now()})
		return res, nil
	}

	rcpts, err := d.resolver.Resolve(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("resolve recipients of record %d: %w", recordID, err)
	}

	for _, u := range rcpts.Single {
		start := d.now()
		msg, err := d.renderer.Single(ctx, u, rec)
		if err == nil {
			err = d.transport.Send(ctx, msg)
		}
		if mail.IsSystemic(err) {
			d.log.Warn("dispatch aborted", logx.Int64("record", recordID), logx.Int64("user", u.ID), logx.Err(err))
			return res, fmt.Errorf("send record %d: %w", recordID, err)
		}
		took := d.now().Sub(start)
		d.logDelivery(ctx, storage.Delivery{
			At: start, Channel: "single", RecordID: recordID, UserID: u.ID,
			OK: err == nil, Error: errString(err), TookMS: took.Milliseconds(),
		})
		if err != nil {
			res.Failed++
			d.log.Warn("single notification failed", logx.Int64("record", recordID), logx.Int64("user", u.ID), logx.Err(err))
			d.publish(eventbus.DeliveryFailed, DispatchEvent{RecordID: recordID, UserID: u.ID, At: start, Error: err.Error()})
			continue
		}
		res.Sent++
	}

	stamped, err := d.store.StampSingleSent(ctx, recordID, d.now())
	if err != nil {
		return res, fmt.Errorf("stamp record %d: %w", recordID, err)
	}
	if !stamped {
		d.log.Warn("record was stamped concurrently", logx.Int64("record", recordID))
	}
	d.log.Debug("record dispatched",
		logx.Int64("record", recordID),
		logx.String("type", string(rec.Type)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("digest_recipients", len(rcpts.Digest)),
	)
	d.publish(eventbus.SingleSent, DispatchEvent{RecordID: recordID, Sent: res.Sent, Failed: res.Failed, At: d.now()})
	return res, nil
}

// Sweep purges settled records whose page is gone, then re-enqueues
// unstamped records older than the grace period. It returns how many were
// handed to the engine.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	cfg := d.config()
	if !cfg.Enabled {
		return 0, nil
	}
	gone, err := d.store.DeleteOrphanRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: %w", err)
	}
	for _, id := range gone {
		d.publish(eventbus.RecordDeleted, DispatchEvent{RecordID: id, At: d.now()})
	}
	if len(gone) > 0 {
		d.log.Info("sweep deleted records without page", logx.Int("count", len(gone)))
	}
	ids, err := d.store.PendingSingle(ctx, d.now().Add(-cfg.SweepGrace), cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		switch err := d.Enqueue(id); {
		case err == nil:
			n++
		case errors.Is(err, engine.ErrQueueFull):
			d.log.Warn("sweep stopped: queue full", logx.Int("enqueued", n), logx.Int("pending", len(ids)))
			return n, nil
		case engine.IsSkip(err):
			// open circuit; the next sweep tries again
		default:
			return n, fmt.Errorf("sweep enqueue %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		d.log.Info("sweep re-enqueued records", logx.Int("count", n), logx.Int("pending", len(ids)))
	}
	return n, nil
}

func (d *Dispatcher) logDelivery(ctx context.Context, del storage.Delivery) {
	if err := d.store.AppendDelivery(ctx, del); err != nil {
		d.log.Debug("append delivery failed", logx.Int64("record", del.RecordID), logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, ev DispatchEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
