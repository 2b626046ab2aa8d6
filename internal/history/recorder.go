package history

import (
	"context"
	"fmt"
	"time"

	logx "pagenotify/pkg/logx"
)

// Writer is the transactional slice of the store the recorder needs.
type Writer interface {
	InsertRecord(ctx context.Context, r *Record) error
	PageToucher
}

// PageToucher moves a page's updated_at.
type PageToucher interface {
	TouchPage(ctx context.Context, pageID int64, at time.Time) error
}

// TxStore runs fn in one transaction; a non-nil error from fn rolls it back.
type TxStore interface {
	WithWriter(ctx context.Context, fn func(Writer) error) error
}

// Enqueuer takes a committed record ID for asynchronous delivery. It must
// not block.
type Enqueuer interface {
	Enqueue(recordID int64) error
}

type RecorderOption func(*Recorder)

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func WithRegistry(reg Registry) RecorderOption {
	return func(r *Recorder) { r.reg = reg }
}

// WithCommitHook registers fn to see every committed record before it is
// enqueued.
func WithCommitHook(fn func(Record)) RecorderOption {
	return func(r *Recorder) { r.onCommit = fn }
}

func WithLogger(log logx.Logger) RecorderOption {
	return func(r *Recorder) { r.log = log.With(logx.String("comp", "history")) }
}

// Recorder classifies mutations and persists the resulting records.
type Recorder struct {
	store TxStore
	enq   Enqueuer
	reg   Registry
	now   func() time.Time
	log   logx.Logger

	onCommit func(Record)
}

// NewRecorder builds a recorder. enq may be nil, in which case nothing is
// enqueued and the sweeper picks the records up.
func NewRecorder(store TxStore, enq Enqueuer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		enq:   enq,
		reg:   defaultRegistry,
		now:   time.Now,
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record classifies mc, writes the record in its own transaction and
// enqueues it after commit. It returns (nil, nil) when nothing matches.
func (r *Recorder) Record(ctx context.Context, mc MutationContext) (*Record, error) {
	var rec *Record
	err := r.store.WithWriter(ctx, func(w Writer) error {
		var err error
		rec, err = r.RecordIn(ctx, w, mc)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		r.Committed(rec)
	}
	return rec, nil
}

// RecordIn classifies mc and writes through w, which belongs to the
// caller's transaction. The caller must call Committed after commit.
func (r *Recorder) RecordIn(ctx context.Context, w Writer, mc MutationContext) (*Record, error) {
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	c, ok, err := r.reg.Classify(mc)
	if err != nil {
		return nil, fmt.Errorf("classify %s/%s on page %d: %w", mc.Kind, mc.Op, mc.PageID, err)
	}
	if !ok {
		r.log.Debug("mutation not recorded", logx.String("kind", string(mc.Kind)), logx.String("op", string(mc.Op)), logx.Int64("page", mc.PageID))
		return nil, nil
	}

	// Stored timestamps carry millisecond precision.
	at := mc.At
	if at.IsZero() {
		at = r.now()
	}
	rec := &Record{
		ActorID:   mc.ActorID,
		PageID:    mc.PageID,
		Subject:   c.Subject,
		Type:      c.Type,
		Details:   c.Details,
		CreatedAt: at.UTC().Truncate(time.Millisecond),
	}
	if err := w.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert %s record: %w", rec.Type, err)
	}
	if rec.Type.TouchesPage() {
		if err := w.TouchPage(ctx, rec.PageID, rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("touch page %d: %w", rec.PageID, err)
		}
	}
	return rec, nil
}

// Committed hands a committed record to the enqueuer. Enqueue failures are
// logged only; the record stays unstamped for the sweeper.
func (r *Recorder) Committed(rec *Record) {
	if rec == nil {
		return
	}
	if r.onCommit != nil {
		r.onCommit(*rec)
	}
	if r.enq == nil {
		return
	}
	if err := r.enq.Enqueue(rec.ID); err != nil {
		r.log.Warn("enqueue record failed", logx.Int64("record", rec.ID), logx.String("type", string(rec.Type)), logx.Err(err))
	}
}
