package publish

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
	"github.com/warp/credit-engine/metrics"
)

// Source is the journal read side used to re-send events after a failure.
type Source interface {
	ReadFrom(ctx context.Context, from uint64) iter.Seq2[credit.Event, error]
}

type Options struct {
	MaxAttempts    int           // per event (default 5)
	InitialBackoff time.Duration // default 50ms
	MaxBackoff     time.Duration // default 5s
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dispatcher delivers events to a Hook in sequence order and records the
// delivered position in a CursorStore.
//
// The bus advances its own watermark even when a handler fails, so the
// dispatcher keeps a cursor of its own: a batch that starts past the cursor
// is preceded by a re-read of the missing range from the journal.
type Dispatcher struct {
	name    string
	hook    Hook
	source  Source
	cursors credit.CursorStore
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex // one delivery run at a time
	cursor atomic.Uint64
}

func NewDispatcher(name string, hook Hook, source Source, cursors credit.CursorStore, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		name:    name,
		hook:    hook,
		source:  source,
		cursors: cursors,
		opts:    opts,
		logger:  opts.Logger.With("component", "publish", "hook", name),
	}
}

func (d *Dispatcher) Name() string { return d.name }

// Load reads the persisted cursor. Subscribe the dispatcher after it.
func (d *Dispatcher) Load(ctx context.Context) (uint64, error) {
	seq, err := d.cursors.Cursor(ctx, d.name)
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", d.name, err)
	}
	d.cursor.Store(seq)
	return seq, nil
}

// Cursor returns the last delivered sequence.
func (d *Dispatcher) Cursor() uint64 {
	return d.cursor.Load()
}

// Handle is the bus handler.
func (d *Dispatcher) Handle(ctx context.Context, events []credit.Event) error {
	if len(events) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.cursor.Load()
	defer func() {
		if last := d.cursor.Load(); last != start {
			if err := d.cursors.SaveCursor(context.WithoutCancel(ctx), d.name, last); err != nil {
				d.logger.Error("saving cursor failed", "seq", last, "error", err)
			}
		}
	}()

	if events[0].Sequence > start+1 {
		if err := d.resend(ctx, events[0].Sequence); err != nil {
			return err
		}
	}
	for _, evt := range events {
		if evt.Sequence <= d.cursor.Load() {
			continue
		}
		if err := d.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// resend delivers journal events after the cursor and before `until`.
func (d *Dispatcher) resend(ctx context.Context, until uint64) error {
	from := d.cursor.Load() + 1
	d.logger.Warn("re-sending from journal", "from", from, "until", until)
	for evt, err := range d.source.ReadFrom(ctx, from) {
		if err != nil {
			var corrupt *journal.CorruptRecordError
			if errors.As(err, &corrupt) {
				d.logger.Error("skipping corrupt journal record", "line", corrupt.Line, "error", corrupt.Err)
				continue
			}
			return fmt.Errorf("re-read journal from %d: %w", from, err)
		}
		if evt.Sequence >= until {
			return nil
		}
		if err := d.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, evt credit.Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := d.hook.Publish(ctx, evt)
		if err != nil {
			d.logger.Warn("publish failed", "seq", evt.Sequence, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.opts.MaxAttempts)))
	if err != nil {
		metrics.Published.WithLabelValues("failed").Inc()
		d.logger.Error("giving up on event", "seq", evt.Sequence, "attempts", attempt, "error", err)
		return fmt.Errorf("publish event %d: %w", evt.Sequence, err)
	}

	metrics.Published.WithLabelValues("ok").Inc()
	d.cursor.Store(evt.Sequence)
	return nil
}
