/*
Package bus fans committed journal batches out to subscribers.

DELIVERY CONTRACT:
  - Ordered: each subscriber sees events in sequence order
  - Gapless: a subscriber never skips a committed event
  - At-least-once: a batch may be offered again after recovery; subscribers
    drop events at or below their own watermark
  - Non-blocking: Publish never waits on a subscriber

DESIGN:
  Every subscriber owns a goroutine and a bounded mailbox. Publish offers the
  batch to each mailbox and moves on. A full mailbox sets the subscriber's
  overflow flag; once the subscriber drains what it has, it re-reads the
  journal from its own watermark instead of relying on the dropped batch.
  The same backfill runs at subscription time and whenever a batch arrives
  ahead of the watermark.

  Handler errors and panics are logged and counted. They never reach the
  writer or other subscribers.

USAGE:
  b := bus.New(journal, bus.Options{})
  journal.SetCommitHook(b.Publish)
  b.Subscribe("projections", projector.LastSeq(), projector.Handle)
*/
package bus

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/metrics"
)

// Handler receives one batch. A transfer's legs always arrive together.
type Handler func(ctx context.Context, events []credit.Event) error

// Source is the journal read side used for backfill.
type Source interface {
	ReadFrom(ctx context.Context, from uint64) iter.Seq2[credit.Event, error]
}

type Options struct {
	MailboxSize   int // batches buffered per subscriber (default 256)
	BackfillBatch int // events per handler call during backfill (default 512)
	Logger        *slog.Logger
}

type Bus struct {
	source Source
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name     string
	handler  Handler
	mailbox  chan []credit.Event
	overflow atomic.Bool
	last     atomic.Uint64
	logger   *slog.Logger
}

func New(source Source, opts Options) *Bus {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	if opts.BackfillBatch <= 0 {
		opts.BackfillBatch = 512
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		source: source,
		opts:   opts,
		logger: opts.Logger.With("component", "bus"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe starts delivering events after sequence `after` to h. Events
// already in the journal are backfilled first.
func (b *Bus) Subscribe(name string, after uint64, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	if _, ok := b.subs[name]; ok {
		return fmt.Errorf("subscriber %q already registered", name)
	}
	s := &subscription{
		name:    name,
		handler: h,
		mailbox: make(chan []credit.Event, b.opts.MailboxSize),
		logger:  b.logger.With("subscriber", name),
	}
	s.last.Store(after)
	b.subs[name] = s

	b.wg.Add(1)
	go b.run(s)
	return nil
}

// Unsubscribe stops a subscriber after it drains its mailbox.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(s.mailbox)
	}
}

// Position returns the last sequence handed to the named subscriber.
func (b *Bus) Position(name string) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[name]
	if !ok {
		return 0, false
	}
	return s.last.Load(), true
}

// Publish offers a committed batch to every subscriber without blocking.
func (b *Bus) Publish(events []credit.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.mailbox <- events:
		default:
			if !s.overflow.Swap(true) {
				s.logger.Warn("mailbox full, subscriber will backfill from the journal",
					"dropped_from", events[0].Sequence)
			}
			metrics.BusOverflows.WithLabelValues(s.name).Inc()
		}
	}
}

// Close stops accepting publishes and lets subscribers drain. If ctx ends
// first, handler contexts are cancelled.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, s := range b.subs {
		close(s.mailbox)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

// =============================================================================
// SUBSCRIBER LOOP
// =============================================================================

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()

	b.backfill(s)
	for batch := range s.mailbox {
		b.deliver(s, batch)
		if s.overflow.Swap(false) {
			b.backfill(s)
		}
	}
}

func (b *Bus) deliver(s *subscription, batch []credit.Event) {
	last := s.last.Load()
	if batch[0].Sequence > last+1 {
		b.backfill(s)
		last = s.last.Load()
	}
	i := 0
	for i < len(batch) && batch[i].Sequence <= last {
		i++
	}
	if i < len(batch) {
		b.invoke(s, batch[i:])
	}
}

// backfill replays the journal after the subscriber's watermark, cutting
// chunks only between transfer groups.
func (b *Bus) backfill(s *subscription) {
	from := s.last.Load() + 1
	var chunk []credit.Event
	for evt, err := range b.source.ReadFrom(b.ctx, from) {
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			s.logger.Error("backfill read failed", "from", from, "error", err)
			continue
		}
		if len(chunk) >= b.opts.BackfillBatch && !evt.ContinuesGroup() {
			b.invoke(s, chunk)
			chunk = nil
		}
		chunk = append(chunk, evt)
	}
	if len(chunk) > 0 {
		b.invoke(s, chunk)
	}
}

func (b *Bus) invoke(s *subscription, events []credit.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerErrors.WithLabelValues(s.name).Inc()
			s.logger.Error("subscriber panicked",
				"panic", r,
				"first", events[0].Sequence,
				"last", events[len(events)-1].Sequence)
		}
		s.last.Store(events[len(events)-1].Sequence)
	}()

	if err := s.handler(b.ctx, events); err != nil {
		metrics.BusHandlerErrors.WithLabelValues(s.name).Inc()
		s.logger.Error("subscriber failed",
			"first", events[0].Sequence,
			"last", events[len(events)-1].Sequence,
			"error", err)
		return
	}
	metrics.BusDelivered.WithLabelValues(s.name).Add(float64(len(events)))
}
