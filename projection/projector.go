package projection

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// PROJECTOR - Bus subscriber publishing immutable snapshots
// =============================================================================

// Snapshot is what readers see: every state folded to the same sequence.
type Snapshot struct {
	Balances BalanceState
	History  HistoryState
}

// LastSeq is the journal sequence the snapshot reflects.
func (s *Snapshot) LastSeq() uint64 {
	return s.Balances.LastSeq()
}

// Source is the journal read side used by Rebuild.
type Source interface {
	ReadFrom(ctx context.Context, from uint64) iter.Seq2[credit.Event, error]
}

// RebuildStats summarizes a rebuild from the journal.
type RebuildStats struct {
	Events  int
	Corrupt int
	LastSeq uint64
}

// Projector owns the current Snapshot. Reads are lock-free; a whole batch
// becomes visible in a single pointer swap.
type Projector struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger

	mu      sync.Mutex // serializes folds and guards changed
	changed chan struct{}
}

func NewProjector(logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{
		logger:  logger.With("component", "projector"),
		changed: make(chan struct{}),
	}
	p.current.Store(&Snapshot{})
	return p
}

// Snapshot returns the latest published snapshot. Never nil.
func (p *Projector) Snapshot() *Snapshot {
	return p.current.Load()
}

func (p *Projector) LastSeq() uint64 {
	return p.Snapshot().LastSeq()
}

// Apply folds a batch and publishes the result.
func (p *Projector) Apply(events []credit.Event) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current.Load()
	if events[len(events)-1].Sequence <= cur.LastSeq() {
		return
	}
	p.current.Store(&Snapshot{
		Balances: cur.Balances.Apply(events...),
		History:  cur.History.Apply(events...),
	})
	close(p.changed)
	p.changed = make(chan struct{})
}

// Handle adapts Apply to the bus handler signature.
func (p *Projector) Handle(_ context.Context, events []credit.Event) error {
	p.Apply(events)
	return nil
}

// Rebuild folds everything after the current snapshot from the journal.
// Corrupt records are logged and skipped; verification reports them.
func (p *Projector) Rebuild(ctx context.Context, src Source) (RebuildStats, error) {
	var (
		stats  RebuildStats
		events []credit.Event
	)
	for evt, err := range src.ReadFrom(ctx, p.LastSeq()+1) {
		if err != nil {
			if ctx.Err() != nil {
				return stats, fmt.Errorf("rebuild projections: %w", ctx.Err())
			}
			stats.Corrupt++
			p.logger.Warn("skipping unreadable journal record", "error", err)
			continue
		}
		events = append(events, evt)
	}
	stats.Events = len(events)
	p.Apply(events)
	stats.LastSeq = p.LastSeq()
	p.logger.Info("projections rebuilt",
		"events", stats.Events,
		"corrupt", stats.Corrupt,
		"last_seq", stats.LastSeq)
	return stats, nil
}

// WaitFor blocks until the snapshot reflects seq or ctx ends.
func (p *Projector) WaitFor(ctx context.Context, seq uint64) error {
	for {
		p.mu.Lock()
		ch := p.changed
		p.mu.Unlock()

		if p.LastSeq() >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for sequence %d: %w", seq, ctx.Err())
		}
	}
}
