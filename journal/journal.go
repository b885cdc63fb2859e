/*
Package journal is the append-only, hash-chained event log.

PURPOSE:
  The journal is the single source of truth. Every balance is derived by
  replaying it. One newline-terminated JSON object per event, fsynced before
  the append is acknowledged.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: events are never rewritten or deleted
  2. CONTIGUOUS: sequence numbers start at 1 and have no gaps
  3. CHAINED: each signature covers the previous signature
  4. IDEMPOTENT: a committed idempotency key is never written twice

APPEND FLOW (under the writer lock):
  1. Dedup: all keys committed -> return the originals (Replayed)
  2. Precondition: watched keys that changed since the caller's snapshot
     are re-validated; debited keys must stay covered, others untouched
  3. Sequence, sign, encode, one write, fsync (bounded by SyncTimeout)
  4. Update in-memory state, run the commit hook, acknowledge

FAILURES:
  A failed write is truncated back to the last committed offset. A failed
  or timed out fsync seals the journal; appends fail until it is reopened.
  After a timeout the unacknowledged bytes are truncated as soon as the
  abandoned fsync returns, and Close waits for that.

CRASH RECOVERY:
  Open discards a trailing torn line and a trailing transfer group whose
  closing leg never made it to disk. Malformed records in the middle are
  left alone and surface through ReadFrom as *CorruptRecordError.

SEE ALSO:
  - signer.go: Chain digest and HMAC signatures
  - integrity/verifier.go: Full chain verification
*/
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/metrics"
)

var (
	ErrClosed      = errors.New("journal closed")
	ErrSyncTimeout = errors.New("fsync timed out")
)

// DefaultSyncTimeout bounds how long an append waits for fsync.
const DefaultSyncTimeout = 2 * time.Second

// file is the subset of *os.File the writer needs.
type file interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

type Options struct {
	SyncTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// AppendOptions carries the optimistic precondition of an append.
type AppendOptions struct {
	// Snapshot is the projection watermark the caller validated against.
	Snapshot uint64
	// Watch lists balance keys the caller validated. A key changed after
	// Snapshot is re-checked: if the batch debits it, the running balance
	// must still cover the debit; otherwise the change is a conflict.
	Watch []credit.BalanceKey
}

type Result struct {
	Events   []credit.Event
	Replayed bool
}

// RecoveryReport summarizes what Open found on disk.
type RecoveryReport struct {
	Records        int
	Corrupt        int
	TruncatedBytes int64
	DroppedEvents  int
}

// CorruptRecordError is yielded for a line that cannot be decoded.
type CorruptRecordError struct {
	Line   int
	Offset int64
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt journal record at line %d (offset %d): %v", e.Line, e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error {
	return []error{credit.ErrIntegrityViolation, e.Err}
}

type Journal struct {
	path   string
	signer Signer
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex // serializes appends
	f       file
	offset  int64
	head    uint64
	lastSig string
	sealed  error
	closed  bool
	hook    func([]credit.Event)

	idx      sync.RWMutex // guards byKey and touched for readers
	byKey    map[string]credit.Event
	touched  map[credit.BalanceKey]uint64
	balances map[credit.BalanceKey]decimal.Decimal // writer only

	discarding sync.WaitGroup

	headSeq   atomic.Uint64
	committed atomic.Int64

	recovery RecoveryReport
}

// Open opens or creates the journal at path and recovers its state.
func Open(path string, signer Signer, opts Options) (*Journal, error) {
	if signer == nil {
		return nil, errors.New("journal: signer is required")
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		path:    path,
		signer:  signer,
		opts:    opts,
		logger:  opts.Logger.With("component", "journal"),
		f:       f,
		byKey:    make(map[string]credit.Event),
		touched:  make(map[credit.BalanceKey]uint64),
		balances: make(map[credit.BalanceKey]decimal.Decimal),
	}
	if err := j.recover(f); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// =============================================================================
// RECOVERY
// =============================================================================

type scanned struct {
	offset int64
	end    int64
	line   int
	event  credit.Event
	err    error
}

func (j *Journal) recover(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	recs, complete, err := scan(f)
	if err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}

	// Trailing garbage first, then a torn last line, then any transfer
	// group left open by a crash between its legs.
	cut := len(recs)
	if cut > 0 && isTorn(recs[cut-1].err) {
		cut--
	}
	dropped := 0
	for cut > 0 && recs[cut-1].err == nil && recs[cut-1].event.OpensGroup() {
		cut--
		dropped++
	}

	truncateAt := complete
	if cut < len(recs) {
		truncateAt = recs[cut].offset
	}
	if truncateAt < info.Size() {
		if err := f.Truncate(truncateAt); err != nil {
			return fmt.Errorf("truncate incomplete tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync after truncate: %w", err)
		}
		j.recovery.TruncatedBytes = info.Size() - truncateAt
		j.recovery.DroppedEvents = dropped
		metrics.JournalRecoveries.Inc()
		j.logger.Warn("discarded incomplete journal tail",
			"bytes", j.recovery.TruncatedBytes,
			"dropped_events", dropped,
			"offset", truncateAt)
	}
	if _, err := f.Seek(truncateAt, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal end: %w", err)
	}

	for _, rec := range recs[:cut] {
		if rec.err != nil {
			j.recovery.Corrupt++
			j.logger.Error("corrupt journal record", "line", rec.line, "offset", rec.offset, "error", rec.err)
			continue
		}
		evt := rec.event
		if evt.Sequence != j.head+1 {
			j.logger.Error("journal sequence discontinuity", "line", rec.line, "expected", j.head+1, "got", evt.Sequence)
		}
		if _, dup := j.byKey[evt.IdempotencyKey]; !dup {
			j.byKey[evt.IdempotencyKey] = evt
		}
		j.touched[evt.Key()] = evt.Sequence
		j.balances[evt.Key()] = j.balances[evt.Key()].Add(evt.Amount)
		if evt.Sequence > j.head {
			j.head = evt.Sequence
		}
		j.lastSig = evt.Signature
		j.recovery.Records++
	}

	j.offset = truncateAt
	j.committed.Store(truncateAt)
	j.headSeq.Store(j.head)
	metrics.JournalHead.Set(float64(j.head))

	j.logger.Info("journal opened",
		"path", j.path,
		"head", j.head,
		"records", j.recovery.Records,
		"corrupt", j.recovery.Corrupt)
	return nil
}

// scan reads newline-terminated records. complete is the offset just past
// the last newline; anything after it is a torn write.
func scan(r io.Reader) (recs []scanned, complete int64, err error) {
	br := bufio.NewReader(r)
	line := 0
	for {
		b, readErr := br.ReadBytes('\n')
		if len(b) > 0 && b[len(b)-1] == '\n' {
			line++
			rec := scanned{offset: complete, end: complete + int64(len(b)), line: line}
			rec.event, rec.err = decodeLine(b)
			recs = append(recs, rec)
			complete = rec.end
		}
		if readErr == io.EOF {
			return recs, complete, nil
		}
		if readErr != nil {
			return nil, 0, readErr
		}
	}
}

func decodeLine(b []byte) (credit.Event, error) {
	b = bytes.TrimRight(b, "\r\n")
	if len(bytes.TrimSpace(b)) == 0 {
		return credit.Event{}, errors.New("empty record")
	}
	var evt credit.Event
	if err := json.Unmarshal(b, &evt); err != nil {
		return credit.Event{}, fmt.Errorf("decode record: %w", err)
	}
	if evt.Sequence == 0 {
		return credit.Event{}, errors.New("missing sequence number")
	}
	if evt.Signature == "" {
		return credit.Event{}, errors.New("missing signature")
	}
	if err := evt.Validate(); err != nil {
		return credit.Event{}, err
	}
	return evt, nil
}

// isTorn reports a line that stopped mid-object, as a crash during write
// leaves it.
func isTorn(err error) bool {
	var syntax *json.SyntaxError
	return err != nil && errors.As(err, &syntax)
}

// =============================================================================
// APPEND
// =============================================================================

// SetCommitHook installs fn to receive every committed batch, in commit
// order, while the writer lock is held. fn must not block.
func (j *Journal) SetCommitHook(fn func([]credit.Event)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hook = fn
}

// Append durably commits events as one unit. See the package comment for
// the flow.
func (j *Journal) Append(ctx context.Context, events []credit.Event, opts AppendOptions) (Result, error) {
	if err := checkBatch(events); err != nil {
		metrics.JournalAppends.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Result{}, ErrClosed
	}
	if j.sealed != nil {
		return Result{}, &credit.DurabilityError{Op: "append", Err: fmt.Errorf("%w: %v", credit.ErrJournalSealed, j.sealed)}
	}

	existing := 0
	for _, e := range events {
		if _, ok := j.byKey[e.IdempotencyKey]; ok {
			existing++
		}
	}
	if existing == len(events) {
		out := make([]credit.Event, len(events))
		for i, e := range events {
			out[i] = j.byKey[e.IdempotencyKey]
		}
		metrics.JournalAppends.WithLabelValues("replayed").Inc()
		return Result{Events: out, Replayed: true}, nil
	}
	if existing > 0 {
		metrics.JournalAppends.WithLabelValues("invalid").Inc()
		return Result{}, &credit.ValidationError{
			Field:  "idempotency_key",
			Reason: fmt.Sprintf("%d of %d keys already committed", existing, len(events)),
			Err:    credit.ErrIdempotencyKeyReuse,
		}
	}

	if err := j.checkWatched(events, opts); err != nil {
		metrics.JournalAppends.WithLabelValues("conflict").Inc()
		return Result{}, err
	}

	start := time.Now()
	now := j.opts.Now().UTC()
	committed := make([]credit.Event, len(events))
	prev := j.lastSig
	var buf bytes.Buffer
	for i, e := range events {
		e.Sequence = j.head + uint64(i) + 1
		e.Timestamp = now
		e.Metadata = maps.Clone(e.Metadata)
		if e.Transfer != nil {
			leg := *e.Transfer
			e.Transfer = &leg
		}
		e.Signature = ""
		content, err := CanonicalContent(e)
		if err != nil {
			return Result{}, err
		}
		e.Signature = j.signer.Sign(prev, content)
		prev = e.Signature

		line, err := json.Marshal(e)
		if err != nil {
			return Result{}, fmt.Errorf("encode event %d: %w", e.Sequence, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		committed[i] = e
	}

	if err := j.write(buf.Bytes()); err != nil {
		metrics.JournalAppends.WithLabelValues("durability").Inc()
		return Result{}, err
	}

	j.offset += int64(buf.Len())
	j.head = committed[len(committed)-1].Sequence
	j.lastSig = prev
	j.idx.Lock()
	for _, e := range committed {
		j.byKey[e.IdempotencyKey] = e
		j.touched[e.Key()] = e.Sequence
		j.balances[e.Key()] = j.balances[e.Key()].Add(e.Amount)
	}
	j.idx.Unlock()
	j.committed.Store(j.offset)
	j.headSeq.Store(j.head)

	metrics.JournalAppendSeconds.Observe(time.Since(start).Seconds())
	metrics.JournalAppends.WithLabelValues("committed").Inc()
	metrics.JournalEvents.Add(float64(len(committed)))
	metrics.JournalHead.Set(float64(j.head))

	if j.hook != nil {
		j.hook(committed)
	}
	return Result{Events: committed}, nil
}

// checkWatched re-validates watched keys that changed after the caller's
// snapshot. Called with mu held.
func (j *Journal) checkWatched(events []credit.Event, opts AppendOptions) error {
	for _, k := range opts.Watch {
		seq := j.touched[k]
		if seq <= opts.Snapshot {
			continue
		}
		delta := decimal.Zero
		debited := false
		for _, e := range events {
			if e.Key() == k {
				delta = delta.Add(e.Amount)
				debited = debited || e.Debit()
			}
		}
		if !debited {
			return fmt.Errorf("%s changed at seq %d after snapshot %d: %w",
				k, seq, opts.Snapshot, credit.ErrConcurrentModification)
		}
		if after := j.balances[k].Add(delta); after.IsNegative() {
			return fmt.Errorf("%s changed at seq %d after snapshot %d and no longer covers %s: %w",
				k, seq, opts.Snapshot, delta.Neg(), credit.ErrConcurrentModification)
		}
	}
	return nil
}

// checkBatch validates every event and the completeness of transfer groups.
func checkBatch(events []credit.Event) error {
	if len(events) == 0 {
		return &credit.ValidationError{Field: "events", Reason: "empty batch"}
	}
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := seen[e.IdempotencyKey]; dup {
			return &credit.ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("duplicate key %q in batch", e.IdempotencyKey)}
		}
		seen[e.IdempotencyKey] = struct{}{}
	}
	for i := 0; i < len(events); i++ {
		t := events[i].Transfer
		if t == nil {
			continue
		}
		if t.Leg != 1 {
			return &credit.ValidationError{Field: "transfer", Reason: "leg appended without its opening leg"}
		}
		for leg := 2; leg <= t.Legs; leg++ {
			i++
			if i >= len(events) || events[i].Transfer == nil ||
				events[i].Transfer.CorrelationID != t.CorrelationID || events[i].Transfer.Leg != leg {
				return &credit.ValidationError{Field: "transfer", Reason: fmt.Sprintf("transfer %s is incomplete", t.CorrelationID)}
			}
		}
	}
	return nil
}

// write appends data and waits for fsync. Called with mu held.
func (j *Journal) write(data []byte) error {
	if _, err := j.f.Write(data); err != nil {
		j.rollback(err)
		return &credit.DurabilityError{Op: "write", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- j.f.Sync() }()

	timer := time.NewTimer(j.opts.SyncTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			j.rollback(err)
			j.seal(fmt.Errorf("fsync: %w", err))
			return &credit.DurabilityError{Op: "fsync", Err: err}
		}
		return nil
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrSyncTimeout, j.opts.SyncTimeout)
		j.seal(err)
		j.discardAfter(done)
		return &credit.DurabilityError{Op: "fsync", Err: err}
	}
}

// rollback truncates a failed write back to the last committed offset.
func (j *Journal) rollback(cause error) {
	if err := j.f.Truncate(j.offset); err != nil {
		j.seal(fmt.Errorf("truncate after %v: %w", cause, err))
		return
	}
	if _, err := j.f.Seek(j.offset, io.SeekStart); err != nil {
		j.seal(fmt.Errorf("seek after %v: %w", cause, err))
		return
	}
	j.logger.Warn("rolled back failed append", "offset", j.offset, "error", cause)
}

// discardAfter truncates an unacknowledged write back to the last committed
// offset once its abandoned fsync returns. Called with mu held.
func (j *Journal) discardAfter(done <-chan error) {
	offset := j.offset
	j.discarding.Add(1)
	go func() {
		defer j.discarding.Done()
		<-done
		if err := j.f.Truncate(offset); err != nil {
			j.logger.Error("discard unacknowledged write", "offset", offset, "error", err)
			return
		}
		if err := j.f.Sync(); err != nil {
			j.logger.Error("sync after discard", "offset", offset, "error", err)
			return
		}
		j.logger.Warn("discarded unacknowledged write", "offset", offset)
	}()
}

func (j *Journal) seal(cause error) {
	if j.sealed == nil {
		j.sealed = cause
		j.logger.Error("journal sealed, appends disabled until reopen", "error", cause)
	}
}

// =============================================================================
// READ
// =============================================================================

// ReadFrom yields committed events with Sequence >= from in journal order.
// Each range over the result reads the file afresh up to the committed
// offset at that moment. Undecodable lines yield a *CorruptRecordError and
// iteration continues.
func (j *Journal) ReadFrom(ctx context.Context, from uint64) iter.Seq2[credit.Event, error] {
	return func(yield func(credit.Event, error) bool) {
		limit := j.committed.Load()
		f, err := os.Open(j.path)
		if err != nil {
			yield(credit.Event{}, fmt.Errorf("open journal: %w", err))
			return
		}
		defer f.Close()

		br := bufio.NewReader(io.LimitReader(f, limit))
		var offset int64
		var lastSeq uint64
		line := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(credit.Event{}, err)
				return
			}
			b, readErr := br.ReadBytes('\n')
			if len(b) > 0 {
				line++
				evt, err := decodeLine(b)
				switch {
				case err != nil:
					if lastSeq+1 >= from {
						if !yield(credit.Event{}, &CorruptRecordError{Line: line, Offset: offset, Err: err}) {
							return
						}
					}
				case evt.Sequence >= from:
					lastSeq = evt.Sequence
					if !yield(evt, nil) {
						return
					}
				default:
					lastSeq = evt.Sequence
				}
				offset += int64(len(b))
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				yield(credit.Event{}, fmt.Errorf("read journal: %w", readErr))
				return
			}
		}
	}
}

// Lookup returns the committed event carrying key.
func (j *Journal) Lookup(key string) (credit.Event, bool) {
	j.idx.RLock()
	defer j.idx.RUnlock()
	e, ok := j.byKey[key]
	return e, ok
}

// LastTouched returns the sequence of the last event on k, or 0.
func (j *Journal) LastTouched(k credit.BalanceKey) uint64 {
	j.idx.RLock()
	defer j.idx.RUnlock()
	return j.touched[k]
}

// Head returns the sequence of the last committed event.
func (j *Journal) Head() uint64 {
	return j.headSeq.Load()
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Recovery() RecoveryReport {
	return j.recovery
}

// Sealed returns the cause if the journal stopped accepting appends.
func (j *Journal) Sealed() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sealed
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.discarding.Wait()
	return j.f.Close()
}
