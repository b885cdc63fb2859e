package journal_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newSigner(t *testing.T) *journal.HMACSigner {
	t.Helper()
	s, err := journal.NewHMACSigner(testKey)
	require.NoError(t, err)
	return s
}

func openJournal(t *testing.T, path string) *journal.Journal {
	t.Helper()
	j, err := journal.Open(path, newSigner(t), journal.Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "journal.ndjson")
}

func mint(key string, entity credit.EntityID, amount int64) credit.Event {
	return credit.Event{
		EntityID:       entity,
		EntityType:     credit.EntityAgent,
		CreditType:     credit.CreditCompute,
		Amount:         decimal.NewFromInt(amount),
		Type:           credit.TxMint,
		MintRule:       credit.MintSystemGrant,
		CorrelationID:  key,
		IdempotencyKey: key,
	}
}

func burn(key string, entity credit.EntityID, amount int64) credit.Event {
	return credit.Event{
		EntityID:       entity,
		EntityType:     credit.EntityAgent,
		CreditType:     credit.CreditCompute,
		Amount:         decimal.NewFromInt(-amount),
		Type:           credit.TxBurn,
		CorrelationID:  key,
		IdempotencyKey: key,
	}
}

func transfer(key string, from, to credit.EntityID, amount int64) []credit.Event {
	leg := func(n int, entity, counterparty credit.EntityID, amt int64, k string) credit.Event {
		return credit.Event{
			EntityID:   entity,
			EntityType: credit.EntityAgent,
			CreditType: credit.CreditCompute,
			Amount:     decimal.NewFromInt(amt),
			Type:       credit.TxTransfer,
			Transfer: &credit.TransferLeg{
				CorrelationID: key,
				Counterparty:  counterparty,
				Leg:           n,
				Legs:          2,
			},
			CorrelationID:  key,
			IdempotencyKey: k,
		}
	}
	return []credit.Event{
		leg(1, from, to, -amount, key),
		leg(2, to, from, amount, key+":credit"),
	}
}

func readAll(t *testing.T, j *journal.Journal, from uint64) ([]credit.Event, []error) {
	t.Helper()
	var events []credit.Event
	var errs []error
	for evt, err := range j.ReadFrom(context.Background(), from) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, evt)
	}
	return events, errs
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.SplitAfter(string(raw), "\n")
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_ContiguousSequenceAndChain(t *testing.T) {
	// GIVEN: An empty journal
	// WHEN: Three batches are appended
	// THEN: Sequences are 1..4 and each signature chains from its predecessor

	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	_, err := j.Append(ctx, []credit.Event{mint("m1", "a1", 1000)}, journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	res, err := j.Append(ctx, []credit.Event{burn("b1", "a1", 5)}, journal.AppendOptions{})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, uint64(4), res.Events[0].Sequence)
	assert.Equal(t, fixedNow, res.Events[0].Timestamp)
	assert.Equal(t, uint64(4), j.Head())

	events, errs := readAll(t, j, 1)
	require.Empty(t, errs)
	require.Len(t, events, 4)

	signer := newSigner(t)
	prev := ""
	for i, evt := range events {
		assert.Equal(t, uint64(i+1), evt.Sequence)
		content, err := journal.CanonicalContent(evt)
		require.NoError(t, err)
		assert.True(t, signer.Verify(prev, content, evt.Signature), "event %d", evt.Sequence)
		prev = evt.Signature
	}
}

func TestAppend_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	first, err := j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)

	again, err := j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Events, again.Events)
	assert.Equal(t, uint64(2), j.Head(), "replay does not consume sequence numbers")
}

func TestAppend_PartialKeyReuseRejected(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	_, err := j.Append(ctx, []credit.Event{mint("k1", "a1", 10)}, journal.AppendOptions{})
	require.NoError(t, err)

	_, err = j.Append(ctx, []credit.Event{mint("k1", "a1", 10), mint("k2", "a1", 10)}, journal.AppendOptions{})
	assert.ErrorIs(t, err, credit.ErrIdempotencyKeyReuse)
	assert.ErrorIs(t, err, credit.ErrValidation)
	assert.Equal(t, uint64(1), j.Head())
}

func TestAppend_WatchedKeyPrecondition(t *testing.T) {
	// GIVEN: a1 holds 100 and was touched again after the caller's snapshot
	// WHEN: Watched appends arrive validated against the stale snapshot
	// THEN: A covered debit commits, an uncovered one and a credit-only batch conflict

	ctx := context.Background()
	j := openJournal(t, tempPath(t))
	key := credit.BalanceKey{EntityID: "a1", CreditType: credit.CreditCompute}
	watch := []credit.BalanceKey{key}

	_, err := j.Append(ctx, []credit.Event{mint("m1", "a1", 100)}, journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, []credit.Event{burn("b0", "a1", 60)}, journal.AppendOptions{})
	require.NoError(t, err)

	_, err = j.Append(ctx, []credit.Event{burn("b1", "a1", 30)}, journal.AppendOptions{Snapshot: 1, Watch: watch})
	require.NoError(t, err, "40 left still covers 30")

	_, err = j.Append(ctx, []credit.Event{burn("b2", "a1", 30)}, journal.AppendOptions{Snapshot: 1, Watch: watch})
	assert.ErrorIs(t, err, credit.ErrConcurrentModification, "10 left no longer covers 30")

	_, err = j.Append(ctx, []credit.Event{mint("m2", "a1", 5)}, journal.AppendOptions{Snapshot: 1, Watch: watch})
	assert.ErrorIs(t, err, credit.ErrConcurrentModification, "credits on a watched key need an untouched key")

	other := credit.BalanceKey{EntityID: "a2", CreditType: credit.CreditCompute}
	_, err = j.Append(ctx, []credit.Event{mint("m3", "a2", 10)}, journal.AppendOptions{Snapshot: 0, Watch: []credit.BalanceKey{other}})
	require.NoError(t, err, "untouched keys do not conflict")

	_, err = j.Append(ctx, []credit.Event{burn("b2", "a1", 10)}, journal.AppendOptions{Snapshot: 3, Watch: watch})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), j.LastTouched(key))
}

func TestAppend_WatchedBalanceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)
	key := credit.BalanceKey{EntityID: "a1", CreditType: credit.CreditCompute}

	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	_, err = j.Append(ctx, []credit.Event{mint("m1", "a1", 20)}, journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, []credit.Event{burn("b1", "a1", 15)}, journal.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened := openJournal(t, path)
	_, err = reopened.Append(ctx, []credit.Event{burn("b2", "a1", 10)}, journal.AppendOptions{Snapshot: 1, Watch: []credit.BalanceKey{key}})
	assert.ErrorIs(t, err, credit.ErrConcurrentModification, "running balance is rebuilt on open")
}

func TestAppend_RejectsIncompleteTransfer(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	pair := transfer("t1", "a1", "a2", 10)
	_, err := j.Append(ctx, pair[:1], journal.AppendOptions{})
	assert.ErrorIs(t, err, credit.ErrValidation)

	_, err = j.Append(ctx, pair[1:], journal.AppendOptions{})
	assert.ErrorIs(t, err, credit.ErrValidation)
	assert.Zero(t, j.Head())
}

func TestAppend_CommitHookSeesBatchesInOrder(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	var got [][]uint64
	j.SetCommitHook(func(events []credit.Event) {
		var seqs []uint64
		for _, e := range events {
			seqs = append(seqs, e.Sequence)
		}
		got = append(got, seqs)
	})

	_, err := j.Append(ctx, []credit.Event{mint("m1", "a1", 100)}, journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, [][]uint64{{1}, {2, 3}}, got, "replays are not published")
}

func TestAppend_ConcurrentWritersStayContiguous(t *testing.T) {
	// GIVEN: 8 writers appending 25 events each
	// WHEN: They race on the journal
	// THEN: The journal holds sequences 1..200 with no gaps or duplicates

	ctx := context.Background()
	j := openJournal(t, tempPath(t))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				_, err := j.Append(ctx, []credit.Event{mint(key, credit.EntityID(fmt.Sprintf("a%d", w)), 1)}, journal.AppendOptions{})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, errs := readAll(t, j, 1)
	require.Empty(t, errs)
	require.Len(t, events, 200)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

// =============================================================================
// READ
// =============================================================================

func TestReadFrom_StartsMidJournalAndIsRestartable(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, tempPath(t))
	for i := 1; i <= 5; i++ {
		_, err := j.Append(ctx, []credit.Event{mint(fmt.Sprintf("m%d", i), "a1", 1)}, journal.AppendOptions{})
		require.NoError(t, err)
	}

	seq := j.ReadFrom(ctx, 3)
	for range 2 {
		var got []uint64
		for evt, err := range seq {
			require.NoError(t, err)
			got = append(got, evt.Sequence)
		}
		assert.Equal(t, []uint64{3, 4, 5}, got)
	}
}

func TestReadFrom_CorruptMiddleRecordSurfaces(t *testing.T) {
	// GIVEN: A journal whose second line was overwritten with garbage
	// WHEN: It is reopened and read
	// THEN: The bad line is reported as a corrupt record, neighbours still read

	ctx := context.Background()
	path := tempPath(t)
	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := j.Append(ctx, []credit.Event{mint(fmt.Sprintf("m%d", i), "a1", 1)}, journal.AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	lines := fileLines(t, path)
	lines[1] = "this is not json\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644))

	reopened := openJournal(t, path)
	assert.Equal(t, 1, reopened.Recovery().Corrupt)
	assert.Equal(t, uint64(3), reopened.Head())

	events, errs := readAll(t, reopened, 1)
	require.Len(t, events, 2)
	require.Len(t, errs, 1)
	var corrupt *journal.CorruptRecordError
	require.True(t, errors.As(errs[0], &corrupt))
	assert.Equal(t, 2, corrupt.Line)
	assert.ErrorIs(t, errs[0], credit.ErrIntegrityViolation)
}

// =============================================================================
// RECOVERY
// =============================================================================

func TestOpen_RestoresStateAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	first, err := j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened := openJournal(t, path)
	assert.Equal(t, uint64(2), reopened.Head())
	evt, ok := reopened.Lookup("t1:credit")
	require.True(t, ok)
	assert.Equal(t, first.Events[1].Signature, evt.Signature)

	replay, err := reopened.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	assert.True(t, replay.Replayed, "idempotency survives restarts")

	next, err := reopened.Append(ctx, []credit.Event{burn("b1", "a1", 1)}, journal.AppendOptions{})
	require.NoError(t, err)
	content, err := journal.CanonicalContent(next.Events[0])
	require.NoError(t, err)
	assert.True(t, newSigner(t).Verify(first.Events[1].Signature, content, next.Events[0].Signature),
		"chain continues from the last record on disk")
}

func TestOpen_TruncatesTornTrailingLine(t *testing.T) {
	// GIVEN: Two committed events followed by half a record (crash mid-write)
	// WHEN: The journal is reopened
	// THEN: The partial record is discarded and appends continue at seq 3

	ctx := context.Background()
	path := tempPath(t)
	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := j.Append(ctx, []credit.Event{mint(fmt.Sprintf("m%d", i), "a1", 1)}, journal.AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence_number":3,"timestamp":"2026-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openJournal(t, path)
	assert.Equal(t, uint64(2), reopened.Head())
	assert.Positive(t, reopened.Recovery().TruncatedBytes)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())

	res, err := reopened.Append(ctx, []credit.Event{mint("m3", "a1", 1)}, journal.AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Events[0].Sequence)
}

func TestOpen_DropsIncompleteTransferGroup(t *testing.T) {
	// GIVEN: A crash left the debit leg of a transfer on disk without its credit leg
	// WHEN: The journal is reopened
	// THEN: The lone leg is discarded, so neither leg is visible

	ctx := context.Background()
	path := tempPath(t)
	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	_, err = j.Append(ctx, []credit.Event{mint("m1", "a1", 100)}, journal.AppendOptions{})
	require.NoError(t, err)
	_, err = j.Append(ctx, transfer("t1", "a1", "a2", 10), journal.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	lines := fileLines(t, path)
	// lines: mint, leg1, leg2, "" (after the final newline)
	require.Len(t, lines, 4)
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[1]), 0o644))

	reopened := openJournal(t, path)
	assert.Equal(t, uint64(1), reopened.Head())
	assert.Equal(t, 1, reopened.Recovery().DroppedEvents)
	_, ok := reopened.Lookup("t1")
	assert.False(t, ok)

	events, errs := readAll(t, reopened, 1)
	assert.Empty(t, errs)
	assert.Len(t, events, 1)
}

func TestOpen_KeepsTamperedLastRecord(t *testing.T) {
	// A well-formed but altered last record is evidence, not a torn write.
	ctx := context.Background()
	path := tempPath(t)
	j, err := journal.Open(path, newSigner(t), journal.Options{})
	require.NoError(t, err)
	_, err = j.Append(ctx, []credit.Event{mint("m1", "a1", 100)}, journal.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"amount":"100"`, `"amount":"900"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	reopened := openJournal(t, path)
	assert.Equal(t, uint64(1), reopened.Head())
	assert.Zero(t, reopened.Recovery().TruncatedBytes)
}
