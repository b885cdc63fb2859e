package integrity_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/integrity"
	"github.com/warp/credit-engine/journal"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func signer(t *testing.T) *journal.HMACSigner {
	t.Helper()
	s, err := journal.NewHMACSigner(key)
	require.NoError(t, err)
	return s
}

func grant(key string, amount int64) credit.Event {
	return credit.Event{
		EntityID:       "a1",
		EntityType:     credit.EntityAgent,
		CreditType:     credit.CreditCompute,
		Amount:         decimal.NewFromInt(amount),
		Type:           credit.TxMint,
		MintRule:       credit.MintSystemGrant,
		CorrelationID:  key,
		IdempotencyKey: key,
	}
}

// writeJournal appends n grants of 100, 200, ... and returns the file path.
func writeJournal(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := journal.Open(path, signer(t), journal.Options{})
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := j.Append(context.Background(), []credit.Event{grant(fmt.Sprintf("g%d", i), int64(i*100))}, journal.AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())
	return path
}

func verify(t *testing.T, path string, limit int) integrity.Report {
	t.Helper()
	j, err := journal.Open(path, signer(t), journal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	report, err := integrity.NewVerifier(j, signer(t), nil).Verify(context.Background(), limit)
	require.NoError(t, err)
	return report
}

func rewrite(t *testing.T, path string, fn func(lines []string)) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(raw), "\n")
	fn(lines)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644))
}

func TestVerify_CleanJournal(t *testing.T) {
	path := writeJournal(t, 4)

	report := verify(t, path, 0)

	assert.True(t, report.IntegrityOK)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, uint64(4), report.Head)
	assert.Empty(t, report.Violations)
	assert.NoError(t, report.Err())
}

func TestVerify_DetectsAlteredAmount(t *testing.T) {
	// GIVEN: A journal whose second record had its amount edited in place
	// WHEN: The chain is verified
	// THEN: Exactly that record fails its signature check

	path := writeJournal(t, 3)
	rewrite(t, path, func(lines []string) {
		tampered := strings.Replace(lines[1], `"amount":"200"`, `"amount":"9200"`, 1)
		require.NotEqual(t, lines[1], tampered)
		lines[1] = tampered
	})

	report := verify(t, path, 0)

	assert.False(t, report.IntegrityOK)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, uint64(2), report.Violations[0].Sequence)
	assert.Equal(t, 2, report.Violations[0].Line)
	assert.Equal(t, "signature mismatch", report.Violations[0].Reason)

	err := report.Err()
	assert.ErrorIs(t, err, credit.ErrIntegrityViolation)
}

func TestVerify_ReportsCorruptLine(t *testing.T) {
	path := writeJournal(t, 3)
	rewrite(t, path, func(lines []string) {
		lines[1] = "{not json\n"
	})

	report := verify(t, path, 0)

	assert.False(t, report.IntegrityOK)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, 2, report.Violations[0].Line)
	assert.Contains(t, report.Violations[0].Reason, "malformed record")
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, uint64(3), report.Head)
}

func TestVerify_DetectsRemovedRecord(t *testing.T) {
	path := writeJournal(t, 3)
	rewrite(t, path, func(lines []string) {
		lines[1] = ""
	})

	report := verify(t, path, 0)

	assert.False(t, report.IntegrityOK)
	reasons := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		reasons = append(reasons, v.Reason)
	}
	assert.Contains(t, strings.Join(reasons, "|"), "sequence gap")
	assert.Contains(t, reasons, "signature mismatch")
}

func TestVerify_LimitCapsCheckedRecords(t *testing.T) {
	path := writeJournal(t, 5)

	report := verify(t, path, 2)

	assert.True(t, report.IntegrityOK)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, uint64(2), report.Head)
}

func TestVerify_WrongKeyFailsEveryRecord(t *testing.T) {
	path := writeJournal(t, 2)
	j, err := journal.Open(path, signer(t), journal.Options{})
	require.NoError(t, err)
	defer j.Close()

	other, err := journal.NewHMACSigner([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	report, err := integrity.NewVerifier(j, other, nil).Verify(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, report.Violations, 2)
}

func TestVerify_RecoveredPrefixAfterTornWrite(t *testing.T) {
	// GIVEN: A crash cut the third record in half
	// WHEN: The journal is reopened and appended to
	// THEN: The recovered prefix and the chain continuing from it verify cleanly

	path := writeJournal(t, 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(raw), "\n")
	cut := len(lines[0]) + len(lines[1]) + len(lines[2])/2
	require.NoError(t, os.Truncate(path, int64(cut)))

	ctx := context.Background()
	j, err := journal.Open(path, signer(t), journal.Options{})
	require.NoError(t, err)
	defer j.Close()
	require.Positive(t, j.Recovery().TruncatedBytes)

	verifier := integrity.NewVerifier(j, signer(t), nil)
	report, err := verifier.Verify(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.IntegrityOK)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, uint64(2), report.Head)

	_, err = j.Append(ctx, []credit.Event{grant("g3", 300)}, journal.AppendOptions{})
	require.NoError(t, err)
	report, err = verifier.Verify(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.IntegrityOK)
	assert.Equal(t, uint64(3), report.Head)
}
