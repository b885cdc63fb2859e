package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// setup writes a journal with two grants and points the config at it.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.ndjson")
	t.Setenv("CREDIT_SIGNING_KEY", hex.EncodeToString(testKey))
	t.Setenv("CREDIT_JOURNAL_PATH", path)
	t.Setenv("CREDIT_DATABASE_PATH", filepath.Join(dir, "credit.db"))

	signer, err := journal.NewHMACSigner(testKey)
	require.NoError(t, err)
	j, err := journal.Open(path, signer, journal.Options{})
	require.NoError(t, err)
	for _, id := range []credit.EntityID{"a1", "a2"} {
		_, err := j.Append(context.Background(), []credit.Event{{
			EntityID:       id,
			EntityType:     credit.EntityAgent,
			CreditType:     credit.CreditCompute,
			Amount:         decimal.NewFromInt(1000),
			Type:           credit.TxMint,
			MintRule:       credit.MintCreationGrant,
			CorrelationID:  "create:" + string(id),
			IdempotencyKey: "create:" + string(id),
		}}, journal.AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerify_CleanJournal(t *testing.T) {
	setup(t)

	out, err := run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "checked 2 records, head 2")
	assert.Contains(t, out, "integrity ok")
}

func TestVerify_TamperedJournalExitsWithFailure(t *testing.T) {
	// GIVEN: A journal whose second amount was edited in place
	// WHEN: verify runs with JSON output
	// THEN: The report names the record and the exit code is 1

	path := setup(t)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitN(string(raw), "\n", 2)
	lines[1] = strings.Replace(lines[1], `"amount":"1000"`, `"amount":"5000"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[1]), 0o644))

	out, err := run(t, "verify", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.ErrorIs(t, err, credit.ErrIntegrityViolation)

	var report struct {
		IntegrityOK bool               `json:"integrity_ok"`
		Violations  []credit.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.IntegrityOK)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, uint64(2), report.Violations[0].Sequence)
}

func TestReplay_PrintsBalances(t *testing.T) {
	setup(t)

	out, err := run(t, "replay", "--entity", "a2", "--format", "json")
	require.NoError(t, err)

	var result replayResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Events)
	assert.Equal(t, uint64(2), result.LastSeq)
	require.Len(t, result.Balances, 1)
	assert.Equal(t, credit.EntityID("a2"), result.Balances[0].EntityID)
	assert.True(t, result.Balances[0].Balance.Equal(decimal.NewFromInt(1000)))
}

func TestRoot_Errors(t *testing.T) {
	setup(t)

	_, err := run(t, "verify", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))

	t.Setenv("CREDIT_JOURNAL_PATH", filepath.Join(t.TempDir(), "missing.ndjson"))
	_, err = run(t, "verify")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}
