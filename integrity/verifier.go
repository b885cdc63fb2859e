/*
Package integrity verifies the journal's hash chain.

CHECKS (from sequence 1, in file order):
  - every line decodes into a well-formed event
  - sequence numbers are contiguous, starting at 1
  - every signature matches HMAC(key, prev signature, canonical content)

The verifier only reports. It never repairs, truncates or rewrites the
journal; corrections are an operator decision.

A corrupt line breaks the chain: the event right after it cannot be
checked against its predecessor, so its signature is taken as the new
chain head without being verified.
*/
package integrity

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
)

// Source reads the journal in file order.
type Source interface {
	ReadFrom(ctx context.Context, from uint64) iter.Seq2[credit.Event, error]
}

// Report is the outcome of one verification pass.
type Report struct {
	IntegrityOK bool               `json:"integrity_ok"`
	Checked     int                `json:"checked"`
	Head        uint64             `json:"head"`
	Violations  []credit.Violation `json:"violations"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
}

// Err returns the violations as an error, or nil when the chain is intact.
func (r Report) Err() error {
	if r.IntegrityOK {
		return nil
	}
	return &credit.IntegrityViolationError{Violations: r.Violations}
}

type Verifier struct {
	source Source
	signer journal.Signer
	logger *slog.Logger
}

func NewVerifier(source Source, signer journal.Signer, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		source: source,
		signer: signer,
		logger: logger.With("component", "integrity"),
	}
}

// Verify walks the chain. limit caps the number of records checked; zero
// checks everything.
func (v *Verifier) Verify(ctx context.Context, limit int) (Report, error) {
	start := time.Now()
	report := Report{StartedAt: start.UTC()}

	var (
		prev     string
		expect   uint64 = 1
		line     int
		unlinked bool
	)
	for evt, err := range v.source.ReadFrom(ctx, 1) {
		if limit > 0 && report.Checked >= limit {
			break
		}
		line++
		report.Checked++

		if err != nil {
			var corrupt *journal.CorruptRecordError
			if !errors.As(err, &corrupt) {
				return report, fmt.Errorf("verify journal: %w", err)
			}
			report.Violations = append(report.Violations, credit.Violation{
				Line:   corrupt.Line,
				Reason: "malformed record: " + corrupt.Err.Error(),
			})
			expect++
			unlinked = true
			continue
		}

		if evt.Sequence != expect {
			reason := fmt.Sprintf("sequence gap: expected %d, found %d", expect, evt.Sequence)
			if evt.Sequence < expect {
				reason = fmt.Sprintf("sequence regression: expected %d, found %d", expect, evt.Sequence)
			}
			report.Violations = append(report.Violations, credit.Violation{Sequence: evt.Sequence, Line: line, Reason: reason})
		}
		expect = evt.Sequence + 1
		report.Head = evt.Sequence

		if err := evt.Validate(); err != nil {
			report.Violations = append(report.Violations, credit.Violation{
				Sequence: evt.Sequence,
				Line:     line,
				Reason:   "invalid event: " + err.Error(),
			})
		}

		content, err := journal.CanonicalContent(evt)
		switch {
		case err != nil:
			report.Violations = append(report.Violations, credit.Violation{
				Sequence: evt.Sequence,
				Line:     line,
				Reason:   "cannot canonicalize: " + err.Error(),
			})
		case unlinked:
			unlinked = false
		case !v.signer.Verify(prev, content, evt.Signature):
			report.Violations = append(report.Violations, credit.Violation{
				Sequence: evt.Sequence,
				Line:     line,
				Reason:   "signature mismatch",
			})
		}
		prev = evt.Signature
	}

	report.IntegrityOK = len(report.Violations) == 0
	report.Duration = time.Since(start)
	if report.IntegrityOK {
		v.logger.Info("journal verified", "checked", report.Checked, "head", report.Head, "took", report.Duration)
	} else {
		for _, viol := range report.Violations {
			v.logger.Error("integrity violation", "line", viol.Line, "seq", viol.Sequence, "reason", viol.Reason)
		}
	}
	return report, nil
}
