package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/integrity"
	"github.com/warp/credit-engine/journal"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the journal hash chain",
		Long: `Walk the journal from sequence 1 and check record framing, sequence
continuity and every signature against the configured key.

Violations are reported, never repaired. Run it against a stopped engine;
a running one serves the same check at GET /api/integrity.

Exit codes:
  0 - Chain intact
  1 - Violations found
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "check at most this many records (0 checks all)")
	return cmd
}

func runVerify(cmd *cobra.Command, opts *rootOptions, limit int) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	key, err := cfg.SigningKey()
	if err != nil {
		return commandError("signing key", err)
	}
	signer, err := journal.NewHMACSigner(key)
	if err != nil {
		return commandError("signing key", err)
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return commandError("journal", err)
	}
	j, err := journal.Open(cfg.Journal.Path, signer, journal.Options{Logger: logger})
	if err != nil {
		return commandError("open journal", err)
	}
	defer j.Close()

	report, err := integrity.NewVerifier(j, signer, logger).Verify(cmd.Context(), limit)
	if err != nil {
		return commandError("verify", err)
	}

	err = opts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
		fmt.Fprintf(w, "checked %d records, head %d, %s\n", report.Checked, report.Head, report.Duration)
		for _, v := range report.Violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
		if report.IntegrityOK {
			fmt.Fprintln(w, "integrity ok")
		}
	})
	if err != nil {
		return commandError("write report", err)
	}
	if !report.IntegrityOK {
		return &exitError{code: exitFailure, err: report.Err()}
	}
	return nil
}
