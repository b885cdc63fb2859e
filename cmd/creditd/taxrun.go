package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/engine"
)

func newTaxRunCommand(opts *rootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "tax-run",
		Short: "Collect the existence tax for one billing period",
		Long: `Collect the existence tax from every taxable entity for the billing
period containing --at (default: now). Taxes are keyed by entity and period,
so running the same period twice collects nothing the second time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaxRun(cmd, opts, at)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time inside the period to collect")
	return cmd
}

func runTaxRun(cmd *cobra.Command, opts *rootOptions, at string) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	cfg.Scheduler.Enabled = false

	when := time.Now()
	if at != "" {
		when, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return commandError("--at", err)
		}
	}

	ctx := cmd.Context()
	e, err := engine.Open(ctx, cfg, engine.Deps{Logger: logger})
	if err != nil {
		return commandError("open engine", err)
	}
	defer e.Close(ctx)

	stats, err := e.TaxRun(ctx, when)
	if err != nil {
		return commandError("tax run", err)
	}
	return opts.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
		fmt.Fprintf(w, "period %s: processed %d, taxed %d, skipped %d, suspended %d, terminated %d, errors %d, collected %s\n",
			stats.Period, stats.Processed, stats.Taxed, stats.Skipped, stats.Suspended, stats.Terminated, stats.Errors, stats.Collected)
	})
}
