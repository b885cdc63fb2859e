package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/config"
)

// Exit codes for CLI commands.
const (
	exitFailure      = 1 // verification found violations
	exitCommandError = 2 // bad flags, config or files
)

// exitError carries a specific exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func commandError(msg string, err error) error {
	return &exitError{code: exitCommandError, err: fmt.Errorf("%s: %w", msg, err)}
}

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return exitCommandError
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	format     string // "text" | "json"
}

// load reads the configuration and builds the logger it selects.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, commandError("load config", err)
	}
	return cfg, cfg.Log.Logger(cmd.ErrOrStderr()), nil
}

// print writes v as indented JSON, or calls text for the text format.
func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Tamper-evident credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return &exitError{code: exitCommandError, err: fmt.Errorf("invalid format %q: must be text or json", opts.format)}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newTaxRunCommand(opts))

	return cmd
}
