/*
main.go - creditd entry point

PURPOSE:
  Command-line front of the credit engine. Every command loads the same
  configuration (TOML file, then CREDIT_* environment variables).

COMMANDS:
  serve     Open the engine, start the schedulers and serve the HTTP API
  verify    Walk the journal's hash chain and report violations
  replay    Rebuild the projections from the journal and print balances
  tax-run   Collect the existence tax for one billing period

EXIT CODES:
  0  Success
  1  Integrity violations found (verify)
  2  Command error (bad config, unreadable journal, ...)

EXAMPLES:
  creditd serve --config /etc/credit/credit.toml
  CREDIT_SIGNING_KEY_FILE=/run/secrets/key creditd verify --format json
  creditd tax-run --at 2026-03-14T10:00:00Z

SEE ALSO:
  - config/config.go: Configuration keys
  - engine/engine.go: Component wiring
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
