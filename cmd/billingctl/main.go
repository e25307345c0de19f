// Package main implements billingctl, the operator CLI for the billing sync
// service.
//
// Usage:
//
//	billingctl migrate up
//	billingctl subscription get acct_42
//	billingctl audit list acct_42 --limit 20
//	billingctl audit verify acct_42
//	billingctl ledger pending --older-than 15m
//	billingctl ledger show stripe evt_123
//	billingctl account add acct_42
//	billingctl ops-token hash
//
// Configuration is read from the environment (and .env) exactly as the
// service reads it, so the CLI always targets the same database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"billingsync/internal/app"
	"billingsync/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	out        io.Writer
	errOut     io.Writer
	loadConfig func() (*config.Config, error)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut, loadConfig: config.LoadConfig}

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing sync service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.subscriptionCmd())
	root.AddCommand(c.auditCmd())
	root.AddCommand(c.ledgerCmd())
	root.AddCommand(c.accountCmd())
	root.AddCommand(c.opsTokenCmd())
	return root
}

// logger writes diagnostics to stderr so stdout stays machine-readable.
func (c *cli) logger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{
		Level: app.ParseLevel(cfg.LogLevel),
	}))
}

// withBackend loads configuration, opens the store and runs fn against it.
func (c *cli) withBackend(ctx context.Context, fn func(ctx context.Context, backend *app.Backend, logger *slog.Logger) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := c.logger(cfg)

	backend, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = backend.Close() }()

	return fn(ctx, backend, logger)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
