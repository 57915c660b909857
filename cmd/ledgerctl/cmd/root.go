// Package cmd provides CLI commands for ledgerctl.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warp/finance-ledger/app"
	"github.com/warp/finance-ledger/config"
	"github.com/warp/finance-ledger/logger"
)

type rootOptions struct {
	envFile string
	debug   bool
}

// NewRootCmd builds the command tree. Tests build a fresh one per case.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the finance ledger from the command line",
		Long: `ledgerctl runs maintenance jobs against the ledger store configured
by the same environment as the server (DB_DRIVER, DB_PATH, DATABASE_URL...).

Example:
  ledgerctl sweep                 # fire due recurring templates, for cron
  ledgerctl balance --owner u1
  ledgerctl verify --owner u1`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.envFile, "config", "", "path to a .env file (default is .env)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newSweepCmd(opts))
	root.AddCommand(newBalanceCmd(opts))
	root.AddCommand(newVerifyCmd(opts))
	return root
}

// Execute runs ledgerctl with os.Args. Called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// open loads configuration and builds the application. The caller closes it.
func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.LogLevel
	if o.debug {
		level = zerolog.LevelDebugValue
	}
	log := logger.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr}).Level(logger.ParseLevel(level))

	return app.New(ctx, cfg, log)
}
