// Package app wires configuration into a ready ledger service. Both the HTTP
// server and ledgerctl start from here so they share one store setup.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/warp/finance-ledger/config"
	"github.com/warp/finance-ledger/display"
	"github.com/warp/finance-ledger/events/kafka"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/ledger/store"
	"github.com/warp/finance-ledger/store/postgres"
	"github.com/warp/finance-ledger/store/sqlite"
)

// Store is what every backend provides.
type Store interface {
	ledger.TxStore
	ledger.SweepLog
}

type App struct {
	Config  *config.Config
	Store   Store
	Service *ledger.Service
	Display *display.Formatter
	Log     zerolog.Logger

	closers []io.Closer
}

// New opens the configured store and builds the service around it.
// Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	disp, err := display.New(cfg.Display.Currency)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Display: disp, Log: log}

	st, closer, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Store = st
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	var publisher ledger.Publisher = ledger.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafka.NewPublisher(cfg.Kafka.Brokers)
		a.closers = append(a.closers, p)
		publisher = p
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("publishing ledger events to kafka")
	}

	a.Service = ledger.NewService(st, ledger.Options{
		Logger:          &a.Log,
		Publisher:       publisher,
		Strict:          cfg.Ledger.Strict,
		DuplicateWindow: cfg.Ledger.DuplicateWindow,
		Backlog:         cfg.Ledger.Backlog,
	})
	return a, nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (Store, io.Closer, error) {
	switch db.Driver {
	case config.DriverSQLite:
		if db.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(db.Path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(db.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, db.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s, nil
	case config.DriverMemory:
		return store.NewMemory(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
