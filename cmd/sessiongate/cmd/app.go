package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/config"
	"github.com/jmcleod/sessiongate/session"
	"github.com/jmcleod/sessiongate/storage"
	bboltstore "github.com/jmcleod/sessiongate/storage/bbolt"
	"github.com/jmcleod/sessiongate/storage/memory"
	sqlitestore "github.com/jmcleod/sessiongate/storage/sqlite"
	"github.com/jmcleod/sessiongate/twofactor"
)

// app is one client process: a credential store, the session built on it
// and the second-factor flow. Its SessionValues live only as long as the
// process, so the second-factor flag never outlives it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.CredentialStore
	manager *session.Manager
	flow    *twofactor.Flow
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := cfg.Log.Logger()
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	client, err := identity.New(cfg.Server.BaseURL,
		identity.WithTimeout(cfg.Server.RequestTimeout),
		identity.WithLogger(logger),
	)
	if err != nil {
		closeStore()
		return nil, err
	}
	m := session.New(client, store, memory.NewSessionValues(),
		session.WithLogger(logger),
		session.WithRefreshTimeout(cfg.Refresh.Timeout),
	)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: m,
		flow:    twofactor.New(client, m, twofactor.WithLogger(logger)),
		closers: []func() error{closeStore},
	}, nil
}

func (a *app) client() *identity.Client { return a.manager.Client() }

func (a *app) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStore(ctx context.Context, sc config.StoreConfig) (storage.CredentialStore, func() error, error) {
	switch sc.Driver {
	case "memory":
		return memory.NewCredentialStore(), func() error { return nil }, nil
	case "bolt", "sqlite":
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if sc.Driver == "sqlite" {
		s, err := sqlitestore.Open(ctx, sc.Path, sc.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
		}
		return s, s.Close, nil
	}
	s, err := bboltstore.NewCredentialStoreFromFile(sc.Path, sc.Profile, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return s, s.Close, nil
}

// withApp loads configuration, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, out io.Writer) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, cmd.OutOrStdout())
}
