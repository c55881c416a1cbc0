package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/api"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/config"
	"github.com/jmcleod/sessiongate/internal/redact"
)

var (
	serveAddr string
	tlsCert   string
	tlsKey    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development identity service",
	Long: `Runs an in-memory identity service implementing the endpoints the client
uses. Accounts are lost on restart; login sessions survive when serve.session_db
is set. Verification and reset tokens are written to the log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Serve.Addr = serveAddr
		}
		logger := cfg.Log.Logger()

		a, closeAPI, err := buildService(cfg.Serve, logger)
		if err != nil {
			return err
		}
		defer closeAPI()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Serve.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go a.RunJanitor(ctx, cfg.Serve.SweepInterval)

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out, "Development Identity Service")
		fmt.Fprintf(out, "Listening on %s (docs at /docs)\n", cfg.Serve.Addr)

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// buildService assembles the identity service described by sc and seeds the
// bootstrap admin. The returned func releases its resources.
func buildService(sc config.ServeConfig, logger *slog.Logger) (*api.API, func(), error) {
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAuditWebhook(sc.AuditWebhookURL, sc.AuditWebhookAuth),
	}
	if len(sc.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(sc.TrustedProxies)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, opt)
	}

	var cleanup []func() error
	release := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}
	if sc.SessionDB != "" {
		if err := os.MkdirAll(filepath.Dir(sc.SessionDB), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		store, err := api.NewPersistentSessionStore(sc.SessionDB, time.Now, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		cleanup = append(cleanup, store.Close)
		opts = append(opts, api.WithSessionStore(store))
	}

	a, err := api.New(api.Config{
		Secret:     []byte(sc.JWTSecret),
		Issuer:     sc.Issuer,
		AccessTTL:  sc.AccessTTL,
		RefreshTTL: sc.RefreshTTL,
		AutoVerify: sc.AutoVerify,
	}, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	cleanup = append(cleanup, func() error { a.Close(); return nil })

	if sc.AdminEmail != "" {
		created, err := a.EnsureUser(api.NewUser{
			Email:    sc.AdminEmail,
			Password: sc.AdminPassword,
			Role:     identity.RoleAdmin,
			Verified: true,
		})
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to seed admin account: %w", err)
		}
		if created {
			logger.Info("seeded admin account", "email", redact.Email(sc.AdminEmail))
		}
	}
	if sc.JWTSecret == "" {
		logger.Warn("no jwt_secret configured; tokens will not survive a restart")
	}
	return a, release, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides serve.addr)")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	rootCmd.AddCommand(serveCmd)
}
