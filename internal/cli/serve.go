package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/backup"
	"github.com/Bshisia/community-hope/internal/mpesa"
	"github.com/Bshisia/community-hope/internal/router"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the donation API and the M-Pesa callback endpoint.

Examples:
  community-hope serve
  community-hope serve --config /etc/community-hope.yaml --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address:server.port)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if cfg.JWT.Secret == "" || cfg.Security.EncryptionKey == "" {
		return errors.New("jwt.secret and security.encryption_key must be set")
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	}

	payments := mpesa.NewClient(cfg.Mpesa, mpesa.WithLogger(a.logger))
	if payments.Demo() {
		a.logger.Warn("mpesa running in demo mode, no real payments will be requested")
	}

	sink, err := newBackupSink(ctx, cfg.Backup)
	if err != nil {
		return err
	}

	engine := router.SetupRouter(router.Deps{
		Config:    cfg,
		DB:        a.db,
		Store:     a.store,
		Donations: a.donations,
		Payments:  payments,
		Accounts:  account.NewService(a.db, cfg.Security.BcryptCost),
		Backups:   backup.NewService(a.db, a.store, sink, cfg.Security.EncryptionKey),
		Logger:    a.logger,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server listening", "addr", addr, "ledger", cfg.Ledger.Backend, "mpesa", cfg.Mpesa.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
