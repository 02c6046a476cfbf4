// Command server hosts the shared Room Store over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/kaataq/internal/config"
	"github.com/DoyleJ11/kaataq/internal/httpapi"
	"github.com/DoyleJ11/kaataq/internal/hub"
	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/store/pgstore"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}
	if err := newCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kaataq-server",
		Short: "Room Store for Kaataq, the stick-guessing party game.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			log, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
	config.ServerFlags(cmd.Flags(), cfg)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

type closingStore interface {
	store.Store
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (closingStore, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return pgstore.Open(ctx, cfg.DatabaseURL, log.Named("pgstore"))
	default:
		return hub.NewHub(context.Background(),
			hub.WithSubscriberBuffer(cfg.SubscriberBuffer),
			hub.WithLogger(log.Named("hub")),
		), nil
	}
}

func routeOptions(cfg *config.Config, log *zap.Logger) httpapi.Options {
	return httpapi.Options{
		PublicURL:    cfg.PublicURL,
		CodeAttempts: cfg.CodeAttempts,
		Logger:       log.Named("http"),
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(st, routeOptions(cfg, log)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
