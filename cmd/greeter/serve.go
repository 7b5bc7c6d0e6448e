package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/cqrsbus/bus"
	"github.com/fxsml/cqrsbus/config"
	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/observer"
	"github.com/fxsml/cqrsbus/observer/prom"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the greeter handlers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// newServer creates a bus with the greeter handlers and metrics
// registered in reg.
func newServer(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*bus.Bus, error) {
	opts, err := cfg.BusOptions(logger)
	if err != nil {
		return nil, err
	}
	container := cqrs.NewContainer()
	opts.Resolver = container
	opts.Observers = []any{observer.NewLogger(logger), prom.New(reg)}

	b, err := bus.New(cqrs.NewManager(), opts)
	if err != nil {
		return nil, err
	}
	if err := register(b.Manager(), container, b, logger); err != nil {
		return nil, err
	}
	return b, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	b, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	for _, g := range b.Endpoints() {
		logger.Info("Endpoint bound", "name", g.Name, "address", g.Address, "kind", g.Kind, "handlers", len(g.Registrations))
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return b.Stop(stopCtx)
	})
	return g.Wait()
}
