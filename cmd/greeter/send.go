package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/cqrsbus/bus"
	"github.com/fxsml/cqrsbus/config"
	"github.com/fxsml/cqrsbus/cqrs"
)

// withClient runs fn on a started bus without handlers.
func withClient(ctx context.Context, cfg config.Config, logger *slog.Logger, fn func(*bus.Bus) error) error {
	opts, err := cfg.BusOptions(logger)
	if err != nil {
		return err
	}
	b, err := bus.New(cqrs.NewManager(), opts)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := b.Stop(stopCtx); err != nil {
			logger.Warn("Bus stop failed", "error", err)
		}
	}()
	return fn(b)
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send NAME",
		Short: "Send a Greet command without waiting for the greeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, logger, func(b *bus.Bus) error {
				return b.Send(cmd.Context(), Greet{Name: args[0]})
			})
		},
	}
}

func requestCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request NAME",
		Short: "Send a Greet command and print the greeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.RequestTimeout = timeout
			}
			return withClient(cmd.Context(), cfg, logger, func(b *bus.Bus) error {
				g, err := bus.Request[Greeting](cmd.Context(), b, Greet{Name: args[0]})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), g.Text)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (default from config)")
	return cmd
}
