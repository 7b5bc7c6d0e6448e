// Command greeter hosts the greeter handlers on a bus and sends commands
// to them.
//
//	greeter serve --config greeter.yaml
//	greeter request Ada
//	greeter send Ada
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fxsml/cqrsbus/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "greeter",
		Short:         "Greeter service on a CQRS message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (CQRSBUS_* variables override it)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(requestCmd())
	root.AddCommand(envCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads the configuration and creates the process logger.
func load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables read by the configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n"))
		},
	}
}
