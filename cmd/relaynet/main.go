// Package main is the relaynet binary. One executable runs any of the three services:
//
//	relaynet hub     --config hub.yaml
//	relaynet pds     --config pds.yaml
//	relaynet gateway --config gateway.yaml
//
// The main package stays minimal: load config, build a logger, hand off to
// internal/server. Configuration comes from the YAML file, then .env, then RELAYNET_*
// environment variables (see internal/config).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaynet",
		Short: "Federated social backend: Hubs, personal data servers and a Gateway",
		Long: `relaynet runs one of three cooperating services.

  hub      stores signed messages and gossips them to peer Hubs
  pds      hosts accounts and their record repositories
  gateway  serves the client API, aggregating Hubs and PDS nodes`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serviceCmd(config.RoleHub, "Run a Hub node", server.NewHub),
		serviceCmd(config.RolePDS, "Run a personal data server", server.NewPDS),
		serviceCmd(config.RoleGateway, "Run the client-facing Gateway", server.NewGateway),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type constructor func(*config.Config, *slog.Logger) (*server.Server, error)

func serviceCmd(role config.Role, short string, build constructor) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, nil)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if err := cfg.Validate(role); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			logger := cfg.NewLogger()
			slog.SetDefault(logger)
			logger.Info("starting relaynet",
				slog.String("role", string(role)),
				slog.String("version", version),
				slog.String("config", configFile),
			)

			srv, err := build(cfg, logger)
			if err != nil {
				return fmt.Errorf("starting %s: %w", role, err)
			}
			return srv.Start()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaynet %s\n", version)
		},
	}
}
