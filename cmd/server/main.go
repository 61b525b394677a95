/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the benefits engine: runs the HTTP server and the
  operator commands that work directly against the database.

COMMANDS:
  serve           Start the HTTP API (default when no command is given)
  seed            Load a built-in scenario into the database
  init-balances   Create missing balance rows for a year
  recalculate     Replay the ledger and fix drifted balances
  version         Print version information

CONFIGURATION:
  See config/config.go. Flags override the config file and environment:
    --config      Config file (default ./benefits.yaml)
    --db          SQLite database path, ":memory:" for in-memory
    --log-level   debug, info, warn, error
    --log-format  text, json

EXAMPLES:
  ./server serve --port 3000
  ./server seed --scenario health-basic --db ./data/benefits.db
  ./server recalculate --year 2025 --dry-run

SEE ALSO:
  - serve.go: HTTP server with graceful shutdown
  - admin.go: Operator commands
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/config"
	"github.com/warp/benefits-engine/store/sqlite"
)

var (
	cfgFile string
	version = "dev"

	v   = viper.New()
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "server",
		Short: "Benefits claims balance engine",
		Long: `Tracks employee benefit balances against yearly budgets and keeps them
in step with the claim lifecycle through an append-only ledger.`,
		PersistentPreRunE: initConfig,
		SilenceUsage:      true,
		RunE:              runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./benefits.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = v.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(initBalancesCmd())
	rootCmd.AddCommand(recalculateCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received interrupt signal, shutting down")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}

// openServices opens the configured store and wires the domain services.
func openServices() (*benefits.Services, *sqlite.Store, error) {
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", cfg.DB.Path, err)
	}
	services := benefits.NewServices(store, benefits.Options{
		AllowOverdraft: cfg.Balance.AllowOverdraft,
		LazyBalances:   cfg.Balance.LazyInit,
		Retry: benefits.RetryPolicy{
			MaxRetries: cfg.Balance.MaxRetries,
			Backoff:    cfg.Balance.RetryBackoff,
		},
		Logger: slog.Default(),
	})
	return services, store, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "benefits-engine %s\n", version)
		},
	}
}
