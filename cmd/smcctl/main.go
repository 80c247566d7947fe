package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"smc-signal-engine/config"
	"smc-signal-engine/internal/backtest"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/logging"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/vault"
)

var (
	configPath string
	logLevel   string
	outFormat  string
)

// rootCmd is the base command for the operator CLI
var rootCmd = &cobra.Command{
	Use:   "smcctl",
	Short: "Operator tooling for the SMC signal engine",
	Long: `smcctl replays the signal pipeline over CSV history, runs walk-forward
and Monte Carlo validation, refits calibration from recorded outcomes and
issues API tokens.

Candle files use the columns time,open,high,low,close[,volume].`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			os.Setenv("CONFIG_FILE", configPath)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $CONFIG_FILE or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "table", "Output format: table, json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cliLogger() zerolog.Logger {
	return logging.Console(logLevel)
}

// loadConfig reads the service config and its Vault secrets
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}
	if err := vc.ApplySecrets(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openRepository connects to Postgres. The caller closes the returned DB.
func openRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*database.DB, *database.Repository, error) {
	db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, database.NewRepository(db), nil
}

// loadData reads the LTF and HTF series plus NAME=path peer series
func loadData(ltfPath, htfPath string, peers []string) (backtest.Data, error) {
	var data backtest.Data
	if ltfPath == "" || htfPath == "" {
		return data, fmt.Errorf("--ltf and --htf are required")
	}

	var err error
	if data.LTF, err = market.LoadCSV(ltfPath); err != nil {
		return data, fmt.Errorf("ltf: %w", err)
	}
	if data.HTF, err = market.LoadCSV(htfPath); err != nil {
		return data, fmt.Errorf("htf: %w", err)
	}

	for _, p := range peers {
		name, path, ok := strings.Cut(p, "=")
		if !ok || name == "" || path == "" {
			return data, fmt.Errorf("peer %q: expected NAME=path", p)
		}
		series, err := market.LoadCSV(path)
		if err != nil {
			return data, fmt.Errorf("peer %s: %w", name, err)
		}
		if data.Peers == nil {
			data.Peers = make(map[string][]market.Candle)
		}
		data.Peers[strings.ToUpper(name)] = series
	}
	return data, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
