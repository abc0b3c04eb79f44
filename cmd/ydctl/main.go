package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"YDCoursePurchase/internal/app"
	"YDCoursePurchase/internal/config"
	"YDCoursePurchase/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	chainID  int64
	logLevel string
	asJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "ydctl",
	Short: "Browse and buy YD courses from the command line",
	Long: `ydctl talks to the course marketplace with the wallet from the config
file. It runs the same purchase workflow as the API server and prints each
step as it happens.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $CONFIG_PATH or configs/config.yaml)")
	rootCmd.PersistentFlags().Int64Var(&chainID, "chain", 0, "override chain.active_chain_id")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(coursesCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(quoteCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if chainID != 0 {
		if _, err := cfg.Resolve(chainID); err != nil {
			return nil, err
		}
		cfg.Chain.ActiveChainID = chainID
	}
	return cfg, nil
}

// connect builds the wiring without a database; the CLI never records
// history.
func connect(ctx context.Context) (*app.App, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(logging.Config{Level: logLevel, Format: "console"})
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, app.Options{}, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
