// Command meanrev-cli runs the pairs pipeline: correlation, clustering,
// signal generation and the portfolio backtest, plus price ingestion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meanrev/internal/config"
	"meanrev/internal/metrics"
	"meanrev/internal/util"
)

const version = "0.1.0"

var (
	cfg    *config.Config
	logger *zap.Logger

	configPath string
	verbose    bool

	// Strategy overrides; applied only when set on the command line.
	flagZEntry      float64
	flagZExit       float64
	flagLookback    int
	flagCorrLimit   float64
	flagIncremental bool
	flagProvider    string
)

var rootCmd = &cobra.Command{
	Use:   "meanrev-cli",
	Short: "Pairs-trading signal engine and backtest evaluator",
	Long: `meanrev-cli finds highly correlated pairs inside clusters of tickers,
trades the z-score of their regression spread and backtests the result.

Typical flow:
  meanrev-cli import data/csv           # load daily bars into the store
  meanrev-cli run                        # correlate, cluster, signals, backtest`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeApp,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	defaultConfig := os.Getenv("MEANREV_CONFIG")
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", defaultConfig, "YAML config file (env MEANREV_CONFIG)")
	pf.BoolVar(&verbose, "verbose", false, "debug logging")
	pf.Float64Var(&flagZEntry, "z-entry", 0, "entry threshold on |z|")
	pf.Float64Var(&flagZExit, "z-exit", 0, "exit threshold on |z|")
	pf.IntVar(&flagLookback, "lookback", 0, "estimation window length")
	pf.Float64Var(&flagCorrLimit, "corr-limit", 0, "minimum pair correlation")
	pf.BoolVar(&flagIncremental, "incremental", false, "use the rolling estimator")
	pf.StringVar(&flagProvider, "provider", "", "price source: store, http or alpaca")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("meanrev-cli %s\n", version)
	},
}

// initializeApp loads the configuration, applies flag overrides and sets up
// logging and metrics.
func initializeApp(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("z-entry") {
		cfg.Strategy.ZEntry = flagZEntry
	}
	if flags.Changed("z-exit") {
		cfg.Strategy.ZExit = flagZExit
	}
	if flags.Changed("lookback") {
		cfg.Strategy.Lookback = flagLookback
	}
	if flags.Changed("corr-limit") {
		cfg.Strategy.CorrLimit = flagCorrLimit
	}
	if flags.Changed("incremental") {
		cfg.Strategy.Incremental = flagIncremental
	}
	if flags.Changed("provider") {
		cfg.Fetch.Provider = flagProvider
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Metrics.Addr != "" {
		metrics.Serve(cfg.Metrics.Addr)
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
