package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meanrev/internal/artifact"
	"meanrev/internal/backtest"
	"meanrev/internal/cluster"
	"meanrev/internal/engine"
)

var (
	flagTickers    string
	flagTradesPath string
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Compute the correlation matrix of the ticker universe",
	RunE:  runCorrelate,
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster tickers from the saved correlation matrix",
	RunE:  runCluster,
}

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Generate pair trades from the saved clusters and correlation matrix",
	RunE:  runSignals,
}

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay a trades file into the cumulative PnL and statistics",
	RunE:  runBacktest,
}

var statsCmd = &cobra.Command{
	Use:   "stats [pnl.csv]",
	Short: "Compute return, Sharpe ratio and drawdown of a cumulative PnL file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := cfg.Output.Path(cfg.Output.PnLFile)
		if len(args) == 1 {
			path = args[0]
		}
		cum, err := artifact.LoadPnL(path)
		if err != nil {
			return fmt.Errorf("loading pnl: %w", err)
		}
		fmt.Printf("%s: %d days\n", path, len(cum))
		printCurveStats(cum)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: correlate, cluster, signals, backtest",
	RunE:  runPipeline,
}

func init() {
	correlateCmd.Flags().StringVar(&flagTickers, "tickers", "", "comma-separated tickers (default: every ticker of the source)")
	runCmd.Flags().StringVar(&flagTickers, "tickers", "", "comma-separated tickers (default: every ticker of the source)")
	backtestCmd.Flags().StringVar(&flagTradesPath, "trades", "", "trades CSV (default: output trades file)")

	rootCmd.AddCommand(correlateCmd, clusterCmd, signalsCmd, backtestCmd, statsCmd, runCmd)
}

func runCorrelate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	eng, closeEngine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer closeEngine()

	tickers, err := universe(ctx, cfg, flagTickers)
	if err != nil {
		return fmt.Errorf("listing tickers: %w", err)
	}
	m, skips, err := eng.Correlate(ctx, tickers)
	if err != nil {
		return err
	}
	skips.Log(logger)

	path := cfg.Output.Path(cfg.Output.CorrFile)
	if err := cluster.SaveMatrix(path, m); err != nil {
		return err
	}
	fmt.Printf("correlation matrix: %d tickers -> %s\n", m.Len(), path)
	return nil
}

func runCluster(cmd *cobra.Command, _ []string) error {
	eng, closeEngine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer closeEngine()

	m, err := cluster.MatrixFile(cfg.Output.Path(cfg.Output.CorrFile)).Correlation(cmd.Context())
	if err != nil {
		return err
	}
	clusters, err := eng.Cluster(m)
	if err != nil {
		return err
	}
	path := cfg.Output.Path(cfg.Output.ClustersFile)
	if err := cluster.SaveLabels(path, clusters); err != nil {
		return err
	}
	fmt.Printf("clusters: %d -> %s\n", len(clusters), path)
	return nil
}

func runSignals(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	eng, closeEngine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer closeEngine()

	clusters, err := cluster.LabelsFile(cfg.Output.Path(cfg.Output.ClustersFile)).Clusters(ctx)
	if err != nil {
		return err
	}
	m, err := cluster.MatrixFile(cfg.Output.Path(cfg.Output.CorrFile)).Correlation(ctx)
	if err != nil {
		return err
	}

	skips := engine.NewSkipReport()
	sig, err := eng.Signals(ctx, clusters, m, skips)
	if err != nil {
		return err
	}
	skips.Log(logger)

	path := cfg.Output.Path(cfg.Output.TradesFile)
	if err := artifact.SaveTrades(path, sig.Trades); err != nil {
		return err
	}
	fmt.Printf("pairs evaluated: %d, trades: %d -> %s\n", len(sig.Pairs), len(sig.Trades), path)
	return nil
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	eng, closeEngine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer closeEngine()

	tradesPath := flagTradesPath
	if tradesPath == "" {
		tradesPath = cfg.Output.Path(cfg.Output.TradesFile)
	}
	trades, err := artifact.LoadTrades(tradesPath)
	if err != nil {
		return fmt.Errorf("loading trades: %w", err)
	}

	skips := engine.NewSkipReport()
	res, err := eng.Backtest(cmd.Context(), trades, skips)
	if err != nil {
		return err
	}
	skips.Log(logger)

	if err := artifact.SavePnL(cfg.Output.Path(cfg.Output.PnLFile), res.Cumulative); err != nil {
		return err
	}
	doc := struct {
		Stats backtest.Summary   `json:"stats"`
		Skips *engine.SkipReport `json:"skips"`
	}{res.Summary, skips}
	if err := artifact.SaveJSON(cfg.Output.Path(cfg.Output.SummaryFile), doc); err != nil {
		return err
	}
	printSummary(res.Summary)
	return nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	eng, closeEngine, err := newEngine(true)
	if err != nil {
		return err
	}
	defer closeEngine()

	tickers, err := universe(ctx, cfg, flagTickers)
	if err != nil {
		return fmt.Errorf("listing tickers: %w", err)
	}
	m, corrSkips, err := eng.Correlate(ctx, tickers)
	if err != nil {
		return err
	}
	if err := cluster.SaveMatrix(cfg.Output.Path(cfg.Output.CorrFile), m); err != nil {
		return err
	}
	clusters, err := eng.Cluster(m)
	if err != nil {
		return err
	}
	if err := cluster.SaveLabels(cfg.Output.Path(cfg.Output.ClustersFile), clusters); err != nil {
		return err
	}

	rep, err := eng.Run(ctx, cluster.Membership(clusters), m, corrSkips)
	if err != nil {
		return err
	}
	if err := rep.Save(engine.Paths{
		Trades:  cfg.Output.Path(cfg.Output.TradesFile),
		PnL:     cfg.Output.Path(cfg.Output.PnLFile),
		Summary: cfg.Output.Path(cfg.Output.SummaryFile),
	}); err != nil {
		return err
	}

	logger.Info("artifacts written", zap.String("dir", cfg.Output.Dir), zap.Int64("run_id", rep.RunID))
	fmt.Printf("clusters: %d, pairs evaluated: %d, trades: %d\n", len(clusters), len(rep.Pairs), len(rep.Trades))
	printSummary(rep.Backtest.Summary)
	return nil
}

func printSummary(s backtest.Summary) {
	w := os.Stdout
	fmt.Fprintf(w, "total return:   %.4f\n", s.TotalReturn)
	fmt.Fprintf(w, "sharpe ratio:   %s\n", s.Sharpe)
	fmt.Fprintf(w, "max drawdown:   %.4f\n", s.MaxDrawdown)
	fmt.Fprintf(w, "trades used:    %d of %d\n", s.TradesUsed, s.TotalTrades)
	fmt.Fprintf(w, "win rate:       %s\n", s.WinRate)
	fmt.Fprintf(w, "profit factor:  %s\n", s.ProfitFactor)
}
