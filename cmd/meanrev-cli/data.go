package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meanrev/internal/artifact"
	"meanrev/internal/backtest"
	"meanrev/internal/domain"
	"meanrev/internal/gather"
	"meanrev/internal/store"
)

var (
	flagForce       bool
	flagSymbols     string
	flagGatherStart string
	flagGatherEnd   string
	flagRunsLimit   int
	flagExportDir   string
)

var importCmd = &cobra.Command{
	Use:   "import <file-or-dir>...",
	Short: "Bulk-load daily bars from CSV files into the bar store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := store.NewParquetStore(cfg.Storage.DataDir)
		imp := gather.NewCSVImporter(s, cfg.Storage.Market, args, flagForce, logger)
		if err := imp.Run(cmd.Context()); err != nil {
			return err
		}
		st := imp.Stats()
		fmt.Printf("imported %d symbols (%d bars), skipped %d existing, %d files failed\n",
			st.Symbols, st.Bars, st.Skipped, st.Failed)
		return nil
	},
}

var gatherCmd = &cobra.Command{
	Use:   "gather",
	Short: "Extend stored daily bars from the Alpaca market data API",
	Long: `gather fetches the daily bars every stored symbol is missing since its
last stored date. Symbols passed with --symbols are added to the store,
starting at --start.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var gcfg gather.AlpacaDailyConfig
		gcfg.Market = cfg.Storage.Market
		gcfg.Feed = cfg.Alpaca.Feed
		gcfg.Workers = cfg.Fetch.MaxWorkers
		if flagSymbols != "" {
			gcfg.Symbols = strings.Split(flagSymbols, ",")
		}
		var err error
		if gcfg.Start, _, err = cfg.Fetch.Range(); err != nil {
			return err
		}
		if flagGatherStart != "" {
			if gcfg.Start, err = time.Parse(domain.DateLayout, flagGatherStart); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
		}
		if flagGatherEnd != "" {
			if gcfg.End, err = time.Parse(domain.DateLayout, flagGatherEnd); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
		} else {
			gcfg.Calendar = gather.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, "")
		}

		s := store.NewParquetStore(cfg.Storage.DataDir)
		g := gather.NewAlpacaDailyGatherer(newAlpacaClient(cfg), newGuard("alpaca", cfg), s, gcfg, logger)
		if err := g.Run(cmd.Context()); err != nil {
			return err
		}
		st := g.Stats()
		fmt.Printf("updated %d symbols (%d bars), %d up to date, %d failed\n",
			st.Symbols, st.Bars, st.Skipped, st.Failed)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(cmd.Context(), flagRunsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tZ_ENTRY\tZ_EXIT\tLOOKBACK\tTRADES\tRETURN\tSHARPE\tMAX_DD")
		for _, r := range runs {
			sharpe := "undefined"
			if r.Sharpe != nil {
				sharpe = fmt.Sprintf("%.4f", *r.Sharpe)
			}
			fmt.Fprintf(w, "%d\t%s\t%g\t%g\t%d\t%d/%d\t%.4f\t%s\t%.4f\n",
				r.ID, r.StartedAt.Format(time.DateTime), r.ZEntry, r.ZExit, r.Lookback,
				r.TradesUsed, r.TradesTotal, r.TotalReturn, sharpe, r.MaxDrawdown)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one stored run and optionally export its trades and PnL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("run id %q: %w", args[0], err)
		}
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		trades, err := db.ListTrades(ctx, id)
		if err != nil {
			return err
		}
		pnl, err := db.LoadPnL(ctx, id)
		if err != nil {
			return err
		}
		skips, err := db.ListSkips(ctx, id)
		if err != nil {
			return err
		}

		fmt.Printf("run %d: %d trades, %d days\n", id, len(trades), len(pnl))
		printCurveStats(pnl)
		counts := make(map[string]int)
		for _, s := range skips {
			counts[string(s.Reason)]++
		}
		reasons := make([]string, 0, len(counts))
		for reason := range counts {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Printf("skipped (%s): %d entries\n", reason, counts[reason])
		}

		if flagExportDir == "" {
			return nil
		}
		if err := artifact.SaveTrades(filepath.Join(flagExportDir, cfg.Output.TradesFile), trades); err != nil {
			return err
		}
		if err := artifact.SavePnL(filepath.Join(flagExportDir, cfg.Output.PnLFile), pnl); err != nil {
			return err
		}
		logger.Info("run exported", zap.Int64("run_id", id), zap.String("dir", flagExportDir))
		return nil
	},
}

// printCurveStats prints the statistics that follow from a cumulative PnL
// series alone.
func printCurveStats(cum []domain.PnLPoint) {
	var total float64
	if n := len(cum); n > 0 {
		total = cum[n-1].Value
	}
	fmt.Printf("total return:   %.4f\n", total)
	fmt.Printf("sharpe ratio:   %s\n", backtest.Sharpe(cum))
	fmt.Printf("max drawdown:   %.4f\n", backtest.MaxDrawdown(cum))
}

func init() {
	importCmd.Flags().BoolVar(&flagForce, "force", false, "re-import tickers already in the store")
	gatherCmd.Flags().StringVar(&flagSymbols, "symbols", "", "comma-separated symbols to add")
	gatherCmd.Flags().StringVar(&flagGatherStart, "start", "", "first day for symbols with no stored bars (YYYY-MM-DD)")
	gatherCmd.Flags().StringVar(&flagGatherEnd, "end", "", "last day to fetch (default: latest finished trading day)")
	runsCmd.Flags().IntVar(&flagRunsLimit, "limit", 20, "number of runs to list")
	runsShowCmd.Flags().StringVar(&flagExportDir, "export", "", "directory to write the run's trades and PnL CSVs into")
	runsCmd.AddCommand(runsShowCmd)

	rootCmd.AddCommand(importCmd, gatherCmd, runsCmd)
}
