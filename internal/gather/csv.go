package gather

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/store"
)

var _ Gatherer = (*CSVImporter)(nil)

// importBatchSize is the number of bars buffered before a store write.
const importBatchSize = 10_000

var csvDateLayouts = []string{domain.DateLayout, "20060102", "2006-01-02 15:04:05", time.RFC3339}

// CSVImporter bulk-loads daily bars from CSV files. Each file needs a
// header with at least date and close columns; open, high, low, volume,
// vwap and a ticker (or symbol) column are optional. Without a ticker
// column the file name (minus extension) is the ticker.
type CSVImporter struct {
	store  store.BarStore
	market string
	paths  []string
	force  bool
	stats  Stats
	log    *zap.Logger
}

// NewCSVImporter creates an importer for the given files or directories.
// Tickers already in the store are left alone unless force is set.
func NewCSVImporter(s store.BarStore, market string, paths []string, force bool, logger *zap.Logger) *CSVImporter {
	return &CSVImporter{
		store:  s,
		market: market,
		paths:  paths,
		force:  force,
		log:    logger.Named("csv-import"),
	}
}

// Name returns the gatherer identifier.
func (g *CSVImporter) Name() string { return "csv-import" }

// Stats returns the counters of the last Run.
func (g *CSVImporter) Stats() Stats { return g.stats }

// Run imports every file.
func (g *CSVImporter) Run(ctx context.Context) error {
	begin := time.Now()
	g.stats = Stats{}

	files, err := expandCSVPaths(g.paths)
	if err != nil {
		return err
	}

	existing := make(map[string]struct{})
	if !g.force {
		syms, err := g.store.ListSymbols(ctx, g.market)
		if err != nil {
			return fmt.Errorf("listing existing symbols: %w", err)
		}
		for _, s := range syms {
			existing[s] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var buf []domain.Bar
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := g.store.WriteBars(ctx, g.market, buf); err != nil {
			return fmt.Errorf("writing bars: %w", err)
		}
		g.stats.Bars += len(buf)
		buf = buf[:0]
		return nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		bars, err := readBarsFile(path)
		if err != nil {
			g.stats.Failed++
			g.log.Warn("import failed", zap.String("file", path), zap.Error(err))
			continue
		}
		for _, b := range bars {
			if _, skip := existing[b.Symbol]; skip {
				if _, counted := seen[b.Symbol]; !counted {
					seen[b.Symbol] = struct{}{}
					g.stats.Skipped++
				}
				continue
			}
			if _, counted := seen[b.Symbol]; !counted {
				seen[b.Symbol] = struct{}{}
				g.stats.Symbols++
			}
			buf = append(buf, b)
			if len(buf) >= importBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	g.stats.Duration = time.Since(begin)
	g.log.Info("import complete",
		zap.Int("files", len(files)),
		zap.Int("symbols", g.stats.Symbols),
		zap.Int("skipped", g.stats.Skipped),
		zap.Int("failed", g.stats.Failed),
		zap.Int("bars", g.stats.Bars),
		zap.Duration("elapsed", g.stats.Duration.Round(time.Millisecond)))
	return nil
}

// expandCSVPaths replaces directories by the *.csv files they contain.
func expandCSVPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.csv"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

func readBarsFile(path string) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fallback := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	return ReadBars(f, fallback)
}

// ReadBars parses a bars CSV. fallbackTicker names the rows when the file
// has no ticker column.
func ReadBars(r io.Reader, fallbackTicker string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range []string{"date", "close"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	tickerCol, hasTicker := col["ticker"]
	if !hasTicker {
		tickerCol, hasTicker = col["symbol"]
	}
	if !hasTicker && fallbackTicker == "" {
		return nil, fmt.Errorf("no ticker column and no fallback ticker")
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		b := domain.Bar{Symbol: fallbackTicker}
		if hasTicker && tickerCol < len(rec) {
			b.Symbol = strings.ToUpper(strings.TrimSpace(rec[tickerCol]))
		}
		if b.Symbol == "" {
			return nil, fmt.Errorf("line %d: empty ticker", line)
		}
		if b.Timestamp, err = parseCSVDate(get("date")); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if b.Close, err = strconv.ParseFloat(get("close"), 64); err != nil {
			return nil, fmt.Errorf("line %d: close: %w", line, err)
		}
		for name, dst := range map[string]*float64{"open": &b.Open, "high": &b.High, "low": &b.Low, "vwap": &b.VWAP} {
			if v := get(name); v != "" {
				if *dst, err = strconv.ParseFloat(v, 64); err != nil {
					return nil, fmt.Errorf("line %d: %s: %w", line, name, err)
				}
			}
		}
		if v := get("volume"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: volume: %w", line, err)
			}
			b.Volume = int64(f)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseCSVDate(s string) (time.Time, error) {
	for _, layout := range csvDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return domain.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
