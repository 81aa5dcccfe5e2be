package gather

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meanrev/internal/domain"
	"meanrev/internal/prices"
	"meanrev/internal/store"
)

var _ Gatherer = (*AlpacaDailyGatherer)(nil)

// defaultHistoryStart is where symbols with nothing stored begin.
var defaultHistoryStart = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// AlpacaDailyConfig configures an AlpacaDailyGatherer.
type AlpacaDailyConfig struct {
	Market string
	// Symbols are gathered in addition to the ones already stored.
	Symbols []string
	// Start is the first day fetched for symbols with no stored bars.
	Start time.Time
	// End is the last day fetched. When zero it is the latest finished
	// trading day from Calendar, or yesterday without one.
	End       time.Time
	Calendar  CalendarClient
	Feed      string
	Workers   int
	BatchSize int
}

// AlpacaDailyGatherer extends each symbol's stored daily bars from its
// last stored date up to the end date.
type AlpacaDailyGatherer struct {
	client prices.BarsClient
	guard  *prices.Guard
	store  store.BarStore
	cfg    AlpacaDailyConfig
	now    func() time.Time
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewAlpacaDailyGatherer creates a gatherer writing into s.
func NewAlpacaDailyGatherer(client prices.BarsClient, guard *prices.Guard, s store.BarStore, cfg AlpacaDailyConfig, logger *zap.Logger) *AlpacaDailyGatherer {
	if cfg.Market == "" {
		cfg.Market = string(domain.MarketUS)
	}
	if cfg.Start.IsZero() {
		cfg.Start = defaultHistoryStart
	}
	if cfg.Feed == "" {
		cfg.Feed = "sip"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 10
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5000
	}
	return &AlpacaDailyGatherer{
		client: client,
		guard:  guard,
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.Named("alpaca-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *AlpacaDailyGatherer) Name() string { return "alpaca-daily" }

// Stats returns the counters of the last Run.
func (g *AlpacaDailyGatherer) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run fetches the missing bars of every symbol with bounded concurrency
// and writes them through a single batching writer.
func (g *AlpacaDailyGatherer) Run(ctx context.Context) error {
	begin := time.Now()
	g.mu.Lock()
	g.stats = Stats{}
	g.mu.Unlock()

	end, err := g.endDate()
	if err != nil {
		return fmt.Errorf("determining end date: %w", err)
	}

	symbols, err := g.symbols(ctx)
	if err != nil {
		return err
	}
	g.log.Info("starting daily update",
		zap.String("end", end.Format(domain.DateLayout)),
		zap.Int("symbols", len(symbols)),
		zap.Int("workers", g.cfg.Workers))

	barsCh := make(chan []domain.Bar, g.cfg.Workers)
	writeErr := make(chan error, 1)
	go func() { writeErr <- g.writeLoop(ctx, barsCh) }()

	var eg errgroup.Group
	eg.SetLimit(g.cfg.Workers)
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			bars, err := g.updateSymbol(ctx, sym, end)
			switch {
			case err != nil:
				g.count(func(s *Stats) { s.Failed++ })
				g.log.Warn("update failed", zap.String("symbol", sym), zap.Error(err))
			case bars == nil:
				g.count(func(s *Stats) { s.Skipped++ })
			default:
				g.count(func(s *Stats) { s.Symbols++ })
				barsCh <- bars
			}
			return nil
		})
	}
	_ = eg.Wait()
	close(barsCh)

	if err := <-writeErr; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	g.stats.Duration = time.Since(begin)
	st := g.stats
	g.mu.Unlock()
	g.log.Info("daily update complete",
		zap.Int("updated", st.Symbols),
		zap.Int("up_to_date", st.Skipped),
		zap.Int("failed", st.Failed),
		zap.Int("bars", st.Bars),
		zap.Duration("elapsed", st.Duration.Round(time.Second)))
	return nil
}

func (g *AlpacaDailyGatherer) count(fn func(*Stats)) {
	g.mu.Lock()
	fn(&g.stats)
	g.mu.Unlock()
}

func (g *AlpacaDailyGatherer) endDate() (time.Time, error) {
	if !g.cfg.End.IsZero() {
		return domain.Day(g.cfg.End), nil
	}
	if g.cfg.Calendar != nil {
		return LatestFinishedTradingDay(g.cfg.Calendar, g.now())
	}
	return domain.Day(g.now().UTC()).AddDate(0, 0, -1), nil
}

func (g *AlpacaDailyGatherer) symbols(ctx context.Context) ([]string, error) {
	stored, err := g.store.ListSymbols(ctx, g.cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("listing existing symbols: %w", err)
	}
	set := make(map[string]struct{}, len(stored)+len(g.cfg.Symbols))
	for _, s := range stored {
		set[s] = struct{}{}
	}
	for _, s := range g.cfg.Symbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	delete(set, "")
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// updateSymbol returns the bars after the symbol's last stored date, or
// nil when it is already up to date or the API has nothing new.
func (g *AlpacaDailyGatherer) updateSymbol(ctx context.Context, sym string, end time.Time) ([]domain.Bar, error) {
	last, ok, err := g.store.LastBarDate(ctx, sym, g.cfg.Market)
	if err != nil {
		return nil, err
	}
	from := g.cfg.Start
	if ok {
		from = domain.Day(last).AddDate(0, 0, 1)
	}
	if from.After(end) {
		return nil, nil
	}

	var raw []marketdata.Bar
	err = g.guard.Do(ctx, sym, func(context.Context) error {
		var ferr error
		raw, ferr = g.client.GetBars(sym, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     from,
			End:       end.Add(24*time.Hour - time.Second),
			Feed:      g.cfg.Feed,
		})
		return ferr
	})
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for _, ab := range raw {
		day := domain.Day(ab.Timestamp)
		if ok && !day.After(domain.Day(last)) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     sym,
			Timestamp:  day,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

// writeLoop buffers incoming bars and writes them in batches. After a
// write error it keeps draining so workers never block.
func (g *AlpacaDailyGatherer) writeLoop(ctx context.Context, in <-chan []domain.Bar) error {
	var (
		buf      []domain.Bar
		firstErr error
	)
	flush := func() {
		if len(buf) == 0 || firstErr != nil {
			buf = buf[:0]
			return
		}
		if err := g.store.WriteBars(ctx, g.cfg.Market, buf); err != nil {
			firstErr = fmt.Errorf("writing bars: %w", err)
			g.log.Error("batch write failed", zap.Int("bars", len(buf)), zap.Error(err))
		} else {
			g.count(func(s *Stats) { s.Bars += len(buf) })
		}
		buf = buf[:0]
	}
	for bars := range in {
		buf = append(buf, bars...)
		if len(buf) >= g.cfg.BatchSize {
			flush()
		}
	}
	flush()
	return firstErr
}
