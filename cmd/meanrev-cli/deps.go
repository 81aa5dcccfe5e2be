package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"

	"meanrev/internal/config"
	"meanrev/internal/engine"
	"meanrev/internal/prices"
	"meanrev/internal/store"
	"meanrev/pkg/meanrev"
)

// newGuard builds the rate limiter and breaker for a remote source.
func newGuard(name string, cfg *config.Config) *prices.Guard {
	return prices.NewGuard(prices.GuardConfig{
		Name:            name,
		RateLimitPerMin: cfg.Fetch.RateLimitPerMin,
		MaxAttempts:     cfg.Fetch.MaxAttempts,
	}, logger)
}

func newAlpacaClient(cfg *config.Config) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.Alpaca.APIKey,
		APISecret: cfg.Alpaca.APISecret,
	}
	if cfg.Alpaca.DataURL != "" {
		opts.BaseURL = cfg.Alpaca.DataURL
	}
	return marketdata.NewClient(opts)
}

// newProvider returns the configured price source, instrumented.
func newProvider(cfg *config.Config) (prices.Provider, error) {
	switch cfg.Fetch.Provider {
	case "store":
		ps := store.NewParquetStore(cfg.Storage.DataDir)
		return prices.Instrument(prices.NewStoreProvider(ps, cfg.Storage.Market), "store"), nil
	case "http":
		client := meanrev.NewClient(cfg.Fetch.PriceAPIURL, &http.Client{Timeout: cfg.Fetch.Timeout()})
		return prices.Instrument(prices.NewHTTPProvider(client, newGuard("price-api", cfg)), "http"), nil
	case "alpaca":
		p := prices.NewAlpacaProvider(newAlpacaClient(cfg), cfg.Alpaca.Feed, newGuard("alpaca", cfg))
		return prices.Instrument(p, "alpaca"), nil
	default:
		return nil, fmt.Errorf("unknown price provider %q", cfg.Fetch.Provider)
	}
}

// universe returns the tickers to correlate: the explicit list when given,
// otherwise everything the configured source knows.
func universe(ctx context.Context, cfg *config.Config, explicit string) ([]string, error) {
	if explicit != "" {
		var out []string
		for _, t := range strings.Split(explicit, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				out = append(out, t)
			}
		}
		return out, nil
	}
	switch cfg.Fetch.Provider {
	case "store":
		return store.NewParquetStore(cfg.Storage.DataDir).ListSymbols(ctx, cfg.Storage.Market)
	case "http":
		return meanrev.NewClient(cfg.Fetch.PriceAPIURL, &http.Client{Timeout: cfg.Fetch.Timeout()}).AllTickers(ctx)
	default:
		return nil, fmt.Errorf("provider %q cannot list tickers, pass --tickers", cfg.Fetch.Provider)
	}
}

// newEngine wires an engine over the configured provider. withRuns opens
// the SQLite run store; the returned closer releases it.
func newEngine(withRuns bool) (*engine.Engine, func(), error) {
	set, err := engine.SettingsFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	var runs store.RunStore
	if withRuns && cfg.Storage.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening run store: %w", err)
		}
		runs = db
		closer = func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing run store", zap.Error(err))
			}
		}
	}
	return engine.NewEngine(provider, runs, set, logger), closer, nil
}
