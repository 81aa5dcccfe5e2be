package prices

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/prices/pricetest"
	"meanrev/internal/store"
	"meanrev/pkg/meanrev"
)

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider(pricetest.Series("AAA", []float64{1, 2, 3, 4}))

	s, err := p.FetchCloseSeries(ctx, "AAA", pricetest.Day(1), pricetest.Day(2))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = p.FetchCloseSeries(ctx, "ZZZ", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	p.Fail("AAA", errors.New("connection refused"))
	_, err = p.FetchCloseSeries(ctx, "AAA", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)
	assert.Equal(t, 2, p.Calls("AAA"))
}

func TestCachedProviderSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	slow := ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
		calls.Add(1)
		<-release
		return pricetest.Series(ticker, []float64{1, 2}), nil
	})
	c := NewCachedProvider(slow, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.FetchCloseSeries(context.Background(), "AAA", time.Time{}, time.Time{})
			assert.NoError(t, err)
			assert.Equal(t, 2, s.Len())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	_, err := c.FetchCloseSeries(context.Background(), "AAA", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCachedProviderCachesFailures(t *testing.T) {
	static := NewStaticProvider()
	c := NewCachedProvider(static, 0)

	for i := 0; i < 3; i++ {
		_, err := c.FetchCloseSeries(context.Background(), "MISSING", time.Time{}, time.Time{})
		assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	}
	assert.Equal(t, 1, static.Calls("MISSING"))
	assert.Equal(t, 1, c.Len())
}

func TestPoolFetchAll(t *testing.T) {
	static := NewStaticProvider(
		pricetest.Series("AAA", []float64{1, 2}),
		pricetest.Series("BBB", []float64{3, 4}),
	)
	static.Fail("CCC", errors.New("timeout"))

	pool := NewPool(static, 2, zap.NewNop())
	got, err := pool.FetchAll(context.Background(), []string{"AAA", "BBB", "AAA", "CCC", "DDD"}, time.Time{}, time.Time{})
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.NoError(t, got["AAA"].Err)
	assert.Equal(t, 2, got["BBB"].Series.Len())
	assert.ErrorIs(t, got["CCC"].Err, domain.ErrUpstreamFetch)
	assert.ErrorIs(t, got["DDD"].Err, domain.ErrDataUnavailable)
	assert.Equal(t, 1, static.Calls("AAA"))
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPool(NewStaticProvider(), 4, zap.NewNop()).FetchAll(ctx, []string{"AAA"}, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreProvider(t *testing.T) {
	ctx := context.Background()
	ps := store.NewParquetStore(t.TempDir())
	require.NoError(t, ps.WriteBars(ctx, "us", []domain.Bar{
		{Symbol: "KO", Timestamp: pricetest.Day(0), Close: 60},
		{Symbol: "KO", Timestamp: pricetest.Day(1), Close: 61},
	}))

	p := NewStoreProvider(ps, "us")
	s, err := p.FetchCloseSeries(ctx, "KO", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "KO", s.Ticker)
	assert.Equal(t, []domain.PricePoint{
		{Date: pricetest.Day(0), Close: 60},
		{Date: pricetest.Day(1), Close: 61},
	}, s.Points)

	_, err = p.FetchCloseSeries(ctx, "PEP", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func newTestGuard(trip uint32) *Guard {
	return NewGuard(GuardConfig{
		Name:                "test",
		MaxAttempts:         1,
		ConsecutiveFailures: trip,
		OpenTimeout:         time.Minute,
	}, zap.NewNop())
}

func TestHTTPProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Query().Get("ticker") {
		case "AAPL":
			w.Write([]byte(`[{"date":"2024-01-03","close":186},{"date":"2024-01-02","close":185.5},{"date":"2024-01-03","close":186.5}]`))
		case "EMPTY":
			w.Write([]byte(`[]`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(meanrev.NewClient(srv.URL, srv.Client()), newTestGuard(2))
	ctx := context.Background()

	s, err := p.FetchCloseSeries(ctx, "AAPL", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len(), "rows must be sorted and deduplicated by date")
	assert.Equal(t, 186.5, s.Points[1].Close)

	_, err = p.FetchCloseSeries(ctx, "EMPTY", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	_, err = p.FetchCloseSeries(ctx, "BROKEN", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)
	_, err = p.FetchCloseSeries(ctx, "BROKEN", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)

	// Two consecutive failures trip the breaker: the next call fails fast.
	before := hits.Load()
	_, err = p.FetchCloseSeries(ctx, "AAPL", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)
	assert.Equal(t, before, hits.Load())
	assert.Equal(t, gobreaker.StateOpen, p.guard.State())
}

func TestGuardRetries(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "retry", MaxAttempts: 3, BaseDelay: time.Millisecond}, zap.NewNop())

	attempts := 0
	err := g.Do(context.Background(), "AAA", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = g.Do(context.Background(), "AAA", func(context.Context) error {
		attempts++
		return domain.ErrDataUnavailable
	})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.Equal(t, 1, attempts, "missing data is not retried")
}

type fakeBars struct {
	bars map[string][]marketdata.Bar
	req  marketdata.GetBarsRequest
}

func (f *fakeBars) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.req = req
	if symbol == "ERR" {
		return nil, errors.New("429 too many requests")
	}
	return f.bars[symbol], nil
}

func TestAlpacaProvider(t *testing.T) {
	fake := &fakeBars{bars: map[string][]marketdata.Bar{
		"SPY": {
			{Timestamp: time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC), Close: 472.6},
			{Timestamp: time.Date(2024, 1, 3, 5, 0, 0, 0, time.UTC), Close: 468.8},
		},
	}}
	p := NewAlpacaProvider(fake, "", newTestGuard(5))
	ctx := context.Background()

	s, err := p.FetchCloseSeries(ctx, "SPY", time.Time{}, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), s.Points[0].Date)
	assert.Equal(t, marketdata.OneDay, fake.req.TimeFrame)
	assert.Equal(t, alpacaHistoryStart, fake.req.Start)
	assert.Equal(t, "sip", fake.req.Feed)

	_, err = p.FetchCloseSeries(ctx, "NONE", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	_, err = p.FetchCloseSeries(ctx, "ERR", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)
}

func TestInstrument(t *testing.T) {
	p := Instrument(NewStaticProvider(pricetest.Series("AAA", []float64{1})), "static")
	s, err := p.FetchCloseSeries(context.Background(), "AAA", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
