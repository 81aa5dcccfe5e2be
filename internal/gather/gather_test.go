package gather

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/prices"
	"meanrev/internal/store"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func closes(t *testing.T, s store.BarStore, sym string) map[string]float64 {
	t.Helper()
	bars, err := s.ReadBars(context.Background(), sym, "us", time.Time{}, time.Time{})
	require.NoError(t, err)
	out := make(map[string]float64, len(bars))
	for _, b := range bars {
		out[b.Timestamp.Format(domain.DateLayout)] = b.Close
	}
	return out
}

// ---------------------------------------------------------------------------
// CSV import
// ---------------------------------------------------------------------------

func TestReadBars(t *testing.T) {
	in := "\ufeffDate,Open,High,Low,Close,Volume\n2024-01-02,1,2,0.5,1.5,1000\n20240103,1.5,2,1,1.8,\n"
	bars, err := ReadBars(strings.NewReader(in), "KO")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, domain.Bar{Symbol: "KO", Timestamp: day("2024-01-02"), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1000}, bars[0])
	assert.Equal(t, day("2024-01-03"), bars[1].Timestamp)
	assert.Equal(t, int64(0), bars[1].Volume)

	bars, err = ReadBars(strings.NewReader("symbol,date,close\npep,2024-01-02,170.5\n"), "")
	require.NoError(t, err)
	assert.Equal(t, "PEP", bars[0].Symbol)

	for name, in := range map[string]string{
		"missing close": "date,open\n2024-01-02,1\n",
		"bad date":      "date,close\n01/02/2024,1\n",
		"bad close":     "date,close\n2024-01-02,x\n",
		"no ticker":     "date,close\n2024-01-02,1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadBars(strings.NewReader(in), "")
			assert.Error(t, err)
		})
	}
}

func TestCSVImporterSkipsExisting(t *testing.T) {
	ctx := context.Background()
	s := store.NewParquetStore(t.TempDir())
	require.NoError(t, s.WriteBars(ctx, "us", []domain.Bar{{Symbol: "KO", Timestamp: day("2023-12-29"), Close: 59}}))

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ko.csv"), "date,close\n2024-01-02,60\n2024-01-03,61\n")
	writeFile(t, filepath.Join(dir, "batch.csv"), "ticker,date,close\nPEP,2024-01-02,170\nPEP,2024-01-03,171\nXOM,2024-01-02,100\n")
	writeFile(t, filepath.Join(dir, "broken.csv"), "date\n2024-01-02\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	imp := NewCSVImporter(s, "us", []string{dir}, false, zap.NewNop())
	require.NoError(t, imp.Run(ctx))
	st := imp.Stats()
	assert.Equal(t, 2, st.Symbols)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 3, st.Bars)

	assert.Equal(t, map[string]float64{"2023-12-29": 59}, closes(t, s, "KO"))
	assert.Equal(t, map[string]float64{"2024-01-02": 170, "2024-01-03": 171}, closes(t, s, "PEP"))

	forced := NewCSVImporter(s, "us", []string{filepath.Join(dir, "ko.csv")}, true, zap.NewNop())
	require.NoError(t, forced.Run(ctx))
	assert.Equal(t, map[string]float64{"2023-12-29": 59, "2024-01-02": 60, "2024-01-03": 61}, closes(t, s, "KO"))
}

func TestCSVImporterMissingPath(t *testing.T) {
	imp := NewCSVImporter(store.NewParquetStore(t.TempDir()), "us", []string{"/does/not/exist"}, false, zap.NewNop())
	assert.Error(t, imp.Run(context.Background()))
}

// ---------------------------------------------------------------------------
// Alpaca daily gatherer
// ---------------------------------------------------------------------------

type fakeBars struct {
	mu    sync.Mutex
	bars  map[string][]marketdata.Bar
	errs  map[string]error
	reqs  map[string]marketdata.GetBarsRequest
	calls int
}

func (f *fakeBars) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reqs == nil {
		f.reqs = make(map[string]marketdata.GetBarsRequest)
	}
	f.reqs[symbol] = req
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.bars[symbol], nil
}

func bar(date string, c float64) marketdata.Bar {
	return marketdata.Bar{Timestamp: day(date).Add(5 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 10}
}

func TestAlpacaDailyGathererIncremental(t *testing.T) {
	ctx := context.Background()
	s := store.NewParquetStore(t.TempDir())
	require.NoError(t, s.WriteBars(ctx, "us", []domain.Bar{
		{Symbol: "KO", Timestamp: day("2024-01-02"), Close: 60},
		{Symbol: "KO", Timestamp: day("2024-01-03"), Close: 61},
		{Symbol: "MSFT", Timestamp: day("2024-01-05"), Close: 370},
	}))

	fake := &fakeBars{
		bars: map[string][]marketdata.Bar{
			"KO":  {bar("2024-01-03", 99), bar("2024-01-04", 62), bar("2024-01-05", 63)},
			"PEP": {bar("2024-01-04", 170), bar("2024-01-05", 171)},
		},
		errs: map[string]error{"BAD": errors.New("boom")},
	}
	guard := prices.NewGuard(prices.GuardConfig{Name: "test", MaxAttempts: 1, ConsecutiveFailures: 100}, zap.NewNop())
	g := NewAlpacaDailyGatherer(fake, guard, s, AlpacaDailyConfig{
		Symbols:   []string{"pep", "BAD"},
		Start:     day("2024-01-04"),
		End:       day("2024-01-05"),
		Workers:   3,
		BatchSize: 2,
	}, zap.NewNop())
	require.NoError(t, g.Run(ctx))

	st := g.Stats()
	assert.Equal(t, 2, st.Symbols)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 4, st.Bars)

	assert.Equal(t, map[string]float64{"2024-01-02": 60, "2024-01-03": 61, "2024-01-04": 62, "2024-01-05": 63}, closes(t, s, "KO"))
	assert.Equal(t, map[string]float64{"2024-01-04": 170, "2024-01-05": 171}, closes(t, s, "PEP"))

	assert.Equal(t, day("2024-01-04"), fake.reqs["KO"].Start)
	assert.Equal(t, marketdata.OneDay, fake.reqs["KO"].TimeFrame)
	assert.Equal(t, "sip", fake.reqs["KO"].Feed)
	_, asked := fake.reqs["MSFT"]
	assert.False(t, asked, "up-to-date symbol must not be requested")
}

func TestAlpacaDailyGathererWriteError(t *testing.T) {
	fake := &fakeBars{bars: map[string][]marketdata.Bar{"KO": {bar("2024-01-04", 62)}}}
	guard := prices.NewGuard(prices.GuardConfig{Name: "test", MaxAttempts: 1}, zap.NewNop())
	g := NewAlpacaDailyGatherer(fake, guard, failingStore{}, AlpacaDailyConfig{
		Symbols: []string{"KO"},
		End:     day("2024-01-05"),
	}, zap.NewNop())
	assert.Error(t, g.Run(context.Background()))
}

type failingStore struct{ store.BarStore }

func (failingStore) ListSymbols(context.Context, string) ([]string, error) { return nil, nil }

func (failingStore) LastBarDate(context.Context, string, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (failingStore) WriteBars(context.Context, string, []domain.Bar) error {
	return errors.New("disk full")
}

// ---------------------------------------------------------------------------
// Calendar
// ---------------------------------------------------------------------------

type fakeCalendar []alpaca.CalendarDay

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f, nil
}

func TestLatestFinishedTradingDay(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal := fakeCalendar{{Date: "2024-03-01"}, {Date: "2024-03-04"}, {Date: "2024-03-05"}}

	got, err := LatestFinishedTradingDay(cal, time.Date(2024, 3, 5, 15, 0, 0, 0, et))
	require.NoError(t, err)
	assert.Equal(t, day("2024-03-04"), got)

	got, err = LatestFinishedTradingDay(cal, time.Date(2024, 3, 5, 21, 0, 0, 0, et))
	require.NoError(t, err)
	assert.Equal(t, day("2024-03-05"), got)

	_, err = LatestFinishedTradingDay(fakeCalendar{}, time.Now())
	assert.Error(t, err)
}

func TestAlpacaDailyGathererEndFromCalendar(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	g := NewAlpacaDailyGatherer(&fakeBars{}, nil, store.NewParquetStore(t.TempDir()), AlpacaDailyConfig{
		Calendar: fakeCalendar{{Date: "2024-03-04"}, {Date: "2024-03-05"}},
	}, zap.NewNop())
	g.now = func() time.Time { return time.Date(2024, 3, 5, 9, 0, 0, 0, et) }
	end, err := g.endDate()
	require.NoError(t, err)
	assert.Equal(t, day("2024-03-04"), end)
	assert.Equal(t, "alpaca-daily", g.Name())
}
