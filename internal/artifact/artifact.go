// Package artifact reads and writes the files a run produces: the trades
// table, the cumulative PnL series and JSON summaries.
package artifact

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meanrev/internal/domain"
)

// TradeHeader is the column order of the trades table.
var TradeHeader = []string{
	"ticker_a", "ticker_b", "direction", "entry_date", "exit_date",
	"entry_spread", "exit_spread", "spread_pnl",
}

// PnLHeader is the column order of the cumulative PnL table.
var PnLHeader = []string{"date", "cumulative_pnl"}

// dateLayouts are accepted when reading; the first is always written.
var dateLayouts = []string{domain.DateLayout, "2006-01-02 15:04:05", time.RFC3339}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return domain.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// WriteTrades writes the trades table with a header row.
func WriteTrades(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write([]string{
			t.TickerA,
			t.TickerB,
			string(t.Direction),
			t.EntryDate.Format(domain.DateLayout),
			t.ExitDate.Format(domain.DateLayout),
			formatFloat(t.EntrySpread),
			formatFloat(t.ExitSpread),
			formatFloat(t.SpreadPnL),
		}); err != nil {
			return fmt.Errorf("failed to write trade record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTrades parses a trades table. Columns are located by header name so
// their order does not matter; an empty input yields no trades.
func ReadTrades(r io.Reader) ([]domain.Trade, error) {
	rows, cols, err := readTable(r, TradeHeader)
	if err != nil || rows == nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		get := func(name string) string { return strings.TrimSpace(row[cols[name]]) }

		t := domain.Trade{
			TickerA:   get("ticker_a"),
			TickerB:   get("ticker_b"),
			Direction: domain.Direction(get("direction")),
		}
		if !t.Direction.Valid() {
			return nil, fmt.Errorf("line %d: unknown direction %q", line, t.Direction)
		}
		if t.EntryDate, err = parseDate(get("entry_date")); err != nil {
			return nil, fmt.Errorf("line %d: entry_date: %w", line, err)
		}
		if t.ExitDate, err = parseDate(get("exit_date")); err != nil {
			return nil, fmt.Errorf("line %d: exit_date: %w", line, err)
		}
		for _, f := range []struct {
			name string
			dst  *float64
		}{
			{"entry_spread", &t.EntrySpread},
			{"exit_spread", &t.ExitSpread},
			{"spread_pnl", &t.SpreadPnL},
		} {
			if *f.dst, err = strconv.ParseFloat(get(f.name), 64); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, f.name, err)
			}
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// SaveTrades writes the trades table to path, creating parent directories.
func SaveTrades(path string, trades []domain.Trade) error {
	return writeFile(path, func(w io.Writer) error { return WriteTrades(w, trades) })
}

// LoadTrades reads the trades table at path.
func LoadTrades(path string) ([]domain.Trade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	trades, err := ReadTrades(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trades, nil
}

// ---------------------------------------------------------------------------
// Cumulative PnL
// ---------------------------------------------------------------------------

// WritePnL writes the cumulative PnL series.
func WritePnL(w io.Writer, series []domain.PnLPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(PnLHeader); err != nil {
		return err
	}
	for _, p := range series {
		if err := cw.Write([]string{p.Date.Format(domain.DateLayout), formatFloat(p.Value)}); err != nil {
			return fmt.Errorf("failed to write pnl record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPnL parses a cumulative PnL series and checks that dates strictly
// increase.
func ReadPnL(r io.Reader) ([]domain.PnLPoint, error) {
	rows, cols, err := readTable(r, PnLHeader)
	if err != nil || rows == nil {
		return nil, err
	}

	out := make([]domain.PnLPoint, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		d, err := parseDate(row[cols["date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[cols["cumulative_pnl"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(out); n > 0 && !d.After(out[n-1].Date) {
			return nil, fmt.Errorf("line %d: date %s not after %s", line,
				d.Format(domain.DateLayout), out[n-1].Date.Format(domain.DateLayout))
		}
		out = append(out, domain.PnLPoint{Date: d, Value: v})
	}
	return out, nil
}

// SavePnL writes the cumulative PnL series to path.
func SavePnL(path string, series []domain.PnLPoint) error {
	return writeFile(path, func(w io.Writer) error { return WritePnL(w, series) })
}

// LoadPnL reads the cumulative PnL series at path.
func LoadPnL(path string) ([]domain.PnLPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPnL(f)
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// SaveJSON writes v as indented JSON to path.
func SaveJSON(path string, v any) error {
	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// LoadJSON decodes the JSON file at path into v.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// readTable reads a CSV with a header containing at least the required
// columns. It returns nil rows for an empty input.
func readTable(r io.Reader, required []string) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", name)
		}
	}

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	for i, row := range rows {
		if len(row) < len(header) {
			return nil, nil, fmt.Errorf("line %d: expected %d fields, got %d", i+2, len(header), len(row))
		}
	}
	if rows == nil {
		rows = [][]string{}
	}
	return rows, cols, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
