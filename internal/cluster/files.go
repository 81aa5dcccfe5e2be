package cluster

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meanrev/internal/domain"
)

// LabelsHeader is the header of the cluster membership table.
var LabelsHeader = []string{"ticker", "cluster"}

// ---------------------------------------------------------------------------
// Correlation matrix
// ---------------------------------------------------------------------------

// WriteMatrix writes m with an empty leading header cell followed by the
// tickers; each row starts with its ticker. NaN is written as an empty cell.
func WriteMatrix(w io.Writer, m *Matrix) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{""}, m.Tickers()...)); err != nil {
		return err
	}
	for i, t := range m.Tickers() {
		row := make([]string, 0, m.Len()+1)
		row = append(row, t)
		for j := 0; j < m.Len(); j++ {
			v := m.At(i, j)
			if math.IsNaN(v) {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMatrix parses a matrix written by WriteMatrix. Rows are matched to
// columns by ticker, so the row order may differ from the header order.
func ReadMatrix(r io.Reader) (*Matrix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return NewMatrix(nil, nil)
	}
	if err != nil {
		return nil, err
	}
	if len(header) < 1 {
		return nil, fmt.Errorf("empty matrix header")
	}
	tickers := make([]string, len(header)-1)
	col := make(map[string]int, len(tickers))
	for i, h := range header[1:] {
		tickers[i] = strings.TrimSpace(h)
		col[tickers[i]] = i
	}

	values := make([][]float64, len(tickers))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(rec))
		}
		ticker := strings.TrimSpace(rec[0])
		i, ok := col[ticker]
		if !ok {
			return nil, fmt.Errorf("line %d: row %q has no matching column", line, ticker)
		}
		row := make([]float64, len(tickers))
		for j, cell := range rec[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" || strings.EqualFold(cell, "nan") {
				row[j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s/%s: %w", line, ticker, tickers[j], err)
			}
			row[j] = v
		}
		values[i] = row
	}
	for i, t := range tickers {
		if values[i] == nil {
			return nil, fmt.Errorf("missing row for %q", t)
		}
	}
	return NewMatrix(tickers, values)
}

// ---------------------------------------------------------------------------
// Cluster labels
// ---------------------------------------------------------------------------

// WriteLabels writes one "ticker,cluster" row per member, cluster by cluster.
func WriteLabels(w io.Writer, clusters []domain.Cluster) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(LabelsHeader); err != nil {
		return err
	}
	for _, c := range clusters {
		for _, t := range c.Tickers {
			if err := cw.Write([]string{t, c.ID}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadLabels parses a membership table. Clusters are returned in order of
// first appearance and list their tickers in row order.
func ReadLabels(r io.Reader) ([]domain.Cluster, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tc, cc := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case "ticker":
			tc = i
		case "cluster":
			cc = i
		}
	}
	if tc < 0 || cc < 0 {
		return nil, fmt.Errorf("labels header must contain ticker and cluster, got %v", header)
	}

	var out []domain.Cluster
	pos := make(map[string]int)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= tc || len(rec) <= cc {
			return nil, fmt.Errorf("line %d: short record", line)
		}
		ticker, id := strings.TrimSpace(rec[tc]), strings.TrimSpace(rec[cc])
		if ticker == "" {
			return nil, fmt.Errorf("line %d: empty ticker", line)
		}
		k, ok := pos[id]
		if !ok {
			k = len(out)
			pos[id] = k
			out = append(out, domain.Cluster{ID: id})
		}
		out[k].Tickers = append(out[k].Tickers, ticker)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// File sources
// ---------------------------------------------------------------------------

// LabelsFile is a MembershipSource backed by a CSV file.
type LabelsFile string

// Clusters implements MembershipSource.
func (f LabelsFile) Clusters(_ context.Context) ([]domain.Cluster, error) {
	file, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open clusters: %w", err)
	}
	defer file.Close()
	return ReadLabels(file)
}

// MatrixFile is a CorrelationSource backed by a CSV file.
type MatrixFile string

// Correlation implements CorrelationSource.
func (f MatrixFile) Correlation(_ context.Context) (*Matrix, error) {
	file, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open correlation matrix: %w", err)
	}
	defer file.Close()
	return ReadMatrix(file)
}

// SaveMatrix writes m to path, creating parent directories.
func SaveMatrix(path string, m *Matrix) error {
	return writeFile(path, func(w io.Writer) error { return WriteMatrix(w, m) })
}

// SaveLabels writes clusters to path, creating parent directories.
func SaveLabels(path string, clusters []domain.Cluster) error {
	return writeFile(path, func(w io.Writer) error { return WriteLabels(w, clusters) })
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
