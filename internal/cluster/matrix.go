// Package cluster groups tickers into candidate pools: it computes the
// correlation matrix of their price histories, clusters them hierarchically
// and selects the highly correlated pairs inside each cluster.
package cluster

import (
	"context"
	"fmt"
	"math"

	"meanrev/internal/domain"
)

// Matrix is a square, labeled correlation matrix. Missing values are NaN.
type Matrix struct {
	tickers []string
	index   map[string]int
	values  [][]float64
}

// NewMatrix builds a matrix from row-major values labeled by tickers.
func NewMatrix(tickers []string, values [][]float64) (*Matrix, error) {
	if len(values) != len(tickers) {
		return nil, fmt.Errorf("matrix has %d rows for %d tickers", len(values), len(tickers))
	}
	index := make(map[string]int, len(tickers))
	for i, t := range tickers {
		if _, dup := index[t]; dup {
			return nil, fmt.Errorf("duplicate ticker %q", t)
		}
		if len(values[i]) != len(tickers) {
			return nil, fmt.Errorf("row %q has %d values, want %d", t, len(values[i]), len(tickers))
		}
		index[t] = i
	}
	return &Matrix{tickers: tickers, index: index, values: values}, nil
}

// Tickers returns the labels in matrix order.
func (m *Matrix) Tickers() []string { return m.tickers }

// Len returns the dimension.
func (m *Matrix) Len() int { return len(m.tickers) }

// Has reports whether ticker labels a row.
func (m *Matrix) Has(ticker string) bool {
	_, ok := m.index[ticker]
	return ok
}

// Get returns the correlation of a and b. ok is false when either ticker
// is unknown; the value may still be NaN.
func (m *Matrix) Get(a, b string) (v float64, ok bool) {
	i, okA := m.index[a]
	j, okB := m.index[b]
	if !okA || !okB {
		return math.NaN(), false
	}
	return m.values[i][j], true
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.values[i][j] }

// Complete returns a NaN-free sub-matrix, preserving order. Tickers are
// removed one at a time, always the one with the most NaN cells in its row
// and column (the earliest on ties), until none remain.
func (m *Matrix) Complete() *Matrix {
	alive := make([]bool, len(m.tickers))
	for i := range alive {
		alive[i] = true
	}
	for {
		worst, worstCount := -1, 0
		for i := range m.tickers {
			if !alive[i] {
				continue
			}
			count := 0
			for j := range m.tickers {
				if !alive[j] {
					continue
				}
				if math.IsNaN(m.values[i][j]) || math.IsNaN(m.values[j][i]) {
					count++
				}
			}
			if count > worstCount {
				worst, worstCount = i, count
			}
		}
		if worst < 0 {
			break
		}
		alive[worst] = false
	}

	var keep []int
	for i, ok := range alive {
		if ok {
			keep = append(keep, i)
		}
	}
	return m.subset(keep)
}

func (m *Matrix) subset(keep []int) *Matrix {
	tickers := make([]string, len(keep))
	values := make([][]float64, len(keep))
	for a, i := range keep {
		tickers[a] = m.tickers[i]
		values[a] = make([]float64, len(keep))
		for b, j := range keep {
			values[a][b] = m.values[i][j]
		}
	}
	out, _ := NewMatrix(tickers, values)
	return out
}

// MembershipSource supplies the ordered cluster membership.
type MembershipSource interface {
	Clusters(ctx context.Context) ([]domain.Cluster, error)
}

// CorrelationSource supplies the correlation matrix.
type CorrelationSource interface {
	Correlation(ctx context.Context) (*Matrix, error)
}

// Correlation implements CorrelationSource for an in-memory matrix.
func (m *Matrix) Correlation(_ context.Context) (*Matrix, error) { return m, nil }

// Membership is an in-memory MembershipSource.
type Membership []domain.Cluster

// Clusters implements MembershipSource.
func (m Membership) Clusters(_ context.Context) ([]domain.Cluster, error) { return m, nil }
