package cluster

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meanrev/internal/domain"
	"meanrev/internal/prices/pricetest"
)

func mustMatrix(t *testing.T, tickers []string, values [][]float64) *Matrix {
	t.Helper()
	m, err := NewMatrix(tickers, values)
	require.NoError(t, err)
	return m
}

func TestNewMatrixValidates(t *testing.T) {
	_, err := NewMatrix([]string{"A", "B"}, [][]float64{{1, 0}})
	assert.Error(t, err)
	_, err = NewMatrix([]string{"A", "A"}, [][]float64{{1, 0}, {0, 1}})
	assert.Error(t, err)
	_, err = NewMatrix([]string{"A", "B"}, [][]float64{{1, 0}, {0}})
	assert.Error(t, err)
}

func TestMatrixGetAndComplete(t *testing.T) {
	nan := math.NaN()
	m := mustMatrix(t, []string{"A", "B", "C"}, [][]float64{
		{1, 0.5, nan},
		{0.5, 1, 0.2},
		{nan, 0.2, 1},
	})
	v, ok := m.Get("A", "B")
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
	_, ok = m.Get("A", "Z")
	assert.False(t, ok)

	c := m.Complete()
	assert.Equal(t, []string{"B", "C"}, c.Tickers())
}

func TestComputeCorrelationPrices(t *testing.T) {
	a := make([]float64, 10)
	b := make([]float64, 10)
	c := make([]float64, 10)
	flat := make([]float64, 10)
	for i := range a {
		a[i] = float64(i + 1)
		b[i] = 2 * a[i]
		c[i] = 20 - a[i]
		flat[i] = 7
	}
	sparse := pricetest.Series("SPARSE", []float64{1, 2, 3, 4, 5})

	m, err := ComputeCorrelation([]domain.PriceSeries{
		pricetest.Series("A", a),
		pricetest.Series("B", b),
		pricetest.Series("C", c),
		pricetest.Series("FLAT", flat),
		sparse,
	}, CorrelationOptions{MinCoverage: 0.9})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "FLAT"}, m.Tickers())
	v, _ := m.Get("A", "B")
	assert.InDelta(t, 1, v, 1e-12)
	v, _ = m.Get("A", "C")
	assert.InDelta(t, -1, v, 1e-12)
	v, _ = m.Get("FLAT", "A")
	assert.True(t, math.IsNaN(v))
	v, _ = m.Get("FLAT", "FLAT")
	assert.True(t, math.IsNaN(v))
}

func TestComputeCorrelationDropsIncompleteDates(t *testing.T) {
	a := domain.NewPriceSeries("A", []domain.PricePoint{
		{Date: pricetest.Day(0), Close: 1},
		{Date: pricetest.Day(1), Close: 2},
		{Date: pricetest.Day(2), Close: 100},
		{Date: pricetest.Day(3), Close: 4},
	})
	// B misses day 2, where A carries an outlier.
	b := domain.NewPriceSeries("B", []domain.PricePoint{
		{Date: pricetest.Day(0), Close: 1},
		{Date: pricetest.Day(1), Close: 2},
		{Date: pricetest.Day(3), Close: 4},
	})
	m, err := ComputeCorrelation([]domain.PriceSeries{a, b}, CorrelationOptions{MinCoverage: 0.5})
	require.NoError(t, err)
	v, _ := m.Get("A", "B")
	assert.InDelta(t, 1, v, 1e-12)
}

func TestComputeCorrelationSkipsNaNCloses(t *testing.T) {
	a := pricetest.Series("A", []float64{1, 2, math.NaN(), 4, 5})
	b := pricetest.Series("B", []float64{2, 4, 7, 8, 10})
	m, err := ComputeCorrelation([]domain.PriceSeries{a, b}, CorrelationOptions{MinCoverage: 0.5})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, m.Tickers())
	v, _ := m.Get("A", "B")
	assert.InDelta(t, 1, v, 1e-12)
}

func TestComputeCorrelationLogReturns(t *testing.T) {
	a := []float64{10, 11, 10.5, 12, 11.8, 13}
	b := make([]float64, len(a))
	for i := range a {
		b[i] = 3 * a[i]
	}
	m, err := ComputeCorrelation([]domain.PriceSeries{
		pricetest.Series("A", a),
		pricetest.Series("B", b),
	}, CorrelationOptions{Input: InputLogReturn, MinCoverage: 0.9})
	require.NoError(t, err)
	v, _ := m.Get("A", "B")
	assert.InDelta(t, 1, v, 1e-9)

	_, err = ComputeCorrelation(nil, CorrelationOptions{Input: "volume"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestAgglomerateCompleteLinkage(t *testing.T) {
	// Single linkage would chain C onto {A,B} through B.
	m := mustMatrix(t, []string{"A", "C", "B", "D"}, [][]float64{
		{1, 0, 0.9, 0},
		{0, 1, 0.88, 0.85},
		{0.9, 0.88, 1, 0},
		{0, 0.85, 0, 1},
	})
	got, err := Agglomerate(m, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.Cluster{
		{ID: "0", Tickers: []string{"A", "B"}},
		{ID: "1", Tickers: []string{"C", "D"}},
	}, got)
}

func TestAgglomerateEdges(t *testing.T) {
	nan := math.NaN()
	m := mustMatrix(t, []string{"A", "B", "X"}, [][]float64{
		{1, 0.2, nan},
		{0.2, 1, nan},
		{nan, nan, nan},
	})

	got, err := Agglomerate(m, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.Cluster{
		{ID: "0", Tickers: []string{"A"}},
		{ID: "1", Tickers: []string{"B"}},
	}, got)

	got, err = Agglomerate(m, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.Cluster{{ID: "0", Tickers: []string{"A", "B"}}}, got)

	_, err = Agglomerate(m, 0)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	empty := mustMatrix(t, nil, nil)
	got, err = Agglomerate(empty, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelectPairs(t *testing.T) {
	nan := math.NaN()
	m := mustMatrix(t, []string{"A", "B", "C", "D"}, [][]float64{
		{1, 0.99, 0.995, 0.5},
		{0.99, 1, nan, 0.999},
		{0.995, nan, 1, 0.3},
		{0.5, 0.999, 0.3, 1},
	})
	clusters := []domain.Cluster{
		{ID: "7", Tickers: []string{"C", "A", "B", "MISSING"}},
		{ID: "2", Tickers: []string{"D", "B"}},
	}
	got := SelectPairs(clusters, m, 0.99)
	assert.Equal(t, []domain.CandidatePair{
		{ClusterID: "7", TickerA: "C", TickerB: "A", Correlation: 0.995},
		{ClusterID: "7", TickerA: "A", TickerB: "B", Correlation: 0.99},
		{ClusterID: "2", TickerA: "D", TickerB: "B", Correlation: 0.999},
	}, got)

	assert.Empty(t, SelectPairs(clusters, m, 1))
}

func TestMatrixRoundTrip(t *testing.T) {
	nan := math.NaN()
	m := mustMatrix(t, []string{"KO", "PEP"}, [][]float64{{1, nan}, {nan, 1}})
	var buf bytes.Buffer
	require.NoError(t, WriteMatrix(&buf, m))
	assert.Equal(t, ",KO,PEP\nKO,1,\nPEP,,1\n", buf.String())

	back, err := ReadMatrix(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Tickers(), back.Tickers())
	v, _ := back.Get("KO", "KO")
	assert.Equal(t, 1.0, v)
	v, _ = back.Get("KO", "PEP")
	assert.True(t, math.IsNaN(v))
}

func TestReadMatrixRowOrderAndErrors(t *testing.T) {
	m, err := ReadMatrix(strings.NewReader(",A,B\nB,0.3,1\nA,1,0.3\n"))
	require.NoError(t, err)
	v, _ := m.Get("A", "B")
	assert.Equal(t, 0.3, v)
	assert.Equal(t, 1.0, m.At(0, 0))

	for name, in := range map[string]string{
		"unknown row": ",A\nZ,1\n",
		"missing row": ",A,B\nA,1,0\n",
		"bad value":   ",A\nA,x\n",
		"short row":   ",A,B\nA,1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMatrix(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	in := "ticker,cluster\nKO,3\nXOM,1\nPEP,3\nCVX,1\nMSFT,0\n"
	got, err := ReadLabels(strings.NewReader(in))
	require.NoError(t, err)
	want := []domain.Cluster{
		{ID: "3", Tickers: []string{"KO", "PEP"}},
		{ID: "1", Tickers: []string{"XOM", "CVX"}},
		{ID: "0", Tickers: []string{"MSFT"}},
	}
	assert.Equal(t, want, got)

	var buf bytes.Buffer
	require.NoError(t, WriteLabels(&buf, want))
	assert.Equal(t, "ticker,cluster\nKO,3\nPEP,3\nXOM,1\nCVX,1\nMSFT,0\n", buf.String())

	_, err = ReadLabels(strings.NewReader("symbol,group\nKO,1\n"))
	assert.Error(t, err)
}

func TestFileSources(t *testing.T) {
	dir := t.TempDir()
	clusters := []domain.Cluster{{ID: "0", Tickers: []string{"A", "B"}}}
	m := mustMatrix(t, []string{"A", "B"}, [][]float64{{1, 0.995}, {0.995, 1}})

	labelsPath := filepath.Join(dir, "out", "clusters.csv")
	matrixPath := filepath.Join(dir, "out", "corr.csv")
	require.NoError(t, SaveLabels(labelsPath, clusters))
	require.NoError(t, SaveMatrix(matrixPath, m))

	var (
		ms MembershipSource  = LabelsFile(labelsPath)
		cs CorrelationSource = MatrixFile(matrixPath)
	)
	gotClusters, err := ms.Clusters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clusters, gotClusters)

	gotMatrix, err := cs.Correlation(context.Background())
	require.NoError(t, err)
	v, ok := gotMatrix.Get("B", "A")
	assert.True(t, ok)
	assert.Equal(t, 0.995, v)

	_, err = LabelsFile(filepath.Join(dir, "nope.csv")).Clusters(context.Background())
	assert.Error(t, err)
}
