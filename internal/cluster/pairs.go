package cluster

import (
	"math"

	"meanrev/internal/domain"
)

// SelectPairs returns every unordered pair (i < j) of tickers within each
// cluster whose correlation is at least limit. Clusters are visited in
// order, pairs in index order. Pairs with a ticker missing from the matrix
// or a NaN correlation are left out.
func SelectPairs(clusters []domain.Cluster, corr *Matrix, limit float64) []domain.CandidatePair {
	var out []domain.CandidatePair
	for _, c := range clusters {
		for i := 0; i < len(c.Tickers); i++ {
			for j := i + 1; j < len(c.Tickers); j++ {
				a, b := c.Tickers[i], c.Tickers[j]
				v, ok := corr.Get(a, b)
				if !ok || math.IsNaN(v) || v < limit {
					continue
				}
				out = append(out, domain.CandidatePair{
					ClusterID:   c.ID,
					TickerA:     a,
					TickerB:     b,
					Correlation: v,
				})
			}
		}
	}
	return out
}
