package cluster

import (
	"fmt"
	"math"
	"strconv"

	"meanrev/internal/domain"
)

// Agglomerate clusters the tickers of corr into at most n groups by
// complete-linkage agglomerative clustering on the distance 1 − corr.
// Tickers with any NaN correlation are dropped first. Clusters are labeled
// "0", "1", … in order of their first ticker in matrix order, and list
// their tickers in matrix order.
func Agglomerate(corr *Matrix, n int) ([]domain.Cluster, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: n_clusters must be >= 1", domain.ErrConfiguration)
	}
	m := corr.Complete()
	size := m.Len()
	if size == 0 {
		return nil, nil
	}

	// members[c] lists the matrix indices in active cluster c.
	members := make([][]int, size)
	dist := make([][]float64, size)
	for i := 0; i < size; i++ {
		members[i] = []int{i}
		dist[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			dist[i][j] = 1 - m.At(i, j)
		}
	}
	active := make([]bool, size)
	for i := range active {
		active[i] = true
	}

	for clusters := size; clusters > n; clusters-- {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < size; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < size; j++ {
				if active[j] && dist[i][j] < best {
					best, bi, bj = dist[i][j], i, j
				}
			}
		}

		// Merge bj into bi; complete linkage keeps the farthest distance.
		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		active[bj] = false
		for k := 0; k < size; k++ {
			if !active[k] || k == bi {
				continue
			}
			d := math.Max(dist[bi][k], dist[bj][k])
			dist[bi][k], dist[k][bi] = d, d
		}
	}

	label := make([]int, size)
	for c, ms := range members {
		for _, i := range ms {
			label[i] = c
		}
	}

	// Renumber by first appearance in matrix order.
	var out []domain.Cluster
	pos := make(map[int]int)
	tickers := m.Tickers()
	for i := 0; i < size; i++ {
		k, ok := pos[label[i]]
		if !ok {
			k = len(out)
			pos[label[i]] = k
			out = append(out, domain.Cluster{ID: strconv.Itoa(k)})
		}
		out[k].Tickers = append(out[k].Tickers, tickers[i])
	}
	return out, nil
}
