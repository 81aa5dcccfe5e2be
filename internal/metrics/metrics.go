// Package metrics exposes Prometheus collectors for pair evaluation, trades,
// skips and price fetches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PairsEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "meanrev_pairs_evaluated_total", Help: "Candidate pairs run through the signal machine"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "meanrev_trades_total", Help: "Closed trades emitted"},
		[]string{"direction"},
	)
	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "meanrev_skips_total", Help: "Pairs, tickers or trades skipped"},
		[]string{"reason"},
	)
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meanrev_fetch_duration_seconds",
			Help:    "Price series fetch latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "result"},
	)
)

func init() {
	prometheus.MustRegister(PairsEvaluated, TradesTotal, SkipsTotal, FetchDuration)
}

// ObserveFetch records one fetch for provider that started at begin.
func ObserveFetch(provider string, begin time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	FetchDuration.WithLabelValues(provider, result).Observe(time.Since(begin).Seconds())
}

// Serve starts a /metrics listener on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
