package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	defer srv.Close()

	TradesTotal.WithLabelValues("short").Inc()
	ObserveFetch("store", time.Now(), errors.New("boom"))

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"meanrev_trades_total", "meanrev_fetch_duration_seconds"} {
		if !found[name] {
			t.Errorf("%s metric not found", name)
		}
	}
}

func TestSkipsCounter(t *testing.T) {
	before := testutil.ToFloat64(SkipsTotal.WithLabelValues("alignment"))
	SkipsTotal.WithLabelValues("alignment").Add(2)
	if got := testutil.ToFloat64(SkipsTotal.WithLabelValues("alignment")); got != before+2 {
		t.Errorf("skips{alignment} = %v, want %v", got, before+2)
	}
}
