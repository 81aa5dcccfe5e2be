package engine

import (
	"sort"

	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/metrics"
	"meanrev/internal/store"
)

// SkipEntry is one ticker, pair or trade left out of a run.
type SkipEntry struct {
	Subject string            `json:"subject"`
	Reason  domain.SkipReason `json:"reason"`
	Count   int               `json:"count"`
	Detail  string            `json:"detail,omitempty"`
}

// SkipReport tallies what a run left out and why. It is filled from the
// ordered collection phases of a run and is not safe for concurrent use.
type SkipReport struct {
	Counts  map[domain.SkipReason]int `json:"counts"`
	Entries []SkipEntry               `json:"entries"`
}

// NewSkipReport returns an empty report.
func NewSkipReport() *SkipReport {
	return &SkipReport{Counts: make(map[domain.SkipReason]int)}
}

// Add records one skip of subject.
func (r *SkipReport) Add(subject string, reason domain.SkipReason, detail string) {
	r.AddN(subject, reason, 1, detail)
}

// AddN records n skips of subject under one entry, e.g. the degenerate
// windows of a pair.
func (r *SkipReport) AddN(subject string, reason domain.SkipReason, n int, detail string) {
	if n <= 0 {
		return
	}
	r.Counts[reason] += n
	r.Entries = append(r.Entries, SkipEntry{Subject: subject, Reason: reason, Count: n, Detail: detail})
	metrics.SkipsTotal.WithLabelValues(string(reason)).Add(float64(n))
}

// Count returns the tally for reason.
func (r *SkipReport) Count(reason domain.SkipReason) int { return r.Counts[reason] }

// Total returns the tally across all reasons.
func (r *SkipReport) Total() int {
	var n int
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Log writes one summary line per reason.
func (r *SkipReport) Log(logger *zap.Logger) {
	reasons := make([]string, 0, len(r.Counts))
	for reason := range r.Counts {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		logger.Info("skip summary",
			zap.String("reason", reason),
			zap.Int("count", r.Counts[domain.SkipReason(reason)]))
	}
}

// Records converts the entries for the run store.
func (r *SkipReport) Records() []store.SkipRecord {
	out := make([]store.SkipRecord, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, store.SkipRecord{Subject: e.Subject, Reason: e.Reason, Detail: e.Detail})
	}
	return out
}
