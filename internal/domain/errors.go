package domain

import "errors"

// Error taxonomy. Callers classify failures with errors.Is.
var (
	// ErrDataUnavailable means a ticker has no price history.
	ErrDataUnavailable = errors.New("price data unavailable")

	// ErrUpstreamFetch means the price source failed (network, service or
	// an open circuit breaker).
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrAlignment means a trade's entry or exit date is missing from one
	// leg's price series.
	ErrAlignment = errors.New("trade dates not aligned with price series")

	// ErrDegenerateWindow means an estimation window's spread had zero
	// variance and its z-score is undefined.
	ErrDegenerateWindow = errors.New("degenerate estimation window")

	// ErrConfiguration means the run parameters are invalid.
	ErrConfiguration = errors.New("invalid configuration")
)

// SkipReason classifies why a ticker, pair or trade was left out of a run.
type SkipReason string

const (
	SkipDataUnavailable     SkipReason = "data_unavailable"
	SkipUpstreamFetch       SkipReason = "upstream_fetch"
	SkipInsufficientHistory SkipReason = "insufficient_history"
	SkipAlignment           SkipReason = "alignment"
	SkipDegenerateWindow    SkipReason = "degenerate_window"
	SkipOpenAtEnd           SkipReason = "open_at_end"
)

// SkipReasonOf maps an error from the taxonomy to its skip reason.
// Unclassified errors count as upstream fetch failures.
func SkipReasonOf(err error) SkipReason {
	switch {
	case errors.Is(err, ErrDataUnavailable):
		return SkipDataUnavailable
	case errors.Is(err, ErrAlignment):
		return SkipAlignment
	case errors.Is(err, ErrDegenerateWindow):
		return SkipDegenerateWindow
	default:
		return SkipUpstreamFetch
	}
}
