// Package gather loads daily bars into the bar store: bulk CSV imports and
// incremental updates from the Alpaca market data API.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Stats counts what a gathering pass did.
type Stats struct {
	Symbols  int
	Skipped  int
	Failed   int
	Bars     int
	Duration time.Duration
}
