package signal

import (
	"time"

	"meanrev/internal/domain"
)

// Position is the per-pair holding state: either Flat or Open.
type Position interface {
	isPosition()
}

// Flat means no position is held.
type Flat struct{}

// Open is a live spread position awaiting an exit signal.
type Open struct {
	Direction   domain.Direction
	EntryDate   time.Time
	EntrySpread float64
}

func (Flat) isPosition() {}
func (Open) isPosition() {}
