package signal

import "meanrev/internal/domain"

// Machine converts one pair's chronological z-score stream into closed
// trades, holding at most one position at a time.
type Machine struct {
	tickerA string
	tickerB string
	zEntry  float64
	zExit   float64
	pos     Position
}

// NewMachine returns a flat machine for the pair.
func NewMachine(tickerA, tickerB string, zEntry, zExit float64) *Machine {
	return &Machine{
		tickerA: tickerA,
		tickerB: tickerB,
		zEntry:  zEntry,
		zExit:   zExit,
		pos:     Flat{},
	}
}

// Position returns the current state.
func (m *Machine) Position() Position { return m.pos }

// Step advances the machine by one observation. It returns the trade closed
// by this observation, if any. Undefined observations leave the state
// untouched.
func (m *Machine) Step(obs domain.SpreadObservation) (domain.Trade, bool) {
	if !obs.Defined {
		return domain.Trade{}, false
	}

	switch p := m.pos.(type) {
	case Flat:
		switch {
		case obs.ZScore > m.zEntry:
			m.pos = Open{Direction: domain.DirectionShort, EntryDate: obs.Date, EntrySpread: obs.Spread}
		case obs.ZScore < -m.zEntry:
			m.pos = Open{Direction: domain.DirectionLong, EntryDate: obs.Date, EntrySpread: obs.Spread}
		}
		return domain.Trade{}, false

	case Open:
		if !obs.Date.After(p.EntryDate) {
			return domain.Trade{}, false
		}
		if obs.ZScore <= -m.zExit || obs.ZScore >= m.zExit {
			return domain.Trade{}, false
		}
		m.pos = Flat{}
		return domain.Trade{
			TickerA:     m.tickerA,
			TickerB:     m.tickerB,
			Direction:   p.Direction,
			EntryDate:   p.EntryDate,
			ExitDate:    obs.Date,
			EntrySpread: p.EntrySpread,
			ExitSpread:  obs.Spread,
			SpreadPnL:   domain.SpreadPnL(p.Direction, p.EntrySpread, obs.Spread),
		}, true
	}
	return domain.Trade{}, false
}
