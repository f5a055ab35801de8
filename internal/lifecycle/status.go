package lifecycle

import (
	"time"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
	"futures-agent/internal/portfolio"
)

// State is the lifecycle state of the position slot.
type State string

const (
	StateFlat     State = "FLAT"
	StateOpen     State = "OPEN"
	StatePartial  State = "PARTIAL"
	StateClosed   State = "CLOSED"
	StateCooldown State = "COOLDOWN"
)

// PositionSummary is the open position with its mark-to-last-close PnL.
type PositionSummary struct {
	model.Position
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Status is a read-only snapshot for the status endpoint and reports.
type Status struct {
	Symbol           string           `json:"symbol"`
	Policy           string           `json:"policy"`
	State            State            `json:"state"`
	Account          portfolio.State  `json:"account"`
	Position         *PositionSummary `json:"position"`
	LastProcessedBar time.Time        `json:"last_processed_bar"`
	ATR              indicator.Value  `json:"atr"`
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Symbol:           m.params.Symbol,
		Policy:           m.policy.Name(),
		State:            m.state(),
		Account:          m.account.State(),
		LastProcessedBar: m.lastBar,
		ATR:              m.lastATR,
	}
	if m.pos != nil {
		st.Position = &PositionSummary{
			Position:      m.pos.Clone(),
			MarkPrice:     m.lastClose,
			UnrealizedPnL: m.pos.UnrealizedPnL(m.lastClose),
		}
	}
	return st
}

func (m *Manager) state() State {
	switch {
	case m.pos != nil && m.pos.PartialExitTaken:
		return StatePartial
	case m.pos != nil:
		return StateOpen
	case m.closedOnBar:
		return StateClosed
	case m.account.Cooldown() > 0:
		return StateCooldown
	default:
		return StateFlat
	}
}
