package lifecycle

import (
	"time"

	"futures-agent/internal/model"
)

// EventKind classifies a lifecycle transition.
type EventKind string

const (
	EventOpened        EventKind = "OPENED"
	EventPartialExit   EventKind = "PARTIAL_EXIT"
	EventClosed        EventKind = "CLOSED"
	EventExternalOpen  EventKind = "EXTERNAL_OPEN"
	EventExternalClose EventKind = "EXTERNAL_CLOSE"
	EventRejected      EventKind = "REJECTED"
	EventOrderFailed   EventKind = "ORDER_FAILED"
	EventHalted        EventKind = "DAILY_HALT"
)

// Event describes one committed state transition. Events are returned to
// the caller after the state change so delivery failures cannot undo it.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Time       time.Time       `json:"time"`
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction,omitempty"`
	Price      float64         `json:"price,omitempty"`
	Quantity   float64         `json:"quantity,omitempty"`
	StopLoss   float64         `json:"stop_loss,omitempty"`
	TakeProfit float64         `json:"take_profit,omitempty"`
	PnL        float64         `json:"pnl,omitempty"`
	Balance    float64         `json:"balance"`
	Reason     string          `json:"reason,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// Count returns how many events of kind k are in evs.
func Count(evs []Event, k EventKind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}
