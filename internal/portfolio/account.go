// Package portfolio tracks the account state of the single-symbol agent:
// balance, high-water mark, the daily loss breaker and the entry cooldown.
package portfolio

import (
	"log/slog"
	"time"

	"futures-agent/internal/session"
)

// State is a read-only copy of the account.
type State struct {
	Balance         float64 `json:"balance"`
	PeakBalance     float64 `json:"peak_balance"`
	DayStartBalance float64 `json:"day_start_balance"`
	Day             string  `json:"day"`
	Cooldown        int     `json:"cooldown_bars_remaining"`
	Halted          bool    `json:"halted"`
	DrawdownPct     float64 `json:"drawdown_pct"`
}

// Account is owned by the lifecycle manager, which serializes access.
// Balance changes only through Charge and Realize.
type Account struct {
	balance  float64
	peak     float64
	dayStart float64
	day      string

	cooldown       int
	dailyLossLimit float64
	haltedDay      string

	loc *time.Location
	log *slog.Logger
}

// NewAccount creates an account with the given starting balance. The daily
// loss limit is a fraction of the day-start balance; zero disables it.
func NewAccount(initial, dailyLossLimit float64, loc *time.Location, log *slog.Logger) *Account {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Account{
		balance:        initial,
		peak:           initial,
		dayStart:       initial,
		dailyLossLimit: dailyLossLimit,
		loc:            loc,
		log:            log.With(slog.String("component", "account")),
	}
}

func (a *Account) Balance() float64 { return a.balance }
func (a *Account) Cooldown() int    { return a.cooldown }

// Charge deducts a fee.
func (a *Account) Charge(fee float64) {
	a.balance -= fee
}

// Realize books realized PnL (already net of any exit fee).
func (a *Account) Realize(pnl float64) {
	a.balance += pnl
}

// Rollover captures the day-start balance when t falls on a new calendar day
// in the reporting zone. It reports whether a new day began.
func (a *Account) Rollover(t time.Time) bool {
	day := session.DayKey(t, a.loc)
	if day == a.day {
		return false
	}
	prev := a.day
	a.day = day
	a.dayStart = a.balance
	if prev != "" {
		a.log.Info("new trading day",
			slog.String("day", day),
			slog.Float64("day_start_balance", a.dayStart))
	}
	return true
}

// Halted reports whether entries are blocked for the current day. The first
// time the breaker trips on a given day tripped is true.
func (a *Account) Halted() (halted, tripped bool) {
	if a.haltedDay != "" && a.haltedDay == a.day {
		return true, false
	}
	if a.dailyLossLimit <= 0 || a.dayStart <= 0 {
		return false, false
	}
	if (a.dayStart-a.balance)/a.dayStart > a.dailyLossLimit {
		a.haltedDay = a.day
		a.log.Warn("daily loss limit reached, entries halted",
			slog.String("day", a.day),
			slog.Float64("day_start_balance", a.dayStart),
			slog.Float64("balance", a.balance))
		return true, true
	}
	return false, false
}

// StartCooldown blocks entries for the given number of bars.
func (a *Account) StartCooldown(bars int) {
	if bars > a.cooldown {
		a.cooldown = bars
	}
}

// EndBar decrements the cooldown (floor 0) and refreshes the high-water mark.
func (a *Account) EndBar() {
	if a.cooldown > 0 {
		a.cooldown--
	}
	a.RefreshPeak()
}

// RefreshPeak raises the high-water mark to the current balance.
func (a *Account) RefreshPeak() {
	if a.balance > a.peak {
		a.peak = a.balance
	}
}

// State returns a copy of the account.
func (a *Account) State() State {
	dd := 0.0
	if a.peak > 0 {
		dd = (a.peak - a.balance) / a.peak * 100
	}
	return State{
		Balance:         a.balance,
		PeakBalance:     a.peak,
		DayStartBalance: a.dayStart,
		Day:             a.day,
		Cooldown:        a.cooldown,
		Halted:          a.haltedDay != "" && a.haltedDay == a.day,
		DrawdownPct:     dd,
	}
}
