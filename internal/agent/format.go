package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"futures-agent/internal/lifecycle"
	"futures-agent/internal/notification"
	"futures-agent/internal/session"
)

const timeLayout = "2006-01-02 15:04"

// alertFor renders one lifecycle event as an operator alert.
func alertFor(ev lifecycle.Event, loc *time.Location) notification.Alert {
	var b strings.Builder
	at := ev.Time.In(loc).Format(timeLayout)

	switch ev.Kind {
	case lifecycle.EventOpened:
		fmt.Fprintf(&b, "%s %s opened at %s\n", ev.Symbol, ev.Direction, at)
		fmt.Fprintf(&b, "Entry: %.4f  Qty: %g\n", ev.Price, ev.Quantity)
		fmt.Fprintf(&b, "SL: %s  TP: %s\n", level(ev.StopLoss), level(ev.TakeProfit))
		fmt.Fprintf(&b, "Balance: %.2f\nReason: %s", ev.Balance, ev.Reason)
		return notification.Alert{Level: notification.AlertInfo, Title: "POSITION OPENED", Message: b.String()}

	case lifecycle.EventPartialExit:
		fmt.Fprintf(&b, "%s %s partial exit at %s\n", ev.Symbol, ev.Direction, at)
		fmt.Fprintf(&b, "Price: %.4f  Qty: %g  PnL: %+.2f\n", ev.Price, ev.Quantity, ev.PnL)
		fmt.Fprintf(&b, "Stop moved to %s\nBalance: %.2f", level(ev.StopLoss), ev.Balance)
		return notification.Alert{Level: notification.AlertInfo, Title: "PARTIAL TAKE PROFIT", Message: b.String()}

	case lifecycle.EventClosed:
		fmt.Fprintf(&b, "%s %s closed at %s (%s)\n", ev.Symbol, ev.Direction, at, ev.Reason)
		fmt.Fprintf(&b, "Exit: %.4f  Qty: %g  PnL: %+.2f\n", ev.Price, ev.Quantity, ev.PnL)
		fmt.Fprintf(&b, "Balance: %.2f", ev.Balance)
		return notification.Alert{Level: notification.AlertInfo, Title: "POSITION CLOSED", Message: b.String()}

	case lifecycle.EventExternalOpen:
		fmt.Fprintf(&b, "%s %s %g @ %.4f found on the exchange at %s\n", ev.Symbol, ev.Direction, ev.Quantity, ev.Price, at)
		fmt.Fprintf(&b, "Now managed with SL %s  TP %s", level(ev.StopLoss), level(ev.TakeProfit))
		return notification.Alert{Level: notification.AlertWarning, Title: "EXTERNAL POSITION ADOPTED", Message: b.String()}

	case lifecycle.EventExternalClose:
		fmt.Fprintf(&b, "%s %s closed outside the agent at %s\n", ev.Symbol, ev.Direction, at)
		fmt.Fprintf(&b, "Realized PnL: %+.2f\nBalance: %.2f", ev.PnL, ev.Balance)
		return notification.Alert{Level: notification.AlertWarning, Title: "EXTERNAL CLOSE", Message: b.String()}

	case lifecycle.EventRejected:
		fmt.Fprintf(&b, "%s %s signal at %.4f skipped: %s", ev.Symbol, ev.Direction, ev.Price, ev.Reason)
		return notification.Alert{Level: notification.AlertInfo, Title: "SIGNAL REJECTED", Message: b.String()}

	case lifecycle.EventOrderFailed:
		fmt.Fprintf(&b, "%s %s order failed at %s\n%s", ev.Symbol, ev.Reason, at, ev.Err)
		return notification.Alert{Level: notification.AlertCritical, Title: "ORDER FAILED", Message: b.String()}

	case lifecycle.EventHalted:
		fmt.Fprintf(&b, "%s entries paused for the rest of the day\n", ev.Symbol)
		fmt.Fprintf(&b, "Day PnL: %+.2f  Balance: %.2f", ev.PnL, ev.Balance)
		return notification.Alert{Level: notification.AlertWarning, Title: "DAILY LOSS LIMIT", Message: b.String()}
	}

	return notification.Alert{
		Level:   notification.AlertInfo,
		Title:   string(ev.Kind),
		Message: fmt.Sprintf("%s %s", ev.Symbol, ev.Reason),
	}
}

func level(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}

// report renders the status digest. Today's trade statistics are included
// when a journal is configured.
func (a *Agent) report(ctx context.Context, st lifecycle.Status, now time.Time) string {
	loc := a.cfg.Location
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s | %s\n", st.Symbol, st.Policy, st.State)
	fmt.Fprintf(&b, "Time: %s (%s)\n", now.In(loc).Format(timeLayout), loc)

	acc := st.Account
	fmt.Fprintf(&b, "Balance: %.2f %s (peak %.2f, drawdown %.2f%%)\n",
		acc.Balance, a.cfg.QuoteAsset, acc.PeakBalance, acc.DrawdownPct)
	if acc.Day != "" {
		fmt.Fprintf(&b, "Day %s: start %.2f, PnL %+.2f\n", acc.Day, acc.DayStartBalance, acc.Balance-acc.DayStartBalance)
	}
	if acc.Halted {
		b.WriteString("Entries halted by the daily loss limit\n")
	}
	if acc.Cooldown > 0 {
		fmt.Fprintf(&b, "Cooldown: %d bars\n", acc.Cooldown)
	}

	if p := st.Position; p != nil {
		fmt.Fprintf(&b, "Position: %s %g @ %.4f", p.Direction, p.Quantity, p.EntryPrice)
		if p.External {
			b.WriteString(" (adopted)")
		}
		b.WriteByte('\n')
		fmt.Fprintf(&b, "SL %s  TP1 %s  TP2 %s  Trail %s\n",
			level(p.StopLoss), level(p.TakeProfit1), level(p.TakeProfit2), level(p.TrailingStop))
		fmt.Fprintf(&b, "Mark %.4f  uPnL %+.2f  held %d bars\n", p.MarkPrice, p.UnrealizedPnL, p.BarsHeld)
	} else {
		b.WriteString("Position: none\n")
	}

	if atr, ok := st.ATR.Get(); ok {
		fmt.Fprintf(&b, "ATR: %.4f\n", atr)
	}
	if !st.LastProcessedBar.IsZero() {
		fmt.Fprintf(&b, "Last bar: %s\n", st.LastProcessedBar.In(loc).Format(timeLayout))
	}

	if a.sinks.Journal != nil {
		stats, err := a.sinks.Journal.Stats(ctx, session.StartOfDay(now, loc))
		if err != nil {
			a.log.Warn("journal stats unavailable", slog.String("error", err.Error()))
		} else {
			fmt.Fprintf(&b, "Today: %d trades, %d wins (%.0f%%), PnL %+.2f\n",
				stats.Trades, stats.Wins, stats.WinRate()*100, stats.PnL)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

const recentTrades = 10

// trades renders up to n realized exits, newest first.
func (a *Agent) trades(ctx context.Context, n int) string {
	if a.sinks.Journal == nil {
		return "No journal configured"
	}
	evs, err := a.sinks.Journal.Recent(ctx, 5*n)
	if err != nil {
		a.log.Warn("journal read failed", slog.String("error", err.Error()))
		return "Journal unavailable"
	}

	var b strings.Builder
	rows := 0
	for _, ev := range evs {
		switch ev.Kind {
		case lifecycle.EventClosed, lifecycle.EventPartialExit, lifecycle.EventExternalClose:
		default:
			continue
		}
		fmt.Fprintf(&b, "%s %s %s %g @ %.4f  PnL %+.2f\n",
			ev.Time.In(a.cfg.Location).Format(timeLayout), ev.Direction, ev.Kind, ev.Quantity, ev.Price, ev.PnL)
		rows++
		if rows == n {
			break
		}
	}
	if rows == 0 {
		return "No trades yet"
	}
	return strings.TrimRight(b.String(), "\n")
}
