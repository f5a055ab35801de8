package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"futures-agent/internal/api"
	"futures-agent/internal/lifecycle"
	"futures-agent/internal/notification"
	redisstore "futures-agent/internal/store/redis"
)

type breaker interface {
	Breaker() redisstore.BreakerState
}

// dispatch delivers committed events to every sink. Sink failures are
// logged and never reach the caller.
func (a *Agent) dispatch(ctx context.Context, evs []lifecycle.Event) {
	for _, ev := range evs {
		if m := a.sinks.Metrics; m != nil {
			m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
		a.record(ctx, ev)

		if data, err := json.Marshal(ev); err == nil && a.sinks.Hub != nil {
			a.sinks.Hub.Broadcast(api.ChannelEvent, data)
		}
		if a.sinks.Mirror != nil {
			if err := a.sinks.Mirror.PublishEvent(ctx, a.cfg.Symbol, ev); err != nil {
				a.log.Warn("event publish failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()))
			}
		}
		a.notify(ctx, alertFor(ev, a.cfg.Location))
	}
}

func (a *Agent) record(ctx context.Context, ev lifecycle.Event) {
	if a.sinks.Journal == nil {
		return
	}
	start := time.Now()
	err := a.sinks.Journal.Record(ctx, ev)
	if m := a.sinks.Metrics; m != nil {
		m.JournalDur.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.JournalWrites.WithLabelValues(result).Inc()
	}
	if err != nil {
		a.log.Warn("journal write failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}

func (a *Agent) notify(ctx context.Context, alert notification.Alert) {
	if err := a.sinks.Notifier.Send(ctx, alert); err != nil {
		if m := a.sinks.Metrics; m != nil {
			m.NotifyFailures.Inc()
		}
		a.log.Warn("notification failed",
			slog.String("title", alert.Title),
			slog.String("error", err.Error()))
	}
}

// publishStatus pushes the snapshot to the gauges, the stream and Redis.
func (a *Agent) publishStatus(ctx context.Context, st lifecycle.Status) {
	now := a.now()
	if m := a.sinks.Metrics; m != nil {
		m.ObserveStatus(st, now)
	}
	if a.sinks.Hub != nil {
		if data, err := json.Marshal(st); err == nil {
			a.sinks.Hub.Broadcast(api.ChannelStatus, data)
		}
	}
	if a.sinks.Mirror != nil {
		start := time.Now()
		err := a.sinks.Mirror.PutStatus(ctx, a.cfg.Symbol, st)
		if m := a.sinks.Metrics; m != nil {
			m.RedisWriteDur.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			a.log.Warn("status mirror failed", slog.String("error", err.Error()))
		}
		if b, ok := a.sinks.Mirror.(breaker); ok && a.sinks.Metrics != nil {
			a.sinks.Metrics.RedisCircuitBreakerState.Set(float64(b.Breaker()))
		}
	}
}
