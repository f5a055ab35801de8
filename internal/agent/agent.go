// Package agent runs the trading loop for one symbol. Two periodic drivers
// share a single non-reentrant guard: the trading driver fetches bars,
// reconciles with the exchange and steps the position manager; the
// reporting driver detects external closes, sends the hourly digest and
// publishes the status snapshot.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"futures-agent/config"
	"futures-agent/internal/execution"
	"futures-agent/internal/indicator"
	"futures-agent/internal/lifecycle"
	"futures-agent/internal/logger"
	"futures-agent/internal/marketdata/agg"
	"futures-agent/internal/metrics"
	"futures-agent/internal/model"
	"futures-agent/internal/notification"
	"futures-agent/internal/portfolio"
	"futures-agent/internal/session"
	"futures-agent/internal/store/sqlite"
	"futures-agent/internal/strategy"
)

// Driver names used in logs and metrics.
const (
	DriverTrade  = "trade"
	DriverReport = "report"
)

var (
	// ErrBusy is returned when a driver fires while another holds the guard.
	ErrBusy = errors.New("agent busy")
	// ErrNotStarted is returned by the drivers before Start succeeded.
	ErrNotStarted = errors.New("agent not started")
	// ErrPanic wraps a recovered panic inside a driver.
	ErrPanic = errors.New("driver panic")
)

// Config is the agent's view of the application configuration.
type Config struct {
	Symbol         string
	Interval       string        // exchange kline interval
	Period         time.Duration // length of one exchange bar
	Aggregation    int
	BarsLimit      int
	QuoteAsset     string
	Leverage       int
	Live           bool
	InitialBalance float64
	DailyLossLimit float64
	Location       *time.Location

	TradeInterval  time.Duration
	ReportInterval time.Duration

	Lifecycle lifecycle.Params
}

// ConfigFrom maps the application configuration. loc is the reporting zone.
func ConfigFrom(c *config.Config, loc *time.Location) Config {
	return Config{
		Symbol:         c.Symbol,
		Interval:       c.BaseInterval,
		Period:         c.BaseDuration,
		Aggregation:    c.Aggregation,
		BarsLimit:      c.BarsLimit,
		QuoteAsset:     c.QuoteAsset,
		Leverage:       c.Leverage,
		Live:           c.Live(),
		InitialBalance: c.InitialBalance,
		DailyLossLimit: c.Risk.DailyLossLimit,
		Location:       loc,
		TradeInterval:  c.TradeInterval,
		ReportInterval: c.ReportInterval,
		Lifecycle:      c.Lifecycle(),
	}
}

// Journal persists lifecycle events and answers digest queries.
type Journal interface {
	Record(ctx context.Context, ev lifecycle.Event) error
	Stats(ctx context.Context, since time.Time) (sqlite.Stats, error)
	Recent(ctx context.Context, limit int) ([]lifecycle.Event, error)
}

// Mirror publishes status snapshots and events to external observers.
type Mirror interface {
	PutStatus(ctx context.Context, symbol string, v any) error
	PublishEvent(ctx context.Context, symbol string, v any) error
}

// Broadcaster fans JSON payloads out to stream clients.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// Sinks are the agent's outputs. Every field except Notifier is optional.
type Sinks struct {
	Notifier notification.Notifier
	Journal  Journal
	Mirror   Mirror
	Hub      Broadcaster
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
}

// Agent owns the position manager and drives it from the exchange.
type Agent struct {
	cfg    Config
	gw     execution.Gateway
	policy strategy.Policy
	sinks  Sinks
	log    *slog.Logger
	now    func() time.Time

	guard    sync.Mutex
	mgr      atomic.Pointer[lifecycle.Manager]
	lastHour string
}

// New creates an agent. Start must succeed before the drivers run.
func New(cfg Config, gw execution.Gateway, policy strategy.Policy, sinks Sinks, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = session.Indochina
	}
	if cfg.Aggregation < 1 {
		cfg.Aggregation = 1
	}
	if sinks.Notifier == nil {
		sinks.Notifier = notification.NewLogNotifier(log)
	}
	return &Agent{
		cfg:    cfg,
		gw:     gw,
		policy: policy,
		sinks:  sinks,
		log: log.With(
			slog.String("component", "agent"),
			slog.String("symbol", cfg.Symbol)),
		now: time.Now,
	}
}

// Start loads the instrument rules and the starting balance, builds the
// position manager, adopts any position already open on the exchange and
// sends the startup report.
func (a *Agent) Start(ctx context.Context) error {
	constraints, err := a.gw.FetchConstraints(ctx, a.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("agent start: %w", err)
	}
	if a.cfg.Live {
		if err := a.gw.SetLeverage(ctx, a.cfg.Symbol, a.cfg.Leverage); err != nil {
			return fmt.Errorf("agent start: %w", err)
		}
	}

	balance := a.cfg.InitialBalance
	if balance <= 0 {
		if balance, err = a.gw.FetchBalance(ctx, a.cfg.QuoteAsset); err != nil {
			return fmt.Errorf("agent start: %w", err)
		}
	}

	var exec lifecycle.Executor = a.gw
	if a.cfg.Live {
		exec = leveraged{Gateway: a.gw, symbol: a.cfg.Symbol, leverage: a.cfg.Leverage}
	}
	account := portfolio.NewAccount(balance, a.cfg.DailyLossLimit, a.cfg.Location, a.log)
	mgr := lifecycle.NewManager(a.cfg.Lifecycle, a.policy, exec, account, a.log)
	mgr.SetConstraints(constraints)

	now := a.now()
	bars, err := a.bars(ctx, now)
	if err != nil {
		return fmt.Errorf("agent start: %w", err)
	}
	if err := a.reconcile(ctx, mgr, a.atr(bars), now); err != nil {
		return fmt.Errorf("agent start: %w", err)
	}
	a.mgr.Store(mgr)

	a.guard.Lock()
	a.lastHour = session.HourKey(now, a.cfg.Location)
	a.guard.Unlock()

	a.log.Info("agent started",
		slog.Float64("balance", balance),
		slog.Bool("live", a.cfg.Live),
		slog.String("policy", a.policy.Name()))
	a.notify(ctx, notification.Alert{
		Level:   notification.AlertInfo,
		Title:   "BOT STARTED",
		Message: a.report(ctx, mgr.Status(), now),
	})
	a.publishStatus(ctx, mgr.Status())
	return nil
}

// Run fires both drivers on their intervals until ctx is cancelled. The
// trading driver runs once immediately.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.TradeTick(ctx)
		a.loop(ctx, a.cfg.TradeInterval, a.TradeTick)
	}()
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cfg.ReportInterval, a.ReportTick)
	}()
	wg.Wait()
	return ctx.Err()
}

func (a *Agent) loop(ctx context.Context, every time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Stop sends the shutdown notice.
func (a *Agent) Stop(ctx context.Context) {
	a.notify(ctx, notification.Alert{
		Level:   notification.AlertInfo,
		Title:   "BOT STOPPED",
		Message: a.StatusText(),
	})
}

// TradeTick runs one trading cycle: fetch bars, reconcile, step.
func (a *Agent) TradeTick(ctx context.Context) error {
	return a.invoke(ctx, DriverTrade, a.trade)
}

// ReportTick runs one reporting cycle: external-close detection, the
// hourly digest and status publication.
func (a *Agent) ReportTick(ctx context.Context) error {
	return a.invoke(ctx, DriverReport, a.reportCycle)
}

// Status returns the manager snapshot, or an empty FLAT status before Start.
func (a *Agent) Status() lifecycle.Status {
	if mgr := a.mgr.Load(); mgr != nil {
		return mgr.Status()
	}
	return lifecycle.Status{
		Symbol: a.cfg.Symbol,
		Policy: a.policy.Name(),
		State:  lifecycle.StateFlat,
		ATR:    indicator.Undefined,
	}
}

// StatusText renders the current status for chat commands.
func (a *Agent) StatusText() string {
	return a.report(context.Background(), a.Status(), a.now())
}

// TradesText lists the most recent realized trades from the journal.
func (a *Agent) TradesText() string {
	return a.trades(context.Background(), recentTrades)
}

// invoke runs fn under the guard. A held guard skips the call; a panic is
// recovered and reported like any other failure.
func (a *Agent) invoke(ctx context.Context, driver string, fn func(context.Context, *lifecycle.Manager) error) (err error) {
	if !a.guard.TryLock() {
		if m := a.sinks.Metrics; m != nil {
			m.SkippedTicks.WithLabelValues(driver).Inc()
		}
		a.log.Debug("driver skipped, previous cycle still running", slog.String("driver", driver))
		return ErrBusy
	}
	defer a.guard.Unlock()

	start := a.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(a.cfg.Symbol, driver, start))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			a.log.Error("driver panic",
				append(logger.LogWithTrace(ctx),
					slog.String("driver", driver),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))...)
		}
		a.finish(ctx, driver, start, err)
	}()

	mgr := a.mgr.Load()
	if mgr == nil {
		return ErrNotStarted
	}
	return fn(ctx, mgr)
}

func (a *Agent) finish(ctx context.Context, driver string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrPanic):
		result = "panic"
	case err != nil:
		result = "error"
	}
	if m := a.sinks.Metrics; m != nil {
		m.TicksTotal.WithLabelValues(driver, result).Inc()
		m.TickDuration.WithLabelValues(driver).Observe(time.Since(start).Seconds())
		var ge *execution.GatewayError
		if errors.As(err, &ge) {
			m.GatewayErrors.WithLabelValues(ge.Op).Inc()
		}
	}
	if driver == DriverTrade && a.sinks.Health != nil {
		a.sinks.Health.RecordTick(start, err)
	}
	if err == nil {
		return
	}

	level := notification.AlertWarning
	if errors.Is(err, ErrPanic) || errors.Is(err, lifecycle.ErrPositionMismatch) {
		level = notification.AlertCritical
	}
	a.log.Error("driver failed",
		append(logger.LogWithTrace(ctx),
			slog.String("driver", driver),
			slog.String("error", err.Error()))...)
	a.notify(ctx, notification.Alert{
		Level:   level,
		Title:   "BOT ERROR",
		Message: fmt.Sprintf("%s %s: %v", a.cfg.Symbol, driver, err),
	})
}

func (a *Agent) trade(ctx context.Context, mgr *lifecycle.Manager) error {
	now := a.now()
	bars, err := a.bars(ctx, now)
	if err != nil {
		return err
	}
	if err := a.reconcile(ctx, mgr, a.atr(bars), now); err != nil {
		return err
	}

	evs, err := mgr.Step(ctx, bars)
	a.dispatch(ctx, evs)
	if err != nil {
		return fmt.Errorf("step: %w", err)
	}
	if m := a.sinks.Metrics; m != nil {
		m.ObserveStatus(mgr.Status(), now)
	}
	return nil
}

func (a *Agent) reportCycle(ctx context.Context, mgr *lifecycle.Manager) error {
	now := a.now()
	if err := a.reconcile(ctx, mgr, mgr.LastATR(), now); err != nil {
		return err
	}

	st := mgr.Status()
	if hour := session.HourKey(now, a.cfg.Location); hour != a.lastHour {
		a.lastHour = hour
		a.markToMarket(ctx, &st)
		a.notify(ctx, notification.Alert{
			Level:   notification.AlertInfo,
			Title:   "HOURLY REPORT",
			Message: a.report(ctx, st, now),
		})
	}
	a.publishStatus(ctx, st)
	return nil
}

// bars fetches klines and returns the closed working bars.
func (a *Agent) bars(ctx context.Context, now time.Time) ([]model.Bar, error) {
	raw, err := a.gw.FetchKlines(ctx, a.cfg.Symbol, a.cfg.Interval, a.cfg.BarsLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	return agg.Working(raw, a.cfg.Aggregation, a.cfg.Period, now), nil
}

func (a *Agent) atr(bars []model.Bar) indicator.Value {
	return indicator.ATR(bars, a.cfg.Lifecycle.ATRPeriod).Last()
}

func (a *Agent) reconcile(ctx context.Context, mgr *lifecycle.Manager, atr indicator.Value, now time.Time) error {
	ext, err := a.gw.FetchPosition(ctx, a.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	evs, err := mgr.Reconcile(ctx, ext, atr, now)
	a.dispatch(ctx, evs)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// markToMarket revalues the open position at the live price. The last
// close is kept when the price is unavailable.
func (a *Agent) markToMarket(ctx context.Context, st *lifecycle.Status) {
	if st.Position == nil {
		return
	}
	price, err := a.gw.FetchPrice(ctx, a.cfg.Symbol)
	if err != nil {
		a.log.Warn("mark price unavailable", slog.String("error", err.Error()))
		return
	}
	st.Position.MarkPrice = price
	st.Position.UnrealizedPnL = st.Position.Position.UnrealizedPnL(price)
}

// leveraged sets the configured leverage before every opening order.
type leveraged struct {
	execution.Gateway
	symbol   string
	leverage int
}

func (l leveraged) PlaceMarketOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if !req.ReduceOnly {
		if err := l.SetLeverage(ctx, l.symbol, l.leverage); err != nil {
			return model.OrderResult{}, err
		}
	}
	return l.Gateway.PlaceMarketOrder(ctx, req)
}

var _ lifecycle.Executor = execution.Gateway(nil)
