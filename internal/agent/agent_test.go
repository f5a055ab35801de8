package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"futures-agent/internal/api"
	"futures-agent/internal/lifecycle"
	"futures-agent/internal/metrics"
	"futures-agent/internal/model"
	"futures-agent/internal/notification"
	"futures-agent/internal/session"
	"futures-agent/internal/store/sqlite"
	"futures-agent/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
)

// ────────────────────────────────────────────────────────────
// Fakes
// ────────────────────────────────────────────────────────────

// 08:00 in the reporting zone
var t0 = time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	bars      []model.Bar
	pos       *model.ExchangePosition
	fills     []model.Fill
	price     float64
	panicMsg  string
	klinesErr error
	entered   chan struct{}
	release   chan struct{}
	leverage  []int
	orders    []model.OrderRequest
}

func (g *fakeGateway) FetchKlines(context.Context, string, string, int) ([]model.Bar, error) {
	g.mu.Lock()
	entered, release, msg, err := g.entered, g.release, g.panicMsg, g.klinesErr
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if msg != "" {
		panic(msg)
	}
	return g.bars, err
}

func (g *fakeGateway) FetchPrice(context.Context, string) (float64, error) { return g.price, nil }

func (g *fakeGateway) FetchPosition(context.Context, string) (*model.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pos == nil {
		return nil, nil
	}
	p := *g.pos
	return &p, nil
}

func (g *fakeGateway) FetchRecentFills(context.Context, string, int) ([]model.Fill, error) {
	return g.fills, nil
}

func (g *fakeGateway) FetchBalance(context.Context, string) (float64, error) { return 250, nil }

func (g *fakeGateway) FetchConstraints(context.Context, string) (model.InstrumentConstraints, error) {
	return model.InstrumentConstraints{QuantityStep: 0.01, MinQuantity: 0.01, MinNotional: 5, TickSize: 0.001}, nil
}

func (g *fakeGateway) SetLeverage(_ context.Context, _ string, lev int) error {
	g.leverage = append(g.leverage, lev)
	return nil
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	g.orders = append(g.orders, req)
	return model.OrderResult{OrderID: "1", Status: "FILLED"}, nil
}

func (g *fakeGateway) PlaceStopOrder(context.Context, model.OrderRequest) (model.OrderResult, error) {
	return model.OrderResult{}, nil
}

func (g *fakeGateway) PlaceTakeProfitOrder(context.Context, model.OrderRequest) (model.OrderResult, error) {
	return model.OrderResult{}, nil
}

func (g *fakeGateway) CancelOpenOrders(context.Context, string) error { return nil }

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	fn(g)
	g.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Title == title {
			n++
		}
	}
	return n
}

func (r *recorder) last() notification.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts[len(r.alerts)-1]
}

type fakeJournal struct {
	events []lifecycle.Event
	stats  sqlite.Stats
	since  time.Time
}

func (j *fakeJournal) Record(_ context.Context, ev lifecycle.Event) error {
	j.events = append(j.events, ev)
	return nil
}

func (j *fakeJournal) Stats(_ context.Context, since time.Time) (sqlite.Stats, error) {
	j.since = since
	return j.stats, nil
}

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]lifecycle.Event, error) {
	var out []lifecycle.Event
	for i := len(j.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.events[i])
	}
	return out, nil
}

type fakeHub struct {
	mu       sync.Mutex
	channels []string
}

func (h *fakeHub) Broadcast(channel string, _ []byte) {
	h.mu.Lock()
	h.channels = append(h.channels, channel)
	h.mu.Unlock()
}

func (h *fakeHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.channels {
		if c == channel {
			n++
		}
	}
	return n
}

// flatBars returns n five-minute bars closing at or before end, each with a
// true range of 2 around a close of 100.
func flatBars(n int, end time.Time) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		at := end.Add(-time.Duration(n-1-i) * 5 * time.Minute)
		bars[i] = model.Bar{
			OpenTime: at.Add(-5 * time.Minute),
			Time:     at,
			Open:     100, High: 101, Low: 99, Close: 100,
			Volume: 10,
		}
	}
	return bars
}

type harness struct {
	agent   *Agent
	gw      *fakeGateway
	notes   *recorder
	journal *fakeJournal
	hub     *fakeHub
	health  *metrics.HealthStatus
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	policy, err := strategy.New(strategy.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	params := lifecycle.DefaultParams("SOLUSDT")
	// Step stays a no-op; these tests cover the drivers, not the policy.
	params.MinHistory = 1000

	h := &harness{
		gw:      &fakeGateway{bars: flatBars(30, t0), price: 103},
		notes:   &recorder{},
		journal: &fakeJournal{},
		hub:     &fakeHub{},
		health:  metrics.NewHealthStatus("SOLUSDT", "paper"),
		clock:   t0,
	}
	h.agent = New(Config{
		Symbol:         "SOLUSDT",
		Interval:       "5m",
		Period:         5 * time.Minute,
		Aggregation:    1,
		BarsLimit:      30,
		QuoteAsset:     "USDT",
		Leverage:       10,
		InitialBalance: 100,
		DailyLossLimit: 0.03,
		Location:       session.Indochina,
		TradeInterval:  time.Minute,
		ReportInterval: time.Minute,
		Lifecycle:      params,
	}, h.gw, policy, Sinks{
		Notifier: h.notes,
		Journal:  h.journal,
		Hub:      h.hub,
		Metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		Health:   h.health,
	}, nil)
	h.agent.now = func() time.Time { return h.clock }
	return h
}

// ────────────────────────────────────────────────────────────
// Start and reconciliation
// ────────────────────────────────────────────────────────────

func TestStart_AdoptsExternalPositionOnce(t *testing.T) {
	h := newHarness(t)
	h.gw.pos = &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 100}

	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.agent.TradeTick(context.Background()); err != nil {
			t.Fatalf("TradeTick %d: %v", i, err)
		}
	}

	if n := h.notes.count("EXTERNAL POSITION ADOPTED"); n != 1 {
		t.Errorf("adoption alerts: got %d, want 1", n)
	}
	if n := h.notes.count("BOT STARTED"); n != 1 {
		t.Errorf("startup alerts: got %d, want 1", n)
	}
	if len(h.journal.events) != 1 || h.journal.events[0].Kind != lifecycle.EventExternalOpen {
		t.Errorf("journal: %+v", h.journal.events)
	}
	if n := h.hub.count(api.ChannelEvent); n != 1 {
		t.Errorf("event broadcasts: got %d, want 1", n)
	}
	if h.hub.count(api.ChannelStatus) == 0 {
		t.Error("startup status was not broadcast")
	}

	st := h.agent.Status()
	if st.Position == nil || !st.Position.External || st.State != lifecycle.StateOpen {
		t.Fatalf("status: %+v", st)
	}
	// ATR of the flat tape is 2; stop sits 1.6 ATR below the entry
	if got := st.Position.StopLoss; got < 96.79 || got > 96.81 {
		t.Errorf("adopted stop: got %v, want 96.8", got)
	}
}

func TestStart_FetchesBalanceWhenUnset(t *testing.T) {
	h := newHarness(t)
	h.agent.cfg.InitialBalance = 0

	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.agent.Status().Account.Balance; got != 250 {
		t.Errorf("balance: got %v, want 250", got)
	}
}

func TestTradeTick_MismatchIsCritical(t *testing.T) {
	h := newHarness(t)
	h.gw.pos = &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 100}
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.gw.set(func(g *fakeGateway) { g.pos.Direction = model.Short })
	err := h.agent.TradeTick(context.Background())
	if !errors.Is(err, lifecycle.ErrPositionMismatch) {
		t.Fatalf("got %v, want ErrPositionMismatch", err)
	}
	if a := h.notes.last(); a.Title != "BOT ERROR" || a.Level != notification.AlertCritical {
		t.Errorf("alert: %+v", a)
	}
	if p := h.agent.Status().Position; p == nil || p.Direction != model.Long {
		t.Errorf("local position changed on mismatch: %+v", p)
	}
}

func TestTradeTick_NotStarted(t *testing.T) {
	h := newHarness(t)
	if err := h.agent.TradeTick(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("got %v, want ErrNotStarted", err)
	}
	if st := h.agent.Status(); st.State != lifecycle.StateFlat || st.Symbol != "SOLUSDT" {
		t.Errorf("status before start: %+v", st)
	}
}

// ────────────────────────────────────────────────────────────
// Guard
// ────────────────────────────────────────────────────────────

func TestDrivers_ShareNonReentrantGuard(t *testing.T) {
	h := newHarness(t)
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	entered, release := make(chan struct{}), make(chan struct{})
	h.gw.set(func(g *fakeGateway) { g.entered, g.release = entered, release })

	done := make(chan error, 1)
	go func() { done <- h.agent.TradeTick(context.Background()) }()
	<-entered

	if err := h.agent.ReportTick(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("report during trade: got %v, want ErrBusy", err)
	}
	if err := h.agent.TradeTick(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("trade during trade: got %v, want ErrBusy", err)
	}

	h.gw.set(func(g *fakeGateway) { g.entered = nil })
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked tick: %v", err)
	}
	if err := h.agent.ReportTick(context.Background()); err != nil {
		t.Errorf("guard not released: %v", err)
	}
}

func TestTradeTick_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.gw.set(func(g *fakeGateway) { g.panicMsg = "boom" })
	err := h.agent.TradeTick(context.Background())
	if !errors.Is(err, ErrPanic) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("got %v, want recovered panic", err)
	}
	if a := h.notes.last(); a.Level != notification.AlertCritical {
		t.Errorf("panic alert level: %s", a.Level)
	}
	if h.health.LastTickOK {
		t.Error("health should record the failed tick")
	}

	h.gw.set(func(g *fakeGateway) { g.panicMsg = "" })
	if err := h.agent.TradeTick(context.Background()); err != nil {
		t.Fatalf("tick after panic: %v", err)
	}
	if !h.health.LastTickOK {
		t.Error("health should recover after a good tick")
	}
}

func TestTradeTick_FetchErrorIsWarning(t *testing.T) {
	h := newHarness(t)
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.gw.set(func(g *fakeGateway) { g.klinesErr = errors.New("timeout") })

	if err := h.agent.TradeTick(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if a := h.notes.last(); a.Title != "BOT ERROR" || a.Level != notification.AlertWarning {
		t.Errorf("alert: %+v", a)
	}
}

// ────────────────────────────────────────────────────────────
// Reporting driver
// ────────────────────────────────────────────────────────────

func TestReportTick_ExternalCloseAndHourlyDigest(t *testing.T) {
	h := newHarness(t)
	h.gw.pos = &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 100}
	h.journal.stats = sqlite.Stats{Trades: 1, Wins: 1, PnL: 3.5}
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// closed by hand 30 minutes ago: +3.5 realized; a fill from before the
	// adoption window is ignored
	h.gw.set(func(g *fakeGateway) {
		g.pos = nil
		g.fills = []model.Fill{
			{Time: t0.Add(-2 * time.Hour), RealizedPnL: -50},
			{Time: t0.Add(-30 * time.Minute), RealizedPnL: 3.5},
		}
	})
	if err := h.agent.ReportTick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := h.notes.count("EXTERNAL CLOSE"); n != 1 {
		t.Errorf("external close alerts: got %d", n)
	}
	if got := h.agent.Status().Account.Balance; got != 103.5 {
		t.Errorf("balance: got %v, want 103.5", got)
	}
	// same hour as the startup report
	if n := h.notes.count("HOURLY REPORT"); n != 0 {
		t.Errorf("digest sent within the startup hour")
	}

	h.clock = t0.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if err := h.agent.ReportTick(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.clock = h.clock.Add(10 * time.Minute)
	}
	if n := h.notes.count("HOURLY REPORT"); n != 1 {
		t.Errorf("hourly reports: got %d, want 1", n)
	}
	msg := h.notes.alerts[len(h.notes.alerts)-1].Message
	for _, want := range []string{"SOLUSDT", "Position: none", "Today: 1 trades, 1 wins (100%), PnL +3.50"} {
		if !strings.Contains(msg, want) {
			t.Errorf("digest missing %q:\n%s", want, msg)
		}
	}
	// reporting day starts at 00:00 UTC+7 = 17:00 UTC the previous day
	if want := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC); !h.journal.since.Equal(want) {
		t.Errorf("stats since: got %v, want %v", h.journal.since, want)
	}
}

func TestReport_MarksOpenPositionAtLivePrice(t *testing.T) {
	h := newHarness(t)
	h.gw.pos = &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 100}
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.clock = t0.Add(time.Hour)
	if err := h.agent.ReportTick(context.Background()); err != nil {
		t.Fatal(err)
	}
	// (103 - 100) * 2 = +6.00
	if msg := h.notes.last().Message; !strings.Contains(msg, "Mark 103.0000  uPnL +6.00") {
		t.Errorf("digest:\n%s", msg)
	}
}

// ────────────────────────────────────────────────────────────
// Alerts and execution
// ────────────────────────────────────────────────────────────

func TestTradesText_ListsRecentExits(t *testing.T) {
	h := newHarness(t)
	if got := h.agent.TradesText(); got != "No trades yet" {
		t.Errorf("empty journal: %q", got)
	}

	h.journal.events = []lifecycle.Event{
		{Kind: lifecycle.EventOpened, Time: t0, Direction: model.Long, Price: 100, Quantity: 3},
		{Kind: lifecycle.EventPartialExit, Time: t0.Add(time.Hour), Direction: model.Long, Price: 102, Quantity: 1.5, PnL: 2.94},
		{Kind: lifecycle.EventRejected, Time: t0.Add(90 * time.Minute), Direction: model.Short},
		{Kind: lifecycle.EventClosed, Time: t0.Add(2 * time.Hour), Direction: model.Long, Price: 100, Quantity: 1.5, PnL: -0.06},
	}
	// newest first, entries and rejections skipped, capped at two rows
	got := h.agent.trades(context.Background(), 2)
	want := "2026-03-02 10:00 LONG CLOSED 1.5 @ 100.0000  PnL -0.06\n" +
		"2026-03-02 09:00 LONG PARTIAL_EXIT 1.5 @ 102.0000  PnL +2.94"
	if got != want {
		t.Errorf("trades:\n%s\nwant:\n%s", got, want)
	}
}

func TestAlertFor_TitlesAndLevels(t *testing.T) {
	cases := []struct {
		kind  lifecycle.EventKind
		title string
		level notification.AlertLevel
	}{
		{lifecycle.EventOpened, "POSITION OPENED", notification.AlertInfo},
		{lifecycle.EventPartialExit, "PARTIAL TAKE PROFIT", notification.AlertInfo},
		{lifecycle.EventClosed, "POSITION CLOSED", notification.AlertInfo},
		{lifecycle.EventExternalOpen, "EXTERNAL POSITION ADOPTED", notification.AlertWarning},
		{lifecycle.EventExternalClose, "EXTERNAL CLOSE", notification.AlertWarning},
		{lifecycle.EventRejected, "SIGNAL REJECTED", notification.AlertInfo},
		{lifecycle.EventOrderFailed, "ORDER FAILED", notification.AlertCritical},
		{lifecycle.EventHalted, "DAILY LOSS LIMIT", notification.AlertWarning},
	}
	for _, tc := range cases {
		a := alertFor(lifecycle.Event{Kind: tc.kind, Time: t0, Symbol: "SOLUSDT", Direction: model.Long}, session.Indochina)
		if a.Title != tc.title || a.Level != tc.level {
			t.Errorf("%s: got %q/%s", tc.kind, a.Title, a.Level)
		}
		if !strings.Contains(a.Message, "SOLUSDT") {
			t.Errorf("%s: message without symbol: %q", tc.kind, a.Message)
		}
	}

	closed := alertFor(lifecycle.Event{
		Kind: lifecycle.EventClosed, Time: t0, Symbol: "SOLUSDT", Direction: model.Short,
		Price: 95.5, Quantity: 1.5, PnL: 6.75, Balance: 106.75, Reason: "take profit",
	}, session.Indochina)
	if !strings.Contains(closed.Message, "closed at 2026-03-02 08:00 (take profit)") ||
		!strings.Contains(closed.Message, "PnL: +6.75") {
		t.Errorf("closed message:\n%s", closed.Message)
	}
}

func TestLeveraged_SetsLeverageBeforeEntriesOnly(t *testing.T) {
	gw := &fakeGateway{}
	exec := leveraged{Gateway: gw, symbol: "SOLUSDT", leverage: 7}

	if _, err := exec.PlaceMarketOrder(context.Background(), model.OrderRequest{Side: model.SideBuy, Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.PlaceMarketOrder(context.Background(), model.OrderRequest{Side: model.SideSell, Quantity: 1, ReduceOnly: true}); err != nil {
		t.Fatal(err)
	}
	if len(gw.leverage) != 1 || gw.leverage[0] != 7 {
		t.Errorf("leverage calls: %v", gw.leverage)
	}
	if len(gw.orders) != 2 {
		t.Errorf("orders: %d", len(gw.orders))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.agent.cfg.TradeInterval = 5 * time.Millisecond
	h.agent.cfg.ReportInterval = 5 * time.Millisecond
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.agent.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run: got %v", err)
	}
	if h.health.LastTickTime.IsZero() {
		t.Error("no trading tick ran")
	}
}
