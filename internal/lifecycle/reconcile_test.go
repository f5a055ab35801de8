package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
	"futures-agent/internal/strategy"
)

var allRules = strategy.ExitRules{StopLoss: true, TakeProfit: true, PartialAtTP1: true}

func adopted(t *testing.T, exec *fakeExec, now time.Time) *tape {
	t.Helper()
	tp := newTape(t, testParams(), &stubPolicy{rules: allRules}, exec)
	ext := &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 150}
	evs, err := tp.m.Reconcile(context.Background(), ext, indicator.Defined(2), now)
	if err != nil {
		t.Fatal(err)
	}
	if kinds(evs) != "EXTERNAL_OPEN" {
		t.Fatalf("adopt events: got %q", kinds(evs))
	}
	return tp
}

func TestReconcile_AdoptExternalOpen(t *testing.T) {
	now := t0.Add(6 * time.Hour)
	tp := adopted(t, &fakeExec{}, now)

	pos := tp.m.Position()
	if pos == nil || !pos.External {
		t.Fatalf("position: %+v", pos)
	}
	// ATR 2 · SLATR 1.6 = 3.2
	assertClose(t, "stop", pos.StopLoss, 146.8, 1e-9)
	assertClose(t, "tp1", pos.TakeProfit1, 153.2, 1e-9)
	assertClose(t, "tp2", pos.TakeProfit2, 150+3.2*2.2, 1e-9)
	if !pos.OpenedAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("opened at: got %s, want one hour before now", pos.OpenedAt)
	}

	// the same exchange view again must not notify twice
	ext := &model.ExchangePosition{Symbol: "SOLUSDT", Direction: model.Long, Quantity: 2, EntryPrice: 150}
	for i := 0; i < 3; i++ {
		evs, err := tp.m.Reconcile(context.Background(), ext, indicator.Defined(2), now.Add(time.Duration(i)*time.Minute))
		if err != nil || len(evs) != 0 {
			t.Fatalf("repeat %d: events %q err %v", i, kinds(evs), err)
		}
	}
}

func TestReconcile_AdoptFallbackStop(t *testing.T) {
	tp := newTape(t, testParams(), &stubPolicy{rules: allRules}, &fakeExec{})
	ext := &model.ExchangePosition{Direction: model.Short, Quantity: 1, EntryPrice: 150}
	if _, err := tp.m.Reconcile(context.Background(), ext, indicator.Undefined, t0); err != nil {
		t.Fatal(err)
	}
	// 2% of 150 above entry for a short
	assertClose(t, "stop", tp.m.Position().StopLoss, 153, 1e-9)
}

func TestReconcile_ExternalClose(t *testing.T) {
	now := t0.Add(6 * time.Hour)
	exec := &fakeExec{}
	tp := adopted(t, exec, now)

	exec.fills = []model.Fill{
		{OrderID: "a", Time: now.Add(-90 * time.Minute), RealizedPnL: 5},
		{OrderID: "b", Time: now.Add(-30 * time.Minute), RealizedPnL: 1.5},
		{OrderID: "c", Time: now.Add(10 * time.Minute), RealizedPnL: -0.5},
	}
	later := now.Add(15 * time.Minute)
	evs, err := tp.m.Reconcile(context.Background(), nil, indicator.Undefined, later)
	if err != nil {
		t.Fatal(err)
	}
	if kinds(evs) != "EXTERNAL_CLOSE" {
		t.Fatalf("events: got %q", kinds(evs))
	}
	// fill a predates OpenedAt
	assertClose(t, "pnl", evs[0].PnL, 1.0, 1e-12)
	assertClose(t, "balance", tp.m.Status().Account.Balance, 101, 1e-12)
	if tp.m.Position() != nil {
		t.Error("position should be cleared")
	}

	evs, err = tp.m.Reconcile(context.Background(), nil, indicator.Undefined, later)
	if err != nil || len(evs) != 0 {
		t.Errorf("second pass: events %q err %v", kinds(evs), err)
	}
}

func TestReconcile_ExternalCloseAfterPartialSkipsBookedFill(t *testing.T) {
	exec := &fakeExec{}
	tp := openLong(t, testParams(), &stubPolicy{rules: allRules}, exec)

	// LONG 3 @ 100: 1.5 sold at TP1 102 is booked locally
	evs := tp.push(100.5, 102.5, 100.5, 102)
	if kinds(evs) != "PARTIAL_EXIT" {
		t.Fatalf("events: got %q", kinds(evs))
	}
	afterPartial := tp.m.Status().Account.Balance
	partialID := fmt.Sprintf("M%d", len(exec.orders))

	// the remaining 1.5 is sold by hand at 103: +4.5
	exec.fills = []model.Fill{
		{OrderID: "M1", Time: tp.clock.Add(-30 * time.Minute), RealizedPnL: 0},
		{OrderID: partialID, Time: tp.clock.Add(-time.Minute), RealizedPnL: 3},
		{OrderID: "manual", Time: tp.clock.Add(5 * time.Minute), RealizedPnL: 4.5},
	}
	evs, err := tp.m.Reconcile(context.Background(), nil, indicator.Undefined, tp.clock.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if kinds(evs) != "EXTERNAL_CLOSE" {
		t.Fatalf("events: got %q", kinds(evs))
	}
	assertClose(t, "pnl", evs[0].PnL, 4.5, 1e-12)
	assertClose(t, "balance", tp.m.Status().Account.Balance, afterPartial+4.5, 1e-9)
}

func TestReconcile_FillLookupFailureKeepsPosition(t *testing.T) {
	now := t0.Add(6 * time.Hour)
	exec := &fakeExec{}
	tp := adopted(t, exec, now)

	exec.fillErr = errors.New("503")
	if _, err := tp.m.Reconcile(context.Background(), nil, indicator.Undefined, now); err == nil {
		t.Fatal("expected error")
	}
	if tp.m.Position() == nil {
		t.Error("position must survive a failed fill lookup")
	}
}

func TestReconcile_DirectionMismatch(t *testing.T) {
	now := t0.Add(6 * time.Hour)
	tp := adopted(t, &fakeExec{}, now)

	ext := &model.ExchangePosition{Direction: model.Short, Quantity: 2, EntryPrice: 151}
	_, err := tp.m.Reconcile(context.Background(), ext, indicator.Defined(2), now)
	if !errors.Is(err, ErrPositionMismatch) {
		t.Fatalf("got %v, want ErrPositionMismatch", err)
	}
	if p := tp.m.Position(); p == nil || p.Direction != model.Long {
		t.Errorf("local position changed: %+v", p)
	}
}

func TestReconcile_ZeroQuantityIsFlat(t *testing.T) {
	tp := newTape(t, testParams(), &stubPolicy{rules: allRules}, &fakeExec{})
	ext := &model.ExchangePosition{Direction: model.Long, Quantity: 0}
	evs, err := tp.m.Reconcile(context.Background(), ext, indicator.Undefined, t0)
	if err != nil || len(evs) != 0 || tp.m.Position() != nil {
		t.Errorf("events %q err %v", kinds(evs), err)
	}
}

func TestReconcile_AdoptedPositionManagedByStep(t *testing.T) {
	tp := newTape(t, testParams(), &stubPolicy{rules: allRules}, &fakeExec{})
	tp.flat(20, 150)

	ext := &model.ExchangePosition{Direction: model.Long, Quantity: 2, EntryPrice: 150}
	if _, err := tp.m.Reconcile(context.Background(), ext, tp.m.LastATR(), tp.clock); err != nil {
		t.Fatal(err)
	}
	// ATR of the flat tape is 1: stop 148.4
	evs := tp.push(150, 150.5, 148, 148.5)
	if kinds(evs) != "CLOSED" || evs[0].Reason != "stop loss" {
		t.Fatalf("events: %q", kinds(evs))
	}
	assertClose(t, "exit", evs[0].Price, 148.4, 1e-9)
}
