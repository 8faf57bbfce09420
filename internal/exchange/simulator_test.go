package exchange

import (
	"context"
	"testing"

	"github.com/kirillm/trade-controller/internal/domain"
)

func placeReq(key string, qty, price float64) PlaceOrderRequest {
	return PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		OrderType:     domain.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		TimeInForce:   domain.TimeInForcePostOnly,
		ClientOrderID: key,
	}
}

func TestSimulatorDeduplicatesByClientOrderID(t *testing.T) {
	sim := NewSimulator(map[string]float64{"USDT": 1000})
	sim.SetFillBehavior(FillNever)
	ctx := context.Background()

	first, err := sim.PlaceOrder(ctx, placeReq("tc-dup", 0.001, 50000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := sim.PlaceOrder(ctx, placeReq("tc-dup", 0.001, 50000))
	if err != nil {
		t.Fatal(err)
	}

	if !second.Reused {
		t.Error("duplicate key not flagged as reused")
	}
	if first.ExchangeOrderID != second.ExchangeOrderID {
		t.Errorf("duplicate created new order: %s vs %s", first.ExchangeOrderID, second.ExchangeOrderID)
	}

	// Средства зарезервированы один раз
	bal, _ := sim.GetBalance(ctx, "USDT")
	if bal != 950 {
		t.Errorf("balance = %.2f, want 950", bal)
	}
}

func TestSimulatorFillBehaviors(t *testing.T) {
	tests := []struct {
		name       string
		behavior   FillBehavior
		wantStatus string
		wantFilled float64
	}{
		{"immediate", FillImmediately, StatusFilled, 0.002},
		{"never", FillNever, StatusNew, 0},
		{"partial", FillPartially, StatusPartiallyFilled, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimulator(map[string]float64{"USDT": 1000})
			sim.SetFillBehavior(tt.behavior)

			if _, err := sim.PlaceOrder(context.Background(), placeReq("tc-x", 0.002, 50000)); err != nil {
				t.Fatal(err)
			}

			snap, _ := sim.AccountSnapshot(context.Background(), []string{"USDT"}, nil)
			if len(snap.Orders) != 1 {
				t.Fatalf("orders = %d, want 1", len(snap.Orders))
			}
			if snap.Orders[0].Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", snap.Orders[0].Status, tt.wantStatus)
			}
			if snap.Orders[0].FilledQuantity != tt.wantFilled {
				t.Errorf("filled = %.6f, want %.6f", snap.Orders[0].FilledQuantity, tt.wantFilled)
			}
		})
	}
}

func TestSimulatorInsufficientBalanceRejected(t *testing.T) {
	sim := NewSimulator(map[string]float64{"USDT": 10})
	_, err := sim.PlaceOrder(context.Background(), placeReq("tc-big", 0.001, 50000))
	if err == nil {
		t.Fatal("oversized order accepted")
	}
	if IsTransient(err) {
		t.Error("validation rejection classified as transient")
	}
}

func TestSimulatorCancelReleasesFunds(t *testing.T) {
	sim := NewSimulator(map[string]float64{"USDT": 1000})
	sim.SetFillBehavior(FillNever)
	ctx := context.Background()

	if _, err := sim.PlaceOrder(ctx, placeReq("tc-c", 0.001, 50000)); err != nil {
		t.Fatal(err)
	}
	if err := sim.CancelOrder(ctx, "BTCUSDT", "tc-c"); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}

	bal, _ := sim.GetBalance(ctx, "USDT")
	if bal != 1000 {
		t.Errorf("balance = %.2f, want 1000 after cancel", bal)
	}

	// Повторная отмена терминального ордера — отказ валидации
	if err := sim.CancelOrder(ctx, "BTCUSDT", "tc-c"); err == nil {
		t.Error("cancelling terminal order succeeded")
	}
}

func TestSimulatorMarkFilledSettlesHoldings(t *testing.T) {
	sim := NewSimulator(map[string]float64{"USDT": 1000})
	sim.SetFillBehavior(FillNever)
	ctx := context.Background()

	if _, err := sim.PlaceOrder(ctx, placeReq("tc-f", 0.001, 50000)); err != nil {
		t.Fatal(err)
	}
	sim.MarkFilled("tc-f")

	snap, _ := sim.AccountSnapshot(ctx, []string{"USDT"}, []string{"BTC"})
	if snap.Holdings["BTC"] != 0.001 {
		t.Errorf("holdings = %.6f, want 0.001", snap.Holdings["BTC"])
	}
	if snap.Orders[0].Status != StatusFilled {
		t.Errorf("status = %s, want Filled", snap.Orders[0].Status)
	}
}
