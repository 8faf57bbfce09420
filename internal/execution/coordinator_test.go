package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/internal/exchange"
	"github.com/kirillm/trade-controller/internal/ledger"
)

func testConfig() Config {
	return Config{
		QuotePreference:  []string{"USDT", "USDC"},
		MinNotionalUSD:   5.0,
		SlippageCeiling:  1.0,
		VolatilityHalve:  10.0,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
		OrderWaitTimeout: 5 * time.Minute,
	}
}

func testProposal(symbol string, sizePct, refPrice float64) domain.TradeProposal {
	return domain.TradeProposal{
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Cluster:        "l1",
		SizePercent:    sizePct,
		Conviction:     0.8,
		ReferencePrice: refPrice,
	}
}

func newTestCoordinator(balances map[string]float64) (*Coordinator, *exchange.Simulator, *ledger.MemoryStore) {
	sim := exchange.NewSimulator(balances)
	store := ledger.NewMemoryStore()
	coord := NewCoordinator(sim, store, testConfig(), nil)
	return coord, sim, store
}

func TestExecuteSubmitsSingleOrder(t *testing.T) {
	coord, sim, store := newTestCoordinator(map[string]float64{"USDT": 400})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	market := MarketState{Tickers: map[string]exchange.Ticker{}, MovePct: map[string]float64{}}
	proposals := []domain.TradeProposal{testProposal("BTC", 2, 50000)}

	orders, outcomes, err := coord.Execute(context.Background(), "c100", proposals, portfolio, market, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}

	order := orders[0]
	// 2% от $576 NLV = $11.52, баланса $400 хватает — никакого clamp
	if order.NotionalUSD != 11.52 {
		t.Errorf("notional = %.4f, want 11.52", order.NotionalUSD)
	}
	if order.State != domain.OrderSubmitted {
		t.Errorf("state = %s, want SUBMITTED", order.State)
	}
	if order.Quote != "USDT" {
		t.Errorf("quote = %s, want USDT", order.Quote)
	}
	if outcomes[0].ReasonCode != domain.ReasonApproved {
		t.Errorf("reason = %s, want approved", outcomes[0].ReasonCode)
	}

	saved, err := store.GetOrder(context.Background(), order.ClientOrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if saved.State != domain.OrderSubmitted {
		t.Errorf("persisted state = %s, want SUBMITTED", saved.State)
	}
}

func TestExecuteInsufficientQuoteNoTrade(t *testing.T) {
	// $0.07 на балансе: clamp дал бы микроордер ниже минимума,
	// результат — no-trade, не крошечный ордер
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 0.07})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders, want 0", len(orders))
	}
	if outcomes[0].ReasonCode != domain.ReasonInsufficientQuote {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonInsufficientQuote)
	}
}

func TestExecuteClampsToBalance(t *testing.T) {
	// Запрошено $50, доступно $20: зажимаем к 99% баланса, не отклоняем
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 20})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 5, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if got, want := orders[0].NotionalUSD, 20*0.99; got != want {
		t.Errorf("notional = %.4f, want %.4f", got, want)
	}
	if outcomes[0].ReasonCode != domain.ReasonSizeClamped {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonSizeClamped)
	}
}

func TestExecuteIdempotentResubmission(t *testing.T) {
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 400})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)
	sim.SetFillBehavior(exchange.FillNever)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	proposals := []domain.TradeProposal{testProposal("BTC", 2, 50000)}

	first, _, err := coord.Execute(context.Background(), "c100", proposals, portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	second, outcomes, err := coord.Execute(context.Background(), "c100", proposals, portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("got %d/%d orders, want 1/1", len(first), len(second))
	}
	if first[0].ClientOrderID != second[0].ClientOrderID {
		t.Errorf("keys differ: %s vs %s", first[0].ClientOrderID, second[0].ClientOrderID)
	}
	if outcomes[0].Detail != "duplicate submission collapsed into existing order" {
		t.Errorf("unexpected duplicate detail: %q", outcomes[0].Detail)
	}

	open, _ := sim.GetOpenOrders(context.Background())
	if len(open) != 1 {
		t.Errorf("exchange has %d open orders, want 1", len(open))
	}
}

func TestExecuteSlippageRejected(t *testing.T) {
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 400})
	// Ask уехал на 2% от референсной цены при потолке 1%
	sim.SetTicker("BTCUSDT", 51000, 50990, 51000)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders, want 0", len(orders))
	}
	if outcomes[0].ReasonCode != domain.ReasonSlippageExceeded {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonSlippageExceeded)
	}
}

func TestExecuteVolatilityHalvesSize(t *testing.T) {
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 400})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	market := MarketState{MovePct: map[string]float64{"BTC": 12.0}}

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, market, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	// $20 запрошено, движение 12% > 10% — размер делится пополам
	if orders[0].NotionalUSD != 10 {
		t.Errorf("notional = %.4f, want 10", orders[0].NotionalUSD)
	}
	if outcomes[0].ReasonCode != domain.ReasonVolatilityHalved {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonVolatilityHalved)
	}
}

func TestExecuteHalvingDetailSurvivesClamp(t *testing.T) {
	// Halving и clamp срабатывают оба: след halving остается в Detail
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 30})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	market := MarketState{MovePct: map[string]float64{"BTC": 12.0}}

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 10, 50000)},
		portfolio, market, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	// $100 запрошено, halving до $50, clamp до 99% от $30
	if orders[0].NotionalUSD != 29.7 {
		t.Errorf("notional = %.4f, want 29.7", orders[0].NotionalUSD)
	}
	if outcomes[0].ReasonCode != domain.ReasonSizeClamped {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonSizeClamped)
	}
	if !strings.Contains(outcomes[0].Detail, "size halved") {
		t.Errorf("halving trace lost: %q", outcomes[0].Detail)
	}
	if !strings.Contains(outcomes[0].Detail, "size clamped") {
		t.Errorf("clamp trace missing: %q", outcomes[0].Detail)
	}
}

func TestExecuteQuoteRouting(t *testing.T) {
	// USDT пуст, USDC обеспечен: ордер уходит в пару с USDC
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 0.5, "USDC": 300})
	sim.SetTicker("BTCUSDC", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	orders, _, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if orders[0].Quote != "USDC" {
		t.Errorf("quote = %s, want USDC", orders[0].Quote)
	}
}

func TestExecuteConversionBridgesSplitBalances(t *testing.T) {
	// Средства размазаны: ни одна валюта не тянет минимум, суммарно хватает.
	// С подключенным конвертером координатор сводит их и исполняет.
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 3, "USDC": 4})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)
	coord.SetConverter(sim)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	orders, _, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 0.6, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if orders[0].Quote != "USDT" {
		t.Errorf("quote = %s, want USDT", orders[0].Quote)
	}
}

func TestExecuteConversionSuggestedWithoutConverter(t *testing.T) {
	coord, sim, _ := newTestCoordinator(map[string]float64{"USDT": 3, "USDC": 4})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 1000

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 0.6, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders, want 0", len(orders))
	}
	if outcomes[0].ReasonCode != domain.ReasonConversionSuggested {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonConversionSuggested)
	}
}

func TestExecuteShadowModeSkipsExchange(t *testing.T) {
	coord, _, store := newTestCoordinator(map[string]float64{"USDT": 400})

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModeShadow)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if orders != nil || outcomes != nil {
		t.Errorf("shadow mode produced orders/outcomes: %v / %v", orders, outcomes)
	}

	open, _ := store.OpenOrders(context.Background())
	if len(open) != 0 {
		t.Errorf("shadow mode persisted %d orders", len(open))
	}
}

type rejectingExchange struct {
	*exchange.Simulator
}

func (r *rejectingExchange) PlaceOrder(context.Context, exchange.PlaceOrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, &exchange.APIError{HTTPStatus: 400, RetCode: 10001, Message: "qty below min"}
}

func TestExecuteExchangeRejectionTerminal(t *testing.T) {
	sim := exchange.NewSimulator(map[string]float64{"USDT": 400})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)
	store := ledger.NewMemoryStore()
	coord := NewCoordinator(&rejectingExchange{sim}, store, testConfig(), nil)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	orders, outcomes, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if orders[0].State != domain.OrderRejected {
		t.Errorf("state = %s, want REJECTED", orders[0].State)
	}
	if outcomes[0].ReasonCode != domain.ReasonExchangeRejected {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonExchangeRejected)
	}
	if orders[0].FailReason == "" {
		t.Error("rejected order has no fail reason")
	}
}

func TestCancelStale(t *testing.T) {
	coord, sim, store := newTestCoordinator(map[string]float64{"USDT": 400})
	sim.SetTicker("BTCUSDT", 50000, 49990, 50010)
	sim.SetFillBehavior(exchange.FillNever)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	orders, _, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModePaper)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Свежий ордер не трогаем
	outcomes := coord.CancelStale(context.Background(), orders, orders[0].CreatedAt.Add(time.Minute))
	if len(outcomes) != 0 {
		t.Fatalf("fresh order cancelled: %v", outcomes)
	}

	// Просроченный — активно отменяем
	outcomes = coord.CancelStale(context.Background(), orders, orders[0].CreatedAt.Add(10*time.Minute))
	if len(outcomes) != 1 {
		t.Fatalf("got %d cancel outcomes, want 1", len(outcomes))
	}
	if outcomes[0].ReasonCode != domain.ReasonOrderTimeout {
		t.Errorf("reason = %s, want %s", outcomes[0].ReasonCode, domain.ReasonOrderTimeout)
	}

	saved, _ := store.GetOrder(context.Background(), orders[0].ClientOrderID)
	if saved.State != domain.OrderCancelled {
		t.Errorf("persisted state = %s, want CANCELLED", saved.State)
	}
	open, _ := sim.GetOpenOrders(context.Background())
	if len(open) != 0 {
		t.Errorf("exchange still has %d open orders", len(open))
	}
}

type readOnlyExchange struct {
	*exchange.Simulator
}

func (r *readOnlyExchange) ReadOnly(context.Context) (bool, error) { return true, nil }

func TestExecuteLiveRequiresWriteCredentials(t *testing.T) {
	sim := exchange.NewSimulator(map[string]float64{"USDT": 400})
	store := ledger.NewMemoryStore()
	coord := NewCoordinator(&readOnlyExchange{sim}, store, testConfig(), nil)

	portfolio := domain.NewPortfolioState()
	portfolio.NetLiquidationUSD = 576

	_, _, err := coord.Execute(context.Background(), "c100",
		[]domain.TradeProposal{testProposal("BTC", 2, 50000)},
		portfolio, MarketState{}, domain.ModeLive)
	if !errors.Is(err, domain.ErrReadOnlyCredentials) {
		t.Errorf("error = %v, want ErrReadOnlyCredentials", err)
	}
}
