package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FillBehavior поведение симулятора при размещении ордера
type FillBehavior int

const (
	FillImmediately FillBehavior = iota // Ордер исполняется сразу целиком
	FillNever                           // Ордер остается открытым до отмены
	FillPartially                       // Исполняется половина количества
)

// Simulator детерминированная in-process биржа для режимов shadow/paper.
// Дедуплицирует ордера по ClientOrderID так же, как реальная биржа
// по orderLinkId: повтор ключа возвращает исходный ордер, не новый филл.
type Simulator struct {
	mu       sync.Mutex
	balances map[string]float64
	holdings map[string]float64
	tickers  map[string]Ticker
	orders   map[string]*ExchangeOrder // ClientOrderID -> ордер
	behavior FillBehavior
	now      func() time.Time
	seq      int
}

// NewSimulator создает симулятор с заданными балансами quote-валют
func NewSimulator(balances map[string]float64) *Simulator {
	s := &Simulator{
		balances: make(map[string]float64),
		holdings: make(map[string]float64),
		tickers:  make(map[string]Ticker),
		orders:   make(map[string]*ExchangeOrder),
		behavior: FillImmediately,
		now:      time.Now,
	}
	for coin, bal := range balances {
		s.balances[coin] = bal
	}
	return s
}

// SetFillBehavior задает поведение филлов
func (s *Simulator) SetFillBehavior(b FillBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// SetTicker задает рыночные данные символа
func (s *Simulator) SetTicker(symbol string, last, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[symbol] = Ticker{Symbol: symbol, Last: last, Bid: bid, Ask: ask, Timestamp: s.now()}
}

// SetClock подменяет источник времени (для тестов)
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetTicker возвращает рыночные данные символа
func (s *Simulator) GetTicker(_ context.Context, symbol string) (Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickers[symbol]
	if !ok {
		return Ticker{}, fmt.Errorf("no ticker data for symbol %s", symbol)
	}
	return t, nil
}

// GetBalance возвращает доступный баланс валюты
func (s *Simulator) GetBalance(_ context.Context, coin string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[coin]; ok {
		return bal, nil
	}
	return s.holdings[coin], nil
}

// Convert переводит средства между quote-валютами 1:1 (стейблкоины)
func (s *Simulator) Convert(_ context.Context, from, to string, amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[from] < amountUSD {
		return fmt.Errorf("insufficient %s balance for conversion: have %.2f, need %.2f", from, s.balances[from], amountUSD)
	}
	s.balances[from] -= amountUSD
	s.balances[to] += amountUSD
	return nil
}

// PlaceOrder размещает ордер с дедупликацией по ClientOrderID
func (s *Simulator) PlaceOrder(_ context.Context, req PlaceOrderRequest) (OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Идемпотентность: существующий ключ возвращает исходный ордер
	if existing, ok := s.orders[req.ClientOrderID]; ok {
		return OrderAck{
			ExchangeOrderID: existing.ExchangeOrderID,
			ClientOrderID:   existing.ClientOrderID,
			Reused:          true,
		}, nil
	}

	cost := req.Quantity * req.Price
	quote := quoteAsset(req.Symbol)
	if s.balances[quote] < cost {
		return OrderAck{}, &APIError{HTTPStatus: 200, RetCode: 170131, Message: "insufficient balance"}
	}

	s.seq++
	order := &ExchangeOrder{
		ExchangeOrderID: fmt.Sprintf("sim-%06d", s.seq),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          StatusNew,
		UpdatedAt:       s.now(),
	}

	switch s.behavior {
	case FillImmediately:
		order.FilledQuantity = req.Quantity
		order.AvgFillPrice = req.Price
		order.Status = StatusFilled
		s.settle(req, req.Quantity)
	case FillPartially:
		order.FilledQuantity = req.Quantity / 2
		order.AvgFillPrice = req.Price
		order.Status = StatusPartiallyFilled
		s.settle(req, req.Quantity/2)
	case FillNever:
		// Резервируем средства, филла нет
		s.balances[quote] -= cost
	}

	s.orders[req.ClientOrderID] = order
	return OrderAck{ExchangeOrderID: order.ExchangeOrderID, ClientOrderID: req.ClientOrderID}, nil
}

// settle списывает quote и зачисляет базовый актив по филлу
func (s *Simulator) settle(req PlaceOrderRequest, filledQty float64) {
	quote := quoteAsset(req.Symbol)
	s.balances[quote] -= filledQty * req.Price
	s.holdings[baseAsset(req.Symbol)] += filledQty
}

// CancelOrder отменяет живой ордер; терминальный ордер — ошибка валидации
func (s *Simulator) CancelOrder(_ context.Context, symbol, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[clientOrderID]
	if !ok {
		return &APIError{HTTPStatus: 200, RetCode: 170213, Message: "order not exists"}
	}
	if order.Status == StatusFilled || order.Status == StatusCancelled || order.Status == StatusRejected {
		return &APIError{HTTPStatus: 200, RetCode: 170213, Message: "order already terminal"}
	}

	// Возврат зарезервированного неисполненного остатка
	remaining := order.Quantity - order.FilledQuantity
	s.balances[quoteAsset(symbol)] += remaining * order.Price

	order.Status = StatusCancelled
	order.UpdatedAt = s.now()
	return nil
}

// MarkFilled помечает открытый ордер исполненным (управление сценарием теста)
func (s *Simulator) MarkFilled(clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[clientOrderID]; ok && order.Status != StatusFilled {
		remaining := order.Quantity - order.FilledQuantity
		order.FilledQuantity = order.Quantity
		order.AvgFillPrice = order.Price
		order.Status = StatusFilled
		order.UpdatedAt = s.now()
		s.holdings[baseAsset(order.Symbol)] += remaining
	}
}

// GetOpenOrders возвращает живые ордера
func (s *Simulator) GetOpenOrders(_ context.Context) ([]ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExchangeOrder
	for _, o := range s.orders {
		if o.Status == StatusNew || o.Status == StatusPartiallyFilled {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrderHistory возвращает завершенные ордера
func (s *Simulator) GetOrderHistory(_ context.Context) ([]ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExchangeOrder
	for _, o := range s.orders {
		switch o.Status {
		case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
			out = append(out, *o)
		}
	}
	return out, nil
}

// AccountSnapshot срез аккаунта симулятора
func (s *Simulator) AccountSnapshot(ctx context.Context, coins []string, symbols []string) (AccountSnapshot, error) {
	s.mu.Lock()
	snap := AccountSnapshot{
		Balances:  make(map[string]float64, len(s.balances)),
		Holdings:  make(map[string]float64, len(s.holdings)),
		Timestamp: s.now(),
	}
	for k, v := range s.balances {
		snap.Balances[k] = v
	}
	for k, v := range s.holdings {
		snap.Holdings[k] = v
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	s.mu.Unlock()
	return snap, nil
}

// ReadOnly симулятор всегда торгуемый
func (s *Simulator) ReadOnly(_ context.Context) (bool, error) {
	return false, nil
}

// Degraded симулятор всегда здоров
func (s *Simulator) Degraded() bool {
	return false
}

// quoteAsset выделяет quote-валюту из символа (BTCUSDT -> USDT)
func quoteAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return quote
		}
	}
	return "USDT"
}
