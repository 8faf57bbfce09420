package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Ticker лучшие bid/ask и последняя цена по символу
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// PlaceOrderRequest запрос на размещение ордера.
// ClientOrderID — идемпотентный ключ: повторная отправка с тем же ключом
// обязана вернуть исходный ордер, а не создать новый.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string
	OrderType     string
	Quantity      float64
	Price         float64
	TimeInForce   string
	ClientOrderID string
}

// OrderAck подтверждение приема ордера биржей
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Reused          bool // true если биржа вернула существующий ордер по ключу
}

// ExchangeOrder ордер в представлении биржи
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            string
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	AvgFillPrice    float64
	Status          string // New | PartiallyFilled | Filled | Cancelled | Rejected | Expired
	UpdatedAt       time.Time
}

// AccountSnapshot авторитетный срез аккаунта для reconciliation
type AccountSnapshot struct {
	Balances  map[string]float64 // Доступный баланс по валютам
	Holdings  map[string]float64 // Единицы базовых активов
	Orders    []ExchangeOrder    // Живые и недавно завершенные ордера
	Timestamp time.Time
}

// Статусы ордеров биржи
const (
	StatusNew             = "New"
	StatusPartiallyFilled = "PartiallyFilled"
	StatusFilled          = "Filled"
	StatusCancelled       = "Cancelled"
	StatusRejected        = "Rejected"
	StatusExpired         = "Expired"
)

// APIError ошибка биржевого API с HTTP-статусом и кодом биржи
type APIError struct {
	HTTPStatus int
	RetCode    int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error: http=%d retCode=%d msg=%s", e.HTTPStatus, e.RetCode, e.Message)
}

// Transient сообщает, стоит ли повторять запрос.
// 429 и 5xx — временные; все остальное — отказ валидации, не ретраится.
func (e *APIError) Transient() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

// Unwrap привязывает ошибку к таксономии domain
func (e *APIError) Unwrap() error {
	if e.Transient() {
		return domain.ErrTransientExchange
	}
	return domain.ErrExchangeRejected
}

// IsTransient классифицирует ошибку вызова биржи.
// Таймауты и отмены контекста считаются временными наравне с 429/5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, domain.ErrTransientExchange) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// OrderStateFromStatus переводит биржевой статус в локальное состояние
func OrderStateFromStatus(status string) (domain.OrderState, bool) {
	switch status {
	case StatusNew:
		return domain.OrderSubmitted, true
	case StatusPartiallyFilled:
		return domain.OrderPartiallyFilled, true
	case StatusFilled:
		return domain.OrderFilled, true
	case StatusCancelled:
		return domain.OrderCancelled, true
	case StatusRejected:
		return domain.OrderRejected, true
	case StatusExpired:
		return domain.OrderExpired, true
	}
	return "", false
}
