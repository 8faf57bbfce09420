package domain

import (
	"fmt"
	"time"
)

// OrderState состояние жизненного цикла ордера.
// Закрытый enum: переходы разрешены только по таблице transitions.
type OrderState string

const (
	OrderCreated         OrderState = "CREATED"          // Локальная запись до подтверждения биржей
	OrderSubmitted       OrderState = "SUBMITTED"        // Биржа подтвердила прием
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED" // Есть филлы, остаток выше порога
	OrderFilled          OrderState = "FILLED"           // Терминальное
	OrderRejected        OrderState = "REJECTED"         // Терминальное
	OrderCancelled       OrderState = "CANCELLED"        // Терминальное
	OrderExpired         OrderState = "EXPIRED"          // Терминальное
)

// transitions таблица допустимых переходов
var transitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitted, OrderRejected},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled, OrderExpired},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
	OrderFilled:          {},
	OrderRejected:        {},
	OrderCancelled:       {},
	OrderExpired:         {},
}

// IsTerminal проверяет терминальность состояния
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// CanTransition проверяет допустимость перехода
func (s OrderState) CanTransition(next OrderState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order ордер с идемпотентным клиентским ключом.
// Создается Order Coordinator'ом; состояние мутирует только через Transition
// в ответ на подтверждения биржи или reconciliation. Терминальные ордера
// архивируются, никогда не удаляются.
type Order struct {
	ClientOrderID   string     `json:"client_order_id"` // Идемпотентный ключ
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	CycleID         string     `json:"cycle_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Quote           string     `json:"quote"` // Quote-валюта (USDT, USDC...)
	Quantity        float64    `json:"quantity"`
	Price           float64    `json:"price"`
	NotionalUSD     float64    `json:"notional_usd"`
	TimeInForce     string     `json:"time_in_force"`
	State           OrderState `json:"state"`
	Fills           []Fill     `json:"fills,omitempty"`
	FailReason      string     `json:"fail_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Transition переводит ордер в новое состояние.
// Переход из терминального состояния — ошибка ErrInvalidTransition:
// вызывающий код (reconciliation) обязан проверить IsTerminal и
// трактовать повторное событие как no-op.
func (o *Order) Transition(next OrderState, now time.Time) error {
	if !o.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.State, next, o.ClientOrderID)
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// FilledQuantity суммарное исполненное количество
func (o *Order) FilledQuantity() float64 {
	total := 0.0
	for _, f := range o.Fills {
		total += f.Quantity
	}
	return total
}

// RemainingQuantity неисполненный остаток
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity()
	if rem < 0 {
		return 0
	}
	return rem
}

// RecordFill добавляет fill и переводит состояние.
// partialFloor — минимальный остаток, ниже которого ордер считается FILLED.
func (o *Order) RecordFill(fill Fill, partialFloor float64) error {
	if o.State.IsTerminal() {
		return fmt.Errorf("%w: fill on terminal order %s", ErrInvalidTransition, o.ClientOrderID)
	}
	o.Fills = append(o.Fills, fill)
	if o.RemainingQuantity() <= partialFloor {
		return o.Transition(OrderFilled, fill.Timestamp)
	}
	return o.Transition(OrderPartiallyFilled, fill.Timestamp)
}
