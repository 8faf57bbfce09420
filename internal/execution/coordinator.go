package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/internal/exchange"
	"github.com/kirillm/trade-controller/pkg/utils"
)

// Exchange операции биржи, нужные координатору
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	GetBalance(ctx context.Context, coin string) (float64, error)
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	ReadOnly(ctx context.Context) (bool, error)
}

// QuoteConverter конвертация quote-валют. В non-live режимах — симуляция;
// в live режиме конвертер не подключен и координатор только предлагает
// конвертацию, не выполняя ее.
type QuoteConverter interface {
	Convert(ctx context.Context, from, to string, amountUSD float64) error
}

// OrderStore персистентность ордеров (dedupe-таблица по ключу)
type OrderStore interface {
	SaveOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error)
}

// MarketState рыночные данные цикла, собранные до исполнения
type MarketState struct {
	Tickers map[string]exchange.Ticker // Ключ — торговая пара (BTCUSDT)
	MovePct map[string]float64         // Короткоокновое движение цены по базовому активу, %
}

// Config параметры координатора
type Config struct {
	QuotePreference  []string
	MinNotionalUSD   float64
	SlippageCeiling  float64
	VolatilityHalve  float64 // Порог движения для деления размера пополам, %
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	OrderWaitTimeout time.Duration
}

// balanceClampRatio доля доступного баланса, выше которой размер зажимается
const balanceClampRatio = 0.99

// Coordinator превращает одобренные proposals в идемпотентные лимитные
// ордера. Никакого "fire and forget": каждый вызов блокирующий с таймаутом,
// неуспевшие ордера активно отменяются через CancelStale.
type Coordinator struct {
	exchange  Exchange
	converter QuoteConverter
	store     OrderStore
	slippage  *SlippageGuard
	cfg       Config
	logger    *utils.Logger
}

// NewCoordinator создает координатор исполнения
func NewCoordinator(ex Exchange, store OrderStore, cfg Config, logger *utils.Logger) *Coordinator {
	if logger == nil {
		logger = utils.NewLogger("info")
	}
	return &Coordinator{
		exchange: ex,
		store:    store,
		slippage: NewSlippageGuard(cfg.SlippageCeiling),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetConverter подключает конвертер quote-валют (paper-режим)
func (c *Coordinator) SetConverter(conv QuoteConverter) {
	c.converter = conv
}

// Execute исполняет батч одобренных proposals в рамках одного цикла.
// Ключ каждого ордера — детерминированная функция (цикл, символ, отпечаток):
// повтор после падения или таймаута воспроизводит тот же ключ и схлопывается
// в исходный ордер, не в новый филл.
func (c *Coordinator) Execute(
	ctx context.Context,
	cycleID string,
	approved []domain.TradeProposal,
	portfolio *domain.PortfolioState,
	market MarketState,
	mode domain.Mode,
) ([]*domain.Order, []domain.OrderOutcome, error) {
	if !mode.AllowsExecution() {
		return nil, nil, nil
	}

	// Live-отправка требует явно не-read-only ключей
	if mode == domain.ModeLive {
		readOnly, err := c.exchange.ReadOnly(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to verify credential state: %w", err)
		}
		if readOnly {
			return nil, nil, domain.ErrReadOnlyCredentials
		}
	}

	var orders []*domain.Order
	var outcomes []domain.OrderOutcome

	for _, p := range approved {
		order, outcome := c.executeOne(ctx, cycleID, p, portfolio, market)
		outcomes = append(outcomes, outcome)
		if order != nil {
			orders = append(orders, order)
		}
	}

	return orders, outcomes, nil
}

// executeOne исполняет один proposal. Ошибка одного proposal никогда
// не прерывает остальной батч.
func (c *Coordinator) executeOne(
	ctx context.Context,
	cycleID string,
	p domain.TradeProposal,
	portfolio *domain.PortfolioState,
	market MarketState,
) (*domain.Order, domain.OrderOutcome) {
	key := ClientOrderID(cycleID, p.Symbol, p.Fingerprint())

	outcome := domain.OrderOutcome{ClientOrderID: key, Symbol: p.Symbol}

	// 1. Dedupe: существующий ордер этого цикла переиспользуется.
	// CREATED переотправляется с тем же ключом (мог не дойти до биржи),
	// все прочие состояния — no-op.
	existing, err := c.store.GetOrder(ctx, key)
	if err == nil && existing.State != domain.OrderCreated {
		outcome.State = string(existing.State)
		outcome.NotionalUSD = existing.NotionalUSD
		outcome.Reused = true
		outcome.Detail = "duplicate submission collapsed into existing order"
		return existing, outcome
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		outcome.ReasonCode = domain.ReasonRetriesExhausted
		outcome.Detail = fmt.Sprintf("order lookup failed: %v", err)
		return nil, outcome
	}

	// 2. Запрошенный размер от NLV
	notional := portfolio.NetLiquidationUSD * p.SizePercent / 100.0

	// 3. Volatility-aware sizing: резкое движение делит размер пополам,
	// а не отклоняет proposal
	if move, ok := market.MovePct[p.Symbol]; ok && move > c.cfg.VolatilityHalve {
		notional /= 2
		outcome.ReasonCode = domain.ReasonVolatilityHalved
		outcome.Detail = fmt.Sprintf("1h move %.2f%% > %.2f%%, size halved", move, c.cfg.VolatilityHalve)
	}

	// 4. Роутинг quote-валюты по живым балансам
	quote, available, routeOutcome := c.routeQuote(ctx, p.Symbol, notional)
	if routeOutcome != nil {
		routeOutcome.ClientOrderID = key
		routeOutcome.Symbol = p.Symbol
		return nil, *routeOutcome
	}

	// 5. Clamp к 99% доступного баланса вместо отказа.
	// Detail аккумулируется: след halving не затирается clamp'ом.
	if notional > available*balanceClampRatio {
		notional = available * balanceClampRatio
		outcome.ReasonCode = domain.ReasonSizeClamped
		appendDetail(&outcome, fmt.Sprintf("size clamped to %.2f (99%% of %s balance)", notional, quote))
	}
	if notional < c.cfg.MinNotionalUSD {
		outcome.ReasonCode = domain.ReasonInsufficientQuote
		appendDetail(&outcome, fmt.Sprintf("clamped notional %.2f below floor %.2f", notional, c.cfg.MinNotionalUSD))
		return nil, outcome
	}

	pair := p.Symbol + quote

	// 6. Обязательный slippage guard: best ask против референсной цены
	ticker, err := c.exchange.GetTicker(ctx, pair)
	if err != nil {
		outcome.ReasonCode = domain.ReasonRetriesExhausted
		outcome.Detail = fmt.Sprintf("ticker unavailable: %v", err)
		return nil, outcome
	}
	if err := c.slippage.Check(ticker.Ask, p.ReferencePrice); err != nil {
		outcome.ReasonCode = domain.ReasonSlippageExceeded
		outcome.Detail = err.Error()
		return nil, outcome
	}

	// 7. Post-only лимитный ордер по лучшему bid
	price := ticker.Bid
	if price <= 0 {
		outcome.ReasonCode = domain.ReasonRetriesExhausted
		outcome.Detail = "no bid price available"
		return nil, outcome
	}

	now := time.Now()
	order := existing
	if order == nil {
		order = &domain.Order{
			ClientOrderID: key,
			CycleID:       cycleID,
			Symbol:        p.Symbol,
			Side:          domain.SideBuy,
			Quote:         quote,
			Quantity:      notional / price,
			Price:         price,
			NotionalUSD:   notional,
			TimeInForce:   domain.TimeInForcePostOnly,
			State:         domain.OrderCreated,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	// Локальная запись до отправки: после падения ключ восстановим из ledger
	if err := c.store.SaveOrder(ctx, order); err != nil {
		outcome.ReasonCode = domain.ReasonRetriesExhausted
		outcome.Detail = fmt.Sprintf("failed to persist order: %v", err)
		return nil, outcome
	}

	return c.submit(ctx, order, outcome)
}

// submit отправляет ордер с идемпотентными ретраями.
// Временные ошибки ретраятся с тем же ключом; отказ валидации терминален.
func (c *Coordinator) submit(ctx context.Context, order *domain.Order, outcome domain.OrderOutcome) (*domain.Order, domain.OrderOutcome) {
	req := exchange.PlaceOrderRequest{
		Symbol:        order.Symbol + order.Quote,
		Side:          order.Side,
		OrderType:     domain.OrderTypeLimit,
		Quantity:      order.Quantity,
		Price:         order.Price,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: order.ClientOrderID,
	}

	var ack exchange.OrderAck
	err := WithRetry(ctx, c.cfg.MaxRetryAttempts, c.cfg.RetryBaseDelay, func() error {
		var placeErr error
		ack, placeErr = c.exchange.PlaceOrder(ctx, req)
		return placeErr
	})

	now := time.Now()

	if err != nil {
		if exchange.IsTransient(err) {
			// Исчерпаны ретраи: судьба ордера неизвестна, оставляем
			// нетерминальным — reconciliation разрешит расхождение
			outcome.State = string(order.State)
			outcome.ReasonCode = domain.ReasonRetriesExhausted
			outcome.Detail = fmt.Sprintf("transient submission failure: %v", err)
			c.logger.Warn("Order %s submission unresolved after retries: %v", order.ClientOrderID, err)
			return order, outcome
		}

		// Отказ валидации: терминально, не ретраится
		order.FailReason = err.Error()
		if trErr := order.Transition(domain.OrderRejected, now); trErr != nil {
			c.logger.Error("Failed to mark order %s rejected: %v", order.ClientOrderID, trErr)
		}
		_ = c.store.SaveOrder(ctx, order)
		outcome.State = string(order.State)
		outcome.ReasonCode = domain.ReasonExchangeRejected
		outcome.Detail = err.Error()
		return order, outcome
	}

	order.ExchangeOrderID = ack.ExchangeOrderID
	if err := order.Transition(domain.OrderSubmitted, now); err != nil {
		c.logger.Error("Failed to mark order %s submitted: %v", order.ClientOrderID, err)
	}
	if err := c.store.SaveOrder(ctx, order); err != nil {
		outcome.State = string(order.State)
		outcome.ReasonCode = domain.ReasonRetriesExhausted
		outcome.Detail = fmt.Sprintf("failed to persist submitted order: %v", err)
		return order, outcome
	}

	outcome.State = string(order.State)
	outcome.NotionalUSD = order.NotionalUSD
	if outcome.ReasonCode == "" {
		outcome.ReasonCode = domain.ReasonApproved
	}
	if ack.Reused {
		outcome.Detail = "exchange deduplicated submission by client order id"
	}

	c.logger.Info("Order submitted: %s %s %s qty=%.8f price=%.4f notional=%.2f",
		order.ClientOrderID, order.Side, order.Symbol+order.Quote, order.Quantity, order.Price, order.NotionalUSD)

	return order, outcome
}

// routeQuote подбирает quote-валюту по упорядоченному списку предпочтений.
// Если ни одна пара не обеспечена балансом, а суммарно средств хватает —
// конвертация: симулируется при подключенном конвертере, иначе только
// предлагается (никогда не молчаливый отказ).
func (c *Coordinator) routeQuote(ctx context.Context, symbol string, notional float64) (string, float64, *domain.OrderOutcome) {
	balances := make(map[string]float64, len(c.cfg.QuotePreference))
	total := 0.0

	for _, quote := range c.cfg.QuotePreference {
		bal, err := c.exchange.GetBalance(ctx, quote)
		if err != nil {
			return "", 0, &domain.OrderOutcome{
				ReasonCode: domain.ReasonRetriesExhausted,
				Detail:     fmt.Sprintf("balance query for %s failed: %v", quote, err),
			}
		}
		balances[quote] = bal
		total += bal

		// Первая пара с достаточным балансом выигрывает; clamp допустим,
		// если после него останется хотя бы минимальный notional
		if bal*balanceClampRatio >= c.cfg.MinNotionalUSD {
			return quote, bal, nil
		}
	}

	// Суммарных средств не хватает даже на минимальный ордер
	if total*balanceClampRatio < c.cfg.MinNotionalUSD {
		return "", 0, &domain.OrderOutcome{
			ReasonCode: domain.ReasonInsufficientQuote,
			Detail:     fmt.Sprintf("insufficient quote currency: %.2f total across %v", total, c.cfg.QuotePreference),
		}
	}

	// Средства размазаны: предлагаем конвертацию в первую предпочитаемую
	target := c.cfg.QuotePreference[0]
	richest, richestBal := "", 0.0
	for quote, bal := range balances {
		if quote != target && bal > richestBal {
			richest, richestBal = quote, bal
		}
	}

	if c.converter != nil {
		if err := c.converter.Convert(ctx, richest, target, richestBal); err == nil {
			if bal, err := c.exchange.GetBalance(ctx, target); err == nil && bal*balanceClampRatio >= c.cfg.MinNotionalUSD {
				return target, bal, nil
			}
		}
	}

	return "", 0, &domain.OrderOutcome{
		ReasonCode: domain.ReasonConversionSuggested,
		Detail:     fmt.Sprintf("convert %.2f %s to %s to fund %s order", richestBal, richest, target, symbol),
	}
}

// CancelStale активно отменяет нетерминальные ордера, простоявшие дольше
// лимита ожидания. Ордер, который биржа уже закрыла, оставляется
// reconciliation — отказ отмены здесь не ошибка.
func (c *Coordinator) CancelStale(ctx context.Context, orders []*domain.Order, now time.Time) []domain.OrderOutcome {
	var outcomes []domain.OrderOutcome

	for _, order := range orders {
		if order.State.IsTerminal() || order.State == domain.OrderCreated {
			continue
		}
		if now.Sub(order.CreatedAt) < c.cfg.OrderWaitTimeout {
			continue
		}

		outcome := c.cancelOne(ctx, order, now, domain.ReasonOrderTimeout)
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

// CancelAll отменяет все нетерминальные ордера (graceful shutdown).
// Возвращает ордера, которые отменить не удалось: они остаются живыми
// и деградация обязана быть залогирована вызывающим.
func (c *Coordinator) CancelAll(ctx context.Context, orders []*domain.Order) []*domain.Order {
	var failed []*domain.Order

	for _, order := range orders {
		if order.State.IsTerminal() || order.State == domain.OrderCreated {
			continue
		}
		outcome := c.cancelOne(ctx, order, time.Now(), domain.ReasonOrderTimeout)
		if outcome.State != string(domain.OrderCancelled) {
			failed = append(failed, order)
		}
	}

	return failed
}

func (c *Coordinator) cancelOne(ctx context.Context, order *domain.Order, now time.Time, reason string) domain.OrderOutcome {
	outcome := domain.OrderOutcome{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		NotionalUSD:   order.NotionalUSD,
		ReasonCode:    reason,
	}

	err := WithRetry(ctx, c.cfg.MaxRetryAttempts, c.cfg.RetryBaseDelay, func() error {
		return c.exchange.CancelOrder(ctx, order.Symbol+order.Quote, order.ClientOrderID)
	})
	if err != nil {
		outcome.State = string(order.State)
		outcome.Detail = fmt.Sprintf("cancellation failed, leaving to reconciliation: %v", err)
		c.logger.Warn("Failed to cancel order %s: %v", order.ClientOrderID, err)
		return outcome
	}

	if trErr := order.Transition(domain.OrderCancelled, now); trErr != nil {
		c.logger.Error("Failed to mark order %s cancelled: %v", order.ClientOrderID, trErr)
	}
	_ = c.store.SaveOrder(ctx, order)

	outcome.State = string(order.State)
	outcome.Detail = "unfilled order actively cancelled"
	return outcome
}

// appendDetail дописывает причину в Detail, сохраняя предыдущие
func appendDetail(outcome *domain.OrderOutcome, detail string) {
	if outcome.Detail == "" {
		outcome.Detail = detail
		return
	}
	outcome.Detail += "; " + detail
}
