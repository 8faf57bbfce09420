package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/internal/exchange"
	"github.com/kirillm/trade-controller/internal/ledger"
	"github.com/kirillm/trade-controller/pkg/utils"
)

// Exchange авторитетный источник состояния ордеров и остатков
type Exchange interface {
	AccountSnapshot(ctx context.Context, coins []string, symbols []string) (exchange.AccountSnapshot, error)
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// Config параметры reconciliation
type Config struct {
	QuotePreference  []string
	DriftTolerance   float64 // Допустимое расхождение позиции в единицах актива
	PartialFillFloor float64
	CooldownDuration time.Duration
}

// Report итог одного прохода reconciliation
type Report struct {
	CorrectedOrders int
	AppliedFills    int
	Divergences     []domain.DivergenceEvent
	// UnresolvedNotionalUSD капитал ордеров, чье состояние выяснить
	// не удалось. Политика обязана считать его находящимся в риске.
	UnresolvedNotionalUSD float64
}

// Service сверяет локальный учет с биржей. Биржа авторитетна:
// при расхождении локальное состояние исправляется, а не наоборот,
// и каждое исправление порождает ровно одно divergence-событие.
type Service struct {
	exchange Exchange
	store    ledger.Store
	cfg      Config
	logger   *utils.Logger
}

// NewService создает reconciliation service
func NewService(ex Exchange, store ledger.Store, cfg Config, logger *utils.Logger) *Service {
	if logger == nil {
		logger = utils.NewLogger("info")
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = 1e-6
	}
	return &Service{exchange: ex, store: store, cfg: cfg, logger: logger}
}

// ColdStart обязательная сверка перед первым циклом после запуска.
// Ошибка здесь блокирует старт торговли: лучше не стартовать, чем
// стартовать на устаревшем учете.
func (s *Service) ColdStart(ctx context.Context) (*Report, error) {
	report, err := s.Run(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: cold start reconciliation failed: %v", domain.ErrReconcileUnavailable, err)
	}
	s.logger.Info("Cold start reconciliation: %d orders corrected, %d fills applied, %d divergences",
		report.CorrectedOrders, report.AppliedFills, len(report.Divergences))
	return report, nil
}

// Run один проход сверки: состояния ордеров, затем остатки и позиции.
// При недоступности биржи возвращается ErrReconcileUnavailable вместе
// с суммой незакрытого капитала — вызывающий обязан трактовать его
// консервативно (как находящийся в риске).
func (s *Service) Run(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{}

	open, err := s.store.OpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load open orders: %w", err)
	}

	ps, err := s.store.Portfolio(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load portfolio: %w", err)
	}

	// Запрашиваем остатки и по открытым ордерам, и по удерживаемым
	// позициям: биржа отдает Holdings только по запрошенным символам,
	// и позиция без открытого ордера иначе останется без сверки.
	symbols := make([]string, 0, len(open)+len(ps.Positions))
	seen := make(map[string]bool)
	for _, o := range open {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	for symbol := range ps.Positions {
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}

	snapshot, err := s.exchange.AccountSnapshot(ctx, s.cfg.QuotePreference, symbols)
	if err != nil {
		report.UnresolvedNotionalUSD = ledger.OpenOrderNotional(open)
		return report, fmt.Errorf("%w: %v", domain.ErrReconcileUnavailable, err)
	}

	exchangeOrders := make(map[string]exchange.ExchangeOrder, len(snapshot.Orders))
	for _, eo := range snapshot.Orders {
		exchangeOrders[eo.ClientOrderID] = eo
	}

	for _, order := range open {
		corrected, fills, div := s.reconcileOrder(ctx, order, exchangeOrders, now)
		report.CorrectedOrders += corrected
		report.AppliedFills += fills
		if div != nil {
			report.Divergences = append(report.Divergences, *div)
		}
	}

	divs, err := s.reconcilePortfolio(ctx, snapshot, now)
	if err != nil {
		return report, err
	}
	report.Divergences = append(report.Divergences, divs...)

	return report, nil
}

// reconcileOrder сверяет один локальный ордер с биржевым представлением.
// Терминальный локальный ордер не трогается: повторное наблюдение
// завершенного ордера — no-op, не ошибка.
func (s *Service) reconcileOrder(
	ctx context.Context,
	order *domain.Order,
	exchangeOrders map[string]exchange.ExchangeOrder,
	now time.Time,
) (int, int, *domain.DivergenceEvent) {
	if order.State.IsTerminal() {
		return 0, 0, nil
	}

	eo, found := exchangeOrders[order.ClientOrderID]
	if !found {
		// Биржа ордер не знает. CREATED мог не дойти — это не расхождение.
		// SUBMITTED без следа на бирже — расхождение, фиксируем как EXPIRED.
		if order.State == domain.OrderCreated {
			return 0, 0, nil
		}
		div := &domain.DivergenceEvent{
			Kind:          domain.DivergenceOrderState,
			Symbol:        order.Symbol,
			ClientOrderID: order.ClientOrderID,
			LocalValue:    string(order.State),
			ExchangeValue: "unknown",
			ObservedAt:    now,
		}
		if err := order.Transition(domain.OrderExpired, now); err != nil {
			s.logger.Error("Failed to expire unknown order %s: %v", order.ClientOrderID, err)
			return 0, 0, div
		}
		if err := s.store.SaveOrder(ctx, order); err != nil {
			s.logger.Error("Failed to persist expired order %s: %v", order.ClientOrderID, err)
		}
		return 1, 0, div
	}

	remoteState, ok := exchange.OrderStateFromStatus(eo.Status)
	if !ok {
		s.logger.Warn("Unknown exchange status %q for order %s", eo.Status, order.ClientOrderID)
		return 0, 0, nil
	}

	localBefore := order.State
	if order.State == domain.OrderCreated {
		// Биржа ордер знает, а локально он CREATED: подтверждение отправки
		// было получено, но не успело сохраниться (crash между PlaceOrder
		// и записью). Проводим через SUBMITTED, иначе филлы не применить.
		if err := order.Transition(domain.OrderSubmitted, now); err != nil {
			s.logger.Error("Failed to acknowledge order %s: %v", order.ClientOrderID, err)
			return 0, 0, nil
		}
	}

	div := &domain.DivergenceEvent{
		Kind:          domain.DivergenceOrderState,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		LocalValue:    string(localBefore),
		ExchangeValue: string(remoteState),
		ObservedAt:    now,
	}

	if remoteState == order.State {
		if localBefore == order.State {
			return 0, 0, nil
		}
		// Только подтверждение отправки: сохраняем SUBMITTED как коррекцию
		if err := s.store.SaveOrder(ctx, order); err != nil {
			s.logger.Error("Failed to persist corrected order %s: %v", order.ClientOrderID, err)
		}
		s.logger.Info("Order %s corrected: %s -> %s (exchange authoritative)",
			order.ClientOrderID, localBefore, order.State)
		return 1, 0, div
	}

	fills := 0
	localFilled := order.FilledQuantity()

	switch remoteState {
	case domain.OrderFilled, domain.OrderPartiallyFilled:
		// Недостающий объем прикладываем как один fill по средней цене
		missing := eo.FilledQuantity - localFilled
		if missing > 0 {
			fill := domain.Fill{Price: eo.AvgFillPrice, Quantity: missing, Timestamp: now}
			if err := order.RecordFill(fill, s.cfg.PartialFillFloor); err != nil {
				s.logger.Error("Failed to apply fill to order %s: %v", order.ClientOrderID, err)
				return 0, 0, div
			}
			fills = 1
			if err := s.applyFillToPortfolio(ctx, order, fill, now); err != nil {
				s.logger.Error("Failed to apply fill to portfolio: %v", err)
			}
		} else if err := order.Transition(remoteState, now); err != nil {
			s.logger.Error("Failed to correct order %s to %s: %v", order.ClientOrderID, remoteState, err)
			return 0, 0, div
		}
	default:
		if err := order.Transition(remoteState, now); err != nil {
			s.logger.Error("Failed to correct order %s to %s: %v", order.ClientOrderID, remoteState, err)
			return 0, 0, div
		}
	}

	if err := s.store.SaveOrder(ctx, order); err != nil {
		s.logger.Error("Failed to persist corrected order %s: %v", order.ClientOrderID, err)
	}

	s.logger.Info("Order %s corrected: %s -> %s (exchange authoritative)",
		order.ClientOrderID, div.LocalValue, order.State)

	return 1, fills, div
}

// applyFillToPortfolio обновляет позицию и ставит cooldown символа
func (s *Service) applyFillToPortfolio(ctx context.Context, order *domain.Order, fill domain.Fill, now time.Time) error {
	return s.store.UpdatePortfolio(ctx, func(ps *domain.PortfolioState) error {
		pos := ps.Positions[order.Symbol]
		pos.Symbol = order.Symbol
		pos.Units += fill.Quantity
		pos.ValueUSD += fill.Quantity * fill.Price
		ps.Positions[order.Symbol] = pos
		if s.cfg.CooldownDuration > 0 {
			ps.Cooldowns[order.Symbol] = now.Add(s.cfg.CooldownDuration)
		}
		return nil
	})
}

// reconcilePortfolio сверяет локальные позиции с биржевыми остатками.
// Дрейф в пределах tolerance игнорируется; сверх — локальный учет
// исправляется по бирже с divergence-событием.
func (s *Service) reconcilePortfolio(ctx context.Context, snapshot exchange.AccountSnapshot, now time.Time) ([]domain.DivergenceEvent, error) {
	var divs []domain.DivergenceEvent

	err := s.store.UpdatePortfolio(ctx, func(ps *domain.PortfolioState) error {
		// Объединение локально известных и биржевых активов
		assets := make(map[string]bool)
		for symbol := range ps.Positions {
			assets[symbol] = true
		}
		for symbol := range snapshot.Holdings {
			assets[symbol] = true
		}

		for symbol := range assets {
			remoteUnits, known := snapshot.Holdings[symbol]
			if !known {
				// Символа нет в срезе — остаток неизвестен, а не нулевой.
				// Исправлять локальный учет по отсутствию данных нельзя.
				continue
			}
			localUnits := ps.Positions[symbol].Units
			drift := remoteUnits - localUnits
			if drift < 0 {
				drift = -drift
			}
			if drift <= s.cfg.DriftTolerance {
				continue
			}

			divs = append(divs, domain.DivergenceEvent{
				Kind:          domain.DivergencePosition,
				Symbol:        symbol,
				LocalValue:    fmt.Sprintf("%.8f", localUnits),
				ExchangeValue: fmt.Sprintf("%.8f", remoteUnits),
				ObservedAt:    now,
			})

			pos := ps.Positions[symbol]
			pos.Symbol = symbol
			pos.Units = remoteUnits
			pos.ValueUSD = s.markValue(symbol, remoteUnits)
			if remoteUnits == 0 {
				delete(ps.Positions, symbol)
			} else {
				ps.Positions[symbol] = pos
			}

			s.logger.Warn("Position drift on %s: local %.8f, exchange %.8f — ledger corrected",
				symbol, localUnits, remoteUnits)
		}

		// NLV: quote-балансы плюс позиции по текущим ценам
		nlv := 0.0
		for _, coin := range s.cfg.QuotePreference {
			nlv += snapshot.Balances[coin]
		}
		for _, pos := range ps.Positions {
			nlv += pos.ValueUSD
		}
		ps.NetLiquidationUSD = nlv
		ps.UpdatedAt = now

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist portfolio reconciliation: %w", err)
	}

	return divs, nil
}

// markValue оценивает позицию по последней цене первой доступной пары
func (s *Service) markValue(symbol string, units float64) float64 {
	for _, quote := range s.cfg.QuotePreference {
		t, err := s.exchange.GetTicker(context.Background(), symbol+quote)
		if err == nil && t.Last > 0 {
			return units * t.Last
		}
	}
	return 0
}
