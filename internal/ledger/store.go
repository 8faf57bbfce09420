package ledger

import (
	"context"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Store контракт Ledger Store — единственного разделяемого мутабельного
// ресурса между циклами. Гарантии:
//   - атомарный read-modify-write PortfolioState: конкурентный читатель
//     никогда не видит частичную запись;
//   - single-writer: мутации только через UpdatePortfolio, снапшоты
//     читателям выдаются копиями;
//   - терминальные ордера архивируются, не удаляются;
//   - audit-записи append-only.
type Store interface {
	// Portfolio возвращает глубокую копию текущего состояния
	Portfolio(ctx context.Context) (*domain.PortfolioState, error)

	// UpdatePortfolio атомарно применяет мутацию. Ошибка fn откатывает
	// запись целиком.
	UpdatePortfolio(ctx context.Context, fn func(*domain.PortfolioState) error) error

	// SaveOrder создает или обновляет ордер по ClientOrderID
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder возвращает ордер по идемпотентному ключу
	GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// OpenOrders возвращает все нетерминальные ордера
	OpenOrders(ctx context.Context) ([]*domain.Order, error)

	// AppendAudit дописывает audit-запись цикла
	AppendAudit(ctx context.Context, record *domain.AuditRecord) error

	Close() error
}

// OpenOrderNotional суммарный notional нетерминальных ордеров.
// Входит в total-at-risk при оценке политикой.
func OpenOrderNotional(orders []*domain.Order) float64 {
	total := 0.0
	for _, o := range orders {
		if !o.State.IsTerminal() {
			total += o.NotionalUSD
		}
	}
	return total
}

// ResetDueCounters сбрасывает счетчики на границах окон (час, день).
// Возвращает список сброшенных окон; вызывающий обязан записать каждый
// сброс в audit trail, это не тихий побочный эффект.
func ResetDueCounters(ps *domain.PortfolioState, now time.Time) []string {
	var reset []string

	dayStart := now.Truncate(24 * time.Hour)
	if ps.Counters.DayStart.Before(dayStart) {
		ps.Counters.TradesToday = 0
		ps.Counters.DayStart = dayStart
		reset = append(reset, "daily")
	}

	hourStart := now.Truncate(time.Hour)
	if ps.Counters.HourStart.Before(hourStart) {
		ps.Counters.TradesThisHour = 0
		ps.Counters.HourStart = hourStart
		reset = append(reset, "hourly")
	}

	return reset
}
