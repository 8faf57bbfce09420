package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// OrderRepository хранит ордера по идемпотентному ключу.
// PRIMARY KEY на client_order_id — локальная dedupe-таблица: повторная
// запись того же ключа обновляет исходный ордер, не создает новый.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый репозиторий
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Save создает или обновляет ордер
func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, cycle_id, symbol, state, notional_usd, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_order_id) DO UPDATE
		SET state = $4, notional_usd = $5, payload = $6, updated_at = $7
	`, order.ClientOrderID, order.CycleID, order.Symbol, string(order.State), order.NotionalUSD, payload, time.Now())
	return err
}

// Get возвращает ордер по ключу
func (r *OrderRepository) Get(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM orders WHERE client_order_id = $1`, clientOrderID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var order domain.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &order, nil
}

// ListOpen возвращает нетерминальные ордера
func (r *OrderRepository) ListOpen(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM orders
		WHERE state NOT IN ('FILLED', 'REJECTED', 'CANCELLED', 'EXPIRED')
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var order domain.Order
		if err := json.Unmarshal(payload, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &order)
	}
	return orders, rows.Err()
}
