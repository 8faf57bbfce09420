package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// PortfolioRepository хранит PortfolioState одной JSONB-строкой.
// JSONB дает forward-compatibility: новое поле не ломает старых читателей.
type PortfolioRepository struct {
	db *sql.DB
}

// NewPortfolioRepository создает новый репозиторий
func NewPortfolioRepository(db *sql.DB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// Get читает состояние портфеля (вне транзакции)
func (r *PortfolioRepository) Get(ctx context.Context) (*domain.PortfolioState, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM portfolio_state WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.NewPortfolioState(), nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalPortfolio(payload)
}

// GetForUpdate читает состояние с блокировкой строки внутри транзакции
func (r *PortfolioRepository) GetForUpdate(ctx context.Context, tx *sql.Tx) (*domain.PortfolioState, error) {
	var payload []byte
	err := tx.QueryRowContext(ctx, `SELECT payload FROM portfolio_state WHERE id = 1 FOR UPDATE`).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.NewPortfolioState(), nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalPortfolio(payload)
}

// Save записывает состояние внутри транзакции
func (r *PortfolioRepository) Save(ctx context.Context, tx *sql.Tx, ps *domain.PortfolioState) error {
	ps.UpdatedAt = time.Now()
	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolio_state (id, payload, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = $1, updated_at = $2
	`, payload, ps.UpdatedAt)
	return err
}

func unmarshalPortfolio(payload []byte) (*domain.PortfolioState, error) {
	ps := domain.NewPortfolioState()
	if err := json.Unmarshal(payload, ps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal portfolio: %w", err)
	}
	if ps.Positions == nil {
		ps.Positions = make(map[string]domain.Position)
	}
	if ps.Cooldowns == nil {
		ps.Cooldowns = make(map[string]time.Time)
	}
	return ps, nil
}
