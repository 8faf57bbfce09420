package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Compile-time проверка контракта
var _ Store = (*MemoryStore)(nil)

// MemoryStore in-memory реализация Store для тестов и paper-режима.
// Single-writer дисциплина обеспечивается мьютексом; наружу отдаются
// только глубокие копии.
type MemoryStore struct {
	mu        sync.RWMutex
	portfolio *domain.PortfolioState
	orders    map[string]*domain.Order
	audits    []*domain.AuditRecord
}

// NewMemoryStore создает пустой in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolio: domain.NewPortfolioState(),
		orders:    make(map[string]*domain.Order),
	}
}

// Portfolio возвращает копию состояния
func (m *MemoryStore) Portfolio(_ context.Context) (*domain.PortfolioState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Clone(), nil
}

// UpdatePortfolio атомарно применяет мутацию.
// fn работает с копией; при ошибке fn исходное состояние не меняется.
func (m *MemoryStore) UpdatePortfolio(_ context.Context, fn func(*domain.PortfolioState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.portfolio.Clone()
	if err := fn(draft); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	m.portfolio = draft
	return nil
}

// SaveOrder сохраняет копию ордера по ClientOrderID
func (m *MemoryStore) SaveOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	cp.Fills = append([]domain.Fill(nil), order.Fills...)
	m.orders[order.ClientOrderID] = &cp
	return nil
}

// GetOrder возвращает копию ордера
func (m *MemoryStore) GetOrder(_ context.Context, clientOrderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	cp.Fills = append([]domain.Fill(nil), o.Fills...)
	return &cp, nil
}

// OpenOrders возвращает копии всех нетерминальных ордеров
func (m *MemoryStore) OpenOrders(_ context.Context) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.State.IsTerminal() {
			continue
		}
		cp := *o
		cp.Fills = append([]domain.Fill(nil), o.Fills...)
		out = append(out, &cp)
	}
	return out, nil
}

// AppendAudit дописывает audit-запись
func (m *MemoryStore) AppendAudit(_ context.Context, record *domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, record)
	return nil
}

// Audits возвращает накопленные audit-записи (для тестов)
func (m *MemoryStore) Audits() []*domain.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.AuditRecord(nil), m.audits...)
}

func (m *MemoryStore) Close() error {
	return nil
}
