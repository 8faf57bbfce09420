package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kirillm/trade-controller/internal/config"
	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/internal/ledger"
	"github.com/kirillm/trade-controller/internal/storage/repository"
)

// Compile-time проверка контракта Ledger Store
var _ ledger.Store = (*PostgresStore)(nil)

// PostgresStore реализация Ledger Store поверх PostgreSQL.
// Фасад над репозиториями; атомарность RMW обеспечивается транзакцией
// с SELECT ... FOR UPDATE на единственной строке состояния.
type PostgresStore struct {
	db        *sql.DB
	lock      *AdvisoryLock
	portfolio *repository.PortfolioRepository
	orders    *repository.OrderRepository
	audits    *repository.AuditRepository
}

// NewPostgresStore подключается к БД, захватывает single-instance lock
// и прогоняет миграции. Неудача захвата lock'а — различимая ошибка старта.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	lock, err := AcquireAdvisoryLock(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &PostgresStore{
		db:        db,
		lock:      lock,
		portfolio: repository.NewPortfolioRepository(db),
		orders:    repository.NewOrderRepository(db),
		audits:    repository.NewAuditRepository(db),
	}

	if err := store.migrate(ctx); err != nil {
		lock.Release(ctx)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		// Единственная строка состояния портфеля, JSONB для forward-compatibility
		`CREATE TABLE IF NOT EXISTS portfolio_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			payload JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		// Ордера: PRIMARY KEY по идемпотентному ключу — dedupe-таблица
		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id VARCHAR(64) PRIMARY KEY,
			cycle_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			state VARCHAR(20) NOT NULL,
			notional_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_cycle ON orders(cycle_id)`,
		// Audit trail: append-only, без UPDATE/DELETE
		`CREATE TABLE IF NOT EXISTS audit_records (
			id VARCHAR(64) PRIMARY KEY,
			cycle_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_cycle ON audit_records(cycle_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

// Portfolio возвращает текущее состояние портфеля
func (s *PostgresStore) Portfolio(ctx context.Context) (*domain.PortfolioState, error) {
	ps, err := s.portfolio.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return ps, nil
}

// UpdatePortfolio атомарный read-modify-write через транзакцию.
// Конкурентный читатель никогда не видит частичную запись: либо
// состояние до коммита, либо после.
func (s *PostgresStore) UpdatePortfolio(ctx context.Context, fn func(*domain.PortfolioState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback()

	ps, err := s.portfolio.GetForUpdate(ctx, tx)
	if err != nil {
		return fmt.Errorf("%w: read state: %v", domain.ErrPersistence, err)
	}

	if err := fn(ps); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	if err := s.portfolio.Save(ctx, tx, ps); err != nil {
		return fmt.Errorf("%w: write state: %v", domain.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrPersistence, err)
	}
	return nil
}

// SaveOrder создает или обновляет ордер
func (s *PostgresStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	if err := s.orders.Save(ctx, order); err != nil {
		return fmt.Errorf("%w: save order: %v", domain.ErrPersistence, err)
	}
	return nil
}

// GetOrder возвращает ордер по идемпотентному ключу
func (s *PostgresStore) GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	return s.orders.Get(ctx, clientOrderID)
}

// OpenOrders возвращает нетерминальные ордера
func (s *PostgresStore) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	orders, err := s.orders.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list open orders: %v", domain.ErrPersistence, err)
	}
	return orders, nil
}

// AppendAudit дописывает audit-запись цикла
func (s *PostgresStore) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	if err := s.audits.Append(ctx, record); err != nil {
		return fmt.Errorf("%w: append audit: %v", domain.ErrPersistence, err)
	}
	return nil
}

// RecentAudits возвращает последние audit-записи
func (s *PostgresStore) RecentAudits(ctx context.Context, limit int) ([]*domain.AuditRecord, error) {
	return s.audits.GetRecent(ctx, limit)
}

// Close отпускает advisory lock и закрывает соединение
func (s *PostgresStore) Close() error {
	if s.lock != nil {
		s.lock.Release(context.Background())
	}
	return s.db.Close()
}
