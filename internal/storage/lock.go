package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillm/trade-controller/internal/domain"
)

// ledgerLockKey ключ pg_advisory_lock для single-instance дисциплины.
// Произвольная константа; одинакова для всех экземпляров контроллера.
const ledgerLockKey = 0x74726164 // "trad"

// AdvisoryLock явный mutual-exclusion lock на Ledger Store.
// Держится на выделенном соединении весь срок жизни процесса:
// второй экземпляр контроллера получает различимую ошибку старта,
// а не молчаливую гонку за состоянием.
type AdvisoryLock struct {
	conn *sql.Conn
}

// AcquireAdvisoryLock пробует захватить lock без ожидания
func AcquireAdvisoryLock(ctx context.Context, db *sql.DB) (*AdvisoryLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, ledgerLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("%w: another controller instance holds the ledger lock", domain.ErrLockNotAcquired)
	}

	return &AdvisoryLock{conn: conn}, nil
}

// Release отпускает lock и закрывает соединение
func (l *AdvisoryLock) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, ledgerLockKey)
	l.conn.Close()
	l.conn = nil
}
