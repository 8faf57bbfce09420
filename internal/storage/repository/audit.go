package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// AuditRepository append-only хранилище audit-записей.
// Нет ни UPDATE, ни DELETE: запись никогда не редактируется задним числом.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository создает новый репозиторий
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append дописывает запись цикла
func (r *AuditRepository) Append(ctx context.Context, record *domain.AuditRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, cycle_id, created_at, payload)
		VALUES ($1, $2, $3, $4)
	`, record.ID, record.CycleID, record.Timestamp, payload)
	return err
}

// GetRecent возвращает последние N записей
func (r *AuditRepository) GetRecent(ctx context.Context, limit int) ([]*domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM audit_records
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record domain.AuditRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// GetSince возвращает записи после отметки времени (для compliance-выгрузок)
func (r *AuditRepository) GetSince(ctx context.Context, since time.Time) ([]*domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM audit_records
		WHERE created_at >= $1
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record domain.AuditRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
