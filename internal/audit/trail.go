package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/pkg/utils"
)

// Sink приемник audit-записей (append-only)
type Sink interface {
	AppendAudit(ctx context.Context, record *domain.AuditRecord) error
}

// Trail формирует одну запись на цикл: каждый verdict, каждый ордер,
// каждое расхождение — с reason-кодом и отпечатком конфигурации,
// под которой принималось решение. Записи никогда не редактируются.
type Trail struct {
	sink              Sink
	mode              domain.Mode
	configFingerprint string
	logger            *utils.Logger
}

// NewTrail создает audit trail с отпечатком активной конфигурации
func NewTrail(sink Sink, mode domain.Mode, configFingerprint string, logger *utils.Logger) *Trail {
	if logger == nil {
		logger = utils.NewLogger("info")
	}
	return &Trail{sink: sink, mode: mode, configFingerprint: configFingerprint, logger: logger}
}

// ConfigFingerprint отпечаток конфигурации, под которой пишутся записи
func (t *Trail) ConfigFingerprint() string {
	return t.configFingerprint
}

// Record собирает и сохраняет запись цикла.
// Ошибка персистентности возвращается вызывающему: цикл без audit-следа
// не считается успешно завершенным.
func (t *Trail) Record(
	ctx context.Context,
	cycleID string,
	breakers domain.CircuitBreakerStatus,
	verdicts []domain.ProposalVerdict,
	orders []domain.OrderOutcome,
	divergences []domain.DivergenceEvent,
	notes []string,
) (*domain.AuditRecord, error) {
	record := &domain.AuditRecord{
		ID:                uuid.NewString(),
		CycleID:           cycleID,
		Timestamp:         time.Now().UTC(),
		Mode:              t.mode,
		ConfigFingerprint: t.configFingerprint,
		Breakers:          breakers,
		Verdicts:          verdicts,
		Orders:            orders,
		Divergences:       divergences,
		Notes:             notes,
	}

	if err := t.sink.AppendAudit(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append audit record for cycle %s: %w", cycleID, err)
	}

	t.logger.Debug("Audit record %s: cycle=%s verdicts=%d orders=%d divergences=%d",
		record.ID, cycleID, len(verdicts), len(orders), len(divergences))

	return record, nil
}
