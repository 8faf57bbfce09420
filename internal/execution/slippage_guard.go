package execution

import (
	"fmt"
	"math"

	"github.com/kirillm/trade-controller/internal/domain"
)

// SlippageGuard защита от исполнения по уехавшей цене.
// Проверка обязательна перед каждой отправкой: ни conviction, ни размер
// ордера ее не обходят.
type SlippageGuard struct {
	ceilingPercent float64
}

// NewSlippageGuard создает guard с порогом в процентах
func NewSlippageGuard(ceilingPercent float64) *SlippageGuard {
	return &SlippageGuard{ceilingPercent: ceilingPercent}
}

// Check сравнивает актуальную цену с референсной ценой proposal
func (sg *SlippageGuard) Check(actualPrice, referencePrice float64) error {
	if referencePrice <= 0 {
		return fmt.Errorf("invalid reference price: %.8f", referencePrice)
	}

	slippage := math.Abs((actualPrice - referencePrice) / referencePrice * 100.0)
	if slippage > sg.ceilingPercent {
		return fmt.Errorf("%w: %.2f%% (ceiling: %.2f%%)", domain.ErrSlippageTooHigh, slippage, sg.ceilingPercent)
	}
	return nil
}

// Slippage вычисляет отклонение в процентах
func (sg *SlippageGuard) Slippage(actualPrice, referencePrice float64) float64 {
	if referencePrice <= 0 {
		return 0.0
	}
	return math.Abs((actualPrice - referencePrice) / referencePrice * 100.0)
}
