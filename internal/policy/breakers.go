package policy

import (
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// EvaluateBreakers пересчитывает состояние предохранителей из живых данных.
// Предохранители fail-closed: отсутствие данных трактуется как срабатывание.
func EvaluateBreakers(input BreakerInput, p *Policy, now time.Time) domain.CircuitBreakerStatus {
	status := domain.CircuitBreakerStatus{
		ObservedAt: now,
		KillSwitch: input.KillSwitchPresent,
	}

	// Свежесть данных: нулевой timestamp означает, что данных нет вовсе
	if input.DataTimestamp.IsZero() || now.Sub(input.DataTimestamp) > p.MaxDataAge() {
		status.DataStale = true
	}

	status.ExchangeDegraded = input.ExchangeDegraded

	// Режим волатильности: отношение realized vol к ATR выше порога
	if input.ATR > 0 && input.RealizedVolatility/input.ATR > p.VolatilityATRRatio {
		status.VolatilityHigh = true
	}

	// Де-пег стейблкоина засчитывается только если держится дольше порога
	if !input.DepegSince.IsZero() && now.Sub(input.DepegSince) >= p.DepegSustained() {
		deviation := pctDeviation(input.StablecoinPrice, 1.0)
		if deviation >= p.DepegThresholdPct {
			status.StablecoinDepeg = true
		}
	}

	return status
}

func pctDeviation(actual, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	d := (actual - reference) / reference * 100.0
	if d < 0 {
		d = -d
	}
	return d
}
