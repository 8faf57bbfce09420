package policy

import (
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Policy профиль риск-менеджмента, загружается из YAML
type Policy struct {
	ProfileName string `yaml:"profile_name"`

	// Лимиты экспозиции в процентах от NLV (5 = 5%)
	MaxSymbolExposurePct  float64 `yaml:"max_symbol_exposure_pct"`
	MaxClusterExposurePct float64 `yaml:"max_cluster_exposure_pct"`
	MaxTotalAtRiskPct     float64 `yaml:"max_total_at_risk_pct"`

	MinNotionalUSD   float64 `yaml:"min_notional_usd"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	TradesPerHour    int     `yaml:"trades_per_hour"`
	TradesPerDay     int     `yaml:"trades_per_day"`

	// Параметры исполнения
	SlippageCeilingPct float64 `yaml:"slippage_ceiling_pct"`
	VolatilityHalvePct float64 `yaml:"volatility_halve_pct"` // Порог 1h-движения для деления размера пополам
	CooldownMinutes    int     `yaml:"cooldown_minutes"`     // Cooldown символа после филла

	// Пороги circuit breakers
	MaxDataAgeSeconds     int     `yaml:"max_data_age_seconds"`
	VolatilityATRRatio    float64 `yaml:"volatility_atr_ratio"`
	DepegThresholdPct     float64 `yaml:"depeg_threshold_pct"`
	DepegSustainedMinutes int     `yaml:"depeg_sustained_minutes"`

	// Тематические кластеры: имя -> символы
	Clusters map[string][]string `yaml:"clusters"`
}

// MaxDataAge возраст рыночных данных как Duration
func (p *Policy) MaxDataAge() time.Duration {
	return time.Duration(p.MaxDataAgeSeconds) * time.Second
}

// DepegSustained длительность де-пега для срабатывания
func (p *Policy) DepegSustained() time.Duration {
	return time.Duration(p.DepegSustainedMinutes) * time.Minute
}

// Cooldown длительность cooldown после филла
func (p *Policy) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

// ClusterOf возвращает кластер символа ("", если символ вне кластеров)
func (p *Policy) ClusterOf(symbol string) string {
	for name, symbols := range p.Clusters {
		for _, s := range symbols {
			if s == symbol {
				return name
			}
		}
	}
	return ""
}

// BreakerInput живые наблюдения для оценки предохранителей.
// Собирается каждый цикл, никогда не персистится.
type BreakerInput struct {
	DataTimestamp      time.Time // Время последнего тика рыночных данных
	ExchangeDegraded   bool      // Health-проба биржевого клиента
	RealizedVolatility float64
	ATR                float64
	StablecoinPrice    float64   // Цена опорного стейблкоина к USD
	DepegSince         time.Time // Начало текущего отклонения от пега (zero если пег в норме)
	KillSwitchPresent  bool
}

// EvaluationResult результат batch-оценки Policy Guard.
// Пустой батч — валидный результат с BatchReason=nothing_to_evaluate,
// никогда не ошибка.
type EvaluationResult struct {
	Approved    []domain.TradeProposal
	Verdicts    []domain.ProposalVerdict
	BatchReason string // Заполнен для пустого батча или сработавшего breaker'а
	CheckedAt   time.Time
}
