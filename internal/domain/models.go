package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TradeProposal кандидат на сделку от upstream-логики.
// Неизменяем после создания; только BUY (шорты запрещены политикой).
type TradeProposal struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Cluster           string  `json:"cluster"` // Тематический кластер актива (l1, defi, meme...)
	SizePercent       float64 `json:"size_percent"` // Процент от NLV
	Conviction        float64 `json:"conviction"`   // [0,1]
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	ReferencePrice    float64 `json:"reference_price"`
	Reason            string  `json:"reason"`
}

// Fingerprint детерминированный отпечаток proposal.
// Одинаковый proposal в одном цикле всегда дает одинаковый отпечаток —
// основа идемпотентности ордеров.
func (p TradeProposal) Fingerprint() string {
	payload := fmt.Sprintf("%s|%s|%s|%.6f|%.4f|%.4f|%.4f",
		p.Symbol, p.Side, p.Cluster, p.SizePercent, p.Conviction, p.StopLossPercent, p.TakeProfitPercent)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

// Position позиция по одному символу
type Position struct {
	Symbol   string  `json:"symbol"`
	Units    float64 `json:"units"`
	ValueUSD float64 `json:"value_usd"`
}

// TradeCounters счетчики сделок с окнами сброса.
// Монотонно растут внутри окна, сбрасываются строго на границе окна.
type TradeCounters struct {
	TradesToday     int       `json:"trades_today"`
	TradesThisHour  int       `json:"trades_this_hour"`
	TradesThisCycle int       `json:"trades_this_cycle"`
	DayStart        time.Time `json:"day_start"`
	HourStart       time.Time `json:"hour_start"`
}

// PortfolioState локальное состояние портфеля между циклами.
// Владелец — Ledger Store; мутации только через reconciliation и запись филлов.
type PortfolioState struct {
	NetLiquidationUSD float64              `json:"net_liquidation_usd"`
	Positions         map[string]Position  `json:"positions"`
	Counters          TradeCounters        `json:"counters"`
	Cooldowns         map[string]time.Time `json:"cooldowns"` // symbol -> истечение
	UpdatedAt         time.Time            `json:"updated_at"`
}

// NewPortfolioState создает пустое состояние портфеля
func NewPortfolioState() *PortfolioState {
	return &PortfolioState{
		Positions: make(map[string]Position),
		Cooldowns: make(map[string]time.Time),
	}
}

// PositionValueUSD суммарная стоимость открытых позиций
func (ps *PortfolioState) PositionValueUSD() float64 {
	total := 0.0
	for _, p := range ps.Positions {
		total += p.ValueUSD
	}
	return total
}

// CooldownActive проверяет активен ли cooldown по символу
func (ps *PortfolioState) CooldownActive(symbol string, now time.Time) bool {
	until, ok := ps.Cooldowns[symbol]
	return ok && now.Before(until)
}

// Clone глубокая копия для read-only снапшотов, выдаваемых компонентам цикла
func (ps *PortfolioState) Clone() *PortfolioState {
	cp := &PortfolioState{
		NetLiquidationUSD: ps.NetLiquidationUSD,
		Counters:          ps.Counters,
		UpdatedAt:         ps.UpdatedAt,
		Positions:         make(map[string]Position, len(ps.Positions)),
		Cooldowns:         make(map[string]time.Time, len(ps.Cooldowns)),
	}
	for k, v := range ps.Positions {
		cp.Positions[k] = v
	}
	for k, v := range ps.Cooldowns {
		cp.Cooldowns[k] = v
	}
	return cp
}

// Fill частичное или полное исполнение ордера
type Fill struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// CircuitBreakerStatus состояние предохранителей на момент цикла.
// Пересчитывается каждый цикл из живых данных, не персистится как policy-состояние.
type CircuitBreakerStatus struct {
	DataStale        bool      `json:"data_stale"`
	ExchangeDegraded bool      `json:"exchange_degraded"`
	VolatilityHigh   bool      `json:"volatility_high"`
	StablecoinDepeg  bool      `json:"stablecoin_depeg"`
	KillSwitch       bool      `json:"kill_switch"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Tripped возвращает reason code первого сработавшего предохранителя.
// Порядок проверки фиксирован: он определяет, какая причина попадет в audit.
func (cb CircuitBreakerStatus) Tripped() (string, bool) {
	switch {
	case cb.KillSwitch:
		return ReasonKillSwitch, true
	case cb.DataStale:
		return ReasonDataStale, true
	case cb.ExchangeDegraded:
		return ReasonExchangeDegraded, true
	case cb.VolatilityHigh:
		return ReasonVolatilityHigh, true
	case cb.StablecoinDepeg:
		return ReasonStablecoinDepeg, true
	}
	return "", false
}

// ProposalVerdict вердикт Policy Guard по одному proposal
type ProposalVerdict struct {
	Proposal   TradeProposal `json:"proposal"`
	Approved   bool          `json:"approved"`
	ReasonCode string        `json:"reason_code"`
	Detail     string        `json:"detail,omitempty"`
}

// OrderOutcome исход ордера для audit trail
type OrderOutcome struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	State         string  `json:"state"`
	NotionalUSD   float64 `json:"notional_usd"`
	Reused        bool    `json:"reused,omitempty"` // Повтор схлопнулся в существующий ордер
	ReasonCode    string  `json:"reason_code,omitempty"`
	Detail        string  `json:"detail,omitempty"`
}

// DivergenceEvent расхождение локального учета с биржей
type DivergenceEvent struct {
	Kind          string    `json:"kind"` // order_state | position_drift
	Symbol        string    `json:"symbol,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	LocalValue    string    `json:"local_value"`
	ExchangeValue string    `json:"exchange_value"`
	ObservedAt    time.Time `json:"observed_at"`
}

// AuditRecord append-only запись одного цикла.
// Никогда не редактируется и не удаляется.
type AuditRecord struct {
	ID                string            `json:"id"`
	CycleID           string            `json:"cycle_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Mode              Mode              `json:"mode"`
	ConfigFingerprint string            `json:"config_fingerprint"`
	Breakers          CircuitBreakerStatus `json:"breakers"`
	Verdicts          []ProposalVerdict `json:"verdicts"`
	Orders            []OrderOutcome    `json:"orders"`
	Divergences       []DivergenceEvent `json:"divergences,omitempty"`
	Notes             []string          `json:"notes,omitempty"`
}
