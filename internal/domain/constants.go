package domain

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Mode режим работы контроллера
type Mode string

const (
	ModeShadow Mode = "shadow" // Оценка и логирование, без отправки ордеров
	ModePaper  Mode = "paper"  // Полный цикл против симулятора биржи
	ModeLive   Mode = "live"   // Реальная отправка ордеров на биржу
)

// AllowsExecution сообщает, порождает ли режим ордера (реальные или симулированные)
func (m Mode) AllowsExecution() bool {
	return m == ModePaper || m == ModeLive
}

// Order types
const (
	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"
)

// Time in force
const (
	TimeInForcePostOnly = "PostOnly"
	TimeInForceGTC      = "GTC"
)

// Reason codes для verdict'ов и audit trail.
// Машиночитаемые: по ним строится compliance-отчетность.
const (
	ReasonNothingToEvaluate = "nothing_to_evaluate"
	ReasonApproved          = "approved"

	// Circuit breakers (fail-closed, отклоняют весь батч)
	ReasonKillSwitch       = "kill_switch_engaged"
	ReasonDataStale        = "market_data_stale"
	ReasonExchangeDegraded = "exchange_degraded"
	ReasonVolatilityHigh   = "volatility_regime"
	ReasonStablecoinDepeg  = "stablecoin_depeg"

	// Per-proposal проверки (в порядке применения)
	ReasonModeGate         = "mode_gate"
	ReasonShortSide        = "short_side_disallowed"
	ReasonCooldownActive   = "cooldown_active"
	ReasonSymbolCap        = "symbol_exposure_cap"
	ReasonClusterCap       = "cluster_exposure_cap"
	ReasonTotalAtRisk      = "total_at_risk_cap"
	ReasonMinNotional      = "below_min_notional"
	ReasonMaxOpenPositions = "max_open_positions"
	ReasonHourlyTradeLimit = "hourly_trade_limit"
	ReasonDailyTradeLimit  = "daily_trade_limit"

	// Исходы исполнения
	ReasonSlippageExceeded    = "slippage_exceeded"
	ReasonInsufficientQuote   = "insufficient_quote_currency"
	ReasonSizeClamped         = "size_clamped_to_balance"
	ReasonVolatilityHalved    = "size_halved_volatility"
	ReasonConversionSuggested = "quote_conversion_suggested"
	ReasonExchangeRejected    = "exchange_validation_rejected"
	ReasonRetriesExhausted    = "transient_retries_exhausted"
	ReasonOrderTimeout        = "order_timeout_cancelled"

	// Reconciliation
	ReasonStateCorrected  = "order_state_corrected"
	ReasonPositionDrift   = "position_drift"
	ReasonCountersReset   = "counters_reset"
	ReasonReconcileFailed = "reconcile_unavailable"
)

// Kinds событий расхождения при reconciliation
const (
	DivergenceOrderState = "order_state"
	DivergencePosition   = "position_drift"
)
