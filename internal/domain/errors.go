package domain

import "errors"

var (
	// ErrNotFound возвращается когда запись не найдена
	ErrNotFound = errors.New("not found")

	// ErrConfigInvalid возвращается при некорректной конфигурации (фатально на старте)
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrCircuitBreaker возвращается когда сработал circuit breaker
	ErrCircuitBreaker = errors.New("circuit breaker tripped")

	// ErrKillSwitchActive возвращается когда обнаружен kill switch
	ErrKillSwitchActive = errors.New("kill switch engaged")

	// ErrRiskViolation возвращается при нарушении лимитов риска
	ErrRiskViolation = errors.New("risk limit violation")

	// ErrTransientExchange возвращается при временной ошибке биржи (timeout, 429, 5xx)
	ErrTransientExchange = errors.New("transient exchange error")

	// ErrExchangeRejected возвращается когда биржа отклонила ордер (не ретраится)
	ErrExchangeRejected = errors.New("exchange rejected order")

	// ErrInsufficientQuote возвращается при нехватке quote-валюты
	ErrInsufficientQuote = errors.New("insufficient quote currency")

	// ErrSlippageTooHigh возвращается при превышении порога проскальзывания
	ErrSlippageTooHigh = errors.New("slippage exceeds threshold")

	// ErrReadOnlyCredentials возвращается при попытке live-ордера с read-only ключами
	ErrReadOnlyCredentials = errors.New("exchange credentials are read-only")

	// ErrInvalidTransition возвращается при недопустимом переходе состояния ордера
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrPersistence возвращается при ошибке записи в ledger (фатально для цикла)
	ErrPersistence = errors.New("ledger persistence failure")

	// ErrReconcileUnavailable возвращается когда reconciliation не удалась
	ErrReconcileUnavailable = errors.New("reconciliation unavailable")

	// ErrLockNotAcquired возвращается когда не удалось захватить single-instance lock
	ErrLockNotAcquired = errors.New("ledger lock not acquired")
)
