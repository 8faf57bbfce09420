package execution

import (
	"context"
	"math/rand"
	"time"

	"github.com/kirillm/trade-controller/internal/exchange"
)

// maxRetryDelay верхняя граница backoff-задержки
const maxRetryDelay = 30 * time.Second

// WithRetry выполняет fn с ограниченным числом попыток.
// Повторяются только временные ошибки (timeout, 429, 5xx); отказ валидации
// возвращается сразу. Backoff экспоненциальный с джиттером, чтобы несколько
// экземпляров не синхронизировали шторм ретраев.
func WithRetry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !exchange.IsTransient(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(baseDelay, attempt)):
		}
	}
	return err
}

// backoffDelay baseDelay * 2^attempt с полным джиттером, cap на maxRetryDelay
func backoffDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Полный джиттер: [delay/2, delay)
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
