package execution

import (
	"os"
	"sync"
	"time"
)

// KillSwitch аварийная остановка торговли.
// Два источника: sentinel-файл (внешний toggle, проверяется раз в цикл)
// и ручная активация изнутри процесса. Деактивация файла — удаление файла.
type KillSwitch struct {
	mu           sync.RWMutex
	sentinelPath string
	manual       bool
	activatedAt  time.Time
	reason       string
}

// NewKillSwitch создает kill switch с путем sentinel-файла
func NewKillSwitch(sentinelPath string) *KillSwitch {
	return &KillSwitch{sentinelPath: sentinelPath}
}

// Activate активирует kill switch вручную (требует ручной деактивации)
func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.manual = true
	ks.activatedAt = time.Now()
	ks.reason = reason
}

// Deactivate снимает ручную активацию. Sentinel-файл этим не удаляется:
// внешний toggle снимает только внешний оператор.
func (ks *KillSwitch) Deactivate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.manual = false
	ks.reason = ""
}

// Engaged проверяет kill switch: ручная активация или наличие sentinel-файла
func (ks *KillSwitch) Engaged() bool {
	ks.mu.RLock()
	manual := ks.manual
	path := ks.sentinelPath
	ks.mu.RUnlock()

	if manual {
		return true
	}
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Status возвращает состояние для логирования
func (ks *KillSwitch) Status() (bool, string, time.Time) {
	engaged := ks.Engaged()
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	reason := ks.reason
	if engaged && reason == "" {
		reason = "sentinel file present"
	}
	return engaged, reason, ks.activatedAt
}
