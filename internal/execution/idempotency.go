package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CycleID детерминированный идентификатор цикла: начало окна цикла в Unix.
// Повторный запуск того же окна после падения процесса воспроизводит тот же
// идентификатор — и, как следствие, те же ключи ордеров.
func CycleID(now time.Time, interval time.Duration) string {
	start := now.Truncate(interval)
	return fmt.Sprintf("c%d", start.Unix())
}

// ClientOrderID детерминированный идемпотентный ключ ордера из
// (цикл, символ, отпечаток proposal). Повторная отправка того же proposal
// в том же цикле дает тот же ключ, который биржа (или локальная
// dedupe-таблица) схлопывает в исходный ордер.
func ClientOrderID(cycleID, symbol, fingerprint string) string {
	payload := fmt.Sprintf("%s|%s|%s", cycleID, symbol, fingerprint)
	sum := sha256.Sum256([]byte(payload))
	return "tc-" + hex.EncodeToString(sum[:12])
}
