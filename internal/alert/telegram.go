package alert

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/pkg/utils"
)

// Notifier шлет операторские алерты в Telegram.
// Исходящие уведомления, без команд управления: kill switch и режимы
// переключаются только через конфигурацию и sentinel-файл.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *utils.Logger
}

// NewNotifier создает notifier. Пустой токен — уведомления выключены,
// возвращается nil без ошибки.
func NewNotifier(token string, chatID int64, logger *utils.Logger) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	if logger == nil {
		logger = utils.NewLogger("info")
	}
	return &Notifier{api: api, chatID: chatID, logger: logger}, nil
}

// send отправляет текст без markdown-парсинга. Nil-notifier — no-op:
// алерты никогда не валят торговый цикл.
func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	message := tgbotapi.NewMessage(n.chatID, text)
	message.ParseMode = ""
	if _, err := n.api.Send(message); err != nil {
		n.logger.Error("Failed to send telegram alert: %v", err)
	}
}

// BreakerTripped алерт о сработавшем предохранителе
func (n *Notifier) BreakerTripped(reason string) {
	n.send(fmt.Sprintf("🛑 Circuit breaker tripped: %s\nAll proposals rejected this cycle.", reason))
}

// KillSwitchEngaged алерт об активации kill switch
func (n *Notifier) KillSwitchEngaged(reason string) {
	n.send(fmt.Sprintf("🔴 Kill switch engaged: %s\nTrading halted until manual deactivation.", reason))
}

// Divergences алерт о расхождениях, найденных при reconciliation
func (n *Notifier) Divergences(cycleID string, events []domain.DivergenceEvent) {
	if len(events) == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ Reconciliation found %d divergence(s) in cycle %s:\n", len(events), cycleID)
	for _, e := range events {
		switch e.Kind {
		case domain.DivergenceOrderState:
			fmt.Fprintf(&sb, "• order %s: local %s, exchange %s\n", e.ClientOrderID, e.LocalValue, e.ExchangeValue)
		case domain.DivergencePosition:
			fmt.Fprintf(&sb, "• position %s: local %s, exchange %s\n", e.Symbol, e.LocalValue, e.ExchangeValue)
		}
	}
	n.send(sb.String())
}

// ReconcileUnavailable алерт о недоступности сверки
func (n *Notifier) ReconcileUnavailable(cycleID string, unresolvedUSD float64) {
	n.send(fmt.Sprintf("⚠️ Reconciliation unavailable in cycle %s.\n$%.2f of open-order capital treated as at risk.", cycleID, unresolvedUSD))
}

// DegradedShutdown алерт о незавершенной отмене ордеров при остановке
func (n *Notifier) DegradedShutdown(orders []*domain.Order) {
	if len(orders) == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "❌ Degraded shutdown: %d order(s) could not be cancelled:\n", len(orders))
	for _, o := range orders {
		fmt.Fprintf(&sb, "• %s %s %s notional=$%.2f state=%s\n", o.ClientOrderID, o.Side, o.Symbol+o.Quote, o.NotionalUSD, o.State)
	}
	sb.WriteString("Reconcile on next start will resolve their fate.")
	n.send(sb.String())
}

// Started алерт о запуске контроллера
func (n *Notifier) Started(mode domain.Mode, configFingerprint string) {
	n.send(fmt.Sprintf("🤖 Trade controller started in %s mode.\nConfig fingerprint: %s", mode, configFingerprint))
}

// Stopped алерт о штатной остановке
func (n *Notifier) Stopped() {
	n.send("🛑 Trade controller stopped. All open orders cancelled.")
}
