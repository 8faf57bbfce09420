package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kirillm/trade-controller/internal/alert"
	"github.com/kirillm/trade-controller/internal/audit"
	"github.com/kirillm/trade-controller/internal/config"
	"github.com/kirillm/trade-controller/internal/domain"
	"github.com/kirillm/trade-controller/internal/execution"
	"github.com/kirillm/trade-controller/internal/ledger"
	"github.com/kirillm/trade-controller/internal/policy"
	"github.com/kirillm/trade-controller/internal/reconcile"
	"github.com/kirillm/trade-controller/pkg/utils"
)

// ProposalSource upstream-источник торговых предложений.
// Пустой батч — нормальный результат цикла, не ошибка.
type ProposalSource interface {
	Proposals(ctx context.Context, portfolio *domain.PortfolioState) ([]domain.TradeProposal, error)
}

// MarketSnapshot данные рынка, собранные перед оценкой цикла
type MarketSnapshot struct {
	Breakers policy.BreakerInput
	Market   execution.MarketState
}

// MarketData поставщик рыночного среза цикла
type MarketData interface {
	Snapshot(ctx context.Context) (MarketSnapshot, error)
}

// Orchestrator владеет торговым циклом: guard -> исполнение -> сверка ->
// audit, строго последовательно. Одновременно активен максимум один цикл;
// затянувшийся цикл не накладывается на следующий, следующий тик
// пропускается.
type Orchestrator struct {
	mode        domain.Mode
	cfg         config.ControllerConfig
	guard       *policy.Guard
	coordinator *execution.Coordinator
	reconciler  *reconcile.Service
	trail       *audit.Trail
	store       ledger.Store
	killSwitch  *execution.KillSwitch
	proposals   ProposalSource
	market      MarketData
	notifier    *alert.Notifier
	logger      *utils.Logger

	mu        sync.Mutex
	isRunning bool
	inCycle   bool
	stopChan  chan struct{}
	doneChan  chan struct{}

	// Капитал с неизвестной судьбой после неудачной сверки.
	// До успешного reconcile считается находящимся в риске.
	unresolvedUSD float64

	// Признак уже отправленного алерта об активации kill switch
	killSwitchAlerted bool
}

// New создает orchestrator
func New(
	cfg config.ControllerConfig,
	guard *policy.Guard,
	coordinator *execution.Coordinator,
	reconciler *reconcile.Service,
	trail *audit.Trail,
	store ledger.Store,
	killSwitch *execution.KillSwitch,
	proposals ProposalSource,
	market MarketData,
	notifier *alert.Notifier,
	logger *utils.Logger,
) *Orchestrator {
	if logger == nil {
		logger = utils.NewLogger("info")
	}
	return &Orchestrator{
		mode:        cfg.Mode,
		cfg:         cfg,
		guard:       guard,
		coordinator: coordinator,
		reconciler:  reconciler,
		trail:       trail,
		store:       store,
		killSwitch:  killSwitch,
		proposals:   proposals,
		market:      market,
		notifier:    notifier,
		logger:      logger,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start запускает торговый цикл. Перед первым циклом обязательна
// cold-start сверка: ошибка сверки блокирует старт целиком.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.isRunning = true
	o.mu.Unlock()

	if _, err := o.reconciler.ColdStart(ctx); err != nil {
		o.mu.Lock()
		o.isRunning = false
		o.mu.Unlock()
		return err
	}

	o.logger.Info("🚀 Trade controller started: mode=%s interval=%v", o.mode, o.cfg.CycleInterval)
	o.notifier.Started(o.mode, o.trail.ConfigFingerprint())

	go o.run(ctx)

	return nil
}

// run основной цикл с джиттером: каждый экземпляр стартует тик со
// случайным сдвигом, чтобы не бить по бирже синхронно с соседями
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneChan)

	o.cycle(ctx)

	for {
		timer := time.NewTimer(o.nextDelay())
		select {
		case <-timer.C:
			o.cycle(ctx)
		case <-o.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (o *Orchestrator) nextDelay() time.Duration {
	delay := o.cfg.CycleInterval
	if o.cfg.CycleJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(o.cfg.CycleJitter)))
	}
	return delay
}

// Stop останавливает цикл и отменяет все живые ордера в рамках бюджета
// ShutdownTimeout. Неотмененные ордера логируются и уходят в алерт:
// их судьбу разрешит cold-start сверка при следующем запуске.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = false
	o.mu.Unlock()

	o.logger.Info("🛑 Stopping trade controller...")
	close(o.stopChan)
	<-o.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	open, err := o.store.OpenOrders(ctx)
	if err != nil {
		o.logger.Error("Failed to load open orders during shutdown: %v", err)
		return
	}

	failed := o.coordinator.CancelAll(ctx, open)
	if len(failed) > 0 {
		for _, order := range failed {
			o.logger.Error("Degraded shutdown: order %s (%s, $%.2f) left open",
				order.ClientOrderID, order.State, order.NotionalUSD)
		}
		o.notifier.DegradedShutdown(failed)
	} else {
		o.notifier.Stopped()
	}

	o.logger.Info("✅ Trade controller stopped")
}

// cycle один торговый цикл. Ошибка любой фазы не роняет процесс:
// она фиксируется в audit-записи цикла.
func (o *Orchestrator) cycle(ctx context.Context) {
	o.mu.Lock()
	if o.inCycle {
		o.mu.Unlock()
		o.logger.Warn("Previous cycle still running, skipping tick")
		return
	}
	o.inCycle = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inCycle = false
		o.mu.Unlock()
	}()

	now := time.Now()
	cycleID := execution.CycleID(now, o.cfg.CycleInterval)
	var notes []string

	o.logger.Info("Cycle %s started (mode: %s)", cycleID, o.mode)

	// Сброс счетчиков на границах окон — с audit-следом
	if err := o.store.UpdatePortfolio(ctx, func(ps *domain.PortfolioState) error {
		for _, window := range ledger.ResetDueCounters(ps, now) {
			notes = append(notes, fmt.Sprintf("%s: %s window", domain.ReasonCountersReset, window))
		}
		ps.Counters.TradesThisCycle = 0
		return nil
	}); err != nil {
		o.logger.Error("Failed to reset counters: %v", err)
		notes = append(notes, fmt.Sprintf("counter reset failed: %v", err))
	}

	portfolio, err := o.store.Portfolio(ctx)
	if err != nil {
		o.logger.Error("Cycle %s aborted: portfolio unavailable: %v", cycleID, err)
		return
	}

	// Рыночный срез. Недоступность рынка — как устаревшие данные:
	// breaker обязан сработать, цикл фиксируется в audit
	snapshot, err := o.market.Snapshot(ctx)
	if err != nil {
		o.logger.Error("Market snapshot failed: %v", err)
		notes = append(notes, fmt.Sprintf("market snapshot failed: %v", err))
		snapshot = MarketSnapshot{} // Нулевой DataTimestamp роняет data-staleness breaker
	}
	engaged := o.killSwitch.Engaged()
	snapshot.Breakers.KillSwitchPresent = engaged
	if engaged && !o.killSwitchAlerted {
		// Алерт один раз на активацию, не каждый цикл
		_, reason, _ := o.killSwitch.Status()
		o.logger.Warn("🔴 Kill switch engaged: %s", reason)
		o.notifier.KillSwitchEngaged(reason)
	}
	o.killSwitchAlerted = engaged

	breakers := policy.EvaluateBreakers(snapshot.Breakers, o.guard.Policy(), now)

	// Капитал живых ордеров входит в total-at-risk
	open, err := o.store.OpenOrders(ctx)
	if err != nil {
		o.logger.Error("Cycle %s aborted: open orders unavailable: %v", cycleID, err)
		return
	}
	// unresolvedUSD — notional тех же открытых ордеров на момент неудачной
	// сверки, поэтому не суммируется, а берется максимум: считаем дважды
	// один и тот же капитал нельзя, занижать неизвестную судьбу — тоже
	atRiskNotional := ledger.OpenOrderNotional(open)
	if o.unresolvedUSD > atRiskNotional {
		atRiskNotional = o.unresolvedUSD
	}

	proposals, err := o.proposals.Proposals(ctx, portfolio)
	if err != nil {
		o.logger.Warn("Proposal source failed, treating as empty batch: %v", err)
		notes = append(notes, fmt.Sprintf("proposal source failed: %v", err))
		proposals = nil
	}

	result := o.guard.Evaluate(proposals, portfolio, breakers, atRiskNotional, o.mode, now)
	if reason, tripped := breakers.Tripped(); tripped {
		o.logger.Warn("⛔ Circuit breaker tripped: %s", reason)
		o.notifier.BreakerTripped(reason)
	}
	o.logger.Info("Policy guard: %d proposals, %d approved", len(proposals), len(result.Approved))

	orders, outcomes, err := o.coordinator.Execute(ctx, cycleID, result.Approved, portfolio, snapshot.Market, o.mode)
	if err != nil {
		o.logger.Error("Execution failed: %v", err)
		notes = append(notes, fmt.Sprintf("execution failed: %v", err))
	}

	// Счетчики растут по факту отправки, не по факту филла.
	// Переиспользованные (dedupe) ордера уже посчитаны в своем цикле.
	if submitted := countSubmitted(outcomes); submitted > 0 {
		if err := o.store.UpdatePortfolio(ctx, func(ps *domain.PortfolioState) error {
			ps.Counters.TradesToday += submitted
			ps.Counters.TradesThisHour += submitted
			ps.Counters.TradesThisCycle += submitted
			return nil
		}); err != nil {
			o.logger.Error("Failed to update trade counters: %v", err)
			notes = append(notes, fmt.Sprintf("counter update failed: %v", err))
		}
	}

	// Активная отмена просроченных ордеров прошлых циклов
	outcomes = append(outcomes, o.coordinator.CancelStale(ctx, open, now)...)

	// Сверка: биржа авторитетна. Неудача не прячется — капитал
	// незакрытых ордеров остается в риске до успешной сверки
	var divergences []domain.DivergenceEvent
	report, err := o.reconciler.Run(ctx, now)
	if err != nil {
		if errors.Is(err, domain.ErrReconcileUnavailable) {
			o.unresolvedUSD = report.UnresolvedNotionalUSD
			o.logger.Warn("Reconciliation unavailable, $%.2f treated as at risk", o.unresolvedUSD)
			o.notifier.ReconcileUnavailable(cycleID, o.unresolvedUSD)
			notes = append(notes, fmt.Sprintf("%s: %.2f USD unresolved", domain.ReasonReconcileFailed, o.unresolvedUSD))
		} else {
			o.logger.Error("Reconciliation failed: %v", err)
			notes = append(notes, fmt.Sprintf("reconciliation failed: %v", err))
		}
	} else {
		o.unresolvedUSD = 0
		divergences = report.Divergences
		if len(divergences) > 0 {
			o.notifier.Divergences(cycleID, divergences)
		}
	}

	if _, err := o.trail.Record(ctx, cycleID, breakers, result.Verdicts, outcomes, divergences, notes); err != nil {
		o.logger.Error("Failed to record audit trail for cycle %s: %v", cycleID, err)
	}

	o.logger.Info("Cycle %s finished: %d orders, %d divergences", cycleID, len(orders), len(divergences))
}

// IsRunning сообщает, запущен ли цикл
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunning
}

// Mode возвращает активный режим
func (o *Orchestrator) Mode() domain.Mode {
	return o.mode
}

func countSubmitted(outcomes []domain.OrderOutcome) int {
	n := 0
	for _, oc := range outcomes {
		if oc.State == string(domain.OrderSubmitted) && !oc.Reused {
			n++
		}
	}
	return n
}
