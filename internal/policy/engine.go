package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Guard единственный компонент, которому разрешено отклонять сделку
// по соображениям безопасности. Не имеет побочных эффектов кроме trace:
// cooldown'ы и счетчики мутируются downstream после филлов.
type Guard struct {
	policy *Policy
}

// NewGuard создает guard с профилем из YAML
func NewGuard(profilePath, profileName string) (*Guard, error) {
	policy, err := loadPolicy(profilePath, profileName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load policy: %v", domain.ErrConfigInvalid, err)
	}
	return &Guard{policy: policy}, nil
}

// NewGuardWithPolicy создает guard с готовым профилем (для тестов и симуляций)
func NewGuardWithPolicy(p *Policy) *Guard {
	return &Guard{policy: p}
}

// loadPolicy загружает профиль риск-менеджмента из YAML
func loadPolicy(path, profileName string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config struct {
		RiskProfiles map[string]Policy `yaml:"risk_profiles"`
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	policy, ok := config.RiskProfiles[profileName]
	if !ok {
		return nil, fmt.Errorf("policy profile %s not found", profileName)
	}

	policy.ProfileName = profileName
	return &policy, nil
}

// Policy возвращает активный профиль
func (g *Guard) Policy() *Policy {
	return g.policy
}

// Evaluate оценивает батч proposals против политики.
// Порядок гарантий:
//   - пустой батч — валидный результат "nothing to evaluate", не отказ;
//   - предохранители проверяются первыми и fail-closed: любой сработавший
//     отклоняет весь батч независимо от качества отдельных proposals;
//   - proposals оцениваются кумулятивно: принятые ранее в батче учитываются
//     в экспозиции последующих, чтобы два по-отдельности валидных proposal
//     не пробили кап совместно.
//
// openOrderNotionalUSD — notional открытых (нетерминальных) ордеров; входит
// в total-at-risk, чтобы исключить обход капа через отложенные ордера.
func (g *Guard) Evaluate(
	proposals []domain.TradeProposal,
	portfolio *domain.PortfolioState,
	breakers domain.CircuitBreakerStatus,
	openOrderNotionalUSD float64,
	mode domain.Mode,
	now time.Time,
) EvaluationResult {
	result := EvaluationResult{CheckedAt: now}

	if len(proposals) == 0 {
		result.BatchReason = domain.ReasonNothingToEvaluate
		return result
	}

	// 1. Circuit breakers — весь батч отклоняется причиной сработавшего
	if reason, tripped := breakers.Tripped(); tripped {
		result.BatchReason = reason
		for _, p := range proposals {
			result.Verdicts = append(result.Verdicts, domain.ProposalVerdict{
				Proposal:   p,
				Approved:   false,
				ReasonCode: reason,
			})
		}
		return result
	}

	nlv := portfolio.NetLiquidationUSD

	// Кумулятивные аккумуляторы батча
	acceptedNotional := 0.0
	acceptedBySymbol := make(map[string]float64)
	acceptedByCluster := make(map[string]float64)
	acceptedCount := 0
	newSymbols := make(map[string]bool)

	for _, p := range proposals {
		notional := nlv * p.SizePercent / 100.0
		verdict := g.checkProposal(p, portfolio, mode, now, checkState{
			notional:          notional,
			openOrderNotional: openOrderNotionalUSD,
			acceptedNotional:  acceptedNotional,
			acceptedBySymbol:  acceptedBySymbol,
			acceptedByCluster: acceptedByCluster,
			acceptedCount:     acceptedCount,
			newSymbols:        newSymbols,
		})

		result.Verdicts = append(result.Verdicts, verdict)
		if !verdict.Approved {
			continue
		}

		result.Approved = append(result.Approved, p)
		acceptedNotional += notional
		acceptedBySymbol[p.Symbol] += notional
		if cluster := g.policy.ClusterOf(p.Symbol); cluster != "" {
			acceptedByCluster[cluster] += notional
		}
		acceptedCount++
		if _, held := portfolio.Positions[p.Symbol]; !held {
			newSymbols[p.Symbol] = true
		}
	}

	return result
}

// checkState кумулятивное состояние batch-оценки
type checkState struct {
	notional          float64
	openOrderNotional float64
	acceptedNotional  float64
	acceptedBySymbol  map[string]float64
	acceptedByCluster map[string]float64
	acceptedCount     int
	newSymbols        map[string]bool
}

// checkProposal применяет проверки в фиксированном порядке, short-circuit
// на первой провалившейся. Порядок детерминирован и документирован: он
// определяет reason code при одновременном нарушении нескольких капов.
func (g *Guard) checkProposal(
	p domain.TradeProposal,
	portfolio *domain.PortfolioState,
	mode domain.Mode,
	now time.Time,
	st checkState,
) domain.ProposalVerdict {
	reject := func(code, detail string) domain.ProposalVerdict {
		return domain.ProposalVerdict{Proposal: p, Approved: false, ReasonCode: code, Detail: detail}
	}

	// 1. Mode gate: режим без исполнения не пропускает ни одну проверку,
	// порождающую ордера
	if !mode.AllowsExecution() {
		return reject(domain.ReasonModeGate, fmt.Sprintf("mode %s does not permit live effects", mode))
	}

	// 2. Только покупки: шорты запрещены политикой
	if p.Side != domain.SideBuy {
		return reject(domain.ReasonShortSide, fmt.Sprintf("side %s is not allowed", p.Side))
	}

	// 3. Cooldown символа
	if portfolio.CooldownActive(p.Symbol, now) {
		until := portfolio.Cooldowns[p.Symbol]
		return reject(domain.ReasonCooldownActive, fmt.Sprintf("cooldown until %s", until.Format(time.RFC3339)))
	}

	nlv := portfolio.NetLiquidationUSD

	// 4. Кап экспозиции на символ (позиция + принятое в этом батче + proposal)
	symbolExposure := st.acceptedBySymbol[p.Symbol] + st.notional
	if pos, ok := portfolio.Positions[p.Symbol]; ok {
		symbolExposure += pos.ValueUSD
	}
	symbolCap := nlv * g.policy.MaxSymbolExposurePct / 100.0
	if symbolExposure > symbolCap {
		return reject(domain.ReasonSymbolCap,
			fmt.Sprintf("symbol exposure %.2f would exceed cap %.2f", symbolExposure, symbolCap))
	}

	// 5. Кап экспозиции кластера
	if cluster := g.policy.ClusterOf(p.Symbol); cluster != "" {
		clusterExposure := st.acceptedByCluster[cluster] + st.notional
		for _, member := range g.policy.Clusters[cluster] {
			if pos, ok := portfolio.Positions[member]; ok {
				clusterExposure += pos.ValueUSD
			}
		}
		clusterCap := nlv * g.policy.MaxClusterExposurePct / 100.0
		if clusterExposure > clusterCap {
			return reject(domain.ReasonClusterCap,
				fmt.Sprintf("cluster %s exposure %.2f would exceed cap %.2f", cluster, clusterExposure, clusterCap))
		}
	}

	// 6. Total-at-risk: позиции + открытые ордера + принятое в батче + proposal.
	// Открытые ордера учитываются обязательно — иначе кап обходится
	// отложенными ордерами.
	totalAtRisk := portfolio.PositionValueUSD() + st.openOrderNotional + st.acceptedNotional + st.notional
	totalCap := nlv * g.policy.MaxTotalAtRiskPct / 100.0
	if totalAtRisk > totalCap {
		return reject(domain.ReasonTotalAtRisk,
			fmt.Sprintf("total at risk %.2f would exceed cap %.2f", totalAtRisk, totalCap))
	}

	// 7. Минимальный notional
	if st.notional < g.policy.MinNotionalUSD {
		return reject(domain.ReasonMinNotional,
			fmt.Sprintf("notional %.2f below floor %.2f", st.notional, g.policy.MinNotionalUSD))
	}

	// 8. Максимум открытых позиций
	openPositions := len(portfolio.Positions) + len(st.newSymbols)
	if _, held := portfolio.Positions[p.Symbol]; !held && !st.newSymbols[p.Symbol] {
		openPositions++
	}
	if openPositions > g.policy.MaxOpenPositions {
		return reject(domain.ReasonMaxOpenPositions,
			fmt.Sprintf("open positions %d would exceed limit %d", openPositions, g.policy.MaxOpenPositions))
	}

	// 9. Частота сделок: часовой и дневной лимиты
	if portfolio.Counters.TradesThisHour+st.acceptedCount+1 > g.policy.TradesPerHour {
		return reject(domain.ReasonHourlyTradeLimit,
			fmt.Sprintf("hourly trade limit %d reached", g.policy.TradesPerHour))
	}
	if portfolio.Counters.TradesToday+st.acceptedCount+1 > g.policy.TradesPerDay {
		return reject(domain.ReasonDailyTradeLimit,
			fmt.Sprintf("daily trade limit %d reached", g.policy.TradesPerDay))
	}

	return domain.ProposalVerdict{Proposal: p, Approved: true, ReasonCode: domain.ReasonApproved}
}
