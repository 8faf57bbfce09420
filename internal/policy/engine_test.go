package policy

import (
	"testing"
	"time"

	"github.com/kirillm/trade-controller/internal/domain"
)

func testPolicy() *Policy {
	return &Policy{
		ProfileName:           "test",
		MaxSymbolExposurePct:  5,
		MaxClusterExposurePct: 10,
		MaxTotalAtRiskPct:     20,
		MinNotionalUSD:        5,
		MaxOpenPositions:      5,
		TradesPerHour:         10,
		TradesPerDay:          20,
		SlippageCeilingPct:    1.0,
		VolatilityHalvePct:    5.0,
		CooldownMinutes:       60,
		MaxDataAgeSeconds:     120,
		VolatilityATRRatio:    3.0,
		DepegThresholdPct:     1.0,
		DepegSustainedMinutes: 60,
		Clusters: map[string][]string{
			"l1": {"BTC", "ETH", "SOL"},
		},
	}
}

func testPortfolio(nlv float64) *domain.PortfolioState {
	ps := domain.NewPortfolioState()
	ps.NetLiquidationUSD = nlv
	return ps
}

func buyProposal(symbol string, sizePct float64) domain.TradeProposal {
	return domain.TradeProposal{
		Symbol:      symbol,
		Side:        domain.SideBuy,
		SizePercent: sizePct,
		Conviction:  0.7,
	}
}

func TestGuard_Evaluate_EmptyBatch(t *testing.T) {
	g := NewGuardWithPolicy(testPolicy())

	result := g.Evaluate(nil, testPortfolio(1000), domain.CircuitBreakerStatus{}, 0, domain.ModeLive, time.Now())

	if result.BatchReason != domain.ReasonNothingToEvaluate {
		t.Errorf("BatchReason = %q, want %q", result.BatchReason, domain.ReasonNothingToEvaluate)
	}
	if len(result.Approved) != 0 || len(result.Verdicts) != 0 {
		t.Errorf("empty batch must produce empty approved/verdicts, got %d/%d", len(result.Approved), len(result.Verdicts))
	}
}

func TestGuard_Evaluate_CircuitBreakerRejectsAll(t *testing.T) {
	tests := []struct {
		name       string
		breakers   domain.CircuitBreakerStatus
		wantReason string
	}{
		{"kill switch", domain.CircuitBreakerStatus{KillSwitch: true}, domain.ReasonKillSwitch},
		{"stale data", domain.CircuitBreakerStatus{DataStale: true}, domain.ReasonDataStale},
		{"exchange degraded", domain.CircuitBreakerStatus{ExchangeDegraded: true}, domain.ReasonExchangeDegraded},
		{"volatility", domain.CircuitBreakerStatus{VolatilityHigh: true}, domain.ReasonVolatilityHigh},
		{"depeg", domain.CircuitBreakerStatus{StablecoinDepeg: true}, domain.ReasonStablecoinDepeg},
	}

	proposals := []domain.TradeProposal{
		buyProposal("BTC", 2),
		buyProposal("ETH", 2),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuardWithPolicy(testPolicy())
			result := g.Evaluate(proposals, testPortfolio(1000), tt.breakers, 0, domain.ModeLive, time.Now())

			if len(result.Approved) != 0 {
				t.Errorf("approved = %d, want 0 when breaker tripped", len(result.Approved))
			}
			if result.BatchReason != tt.wantReason {
				t.Errorf("BatchReason = %q, want %q", result.BatchReason, tt.wantReason)
			}
			for _, v := range result.Verdicts {
				if v.Approved || v.ReasonCode != tt.wantReason {
					t.Errorf("verdict %+v, want rejected with %q", v, tt.wantReason)
				}
			}
		})
	}
}

func TestGuard_Evaluate_BatchCumulativeTotalAtRisk(t *testing.T) {
	// Каждый proposal по 8% валиден сам по себе (symbol cap не мешает:
	// разные символы), но сумма 3x8=24% пробивает total-at-risk 20%.
	// Guard обязан принять строгий префикс, а не все три.
	p := testPolicy()
	p.MaxSymbolExposurePct = 10
	p.MaxClusterExposurePct = 100
	g := NewGuardWithPolicy(p)

	proposals := []domain.TradeProposal{
		buyProposal("BTC", 8),
		buyProposal("ETH", 8),
		buyProposal("SOL", 8),
	}

	result := g.Evaluate(proposals, testPortfolio(1000), domain.CircuitBreakerStatus{}, 0, domain.ModeLive, time.Now())

	if len(result.Approved) != 2 {
		t.Fatalf("approved = %d, want 2 (strict prefix under 20%% cap)", len(result.Approved))
	}
	if result.Approved[0].Symbol != "BTC" || result.Approved[1].Symbol != "ETH" {
		t.Errorf("approved prefix = %v, want BTC,ETH", result.Approved)
	}
	last := result.Verdicts[2]
	if last.Approved || last.ReasonCode != domain.ReasonTotalAtRisk {
		t.Errorf("third verdict = %+v, want rejected with total_at_risk_cap", last)
	}
}

func TestGuard_Evaluate_OpenOrdersCountTowardTotalAtRisk(t *testing.T) {
	p := testPolicy()
	p.MaxSymbolExposurePct = 30
	g := NewGuardWithPolicy(p)

	// 15% NLV уже занято открытыми ордерами; proposal на 8% пробил бы 20%
	result := g.Evaluate(
		[]domain.TradeProposal{buyProposal("BTC", 8)},
		testPortfolio(1000),
		domain.CircuitBreakerStatus{},
		150, // open order notional USD
		domain.ModeLive,
		time.Now(),
	)

	if len(result.Approved) != 0 {
		t.Fatalf("approved = %d, want 0: open orders must count toward total at risk", len(result.Approved))
	}
	if result.Verdicts[0].ReasonCode != domain.ReasonTotalAtRisk {
		t.Errorf("reason = %q, want %q", result.Verdicts[0].ReasonCode, domain.ReasonTotalAtRisk)
	}
}

func TestGuard_Evaluate_PerProposalChecks(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		setup      func(*Policy, *domain.PortfolioState)
		proposal   domain.TradeProposal
		mode       domain.Mode
		wantReason string
	}{
		{
			name:       "mode gate in shadow",
			setup:      func(p *Policy, ps *domain.PortfolioState) {},
			proposal:   buyProposal("BTC", 2),
			mode:       domain.ModeShadow,
			wantReason: domain.ReasonModeGate,
		},
		{
			name:       "short side disallowed",
			setup:      func(p *Policy, ps *domain.PortfolioState) {},
			proposal:   domain.TradeProposal{Symbol: "BTC", Side: domain.SideSell, SizePercent: 2},
			mode:       domain.ModeLive,
			wantReason: domain.ReasonShortSide,
		},
		{
			name: "cooldown active",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				ps.Cooldowns["BTC"] = now.Add(30 * time.Minute)
			},
			proposal:   buyProposal("BTC", 2),
			mode:       domain.ModeLive,
			wantReason: domain.ReasonCooldownActive,
		},
		{
			name: "symbol cap with existing position",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				ps.Positions["BTC"] = domain.Position{Symbol: "BTC", Units: 0.001, ValueUSD: 45}
			},
			proposal:   buyProposal("BTC", 2), // 20 + 45 > 50 (5% от 1000)
			mode:       domain.ModeLive,
			wantReason: domain.ReasonSymbolCap,
		},
		{
			name: "cluster cap",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				p.MaxSymbolExposurePct = 50
				ps.Positions["ETH"] = domain.Position{Symbol: "ETH", Units: 0.03, ValueUSD: 90}
			},
			proposal:   buyProposal("BTC", 2), // кластер l1: 90 + 20 > 100 (10%)
			mode:       domain.ModeLive,
			wantReason: domain.ReasonClusterCap,
		},
		{
			name:       "below min notional",
			setup:      func(p *Policy, ps *domain.PortfolioState) {},
			proposal:   buyProposal("BTC", 0.2), // $2 < $5
			mode:       domain.ModeLive,
			wantReason: domain.ReasonMinNotional,
		},
		{
			name: "max open positions",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				p.MaxOpenPositions = 1
				ps.Positions["ETH"] = domain.Position{Symbol: "ETH", Units: 0.01, ValueUSD: 30}
			},
			proposal:   buyProposal("BTC", 2),
			mode:       domain.ModeLive,
			wantReason: domain.ReasonMaxOpenPositions,
		},
		{
			name: "hourly trade limit",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				ps.Counters.TradesThisHour = 10
			},
			proposal:   buyProposal("BTC", 2),
			mode:       domain.ModeLive,
			wantReason: domain.ReasonHourlyTradeLimit,
		},
		{
			name: "daily trade limit",
			setup: func(p *Policy, ps *domain.PortfolioState) {
				ps.Counters.TradesToday = 20
			},
			proposal:   buyProposal("BTC", 2),
			mode:       domain.ModeLive,
			wantReason: domain.ReasonDailyTradeLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			ps := testPortfolio(1000)
			tt.setup(p, ps)
			g := NewGuardWithPolicy(p)

			result := g.Evaluate([]domain.TradeProposal{tt.proposal}, ps, domain.CircuitBreakerStatus{}, 0, tt.mode, now)

			if len(result.Approved) != 0 {
				t.Fatalf("approved = %d, want 0", len(result.Approved))
			}
			if got := result.Verdicts[0].ReasonCode; got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestGuard_Evaluate_ApprovesValidProposal(t *testing.T) {
	g := NewGuardWithPolicy(testPolicy())

	result := g.Evaluate(
		[]domain.TradeProposal{buyProposal("BTC", 2)},
		testPortfolio(576),
		domain.CircuitBreakerStatus{},
		0,
		domain.ModeLive,
		time.Now(),
	)

	if len(result.Approved) != 1 {
		t.Fatalf("approved = %d, want 1", len(result.Approved))
	}
	v := result.Verdicts[0]
	if !v.Approved || v.ReasonCode != domain.ReasonApproved {
		t.Errorf("verdict = %+v, want approved", v)
	}
}
