package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type DistributorMetrics struct {
	rewardsMinted  *prometheus.CounterVec
	rewardsPaid    *prometheus.CounterVec
	commissionPaid prometheus.Counter
	mintShortfall  prometheus.Counter
	flows          *prometheus.CounterVec
}

type StrategyMetrics struct {
	leverageIterations *prometheus.HistogramVec
	deleverage         *prometheus.CounterVec
	healthFactor       *prometheus.GaugeVec
	harvested          *prometheus.CounterVec
}

type VaultMetrics struct {
	totalShares  *prometheus.GaugeVec
	withdrawFees *prometheus.CounterVec
}

var (
	distributorOnce     sync.Once
	distributorRegistry *DistributorMetrics

	strategyOnce     sync.Once
	strategyRegistry *StrategyMetrics

	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// Distributor returns the lazily-initialised reward distributor registry.
func Distributor() *DistributorMetrics {
	distributorOnce.Do(func() {
		distributorRegistry = &DistributorMetrics{
			rewardsMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "distributor",
				Name:      "rewards_minted_total",
				Help:      "Reward asset minted by pool accrual.",
			}, []string{"pool"}),
			rewardsPaid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "distributor",
				Name:      "rewards_paid_total",
				Help:      "Reward asset paid to depositors per pool.",
			}, []string{"pool"}),
			commissionPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "distributor",
				Name:      "referral_commission_total",
				Help:      "Referral commission minted to referrers.",
			}),
			mintShortfall: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "distributor",
				Name:      "mint_shortfall_total",
				Help:      "Count of accruals or commissions truncated by the reward supply cap.",
			}),
			flows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "distributor",
				Name:      "flows_total",
				Help:      "Deposits and withdrawals routed through the distributor.",
			}, []string{"pool", "kind"}),
		}
		prometheus.MustRegister(
			distributorRegistry.rewardsMinted,
			distributorRegistry.rewardsPaid,
			distributorRegistry.commissionPaid,
			distributorRegistry.mintShortfall,
			distributorRegistry.flows,
		)
	})
	return distributorRegistry
}

func (m *DistributorMetrics) ObserveMinted(pool string, amount *big.Int) {
	if m == nil {
		return
	}
	m.rewardsMinted.WithLabelValues(pool).Add(toFloat(amount))
}

func (m *DistributorMetrics) ObservePaid(pool string, amount *big.Int) {
	if m == nil {
		return
	}
	m.rewardsPaid.WithLabelValues(pool).Add(toFloat(amount))
}

func (m *DistributorMetrics) ObserveCommission(amount *big.Int) {
	if m == nil {
		return
	}
	m.commissionPaid.Add(toFloat(amount))
}

func (m *DistributorMetrics) IncMintShortfall() {
	if m == nil {
		return
	}
	m.mintShortfall.Inc()
}

func (m *DistributorMetrics) ObserveFlow(pool, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.flows.WithLabelValues(pool, kind).Inc()
}

// Strategy returns the lazily-initialised leverage strategy registry.
func Strategy() *StrategyMetrics {
	strategyOnce.Do(func() {
		strategyRegistry = &StrategyMetrics{
			leverageIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "archimedes",
				Subsystem: "strategy",
				Name:      "leverage_iterations",
				Help:      "Supply/borrow iterations executed per leverage loop.",
				Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
			}, []string{"strategy"}),
			deleverage: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "strategy",
				Name:      "deleverage_total",
				Help:      "Deleverage runs segmented by mode (idle, partial, full).",
			}, []string{"strategy", "mode"}),
			healthFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "archimedes",
				Subsystem: "strategy",
				Name:      "health_factor",
				Help:      "Last observed lending health factor (1.0 = liquidation threshold).",
			}, []string{"strategy"}),
			harvested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "strategy",
				Name:      "harvested_want_total",
				Help:      "Want compounded by harvests.",
			}, []string{"strategy"}),
		}
		prometheus.MustRegister(
			strategyRegistry.leverageIterations,
			strategyRegistry.deleverage,
			strategyRegistry.healthFactor,
			strategyRegistry.harvested,
		)
	})
	return strategyRegistry
}

func (m *StrategyMetrics) ObserveLeverage(strategy string, iterations int) {
	if m == nil {
		return
	}
	m.leverageIterations.WithLabelValues(strategy).Observe(float64(iterations))
}

func (m *StrategyMetrics) ObserveDeleverage(strategy, mode string) {
	if m == nil {
		return
	}
	m.deleverage.WithLabelValues(strategy, mode).Inc()
}

// SetHealthFactor records a 1e18-scaled health factor. Positions without debt
// are reported as 0.
func (m *StrategyMetrics) SetHealthFactor(strategy string, hf *big.Int) {
	if m == nil {
		return
	}
	value := 0.0
	if hf != nil && hf.BitLen() < 256 {
		value, _ = new(big.Rat).SetFrac(hf, big.NewInt(1_000_000_000_000_000_000)).Float64()
	}
	m.healthFactor.WithLabelValues(strategy).Set(value)
}

func (m *StrategyMetrics) ObserveHarvest(strategy string, compounded *big.Int) {
	if m == nil {
		return
	}
	m.harvested.WithLabelValues(strategy).Add(toFloat(compounded))
}

// Vault returns the lazily-initialised share vault registry.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			totalShares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "archimedes",
				Subsystem: "vault",
				Name:      "total_shares",
				Help:      "Outstanding vault shares.",
			}, []string{"vault"}),
			withdrawFees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "archimedes",
				Subsystem: "vault",
				Name:      "withdraw_fees_total",
				Help:      "Withdrawal fees routed to the treasury.",
			}, []string{"vault"}),
		}
		prometheus.MustRegister(vaultRegistry.totalShares, vaultRegistry.withdrawFees)
	})
	return vaultRegistry
}

func (m *VaultMetrics) SetTotalShares(vault string, shares *big.Int) {
	if m == nil {
		return
	}
	m.totalShares.WithLabelValues(vault).Set(toFloat(shares))
}

func (m *VaultMetrics) ObserveWithdrawFee(vault string, fee *big.Int) {
	if m == nil {
		return
	}
	m.withdrawFees.WithLabelValues(vault).Add(toFloat(fee))
}
