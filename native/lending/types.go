package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReserveConfig groups the governance controlled parameters of a single
// reserve. Ratios are expressed in basis points.
type ReserveConfig struct {
	// LTVBps caps how much can be borrowed against the reserve's collateral
	// value.
	LTVBps uint64
	// LiquidationThresholdBps is the collateral weight used by the health
	// factor. It must not be below LTVBps.
	LiquidationThresholdBps uint64
	// ReserveFactorBps is the share of borrow interest kept by the protocol.
	ReserveFactorBps uint64
	// SupplyCap bounds total supplied liquidity. Zero means unlimited.
	SupplyCap *big.Int
	// BorrowCap bounds total outstanding debt. Zero means unlimited.
	BorrowCap *big.Int
	// IncentivesPerBlock is the amount of the incentive asset streamed to
	// suppliers of the reserve every block.
	IncentivesPerBlock *big.Int
	// Interest is the kinked borrow rate curve.
	Interest InterestModel
	// BorrowingEnabled gates new borrows.
	BorrowingEnabled bool
}

// Validate checks the configuration against hard limits.
func (c ReserveConfig) Validate() error {
	if c.LTVBps > 10_000 {
		return fmt.Errorf("lending: ltv %d exceeds 100%%", c.LTVBps)
	}
	if c.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("lending: liquidation threshold %d exceeds 100%%", c.LiquidationThresholdBps)
	}
	if c.LiquidationThresholdBps < c.LTVBps {
		return fmt.Errorf("lending: liquidation threshold %d below ltv %d", c.LiquidationThresholdBps, c.LTVBps)
	}
	if c.ReserveFactorBps > 10_000 {
		return fmt.Errorf("lending: reserve factor %d exceeds 100%%", c.ReserveFactorBps)
	}
	for name, v := range map[string]*big.Int{"supply cap": c.SupplyCap, "borrow cap": c.BorrowCap, "incentives": c.IncentivesPerBlock} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("lending: %s must not be negative", name)
		}
	}
	return c.Interest.Validate()
}

func (c ReserveConfig) clone() ReserveConfig {
	c.SupplyCap = copyInt(c.SupplyCap)
	c.BorrowCap = copyInt(c.BorrowCap)
	c.IncentivesPerBlock = copyInt(c.IncentivesPerBlock)
	return c
}

// Reserve captures the global accounting state of one lending reserve.
type Reserve struct {
	Asset  common.Address
	Config ReserveConfig
	// TotalSupplyShares is the sum of supplier shares. Liquidity per share
	// grows with SupplyIndex.
	TotalSupplyShares *big.Int
	// TotalScaledDebt is the sum of borrower debt divided by BorrowIndex.
	TotalScaledDebt *big.Int
	// SupplyIndex is the cumulative interest index applied to supplier
	// balances (ray precision).
	SupplyIndex *big.Int
	// BorrowIndex is the cumulative interest index applied to borrower debt
	// (ray precision).
	BorrowIndex *big.Int
	// IncentiveIndex accumulates incentive asset per supply share (1e18).
	IncentiveIndex *big.Int
	// ProtocolReserves tracks the interest retained by the protocol.
	ProtocolReserves *big.Int
	// LastUpdateBlock records the block height when indexes were last
	// refreshed.
	LastUpdateBlock uint64
}

// Clone returns a deep copy of the reserve.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Config = r.Config.clone()
	clone.TotalSupplyShares = copyInt(r.TotalSupplyShares)
	clone.TotalScaledDebt = copyInt(r.TotalScaledDebt)
	clone.SupplyIndex = copyInt(r.SupplyIndex)
	clone.BorrowIndex = copyInt(r.BorrowIndex)
	clone.IncentiveIndex = copyInt(r.IncentiveIndex)
	clone.ProtocolReserves = copyInt(r.ProtocolReserves)
	return &clone
}

// TotalSupplied returns the liquidity owed to suppliers.
func (r *Reserve) TotalSupplied() *big.Int {
	return liquidityFromShares(r.TotalSupplyShares, r.SupplyIndex)
}

// TotalBorrowed returns the outstanding debt including accrued interest.
func (r *Reserve) TotalBorrowed() *big.Int {
	return debtFromScaled(r.TotalScaledDebt, r.BorrowIndex)
}

func (r *Reserve) normalize() {
	if r.TotalSupplyShares == nil {
		r.TotalSupplyShares = big.NewInt(0)
	}
	if r.TotalScaledDebt == nil {
		r.TotalScaledDebt = big.NewInt(0)
	}
	if r.SupplyIndex == nil || r.SupplyIndex.Sign() == 0 {
		r.SupplyIndex = new(big.Int).Set(ray)
	}
	if r.BorrowIndex == nil || r.BorrowIndex.Sign() == 0 {
		r.BorrowIndex = new(big.Int).Set(ray)
	}
	if r.IncentiveIndex == nil {
		r.IncentiveIndex = big.NewInt(0)
	}
	if r.ProtocolReserves == nil {
		r.ProtocolReserves = big.NewInt(0)
	}
}

// Position maintains the lending position of one account in one reserve.
type Position struct {
	SupplyShares      *big.Int
	ScaledDebt        *big.Int
	IncentiveIndex    *big.Int
	AccruedIncentives *big.Int
}

func (p *Position) normalize() {
	if p.SupplyShares == nil {
		p.SupplyShares = big.NewInt(0)
	}
	if p.ScaledDebt == nil {
		p.ScaledDebt = big.NewInt(0)
	}
	if p.IncentiveIndex == nil {
		p.IncentiveIndex = big.NewInt(0)
	}
	if p.AccruedIncentives == nil {
		p.AccruedIncentives = big.NewInt(0)
	}
}

// AccountData summarises an account across every reserve. Base amounts are
// denominated in the oracle's quote unit.
type AccountData struct {
	TotalCollateralBase  *big.Int
	TotalDebtBase        *big.Int
	AvailableBorrowsBase *big.Int
	// LiquidationThresholdBps is the collateral-weighted liquidation threshold.
	LiquidationThresholdBps uint64
	// LTVBps is the collateral-weighted loan-to-value ratio.
	LTVBps uint64
	// HealthFactor is 1e18-scaled; accounts without debt report the maximum
	// 256-bit value.
	HealthFactor *big.Int
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
