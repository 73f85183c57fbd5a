package lending

import (
	"fmt"
	"math/big"
)

// InterestModel encapsulates the parameters that shape how interest rates react
// to market utilisation. Rates are annual and expressed in basis points so the
// model can be persisted alongside the reserve it prices.
type InterestModel struct {
	// BaseRateBps is the minimum borrow APR applied when utilisation is zero.
	BaseRateBps uint64
	// Slope1Bps is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1Bps uint64
	// Slope2Bps governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2Bps uint64
	// KinkBps represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	KinkBps uint64
}

// DefaultInterestModel provides a reasonable starting configuration featuring a
// kinked interest rate curve with a modest base rate.
var DefaultInterestModel = InterestModel{BaseRateBps: 200, Slope1Bps: 1_500, Slope2Bps: 6_000, KinkBps: 8_000}

// IsZero reports whether the model charges no interest at all.
func (m InterestModel) IsZero() bool {
	return m.BaseRateBps == 0 && m.Slope1Bps == 0 && m.Slope2Bps == 0
}

// Validate ensures the kink sits within [0, 100%].
func (m InterestModel) Validate() error {
	if m.KinkBps > 10_000 {
		return fmt.Errorf("lending: interest kink %d exceeds 100%%", m.KinkBps)
	}
	return nil
}

func bpsRat(v uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(v), basisPoints)
}

// Utilisation computes the pool utilisation ratio U = totalBorrowed /
// totalSupplied. When no liquidity exists the utilisation is defined as zero.
func (m InterestModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return u
}

// BorrowAPR derives the dynamic borrow APR based on the current utilisation.
func (m InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	rate := bpsRat(m.BaseRateBps)
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := bpsRat(m.KinkBps)
	slope1 := bpsRat(m.Slope1Bps)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(bpsRat(m.Slope2Bps), excess))
}

// SupplyAPY derives the supply APY from the borrow APR, utilisation and the
// reserve factor in basis points.
func (m InterestModel) SupplyAPY(totalBorrowed, totalSupplied *big.Int, reserveFactorBps uint64) *big.Rat {
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	if reserveFactorBps > 10_000 {
		reserveFactorBps = 10_000
	}
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), bpsRat(reserveFactorBps))
	apy := new(big.Rat).Mul(m.BorrowAPR(totalBorrowed, totalSupplied), utilisation)
	return apy.Mul(apy, oneMinusReserve)
}
