package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	halfRay     = new(big.Int).Rsh(ray, 1)
	wad         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

const blocksPerYear = 31_536_000

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, ray)
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// rateFactor returns 1 + rate*delta/blocksPerYear in ray precision (simple
// interest over the elapsed blocks).
func rateFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perBlock := new(big.Rat).Quo(rate, new(big.Rat).SetUint64(blocksPerYear))
	perBlock.Mul(perBlock, new(big.Rat).SetUint64(delta))
	return ratToRay(new(big.Rat).Add(big.NewRat(1, 1), perBlock))
}

// Supplier shares round down on mint and liquidity rounds down on redeem so
// suppliers never withdraw more than they contributed.
func sharesFromLiquidity(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	return scaled.Quo(scaled, index)
}

func sharesForWithdrawal(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return ceilDiv(new(big.Int).Mul(amount, ray), index)
}

func liquidityFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(shares, index)
	return scaled.Quo(scaled, ray)
}

// Debt rounds up in both directions so borrowers never owe less than they
// drew.
func scaledDebtFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return ceilDiv(new(big.Int).Mul(amount, ray), index)
}

func debtFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return ceilDiv(new(big.Int).Mul(scaled, index), ray)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func ratFloor(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}
