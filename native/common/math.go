package common

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// BasisPoints is the denominator for every rate expressed in bps.
	BasisPoints uint64 = 10_000
)

var (
	// Precision is the 1e18 fixed-point scale used by accumulators, share
	// prices and health factors.
	Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// BasisPointsInt is BasisPoints as a big integer.
	BasisPointsInt = new(big.Int).SetUint64(BasisPoints)
	// MaxUint256 is the largest value representable in a 256-bit word.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	ErrMathOverflow   = errors.New("math: uint256 overflow")
	ErrDivisionByZero = errors.New("math: division by zero")
	ErrNegativeAmount = errors.New("math: negative amount")
)

func toWord(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrMathOverflow
	}
	return word, nil
}

// MulDiv computes floor(a*b/d) with a 512-bit intermediate product and
// rejects results that do not fit in 256 bits.
func MulDiv(a, b, d *big.Int) (*big.Int, error) {
	x, err := toWord(a)
	if err != nil {
		return nil, err
	}
	y, err := toWord(b)
	if err != nil {
		return nil, err
	}
	den, err := toWord(d)
	if err != nil {
		return nil, err
	}
	if den.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, den)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z.ToBig(), nil
}

// MulDivUp computes ceil(a*b/d).
func MulDivUp(a, b, d *big.Int) (*big.Int, error) {
	floor, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	product := new(big.Int).Mul(nz(a), nz(b))
	if new(big.Int).Mod(product, d).Sign() != 0 {
		floor.Add(floor, big.NewInt(1))
		if floor.Cmp(MaxUint256) > 0 {
			return nil, ErrMathOverflow
		}
	}
	return floor, nil
}

// Bps computes floor(amount*bps/10_000).
func Bps(amount *big.Int, bps uint64) (*big.Int, error) {
	return MulDiv(amount, new(big.Int).SetUint64(bps), BasisPointsInt)
}

// CheckedAdd returns a+b, rejecting results above 256 bits.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Add(nz(a), nz(b))
	if out.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if out.Cmp(MaxUint256) > 0 {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// ValidAmount reports whether v is a strictly positive value that fits in 256
// bits.
func ValidAmount(v *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.BitLen() <= 256
}

// MinInt returns a copy of the smaller argument.
func MinInt(a, b *big.Int) *big.Int {
	if nz(a).Cmp(nz(b)) <= 0 {
		return Copy(a)
	}
	return Copy(b)
}

// Copy returns a defensive copy of v, mapping nil to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(nz(a), nz(b))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
