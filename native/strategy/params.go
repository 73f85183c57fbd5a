package strategy

import (
	"errors"
	"fmt"
	"math/big"

	nativecommon "archimedes/native/common"
)

const (
	// MaxBorrowDepth caps the supply/borrow iterations of every loop.
	MaxBorrowDepth uint64 = 10
	// MaxPerformanceFeeBps caps the share of harvested yield sent to the treasury.
	MaxPerformanceFeeBps uint64 = 500
	// MaxSlippageBps caps the tolerated deviation from the oracle quote on swaps.
	MaxSlippageBps uint64 = 1_000
)

var (
	ErrBorrowRateTooHigh  = errors.New("strategy: borrow rate exceeds maximum")
	ErrBorrowMaxTooHigh   = errors.New("strategy: borrow rate maximum exceeds market loan-to-value")
	ErrBorrowDepthTooHigh = errors.New("strategy: borrow depth exceeds maximum")
	ErrHealthFactorTooLow = errors.New("strategy: health factor target below 1")
	ErrFullWithdrawTooLow = errors.New("strategy: full withdraw health factor below minimum")
	ErrRatioTooHigh       = errors.New("strategy: ratio exceeds 100%")
	ErrPerformanceFeeCap  = errors.New("strategy: performance fee exceeds cap")
	ErrSlippageTooHigh    = errors.New("strategy: slippage exceeds cap")
	ErrInvalidAmount      = errors.New("strategy: amount must be positive")
	ErrInvalidAddress     = errors.New("strategy: zero address")
	ErrUnknownRoute       = errors.New("strategy: swap route does not start at the reward asset or end at want")
	ErrNoExchange         = errors.New("strategy: exchange not configured")
	ErrHarvestThrottled   = errors.New("strategy: harvest throttled")
	ErrUnwindIncomplete   = errors.New("strategy: position could not be fully unwound")
)

// Params are the leverage parameters of a strategy. Health factors are
// 1e18-scaled; rates are in basis points of the supplied amount.
type Params struct {
	// BorrowRateBps is the share of each round's supply borrowed back.
	BorrowRateBps uint64
	// BorrowRateMaxBps bounds the overall borrowed/supplied ratio.
	BorrowRateMaxBps uint64
	// BorrowDepth bounds the iterations of leverage and deleverage loops.
	BorrowDepth uint64
	// MinLeverage stops the leverage loop once a round would borrow less.
	MinLeverage *big.Int
	// MinHealthFactor is the floor kept after every deposit and withdrawal.
	MinHealthFactor *big.Int
	// FullWithdrawHealthFactor selects partial deleverage when the health
	// factor after a direct withdrawal would stay at or above it.
	FullWithdrawHealthFactor *big.Int
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	p.MinLeverage = nativecommon.Copy(p.MinLeverage)
	p.MinHealthFactor = nativecommon.Copy(p.MinHealthFactor)
	p.FullWithdrawHealthFactor = nativecommon.Copy(p.FullWithdrawHealthFactor)
	return p
}

// Validate checks the parameters against the hard maxima and the market's
// loan-to-value ratio.
func (p Params) Validate(marketLTVBps uint64) error {
	if p.BorrowRateMaxBps > nativecommon.BasisPoints {
		return ErrRatioTooHigh
	}
	if p.BorrowRateBps > p.BorrowRateMaxBps {
		return fmt.Errorf("%w: %d > %d", ErrBorrowRateTooHigh, p.BorrowRateBps, p.BorrowRateMaxBps)
	}
	if p.BorrowRateMaxBps > marketLTVBps {
		return fmt.Errorf("%w: %d > %d", ErrBorrowMaxTooHigh, p.BorrowRateMaxBps, marketLTVBps)
	}
	if p.BorrowDepth > MaxBorrowDepth {
		return fmt.Errorf("%w: %d > %d", ErrBorrowDepthTooHigh, p.BorrowDepth, MaxBorrowDepth)
	}
	if p.MinLeverage != nil && p.MinLeverage.Sign() < 0 {
		return fmt.Errorf("strategy: min leverage must not be negative")
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.Cmp(nativecommon.Precision) < 0 {
		return ErrHealthFactorTooLow
	}
	if p.FullWithdrawHealthFactor == nil || p.FullWithdrawHealthFactor.Cmp(p.MinHealthFactor) < 0 {
		return ErrFullWithdrawTooLow
	}
	return nil
}

// loopBound returns the iteration cap used by deleverage loops.
func (p Params) loopBound() int {
	if p.BorrowDepth == 0 {
		return 1
	}
	return int(p.BorrowDepth)
}
