package strategy

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

const (
	modePartial = "partial"
	modeFull    = "full"
)

// Deposit supplies the idle want to the market and levers the position.
// While paused the funds stay idle.
func (s *Strategy) Deposit(caller common.Address) error {
	if err := s.requireController(caller); err != nil {
		return err
	}
	return s.state.Atomic(func() error {
		paused, err := s.Paused()
		if err != nil || paused {
			return err
		}
		params, err := s.Params()
		if err != nil {
			return err
		}
		return s.deploy(params)
	})
}

// deploy supplies every idle unit and runs the leverage loop on top of it.
func (s *Strategy) deploy(params Params) error {
	supplied, err := s.supplyIdle()
	if err != nil {
		return err
	}
	if supplied.Sign() == 0 {
		return nil
	}
	iterations, err := s.leverage(params, supplied)
	if err != nil {
		return err
	}
	s.metrics.ObserveLeverage(s.address.Hex(), iterations)
	s.observeHealth()
	return nil
}

func (s *Strategy) supplyIdle() (*big.Int, error) {
	idle, err := s.Idle()
	if err != nil {
		return nil, err
	}
	if idle.Sign() == 0 {
		return idle, nil
	}
	if err := s.supply(idle); err != nil {
		return nil, err
	}
	return idle, nil
}

func (s *Strategy) supply(amount *big.Int) error {
	if err := s.token.Approve(s.want, s.address, s.market.Address(), amount); err != nil {
		return err
	}
	return s.market.Supply(s.address, s.want, amount)
}

func (s *Strategy) repay(amount *big.Int) (*big.Int, error) {
	if err := s.token.Approve(s.want, s.address, s.market.Address(), amount); err != nil {
		return nil, err
	}
	return s.market.Repay(s.address, s.want, amount)
}

// leverage borrows BorrowRateBps of the previous round and re-supplies it,
// for at most BorrowDepth rounds. A round is skipped once it would borrow
// less than MinLeverage, push borrowed above BorrowRateMaxBps of supplied,
// or leave the projected health factor below MinHealthFactor.
func (s *Strategy) leverage(params Params, round *big.Int) (int, error) {
	lt, err := s.liquidationThreshold()
	if err != nil {
		return 0, err
	}
	round = nativecommon.Copy(round)
	iterations := 0
	for i := uint64(0); i < params.BorrowDepth; i++ {
		borrow, err := nativecommon.Bps(round, params.BorrowRateBps)
		if err != nil {
			return iterations, err
		}
		if borrow.Sign() == 0 || borrow.Cmp(nativecommon.Copy(params.MinLeverage)) < 0 {
			break
		}
		supplied, borrowed, err := s.Position()
		if err != nil {
			return iterations, err
		}
		ceiling, err := nativecommon.Bps(supplied, params.BorrowRateMaxBps)
		if err != nil {
			return iterations, err
		}
		headroom := nativecommon.SubFloor(ceiling, borrowed)
		if borrow.Cmp(headroom) > 0 {
			borrow = headroom
		}
		if borrow.Sign() == 0 || borrow.Cmp(nativecommon.Copy(params.MinLeverage)) < 0 {
			break
		}
		projected := healthFactor(new(big.Int).Add(supplied, borrow), new(big.Int).Add(borrowed, borrow), lt)
		if projected.Cmp(params.MinHealthFactor) < 0 {
			break
		}
		if err := s.market.Borrow(s.address, s.want, borrow, variableRateMode); err != nil {
			return iterations, fmt.Errorf("strategy: borrow round %d: %w", i, err)
		}
		if err := s.supply(borrow); err != nil {
			return iterations, fmt.Errorf("strategy: supply round %d: %w", i, err)
		}
		round = borrow
		iterations++
	}
	s.logger.Debug("leverage loop finished", slog.Int("iterations", iterations))
	return iterations, nil
}

// Withdraw frees amount of want and sends it to the controller. Idle funds
// are used first; otherwise the position is unwound partially when a direct
// withdrawal would keep the health factor at or above
// FullWithdrawHealthFactor, and fully (then re-levered) when it would not.
// The returned amount may be lower than requested when the bounded loops
// cannot free everything; while paused only idle funds are returned.
func (s *Strategy) Withdraw(caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := s.requireController(caller); err != nil {
		return nil, err
	}
	if !nativecommon.ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	var paid *big.Int
	err := s.state.Atomic(func() (err error) {
		paid, err = s.withdraw(caller, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (s *Strategy) withdraw(caller common.Address, amount *big.Int) (*big.Int, error) {
	idle, err := s.Idle()
	if err != nil {
		return nil, err
	}
	if idle.Cmp(amount) >= 0 {
		return s.payController(caller, amount)
	}
	paused, err := s.Paused()
	if err != nil {
		return nil, err
	}
	if paused {
		return s.payController(caller, idle)
	}
	params, err := s.Params()
	if err != nil {
		return nil, err
	}
	supplied, borrowed, err := s.Position()
	if err != nil {
		return nil, err
	}
	lt, err := s.liquidationThreshold()
	if err != nil {
		return nil, err
	}
	shortfall := new(big.Int).Sub(amount, idle)
	mode := modeFull
	if shortfall.Cmp(supplied) < 0 {
		after := healthFactor(new(big.Int).Sub(supplied, shortfall), borrowed, lt)
		if borrowed.Sign() == 0 || after.Cmp(params.FullWithdrawHealthFactor) >= 0 {
			mode = modePartial
		}
	}
	if mode == modePartial {
		full, err := s.partialDeleverage(params, supplied, borrowed, shortfall)
		if err != nil {
			return nil, err
		}
		if full {
			mode = modeFull
		} else if err := s.topUp(amount, lt); err != nil {
			return nil, err
		}
	}
	if mode == modeFull {
		if err := s.fullDeleverage(params.loopBound()); err != nil {
			return nil, err
		}
	}
	s.metrics.ObserveDeleverage(s.address.Hex(), mode)

	idle, err = s.Idle()
	if err != nil {
		return nil, err
	}
	paid, err := s.payController(caller, nativecommon.MinInt(idle, amount))
	if err != nil {
		return nil, err
	}
	if mode == modeFull {
		if _, borrowed, err = s.Position(); err != nil {
			return nil, err
		}
		if borrowed.Sign() == 0 {
			if err := s.deploy(params); err != nil {
				return nil, err
			}
		}
	}
	s.logger.Info("strategy withdrawal",
		slog.String("mode", mode),
		slog.String("requested", amount.String()),
		slog.String("paid", paid.String()))
	s.observeHealth()
	return paid, nil
}

func (s *Strategy) payController(controller common.Address, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := s.token.Transfer(s.want, s.address, controller, amount); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// partialDeleverage frees needed want while keeping the supplied/equity ratio
// of the position. It reports true when the equity cannot cover the request
// and a full unwind is required instead.
func (s *Strategy) partialDeleverage(params Params, supplied, borrowed, needed *big.Int) (bool, error) {
	equity := new(big.Int).Sub(supplied, borrowed)
	if equity.Cmp(needed) <= 0 {
		return true, nil
	}
	remaining := new(big.Int).Sub(equity, needed)
	targetSupplied := new(big.Int).Mul(supplied, remaining)
	targetSupplied.Quo(targetSupplied, equity)
	targetBorrowed := nativecommon.SubFloor(targetSupplied, remaining)

	toWithdraw := new(big.Int).Sub(supplied, targetSupplied)
	toRepay := nativecommon.SubFloor(borrowed, targetBorrowed)
	return false, s.unwind(params.loopBound(), toWithdraw, toRepay)
}

// topUp withdraws the gap between the idle balance and amount left by
// interest-index rounding, as far as the health factor allows.
func (s *Strategy) topUp(amount *big.Int, ltBps uint64) error {
	idle, err := s.Idle()
	if err != nil || idle.Cmp(amount) >= 0 {
		return err
	}
	supplied, borrowed, err := s.Position()
	if err != nil {
		return err
	}
	step := nativecommon.MinInt(maxWithdrawable(supplied, borrowed, ltBps, nativecommon.Precision), new(big.Int).Sub(amount, idle))
	if step.Sign() == 0 {
		return nil
	}
	if _, err := s.market.Withdraw(s.address, s.want, step); err != nil {
		return fmt.Errorf("strategy: top up withdraw: %w", err)
	}
	return nil
}

// unwind withdraws toWithdraw collateral and repays toRepay debt in
// alternating steps, each withdrawal sized to keep the position solvent.
func (s *Strategy) unwind(bound int, toWithdraw, toRepay *big.Int) error {
	lt, err := s.liquidationThreshold()
	if err != nil {
		return err
	}
	toWithdraw = nativecommon.Copy(toWithdraw)
	toRepay = nativecommon.Copy(toRepay)
	for i := 0; i < bound && (toWithdraw.Sign() > 0 || toRepay.Sign() > 0); i++ {
		supplied, borrowed, err := s.Position()
		if err != nil {
			return err
		}
		if toWithdraw.Sign() > 0 {
			step := nativecommon.MinInt(maxWithdrawable(supplied, borrowed, lt, nativecommon.Precision), toWithdraw)
			if step.Sign() == 0 {
				break
			}
			got, err := s.market.Withdraw(s.address, s.want, step)
			if err != nil {
				return fmt.Errorf("strategy: unwind withdraw: %w", err)
			}
			toWithdraw = nativecommon.SubFloor(toWithdraw, got)
		}
		if toRepay.Sign() > 0 && borrowed.Sign() > 0 {
			idle, err := s.Idle()
			if err != nil {
				return err
			}
			step := nativecommon.MinInt(nativecommon.MinInt(idle, toRepay), borrowed)
			if step.Sign() == 0 {
				continue
			}
			repaid, err := s.repay(step)
			if err != nil {
				return fmt.Errorf("strategy: unwind repay: %w", err)
			}
			toRepay = nativecommon.SubFloor(toRepay, repaid)
		} else {
			toRepay.SetInt64(0)
		}
	}
	return nil
}

// fullDeleverage repays every unit of debt within bound iterations and then
// withdraws all remaining collateral. Idle want is spent on debt first.
func (s *Strategy) fullDeleverage(bound int) error {
	lt, err := s.liquidationThreshold()
	if err != nil {
		return err
	}
	for i := 0; i < bound; i++ {
		supplied, borrowed, err := s.Position()
		if err != nil {
			return err
		}
		if borrowed.Sign() == 0 {
			break
		}
		idle, err := s.Idle()
		if err != nil {
			return err
		}
		if idle.Cmp(borrowed) < 0 {
			step := nativecommon.MinInt(maxWithdrawable(supplied, borrowed, lt, nativecommon.Precision), new(big.Int).Sub(borrowed, idle))
			if step.Sign() > 0 {
				if _, err := s.market.Withdraw(s.address, s.want, step); err != nil {
					return fmt.Errorf("strategy: deleverage withdraw: %w", err)
				}
			}
			if idle, err = s.Idle(); err != nil {
				return err
			}
		}
		step := nativecommon.MinInt(idle, borrowed)
		if step.Sign() == 0 {
			break
		}
		if _, err := s.repay(step); err != nil {
			return fmt.Errorf("strategy: deleverage repay: %w", err)
		}
	}
	supplied, borrowed, err := s.Position()
	if err != nil {
		return err
	}
	if borrowed.Sign() == 0 && supplied.Sign() > 0 {
		if _, err := s.market.Withdraw(s.address, s.want, nativecommon.MaxUint256); err != nil {
			return fmt.Errorf("strategy: deleverage release: %w", err)
		}
	}
	return nil
}

// IncreaseHealthFactor repays byBps of the outstanding debt using collateral.
func (s *Strategy) IncreaseHealthFactor(caller common.Address, byBps uint64) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if byBps > nativecommon.BasisPoints {
		return ErrRatioTooHigh
	}
	return s.state.Atomic(func() error { return s.increaseHealthFactor(byBps) })
}

func (s *Strategy) increaseHealthFactor(byBps uint64) error {
	params, err := s.Params()
	if err != nil {
		return err
	}
	_, borrowed, err := s.Position()
	if err != nil {
		return err
	}
	target, err := nativecommon.Bps(borrowed, byBps)
	if err != nil {
		return err
	}
	if target.Sign() == 0 {
		return nil
	}
	idle, err := s.Idle()
	if err != nil {
		return err
	}
	withdraw := nativecommon.SubFloor(target, idle)
	if err := s.unwind(params.loopBound(), withdraw, target); err != nil {
		return err
	}
	s.metrics.ObserveDeleverage(s.address.Hex(), modePartial)
	s.observeHealth()
	return nil
}

// Rebalance changes the borrow rate and depth, unwinds the position and
// re-levers it under the new parameters.
func (s *Strategy) Rebalance(caller common.Address, borrowRateBps, depth uint64) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	return s.state.Atomic(func() error { return s.rebalance(borrowRateBps, depth) })
}

func (s *Strategy) rebalance(borrowRateBps, depth uint64) error {
	params, err := s.Params()
	if err != nil {
		return err
	}
	params.BorrowRateBps = borrowRateBps
	params.BorrowDepth = depth
	if err := s.validateParams(params); err != nil {
		return err
	}
	if err := s.state.KVPut(s.paramsKey(), toRecord(params)); err != nil {
		return err
	}
	if err := s.fullDeleverage(int(MaxBorrowDepth)); err != nil {
		return err
	}
	if _, borrowed, err := s.Position(); err != nil {
		return err
	} else if borrowed.Sign() > 0 {
		return ErrUnwindIncomplete
	}
	s.metrics.ObserveDeleverage(s.address.Hex(), modeFull)
	paused, err := s.Paused()
	if err != nil || paused {
		return err
	}
	return s.deploy(params)
}

// Panic unwinds the whole position, keeps the funds idle and pauses the
// strategy. Admins and guardians may panic.
func (s *Strategy) Panic(caller common.Address) error {
	if !s.access.HasRole(nativecommon.RoleGuardian, caller) {
		if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
	}
	return s.state.Atomic(s.unwindAndPause)
}

func (s *Strategy) unwindAndPause() error {
	if err := s.fullDeleverage(int(MaxBorrowDepth)); err != nil {
		return err
	}
	if _, err := s.settings.setPaused(true); err != nil {
		return err
	}
	idle, err := s.Idle()
	if err != nil {
		return err
	}
	_, borrowed, err := s.Position()
	if err != nil {
		return err
	}
	s.metrics.ObserveDeleverage(s.address.Hex(), modeFull)
	s.observeHealth()
	s.state.AppendEvent(events.StrategyPanicked{Strategy: s.address, Idle: idle, Borrowed: borrowed})
	s.logger.Warn("strategy panicked",
		slog.String("idle", idle.String()),
		slog.String("borrowed", borrowed.String()))
	return nil
}

// Retire unwinds the position and sends every unit of want to the
// controller. It fails when debt remains after the bounded unwind.
func (s *Strategy) Retire(caller common.Address) (*big.Int, error) {
	if err := s.requireController(caller); err != nil {
		return nil, err
	}
	var released *big.Int
	err := s.state.Atomic(func() (err error) {
		released, err = s.retire(caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *Strategy) retire(caller common.Address) (*big.Int, error) {
	if err := s.fullDeleverage(int(MaxBorrowDepth)); err != nil {
		return nil, err
	}
	supplied, borrowed, err := s.Position()
	if err != nil {
		return nil, err
	}
	if borrowed.Sign() > 0 || supplied.Sign() > 0 {
		return nil, fmt.Errorf("%w: supplied %s, borrowed %s", ErrUnwindIncomplete, supplied, borrowed)
	}
	idle, err := s.Idle()
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveDeleverage(s.address.Hex(), modeFull)
	s.logger.Info("strategy retired", slog.String("released", idle.String()))
	return s.payController(caller, idle)
}
