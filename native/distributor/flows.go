package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

// Deposit pulls amount of the pool's want from the caller (who must have
// approved the distributor), deposits it into the pool's vault and returns the
// shares minted. Pending rewards on an existing position are paid first. A
// referrer is recorded on the caller's first referred deposit only.
func (d *Distributor) Deposit(ctx context.Context, caller common.Address, pid uint64, amount *big.Int, referrer common.Address) (*big.Int, error) {
	var minted *big.Int
	err := d.run(ctx, "deposit", func() error {
		if !nativecommon.ValidAmount(amount) {
			return ErrInvalidAmount
		}
		pool, err := d.Pool(pid)
		if err != nil {
			return err
		}
		vault, err := d.vaultOf(pool)
		if err != nil {
			return err
		}
		paused, err := vault.StrategyPaused()
		if err != nil {
			return err
		}
		if paused {
			return ErrStrategyPaused
		}
		if pool, err = d.updatePool(pid); err != nil {
			return err
		}
		shares, err := vault.BalanceOf(caller)
		if err != nil {
			return err
		}
		if shares.Sign() > 0 {
			if _, err := d.settle(pool, caller, shares); err != nil {
				return err
			}
		}
		if d.referrals != nil {
			if _, err := d.referrals.RecordReferral(d.address, caller, referrer); err != nil {
				return err
			}
		}
		if err := d.token.TransferFrom(pool.Want, d.address, caller, d.address, amount); err != nil {
			return err
		}
		if err := d.token.Approve(pool.Want, d.address, vault.Address(), amount); err != nil {
			return err
		}
		if minted, err = vault.Deposit(d.address, caller, amount); err != nil {
			return err
		}
		if err := d.resetDebt(pool, caller, new(big.Int).Add(shares, minted)); err != nil {
			return err
		}
		d.metrics.ObserveFlow(poolLabel(pid), "deposit")
		d.state.AppendEvent(events.Deposit{PoolID: pid, User: caller, Amount: nativecommon.Copy(amount), Shares: nativecommon.Copy(minted)})
		return nil
	}, poolAttr(pid))
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw settles pending rewards, burns shares through the vault and
// returns the want sent to the caller after the vault's withdrawal fee.
func (d *Distributor) Withdraw(ctx context.Context, caller common.Address, pid uint64, shares *big.Int) (*big.Int, error) {
	var received *big.Int
	err := d.run(ctx, "withdraw", func() error {
		if !nativecommon.ValidAmount(shares) {
			return ErrInvalidAmount
		}
		pool, err := d.updatePool(pid)
		if err != nil {
			return err
		}
		vault, err := d.vaultOf(pool)
		if err != nil {
			return err
		}
		held, err := vault.BalanceOf(caller)
		if err != nil {
			return err
		}
		if shares.Cmp(held) > 0 {
			return fmt.Errorf("%w: have %s, want %s", ErrInsufficientShares, held, shares)
		}
		if _, err := d.settle(pool, caller, held); err != nil {
			return err
		}
		if received, err = vault.Withdraw(d.address, caller, shares); err != nil {
			return err
		}
		if err := d.resetDebt(pool, caller, new(big.Int).Sub(held, shares)); err != nil {
			return err
		}
		d.metrics.ObserveFlow(poolLabel(pid), "withdraw")
		d.state.AppendEvent(events.Withdraw{PoolID: pid, User: caller, Shares: nativecommon.Copy(shares), Amount: nativecommon.Copy(received)})
		return nil
	}, poolAttr(pid))
	if err != nil {
		return nil, err
	}
	return received, nil
}

// Harvest pays the caller's pending reward in the pool and returns the
// amount paid.
func (d *Distributor) Harvest(ctx context.Context, caller common.Address, pid uint64) (*big.Int, error) {
	var paid *big.Int
	err := d.run(ctx, "harvest", func() error {
		var err error
		paid, err = d.harvest(pid, caller)
		return err
	}, poolAttr(pid))
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// HarvestAll pays the caller's pending reward in every pool it holds shares
// in and returns the total paid.
func (d *Distributor) HarvestAll(ctx context.Context, caller common.Address) (*big.Int, error) {
	total := big.NewInt(0)
	err := d.run(ctx, "harvest_all", func() error {
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		for pid := uint64(0); pid < cfg.PoolCount; pid++ {
			paid, err := d.harvest(pid, caller)
			if err != nil {
				return err
			}
			total.Add(total, paid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

func (d *Distributor) harvest(pid uint64, user common.Address) (*big.Int, error) {
	pool, err := d.updatePool(pid)
	if err != nil {
		return nil, err
	}
	vault, err := d.vaultOf(pool)
	if err != nil {
		return nil, err
	}
	shares, err := vault.BalanceOf(user)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	paid, err := d.settle(pool, user, shares)
	if err != nil {
		return nil, err
	}
	if err := d.resetDebt(pool, user, shares); err != nil {
		return nil, err
	}
	return paid, nil
}

// EmergencyWithdraw burns all of the caller's shares without settling
// rewards. Unclaimed rewards are forfeited.
func (d *Distributor) EmergencyWithdraw(ctx context.Context, caller common.Address, pid uint64) (*big.Int, error) {
	var received *big.Int
	err := d.run(ctx, "emergency_withdraw", func() error {
		pool, err := d.Pool(pid)
		if err != nil {
			return err
		}
		vault, err := d.vaultOf(pool)
		if err != nil {
			return err
		}
		shares, err := vault.BalanceOf(caller)
		if err != nil {
			return err
		}
		if shares.Sign() == 0 {
			return ErrInsufficientShares
		}
		if received, err = vault.Withdraw(d.address, caller, shares); err != nil {
			return err
		}
		pos, err := d.position(pid, caller)
		if err != nil {
			return err
		}
		pos.RewardDebt = big.NewInt(0)
		if err := d.storePosition(pid, caller, pos); err != nil {
			return err
		}
		d.metrics.ObserveFlow(poolLabel(pid), "emergency_withdraw")
		d.state.AppendEvent(events.EmergencyWithdraw{PoolID: pid, User: caller, Shares: shares, Amount: nativecommon.Copy(received)})
		d.logger.Warn("emergency withdraw",
			slog.Uint64("pid", pid),
			slog.String("user", caller.Hex()),
			slog.String("shares", shares.String()))
		return nil
	}, poolAttr(pid))
	if err != nil {
		return nil, err
	}
	return received, nil
}

// PendingReward reports the reward the user would be paid if the pool were
// updated at the current height.
func (d *Distributor) PendingReward(pid uint64, user common.Address) (*big.Int, error) {
	pool, err := d.Pool(pid)
	if err != nil {
		return nil, err
	}
	vault, err := d.vaultOf(pool)
	if err != nil {
		return nil, err
	}
	supply, err := vault.TotalShares()
	if err != nil {
		return nil, err
	}
	shares, err := vault.BalanceOf(user)
	if err != nil {
		return nil, err
	}
	acc := nativecommon.Copy(pool.AccRewardPerShare)
	height := d.height()
	if height > pool.LastRewardHeight && supply.Sign() > 0 && pool.Weighing > 0 {
		cfg, err := d.Config()
		if err != nil {
			return nil, err
		}
		reward, _, err := d.poolReward(cfg, pool, height)
		if err != nil {
			return nil, err
		}
		delta, err := nativecommon.MulDiv(reward, nativecommon.Precision, supply)
		if err != nil {
			return nil, err
		}
		acc.Add(acc, delta)
	}
	pos, err := d.position(pid, user)
	if err != nil {
		return nil, err
	}
	accrued, err := nativecommon.MulDiv(shares, acc, nativecommon.Precision)
	if err != nil {
		return nil, err
	}
	return nativecommon.SubFloor(accrued, pos.RewardDebt), nil
}

// settle pays the reward the user earned on shares since its last
// interaction. The debt is not reset; callers do that once the share balance
// is final.
func (d *Distributor) settle(pool *Pool, user common.Address, shares *big.Int) (*big.Int, error) {
	pos, err := d.position(pool.ID, user)
	if err != nil {
		return nil, err
	}
	accrued, err := nativecommon.MulDiv(shares, pool.AccRewardPerShare, nativecommon.Precision)
	if err != nil {
		return nil, err
	}
	pending := nativecommon.SubFloor(accrued, pos.RewardDebt)
	if pending.Sign() == 0 {
		return pending, nil
	}
	paid, err := d.payReward(pool.ID, user, pending)
	if err != nil {
		return nil, err
	}
	pos.Paid = new(big.Int).Add(pos.Paid, paid)
	pos.RewardDebt = accrued
	if err := d.storePosition(pool.ID, user, pos); err != nil {
		return nil, err
	}
	return paid, nil
}

func (d *Distributor) resetDebt(pool *Pool, user common.Address, shares *big.Int) error {
	pos, err := d.position(pool.ID, user)
	if err != nil {
		return err
	}
	debt, err := nativecommon.MulDiv(shares, pool.AccRewardPerShare, nativecommon.Precision)
	if err != nil {
		return err
	}
	pos.RewardDebt = debt
	return d.storePosition(pool.ID, user, pos)
}

// payReward transfers up to amount of the reward asset held by the
// distributor to the user and pays the referral commission on top.
func (d *Distributor) payReward(pid uint64, user common.Address, amount *big.Int) (*big.Int, error) {
	balance, err := d.token.BalanceOf(d.rewardAsset, d.address)
	if err != nil {
		return nil, err
	}
	paid := nativecommon.MinInt(amount, balance)
	if paid.Sign() == 0 {
		return paid, nil
	}
	if err := d.token.Transfer(d.rewardAsset, d.address, user, paid); err != nil {
		return nil, err
	}
	d.metrics.ObservePaid(poolLabel(pid), paid)
	d.state.AppendEvent(events.Harvest{PoolID: pid, User: user, Amount: nativecommon.Copy(paid)})
	if err := d.payCommission(user, paid); err != nil {
		return nil, err
	}
	return paid, nil
}

// payCommission mints the referral commission on paid to the user's
// referrer. It is skipped when the full commission does not fit in the
// remaining mintable supply.
func (d *Distributor) payCommission(user common.Address, paid *big.Int) error {
	if d.referrals == nil {
		return nil
	}
	referrer, err := d.referrals.GetReferrer(user)
	if err != nil {
		return err
	}
	if referrer == (common.Address{}) {
		return nil
	}
	cfg, err := d.Config()
	if err != nil {
		return err
	}
	commission, err := nativecommon.Bps(paid, cfg.ReferralCommissionBps)
	if err != nil {
		return err
	}
	if commission.Sign() == 0 {
		return nil
	}
	mintable, err := d.token.MintableSupply(d.rewardAsset)
	if err != nil {
		return err
	}
	if commission.Cmp(mintable) > 0 {
		d.metrics.IncMintShortfall()
		return nil
	}
	if err := d.token.Mint(d.rewardAsset, referrer, commission); err != nil {
		return fmt.Errorf("distributor: mint commission: %w", err)
	}
	if err := d.referrals.RecordPayment(d.address, referrer, commission); err != nil {
		return err
	}
	d.metrics.ObserveCommission(commission)
	d.state.AppendEvent(events.ReferralPaid{User: user, Referrer: referrer, Amount: commission})
	return nil
}

// BeforeSharesTransfer settles both parties of a share transfer in the
// vault's pool on their current balances.
func (d *Distributor) BeforeSharesTransfer(vaultAddr, from, to common.Address) error {
	pool, vault, err := d.poolForVault(vaultAddr)
	if err != nil {
		return err
	}
	if pool, err = d.updatePool(pool.ID); err != nil {
		return err
	}
	for _, user := range []common.Address{from, to} {
		shares, err := vault.BalanceOf(user)
		if err != nil {
			return err
		}
		if shares.Sign() == 0 {
			continue
		}
		if _, err := d.settle(pool, user, shares); err != nil {
			return err
		}
	}
	return nil
}

// AfterSharesTransfer resets both parties' reward debt to their new
// balances.
func (d *Distributor) AfterSharesTransfer(vaultAddr, from, to common.Address) error {
	pool, vault, err := d.poolForVault(vaultAddr)
	if err != nil {
		return err
	}
	for _, user := range []common.Address{from, to} {
		shares, err := vault.BalanceOf(user)
		if err != nil {
			return err
		}
		if err := d.resetDebt(pool, user, shares); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) poolForVault(vaultAddr common.Address) (*Pool, Vault, error) {
	pid, err := d.PoolOf(vaultAddr)
	if err != nil {
		return nil, nil, err
	}
	pool, err := d.Pool(pid)
	if err != nil {
		return nil, nil, err
	}
	vault, err := d.vaultOf(pool)
	if err != nil {
		return nil, nil, err
	}
	return pool, vault, nil
}
