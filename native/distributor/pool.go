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

// AddPool registers vault as a new pool for want and returns its id. The
// vault must be controlled by the distributor, hold an active strategy and
// not be registered already.
func (d *Distributor) AddPool(ctx context.Context, caller, want common.Address, vault Vault, weighing uint64, massUpdate bool) (uint64, error) {
	var pid uint64
	err := d.run(ctx, "add_pool", func() error {
		if err := d.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
		if want == (common.Address{}) || vault == nil || vault.Address() == (common.Address{}) {
			return ErrInvalidAddress
		}
		controller, err := vault.Controller()
		if err != nil {
			return err
		}
		if controller != d.address {
			return ErrControllerMismatch
		}
		if !vault.HasStrategy() {
			return ErrNoStrategy
		}
		if vault.Want() != want {
			return fmt.Errorf("%w: %s", ErrWantMismatch, vault.Want().Hex())
		}
		if _, err := d.PoolOf(vault.Address()); err == nil {
			return fmt.Errorf("%w: %s", ErrPoolExists, vault.Address().Hex())
		}
		if massUpdate {
			if err := d.massUpdate(); err != nil {
				return err
			}
		}
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		lastReward := d.height()
		if cfg.StartHeight > lastReward {
			lastReward = cfg.StartHeight
		}
		pid = cfg.PoolCount
		pool := &Pool{
			ID:                pid,
			Want:              want,
			Vault:             vault.Address(),
			Weighing:          weighing,
			LastRewardHeight:  lastReward,
			AccRewardPerShare: big.NewInt(0),
		}
		if err := d.storePool(pool); err != nil {
			return err
		}
		if err := d.state.KVPut(vaultIndexKey(vault.Address()), pid+1); err != nil {
			return err
		}
		cfg.PoolCount++
		cfg.TotalWeighing += weighing
		if err := d.storeConfig(cfg); err != nil {
			return err
		}
		d.state.AppendEvent(events.PoolRegistered{PoolID: pid, Want: want, Vault: vault.Address(), Weighing: weighing})
		d.logger.Info("pool registered",
			slog.Uint64("pid", pid),
			slog.String("vault", vault.Address().Hex()),
			slog.Uint64("weighing", weighing))
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.vaults[vault.Address()] = vault
	return pid, nil
}

// SetWeighing changes the pool's share of the block reward.
func (d *Distributor) SetWeighing(ctx context.Context, caller common.Address, pid, weighing uint64, massUpdate bool) error {
	return d.run(ctx, "set_weighing", func() error {
		if err := d.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
		if _, err := d.Pool(pid); err != nil {
			return err
		}
		if massUpdate {
			if err := d.massUpdate(); err != nil {
				return err
			}
		}
		pool, err := d.Pool(pid)
		if err != nil {
			return err
		}
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		previous := pool.Weighing
		cfg.TotalWeighing = cfg.TotalWeighing - previous + weighing
		pool.Weighing = weighing
		if err := d.storePool(pool); err != nil {
			return err
		}
		if err := d.storeConfig(cfg); err != nil {
			return err
		}
		d.state.AppendEvent(events.WeighingChanged{PoolID: pid, Previous: previous, Weighing: weighing, Total: cfg.TotalWeighing})
		return nil
	}, poolAttr(pid))
}

// SetRewardRatePerBlock updates the emission rate. Every pool is settled at
// the old rate first.
func (d *Distributor) SetRewardRatePerBlock(ctx context.Context, caller common.Address, rate *big.Int) error {
	return d.run(ctx, "set_reward_rate", func() error {
		if err := d.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
		if rate == nil || rate.Sign() < 0 {
			return ErrInvalidAmount
		}
		if err := d.massUpdate(); err != nil {
			return err
		}
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		previous := cfg.RewardRatePerBlock
		cfg.RewardRatePerBlock = nativecommon.Copy(rate)
		if err := d.storeConfig(cfg); err != nil {
			return err
		}
		d.state.AppendEvent(events.RewardRateChanged{Previous: previous, Rate: nativecommon.Copy(rate)})
		return nil
	})
}

// SetReferralCommissionRate updates the commission paid to referrers,
// capped at MaxReferralCommissionBps.
func (d *Distributor) SetReferralCommissionRate(ctx context.Context, caller common.Address, bps uint64) error {
	return d.run(ctx, "set_referral_commission", func() error {
		if err := d.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
		if bps > MaxReferralCommissionBps {
			return fmt.Errorf("%w: %d > %d", ErrCommissionCap, bps, MaxReferralCommissionBps)
		}
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		previous := cfg.ReferralCommissionBps
		cfg.ReferralCommissionBps = bps
		if err := d.storeConfig(cfg); err != nil {
			return err
		}
		d.state.AppendEvent(events.FeeChanged{Component: d.address, Kind: events.FeeKindReferral, Previous: previous, Bps: bps})
		return nil
	})
}

// UpdatePool brings the pool's accumulator up to the current height.
func (d *Distributor) UpdatePool(ctx context.Context, pid uint64) error {
	return d.run(ctx, "update_pool", func() error {
		_, err := d.updatePool(pid)
		return err
	}, poolAttr(pid))
}

// MassUpdatePools updates every registered pool.
func (d *Distributor) MassUpdatePools(ctx context.Context) error {
	return d.run(ctx, "mass_update", d.massUpdate)
}

func (d *Distributor) massUpdate() error {
	cfg, err := d.Config()
	if err != nil {
		return err
	}
	for pid := uint64(0); pid < cfg.PoolCount; pid++ {
		if _, err := d.updatePool(pid); err != nil {
			return err
		}
	}
	return nil
}

// updatePool mints the pool's reward since its last update into the
// distributor and folds it into the accumulator. It returns the updated pool.
func (d *Distributor) updatePool(pid uint64) (*Pool, error) {
	pool, err := d.Pool(pid)
	if err != nil {
		return nil, err
	}
	height := d.height()
	if height <= pool.LastRewardHeight {
		return pool, nil
	}
	vault, err := d.vaultOf(pool)
	if err != nil {
		return nil, err
	}
	supply, err := vault.TotalShares()
	if err != nil {
		return nil, err
	}
	cfg, err := d.Config()
	if err != nil {
		return nil, err
	}
	reward := big.NewInt(0)
	if supply.Sign() > 0 && pool.Weighing > 0 {
		var clamped bool
		if reward, clamped, err = d.poolReward(cfg, pool, height); err != nil {
			return nil, err
		}
		if clamped {
			d.metrics.IncMintShortfall()
		}
	}
	if reward.Sign() > 0 {
		if err := d.token.Mint(d.rewardAsset, d.address, reward); err != nil {
			return nil, fmt.Errorf("distributor: mint reward: %w", err)
		}
		d.metrics.ObserveMinted(poolLabel(pid), reward)
		delta, err := nativecommon.MulDiv(reward, nativecommon.Precision, supply)
		if err != nil {
			return nil, err
		}
		pool.AccRewardPerShare = new(big.Int).Add(pool.AccRewardPerShare, delta)
	}
	pool.LastRewardHeight = height
	if err := d.storePool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// poolReward is the floor of rate*elapsed*weighing/totalWeighing, clamped to
// the reward asset's remaining mintable supply.
func (d *Distributor) poolReward(cfg *Config, pool *Pool, height uint64) (*big.Int, bool, error) {
	if cfg.TotalWeighing == 0 || height <= pool.LastRewardHeight {
		return big.NewInt(0), false, nil
	}
	elapsed := new(big.Int).SetUint64(height - pool.LastRewardHeight)
	emitted := new(big.Int).Mul(cfg.RewardRatePerBlock, elapsed)
	reward, err := nativecommon.MulDiv(emitted, new(big.Int).SetUint64(pool.Weighing), new(big.Int).SetUint64(cfg.TotalWeighing))
	if err != nil {
		return nil, false, err
	}
	mintable, err := d.token.MintableSupply(d.rewardAsset)
	if err != nil {
		return nil, false, err
	}
	if reward.Cmp(mintable) > 0 {
		return mintable, true, nil
	}
	return reward, false, nil
}

func poolLabel(pid uint64) string {
	return fmt.Sprintf("%d", pid)
}
