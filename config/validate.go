package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/native/distributor"
	"archimedes/native/lending"
	"archimedes/native/strategy"
	"archimedes/native/vault"
)

// Validate checks the configuration against the same hard limits the
// components enforce on their setters.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := ParseAddress(cfg.Admin, false); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	for name, raw := range map[string]string{"guardian": cfg.Guardian, "keeper": cfg.Keeper, "feeder": cfg.Feeder} {
		if _, err := ParseAddress(raw, true); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := cfg.Distributor.validate(); err != nil {
		return fmt.Errorf("distributor: %w", err)
	}
	if _, err := ParseAddress(cfg.Market.Address, false); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	if err := cfg.Market.validate(); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	if _, err := ParseAddress(cfg.Exchange.Router, false); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if cfg.Exchange.FeeBps > 10_000 {
		return fmt.Errorf("exchange: fee %d exceeds 100%%", cfg.Exchange.FeeBps)
	}

	assets := make(map[common.Address]struct{}, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		addr, err := asset.validate()
		if err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
		if _, dup := assets[addr]; dup {
			return fmt.Errorf("assets[%d]: duplicate asset %s", i, addr.Hex())
		}
		assets[addr] = struct{}{}
	}
	reward, _ := ParseAddress(cfg.Distributor.RewardAsset, false)
	if _, ok := assets[reward]; !ok {
		return fmt.Errorf("distributor: reward asset %s is not registered", reward.Hex())
	}
	if incentives, _ := ParseAddress(cfg.Market.IncentivesAsset, true); incentives != (common.Address{}) {
		if _, ok := assets[incentives]; !ok {
			return fmt.Errorf("market: incentives asset %s is not registered", incentives.Hex())
		}
	}

	accounts := make(map[common.Address]struct{})
	for i, pool := range cfg.Pools {
		if err := pool.validate(assets, accounts); err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
	}
	return nil
}

func (cfg MarketConfig) validate() error {
	if _, err := ParseAddress(cfg.IncentivesVault, true); err != nil {
		return fmt.Errorf("incentives vault: %w", err)
	}
	asset, err := ParseAddress(cfg.IncentivesAsset, true)
	if err != nil {
		return fmt.Errorf("incentives asset: %w", err)
	}
	vault, _ := ParseAddress(cfg.IncentivesVault, true)
	if asset != (common.Address{}) && vault == (common.Address{}) {
		return fmt.Errorf("incentives asset requires an incentives vault")
	}
	if _, err := ParseAmount(cfg.IncentivesFunding); err != nil {
		return fmt.Errorf("incentives funding: %w", err)
	}
	return nil
}

func (cfg DistributorConfig) validate() error {
	if _, err := ParseAddress(cfg.Address, false); err != nil {
		return err
	}
	if _, err := ParseAddress(cfg.Referral, false); err != nil {
		return fmt.Errorf("referral: %w", err)
	}
	if _, err := ParseAddress(cfg.RewardAsset, false); err != nil {
		return fmt.Errorf("reward asset: %w", err)
	}
	if _, err := ParseAmount(cfg.RewardRatePerBlock); err != nil {
		return fmt.Errorf("reward rate: %w", err)
	}
	if cfg.ReferralCommissionBps > distributor.MaxReferralCommissionBps {
		return fmt.Errorf("referral commission %d exceeds cap %d", cfg.ReferralCommissionBps, distributor.MaxReferralCommissionBps)
	}
	return nil
}

func (cfg AssetConfig) validate() (common.Address, error) {
	addr, err := ParseAddress(cfg.Address, false)
	if err != nil {
		return common.Address{}, err
	}
	if _, err := ParseAmount(cfg.MaxSupply); err != nil {
		return common.Address{}, fmt.Errorf("max supply: %w", err)
	}
	if _, err := ParseAmount(cfg.RouterReserve); err != nil {
		return common.Address{}, fmt.Errorf("router reserve: %w", err)
	}
	if cfg.Price != "" {
		if _, err := ParsePrice(cfg.Price); err != nil {
			return common.Address{}, err
		}
	}
	return addr, nil
}

func (cfg PoolConfig) validate(assets, accounts map[common.Address]struct{}) error {
	want, err := ParseAddress(cfg.Want, false)
	if err != nil {
		return fmt.Errorf("want: %w", err)
	}
	if _, ok := assets[want]; !ok {
		return fmt.Errorf("want %s is not registered", want.Hex())
	}
	for name, raw := range map[string]string{"vault": cfg.Vault, "strategy": cfg.Strategy} {
		addr, err := ParseAddress(raw, false)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := accounts[addr]; dup {
			return fmt.Errorf("%s %s is used by another pool", name, addr.Hex())
		}
		accounts[addr] = struct{}{}
	}
	if _, err := ParseAddress(cfg.Treasury, true); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if _, err := ParseAmount(cfg.DepositCap); err != nil {
		return fmt.Errorf("deposit cap: %w", err)
	}
	if _, err := ParseAmount(cfg.PerUserDepositCap); err != nil {
		return fmt.Errorf("per-user deposit cap: %w", err)
	}
	if cfg.WithdrawFeeBps > vault.MaxWithdrawFeeBps {
		return fmt.Errorf("withdraw fee %d exceeds cap %d", cfg.WithdrawFeeBps, vault.MaxWithdrawFeeBps)
	}
	if cfg.PerformanceFeeBps > strategy.MaxPerformanceFeeBps {
		return fmt.Errorf("performance fee %d exceeds cap %d", cfg.PerformanceFeeBps, strategy.MaxPerformanceFeeBps)
	}
	if cfg.SlippageBps > strategy.MaxSlippageBps {
		return fmt.Errorf("slippage %d exceeds cap %d", cfg.SlippageBps, strategy.MaxSlippageBps)
	}
	if len(cfg.Route) == 1 {
		return fmt.Errorf("route needs at least two hops")
	}
	for _, hop := range cfg.Route {
		if _, err := ParseAddress(hop, false); err != nil {
			return fmt.Errorf("route: %w", err)
		}
	}
	reserve, err := cfg.LendingReserve()
	if err != nil {
		return err
	}
	if err := reserve.Validate(); err != nil {
		return err
	}
	params, err := cfg.LeverageParams()
	if err != nil {
		return err
	}
	if err := params.Validate(cfg.Reserve.LTVBps); err != nil {
		return fmt.Errorf("leverage: %w", err)
	}
	return nil
}

// LendingReserve converts the reserve section into a lending reserve
// configuration with borrowing enabled.
func (cfg PoolConfig) LendingReserve() (lending.ReserveConfig, error) {
	incentives, err := ParseAmount(cfg.Reserve.IncentivesPerBlock)
	if err != nil {
		return lending.ReserveConfig{}, fmt.Errorf("incentives per block: %w", err)
	}
	return lending.ReserveConfig{
		LTVBps:                  cfg.Reserve.LTVBps,
		LiquidationThresholdBps: cfg.Reserve.LiquidationThresholdBps,
		ReserveFactorBps:        cfg.Reserve.ReserveFactorBps,
		IncentivesPerBlock:      incentives,
		Interest: lending.InterestModel{
			BaseRateBps: cfg.Reserve.BaseRateBps,
			Slope1Bps:   cfg.Reserve.Slope1Bps,
			Slope2Bps:   cfg.Reserve.Slope2Bps,
			KinkBps:     cfg.Reserve.KinkBps,
		},
		BorrowingEnabled: true,
	}, nil
}

// LeverageParams converts the leverage section into strategy parameters.
func (cfg PoolConfig) LeverageParams() (strategy.Params, error) {
	values := make([]*big.Int, 3)
	for i, raw := range []string{cfg.Leverage.MinLeverage, cfg.Leverage.MinHealthFactor, cfg.Leverage.FullWithdrawHealthFactor} {
		value, err := ParseAmount(raw)
		if err != nil {
			return strategy.Params{}, fmt.Errorf("leverage: %w", err)
		}
		values[i] = value
	}
	return strategy.Params{
		BorrowRateBps:            cfg.Leverage.BorrowRateBps,
		BorrowRateMaxBps:         cfg.Leverage.BorrowRateMaxBps,
		BorrowDepth:              cfg.Leverage.BorrowDepth,
		MinLeverage:              values[0],
		MinHealthFactor:          values[1],
		FullWithdrawHealthFactor: values[2],
	}, nil
}
