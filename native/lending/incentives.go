package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "archimedes/native/common"
)

// settleIncentives moves the incentives earned since the position's last
// snapshot into its accrued balance.
func settleIncentives(reserve *Reserve, position *Position) {
	if position.SupplyShares.Sign() > 0 {
		delta := new(big.Int).Sub(reserve.IncentiveIndex, position.IncentiveIndex)
		if delta.Sign() > 0 {
			earned := delta.Mul(delta, position.SupplyShares)
			earned.Quo(earned, wad)
			position.AccruedIncentives.Add(position.AccruedIncentives, earned)
		}
	}
	position.IncentiveIndex = new(big.Int).Set(reserve.IncentiveIndex)
}

func (e *Engine) claimTargets(assets []common.Address) ([]common.Address, error) {
	if len(assets) > 0 {
		return assets, nil
	}
	return e.state.ListReserves()
}

// PendingRewards reports the incentives the user could claim across the given
// reserves (every listed reserve when none are supplied).
func (e *Engine) PendingRewards(user common.Address, assets []common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	targets, err := e.claimTargets(assets)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, asset := range targets {
		reserve, position, err := e.view(asset, user)
		if err != nil {
			return nil, err
		}
		settleIncentives(reserve, position)
		total.Add(total, position.AccruedIncentives)
	}
	return total, nil
}

// ClaimRewards pays the caller's accrued incentives in the incentive asset.
// Claims are limited by the incentives vault balance; the unpaid remainder
// stays accrued.
func (e *Engine) ClaimRewards(caller common.Address, assets []common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.incentiveAsset == (common.Address{}) {
		return big.NewInt(0), nil
	}
	targets, err := e.claimTargets(assets)
	if err != nil {
		return nil, err
	}
	budget, err := e.bank.BalanceOf(e.incentiveAsset, e.incentivesVault)
	if err != nil {
		return nil, err
	}
	claimed := big.NewInt(0)
	for _, asset := range targets {
		reserve, position, err := e.view(asset, caller)
		if err != nil {
			return nil, err
		}
		settleIncentives(reserve, position)
		pay := nativecommon.MinInt(position.AccruedIncentives, budget)
		position.AccruedIncentives.Sub(position.AccruedIncentives, pay)
		budget.Sub(budget, pay)
		claimed.Add(claimed, pay)
		if err := e.state.PutPosition(asset, caller, position); err != nil {
			return nil, err
		}
		if err := e.state.PutReserve(reserve); err != nil {
			return nil, err
		}
	}
	if claimed.Sign() > 0 {
		if err := e.bank.Transfer(e.incentiveAsset, e.incentivesVault, caller, claimed); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}
