package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "archimedes/native/common"
)

var (
	errNilState              = errors.New("lending engine: state not configured")
	errInvalidAmount         = errors.New("lending engine: amount must be positive")
	errInsufficientBalance   = errors.New("lending engine: insufficient balance")
	errInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	errHealthCheckFailed     = errors.New("lending engine: health factor below 1")
	errLTVExceeded           = errors.New("lending engine: borrow exceeds loan-to-value")
	errNoDebtToRepay         = errors.New("lending engine: no outstanding debt to repay")
	errUnknownReserve        = errors.New("lending engine: reserve not listed")
	errReserveExists         = errors.New("lending engine: reserve already listed")
	errBorrowingDisabled     = errors.New("lending engine: borrowing disabled")
	errSupplyCapExceeded     = errors.New("lending engine: supply cap exceeded")
	errBorrowCapExceeded     = errors.New("lending engine: borrow cap exceeded")
	errUnsupportedRateMode   = errors.New("lending engine: unsupported rate mode")
)

// Exported aliases let callers match lending failures with errors.Is.
var (
	ErrInsufficientLiquidity = errInsufficientLiquidity
	ErrHealthCheckFailed     = errHealthCheckFailed
	ErrLTVExceeded           = errLTVExceeded
	ErrUnknownReserve        = errUnknownReserve
	ErrNoDebtToRepay         = errNoDebtToRepay
)

const moduleName = "lending"

// RateModeVariable is the only supported borrow rate mode.
const RateModeVariable uint8 = 2

// Bank moves the underlying assets on behalf of the engine.
type Bank interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

// PriceSource values reserve assets in a common quote unit.
type PriceSource interface {
	Price(asset common.Address) (*big.Rat, error)
}

// Engine orchestrates the state transitions of a multi-reserve lending
// market. Liquidity is held by the module address; incentive emissions are
// paid from the incentives vault.
type Engine struct {
	state           engineState
	bank            Bank
	moduleAddress   common.Address
	clock           nativecommon.HeightSource
	access          *nativecommon.AccessControl
	prices          PriceSource
	pauses          nativecommon.PauseView
	incentiveAsset  common.Address
	incentivesVault common.Address
}

// NewEngine constructs a lending engine holding liquidity at moduleAddr.
func NewEngine(moduleAddr common.Address, state engineState, bank Bank, clock nativecommon.HeightSource, access *nativecommon.AccessControl) *Engine {
	return &Engine{
		state:         state,
		bank:          bank,
		moduleAddress: moduleAddr,
		clock:         clock,
		access:        access,
	}
}

// Address returns the module account holding pooled liquidity.
func (e *Engine) Address() common.Address { return e.moduleAddress }

// SetPriceSource configures the valuation source. Without one every asset is
// valued at 1.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetIncentives configures the asset streamed to suppliers and the account
// funding it.
func (e *Engine) SetIncentives(asset, vault common.Address) {
	e.incentiveAsset = asset
	e.incentivesVault = vault
}

// IncentiveAsset returns the asset paid by ClaimRewards.
func (e *Engine) IncentiveAsset() common.Address { return e.incentiveAsset }

func (e *Engine) height() uint64 {
	if e.clock == nil {
		return 0
	}
	return e.clock.Height()
}

// ListReserve adds a new reserve for the asset.
func (e *Engine) ListReserve(caller, asset common.Address, cfg ReserveConfig) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return fmt.Errorf("lending engine: zero asset")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	existing, err := e.state.GetReserve(asset)
	if err != nil {
		return err
	}
	if existing != nil {
		return errReserveExists
	}
	reserve := &Reserve{Asset: asset, Config: cfg.clone(), LastUpdateBlock: e.height()}
	reserve.normalize()
	return e.state.PutReserve(reserve)
}

// SetReserveConfig updates the risk parameters of a listed reserve after
// accruing interest at the old rate.
func (e *Engine) SetReserveConfig(caller, asset common.Address, cfg ReserveConfig) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return err
	}
	reserve.Config = cfg.clone()
	return e.state.PutReserve(reserve)
}

// Reserve returns the reserve accrued to the current height.
func (e *Engine) Reserve(asset common.Address) (*Reserve, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadReserve(asset)
}

// ReserveThresholds returns the reserve's loan-to-value and liquidation
// threshold in basis points.
func (e *Engine) ReserveThresholds(asset common.Address) (uint64, uint64, error) {
	if e == nil || e.state == nil {
		return 0, 0, errNilState
	}
	reserve, err := e.state.GetReserve(asset)
	if err != nil {
		return 0, 0, err
	}
	if reserve == nil {
		return 0, 0, fmt.Errorf("%w: %s", errUnknownReserve, asset.Hex())
	}
	return reserve.Config.LTVBps, reserve.Config.LiquidationThresholdBps, nil
}

// Supply transfers the asset from the supplier into the market and credits
// supply shares at the current index.
func (e *Engine) Supply(supplier, asset common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !nativecommon.ValidAmount(amount) {
		return errInvalidAmount
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return err
	}
	if capped(reserve.Config.SupplyCap) {
		next := new(big.Int).Add(reserve.TotalSupplied(), amount)
		if next.Cmp(reserve.Config.SupplyCap) > 0 {
			return errSupplyCapExceeded
		}
	}
	position, err := e.state.GetPosition(asset, supplier)
	if err != nil {
		return err
	}
	settleIncentives(reserve, position)

	shares := sharesFromLiquidity(amount, reserve.SupplyIndex)
	if shares.Sign() == 0 {
		return errInvalidAmount
	}
	if err := e.bank.TransferFrom(asset, e.moduleAddress, supplier, e.moduleAddress, amount); err != nil {
		return err
	}
	position.SupplyShares.Add(position.SupplyShares, shares)
	reserve.TotalSupplyShares.Add(reserve.TotalSupplyShares, shares)

	if err := e.state.PutPosition(asset, supplier, position); err != nil {
		return err
	}
	return e.state.PutReserve(reserve)
}

// Withdraw redeems supplied liquidity back to the supplier. Requesting more
// than the supplied balance (for example the maximum 256-bit value) withdraws
// everything. The released amount is returned.
func (e *Engine) Withdraw(supplier, asset common.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return nil, err
	}
	position, err := e.state.GetPosition(asset, supplier)
	if err != nil {
		return nil, err
	}
	settleIncentives(reserve, position)

	supplied := liquidityFromShares(position.SupplyShares, reserve.SupplyIndex)
	if supplied.Sign() == 0 {
		return nil, errInsufficientBalance
	}
	redeem := new(big.Int).Set(amount)
	burn := new(big.Int)
	if redeem.Cmp(supplied) >= 0 {
		redeem.Set(supplied)
		burn.Set(position.SupplyShares)
	} else {
		burn = sharesForWithdrawal(redeem, reserve.SupplyIndex)
		if burn.Cmp(position.SupplyShares) > 0 {
			burn.Set(position.SupplyShares)
		}
	}

	liquidity, err := e.availableLiquidity(asset)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(redeem) < 0 {
		return nil, errInsufficientLiquidity
	}

	data, _, err := e.accountData(supplier, &adjustment{asset: asset, supply: new(big.Int).Neg(redeem), reserve: reserve})
	if err != nil {
		return nil, err
	}
	if data.TotalDebtBase.Sign() > 0 && data.HealthFactor.Cmp(wad) < 0 {
		return nil, errHealthCheckFailed
	}

	position.SupplyShares.Sub(position.SupplyShares, burn)
	reserve.TotalSupplyShares.Sub(reserve.TotalSupplyShares, burn)
	if err := e.state.PutPosition(asset, supplier, position); err != nil {
		return nil, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(asset, e.moduleAddress, supplier, redeem); err != nil {
		return nil, err
	}
	return redeem, nil
}

// Borrow draws liquidity against the borrower's collateral. The resulting debt
// must stay within the loan-to-value limit of the account's collateral.
func (e *Engine) Borrow(borrower, asset common.Address, amount *big.Int, rateMode uint8) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if rateMode != RateModeVariable {
		return errUnsupportedRateMode
	}
	if !nativecommon.ValidAmount(amount) {
		return errInvalidAmount
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return err
	}
	if !reserve.Config.BorrowingEnabled {
		return errBorrowingDisabled
	}
	if capped(reserve.Config.BorrowCap) {
		next := new(big.Int).Add(reserve.TotalBorrowed(), amount)
		if next.Cmp(reserve.Config.BorrowCap) > 0 {
			return errBorrowCapExceeded
		}
	}
	liquidity, err := e.availableLiquidity(asset)
	if err != nil {
		return err
	}
	if liquidity.Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}

	_, totals, err := e.accountData(borrower, &adjustment{asset: asset, debt: amount, reserve: reserve})
	if err != nil {
		return err
	}
	if totals.debt.Cmp(totals.ltvCollateral) > 0 {
		return errLTVExceeded
	}

	position, err := e.state.GetPosition(asset, borrower)
	if err != nil {
		return err
	}
	scaled := scaledDebtFromAmount(amount, reserve.BorrowIndex)
	position.ScaledDebt.Add(position.ScaledDebt, scaled)
	reserve.TotalScaledDebt.Add(reserve.TotalScaledDebt, scaled)

	if err := e.state.PutPosition(asset, borrower, position); err != nil {
		return err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	return e.bank.Transfer(asset, e.moduleAddress, borrower, amount)
}

// Repay pulls up to amount of the asset from the borrower to reduce its debt.
// The repaid amount is returned and never exceeds the outstanding debt.
func (e *Engine) Repay(borrower, asset common.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return nil, err
	}
	position, err := e.state.GetPosition(asset, borrower)
	if err != nil {
		return nil, err
	}
	debt := debtFromScaled(position.ScaledDebt, reserve.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	repay := new(big.Int).Set(amount)
	burn := new(big.Int)
	if repay.Cmp(debt) >= 0 {
		repay.Set(debt)
		burn.Set(position.ScaledDebt)
	} else {
		burn.Mul(repay, ray)
		burn.Quo(burn, reserve.BorrowIndex)
		if burn.Cmp(position.ScaledDebt) > 0 {
			burn.Set(position.ScaledDebt)
		}
	}
	if err := e.bank.TransferFrom(asset, e.moduleAddress, borrower, e.moduleAddress, repay); err != nil {
		return nil, err
	}
	position.ScaledDebt.Sub(position.ScaledDebt, burn)
	reserve.TotalScaledDebt.Sub(reserve.TotalScaledDebt, burn)
	if reserve.TotalScaledDebt.Sign() < 0 {
		reserve.TotalScaledDebt.SetInt64(0)
	}
	if err := e.state.PutPosition(asset, borrower, position); err != nil {
		return nil, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	return repay, nil
}

// SuppliedBalance returns the user's supplied liquidity including interest.
func (e *Engine) SuppliedBalance(asset, user common.Address) (*big.Int, error) {
	reserve, position, err := e.view(asset, user)
	if err != nil {
		return nil, err
	}
	return liquidityFromShares(position.SupplyShares, reserve.SupplyIndex), nil
}

// DebtBalance returns the user's outstanding debt including interest.
func (e *Engine) DebtBalance(asset, user common.Address) (*big.Int, error) {
	reserve, position, err := e.view(asset, user)
	if err != nil {
		return nil, err
	}
	return debtFromScaled(position.ScaledDebt, reserve.BorrowIndex), nil
}

// GetUserAccountData aggregates the account's collateral, debt and health
// factor across every listed reserve.
func (e *Engine) GetUserAccountData(user common.Address) (*AccountData, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	data, _, err := e.accountData(user, nil)
	return data, err
}

// AvailableLiquidity returns the asset balance currently lendable.
func (e *Engine) AvailableLiquidity(asset common.Address) (*big.Int, error) {
	return e.availableLiquidity(asset)
}

func (e *Engine) availableLiquidity(asset common.Address) (*big.Int, error) {
	return e.bank.BalanceOf(asset, e.moduleAddress)
}

func (e *Engine) view(asset, user common.Address) (*Reserve, *Position, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	reserve, err := e.loadReserve(asset)
	if err != nil {
		return nil, nil, err
	}
	position, err := e.state.GetPosition(asset, user)
	if err != nil {
		return nil, nil, err
	}
	return reserve, position, nil
}

// loadReserve fetches the reserve and accrues it in memory to the current
// height. Callers that mutate the reserve persist the accrued copy.
func (e *Engine) loadReserve(asset common.Address) (*Reserve, error) {
	reserve, err := e.state.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	if reserve == nil {
		return nil, fmt.Errorf("%w: %s", errUnknownReserve, asset.Hex())
	}
	accrue(reserve, e.height())
	return reserve, nil
}

func accrue(reserve *Reserve, height uint64) {
	if height <= reserve.LastUpdateBlock {
		return
	}
	delta := height - reserve.LastUpdateBlock
	reserve.LastUpdateBlock = height

	if reserve.TotalSupplyShares.Sign() > 0 && capped(reserve.Config.IncentivesPerBlock) {
		emitted := new(big.Int).Mul(reserve.Config.IncentivesPerBlock, new(big.Int).SetUint64(delta))
		emitted.Mul(emitted, wad)
		emitted.Quo(emitted, reserve.TotalSupplyShares)
		reserve.IncentiveIndex.Add(reserve.IncentiveIndex, emitted)
	}

	if reserve.TotalScaledDebt.Sign() == 0 || reserve.Config.Interest.IsZero() {
		return
	}
	borrowed := reserve.TotalBorrowed()
	supplied := reserve.TotalSupplied()
	borrowAPR := reserve.Config.Interest.BorrowAPR(borrowed, supplied)
	if borrowAPR.Sign() == 0 {
		return
	}
	reserve.BorrowIndex = rayMul(reserve.BorrowIndex, rateFactor(borrowAPR, delta))
	interest := new(big.Int).Sub(reserve.TotalBorrowed(), borrowed)
	if interest.Sign() <= 0 {
		return
	}
	protocolCut := new(big.Int).Mul(interest, new(big.Int).SetUint64(reserve.Config.ReserveFactorBps))
	protocolCut.Quo(protocolCut, basisPoints)
	reserve.ProtocolReserves.Add(reserve.ProtocolReserves, protocolCut)

	supplierInterest := new(big.Int).Sub(interest, protocolCut)
	if supplierInterest.Sign() > 0 && reserve.TotalSupplyShares.Sign() > 0 {
		step := new(big.Int).Mul(supplierInterest, ray)
		step.Quo(step, reserve.TotalSupplyShares)
		reserve.SupplyIndex.Add(reserve.SupplyIndex, step)
	}
}

func capped(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

type adjustment struct {
	asset   common.Address
	supply  *big.Int
	debt    *big.Int
	reserve *Reserve
}

type accountTotals struct {
	collateral    *big.Rat
	ltvCollateral *big.Rat
	ltCollateral  *big.Rat
	debt          *big.Rat
}

func (e *Engine) price(asset common.Address) (*big.Rat, error) {
	if e.prices == nil {
		return big.NewRat(1, 1), nil
	}
	return e.prices.Price(asset)
}

func (e *Engine) accountData(user common.Address, adj *adjustment) (*AccountData, *accountTotals, error) {
	assets, err := e.state.ListReserves()
	if err != nil {
		return nil, nil, err
	}
	totals := &accountTotals{
		collateral:    new(big.Rat),
		ltvCollateral: new(big.Rat),
		ltCollateral:  new(big.Rat),
		debt:          new(big.Rat),
	}
	for _, asset := range assets {
		var reserve *Reserve
		if adj != nil && adj.asset == asset && adj.reserve != nil {
			reserve = adj.reserve
		} else if reserve, err = e.loadReserve(asset); err != nil {
			return nil, nil, err
		}
		position, err := e.state.GetPosition(asset, user)
		if err != nil {
			return nil, nil, err
		}
		supplied := liquidityFromShares(position.SupplyShares, reserve.SupplyIndex)
		debt := debtFromScaled(position.ScaledDebt, reserve.BorrowIndex)
		if adj != nil && adj.asset == asset {
			if adj.supply != nil {
				supplied.Add(supplied, adj.supply)
			}
			if adj.debt != nil {
				debt.Add(debt, adj.debt)
			}
		}
		if supplied.Sign() <= 0 && debt.Sign() <= 0 {
			continue
		}
		price, err := e.price(asset)
		if err != nil {
			return nil, nil, err
		}
		if supplied.Sign() > 0 {
			value := new(big.Rat).Mul(new(big.Rat).SetInt(supplied), price)
			totals.collateral.Add(totals.collateral, value)
			totals.ltvCollateral.Add(totals.ltvCollateral, new(big.Rat).Mul(value, bpsRat(reserve.Config.LTVBps)))
			totals.ltCollateral.Add(totals.ltCollateral, new(big.Rat).Mul(value, bpsRat(reserve.Config.LiquidationThresholdBps)))
		}
		if debt.Sign() > 0 {
			totals.debt.Add(totals.debt, new(big.Rat).Mul(new(big.Rat).SetInt(debt), price))
		}
	}

	data := &AccountData{
		TotalCollateralBase:  ratFloor(totals.collateral),
		TotalDebtBase:        ratFloor(totals.debt),
		AvailableBorrowsBase: ratFloor(new(big.Rat).Sub(totals.ltvCollateral, totals.debt)),
		HealthFactor:         new(big.Int).Set(nativecommon.MaxUint256),
	}
	if totals.collateral.Sign() > 0 {
		data.LTVBps = ratFloor(new(big.Rat).Mul(new(big.Rat).Quo(totals.ltvCollateral, totals.collateral), new(big.Rat).SetInt(basisPoints))).Uint64()
		data.LiquidationThresholdBps = ratFloor(new(big.Rat).Mul(new(big.Rat).Quo(totals.ltCollateral, totals.collateral), new(big.Rat).SetInt(basisPoints))).Uint64()
	}
	if totals.debt.Sign() > 0 {
		hf := new(big.Rat).Quo(totals.ltCollateral, totals.debt)
		data.HealthFactor = ratFloor(hf.Mul(hf, new(big.Rat).SetInt(wad)))
	}
	return data, totals, nil
}
