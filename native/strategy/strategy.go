package strategy

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
	"archimedes/native/lending"
	"archimedes/observability/metrics"
)

// variableRateMode is the lending market's variable borrow rate mode.
const variableRateMode uint8 = 2

type strategyState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	AppendEvent(events.Event)
	Atomic(fn func() error) error
}

// LendingMarket is the subset of the lending engine the strategy drives.
// Supply and Repay pull funds with TransferFrom, so the strategy approves the
// market for the exact amount beforehand.
type LendingMarket interface {
	Address() common.Address
	Supply(supplier, asset common.Address, amount *big.Int) error
	Withdraw(supplier, asset common.Address, amount *big.Int) (*big.Int, error)
	Borrow(borrower, asset common.Address, amount *big.Int, rateMode uint8) error
	Repay(borrower, asset common.Address, amount *big.Int) (*big.Int, error)
	SuppliedBalance(asset, user common.Address) (*big.Int, error)
	DebtBalance(asset, user common.Address) (*big.Int, error)
	GetUserAccountData(user common.Address) (*lending.AccountData, error)
	ReserveThresholds(asset common.Address) (ltvBps uint64, liquidationThresholdBps uint64, err error)
	ClaimRewards(caller common.Address, assets []common.Address) (*big.Int, error)
	IncentiveAsset() common.Address
}

// Exchange swaps harvested incentives into want.
type Exchange interface {
	Address() common.Address
	SwapExactTokensForTokens(caller common.Address, amountIn, minOut *big.Int, path []common.Address) ([]*big.Int, error)
}

// PriceFeed quotes the fair conversion used to bound swap slippage.
type PriceFeed interface {
	Convert(amountIn *big.Int, from, to common.Address) (*big.Int, error)
}

// Token moves the strategy's own balances.
type Token interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	Approve(asset, owner, spender common.Address, amount *big.Int) error
}

// Options carries the optional collaborators of a strategy.
type Options struct {
	Exchange Exchange
	Prices   PriceFeed
	Limiter  *HarvestLimiter
	Logger   *slog.Logger
}

// Strategy deploys a vault's want into a lending market and loops
// supply/borrow to lever the position. Supplied and borrowed balances are
// always read live from the market; the strategy itself only persists its
// parameters, controller and settings.
type Strategy struct {
	address  common.Address
	want     common.Address
	state    strategyState
	token    Token
	market   LendingMarket
	exchange Exchange
	prices   PriceFeed
	clock    nativecommon.HeightSource
	access   *nativecommon.AccessControl
	settings *Settings
	limiter  *HarvestLimiter
	logger   *slog.Logger
	metrics  *metrics.StrategyMetrics
}

var (
	_ Pausable        = (*Strategy)(nil)
	_ FeeConfigurable = (*Strategy)(nil)
	_ SwapRoutable    = (*Strategy)(nil)
)

// NewStrategy constructs a leverage strategy for want at address. Parameters
// and controller are persisted on first construction; an existing
// configuration in state is kept.
func NewStrategy(address, want, controller common.Address, state strategyState, token Token, market LendingMarket, clock nativecommon.HeightSource, access *nativecommon.AccessControl, params Params, opts Options) (*Strategy, error) {
	if address == (common.Address{}) || want == (common.Address{}) || controller == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Strategy{
		address:  address,
		want:     want,
		state:    state,
		token:    token,
		market:   market,
		exchange: opts.Exchange,
		prices:   opts.Prices,
		clock:    clock,
		access:   access,
		settings: newSettings(address, state, access),
		limiter:  opts.Limiter,
		logger:   logger.With(slog.String("component", "strategy"), slog.String("strategy", address.Hex())),
		metrics:  metrics.Strategy(),
	}
	existing := new(paramsRecord)
	ok, err := state.KVGet(s.paramsKey(), existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.validateParams(params); err != nil {
			return nil, err
		}
		if err := state.KVPut(s.paramsKey(), toRecord(params)); err != nil {
			return nil, err
		}
		if err := state.KVPut(s.controllerKey(), controller); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// paramsRecord is the persisted form of Params.
type paramsRecord struct {
	BorrowRateBps            uint64
	BorrowRateMaxBps         uint64
	BorrowDepth              uint64
	MinLeverage              *big.Int
	MinHealthFactor          *big.Int
	FullWithdrawHealthFactor *big.Int
}

func toRecord(p Params) *paramsRecord {
	p = p.Clone()
	return &paramsRecord{
		BorrowRateBps:            p.BorrowRateBps,
		BorrowRateMaxBps:         p.BorrowRateMaxBps,
		BorrowDepth:              p.BorrowDepth,
		MinLeverage:              p.MinLeverage,
		MinHealthFactor:          p.MinHealthFactor,
		FullWithdrawHealthFactor: p.FullWithdrawHealthFactor,
	}
}

func (r *paramsRecord) params() Params {
	return Params{
		BorrowRateBps:            r.BorrowRateBps,
		BorrowRateMaxBps:         r.BorrowRateMaxBps,
		BorrowDepth:              r.BorrowDepth,
		MinLeverage:              nativecommon.Copy(r.MinLeverage),
		MinHealthFactor:          nativecommon.Copy(r.MinHealthFactor),
		FullWithdrawHealthFactor: nativecommon.Copy(r.FullWithdrawHealthFactor),
	}
}

func (s *Strategy) paramsKey() []byte {
	return []byte(fmt.Sprintf("strategy/params/%s", s.address.Hex()))
}

func (s *Strategy) controllerKey() []byte {
	return []byte(fmt.Sprintf("strategy/controller/%s", s.address.Hex()))
}

func (s *Strategy) validateParams(p Params) error {
	ltv, _, err := s.market.ReserveThresholds(s.want)
	if err != nil {
		return err
	}
	return p.Validate(ltv)
}

// Address returns the strategy account.
func (s *Strategy) Address() common.Address { return s.address }

// Want returns the asset the strategy deploys.
func (s *Strategy) Want() common.Address { return s.want }

// Settings exposes the administrative settings of the strategy.
func (s *Strategy) Settings() *Settings { return s.settings }

// SetExchange configures the swap venue and quote source used by Harvest.
func (s *Strategy) SetExchange(exchange Exchange, prices PriceFeed) {
	s.exchange = exchange
	s.prices = prices
}

// Controller returns the vault allowed to move funds through the strategy.
func (s *Strategy) Controller() (common.Address, error) {
	var controller common.Address
	if _, err := s.state.KVGet(s.controllerKey(), &controller); err != nil {
		return common.Address{}, err
	}
	return controller, nil
}

// SetController points the strategy at a new vault.
func (s *Strategy) SetController(caller, controller common.Address) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if controller == (common.Address{}) {
		return ErrInvalidAddress
	}
	return s.state.KVPut(s.controllerKey(), controller)
}

func (s *Strategy) requireController(caller common.Address) error {
	controller, err := s.Controller()
	if err != nil {
		return err
	}
	return nativecommon.RequireCaller(caller, controller, "strategy controller")
}

// Params returns the active leverage parameters.
func (s *Strategy) Params() (Params, error) {
	record := new(paramsRecord)
	if _, err := s.state.KVGet(s.paramsKey(), record); err != nil {
		return Params{}, err
	}
	return record.params(), nil
}

// SetParams replaces the leverage parameters after validating them against
// the market. The current position is left as is; use Rebalance to re-lever.
func (s *Strategy) SetParams(caller common.Address, p Params) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if err := s.validateParams(p); err != nil {
		return err
	}
	return s.state.KVPut(s.paramsKey(), toRecord(p))
}

// Paused implements Pausable.
func (s *Strategy) Paused() (bool, error) { return s.settings.Paused() }

// Pause implements Pausable.
func (s *Strategy) Pause(caller common.Address) error { return s.settings.Pause(caller) }

// Unpause resumes the strategy and redeploys its idle balance.
func (s *Strategy) Unpause(caller common.Address) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	return s.state.Atomic(func() error {
		changed, err := s.settings.setPaused(false)
		if err != nil || !changed {
			return err
		}
		params, err := s.Params()
		if err != nil {
			return err
		}
		return s.deploy(params)
	})
}

// PerformanceFeeBps implements FeeConfigurable.
func (s *Strategy) PerformanceFeeBps() (uint64, error) { return s.settings.PerformanceFeeBps() }

// SetPerformanceFee implements FeeConfigurable.
func (s *Strategy) SetPerformanceFee(caller common.Address, bps uint64) error {
	return s.settings.SetPerformanceFee(caller, bps)
}

// Treasury implements FeeConfigurable.
func (s *Strategy) Treasury() (common.Address, error) { return s.settings.Treasury() }

// SetTreasury implements FeeConfigurable.
func (s *Strategy) SetTreasury(caller, treasury common.Address) error {
	return s.settings.SetTreasury(caller, treasury)
}

// Route implements SwapRoutable.
func (s *Strategy) Route() ([]common.Address, error) { return s.settings.Route() }

// SetRoute implements SwapRoutable.
func (s *Strategy) SetRoute(caller common.Address, route []common.Address) error {
	return s.settings.SetRoute(caller, route)
}

// SlippageBps implements SwapRoutable.
func (s *Strategy) SlippageBps() (uint64, error) { return s.settings.SlippageBps() }

// SetSlippage implements SwapRoutable.
func (s *Strategy) SetSlippage(caller common.Address, bps uint64) error {
	return s.settings.SetSlippage(caller, bps)
}

// Idle returns the want held by the strategy outside the market.
func (s *Strategy) Idle() (*big.Int, error) {
	return s.token.BalanceOf(s.want, s.address)
}

// Position returns the live supplied and borrowed balances in the market.
func (s *Strategy) Position() (*big.Int, *big.Int, error) {
	supplied, err := s.market.SuppliedBalance(s.want, s.address)
	if err != nil {
		return nil, nil, err
	}
	borrowed, err := s.market.DebtBalance(s.want, s.address)
	if err != nil {
		return nil, nil, err
	}
	return supplied, borrowed, nil
}

// Balance returns the want attributable to the vault: idle funds plus the
// supplied collateral net of debt.
func (s *Strategy) Balance() (*big.Int, error) {
	idle, err := s.Idle()
	if err != nil {
		return nil, err
	}
	supplied, borrowed, err := s.Position()
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(idle, nativecommon.SubFloor(supplied, borrowed))
	return total, nil
}

// HealthFactor returns the market's 1e18-scaled health factor for the
// strategy account, the maximum 256-bit value when nothing is borrowed.
func (s *Strategy) HealthFactor() (*big.Int, error) {
	data, err := s.market.GetUserAccountData(s.address)
	if err != nil {
		return nil, err
	}
	return nativecommon.Copy(data.HealthFactor), nil
}

func (s *Strategy) liquidationThreshold() (uint64, error) {
	_, lt, err := s.market.ReserveThresholds(s.want)
	return lt, err
}

func (s *Strategy) observeHealth() {
	hf, err := s.HealthFactor()
	if err != nil {
		return
	}
	if hf.Cmp(nativecommon.MaxUint256) == 0 {
		hf = big.NewInt(0)
	}
	s.metrics.SetHealthFactor(s.address.Hex(), hf)
}

// healthFactor computes supplied*lt*1e18/(10_000*borrowed).
func healthFactor(supplied, borrowed *big.Int, ltBps uint64) *big.Int {
	if borrowed == nil || borrowed.Sign() == 0 {
		return new(big.Int).Set(nativecommon.MaxUint256)
	}
	num := new(big.Int).Mul(supplied, new(big.Int).SetUint64(ltBps))
	num.Mul(num, nativecommon.Precision)
	den := new(big.Int).Mul(borrowed, nativecommon.BasisPointsInt)
	return num.Quo(num, den)
}

// maxWithdrawable returns how much collateral can leave the market while the
// health factor stays at or above target.
func maxWithdrawable(supplied, borrowed *big.Int, ltBps uint64, target *big.Int) *big.Int {
	if borrowed.Sign() == 0 {
		return new(big.Int).Set(supplied)
	}
	if ltBps == 0 {
		return big.NewInt(0)
	}
	need := new(big.Int).Mul(borrowed, target)
	need.Mul(need, nativecommon.BasisPointsInt)
	den := new(big.Int).Mul(new(big.Int).SetUint64(ltBps), nativecommon.Precision)
	need.Add(need, new(big.Int).Sub(den, big.NewInt(1)))
	need.Quo(need, den)
	return nativecommon.SubFloor(supplied, need)
}
