package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
	"archimedes/observability/metrics"
)

// MaxWithdrawFeeBps caps the withdrawal fee at 1%.
const MaxWithdrawFeeBps uint64 = 100

var (
	ErrInvalidAmount         = errors.New("vault: amount must be positive")
	ErrInvalidAddress        = errors.New("vault: zero address")
	ErrNoStrategy            = errors.New("vault: strategy not configured")
	ErrZeroShares            = errors.New("vault: deposit mints zero shares")
	ErrZeroWithdrawal        = errors.New("vault: withdrawal rounds to zero")
	ErrInsufficientShares    = errors.New("vault: insufficient shares")
	ErrInsufficientLiquidity = errors.New("vault: insufficient liquidity")
	ErrDepositCapExceeded    = errors.New("vault: deposit cap exceeded")
	ErrUserCapExceeded       = errors.New("vault: per-user deposit cap exceeded")
	ErrWithdrawFeeCap        = errors.New("vault: withdraw fee exceeds cap")
	ErrWantMismatch          = errors.New("vault: strategy want does not match")
	ErrControllerMismatch    = errors.New("vault: strategy controller is not this vault")
)

type vaultState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	AppendEvent(events.Event)
	Atomic(fn func() error) error
}

// Strategy is the capital deployment target of a vault.
type Strategy interface {
	Address() common.Address
	Want() common.Address
	Controller() (common.Address, error)
	Deposit(caller common.Address) error
	Withdraw(caller common.Address, amount *big.Int) (*big.Int, error)
	Retire(caller common.Address) (*big.Int, error)
	Balance() (*big.Int, error)
	Paused() (bool, error)
}

// Token moves want between the vault, its controller and its strategy.
type Token interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

// TransferHook is notified around share transfers between users so reward
// entitlements can be settled on the old balances and reset on the new ones.
type TransferHook interface {
	BeforeSharesTransfer(vault, from, to common.Address) error
	AfterSharesTransfer(vault, from, to common.Address) error
}

// Config is the persisted vault configuration.
type Config struct {
	Controller        common.Address
	Strategy          common.Address
	Treasury          common.Address
	DepositCap        *big.Int
	PerUserDepositCap *big.Int
	WithdrawFeeBps    uint64
	TotalShares       *big.Int
}

func (c *Config) normalize() {
	if c.DepositCap == nil {
		c.DepositCap = big.NewInt(0)
	}
	if c.PerUserDepositCap == nil {
		c.PerUserDepositCap = big.NewInt(0)
	}
	if c.TotalShares == nil {
		c.TotalShares = big.NewInt(0)
	}
}

// Options carries the optional collaborators of a vault.
type Options struct {
	Logger *slog.Logger
}

// Vault issues shares against the want it manages and forwards the capital
// to a single active strategy. Deposits and withdrawals are driven by the
// controller; share transfers are made by the holders themselves.
type Vault struct {
	address  common.Address
	want     common.Address
	state    vaultState
	token    Token
	access   *nativecommon.AccessControl
	strategy Strategy
	hook     TransferHook
	logger   *slog.Logger
	metrics  *metrics.VaultMetrics
}

// NewVault constructs a vault for want at address controlled by controller.
// An existing configuration in state is kept.
func NewVault(address, want, controller common.Address, state vaultState, token Token, access *nativecommon.AccessControl, opts Options) (*Vault, error) {
	if address == (common.Address{}) || want == (common.Address{}) || controller == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		address: address,
		want:    want,
		state:   state,
		token:   token,
		access:  access,
		logger:  logger.With(slog.String("component", "vault"), slog.String("vault", address.Hex())),
		metrics: metrics.Vault(),
	}
	existing := new(Config)
	ok, err := state.KVGet(v.configKey(), existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		cfg := &Config{Controller: controller}
		cfg.normalize()
		if err := v.storeConfig(cfg); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Vault) configKey() []byte {
	return []byte(fmt.Sprintf("vault/config/%s", v.address.Hex()))
}

func (v *Vault) sharesKey(user common.Address) []byte {
	return []byte(fmt.Sprintf("vault/shares/%s/%s", v.address.Hex(), user.Hex()))
}

// Config returns a copy of the persisted configuration.
func (v *Vault) Config() (*Config, error) {
	cfg := new(Config)
	if _, err := v.state.KVGet(v.configKey(), cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (v *Vault) storeConfig(cfg *Config) error {
	return v.state.KVPut(v.configKey(), cfg)
}

// Address returns the vault account.
func (v *Vault) Address() common.Address { return v.address }

// Want returns the asset managed by the vault.
func (v *Vault) Want() common.Address { return v.want }

// Strategy returns the active strategy, nil when none is configured.
func (v *Vault) Strategy() Strategy { return v.strategy }

// HasStrategy reports whether a strategy is active.
func (v *Vault) HasStrategy() bool { return v.strategy != nil }

// Controller returns the account allowed to deposit and withdraw.
func (v *Vault) Controller() (common.Address, error) {
	cfg, err := v.Config()
	if err != nil {
		return common.Address{}, err
	}
	return cfg.Controller, nil
}

// BalanceOf returns the user's shares.
func (v *Vault) BalanceOf(user common.Address) (*big.Int, error) {
	shares := new(big.Int)
	ok, err := v.state.KVGet(v.sharesKey(user), shares)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return shares, nil
}

func (v *Vault) setShares(user common.Address, shares *big.Int) error {
	if shares.Sign() == 0 {
		return v.state.KVDelete(v.sharesKey(user))
	}
	return v.state.KVPut(v.sharesKey(user), shares)
}

// TotalShares returns the outstanding shares.
func (v *Vault) TotalShares() (*big.Int, error) {
	cfg, err := v.Config()
	if err != nil {
		return nil, err
	}
	return cfg.TotalShares, nil
}

// TotalWant returns the want held by the vault plus the strategy balance.
func (v *Vault) TotalWant() (*big.Int, error) {
	total, err := v.token.BalanceOf(v.want, v.address)
	if err != nil {
		return nil, err
	}
	if v.strategy != nil {
		deployed, err := v.strategy.Balance()
		if err != nil {
			return nil, err
		}
		total.Add(total, deployed)
	}
	return total, nil
}

// SharePrice returns the want value of one share scaled by 1e18. An empty
// vault prices shares at exactly 1e18.
func (v *Vault) SharePrice() (*big.Int, error) {
	totalShares, err := v.TotalShares()
	if err != nil {
		return nil, err
	}
	if totalShares.Sign() == 0 {
		return new(big.Int).Set(nativecommon.Precision), nil
	}
	totalWant, err := v.TotalWant()
	if err != nil {
		return nil, err
	}
	return nativecommon.MulDiv(totalWant, nativecommon.Precision, totalShares)
}

// StrategyPaused reports whether the active strategy refuses new capital.
func (v *Vault) StrategyPaused() (bool, error) {
	if v.strategy == nil {
		return false, ErrNoStrategy
	}
	return v.strategy.Paused()
}

func (v *Vault) requireController(caller common.Address) error {
	controller, err := v.Controller()
	if err != nil {
		return err
	}
	return nativecommon.RequireCaller(caller, controller, "vault controller")
}

// Deposit pulls amount of want from the controller, credits the user with
// shares priced before the deposit and forwards the funds to the strategy.
// The controller must have approved the vault for amount.
func (v *Vault) Deposit(caller, user common.Address, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := v.state.Atomic(func() (err error) {
		shares, err = v.deposit(caller, user, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

func (v *Vault) deposit(caller, user common.Address, amount *big.Int) (*big.Int, error) {
	if err := v.requireController(caller); err != nil {
		return nil, err
	}
	if !nativecommon.ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	if user == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	if v.strategy == nil {
		return nil, ErrNoStrategy
	}
	cfg, err := v.Config()
	if err != nil {
		return nil, err
	}
	totalWant, err := v.TotalWant()
	if err != nil {
		return nil, err
	}
	if cfg.DepositCap.Sign() > 0 && new(big.Int).Add(totalWant, amount).Cmp(cfg.DepositCap) > 0 {
		return nil, ErrDepositCapExceeded
	}
	userShares, err := v.BalanceOf(user)
	if err != nil {
		return nil, err
	}
	if cfg.PerUserDepositCap.Sign() > 0 {
		held := big.NewInt(0)
		if cfg.TotalShares.Sign() > 0 {
			if held, err = nativecommon.MulDiv(userShares, totalWant, cfg.TotalShares); err != nil {
				return nil, err
			}
		}
		if held.Add(held, amount).Cmp(cfg.PerUserDepositCap) > 0 {
			return nil, ErrUserCapExceeded
		}
	}

	shares := new(big.Int).Set(amount)
	if cfg.TotalShares.Sign() > 0 {
		if totalWant.Sign() == 0 {
			return nil, ErrZeroShares
		}
		if shares, err = nativecommon.MulDiv(amount, cfg.TotalShares, totalWant); err != nil {
			return nil, err
		}
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	cfg.TotalShares.Add(cfg.TotalShares, shares)
	if err := v.storeConfig(cfg); err != nil {
		return nil, err
	}
	if err := v.setShares(user, new(big.Int).Add(userShares, shares)); err != nil {
		return nil, err
	}

	if err := v.token.TransferFrom(v.want, v.address, caller, v.address, amount); err != nil {
		return nil, err
	}
	if err := v.earn(v.strategy); err != nil {
		return nil, err
	}
	v.metrics.SetTotalShares(v.address.Hex(), cfg.TotalShares)
	return shares, nil
}

// earn forwards the vault's idle want to the strategy.
func (v *Vault) earn(strategy Strategy) error {
	idle, err := v.token.BalanceOf(v.want, v.address)
	if err != nil {
		return err
	}
	if idle.Sign() > 0 {
		if err := v.token.Transfer(v.want, v.address, strategy.Address(), idle); err != nil {
			return err
		}
	}
	return strategy.Deposit(v.address)
}

// Withdraw burns shares from the user and sends their want value, less the
// withdrawal fee, to the user. The net amount is returned. When the strategy
// is left fully unwound but short of the quoted amount by interest-index
// rounding, the user receives everything the vault holds.
func (v *Vault) Withdraw(caller, user common.Address, shares *big.Int) (*big.Int, error) {
	var net *big.Int
	err := v.state.Atomic(func() (err error) {
		net, err = v.withdraw(caller, user, shares)
		return err
	})
	if err != nil {
		return nil, err
	}
	return net, nil
}

func (v *Vault) withdraw(caller, user common.Address, shares *big.Int) (*big.Int, error) {
	if err := v.requireController(caller); err != nil {
		return nil, err
	}
	if !nativecommon.ValidAmount(shares) {
		return nil, ErrInvalidAmount
	}
	userShares, err := v.BalanceOf(user)
	if err != nil {
		return nil, err
	}
	if shares.Cmp(userShares) > 0 {
		return nil, ErrInsufficientShares
	}
	cfg, err := v.Config()
	if err != nil {
		return nil, err
	}
	totalWant, err := v.TotalWant()
	if err != nil {
		return nil, err
	}
	amount, err := nativecommon.MulDiv(shares, totalWant, cfg.TotalShares)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrZeroWithdrawal
	}

	cfg.TotalShares.Sub(cfg.TotalShares, shares)
	if err := v.storeConfig(cfg); err != nil {
		return nil, err
	}
	if err := v.setShares(user, new(big.Int).Sub(userShares, shares)); err != nil {
		return nil, err
	}

	idle, err := v.token.BalanceOf(v.want, v.address)
	if err != nil {
		return nil, err
	}
	if idle.Cmp(amount) < 0 && v.strategy != nil {
		if _, err := v.strategy.Withdraw(v.address, new(big.Int).Sub(amount, idle)); err != nil {
			return nil, err
		}
		if idle, err = v.token.BalanceOf(v.want, v.address); err != nil {
			return nil, err
		}
		if idle.Sign() > 0 && idle.Cmp(amount) < 0 {
			remaining, err := v.strategy.Balance()
			if err != nil {
				return nil, err
			}
			if remaining.Sign() == 0 {
				v.logger.Debug("strategy drained short of quote",
					slog.String("quoted", amount.String()),
					slog.String("released", idle.String()))
				amount = idle
			}
		}
	}
	if idle.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientLiquidity, idle, amount)
	}

	fee, err := nativecommon.Bps(amount, cfg.WithdrawFeeBps)
	if err != nil {
		return nil, err
	}
	if cfg.Treasury == (common.Address{}) {
		fee.SetInt64(0)
	}
	if fee.Sign() > 0 {
		if err := v.token.Transfer(v.want, v.address, cfg.Treasury, fee); err != nil {
			return nil, err
		}
		v.metrics.ObserveWithdrawFee(v.address.Hex(), fee)
	}
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() > 0 {
		if err := v.token.Transfer(v.want, v.address, user, net); err != nil {
			return nil, err
		}
	}
	v.metrics.SetTotalShares(v.address.Hex(), cfg.TotalShares)
	return net, nil
}

// Transfer moves shares from the caller to another holder, notifying the
// transfer hook before and after the balances change.
func (v *Vault) Transfer(caller, to common.Address, shares *big.Int) error {
	return v.state.Atomic(func() error { return v.transfer(caller, to, shares) })
}

func (v *Vault) transfer(caller, to common.Address, shares *big.Int) error {
	if !nativecommon.ValidAmount(shares) {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	fromShares, err := v.BalanceOf(caller)
	if err != nil {
		return err
	}
	if shares.Cmp(fromShares) > 0 {
		return ErrInsufficientShares
	}
	if caller == to {
		return nil
	}
	if v.hook != nil {
		if err := v.hook.BeforeSharesTransfer(v.address, caller, to); err != nil {
			return err
		}
	}
	toShares, err := v.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := v.setShares(caller, new(big.Int).Sub(fromShares, shares)); err != nil {
		return err
	}
	if err := v.setShares(to, new(big.Int).Add(toShares, shares)); err != nil {
		return err
	}
	if v.hook != nil {
		return v.hook.AfterSharesTransfer(v.address, caller, to)
	}
	return nil
}
