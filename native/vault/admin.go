package vault

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

// SetStrategy activates next as the vault's strategy. The previous strategy
// is retired first and everything it releases is deposited into next. The
// new strategy must deploy the same want and name this vault as controller.
func (v *Vault) SetStrategy(caller common.Address, next Strategy) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if next == nil {
		return ErrNoStrategy
	}
	if next.Want() != v.want {
		return fmt.Errorf("%w: %s", ErrWantMismatch, next.Want().Hex())
	}
	controller, err := next.Controller()
	if err != nil {
		return err
	}
	if controller != v.address {
		return ErrControllerMismatch
	}
	return v.state.Atomic(func() error { return v.switchStrategy(next) })
}

func (v *Vault) switchStrategy(next Strategy) error {
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	previous := cfg.Strategy
	migrated := big.NewInt(0)
	if v.strategy != nil {
		if v.strategy.Address() == next.Address() {
			return nil
		}
		if migrated, err = v.strategy.Retire(v.address); err != nil {
			return fmt.Errorf("vault: retire %s: %w", previous.Hex(), err)
		}
	}
	cfg.Strategy = next.Address()
	if err := v.storeConfig(cfg); err != nil {
		return err
	}
	if err := v.earn(next); err != nil {
		return err
	}
	v.strategy = next
	if previous != next.Address() {
		v.state.AppendEvent(events.StrategyChanged{Vault: v.address, Previous: previous, Strategy: next.Address(), Migrated: migrated})
		v.logger.Info("vault strategy changed",
			slog.String("previous", previous.Hex()),
			slog.String("strategy", next.Address().Hex()),
			slog.String("migrated", migrated.String()))
	}
	return nil
}

// SetController points the vault at a new controller.
func (v *Vault) SetController(caller, controller common.Address) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if controller == (common.Address{}) {
		return ErrInvalidAddress
	}
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	cfg.Controller = controller
	return v.storeConfig(cfg)
}

// SetDepositCap bounds the total want managed by the vault. Zero removes
// the cap.
func (v *Vault) SetDepositCap(caller common.Address, limit *big.Int) error {
	return v.updateCap(caller, limit, func(cfg *Config) { cfg.DepositCap = nativecommon.Copy(limit) })
}

// SetPerUserDepositCap bounds the want value a single user may hold. Zero
// removes the cap.
func (v *Vault) SetPerUserDepositCap(caller common.Address, limit *big.Int) error {
	return v.updateCap(caller, limit, func(cfg *Config) { cfg.PerUserDepositCap = nativecommon.Copy(limit) })
}

func (v *Vault) updateCap(caller common.Address, limit *big.Int, apply func(*Config)) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if limit != nil && limit.Sign() < 0 {
		return ErrInvalidAmount
	}
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	apply(cfg)
	return v.storeConfig(cfg)
}

// SetWithdrawFee updates the withdrawal fee, capped at MaxWithdrawFeeBps.
func (v *Vault) SetWithdrawFee(caller common.Address, bps uint64) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if bps > MaxWithdrawFeeBps {
		return fmt.Errorf("%w: %d > %d", ErrWithdrawFeeCap, bps, MaxWithdrawFeeBps)
	}
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	previous := cfg.WithdrawFeeBps
	cfg.WithdrawFeeBps = bps
	if err := v.storeConfig(cfg); err != nil {
		return err
	}
	v.state.AppendEvent(events.FeeChanged{Component: v.address, Kind: events.FeeKindWithdraw, Previous: previous, Bps: bps})
	return nil
}

// SetTreasury updates the withdrawal fee recipient.
func (v *Vault) SetTreasury(caller, treasury common.Address) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return ErrInvalidAddress
	}
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	previous := cfg.Treasury
	cfg.Treasury = treasury
	if err := v.storeConfig(cfg); err != nil {
		return err
	}
	v.state.AppendEvent(events.TreasuryChanged{Component: v.address, Previous: previous, Treasury: treasury})
	return nil
}

// SetShareTransferHook installs the hook notified around share transfers.
// A nil hook disables notifications.
func (v *Vault) SetShareTransferHook(caller common.Address, hook TransferHook) error {
	if err := v.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	v.hook = hook
	return nil
}
