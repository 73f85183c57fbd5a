package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/types"
)

const (
	// TypeStrategyChanged is emitted when a vault migrates to a new strategy.
	TypeStrategyChanged = "vault.strategyChanged"
	// TypeTreasuryChanged is emitted when a fee recipient is updated.
	TypeTreasuryChanged = "admin.treasuryChanged"
	// TypeFeeChanged is emitted when a fee or commission rate is updated.
	TypeFeeChanged = "admin.feeChanged"
	// TypeReferralRecorded is emitted the first time a user is linked to a referrer.
	TypeReferralRecorded = "referral.recorded"
	// TypeStrategyHarvested is emitted when strategy incentives are compounded.
	TypeStrategyHarvested = "strategy.harvested"
	// TypeStrategyPanicked is emitted when a strategy unwinds and pauses.
	TypeStrategyPanicked = "strategy.panicked"
	// TypeStrategyPaused is emitted when a strategy pause toggle changes.
	TypeStrategyPaused = "strategy.paused"

	// FeeKindWithdraw identifies the vault withdrawal fee.
	FeeKindWithdraw = "withdraw"
	// FeeKindPerformance identifies the strategy performance fee.
	FeeKindPerformance = "performance"
	// FeeKindReferral identifies the distributor referral commission.
	FeeKindReferral = "referral"
)

// StrategyChanged records the previous and new active strategy of a vault.
type StrategyChanged struct {
	Vault    common.Address
	Previous common.Address
	Strategy common.Address
	Migrated *big.Int
}

// EventType satisfies the Event interface.
func (StrategyChanged) EventType() string { return TypeStrategyChanged }

// Event converts the structured payload into a broadcastable event.
func (e StrategyChanged) Event() *types.Event {
	return &types.Event{Type: TypeStrategyChanged, Attributes: map[string]string{
		"vault":    formatAddress(e.Vault),
		"previous": formatAddress(e.Previous),
		"strategy": formatAddress(e.Strategy),
		"migrated": formatAmount(e.Migrated),
	}}
}

// TreasuryChanged records a new fee recipient for a component.
type TreasuryChanged struct {
	Component common.Address
	Previous  common.Address
	Treasury  common.Address
}

// EventType satisfies the Event interface.
func (TreasuryChanged) EventType() string { return TypeTreasuryChanged }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryChanged) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryChanged, Attributes: map[string]string{
		"component": formatAddress(e.Component),
		"previous":  formatAddress(e.Previous),
		"treasury":  formatAddress(e.Treasury),
	}}
}

// FeeChanged records a fee update expressed in basis points.
type FeeChanged struct {
	Component common.Address
	Kind      string
	Previous  uint64
	Bps       uint64
}

// EventType satisfies the Event interface.
func (FeeChanged) EventType() string { return TypeFeeChanged }

// Event converts the structured payload into a broadcastable event.
func (e FeeChanged) Event() *types.Event {
	return &types.Event{Type: TypeFeeChanged, Attributes: map[string]string{
		"component": formatAddress(e.Component),
		"kind":      e.Kind,
		"previous":  formatUint(e.Previous),
		"bps":       formatUint(e.Bps),
	}}
}

// ReferralRecorded links a user to its referrer.
type ReferralRecorded struct {
	User     common.Address
	Referrer common.Address
}

// EventType satisfies the Event interface.
func (ReferralRecorded) EventType() string { return TypeReferralRecorded }

// Event converts the structured payload into a broadcastable event.
func (e ReferralRecorded) Event() *types.Event {
	return &types.Event{Type: TypeReferralRecorded, Attributes: map[string]string{
		"user":     formatAddress(e.User),
		"referrer": formatAddress(e.Referrer),
	}}
}

// StrategyHarvested summarises a harvest: the incentives claimed, the want
// obtained after swapping, the fee sent to the treasury and the amount
// re-supplied.
type StrategyHarvested struct {
	Strategy   common.Address
	Claimed    *big.Int
	Swapped    *big.Int
	Fee        *big.Int
	Compounded *big.Int
}

// EventType satisfies the Event interface.
func (StrategyHarvested) EventType() string { return TypeStrategyHarvested }

// Event converts the structured payload into a broadcastable event.
func (e StrategyHarvested) Event() *types.Event {
	return &types.Event{Type: TypeStrategyHarvested, Attributes: map[string]string{
		"strategy":   formatAddress(e.Strategy),
		"claimed":    formatAmount(e.Claimed),
		"swapped":    formatAmount(e.Swapped),
		"fee":        formatAmount(e.Fee),
		"compounded": formatAmount(e.Compounded),
	}}
}

// StrategyPanicked records the idle balance left after an emergency unwind.
type StrategyPanicked struct {
	Strategy common.Address
	Idle     *big.Int
	Borrowed *big.Int
}

// EventType satisfies the Event interface.
func (StrategyPanicked) EventType() string { return TypeStrategyPanicked }

// Event converts the structured payload into a broadcastable event.
func (e StrategyPanicked) Event() *types.Event {
	return &types.Event{Type: TypeStrategyPanicked, Attributes: map[string]string{
		"strategy": formatAddress(e.Strategy),
		"idle":     formatAmount(e.Idle),
		"borrowed": formatAmount(e.Borrowed),
	}}
}

// StrategyPaused records a pause toggle.
type StrategyPaused struct {
	Strategy common.Address
	Paused   bool
}

// EventType satisfies the Event interface.
func (StrategyPaused) EventType() string { return TypeStrategyPaused }

// Event converts the structured payload into a broadcastable event.
func (e StrategyPaused) Event() *types.Event {
	paused := "false"
	if e.Paused {
		paused = "true"
	}
	return &types.Event{Type: TypeStrategyPaused, Attributes: map[string]string{
		"strategy": formatAddress(e.Strategy),
		"paused":   paused,
	}}
}
