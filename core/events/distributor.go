package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/types"
)

const (
	// TypePoolRegistered is emitted when a want/vault pair is added to the distributor.
	TypePoolRegistered = "distributor.poolRegistered"
	// TypeWeighingChanged is emitted when a pool's share of block rewards changes.
	TypeWeighingChanged = "distributor.weighingChanged"
	// TypeRewardRateChanged is emitted when the per-block reward rate is updated.
	TypeRewardRateChanged = "distributor.rewardRateChanged"
	// TypeDeposit captures a user deposit routed through the distributor.
	TypeDeposit = "distributor.deposit"
	// TypeWithdraw captures a user withdrawal routed through the distributor.
	TypeWithdraw = "distributor.withdraw"
	// TypeHarvest captures a reward payment to a pool participant.
	TypeHarvest = "distributor.harvest"
	// TypeEmergencyWithdraw captures a withdrawal that forfeited pending rewards.
	TypeEmergencyWithdraw = "distributor.emergencyWithdraw"
	// TypeReferralPaid captures a commission paid to a referrer.
	TypeReferralPaid = "distributor.referralPaid"
)

// PoolRegistered describes a newly appended pool.
type PoolRegistered struct {
	PoolID   uint64
	Want     common.Address
	Vault    common.Address
	Weighing uint64
}

// EventType satisfies the Event interface.
func (PoolRegistered) EventType() string { return TypePoolRegistered }

// Event converts the structured payload into a broadcastable event.
func (e PoolRegistered) Event() *types.Event {
	return &types.Event{Type: TypePoolRegistered, Attributes: map[string]string{
		"pid":      formatUint(e.PoolID),
		"want":     formatAddress(e.Want),
		"vault":    formatAddress(e.Vault),
		"weighing": formatUint(e.Weighing),
	}}
}

// WeighingChanged records the previous and new weighing of a pool.
type WeighingChanged struct {
	PoolID   uint64
	Previous uint64
	Weighing uint64
	Total    uint64
}

// EventType satisfies the Event interface.
func (WeighingChanged) EventType() string { return TypeWeighingChanged }

// Event converts the structured payload into a broadcastable event.
func (e WeighingChanged) Event() *types.Event {
	return &types.Event{Type: TypeWeighingChanged, Attributes: map[string]string{
		"pid":      formatUint(e.PoolID),
		"previous": formatUint(e.Previous),
		"weighing": formatUint(e.Weighing),
		"total":    formatUint(e.Total),
	}}
}

// RewardRateChanged records a new per-block reward rate.
type RewardRateChanged struct {
	Previous *big.Int
	Rate     *big.Int
}

// EventType satisfies the Event interface.
func (RewardRateChanged) EventType() string { return TypeRewardRateChanged }

// Event converts the structured payload into a broadcastable event.
func (e RewardRateChanged) Event() *types.Event {
	return &types.Event{Type: TypeRewardRateChanged, Attributes: map[string]string{
		"previous": formatAmount(e.Previous),
		"rate":     formatAmount(e.Rate),
	}}
}

// Deposit captures the want amount deposited and shares minted for a user.
type Deposit struct {
	PoolID uint64
	User   common.Address
	Amount *big.Int
	Shares *big.Int
}

// EventType satisfies the Event interface.
func (Deposit) EventType() string { return TypeDeposit }

// Event converts the structured payload into a broadcastable event.
func (e Deposit) Event() *types.Event {
	return &types.Event{Type: TypeDeposit, Attributes: map[string]string{
		"pid":    formatUint(e.PoolID),
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
		"shares": formatAmount(e.Shares),
	}}
}

// Withdraw captures the shares burned and want returned to a user.
type Withdraw struct {
	PoolID uint64
	User   common.Address
	Shares *big.Int
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (Withdraw) EventType() string { return TypeWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e Withdraw) Event() *types.Event {
	return &types.Event{Type: TypeWithdraw, Attributes: map[string]string{
		"pid":    formatUint(e.PoolID),
		"user":   formatAddress(e.User),
		"shares": formatAmount(e.Shares),
		"amount": formatAmount(e.Amount),
	}}
}

// Harvest captures a reward payment.
type Harvest struct {
	PoolID uint64
	User   common.Address
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (Harvest) EventType() string { return TypeHarvest }

// Event converts the structured payload into a broadcastable event.
func (e Harvest) Event() *types.Event {
	return &types.Event{Type: TypeHarvest, Attributes: map[string]string{
		"pid":    formatUint(e.PoolID),
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}}
}

// EmergencyWithdraw captures a withdrawal performed without reward settlement.
type EmergencyWithdraw struct {
	PoolID uint64
	User   common.Address
	Shares *big.Int
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (EmergencyWithdraw) EventType() string { return TypeEmergencyWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e EmergencyWithdraw) Event() *types.Event {
	return &types.Event{Type: TypeEmergencyWithdraw, Attributes: map[string]string{
		"pid":    formatUint(e.PoolID),
		"user":   formatAddress(e.User),
		"shares": formatAmount(e.Shares),
		"amount": formatAmount(e.Amount),
	}}
}

// ReferralPaid captures a referral commission.
type ReferralPaid struct {
	User     common.Address
	Referrer common.Address
	Amount   *big.Int
}

// EventType satisfies the Event interface.
func (ReferralPaid) EventType() string { return TypeReferralPaid }

// Event converts the structured payload into a broadcastable event.
func (e ReferralPaid) Event() *types.Event {
	return &types.Event{Type: TypeReferralPaid, Attributes: map[string]string{
		"user":     formatAddress(e.User),
		"referrer": formatAddress(e.Referrer),
		"amount":   formatAmount(e.Amount),
	}}
}
