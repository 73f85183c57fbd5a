package referral

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

var (
	errNilState      = errors.New("referral: state not configured")
	errInvalidAmount = errors.New("referral: amount must be positive")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	AppendEvent(events.Event)
}

// Record describes one account in the referral graph: who referred it and the
// commission it has earned as a referrer.
type Record struct {
	Referrer       common.Address
	ReferralsCount uint64
	ReferralsPaid  uint64
	TotalPaid      *big.Int
}

// Ledger records referrer relationships and commission totals. Only accounts
// holding the operator role (the distributor) may write to it.
type Ledger struct {
	state  ledgerState
	access *nativecommon.AccessControl
}

// NewLedger constructs a referral ledger.
func NewLedger(state ledgerState, access *nativecommon.AccessControl) *Ledger {
	return &Ledger{state: state, access: access}
}

func recordKey(user common.Address) []byte {
	return []byte(fmt.Sprintf("referral/record/%s", user.Hex()))
}

// SetOperator grants or revokes write access for the operator.
func (l *Ledger) SetOperator(caller, operator common.Address, enabled bool) error {
	if err := l.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if enabled {
		l.access.Grant(nativecommon.RoleOperator, operator)
	} else {
		l.access.Revoke(nativecommon.RoleOperator, operator)
	}
	return nil
}

// Record returns the stored record for the user, zero-valued when absent.
func (l *Ledger) Record(user common.Address) (*Record, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	record := new(Record)
	if _, err := l.state.KVGet(recordKey(user), record); err != nil {
		return nil, err
	}
	if record.TotalPaid == nil {
		record.TotalPaid = big.NewInt(0)
	}
	return record, nil
}

// GetReferrer returns the user's referrer or the zero address.
func (l *Ledger) GetReferrer(user common.Address) (common.Address, error) {
	record, err := l.Record(user)
	if err != nil {
		return common.Address{}, err
	}
	return record.Referrer, nil
}

// RecordReferral links the user to the referrer the first time it is called
// with a usable referrer. Later calls, zero referrers and self referrals are
// ignored. The return value reports whether a link was written.
func (l *Ledger) RecordReferral(caller, user, referrer common.Address) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	if err := l.access.Require(nativecommon.RoleOperator, caller); err != nil {
		return false, err
	}
	if user == (common.Address{}) || referrer == (common.Address{}) || referrer == user {
		return false, nil
	}
	record, err := l.Record(user)
	if err != nil {
		return false, err
	}
	if record.Referrer != (common.Address{}) {
		return false, nil
	}
	record.Referrer = referrer
	if err := l.state.KVPut(recordKey(user), record); err != nil {
		return false, err
	}

	referrerRecord, err := l.Record(referrer)
	if err != nil {
		return false, err
	}
	referrerRecord.ReferralsCount++
	if err := l.state.KVPut(recordKey(referrer), referrerRecord); err != nil {
		return false, err
	}
	l.state.AppendEvent(events.ReferralRecorded{User: user, Referrer: referrer})
	return true, nil
}

// RecordPayment adds a commission payment to the referrer's totals.
func (l *Ledger) RecordPayment(caller, referrer common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if err := l.access.Require(nativecommon.RoleOperator, caller); err != nil {
		return err
	}
	if !nativecommon.ValidAmount(amount) {
		return errInvalidAmount
	}
	record, err := l.Record(referrer)
	if err != nil {
		return err
	}
	total, err := nativecommon.CheckedAdd(record.TotalPaid, amount)
	if err != nil {
		return err
	}
	record.TotalPaid = total
	record.ReferralsPaid++
	return l.state.KVPut(recordKey(referrer), record)
}
