package referral

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	"archimedes/core/state"
	nativecommon "archimedes/native/common"
	"archimedes/storage"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	user     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	referrer = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func newTestLedger(t *testing.T) (*Ledger, *state.Manager) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := NewLedger(mgr, nativecommon.NewAccessControl(admin))
	if err := ledger.SetOperator(admin, operator, true); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	return ledger, mgr
}

func TestReferrerIsImmutable(t *testing.T) {
	ledger, mgr := newTestLedger(t)

	recorded, err := ledger.RecordReferral(operator, user, referrer)
	if err != nil || !recorded {
		t.Fatalf("expected first referral to be recorded: %v", err)
	}
	recorded, err = ledger.RecordReferral(operator, user, other)
	if err != nil {
		t.Fatalf("second referral: %v", err)
	}
	if recorded {
		t.Fatalf("referrer must not change once set")
	}
	got, err := ledger.GetReferrer(user)
	if err != nil {
		t.Fatalf("get referrer: %v", err)
	}
	if got != referrer {
		t.Fatalf("expected %s, got %s", referrer.Hex(), got.Hex())
	}
	record, _ := ledger.Record(referrer)
	if record.ReferralsCount != 1 {
		t.Fatalf("expected one referral counted, got %d", record.ReferralsCount)
	}
	evs := mgr.DrainEvents()
	if len(evs) != 1 || evs[0].EventType() != events.TypeReferralRecorded {
		t.Fatalf("unexpected events: %v", evs)
	}
}

func TestSelfAndZeroReferralsIgnored(t *testing.T) {
	ledger, _ := newTestLedger(t)
	for _, candidate := range []common.Address{user, {}} {
		recorded, err := ledger.RecordReferral(operator, user, candidate)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if recorded {
			t.Fatalf("expected %s to be ignored", candidate.Hex())
		}
	}
}

func TestRecordPaymentAccumulates(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.RecordPayment(operator, referrer, big.NewInt(7)); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if err := ledger.RecordPayment(operator, referrer, big.NewInt(3)); err != nil {
		t.Fatalf("payment: %v", err)
	}
	record, err := ledger.Record(referrer)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.ReferralsPaid != 2 || record.TotalPaid.Int64() != 10 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if err := ledger.RecordPayment(operator, referrer, big.NewInt(0)); err == nil {
		t.Fatalf("expected zero payment to be rejected")
	}
}

func TestOnlyOperatorsWrite(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if _, err := ledger.RecordReferral(user, user, referrer); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ledger.RecordPayment(user, referrer, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ledger.SetOperator(operator, user, true); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ledger.SetOperator(admin, operator, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := ledger.RecordReferral(operator, user, referrer); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected revoked operator to be rejected, got %v", err)
	}
}
