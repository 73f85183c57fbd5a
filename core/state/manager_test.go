package state

import (
	"errors"
	"math/big"
	"testing"

	"archimedes/storage"
)

type testEvent string

func (e testEvent) EventType() string { return string(e) }

type kvRecord struct {
	Amount *big.Int
	Height uint64
}

func TestKVRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	if err := mgr.KVPut([]byte("vault/shares/a"), kvRecord{Amount: big.NewInt(42), Height: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out kvRecord
	ok, err := mgr.KVGet([]byte("vault/shares/a"), &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to exist")
	}
	if out.Amount.Cmp(big.NewInt(42)) != 0 || out.Height != 7 {
		t.Fatalf("unexpected record: %+v", out)
	}

	if err := mgr.KVDelete([]byte("vault/shares/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = mgr.KVGet([]byte("vault/shares/a"), &out)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be removed")
	}
}

func TestKVRejectsEmptyKey(t *testing.T) {
	mgr := NewManager(nil)
	if err := mgr.KVPut(nil, uint64(1)); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestAtomicRevertsWritesAndEvents(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut([]byte("counter"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	mgr.AppendEvent(testEvent("kept"))

	boom := errors.New("boom")
	err := mgr.Atomic(func() error {
		if err := mgr.KVPut([]byte("counter"), uint64(2)); err != nil {
			return err
		}
		if err := mgr.KVPut([]byte("other"), uint64(9)); err != nil {
			return err
		}
		mgr.AppendEvent(testEvent("dropped"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var counter uint64
	if _, err := mgr.KVGet([]byte("counter"), &counter); err != nil {
		t.Fatalf("get: %v", err)
	}
	if counter != 1 {
		t.Fatalf("expected counter to be reverted to 1, got %d", counter)
	}
	ok, err := mgr.KVGet([]byte("other"), nil)
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if ok {
		t.Fatalf("expected other to be reverted")
	}
	evs := mgr.DrainEvents()
	if len(evs) != 1 || evs[0].EventType() != "kept" {
		t.Fatalf("unexpected events after revert: %v", evs)
	}
}

func TestNestedAtomicInnerFailureKeepsOuterWrites(t *testing.T) {
	mgr := NewManager(nil)
	err := mgr.Atomic(func() error {
		if err := mgr.KVPut([]byte("outer"), uint64(1)); err != nil {
			return err
		}
		_ = mgr.Atomic(func() error {
			if err := mgr.KVPut([]byte("inner"), uint64(2)); err != nil {
				return err
			}
			return errors.New("inner failed")
		})
		return nil
	})
	if err != nil {
		t.Fatalf("outer atomic: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("outer"), nil); !ok {
		t.Fatalf("expected outer write to survive")
	}
	if ok, _ := mgr.KVGet([]byte("inner"), nil); ok {
		t.Fatalf("expected inner write to be reverted")
	}
}

func TestCommitPersistsToDatabase(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVPut([]byte("b"), uint64(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVDelete([]byte("b")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mgr.Pending() != 2 {
		t.Fatalf("expected 2 pending keys, got %d", mgr.Pending())
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mgr.Pending() != 0 {
		t.Fatalf("expected no pending keys after commit")
	}
	if db.Len() != 1 {
		t.Fatalf("expected 1 persisted key, got %d", db.Len())
	}

	reopened := NewManager(db)
	var value uint64
	ok, err := reopened.KVGet([]byte("a"), &value)
	if err != nil || !ok || value != 1 {
		t.Fatalf("expected persisted value 1, got %d (ok=%v err=%v)", value, ok, err)
	}
}
