package eventlog

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

type rawEvent string

func (e rawEvent) EventType() string { return string(e) }

func newStore(t *testing.T, clock nativecommon.HeightSource) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := Open(dsn, clock, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmitPersistsFlattenedEvents(t *testing.T) {
	clock := nativecommon.NewManualClock(42)
	store := newStore(t, clock)
	user := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	store.Emit(events.Deposit{PoolID: 1, User: user, Amount: big.NewInt(100), Shares: big.NewInt(90)})
	clock.Advance(1)
	store.Emit(events.Harvest{PoolID: 1, User: user, Amount: big.NewInt(7)})
	store.Emit(rawEvent("custom.event"))
	require.NoError(t, store.Err())

	all, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].Sequence)
	require.Equal(t, uint64(3), all[2].Sequence)

	deposits, err := store.List(context.Background(), events.TypeDeposit)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, uint64(42), deposits[0].Height)
	attrs, err := deposits[0].Attrs()
	require.NoError(t, err)
	require.Equal(t, "100", attrs["amount"])
	require.Equal(t, "90", attrs["shares"])

	custom, err := store.List(context.Background(), "custom.event")
	require.NoError(t, err)
	require.Len(t, custom, 1)
	attrs, err = custom[0].Attrs()
	require.NoError(t, err)
	require.Empty(t, attrs)

	recent, err := store.Since(context.Background(), 43)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(dsn, nil, nil)
	require.NoError(t, err)
	store.Emit(rawEvent("a"))
	store.Emit(rawEvent("b"))
	require.NoError(t, store.Close())

	reopened, err := Open(dsn, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Emit(rawEvent("c"))

	records, err := reopened.List(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(3), records[0].Sequence)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ", nil, nil)
	require.ErrorIs(t, err, ErrDSNRequired)
}
