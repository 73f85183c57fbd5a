package swap

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/state"
	"archimedes/native/bank"
	nativecommon "archimedes/native/common"
	"archimedes/storage"
)

var (
	feeder    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	trader    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	routerAcc = common.HexToAddress("0x0000000000000000000000000000000000005a9")
	assetA    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetB    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	assetC    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func newTestOracle(t *testing.T, maxAge uint64) (*Oracle, *nativecommon.ManualClock, *state.Manager) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	clock := nativecommon.NewManualClock(10)
	access := nativecommon.NewAccessControl()
	access.Grant(nativecommon.RoleOracle, feeder)
	return NewOracle(mgr, clock, access, maxAge), clock, mgr
}

func TestOracleRejectsStaleQuotes(t *testing.T) {
	oracle, clock, _ := newTestOracle(t, 5)
	if err := oracle.SetPrice(feeder, assetA, big.NewRat(3, 2), "manual"); err != nil {
		t.Fatalf("set price: %v", err)
	}
	quote, err := oracle.LatestPrice(assetA)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if quote.Rate.Cmp(big.NewRat(3, 2)) != 0 || quote.Height != 10 || quote.Source != "manual" {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	clock.Advance(5)
	if _, err := oracle.LatestPrice(assetA); err != nil {
		t.Fatalf("quote at the window edge must be fresh: %v", err)
	}
	clock.Advance(1)
	if _, err := oracle.LatestPrice(assetA); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected stale quote error, got %v", err)
	}
	if _, err := oracle.LatestPrice(assetB); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected missing quote error, got %v", err)
	}
}

func TestOracleRequiresFeederRole(t *testing.T) {
	oracle, _, _ := newTestOracle(t, 0)
	if err := oracle.SetPrice(trader, assetA, big.NewRat(1, 1), ""); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := oracle.SetPrice(feeder, assetA, big.NewRat(0, 1), ""); err == nil {
		t.Fatalf("expected zero rate to be rejected")
	}
}

func TestRouterSwapsAtOraclePriceLessFee(t *testing.T) {
	oracle, _, mgr := newTestOracle(t, 0)
	ledger := bank.NewLedger(mgr)
	for _, asset := range []common.Address{assetA, assetB, assetC} {
		if err := ledger.RegisterAsset(asset, "", nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := oracle.SetPrice(feeder, assetA, big.NewRat(2, 1), ""); err != nil {
		t.Fatalf("price a: %v", err)
	}
	if err := oracle.SetPrice(feeder, assetB, big.NewRat(1, 1), ""); err != nil {
		t.Fatalf("price b: %v", err)
	}
	if err := oracle.SetPrice(feeder, assetC, big.NewRat(1, 2), ""); err != nil {
		t.Fatalf("price c: %v", err)
	}
	router, err := NewRouter(routerAcc, ledger, oracle, 30)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	amounts, err := router.GetAmountsOut(big.NewInt(1_000), []common.Address{assetA, assetB, assetC})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 1000 A -> 2000 B less 0.3% = 1994; 1994 B -> 3988 C less 0.3% = 3976.
	if amounts[1].Int64() != 1_994 || amounts[2].Int64() != 3_976 {
		t.Fatalf("unexpected amounts: %v", amounts)
	}

	if err := ledger.Mint(assetA, trader, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Approve(assetA, trader, routerAcc, big.NewInt(1_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	path := []common.Address{assetA, assetB, assetC}
	if _, err := router.SwapExactTokensForTokens(trader, big.NewInt(1_000), big.NewInt(1), path); !errors.Is(err, ErrInsufficientReserves) {
		t.Fatalf("expected reserves error, got %v", err)
	}
	if err := ledger.Mint(assetC, routerAcc, big.NewInt(10_000)); err != nil {
		t.Fatalf("fund router: %v", err)
	}
	if _, err := router.SwapExactTokensForTokens(trader, big.NewInt(1_000), big.NewInt(3_977), path); !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("expected slippage error, got %v", err)
	}
	if _, err := router.SwapExactTokensForTokens(trader, big.NewInt(1_000), big.NewInt(3_976), path); err != nil {
		t.Fatalf("swap: %v", err)
	}
	out, _ := ledger.BalanceOf(assetC, trader)
	if out.Int64() != 3_976 {
		t.Fatalf("expected 3976 C, got %s", out)
	}
	if _, err := router.GetAmountsOut(big.NewInt(1), []common.Address{assetA}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected invalid path, got %v", err)
	}
}
