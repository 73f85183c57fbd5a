package strategy

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"archimedes/core/events"
	"archimedes/core/state"
	"archimedes/native/bank"
	nativecommon "archimedes/native/common"
	"archimedes/native/lending"
	"archimedes/native/swap"
	"archimedes/storage"
)

var (
	admin       = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	guardian    = common.HexToAddress("0x00000000000000000000000000000000000000a9")
	keeper      = common.HexToAddress("0x00000000000000000000000000000000000000cf")
	feeder      = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	treasury    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	vaultAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a17")
	strategyAcc = common.HexToAddress("0x0000000000000000000000000000000000000517")
	marketAcc   = common.HexToAddress("0x0000000000000000000000000000000000001e4d")
	routerAcc   = common.HexToAddress("0x00000000000000000000000000000000000005a9")
	incentives  = common.HexToAddress("0x0000000000000000000000000000000000000ec1")
	want        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reward      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// tenths returns n/10 scaled to 1e18.
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000_000_000_000))
}

func defaultParams() Params {
	return Params{
		BorrowRateBps:            4_800,
		BorrowRateMaxBps:         5_000,
		BorrowDepth:              8,
		MinLeverage:              big.NewInt(0),
		MinHealthFactor:          tenths(15),
		FullWithdrawHealthFactor: tenths(16),
	}
}

type strategyEnv struct {
	mgr      *state.Manager
	ledger   *bank.Ledger
	market   *lending.Engine
	oracle   *swap.Oracle
	router   *swap.Router
	clock    *nativecommon.ManualClock
	access   *nativecommon.AccessControl
	strategy *Strategy
}

func newStrategyEnv(t *testing.T, params Params, reserve ...func(*lending.ReserveConfig)) *strategyEnv {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(mgr)
	clock := nativecommon.NewManualClock(100)
	for _, asset := range []common.Address{want, reward} {
		if err := ledger.RegisterAsset(asset, "", nil); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}
	market := lending.NewEngine(marketAcc, lending.NewKVStore(mgr), ledger, clock, nativecommon.NewAccessControl(admin))
	market.SetIncentives(reward, incentives)
	cfg := lending.ReserveConfig{
		LTVBps:                  7_500,
		LiquidationThresholdBps: 8_000,
		IncentivesPerBlock:      big.NewInt(10),
		BorrowingEnabled:        true,
	}
	for _, apply := range reserve {
		apply(&cfg)
	}
	if err := market.ListReserve(admin, want, cfg); err != nil {
		t.Fatalf("list reserve: %v", err)
	}

	oracleAccess := nativecommon.NewAccessControl()
	oracleAccess.Grant(nativecommon.RoleOracle, feeder)
	oracle := swap.NewOracle(mgr, clock, oracleAccess, 0)
	if err := oracle.SetPrice(feeder, want, big.NewRat(1, 1), "test"); err != nil {
		t.Fatalf("price want: %v", err)
	}
	if err := oracle.SetPrice(feeder, reward, big.NewRat(2, 1), "test"); err != nil {
		t.Fatalf("price reward: %v", err)
	}
	router, err := swap.NewRouter(routerAcc, ledger, oracle, 30)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	access := nativecommon.NewAccessControl(admin)
	access.Grant(nativecommon.RoleGuardian, guardian)
	access.Grant(nativecommon.RoleHarvester, keeper)
	strategy, err := NewStrategy(strategyAcc, want, vaultAddr, mgr, ledger, market, clock, access, params, Options{
		Exchange: router,
		Prices:   oracle,
		Limiter:  NewHarvestLimiter(5),
	})
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	return &strategyEnv{mgr: mgr, ledger: ledger, market: market, oracle: oracle, router: router, clock: clock, access: access, strategy: strategy}
}

func (env *strategyEnv) fund(t *testing.T, amount int64) {
	t.Helper()
	if err := env.ledger.Mint(want, strategyAcc, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.strategy.Deposit(vaultAddr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *strategyEnv) position(t *testing.T) (int64, int64) {
	t.Helper()
	supplied, borrowed, err := env.strategy.Position()
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return supplied.Int64(), borrowed.Int64()
}

func TestFirstBorrowIsRateOfDeposit(t *testing.T) {
	params := defaultParams()
	params.BorrowDepth = 1
	env := newStrategyEnv(t, params)
	env.fund(t, 110)

	supplied, borrowed := env.position(t)
	if borrowed != 52 || supplied != 162 {
		t.Fatalf("expected supplied 162 / borrowed 52, got %d / %d", supplied, borrowed)
	}
}

func TestLeverageLoopRespectsBoundAndDepth(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)

	// 52, 24, 11, 5 and 2 are borrowed; the sixth round would borrow zero.
	supplied, borrowed := env.position(t)
	require.Equal(t, int64(204), supplied)
	require.Equal(t, int64(94), borrowed)
	require.LessOrEqual(t, borrowed*10_000, supplied*int64(defaultParams().BorrowRateMaxBps))

	balance, err := env.strategy.Balance()
	require.NoError(t, err)
	require.Equal(t, int64(110), balance.Int64())

	hf, err := env.strategy.HealthFactor()
	require.NoError(t, err)
	require.True(t, hf.Cmp(defaultParams().MinHealthFactor) >= 0, "health factor %s below minimum", hf)
}

func TestLeverageStopsAtHealthFactorFloor(t *testing.T) {
	params := defaultParams()
	params.MinHealthFactor = tenths(22)
	params.FullWithdrawHealthFactor = tenths(22)
	env := newStrategyEnv(t, params)
	env.fund(t, 110)

	// The second round would leave 186*0.8/76 < 2.2.
	supplied, borrowed := env.position(t)
	if supplied != 162 || borrowed != 52 {
		t.Fatalf("expected a single round, got %d / %d", supplied, borrowed)
	}
	hf, err := env.strategy.HealthFactor()
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(params.MinHealthFactor) < 0 {
		t.Fatalf("health factor %s below floor", hf)
	}
}

func TestWithdrawUsesPartialDeleverage(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)

	paid, err := env.strategy.Withdraw(vaultAddr, big.NewInt(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Int64() != 10 {
		t.Fatalf("expected 10 paid, got %s", paid)
	}
	supplied, borrowed := env.position(t)
	if supplied != 185 || borrowed != 85 {
		t.Fatalf("unexpected position after partial deleverage: %d / %d", supplied, borrowed)
	}
	got, _ := env.ledger.BalanceOf(want, vaultAddr)
	if got.Int64() != 10 {
		t.Fatalf("vault received %s", got)
	}
	hf, _ := env.strategy.HealthFactor()
	if hf.Cmp(defaultParams().MinHealthFactor) < 0 {
		t.Fatalf("health factor %s below floor", hf)
	}
}

func TestWithdrawFallsBackToFullDeleverage(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)

	paid, err := env.strategy.Withdraw(vaultAddr, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, int64(50), paid.Int64())

	// The remaining 60 is re-levered: 28, 13, 6 and 2.
	supplied, borrowed := env.position(t)
	require.Equal(t, int64(109), supplied)
	require.Equal(t, int64(49), borrowed)
	balance, err := env.strategy.Balance()
	require.NoError(t, err)
	require.Equal(t, int64(60), balance.Int64())
}

func TestWithdrawFromIdleAndWhilePaused(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)

	if err := env.strategy.Pause(guardian); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paid, err := env.strategy.Withdraw(vaultAddr, big.NewInt(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("paused strategy must only pay idle funds, paid %s", paid)
	}
	if err := env.ledger.Mint(want, strategyAcc, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.strategy.Deposit(vaultAddr); err != nil {
		t.Fatalf("paused deposit: %v", err)
	}
	idle, _ := env.strategy.Idle()
	if idle.Int64() != 5 {
		t.Fatalf("paused deposit must keep funds idle, idle %s", idle)
	}
	paid, err = env.strategy.Withdraw(vaultAddr, big.NewInt(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Int64() != 5 {
		t.Fatalf("expected idle 5 paid, got %s", paid)
	}
	supplied, borrowed := env.position(t)
	if supplied != 204 || borrowed != 94 {
		t.Fatalf("paused withdraw must not touch the position: %d / %d", supplied, borrowed)
	}
}

func TestOnlyControllerMovesFunds(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	if err := env.strategy.Deposit(admin); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized deposit, got %v", err)
	}
	if _, err := env.strategy.Withdraw(keeper, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized withdraw, got %v", err)
	}
	if _, err := env.strategy.Retire(admin); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized retire, got %v", err)
	}
}

func TestPanicUnwindsAndPauses(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)
	env.mgr.DrainEvents()

	if err := env.strategy.Panic(keeper); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized panic, got %v", err)
	}
	require.NoError(t, env.strategy.Panic(guardian))

	supplied, borrowed := env.position(t)
	require.Zero(t, supplied)
	require.Zero(t, borrowed)
	idle, err := env.strategy.Idle()
	require.NoError(t, err)
	require.Equal(t, int64(110), idle.Int64())
	paused, err := env.strategy.Paused()
	require.NoError(t, err)
	require.True(t, paused)

	var panicked bool
	for _, ev := range env.mgr.DrainEvents() {
		if ev.EventType() == events.TypeStrategyPanicked {
			panicked = true
		}
	}
	require.True(t, panicked, "expected a panic event")

	paid, err := env.strategy.Withdraw(vaultAddr, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, int64(50), paid.Int64())

	require.NoError(t, env.strategy.Unpause(admin))
	supplied, borrowed = env.position(t)
	require.Equal(t, int64(109), supplied)
	require.Equal(t, int64(49), borrowed)
}

func TestRetireReleasesEverything(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)

	released, err := env.strategy.Retire(vaultAddr)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if released.Int64() != 110 {
		t.Fatalf("expected 110 released, got %s", released)
	}
	balance, _ := env.strategy.Balance()
	if balance.Sign() != 0 {
		t.Fatalf("retired strategy still holds %s", balance)
	}
}

func TestIncreaseHealthFactorAndRebalance(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)
	before, _ := env.strategy.HealthFactor()

	if err := env.strategy.IncreaseHealthFactor(admin, 10_001); !errors.Is(err, ErrRatioTooHigh) {
		t.Fatalf("expected ratio error, got %v", err)
	}
	if err := env.strategy.IncreaseHealthFactor(admin, 5_000); err != nil {
		t.Fatalf("increase health factor: %v", err)
	}
	supplied, borrowed := env.position(t)
	if borrowed != 47 || supplied != 157 {
		t.Fatalf("expected half the debt repaid, got %d / %d", supplied, borrowed)
	}
	after, _ := env.strategy.HealthFactor()
	if after.Cmp(before) <= 0 {
		t.Fatalf("health factor did not improve: %s -> %s", before, after)
	}

	if err := env.strategy.Rebalance(admin, 6_000, 2); !errors.Is(err, ErrBorrowRateTooHigh) {
		t.Fatalf("expected rate above maximum to be rejected, got %v", err)
	}
	if err := env.strategy.Rebalance(admin, 4_000, 2); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	// 110 re-levered at 40% for two rounds: 44 then 17.
	supplied, borrowed = env.position(t)
	if supplied != 171 || borrowed != 61 {
		t.Fatalf("unexpected rebalanced position %d / %d", supplied, borrowed)
	}
}

func TestParamsValidation(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	cases := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"rate above max", func(p *Params) { p.BorrowRateBps = 5_100 }, ErrBorrowRateTooHigh},
		{"max above ltv", func(p *Params) { p.BorrowRateMaxBps = 8_000 }, ErrBorrowMaxTooHigh},
		{"depth", func(p *Params) { p.BorrowDepth = MaxBorrowDepth + 1 }, ErrBorrowDepthTooHigh},
		{"min health", func(p *Params) { p.MinHealthFactor = tenths(9) }, ErrHealthFactorTooLow},
		{"full withdraw", func(p *Params) { p.FullWithdrawHealthFactor = tenths(14) }, ErrFullWithdrawTooLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := defaultParams()
			tc.mutate(&params)
			require.ErrorIs(t, env.strategy.SetParams(admin, params), tc.want)
		})
	}
	require.NoError(t, env.strategy.SetParams(admin, defaultParams()))
}

func TestPerformanceFeeAndSlippageCaps(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	require.ErrorIs(t, env.strategy.SetPerformanceFee(admin, MaxPerformanceFeeBps+1), ErrPerformanceFeeCap)
	require.NoError(t, env.strategy.SetPerformanceFee(admin, MaxPerformanceFeeBps))
	require.ErrorIs(t, env.strategy.SetPerformanceFee(keeper, 10), nativecommon.ErrUnauthorized)
	require.ErrorIs(t, env.strategy.SetSlippage(admin, MaxSlippageBps+1), ErrSlippageTooHigh)
	require.ErrorIs(t, env.strategy.SetTreasury(admin, common.Address{}), ErrInvalidAddress)

	fee, err := env.strategy.PerformanceFeeBps()
	require.NoError(t, err)
	require.Equal(t, MaxPerformanceFeeBps, fee)
}

func TestHarvestSwapsAndCompounds(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)
	require.NoError(t, env.ledger.Mint(reward, incentives, big.NewInt(1_000)))
	require.NoError(t, env.ledger.Mint(want, routerAcc, big.NewInt(1_000)))
	require.NoError(t, env.strategy.SetTreasury(admin, treasury))
	require.NoError(t, env.strategy.SetPerformanceFee(admin, 500))
	require.NoError(t, env.strategy.SetSlippage(admin, 100))

	env.clock.Advance(10)
	_, err := env.strategy.Harvest(guardian)
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	// 99 reward accrue over ten blocks (one unit lost to index rounding),
	// swap into 197 want after the router fee; 9 go to the treasury.
	compounded, err := env.strategy.Harvest(keeper)
	require.NoError(t, err)
	require.Equal(t, int64(188), compounded.Int64())
	fee, err := env.ledger.BalanceOf(want, treasury)
	require.NoError(t, err)
	require.Equal(t, int64(9), fee.Int64())

	balance, err := env.strategy.Balance()
	require.NoError(t, err)
	require.Equal(t, int64(298), balance.Int64())
	idle, err := env.strategy.Idle()
	require.NoError(t, err)
	require.Zero(t, idle.Sign())

	_, err = env.strategy.Harvest(keeper)
	require.ErrorIs(t, err, ErrHarvestThrottled)
	env.clock.Advance(6)
	_, err = env.strategy.Harvest(keeper)
	require.NoError(t, err)
}

func TestHarvestRejectsForeignRoute(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)
	require.NoError(t, env.ledger.Mint(reward, incentives, big.NewInt(1_000)))
	require.NoError(t, env.strategy.SetRoute(admin, []common.Address{want, reward}))
	env.clock.Advance(10)
	_, err := env.strategy.Harvest(keeper)
	require.ErrorIs(t, err, ErrUnknownRoute)
}

// accruingReserve charges a steep kinked borrow rate so the indexes move
// visibly within a few million blocks.
func accruingReserve(cfg *lending.ReserveConfig) {
	cfg.Interest = lending.InterestModel{BaseRateBps: 5_000, Slope1Bps: 5_000, Slope2Bps: 5_000, KinkBps: 8_000}
}

func TestWithdrawAfterInterestAccrual(t *testing.T) {
	cases := []struct {
		name    string
		amount  func(balance *big.Int) *big.Int
		drained bool
	}{
		{name: "partial", amount: func(*big.Int) *big.Int { return big.NewInt(1_000) }},
		{name: "half", amount: func(b *big.Int) *big.Int { return new(big.Int).Rsh(b, 1) }},
		{name: "everything", amount: func(b *big.Int) *big.Int { return b }, drained: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newStrategyEnv(t, defaultParams(), accruingReserve)
			env.fund(t, 1_000_000_007)
			before, err := env.strategy.HealthFactor()
			require.NoError(t, err)
			_, debtBefore, err := env.strategy.Position()
			require.NoError(t, err)

			env.clock.Advance(3_000_000)
			_, debtAfter, err := env.strategy.Position()
			require.NoError(t, err)
			require.Equal(t, 1, debtAfter.Cmp(debtBefore), "debt did not accrue")
			accrued, err := env.strategy.HealthFactor()
			require.NoError(t, err)
			require.Equal(t, -1, accrued.Cmp(before), "health factor did not fall with interest")

			balance, err := env.strategy.Balance()
			require.NoError(t, err)
			amount := tc.amount(balance)
			paid, err := env.strategy.Withdraw(vaultAddr, amount)
			require.NoError(t, err)
			received, err := env.ledger.BalanceOf(want, vaultAddr)
			require.NoError(t, err)
			require.Zero(t, paid.Cmp(received), "vault received %s of %s", received, paid)

			if !tc.drained {
				require.Zero(t, amount.Cmp(paid), "paid %s of %s", paid, amount)
				hf, err := env.strategy.HealthFactor()
				require.NoError(t, err)
				require.True(t, hf.Cmp(nativecommon.Precision) >= 0, "position left unhealthy: %s", hf)
				return
			}
			require.True(t, paid.Cmp(amount) <= 0, "paid %s above quoted %s", paid, amount)
			shortfall := new(big.Int).Sub(amount, paid)
			require.True(t, shortfall.Cmp(big.NewInt(100)) < 0, "unwind lost %s", shortfall)
			rest, err := env.strategy.Balance()
			require.NoError(t, err)
			require.True(t, rest.Cmp(big.NewInt(100)) < 0, "strategy kept %s", rest)
		})
	}
}

var errMarketDown = errors.New("market unavailable")

// flakyMarket admits a fixed number of withdrawals and rejects the rest.
type flakyMarket struct {
	*lending.Engine
	allow int
}

func (m *flakyMarket) Withdraw(supplier, asset common.Address, amount *big.Int) (*big.Int, error) {
	if m.allow == 0 {
		return nil, errMarketDown
	}
	m.allow--
	return m.Engine.Withdraw(supplier, asset, amount)
}

type strategySnapshot struct {
	supplied, borrowed, idle, vault int64
	params                          Params
	paused                          bool
}

func (env *strategyEnv) snapshot(t *testing.T, s *Strategy) strategySnapshot {
	t.Helper()
	supplied, borrowed, err := s.Position()
	require.NoError(t, err)
	idle, err := s.Idle()
	require.NoError(t, err)
	vault, err := env.ledger.BalanceOf(want, vaultAddr)
	require.NoError(t, err)
	params, err := s.Params()
	require.NoError(t, err)
	paused, err := s.Paused()
	require.NoError(t, err)
	return strategySnapshot{
		supplied: supplied.Int64(),
		borrowed: borrowed.Int64(),
		idle:     idle.Int64(),
		vault:    vault.Int64(),
		params:   params,
		paused:   paused,
	}
}

func TestFailedUnwindLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name string
		call func(s *Strategy) error
	}{
		{name: "rebalance", call: func(s *Strategy) error { return s.Rebalance(admin, 4_000, 2) }},
		{name: "increase health factor", call: func(s *Strategy) error { return s.IncreaseHealthFactor(admin, 10_000) }},
		{name: "panic", call: func(s *Strategy) error { return s.Panic(guardian) }},
		{name: "retire", call: func(s *Strategy) error {
			_, err := s.Retire(vaultAddr)
			return err
		}},
		{name: "full withdraw", call: func(s *Strategy) error {
			_, err := s.Withdraw(vaultAddr, big.NewInt(110))
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newStrategyEnv(t, defaultParams())
			env.fund(t, 110)
			market := &flakyMarket{Engine: env.market, allow: 1}
			flaky, err := NewStrategy(strategyAcc, want, vaultAddr, env.mgr, env.ledger, market, env.clock, env.access, defaultParams(), Options{})
			require.NoError(t, err)
			before := env.snapshot(t, flaky)
			env.mgr.DrainEvents()

			require.ErrorIs(t, tc.call(flaky), errMarketDown)
			require.Zero(t, market.allow, "the first unwind step should have gone through")
			require.Equal(t, before, env.snapshot(t, flaky))
			require.Empty(t, env.mgr.DrainEvents())
		})
	}
}

func TestRebalanceWhileLendingPausedKeepsParams(t *testing.T) {
	env := newStrategyEnv(t, defaultParams())
	env.fund(t, 110)
	env.market.SetPauses(nativecommon.PauseSet{"lending": true})

	require.ErrorIs(t, env.strategy.Rebalance(admin, 4_000, 2), nativecommon.ErrModulePaused)
	params, err := env.strategy.Params()
	require.NoError(t, err)
	require.Equal(t, defaultParams().BorrowRateBps, params.BorrowRateBps)
	require.Equal(t, defaultParams().BorrowDepth, params.BorrowDepth)

	env.market.SetPauses(nil)
	require.NoError(t, env.strategy.Rebalance(admin, 4_000, 2))
	params, err = env.strategy.Params()
	require.NoError(t, err)
	require.Equal(t, uint64(4_000), params.BorrowRateBps)
}
