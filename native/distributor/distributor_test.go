package distributor

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"archimedes/core/events"
	"archimedes/core/state"
	"archimedes/native/bank"
	nativecommon "archimedes/native/common"
	"archimedes/native/referral"
	"archimedes/native/vault"
	"archimedes/storage"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	distAcc  = common.HexToAddress("0x0000000000000000000000000000000000000d15")
	vaultA   = common.HexToAddress("0x0000000000000000000000000000000000000a17")
	vaultB   = common.HexToAddress("0x0000000000000000000000000000000000000a18")
	vaultC   = common.HexToAddress("0x0000000000000000000000000000000000000a19")
	vaultD   = common.HexToAddress("0x0000000000000000000000000000000000000a1a")
	stratA   = common.HexToAddress("0x0000000000000000000000000000000000000517")
	stratB   = common.HexToAddress("0x0000000000000000000000000000000000000518")
	want     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	wantB    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	reward   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dave     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	nobody   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	noReferr = common.Address{}
)

// holdStrategy keeps deployed funds on its own account.
type holdStrategy struct {
	addr       common.Address
	want       common.Address
	controller common.Address
	ledger     *bank.Ledger
	paused     bool
}

func (s *holdStrategy) Address() common.Address             { return s.addr }
func (s *holdStrategy) Want() common.Address                { return s.want }
func (s *holdStrategy) Controller() (common.Address, error) { return s.controller, nil }
func (s *holdStrategy) Paused() (bool, error)               { return s.paused, nil }
func (s *holdStrategy) Deposit(common.Address) error        { return nil }

func (s *holdStrategy) Balance() (*big.Int, error) {
	return s.ledger.BalanceOf(s.want, s.addr)
}

func (s *holdStrategy) Withdraw(caller common.Address, amount *big.Int) (*big.Int, error) {
	balance, err := s.Balance()
	if err != nil {
		return nil, err
	}
	pay := nativecommon.MinInt(balance, amount)
	if pay.Sign() == 0 {
		return pay, nil
	}
	return pay, s.ledger.Transfer(s.want, s.addr, caller, pay)
}

func (s *holdStrategy) Retire(caller common.Address) (*big.Int, error) {
	balance, err := s.Balance()
	if err != nil || balance.Sign() == 0 {
		return balance, err
	}
	return balance, s.ledger.Transfer(s.want, s.addr, caller, balance)
}

type distEnv struct {
	mgr       *state.Manager
	ledger    *bank.Ledger
	clock     *nativecommon.ManualClock
	referrals *referral.Ledger
	recorder  *events.Recorder
	dist      *Distributor
	vault     *vault.Vault
	strategy  *holdStrategy
}

type envConfig struct {
	rate       int64
	start      uint64
	rewardCap  *big.Int
	commission uint64
}

func defaultEnv() envConfig {
	return envConfig{rate: 1_000, start: 110, commission: 10}
}

func newDistEnv(t *testing.T, cfg envConfig) *distEnv {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(mgr)
	clock := nativecommon.NewManualClock(100)
	if err := ledger.RegisterAsset(want, "WANT", nil); err != nil {
		t.Fatalf("register want: %v", err)
	}
	if err := ledger.RegisterAsset(wantB, "WANTB", nil); err != nil {
		t.Fatalf("register want b: %v", err)
	}
	if err := ledger.RegisterAsset(reward, "ARCH", cfg.rewardCap); err != nil {
		t.Fatalf("register reward: %v", err)
	}

	refs := referral.NewLedger(mgr, nativecommon.NewAccessControl(admin))
	if err := refs.SetOperator(admin, distAcc, true); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	recorder := &events.Recorder{}
	dist, err := NewDistributor(distAcc, reward, mgr, ledger, clock, nativecommon.NewAccessControl(admin), Params{
		RewardRatePerBlock:    big.NewInt(cfg.rate),
		StartHeight:           cfg.start,
		ReferralCommissionBps: cfg.commission,
	}, Options{Referrals: refs, Emitter: recorder})
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	env := &distEnv{mgr: mgr, ledger: ledger, clock: clock, referrals: refs, recorder: recorder, dist: dist}
	env.vault, env.strategy = env.newVault(t, vaultA, stratA, want)
	if _, err := dist.AddPool(context.Background(), admin, want, env.vault, 100, false); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	for _, user := range []common.Address{alice, bob, carol} {
		env.fund(t, want, user, 1_000)
	}
	return env
}

func (env *distEnv) newVault(t *testing.T, addr, stratAddr, asset common.Address) (*vault.Vault, *holdStrategy) {
	t.Helper()
	v, err := vault.NewVault(addr, asset, distAcc, env.mgr, env.ledger, nativecommon.NewAccessControl(admin), vault.Options{})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	strategy := &holdStrategy{addr: stratAddr, want: asset, controller: addr, ledger: env.ledger}
	if err := v.SetStrategy(admin, strategy); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	return v, strategy
}

func (env *distEnv) fund(t *testing.T, asset, user common.Address, amount int64) {
	t.Helper()
	if err := env.ledger.Mint(asset, user, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.ledger.Approve(asset, user, distAcc, nativecommon.MaxUint256); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (env *distEnv) deposit(t *testing.T, user common.Address, amount int64, referrer common.Address) {
	t.Helper()
	if _, err := env.dist.Deposit(context.Background(), user, 0, big.NewInt(amount), referrer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *distEnv) pending(t *testing.T, user common.Address) int64 {
	t.Helper()
	pending, err := env.dist.PendingReward(0, user)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return pending.Int64()
}

func (env *distEnv) balance(t *testing.T, asset, user common.Address) int64 {
	t.Helper()
	balance, err := env.ledger.BalanceOf(asset, user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func TestPendingIsZeroBeforeStart(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	env.deposit(t, alice, 100, noReferr)

	env.clock.Set(105)
	if got := env.pending(t, alice); got != 0 {
		t.Fatalf("expected no reward before start, got %d", got)
	}
	env.clock.Set(110)
	if got := env.pending(t, alice); got != 0 {
		t.Fatalf("expected no reward at start, got %d", got)
	}
	env.clock.Set(112)
	if got := env.pending(t, alice); got != 2_000 {
		t.Fatalf("expected 2000 after two blocks, got %d", got)
	}
}

func TestEarlierDepositorEarnsMore(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	env.clock.Set(120)
	env.deposit(t, bob, 100, noReferr)
	env.clock.Set(130)

	require.Equal(t, int64(15_000), env.pending(t, alice))
	require.Equal(t, int64(5_000), env.pending(t, bob))

	ctx := context.Background()
	paidA, err := env.dist.Harvest(ctx, alice, 0)
	require.NoError(t, err)
	paidB, err := env.dist.Harvest(ctx, bob, 0)
	require.NoError(t, err)
	require.Equal(t, int64(15_000), paidA.Int64())
	require.Equal(t, int64(5_000), paidB.Int64())

	// Everything minted has been paid out.
	supply, err := env.ledger.TotalSupply(reward)
	require.NoError(t, err)
	require.Equal(t, int64(20_000), supply.Int64())
	require.Zero(t, env.balance(t, reward, distAcc))

	again, err := env.dist.Harvest(ctx, alice, 0)
	require.NoError(t, err)
	require.Zero(t, again.Sign(), "second harvest at the same height must pay nothing")
}

func TestReferrerIsImmutableAndEarnsCommission(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	env.clock.Set(110)
	env.deposit(t, alice, 100, carol)
	env.clock.Set(120)
	env.deposit(t, alice, 50, dave)

	referrer, err := env.referrals.GetReferrer(alice)
	require.NoError(t, err)
	require.Equal(t, carol, referrer)

	// The second deposit paid 10000 reward and a 10 bps commission.
	require.Equal(t, int64(10_000), env.balance(t, reward, alice))
	require.Equal(t, int64(10), env.balance(t, reward, carol))
	require.Zero(t, env.balance(t, reward, dave))

	record, err := env.referrals.Record(carol)
	require.NoError(t, err)
	require.Equal(t, uint64(1), record.ReferralsCount)
	require.Equal(t, uint64(1), record.ReferralsPaid)
	require.Equal(t, int64(10), record.TotalPaid.Int64())

	paid := env.recorder.OfType(events.TypeReferralPaid)
	require.Len(t, paid, 1)
	require.Equal(t, carol, paid[0].(events.ReferralPaid).Referrer)
}

func TestSelfReferralIgnored(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	env.deposit(t, alice, 100, alice)
	referrer, err := env.referrals.GetReferrer(alice)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, referrer)
}

func TestCommissionSkippedWhenMintCapReached(t *testing.T) {
	cfg := defaultEnv()
	cfg.rewardCap = big.NewInt(10_005)
	env := newDistEnv(t, cfg)
	env.clock.Set(110)
	env.deposit(t, alice, 100, carol)
	env.clock.Set(120)

	paid, err := env.dist.Harvest(context.Background(), alice, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), paid.Int64())
	require.Zero(t, env.balance(t, reward, carol), "commission must not be partially minted")

	// Accrual is truncated to what is left of the cap.
	env.clock.Set(130)
	require.Equal(t, int64(5), env.pending(t, alice))
	paid, err = env.dist.Harvest(context.Background(), alice, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), paid.Int64())
	mintable, err := env.ledger.MintableSupply(reward)
	require.NoError(t, err)
	require.Zero(t, mintable.Sign())
}

func TestWithdrawSettlesAndConservesShares(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	env.deposit(t, bob, 300, noReferr)
	env.clock.Set(120)

	if _, err := env.dist.Withdraw(ctx, alice, 0, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.dist.Withdraw(ctx, alice, 0, big.NewInt(101)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	received, err := env.dist.Withdraw(ctx, alice, 0, big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, int64(40), received.Int64())
	require.Equal(t, int64(940), env.balance(t, want, alice))
	require.Equal(t, int64(2_500), env.balance(t, reward, alice))

	total, err := env.vault.TotalShares()
	require.NoError(t, err)
	sum := big.NewInt(0)
	for _, user := range []common.Address{alice, bob, carol} {
		shares, err := env.vault.BalanceOf(user)
		require.NoError(t, err)
		sum.Add(sum, shares)
	}
	require.Zero(t, total.Cmp(sum), "sum of user shares must equal total shares")

	// Alice's debt was reset on 60 shares; she earns her new share from here.
	env.clock.Set(130)
	require.Equal(t, int64(1_666), env.pending(t, alice))
	require.Equal(t, int64(15_833), env.pending(t, bob))
}

func TestWithdrawAllThenRedepositIsIdempotent(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	env.deposit(t, alice, 100, noReferr)
	_, err := env.dist.Withdraw(ctx, alice, 0, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, int64(1_000), env.balance(t, want, alice))

	env.deposit(t, alice, 100, noReferr)
	shares, err := env.vault.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, int64(100), shares.Int64())
	require.Equal(t, int64(900), env.balance(t, want, alice))
}

func TestEmergencyWithdrawForfeitsRewards(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	env.clock.Set(120)
	require.Equal(t, int64(10_000), env.pending(t, alice))

	received, err := env.dist.EmergencyWithdraw(ctx, alice, 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), received.Int64())
	require.Equal(t, int64(1_000), env.balance(t, want, alice))
	require.Zero(t, env.balance(t, reward, alice))
	require.Zero(t, env.pending(t, alice))

	if _, err := env.dist.EmergencyWithdraw(ctx, alice, 0); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	env.deposit(t, alice, 100, noReferr)
	env.clock.Set(130)
	require.Equal(t, int64(10_000), env.pending(t, alice))
	require.Len(t, env.recorder.OfType(events.TypeEmergencyWithdraw), 1)
}

func TestDepositRejectedWhileStrategyPaused(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	env.strategy.paused = true
	before := len(env.recorder.Events)
	if _, err := env.dist.Deposit(context.Background(), alice, 0, big.NewInt(100), carol); !errors.Is(err, ErrStrategyPaused) {
		t.Fatalf("expected ErrStrategyPaused, got %v", err)
	}
	require.Equal(t, before, len(env.recorder.Events))
	require.Equal(t, int64(1_000), env.balance(t, want, alice))
}

func TestFailedDepositLeavesNoTrace(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	require.NoError(t, env.ledger.Approve(want, alice, distAcc, big.NewInt(10)))
	before := len(env.recorder.Events)

	_, err := env.dist.Deposit(context.Background(), alice, 0, big.NewInt(100), carol)
	require.ErrorIs(t, err, bank.ErrInsufficientAllowance)

	referrer, err := env.referrals.GetReferrer(alice)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, referrer, "referral must be reverted with the failed deposit")
	require.Equal(t, before, len(env.recorder.Events))
	require.Empty(t, env.mgr.DrainEvents())
}

func TestDepositValidation(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	if _, err := env.dist.Deposit(ctx, alice, 0, big.NewInt(0), noReferr); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.dist.Deposit(ctx, alice, 7, big.NewInt(10), noReferr); !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("expected ErrUnknownPool, got %v", err)
	}
}

func TestAddPoolValidation(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()

	if _, err := env.dist.AddPool(ctx, nobody, want, env.vault, 10, false); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.dist.AddPool(ctx, admin, want, env.vault, 10, false); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}

	foreign, err := vault.NewVault(vaultC, wantB, nobody, env.mgr, env.ledger, nativecommon.NewAccessControl(admin), vault.Options{})
	require.NoError(t, err)
	if _, err := env.dist.AddPool(ctx, admin, wantB, foreign, 10, false); !errors.Is(err, ErrControllerMismatch) {
		t.Fatalf("expected ErrControllerMismatch, got %v", err)
	}

	bare, err := vault.NewVault(vaultD, wantB, distAcc, env.mgr, env.ledger, nativecommon.NewAccessControl(admin), vault.Options{})
	require.NoError(t, err)
	if _, err := env.dist.AddPool(ctx, admin, wantB, bare, 10, false); !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("expected ErrNoStrategy, got %v", err)
	}

	second, _ := env.newVault(t, vaultB, stratB, wantB)
	if _, err := env.dist.AddPool(ctx, admin, want, second, 10, false); !errors.Is(err, ErrWantMismatch) {
		t.Fatalf("expected ErrWantMismatch, got %v", err)
	}
	pid, err := env.dist.AddPool(ctx, admin, wantB, second, 300, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pid)

	cfg, err := env.dist.Config()
	require.NoError(t, err)
	require.Equal(t, uint64(2), cfg.PoolCount)
	require.Equal(t, uint64(400), cfg.TotalWeighing)
}

func TestWeighingSplitsRewardAcrossPools(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	second, _ := env.newVault(t, vaultB, stratB, wantB)
	pid, err := env.dist.AddPool(ctx, admin, wantB, second, 300, false)
	require.NoError(t, err)
	env.fund(t, wantB, bob, 1_000)

	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	_, err = env.dist.Deposit(ctx, bob, pid, big.NewInt(100), noReferr)
	require.NoError(t, err)

	env.clock.Set(120)
	require.Equal(t, int64(2_500), env.pending(t, alice))
	pendingB, err := env.dist.PendingReward(pid, bob)
	require.NoError(t, err)
	require.Equal(t, int64(7_500), pendingB.Int64())

	require.NoError(t, env.dist.SetWeighing(ctx, admin, 0, 200, true))
	cfg, err := env.dist.Config()
	require.NoError(t, err)
	require.Equal(t, uint64(500), cfg.TotalWeighing)

	// Pool 0 now receives 200/500 of every block.
	env.clock.Set(130)
	require.Equal(t, int64(2_500+4_000), env.pending(t, alice))

	total, err := env.dist.HarvestAll(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, int64(7_500+6_000), total.Int64())

	changed := env.recorder.OfType(events.TypeWeighingChanged)
	require.Len(t, changed, 1)
	require.Equal(t, uint64(100), changed[0].(events.WeighingChanged).Previous)
}

func TestRewardRateChangeSettlesOldRate(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	env.clock.Set(120)

	if err := env.dist.SetRewardRatePerBlock(ctx, nobody, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	require.NoError(t, env.dist.SetRewardRatePerBlock(ctx, admin, big.NewInt(10)))
	env.clock.Set(130)
	require.Equal(t, int64(10_000+100), env.pending(t, alice))
}

func TestReferralCommissionCap(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	ctx := context.Background()
	if err := env.dist.SetReferralCommissionRate(ctx, admin, MaxReferralCommissionBps+1); !errors.Is(err, ErrCommissionCap) {
		t.Fatalf("expected ErrCommissionCap, got %v", err)
	}
	require.NoError(t, env.dist.SetReferralCommissionRate(ctx, admin, MaxReferralCommissionBps))
	cfg, err := env.dist.Config()
	require.NoError(t, err)
	require.Equal(t, MaxReferralCommissionBps, cfg.ReferralCommissionBps)

	_, err = NewDistributor(distAcc, reward, env.mgr, env.ledger, env.clock, nativecommon.NewAccessControl(admin), Params{ReferralCommissionBps: 51}, Options{})
	require.ErrorIs(t, err, ErrCommissionCap)
}

func TestShareTransferSettlesBothParties(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	require.NoError(t, env.vault.SetShareTransferHook(admin, env.dist))
	env.clock.Set(110)
	env.deposit(t, alice, 100, noReferr)
	env.clock.Set(120)

	require.NoError(t, env.vault.Transfer(alice, bob, big.NewInt(50)))
	require.Equal(t, int64(10_000), env.balance(t, reward, alice))

	env.clock.Set(130)
	require.Equal(t, int64(5_000), env.pending(t, alice))
	require.Equal(t, int64(5_000), env.pending(t, bob))
}

func TestAttachRebindsRegisteredVault(t *testing.T) {
	env := newDistEnv(t, defaultEnv())
	restarted, err := NewDistributor(distAcc, reward, env.mgr, env.ledger, env.clock, nativecommon.NewAccessControl(admin), Params{}, Options{})
	require.NoError(t, err)

	cfg, err := restarted.Config()
	require.NoError(t, err)
	require.Equal(t, int64(1_000), cfg.RewardRatePerBlock.Int64(), "stored configuration must survive reconstruction")

	pid, err := restarted.Attach(env.vault)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pid)

	second, _ := env.newVault(t, vaultB, stratB, wantB)
	_, err = restarted.Attach(second)
	require.ErrorIs(t, err, ErrUnknownPool)
}
