package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"archimedes/config"
	"archimedes/core/events"
	"archimedes/core/state"
	"archimedes/native/bank"
	nativecommon "archimedes/native/common"
	"archimedes/native/distributor"
	"archimedes/native/lending"
	"archimedes/native/referral"
	"archimedes/native/strategy"
	"archimedes/native/swap"
	"archimedes/native/vault"
	"archimedes/observability"
	"archimedes/observability/logging"
	"archimedes/storage"
	"archimedes/storage/eventlog"
)

var (
	genesisKey = []byte("node/genesis")
	heightKey  = []byte("node/height")
)

// Modules that can be halted with SetModulePaused.
const (
	ModuleLending = "lending"
	ModuleSwap    = "swap"
)

// LastHeight returns the clock height recorded by the last commit to db.
func LastHeight(db storage.Database) (uint64, error) {
	var height uint64
	if _, err := state.NewManager(db).KVGet(heightKey, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// Options carries the optional collaborators of a node.
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
	Tracer  trace.Tracer
}

// Pool groups the vault and strategy registered under one pool id.
type Pool struct {
	ID       uint64
	Want     common.Address
	Vault    *vault.Vault
	Strategy *strategy.Strategy
}

// Node wires the aggregator modules onto a single state manager. Genesis
// state derived from the configuration is written on the first start only;
// later starts rebind the in-memory collaborators to the stored state.
type Node struct {
	cfg         *config.Config
	state       *state.Manager
	clock       nativecommon.HeightSource
	admin       common.Address
	keeper      common.Address
	access      *nativecommon.AccessControl
	pauses      nativecommon.PauseSet
	bank        *bank.Ledger
	oracle      *swap.Oracle
	router      *swap.Router
	market      *lending.Engine
	referrals   *referral.Ledger
	distributor *distributor.Distributor
	pools       []*Pool
	emitter     events.Emitter
	eventLog    *eventlog.Store
	root        *slog.Logger
	logger      *slog.Logger
}

// NewNode builds the aggregator described by cfg on top of db.
func NewNode(cfg *config.Config, db storage.Database, clock nativecommon.HeightSource, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("node: config required")
	}
	if db == nil || clock == nil {
		return nil, fmt.Errorf("node: database and clock required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n := &Node{
		cfg:     cfg,
		state:   state.NewManager(db),
		clock:   clock,
		admin:   mustAddress(cfg.Admin),
		keeper:  mustAddress(cfg.Keeper),
		access:  nativecommon.NewAccessControl(mustAddress(cfg.Admin)),
		pauses:  nativecommon.PauseSet{},
		emitter: emitter,
		root:    logger,
		logger:  logger.With(slog.String("component", "node")),
	}
	n.access.Grant(nativecommon.RoleGuardian, mustAddress(cfg.Guardian))
	if dsn := strings.TrimSpace(cfg.EventLogDSN); dsn != "" {
		store, err := eventlog.Open(dsn, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("node: event log: %w", err)
		}
		n.eventLog = store
		n.emitter = events.Fanout{emitter, store}
		n.logger.Info("event log attached", logging.MaskField("dsn", dsn))
	}
	if err := n.build(opts); err != nil {
		n.closeEventLog()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(opts Options) error {
	cfg := n.cfg
	n.bank = bank.NewLedger(n.state)

	oracleAccess := nativecommon.NewAccessControl(n.admin)
	oracleAccess.Grant(nativecommon.RoleOracle, mustAddress(cfg.Feeder))
	n.oracle = swap.NewOracle(n.state, n.clock, oracleAccess, cfg.Exchange.OracleMaxAge)

	router, err := swap.NewRouter(mustAddress(cfg.Exchange.Router), n.bank, n.oracle, cfg.Exchange.FeeBps)
	if err != nil {
		return fmt.Errorf("node: router: %w", err)
	}
	n.router = router
	n.router.SetPauses(n.pauses)

	n.market = lending.NewEngine(mustAddress(cfg.Market.Address), lending.NewKVStore(n.state), n.bank, n.clock, nativecommon.NewAccessControl(n.admin))
	n.market.SetPriceSource(n.oracle)
	n.market.SetPauses(n.pauses)
	if asset := optionalAddress(cfg.Market.IncentivesAsset); asset != (common.Address{}) {
		n.market.SetIncentives(asset, optionalAddress(cfg.Market.IncentivesVault))
	}

	distAddr := mustAddress(cfg.Distributor.Address)
	n.referrals = referral.NewLedger(n.state, nativecommon.NewAccessControl(n.admin))
	if err := n.referrals.SetOperator(n.admin, distAddr, true); err != nil {
		return err
	}

	var genesisDone bool
	if _, err := n.state.KVGet(genesisKey, &genesisDone); err != nil {
		return err
	}
	if !genesisDone {
		if err := n.run(n.writeAssets); err != nil {
			return fmt.Errorf("node: genesis assets: %w", err)
		}
	}

	rate, err := config.ParseAmount(cfg.Distributor.RewardRatePerBlock)
	if err != nil {
		return err
	}
	dist, err := distributor.NewDistributor(distAddr, mustAddress(cfg.Distributor.RewardAsset), n.state, n.bank, n.clock,
		nativecommon.NewAccessControl(n.admin),
		distributor.Params{
			RewardRatePerBlock:    rate,
			StartHeight:           cfg.Distributor.StartHeight,
			ReferralCommissionBps: cfg.Distributor.ReferralCommissionBps,
		},
		distributor.Options{
			Referrals: n.referrals,
			Emitter:   n.emitter,
			Logger:    n.root,
			Tracer:    opts.Tracer,
		})
	if err != nil {
		return fmt.Errorf("node: distributor: %w", err)
	}
	n.distributor = dist

	for i, poolCfg := range cfg.Pools {
		pool, err := n.buildPool(poolCfg, !genesisDone)
		if err != nil {
			return fmt.Errorf("node: pool %d: %w", i, err)
		}
		n.pools = append(n.pools, pool)
	}

	if !genesisDone {
		if err := n.run(func() error { return n.state.KVPut(genesisKey, true) }); err != nil {
			return err
		}
		n.logger.Info("genesis written", slog.Int("pools", len(n.pools)))
	}
	return n.Commit()
}

// writeAssets registers every configured asset, seeds its oracle price and
// router reserve, and lists a lending reserve for each pool's want.
func (n *Node) writeAssets() error {
	cfg := n.cfg
	feeder := mustAddress(cfg.Feeder)
	router := n.router.Address()
	for _, asset := range cfg.Assets {
		addr := mustAddress(asset.Address)
		maxSupply, err := config.ParseAmount(asset.MaxSupply)
		if err != nil {
			return err
		}
		if err := n.bank.RegisterAsset(addr, asset.Symbol, maxSupply); err != nil {
			return fmt.Errorf("register %s: %w", addr.Hex(), err)
		}
		if asset.Price != "" {
			price, err := config.ParsePrice(asset.Price)
			if err != nil {
				return err
			}
			if err := n.oracle.SetPrice(feeder, addr, price, "genesis"); err != nil {
				return fmt.Errorf("price %s: %w", addr.Hex(), err)
			}
		}
		reserve, err := config.ParseAmount(asset.RouterReserve)
		if err != nil {
			return err
		}
		if reserve.Sign() > 0 {
			if err := n.bank.Mint(addr, router, reserve); err != nil {
				return fmt.Errorf("router reserve %s: %w", addr.Hex(), err)
			}
		}
	}
	if asset := optionalAddress(cfg.Market.IncentivesAsset); asset != (common.Address{}) {
		funding, err := config.ParseAmount(cfg.Market.IncentivesFunding)
		if err != nil {
			return err
		}
		if funding.Sign() > 0 {
			if err := n.bank.Mint(asset, optionalAddress(cfg.Market.IncentivesVault), funding); err != nil {
				return fmt.Errorf("incentives funding: %w", err)
			}
		}
	}
	for _, poolCfg := range cfg.Pools {
		reserve, err := poolCfg.LendingReserve()
		if err != nil {
			return err
		}
		if err := n.market.ListReserve(n.admin, mustAddress(poolCfg.Want), reserve); err != nil {
			return fmt.Errorf("list reserve %s: %w", poolCfg.Want, err)
		}
	}
	return nil
}

// buildPool constructs the vault and strategy of one pool. On genesis the
// pool settings are written and the vault is registered with the
// distributor; otherwise the vault is attached to its stored pool.
func (n *Node) buildPool(poolCfg config.PoolConfig, genesis bool) (*Pool, error) {
	want := mustAddress(poolCfg.Want)
	vaultAddr := mustAddress(poolCfg.Vault)
	params, err := poolCfg.LeverageParams()
	if err != nil {
		return nil, err
	}

	strategyAccess := nativecommon.NewAccessControl(n.admin)
	strategyAccess.Grant(nativecommon.RoleGuardian, mustAddress(n.cfg.Guardian))
	strategyAccess.Grant(nativecommon.RoleHarvester, n.keeper)
	strat, err := strategy.NewStrategy(mustAddress(poolCfg.Strategy), want, vaultAddr, n.state, n.bank, n.market, n.clock, strategyAccess, params, strategy.Options{
		Exchange: n.router,
		Prices:   n.oracle,
		Limiter:  strategy.NewHarvestLimiter(poolCfg.HarvestIntervalBlocks),
		Logger:   n.root,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	v, err := vault.NewVault(vaultAddr, want, n.distributor.Address(), n.state, n.bank, nativecommon.NewAccessControl(n.admin), vault.Options{Logger: n.root})
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	pool := &Pool{Want: want, Vault: v, Strategy: strat}

	err = n.run(func() error {
		if genesis {
			if err := n.writePoolSettings(poolCfg, v, strat); err != nil {
				return err
			}
		}
		if err := v.SetStrategy(n.admin, strat); err != nil {
			return err
		}
		return v.SetShareTransferHook(n.admin, n.distributor)
	})
	if err != nil {
		return nil, err
	}

	if genesis {
		pool.ID, err = n.distributor.AddPool(context.Background(), n.admin, want, v, poolCfg.Weighing, false)
	} else {
		pool.ID, err = n.distributor.Attach(v)
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (n *Node) writePoolSettings(poolCfg config.PoolConfig, v *vault.Vault, strat *strategy.Strategy) error {
	if treasury := optionalAddress(poolCfg.Treasury); treasury != (common.Address{}) {
		if err := strat.SetTreasury(n.admin, treasury); err != nil {
			return err
		}
		if err := v.SetTreasury(n.admin, treasury); err != nil {
			return err
		}
	}
	if err := strat.SetPerformanceFee(n.admin, poolCfg.PerformanceFeeBps); err != nil {
		return err
	}
	if poolCfg.SlippageBps > 0 {
		if err := strat.SetSlippage(n.admin, poolCfg.SlippageBps); err != nil {
			return err
		}
	}
	if len(poolCfg.Route) > 0 {
		route := make([]common.Address, 0, len(poolCfg.Route))
		for _, hop := range poolCfg.Route {
			route = append(route, mustAddress(hop))
		}
		if err := strat.SetRoute(n.admin, route); err != nil {
			return err
		}
	}
	if err := v.SetWithdrawFee(n.admin, poolCfg.WithdrawFeeBps); err != nil {
		return err
	}
	depositCap, err := config.ParseAmount(poolCfg.DepositCap)
	if err != nil {
		return err
	}
	if err := v.SetDepositCap(n.admin, depositCap); err != nil {
		return err
	}
	userCap, err := config.ParseAmount(poolCfg.PerUserDepositCap)
	if err != nil {
		return err
	}
	return v.SetPerUserDepositCap(n.admin, userCap)
}

// SetModulePaused halts or resumes the lending market or the swap router.
// The admin and the guardian may pause; only the admin may resume.
func (n *Node) SetModulePaused(caller common.Address, module string, paused bool) error {
	switch module {
	case ModuleLending, ModuleSwap:
	default:
		return fmt.Errorf("node: unknown module %q", module)
	}
	if err := n.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		if !paused || !n.access.HasRole(nativecommon.RoleGuardian, caller) {
			return err
		}
	}
	n.pauses[module] = paused
	n.logger.Warn("module pause toggled", slog.String("module", module), slog.Bool("paused", paused))
	return nil
}

// ModulePaused reports whether module is halted.
func (n *Node) ModulePaused(module string) bool { return n.pauses.IsPaused(module) }

// run applies fn atomically and forwards the events it produced.
func (n *Node) run(fn func() error) error {
	if err := n.state.Atomic(fn); err != nil {
		return err
	}
	n.flush()
	return nil
}

func (n *Node) flush() {
	for _, ev := range n.state.DrainEvents() {
		observability.Events().RecordEvent(ev.EventType())
		n.emitter.Emit(ev)
	}
}

// Commit records the current height and flushes pending state to the
// database.
func (n *Node) Commit() error {
	if err := n.state.KVPut(heightKey, n.clock.Height()); err != nil {
		return err
	}
	if err := n.state.Commit(); err != nil {
		return fmt.Errorf("node: commit: %w", err)
	}
	n.flush()
	return nil
}

// Distributor returns the reward distributor.
func (n *Node) Distributor() *distributor.Distributor { return n.distributor }

// Bank returns the token ledger.
func (n *Node) Bank() *bank.Ledger { return n.bank }

// Market returns the lending market.
func (n *Node) Market() *lending.Engine { return n.market }

// Oracle returns the price oracle.
func (n *Node) Oracle() *swap.Oracle { return n.oracle }

// Router returns the swap router.
func (n *Node) Router() *swap.Router { return n.router }

// Referrals returns the referral ledger.
func (n *Node) Referrals() *referral.Ledger { return n.referrals }

// EventLog returns the attached event journal, or nil.
func (n *Node) EventLog() *eventlog.Store { return n.eventLog }

// State exposes the underlying state manager.
func (n *Node) State() *state.Manager { return n.state }

// Pools returns the pools in registration order.
func (n *Node) Pools() []*Pool {
	out := make([]*Pool, len(n.pools))
	copy(out, n.pools)
	return out
}

// Pool returns the pool registered under pid.
func (n *Node) Pool(pid uint64) (*Pool, error) {
	for _, pool := range n.pools {
		if pool.ID == pid {
			return pool, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", distributor.ErrUnknownPool, pid)
}

// TransferShares moves vault shares between two users. The distributor
// settles both parties' rewards around the transfer.
func (n *Node) TransferShares(ctx context.Context, pid uint64, from, to common.Address, shares *big.Int) error {
	pool, err := n.Pool(pid)
	if err != nil {
		return err
	}
	return n.run(func() error {
		return pool.Vault.Transfer(from, to, shares)
	})
}

// HarvestStrategies runs the keeper harvest on every pool. Throttled
// strategies are skipped. It returns the want compounded per pool id.
func (n *Node) HarvestStrategies(ctx context.Context) (map[uint64]*big.Int, error) {
	out := make(map[uint64]*big.Int, len(n.pools))
	for _, pool := range n.pools {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var compounded *big.Int
		err := n.run(func() error {
			var err error
			compounded, err = pool.Strategy.Harvest(n.keeper)
			return err
		})
		if errors.Is(err, strategy.ErrHarvestThrottled) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("node: harvest pool %d: %w", pool.ID, err)
		}
		out[pool.ID] = compounded
		n.logger.Debug("strategy harvested",
			slog.Uint64("pid", pool.ID),
			slog.String("compounded", compounded.String()))
	}
	return out, nil
}

// Close releases the event journal.
func (n *Node) Close() error {
	return n.closeEventLog()
}

func (n *Node) closeEventLog() error {
	if n.eventLog == nil {
		return nil
	}
	err := n.eventLog.Close()
	n.eventLog = nil
	return err
}

// mustAddress parses an address the configuration has already validated.
func mustAddress(raw string) common.Address {
	return common.HexToAddress(strings.TrimSpace(raw))
}

func optionalAddress(raw string) common.Address {
	addr, err := config.ParseAddress(raw, true)
	if err != nil {
		return common.Address{}
	}
	return addr
}
