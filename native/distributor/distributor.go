package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
	"archimedes/observability"
	"archimedes/observability/metrics"
)

const (
	// MaxReferralCommissionBps caps the referral commission at 0.5% of every
	// reward payment.
	MaxReferralCommissionBps uint64 = 50
	// DefaultReferralCommissionBps is applied when no rate is configured.
	DefaultReferralCommissionBps uint64 = 10

	moduleName = "distributor"
)

var (
	ErrInvalidAmount      = errors.New("distributor: amount must be positive")
	ErrInvalidAddress     = errors.New("distributor: zero address")
	ErrUnknownPool        = errors.New("distributor: unknown pool")
	ErrPoolExists         = errors.New("distributor: vault already registered")
	ErrControllerMismatch = errors.New("distributor: vault is not controlled by the distributor")
	ErrWantMismatch       = errors.New("distributor: vault want does not match")
	ErrNoStrategy         = errors.New("distributor: vault has no strategy")
	ErrStrategyPaused     = errors.New("distributor: strategy paused")
	ErrInsufficientShares = errors.New("distributor: insufficient shares")
	ErrCommissionCap      = errors.New("distributor: referral commission exceeds cap")
	ErrUnknownVault       = errors.New("distributor: vault not bound")
)

type distributorState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	AppendEvent(events.Event)
	Atomic(fn func() error) error
	DrainEvents() []events.Event
}

// Vault is the share-accounting front of a pool. The distributor is its
// controller and routes every user deposit and withdrawal through it.
type Vault interface {
	Address() common.Address
	Want() common.Address
	Controller() (common.Address, error)
	HasStrategy() bool
	StrategyPaused() (bool, error)
	TotalShares() (*big.Int, error)
	BalanceOf(user common.Address) (*big.Int, error)
	Deposit(caller, user common.Address, amount *big.Int) (*big.Int, error)
	Withdraw(caller, user common.Address, shares *big.Int) (*big.Int, error)
}

// RewardToken is the ledger the distributor mints rewards on and moves want
// through.
type RewardToken interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	Approve(asset, owner, spender common.Address, amount *big.Int) error
	Mint(asset, to common.Address, amount *big.Int) error
	MintableSupply(asset common.Address) (*big.Int, error)
}

// ReferralLedger stores referrer links and commission totals.
type ReferralLedger interface {
	GetReferrer(user common.Address) (common.Address, error)
	RecordReferral(caller, user, referrer common.Address) (bool, error)
	RecordPayment(caller, referrer common.Address, amount *big.Int) error
}

// Params seeds the distributor configuration on first construction.
type Params struct {
	RewardRatePerBlock    *big.Int
	StartHeight           uint64
	ReferralCommissionBps uint64
}

// Options carries optional collaborators.
type Options struct {
	Referrals ReferralLedger
	Emitter   events.Emitter
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Config is the persisted distributor configuration.
type Config struct {
	RewardRatePerBlock    *big.Int
	StartHeight           uint64
	TotalWeighing         uint64
	PoolCount             uint64
	ReferralCommissionBps uint64
}

func (c *Config) normalize() {
	if c.RewardRatePerBlock == nil {
		c.RewardRatePerBlock = big.NewInt(0)
	}
}

// Pool is one entry of the append-only pool registry.
type Pool struct {
	ID                uint64
	Want              common.Address
	Vault             common.Address
	Weighing          uint64
	LastRewardHeight  uint64
	AccRewardPerShare *big.Int
}

func (p *Pool) normalize() {
	if p.AccRewardPerShare == nil {
		p.AccRewardPerShare = big.NewInt(0)
	}
}

// UserPosition is a user's reward bookkeeping in one pool. Shares are read
// from the vault; RewardDebt is shares*acc/1e18 as of the last interaction.
type UserPosition struct {
	Shares     *big.Int `rlp:"-"`
	RewardDebt *big.Int
	Paid       *big.Int
}

func (p *UserPosition) normalize() {
	if p.RewardDebt == nil {
		p.RewardDebt = big.NewInt(0)
	}
	if p.Paid == nil {
		p.Paid = big.NewInt(0)
	}
	if p.Shares == nil {
		p.Shares = big.NewInt(0)
	}
}

// Distributor mints the reward asset every block and splits it across pools
// by weighing. Within a pool rewards accrue per share through a 1e18-scaled
// accumulator. Every exported mutating call runs atomically against state.
type Distributor struct {
	address     common.Address
	rewardAsset common.Address
	state       distributorState
	token       RewardToken
	clock       nativecommon.HeightSource
	access      *nativecommon.AccessControl
	referrals   ReferralLedger
	vaults      map[common.Address]Vault
	emitter     events.Emitter
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.DistributorMetrics
}

// NewDistributor constructs the distributor at address. The configuration
// is persisted on first construction; an existing one is kept.
func NewDistributor(address, rewardAsset common.Address, state distributorState, token RewardToken, clock nativecommon.HeightSource, access *nativecommon.AccessControl, params Params, opts Options) (*Distributor, error) {
	if address == (common.Address{}) || rewardAsset == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	if params.ReferralCommissionBps > MaxReferralCommissionBps {
		return nil, fmt.Errorf("%w: %d > %d", ErrCommissionCap, params.ReferralCommissionBps, MaxReferralCommissionBps)
	}
	if params.RewardRatePerBlock != nil && params.RewardRatePerBlock.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("archimedes/distributor")
	}
	d := &Distributor{
		address:     address,
		rewardAsset: rewardAsset,
		state:       state,
		token:       token,
		clock:       clock,
		access:      access,
		referrals:   opts.Referrals,
		vaults:      make(map[common.Address]Vault),
		emitter:     emitter,
		logger:      logger.With(slog.String("component", moduleName)),
		tracer:      tracer,
		metrics:     metrics.Distributor(),
	}
	existing := new(Config)
	ok, err := state.KVGet(configKey(), existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		cfg := &Config{
			RewardRatePerBlock:    nativecommon.Copy(params.RewardRatePerBlock),
			StartHeight:           params.StartHeight,
			ReferralCommissionBps: params.ReferralCommissionBps,
		}
		if err := state.KVPut(configKey(), cfg); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func configKey() []byte {
	return []byte("distributor/config")
}

func poolKey(pid uint64) []byte {
	return []byte(fmt.Sprintf("distributor/pool/%d", pid))
}

func vaultIndexKey(vault common.Address) []byte {
	return []byte(fmt.Sprintf("distributor/vault/%s", vault.Hex()))
}

func positionKey(pid uint64, user common.Address) []byte {
	return []byte(fmt.Sprintf("distributor/position/%d/%s", pid, user.Hex()))
}

// Address returns the distributor's account address.
func (d *Distributor) Address() common.Address { return d.address }

// RewardAsset returns the asset minted as reward.
func (d *Distributor) RewardAsset() common.Address { return d.rewardAsset }

func (d *Distributor) height() uint64 {
	if d.clock == nil {
		return 0
	}
	return d.clock.Height()
}

// run executes fn atomically. Events buffered during a successful call are
// forwarded to the emitter; a failed call leaves no writes and no events.
func (d *Distributor) run(ctx context.Context, op string, fn func() error, attrs ...attribute.KeyValue) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := d.tracer.Start(ctx, moduleName+"."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observability.ModuleMetrics().Observe(moduleName, op, err, time.Since(start))
	}()
	if err = d.state.Atomic(fn); err != nil {
		return err
	}
	d.flush()
	return nil
}

func (d *Distributor) flush() {
	for _, ev := range d.state.DrainEvents() {
		observability.Events().RecordEvent(ev.EventType())
		d.emitter.Emit(ev)
	}
}

// Config returns the persisted configuration.
func (d *Distributor) Config() (*Config, error) {
	cfg := new(Config)
	if _, err := d.state.KVGet(configKey(), cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (d *Distributor) storeConfig(cfg *Config) error {
	return d.state.KVPut(configKey(), cfg)
}

// PoolCount returns the number of registered pools.
func (d *Distributor) PoolCount() (uint64, error) {
	cfg, err := d.Config()
	if err != nil {
		return 0, err
	}
	return cfg.PoolCount, nil
}

// Pool returns the stored pool.
func (d *Distributor) Pool(pid uint64) (*Pool, error) {
	pool := new(Pool)
	ok, err := d.state.KVGet(poolKey(pid), pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, pid)
	}
	pool.normalize()
	return pool, nil
}

func (d *Distributor) storePool(pool *Pool) error {
	return d.state.KVPut(poolKey(pool.ID), pool)
}

// PoolOf returns the pool id registered for the vault.
func (d *Distributor) PoolOf(vault common.Address) (uint64, error) {
	var slot uint64
	ok, err := d.state.KVGet(vaultIndexKey(vault), &slot)
	if err != nil {
		return 0, err
	}
	if !ok || slot == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPool, vault.Hex())
	}
	return slot - 1, nil
}

func (d *Distributor) vaultOf(pool *Pool) (Vault, error) {
	vault, ok := d.vaults[pool.Vault]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, pool.Vault.Hex())
	}
	return vault, nil
}

// Attach binds the in-process handle of a vault whose pool is already
// registered in state and returns the pool id.
func (d *Distributor) Attach(vault Vault) (uint64, error) {
	if vault == nil {
		return 0, ErrInvalidAddress
	}
	pid, err := d.PoolOf(vault.Address())
	if err != nil {
		return 0, err
	}
	d.vaults[vault.Address()] = vault
	return pid, nil
}

// Position returns the user's bookkeeping in the pool with live shares.
func (d *Distributor) Position(pid uint64, user common.Address) (*UserPosition, error) {
	pool, err := d.Pool(pid)
	if err != nil {
		return nil, err
	}
	vault, err := d.vaultOf(pool)
	if err != nil {
		return nil, err
	}
	pos, err := d.position(pid, user)
	if err != nil {
		return nil, err
	}
	if pos.Shares, err = vault.BalanceOf(user); err != nil {
		return nil, err
	}
	return pos, nil
}

func (d *Distributor) position(pid uint64, user common.Address) (*UserPosition, error) {
	pos := new(UserPosition)
	if _, err := d.state.KVGet(positionKey(pid, user), pos); err != nil {
		return nil, err
	}
	pos.normalize()
	return pos, nil
}

func (d *Distributor) storePosition(pid uint64, user common.Address, pos *UserPosition) error {
	return d.state.KVPut(positionKey(pid, user), pos)
}

// SetReferralLedger replaces the referral ledger. A nil ledger disables
// referral tracking and commissions.
func (d *Distributor) SetReferralLedger(caller common.Address, ledger ReferralLedger) error {
	if err := d.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	d.referrals = ledger
	return nil
}

func poolAttr(pid uint64) attribute.KeyValue {
	return attribute.Int64("pid", int64(pid))
}
