package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "archimedes/native/common"
)

var (
	ErrUnknownAsset          = errors.New("bank: unknown asset")
	ErrAssetExists           = errors.New("bank: asset already registered")
	ErrInvalidAmount         = errors.New("bank: amount must be positive")
	ErrInvalidAddress        = errors.New("bank: zero address")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrMaxSupplyExceeded     = errors.New("bank: max supply exceeded")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Asset captures the supply configuration of a registered token. A zero
// MaxSupply means the asset can be minted up to the 256-bit word limit.
type Asset struct {
	Symbol      string
	MaxSupply   *big.Int
	TotalSupply *big.Int
}

// Clone returns a deep copy of the asset record.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	return &Asset{
		Symbol:      a.Symbol,
		MaxSupply:   nativecommon.Copy(a.MaxSupply),
		TotalSupply: nativecommon.Copy(a.TotalSupply),
	}
}

func (a *Asset) cap() *big.Int {
	if a.MaxSupply == nil || a.MaxSupply.Sign() == 0 {
		return nativecommon.MaxUint256
	}
	return a.MaxSupply
}

// Ledger tracks balances and allowances for every asset the aggregator moves.
// Addresses of components (vaults, strategies, the distributor, the lending
// market) hold balances exactly like users do.
type Ledger struct {
	state ledgerState
}

// NewLedger constructs a ledger backed by the provided state accessor.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

func assetKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("bank/asset/%s", asset.Hex()))
}

func balanceKey(asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("bank/balance/%s/%s", asset.Hex(), holder.Hex()))
}

func allowanceKey(asset, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("bank/allowance/%s/%s/%s", asset.Hex(), owner.Hex(), spender.Hex()))
}

// RegisterAsset adds a new asset with the supplied supply cap.
func (l *Ledger) RegisterAsset(asset common.Address, symbol string, maxSupply *big.Int) error {
	if asset == (common.Address{}) {
		return ErrInvalidAddress
	}
	if maxSupply != nil && maxSupply.Sign() < 0 {
		return fmt.Errorf("bank: max supply must not be negative")
	}
	ok, err := l.state.KVGet(assetKey(asset), nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrAssetExists
	}
	record := &Asset{Symbol: symbol, MaxSupply: nativecommon.Copy(maxSupply), TotalSupply: big.NewInt(0)}
	return l.state.KVPut(assetKey(asset), record)
}

// Asset returns the stored asset record.
func (l *Ledger) Asset(asset common.Address) (*Asset, error) {
	record := new(Asset)
	ok, err := l.state.KVGet(assetKey(asset), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	record.MaxSupply = nativecommon.Copy(record.MaxSupply)
	record.TotalSupply = nativecommon.Copy(record.TotalSupply)
	return record, nil
}

// BalanceOf returns the holder's balance of the asset.
func (l *Ledger) BalanceOf(asset, holder common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := l.state.KVGet(balanceKey(asset, holder), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (l *Ledger) setBalance(asset, holder common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return l.state.KVDelete(balanceKey(asset, holder))
	}
	return l.state.KVPut(balanceKey(asset, holder), amount)
}

// TotalSupply returns the circulating supply of the asset.
func (l *Ledger) TotalSupply(asset common.Address) (*big.Int, error) {
	record, err := l.Asset(asset)
	if err != nil {
		return nil, err
	}
	return record.TotalSupply, nil
}

// MintableSupply returns how much more of the asset can be minted before the
// cap is reached.
func (l *Ledger) MintableSupply(asset common.Address) (*big.Int, error) {
	record, err := l.Asset(asset)
	if err != nil {
		return nil, err
	}
	return nativecommon.SubFloor(record.cap(), record.TotalSupply), nil
}

// Mint creates new units of the asset for the recipient. Requests above the
// remaining supply are rejected.
func (l *Ledger) Mint(asset, to common.Address, amount *big.Int) error {
	if !nativecommon.ValidAmount(amount) {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	record, err := l.Asset(asset)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(record.TotalSupply, amount)
	if total.Cmp(record.cap()) > 0 {
		return ErrMaxSupplyExceeded
	}
	balance, err := l.BalanceOf(asset, to)
	if err != nil {
		return err
	}
	record.TotalSupply = total
	if err := l.state.KVPut(assetKey(asset), record); err != nil {
		return err
	}
	return l.setBalance(asset, to, balance.Add(balance, amount))
}

// Transfer moves amount of the asset from one holder to another.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if !nativecommon.ValidAmount(amount) {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if _, err := l.Asset(asset); err != nil {
		return err
	}
	fromBalance, err := l.BalanceOf(asset, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance, amount)
	}
	if from == to {
		return nil
	}
	toBalance, err := l.BalanceOf(asset, to)
	if err != nil {
		return err
	}
	if err := l.setBalance(asset, from, fromBalance.Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.setBalance(asset, to, toBalance.Add(toBalance, amount))
}

// Approve sets the spender's allowance over the owner's balance.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() == 0 {
		return l.state.KVDelete(allowanceKey(asset, owner, spender))
	}
	if amount.Sign() < 0 || amount.BitLen() > 256 {
		return ErrInvalidAmount
	}
	return l.state.KVPut(allowanceKey(asset, owner, spender), amount)
}

// Allowance returns the amount the spender may still pull from the owner.
func (l *Ledger) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	allowance := new(big.Int)
	if _, err := l.state.KVGet(allowanceKey(asset, owner, spender), allowance); err != nil {
		return nil, err
	}
	return allowance, nil
}

// TransferFrom moves funds on behalf of the owner, consuming allowance. An
// allowance equal to the 256-bit maximum is treated as unlimited.
func (l *Ledger) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	if !nativecommon.ValidAmount(amount) {
		return ErrInvalidAmount
	}
	allowance, err := l.Allowance(asset, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s may spend %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowance, amount)
	}
	if allowance.Cmp(nativecommon.MaxUint256) != 0 {
		if err := l.Approve(asset, from, spender, allowance.Sub(allowance, amount)); err != nil {
			return err
		}
	}
	return l.Transfer(asset, from, to, amount)
}
