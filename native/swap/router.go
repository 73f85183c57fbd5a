package swap

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "archimedes/native/common"
)

var (
	ErrInvalidPath          = errors.New("swap: path must contain at least two assets")
	ErrInsufficientOutput   = errors.New("swap: output below minimum")
	ErrInsufficientReserves = errors.New("swap: router reserves exhausted")
	errInvalidAmountIn      = errors.New("swap: amount in must be positive")
	errFeeTooHigh           = errors.New("swap: fee exceeds 100%")
)

const moduleName = "swap"

// Bank moves assets in and out of the router's reserves.
type Bank interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

// Router executes oracle-priced swaps against reserves held at its address.
// Each hop is priced at the oracle rate less the router fee.
type Router struct {
	address common.Address
	bank    Bank
	oracle  *Oracle
	feeBps  uint64
	pauses  nativecommon.PauseView
}

// NewRouter constructs a router holding reserves at address.
func NewRouter(address common.Address, bank Bank, oracle *Oracle, feeBps uint64) (*Router, error) {
	if feeBps > nativecommon.BasisPoints {
		return nil, errFeeTooHigh
	}
	return &Router{address: address, bank: bank, oracle: oracle, feeBps: feeBps}, nil
}

// Address returns the router account.
func (r *Router) Address() common.Address { return r.address }

// FeeBps returns the per-hop fee.
func (r *Router) FeeBps() uint64 { return r.feeBps }

func (r *Router) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// GetAmountsOut quotes every hop of the path for amountIn.
func (r *Router) GetAmountsOut(amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	if !nativecommon.ValidAmount(amountIn) {
		return nil, errInvalidAmountIn
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			return nil, fmt.Errorf("%w: repeated hop %s", ErrInvalidPath, path[i].Hex())
		}
		converted, err := r.oracle.Convert(amounts[i-1], path[i-1], path[i])
		if err != nil {
			return nil, err
		}
		out, err := nativecommon.Bps(converted, nativecommon.BasisPoints-r.feeBps)
		if err != nil {
			return nil, err
		}
		amounts[i] = out
	}
	return amounts, nil
}

// SwapExactTokensForTokens pulls amountIn of path[0] from the caller (which
// must have approved the router) and pays the final hop's output from the
// router reserves. Fails when the output is below minOut.
func (r *Router) SwapExactTokensForTokens(caller common.Address, amountIn, minOut *big.Int, path []common.Address) ([]*big.Int, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	amounts, err := r.GetAmountsOut(amountIn, path)
	if err != nil {
		return nil, err
	}
	out := amounts[len(amounts)-1]
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, minOut)
	}
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero output", ErrInsufficientOutput)
	}
	assetOut := path[len(path)-1]
	reserves, err := r.bank.BalanceOf(assetOut, r.address)
	if err != nil {
		return nil, err
	}
	if reserves.Cmp(out) < 0 {
		return nil, ErrInsufficientReserves
	}
	if err := r.bank.TransferFrom(path[0], r.address, caller, r.address, amountIn); err != nil {
		return nil, err
	}
	if err := r.bank.Transfer(assetOut, r.address, caller, out); err != nil {
		return nil, err
	}
	return amounts, nil
}
