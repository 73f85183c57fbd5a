package swap

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "archimedes/native/common"
)

// PriceQuote captures the price of an asset in the oracle's quote unit along
// with the height it was reported at and the feeder identifier.
type PriceQuote struct {
	Rate   *big.Rat
	Height uint64
	Source string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Height: q.Height, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// ErrNoFreshQuote indicates that the oracle has no quote within the configured
// freshness window.
var ErrNoFreshQuote = errors.New("swap: no fresh oracle quote available")

var (
	errInvalidRate = errors.New("swap: oracle rate must be positive")
	errNilState    = errors.New("swap: state not configured")
)

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

type storedQuote struct {
	Num    *big.Int
	Den    *big.Int
	Height uint64
	Source string
}

// Oracle is a height-keyed price feed. Quotes older than MaxAgeBlocks are
// rejected with ErrNoFreshQuote.
type Oracle struct {
	state        kvState
	clock        nativecommon.HeightSource
	access       *nativecommon.AccessControl
	maxAgeBlocks uint64
}

// NewOracle constructs an oracle persisting quotes in the supplied state.
func NewOracle(state kvState, clock nativecommon.HeightSource, access *nativecommon.AccessControl, maxAgeBlocks uint64) *Oracle {
	return &Oracle{state: state, clock: clock, access: access, maxAgeBlocks: maxAgeBlocks}
}

// SetMaxAge updates the freshness window used when reading quotes. Zero
// disables the staleness check.
func (o *Oracle) SetMaxAge(blocks uint64) { o.maxAgeBlocks = blocks }

// MaxAge returns the freshness window in blocks.
func (o *Oracle) MaxAge() uint64 { return o.maxAgeBlocks }

func quoteKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("swap/oracle/%s", asset.Hex()))
}

func (o *Oracle) height() uint64 {
	if o.clock == nil {
		return 0
	}
	return o.clock.Height()
}

// SetPrice records a new quote for the asset at the current height.
func (o *Oracle) SetPrice(caller, asset common.Address, rate *big.Rat, source string) error {
	if o == nil || o.state == nil {
		return errNilState
	}
	if err := o.access.Require(nativecommon.RoleOracle, caller); err != nil {
		return err
	}
	if rate == nil || rate.Sign() <= 0 {
		return errInvalidRate
	}
	stored := storedQuote{
		Num:    new(big.Int).Set(rate.Num()),
		Den:    new(big.Int).Set(rate.Denom()),
		Height: o.height(),
		Source: source,
	}
	return o.state.KVPut(quoteKey(asset), stored)
}

// LatestPrice returns the most recent quote, rejecting stale entries.
func (o *Oracle) LatestPrice(asset common.Address) (PriceQuote, error) {
	if o == nil || o.state == nil {
		return PriceQuote{}, errNilState
	}
	var stored storedQuote
	ok, err := o.state.KVGet(quoteKey(asset), &stored)
	if err != nil {
		return PriceQuote{}, err
	}
	if !ok || stored.Den == nil || stored.Den.Sign() == 0 {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrNoFreshQuote, asset.Hex())
	}
	if o.maxAgeBlocks > 0 && o.height() > stored.Height && o.height()-stored.Height > o.maxAgeBlocks {
		return PriceQuote{}, fmt.Errorf("%w: %s quoted at %d", ErrNoFreshQuote, asset.Hex(), stored.Height)
	}
	return PriceQuote{
		Rate:   new(big.Rat).SetFrac(stored.Num, stored.Den),
		Height: stored.Height,
		Source: stored.Source,
	}, nil
}

// Price returns the fresh rate of the asset.
func (o *Oracle) Price(asset common.Address) (*big.Rat, error) {
	quote, err := o.LatestPrice(asset)
	if err != nil {
		return nil, err
	}
	return quote.Rate, nil
}

// Convert values amountIn of `from` in units of `to` at fresh oracle prices,
// rounding down.
func (o *Oracle) Convert(amountIn *big.Int, from, to common.Address) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if from == to {
		return new(big.Int).Set(amountIn), nil
	}
	fromRate, err := o.Price(from)
	if err != nil {
		return nil, err
	}
	toRate, err := o.Price(to)
	if err != nil {
		return nil, err
	}
	value := new(big.Rat).Mul(new(big.Rat).SetInt(amountIn), fromRate)
	value.Quo(value, toRate)
	return new(big.Int).Quo(value.Num(), value.Denom()), nil
}
