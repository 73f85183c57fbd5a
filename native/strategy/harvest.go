package strategy

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
	"archimedes/observability"
)

// HarvestLimiter spaces harvests at least minBlocks apart. Block heights are
// mapped onto a synthetic clock with one second per block so the limiter
// stays deterministic.
type HarvestLimiter struct {
	limiter *rate.Limiter
	epoch   time.Time
}

// NewHarvestLimiter allows one harvest every minBlocks blocks. Zero disables
// throttling and returns nil, which admits every harvest.
func NewHarvestLimiter(minBlocks uint64) *HarvestLimiter {
	if minBlocks == 0 {
		return nil
	}
	every := rate.Every(time.Duration(minBlocks) * time.Second)
	return &HarvestLimiter{limiter: rate.NewLimiter(every, 1), epoch: time.Unix(0, 0)}
}

func (h *HarvestLimiter) at(height uint64) time.Time {
	return h.epoch.Add(time.Duration(height) * time.Second)
}

// Ready reports whether a harvest at height would be admitted.
func (h *HarvestLimiter) Ready(height uint64) bool {
	if h == nil {
		return true
	}
	return h.limiter.TokensAt(h.at(height)) >= 1
}

// Consume records a completed harvest at height.
func (h *HarvestLimiter) Consume(height uint64) {
	if h == nil {
		return
	}
	h.limiter.AllowN(h.at(height), 1)
}

func (s *Strategy) height() uint64 {
	if s.clock == nil {
		return 0
	}
	return s.clock.Height()
}

// Harvest claims the market incentives, swaps them into want, sends the
// performance fee to the treasury and compounds the rest into the position.
// It returns the want compounded.
func (s *Strategy) Harvest(caller common.Address) (*big.Int, error) {
	if err := s.access.Require(nativecommon.RoleHarvester, caller); err != nil {
		return nil, err
	}
	height := s.height()
	if !s.limiter.Ready(height) {
		observability.ModuleMetrics().RecordThrottle("strategy", "harvest_interval")
		return nil, ErrHarvestThrottled
	}
	var compounded *big.Int
	err := s.state.Atomic(func() (err error) {
		compounded, err = s.harvest()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.limiter.Consume(height)
	return compounded, nil
}

func (s *Strategy) harvest() (*big.Int, error) {
	claimed, err := s.market.ClaimRewards(s.address, []common.Address{s.want})
	if err != nil {
		return nil, fmt.Errorf("strategy: claim rewards: %w", err)
	}
	reward := s.market.IncentiveAsset()
	harvested := big.NewInt(0)
	switch {
	case reward == s.want:
		harvested = nativecommon.Copy(claimed)
	case reward != (common.Address{}):
		if harvested, err = s.swapRewards(reward); err != nil {
			return nil, err
		}
	}

	fee := big.NewInt(0)
	treasury, err := s.Treasury()
	if err != nil {
		return nil, err
	}
	if harvested.Sign() > 0 && treasury != (common.Address{}) {
		feeBps, err := s.PerformanceFeeBps()
		if err != nil {
			return nil, err
		}
		if fee, err = nativecommon.Bps(harvested, feeBps); err != nil {
			return nil, err
		}
		if fee.Sign() > 0 {
			if err := s.token.Transfer(s.want, s.address, treasury, fee); err != nil {
				return nil, err
			}
		}
	}
	compounded := new(big.Int).Sub(harvested, fee)

	paused, err := s.Paused()
	if err != nil {
		return nil, err
	}
	if !paused && compounded.Sign() > 0 {
		params, err := s.Params()
		if err != nil {
			return nil, err
		}
		if err := s.deploy(params); err != nil {
			return nil, err
		}
	}
	s.metrics.ObserveHarvest(s.address.Hex(), compounded)
	s.state.AppendEvent(events.StrategyHarvested{
		Strategy:   s.address,
		Claimed:    claimed,
		Swapped:    harvested,
		Fee:        fee,
		Compounded: compounded,
	})
	s.logger.Info("strategy harvested",
		slog.String("claimed", claimed.String()),
		slog.String("fee", fee.String()),
		slog.String("compounded", compounded.String()))
	return compounded, nil
}

// swapRewards sells the whole reward balance for want along the configured
// route and returns the want received.
func (s *Strategy) swapRewards(reward common.Address) (*big.Int, error) {
	balance, err := s.token.BalanceOf(reward, s.address)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if s.exchange == nil {
		return nil, ErrNoExchange
	}
	route, err := s.Route()
	if err != nil {
		return nil, err
	}
	if len(route) == 0 {
		route = []common.Address{reward, s.want}
	}
	if route[0] != reward || route[len(route)-1] != s.want {
		return nil, ErrUnknownRoute
	}
	minOut := big.NewInt(0)
	if s.prices != nil {
		quote, err := s.prices.Convert(balance, reward, s.want)
		if err != nil {
			return nil, err
		}
		slippage, err := s.SlippageBps()
		if err != nil {
			return nil, err
		}
		if minOut, err = nativecommon.Bps(quote, nativecommon.BasisPoints-slippage); err != nil {
			return nil, err
		}
	}
	if err := s.token.Approve(reward, s.address, s.exchange.Address(), balance); err != nil {
		return nil, err
	}
	amounts, err := s.exchange.SwapExactTokensForTokens(s.address, balance, minOut, route)
	if err != nil {
		return nil, fmt.Errorf("strategy: swap rewards: %w", err)
	}
	return new(big.Int).Set(amounts[len(amounts)-1]), nil
}
