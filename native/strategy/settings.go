package strategy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

// Pausable is implemented by strategies that can be halted by a guardian.
type Pausable interface {
	Paused() (bool, error)
	Pause(caller common.Address) error
	Unpause(caller common.Address) error
}

// FeeConfigurable is implemented by strategies that charge a performance fee.
type FeeConfigurable interface {
	PerformanceFeeBps() (uint64, error)
	SetPerformanceFee(caller common.Address, bps uint64) error
	Treasury() (common.Address, error)
	SetTreasury(caller, treasury common.Address) error
}

// SwapRoutable is implemented by strategies that swap harvested incentives
// into want.
type SwapRoutable interface {
	Route() ([]common.Address, error)
	SetRoute(caller common.Address, route []common.Address) error
	SlippageBps() (uint64, error)
	SetSlippage(caller common.Address, bps uint64) error
}

// settingsRecord is the persisted form of Settings.
type settingsRecord struct {
	Paused            bool
	Treasury          common.Address
	PerformanceFeeBps uint64
	SlippageBps       uint64
	Route             []common.Address
}

// Settings holds the administrative knobs shared by leverage strategies. The
// strategy exposes them through the capability interfaces by delegation.
type Settings struct {
	owner  common.Address
	state  strategyState
	access *nativecommon.AccessControl
}

func newSettings(owner common.Address, state strategyState, access *nativecommon.AccessControl) *Settings {
	return &Settings{owner: owner, state: state, access: access}
}

func (s *Settings) key() []byte {
	return []byte(fmt.Sprintf("strategy/settings/%s", s.owner.Hex()))
}

func (s *Settings) load() (*settingsRecord, error) {
	record := new(settingsRecord)
	if _, err := s.state.KVGet(s.key(), record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Settings) store(record *settingsRecord) error {
	return s.state.KVPut(s.key(), record)
}

// Paused reports whether the strategy is halted.
func (s *Settings) Paused() (bool, error) {
	record, err := s.load()
	if err != nil {
		return false, err
	}
	return record.Paused, nil
}

// setPaused flips the pause flag and reports whether it changed.
func (s *Settings) setPaused(paused bool) (bool, error) {
	record, err := s.load()
	if err != nil {
		return false, err
	}
	if record.Paused == paused {
		return false, nil
	}
	record.Paused = paused
	if err := s.store(record); err != nil {
		return false, err
	}
	s.state.AppendEvent(events.StrategyPaused{Strategy: s.owner, Paused: paused})
	return true, nil
}

// Pause halts the strategy. Admins and guardians may pause.
func (s *Settings) Pause(caller common.Address) error {
	if !s.access.HasRole(nativecommon.RoleGuardian, caller) {
		if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
			return err
		}
	}
	_, err := s.setPaused(true)
	return err
}

// PerformanceFeeBps returns the share of harvested want sent to the treasury.
func (s *Settings) PerformanceFeeBps() (uint64, error) {
	record, err := s.load()
	if err != nil {
		return 0, err
	}
	return record.PerformanceFeeBps, nil
}

// SetPerformanceFee updates the performance fee, capped at
// MaxPerformanceFeeBps.
func (s *Settings) SetPerformanceFee(caller common.Address, bps uint64) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if bps > MaxPerformanceFeeBps {
		return fmt.Errorf("%w: %d > %d", ErrPerformanceFeeCap, bps, MaxPerformanceFeeBps)
	}
	record, err := s.load()
	if err != nil {
		return err
	}
	previous := record.PerformanceFeeBps
	record.PerformanceFeeBps = bps
	if err := s.store(record); err != nil {
		return err
	}
	s.state.AppendEvent(events.FeeChanged{Component: s.owner, Kind: events.FeeKindPerformance, Previous: previous, Bps: bps})
	return nil
}

// Treasury returns the performance fee recipient.
func (s *Settings) Treasury() (common.Address, error) {
	record, err := s.load()
	if err != nil {
		return common.Address{}, err
	}
	return record.Treasury, nil
}

// SetTreasury updates the performance fee recipient.
func (s *Settings) SetTreasury(caller, treasury common.Address) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return ErrInvalidAddress
	}
	record, err := s.load()
	if err != nil {
		return err
	}
	previous := record.Treasury
	record.Treasury = treasury
	if err := s.store(record); err != nil {
		return err
	}
	s.state.AppendEvent(events.TreasuryChanged{Component: s.owner, Previous: previous, Treasury: treasury})
	return nil
}

// Route returns the configured swap path. An empty route means the strategy
// swaps directly from the incentive asset to want.
func (s *Settings) Route() ([]common.Address, error) {
	record, err := s.load()
	if err != nil {
		return nil, err
	}
	return append([]common.Address(nil), record.Route...), nil
}

// SetRoute stores the swap path. Paths need at least two hops and may not
// contain the zero address; endpoints are checked against the incentive and
// want assets at harvest time.
func (s *Settings) SetRoute(caller common.Address, route []common.Address) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if len(route) == 1 {
		return ErrUnknownRoute
	}
	for _, hop := range route {
		if hop == (common.Address{}) {
			return ErrInvalidAddress
		}
	}
	record, err := s.load()
	if err != nil {
		return err
	}
	record.Route = append([]common.Address(nil), route...)
	return s.store(record)
}

// SlippageBps returns the tolerated shortfall against the oracle quote.
func (s *Settings) SlippageBps() (uint64, error) {
	record, err := s.load()
	if err != nil {
		return 0, err
	}
	return record.SlippageBps, nil
}

// SetSlippage updates the tolerated swap slippage, capped at MaxSlippageBps.
func (s *Settings) SetSlippage(caller common.Address, bps uint64) error {
	if err := s.access.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if bps > MaxSlippageBps {
		return fmt.Errorf("%w: %d > %d", ErrSlippageTooHigh, bps, MaxSlippageBps)
	}
	record, err := s.load()
	if err != nil {
		return err
	}
	record.SlippageBps = bps
	return s.store(record)
}
