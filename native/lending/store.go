package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type engineState interface {
	GetReserve(asset common.Address) (*Reserve, error)
	PutReserve(reserve *Reserve) error
	ListReserves() ([]common.Address, error)
	GetPosition(asset, user common.Address) (*Position, error)
	PutPosition(asset, user common.Address, position *Position) error
}

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// KVStore persists lending reserves and positions in the shared key/value
// state.
type KVStore struct {
	kv kvState
}

// NewKVStore wraps the supplied key/value accessor.
func NewKVStore(kv kvState) *KVStore {
	return &KVStore{kv: kv}
}

var reserveListKey = []byte("lending/reserves")

func reserveKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("lending/reserve/%s", asset.Hex()))
}

func positionKey(asset, user common.Address) []byte {
	return []byte(fmt.Sprintf("lending/position/%s/%s", asset.Hex(), user.Hex()))
}

// GetReserve returns the stored reserve or nil when the asset is not listed.
func (s *KVStore) GetReserve(asset common.Address) (*Reserve, error) {
	reserve := new(Reserve)
	ok, err := s.kv.KVGet(reserveKey(asset), reserve)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	reserve.normalize()
	return reserve, nil
}

// PutReserve stores the reserve, appending it to the reserve list when new.
func (s *KVStore) PutReserve(reserve *Reserve) error {
	if reserve == nil {
		return fmt.Errorf("lending: nil reserve")
	}
	exists, err := s.kv.KVGet(reserveKey(reserve.Asset), nil)
	if err != nil {
		return err
	}
	if !exists {
		list, err := s.ListReserves()
		if err != nil {
			return err
		}
		list = append(list, reserve.Asset)
		if err := s.kv.KVPut(reserveListKey, list); err != nil {
			return err
		}
	}
	return s.kv.KVPut(reserveKey(reserve.Asset), reserve)
}

// ListReserves returns the listed assets in listing order.
func (s *KVStore) ListReserves() ([]common.Address, error) {
	var list []common.Address
	if _, err := s.kv.KVGet(reserveListKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetPosition returns the account's position, zero-valued when absent.
func (s *KVStore) GetPosition(asset, user common.Address) (*Position, error) {
	position := new(Position)
	if _, err := s.kv.KVGet(positionKey(asset, user), position); err != nil {
		return nil, err
	}
	position.normalize()
	return position, nil
}

// PutPosition stores the position, deleting it once it is fully closed.
func (s *KVStore) PutPosition(asset, user common.Address, position *Position) error {
	if position == nil || (position.SupplyShares.Sign() == 0 && position.ScaledDebt.Sign() == 0 && position.AccruedIncentives.Sign() == 0) {
		return s.kv.KVDelete(positionKey(asset, user))
	}
	return s.kv.KVPut(positionKey(asset, user), position)
}
