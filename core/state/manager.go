package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"archimedes/core/events"
	"archimedes/storage"
)

// Manager is the journaled key/value view shared by every component of the
// aggregator. Writes stay in memory until Commit flushes them to the backing
// database, and every write is journaled so a failed top-level call can be
// rolled back with RevertToSnapshot.
//
// Manager is not safe for concurrent use.
type Manager struct {
	db      storage.Database
	dirty   map[string]dirtyValue
	journal []journalEntry
	events  []events.Event
}

type dirtyValue struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    dirtyValue
	existed bool
	event   bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Manager{
		db:    db,
		dirty: make(map[string]dirtyValue),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut encodes the value with RLP and stores it under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.write(string(kvKey(key)), dirtyValue{value: encoded})
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(string(kvKey(key)))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.write(string(kvKey(key)), dirtyValue{deleted: true})
	return nil
}

func (m *Manager) read(hashed string) ([]byte, error) {
	if entry, ok := m.dirty[hashed]; ok {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	data, err := m.db.Get([]byte(hashed))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) write(hashed string, value dirtyValue) {
	prev, existed := m.dirty[hashed]
	m.journal = append(m.journal, journalEntry{key: hashed, prev: prev, existed: existed})
	m.dirty[hashed] = value
}

// AppendEvent buffers an event. Buffered events follow the journal, so events
// emitted inside a reverted call are dropped with the rest of its writes.
func (m *Manager) AppendEvent(ev events.Event) {
	if ev == nil {
		return
	}
	m.events = append(m.events, ev)
	m.journal = append(m.journal, journalEntry{event: true})
}

// DrainEvents returns the buffered events and clears the buffer.
func (m *Manager) DrainEvents() []events.Event {
	out := m.events
	m.events = nil
	return out
}

// Snapshot returns an identifier for the current journal position.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every write recorded after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.event {
			if len(m.events) > 0 {
				m.events = m.events[:len(m.events)-1]
			}
			continue
		}
		if entry.existed {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	if id < len(m.journal) {
		m.journal = m.journal[:id]
	}
}

// Atomic runs fn and reverts all of its writes when it returns an error. Calls
// nest: an inner failure only unwinds the inner writes unless the error is
// propagated.
func (m *Manager) Atomic(fn func() error) error {
	snap := m.Snapshot()
	if err := fn(); err != nil {
		m.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// Commit flushes pending writes to the backing database and resets the
// journal. Databases implementing storage.Batcher receive the whole set in
// one batch; others are written key by key in sorted order. Buffered events
// are left for DrainEvents.
func (m *Manager) Commit() error {
	keys := make([]string, 0, len(m.dirty))
	for key := range m.dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if batcher, ok := m.db.(storage.Batcher); ok {
		batch := new(storage.Batch)
		for _, key := range keys {
			if entry := m.dirty[key]; entry.deleted {
				batch.Delete([]byte(key))
			} else {
				batch.Put([]byte(key), entry.value)
			}
		}
		if err := batcher.Write(batch); err != nil {
			return fmt.Errorf("state: commit: %w", err)
		}
	} else {
		for _, key := range keys {
			entry := m.dirty[key]
			var err error
			if entry.deleted {
				err = m.db.Delete([]byte(key))
			} else {
				err = m.db.Put([]byte(key), entry.value)
			}
			if err != nil {
				return fmt.Errorf("state: commit: %w", err)
			}
		}
	}
	m.dirty = make(map[string]dirtyValue)
	m.journal = m.journal[:0]
	return nil
}

// Pending reports the number of uncommitted keys.
func (m *Manager) Pending() int {
	return len(m.dirty)
}
