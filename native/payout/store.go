package payout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"payoutmgr/storage"
)

// Meta is the persisted snapshot of engine roles and switches.
type Meta struct {
	Owner    common.Address
	Issuer   common.Address
	Treasury common.Address
	Paused   bool
}

// Store persists nonces and engine metadata. Implementations must tolerate
// being called only while the engine holds its own lock; they need not be
// safe for concurrent writers of the same key.
type Store interface {
	Nonce(payee common.Address) (uint64, error)
	PutNonce(payee common.Address, nonce uint64) error
	// Meta returns the persisted snapshot and whether one existed.
	Meta() (*Meta, bool, error)
	PutMeta(meta *Meta) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	nonces map[common.Address]uint64
	meta   *Meta
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[common.Address]uint64)}
}

func (m *MemoryStore) Nonce(payee common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[payee], nil
}

func (m *MemoryStore) PutNonce(payee common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce == 0 {
		delete(m.nonces, payee)
		return nil
	}
	m.nonces[payee] = nonce
	return nil
}

func (m *MemoryStore) Meta() (*Meta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.meta == nil {
		return nil, false, nil
	}
	cp := *m.meta
	return &cp, true, nil
}

func (m *MemoryStore) PutMeta(meta *Meta) error {
	if meta == nil {
		return errors.New("payout: nil meta")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *meta
	m.meta = &cp
	return nil
}

const (
	nonceKeyPrefix = "payout/nonce/"
	metaKey        = "payout/meta"
)

// KVStore persists engine state into a storage.Database using RLP values.
type KVStore struct {
	db storage.Database
}

// NewKVStore wraps db.
func NewKVStore(db storage.Database) (*KVStore, error) {
	if db == nil {
		return nil, errors.New("payout: database required")
	}
	return &KVStore{db: db}, nil
}

func nonceKey(payee common.Address) []byte {
	return []byte(nonceKeyPrefix + strings.ToLower(payee.Hex()))
}

func (s *KVStore) Nonce(payee common.Address) (uint64, error) {
	raw, err := s.db.Get(nonceKey(payee))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("payout: load nonce: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("payout: corrupt nonce record for %s", payee.Hex())
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *KVStore) PutNonce(payee common.Address, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	if err := s.db.Put(nonceKey(payee), buf); err != nil {
		return fmt.Errorf("payout: store nonce: %w", err)
	}
	return nil
}

func (s *KVStore) Meta() (*Meta, bool, error) {
	raw, err := s.db.Get([]byte(metaKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("payout: load meta: %w", err)
	}
	meta := new(Meta)
	if err := rlp.DecodeBytes(raw, meta); err != nil {
		return nil, false, fmt.Errorf("payout: decode meta: %w", err)
	}
	return meta, true, nil
}

func (s *KVStore) PutMeta(meta *Meta) error {
	if meta == nil {
		return errors.New("payout: nil meta")
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("payout: encode meta: %w", err)
	}
	if err := s.db.Put([]byte(metaKey), encoded); err != nil {
		return fmt.Errorf("payout: store meta: %w", err)
	}
	return nil
}
