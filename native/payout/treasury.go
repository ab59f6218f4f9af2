package payout

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AssetStore is a fungible token ledger the engine pays out of.
type AssetStore interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Resolver maps a treasury address onto the asset store living there. It
// fails for addresses that do not host an asset store.
type Resolver interface {
	Resolve(ctx context.Context, addr common.Address) (AssetStore, error)
}

// TreasuryRegistry holds the single currently active treasury along with the
// custody account whose balance in it funds payouts.
type TreasuryRegistry struct {
	mu       sync.RWMutex
	resolver Resolver
	account  common.Address
	addr     common.Address
	store    AssetStore
}

// NewTreasuryRegistry returns an empty registry. Call Set or restore before use.
func NewTreasuryRegistry(resolver Resolver, account common.Address) (*TreasuryRegistry, error) {
	if resolver == nil {
		return nil, errors.New("payout: treasury resolver required")
	}
	if account == (common.Address{}) {
		return nil, errors.New("payout: custody account required")
	}
	return &TreasuryRegistry{resolver: resolver, account: account}, nil
}

// Account returns the custody account.
func (r *TreasuryRegistry) Account() common.Address { return r.account }

// Active returns the current treasury address and its store.
func (r *TreasuryRegistry) Active() (common.Address, AssetStore) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addr, r.store
}

// Address returns the current treasury address.
func (r *TreasuryRegistry) Address() common.Address {
	addr, _ := r.Active()
	return addr
}

// Balance returns the custody account's holdings in the active treasury.
func (r *TreasuryRegistry) Balance(ctx context.Context) (*big.Int, error) {
	_, store := r.Active()
	if store == nil {
		return nil, ErrTreasuryInvalid
	}
	balance, err := store.BalanceOf(ctx, r.account)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(balance), nil
}

// Set validates candidate and makes it the active treasury. The active
// treasury is reported as ErrTreasuryAlreadyInUse even when drained; any
// other candidate must host an asset store holding a non-zero balance for
// the custody account.
func (r *TreasuryRegistry) Set(ctx context.Context, candidate common.Address) (AssetStore, error) {
	if r.isActive(candidate) {
		return nil, &TreasuryError{Err: ErrTreasuryAlreadyInUse, Treasury: candidate}
	}
	store, err := r.validate(ctx, candidate)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil && r.addr == candidate {
		return nil, &TreasuryError{Err: ErrTreasuryAlreadyInUse, Treasury: candidate}
	}
	r.addr = candidate
	r.store = store
	return store, nil
}

func (r *TreasuryRegistry) isActive(candidate common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store != nil && r.addr == candidate
}

// restore reattaches a previously accepted treasury without the emptiness
// check; a drained treasury is still the active one.
func (r *TreasuryRegistry) restore(ctx context.Context, addr common.Address) error {
	if addr == (common.Address{}) {
		return &TreasuryError{Err: ErrTreasuryInvalid, Treasury: addr}
	}
	store, err := r.resolver.Resolve(ctx, addr)
	if err != nil || store == nil {
		return &TreasuryError{Err: ErrTreasuryInvalid, Treasury: addr}
	}
	r.mu.Lock()
	r.addr = addr
	r.store = store
	r.mu.Unlock()
	return nil
}

// swap installs a previously validated store; used to undo Set when
// persisting the change fails.
func (r *TreasuryRegistry) swap(addr common.Address, store AssetStore) {
	r.mu.Lock()
	r.addr = addr
	r.store = store
	r.mu.Unlock()
}

func (r *TreasuryRegistry) validate(ctx context.Context, candidate common.Address) (AssetStore, error) {
	if candidate == (common.Address{}) {
		return nil, &TreasuryError{Err: ErrTreasuryInvalid, Treasury: candidate}
	}
	store, err := r.resolver.Resolve(ctx, candidate)
	if err != nil || store == nil {
		return nil, &TreasuryError{Err: ErrTreasuryInvalid, Treasury: candidate}
	}
	balance, err := store.BalanceOf(ctx, r.account)
	if err != nil {
		return nil, &TreasuryError{Err: ErrTreasuryInvalid, Treasury: candidate}
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, &TreasuryError{Err: ErrTreasuryEmpty, Treasury: candidate}
	}
	return store, nil
}
