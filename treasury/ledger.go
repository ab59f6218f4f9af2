package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"payoutmgr/native/payout"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's holdings.
	ErrInsufficientBalance = errors.New("treasury: insufficient balance")
	// ErrNotAssetStore is returned by resolvers for addresses that host no token.
	ErrNotAssetStore = errors.New("treasury: address is not an asset store")
	errInvalidAmount = errors.New("treasury: amount must be non-negative")
)

// DefaultDecimals matches the usual ERC-20 precision.
const DefaultDecimals = 18

// Ledger is an in-process fungible token.
type Ledger struct {
	mu       sync.RWMutex
	name     string
	symbol   string
	decimals uint8
	supply   *big.Int
	balances map[common.Address]*big.Int
}

// NewLedger deploys a token that mints whole*10^decimals units to owner.
func NewLedger(owner common.Address, name, symbol string, whole int64) *Ledger {
	l := &Ledger{
		name:     name,
		symbol:   symbol,
		decimals: DefaultDecimals,
		supply:   new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
	if whole > 0 {
		minted := new(big.Int).Mul(big.NewInt(whole), Unit(DefaultDecimals))
		_ = l.Mint(owner, minted)
	}
	return l
}

// Unit returns 10^decimals.
func Unit(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func (l *Ledger) Name() string    { return l.name }
func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

// TotalSupply returns the minted amount.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}

// Mint credits amount to holder.
func (l *Ledger) Mint(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] = new(big.Int).Add(l.balanceLocked(holder), amount)
	l.supply.Add(l.supply, amount)
	return nil
}

func (l *Ledger) balanceLocked(holder common.Address) *big.Int {
	if bal, ok := l.balances[holder]; ok {
		return bal
	}
	return new(big.Int)
}

// BalanceOf returns holder's balance.
func (l *Ledger) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(holder)), nil
}

// Transfer moves amount from one holder to another. Transfers are atomic, so
// every failure is tagged payout.ErrNotSubmitted.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return payout.NotSubmitted(err)
	}
	if amount == nil || amount.Sign() < 0 {
		return payout.NotSubmitted(errInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return payout.NotSubmitted(fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), src, amount))
	}
	l.balances[from] = new(big.Int).Sub(src, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

// Directory resolves deployed ledgers by address.
type Directory struct {
	mu      sync.RWMutex
	ledgers map[common.Address]*Ledger
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{ledgers: make(map[common.Address]*Ledger)}
}

// Deploy registers ledger at addr, replacing any previous registration.
func (d *Directory) Deploy(addr common.Address, ledger *Ledger) error {
	if addr == (common.Address{}) {
		return errors.New("treasury: cannot deploy at the zero address")
	}
	if ledger == nil {
		return errors.New("treasury: nil ledger")
	}
	d.mu.Lock()
	d.ledgers[addr] = ledger
	d.mu.Unlock()
	return nil
}

// Ledger returns the ledger at addr.
func (d *Directory) Ledger(addr common.Address) (*Ledger, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ledger, ok := d.ledgers[addr]
	return ledger, ok
}

// Resolve implements payout.Resolver.
func (d *Directory) Resolve(_ context.Context, addr common.Address) (payout.AssetStore, error) {
	ledger, ok := d.Ledger(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAssetStore, addr.Hex())
	}
	return ledger, nil
}
