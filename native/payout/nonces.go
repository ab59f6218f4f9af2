package payout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceLedger tracks the next redeemable nonce per payee. Nonces only ever
// move forward by one through a compare-and-increment.
type NonceLedger struct {
	mu    sync.Mutex
	store Store
}

// NewNonceLedger returns a ledger persisting into store.
func NewNonceLedger(store Store) *NonceLedger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &NonceLedger{store: store}
}

// Current returns the nonce the next cheque for payee must carry. Payees
// that never redeemed start at zero.
func (l *NonceLedger) Current(payee common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Nonce(payee)
}

// Advance moves payee from expected to expected+1. It fails without effect
// when the stored nonce differs from expected.
func (l *NonceLedger) Advance(payee common.Address, expected uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.store.Nonce(payee)
	if err != nil {
		return err
	}
	if current != expected {
		return fmt.Errorf("%w: payee %s at %d, expected %d", ErrNonceMismatch, payee.Hex(), current, expected)
	}
	if current == ^uint64(0) {
		return errors.New("payout: nonce space exhausted")
	}
	return l.store.PutNonce(payee, current+1)
}

// rewind undoes an Advance from advanced when the paired transfer failed.
func (l *NonceLedger) rewind(payee common.Address, advanced uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.store.Nonce(payee)
	if err != nil {
		return err
	}
	if current != advanced+1 {
		return fmt.Errorf("%w: cannot rewind payee %s from %d", ErrNonceMismatch, payee.Hex(), current)
	}
	return l.store.PutNonce(payee, advanced)
}
