package payout

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrChequeInvalid is the single failure surfaced for any cheque that does
	// not verify against the authorized issuer: wrong amount, wrong payee,
	// wrong or replayed nonce and corrupted signatures all collapse here.
	ErrChequeInvalid = errors.New("payout: cheque invalid")
	// ErrPayoutsPaused indicates a redemption was attempted while paused.
	ErrPayoutsPaused = errors.New("payout: payouts paused")
	// ErrTreasuryBalanceNotEnough indicates a valid cheque exceeds the funds held
	// in the active treasury. See BalanceShortfallError for the numbers.
	ErrTreasuryBalanceNotEnough = errors.New("payout: treasury balance not enough")
	// ErrTreasuryInvalid indicates the candidate is not a usable asset store.
	ErrTreasuryInvalid = errors.New("payout: treasury invalid")
	// ErrTreasuryEmpty indicates the candidate holds no funds for the custody account.
	ErrTreasuryEmpty = errors.New("payout: treasury empty")
	// ErrTreasuryAlreadyInUse indicates the candidate is already the active treasury.
	ErrTreasuryAlreadyInUse = errors.New("payout: treasury already in use")
	// ErrUnauthorized indicates an administrative call by someone other than the owner.
	ErrUnauthorized = errors.New("payout: unauthorized account")
	// ErrInvalidOwner indicates an ownership change towards the null identity.
	ErrInvalidOwner = errors.New("payout: invalid owner")
	// ErrAlreadyPaused is returned by Pause when payouts are already paused.
	ErrAlreadyPaused = errors.New("payout: already paused")
	// ErrNotPaused is returned by Unpause when payouts are active.
	ErrNotPaused = errors.New("payout: not paused")
	// ErrInvalidSignature indicates the signature bytes do not recover to any
	// identity. It never leaves the engine on the redemption path.
	ErrInvalidSignature = errors.New("payout: invalid signature")
	// ErrNonceMismatch indicates a nonce advance whose expectation was stale.
	ErrNonceMismatch = errors.New("payout: nonce mismatch")
	// ErrInvalidAmount indicates an amount outside the unsigned 256-bit range.
	ErrInvalidAmount = errors.New("payout: invalid amount")
	// ErrNotSubmitted marks an AssetStore.Transfer failure that moved no
	// funds. Only such failures release the nonce a redemption reserved.
	ErrNotSubmitted = errors.New("payout: transfer not submitted")
	// ErrTransferUnconfirmed indicates a transfer that may have executed. The
	// cheque's nonce stays consumed.
	ErrTransferUnconfirmed = errors.New("payout: transfer unconfirmed")
)

// NotSubmitted tags err as a transfer failure that moved no funds.
func NotSubmitted(err error) error {
	if err == nil || errors.Is(err, ErrNotSubmitted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotSubmitted, err)
}

// UnconfirmedTransferError carries a redemption whose nonce was consumed
// while the transfer outcome is unknown.
type UnconfirmedTransferError struct {
	Payout *Payout
	Err    error
}

func (e *UnconfirmedTransferError) Error() string {
	return fmt.Sprintf("%s: nonce %d for %s: %v", ErrTransferUnconfirmed, e.Payout.Nonce, e.Payout.Payee.Hex(), e.Err)
}

// Unwrap allows errors.Is against ErrTransferUnconfirmed and the store error.
func (e *UnconfirmedTransferError) Unwrap() []error { return []error{ErrTransferUnconfirmed, e.Err} }

// BalanceShortfallError reports a cryptographically valid cheque that the
// active treasury cannot cover.
type BalanceShortfallError struct {
	Available *big.Int
	Payee     common.Address
	Amount    *big.Int
}

func (e *BalanceShortfallError) Error() string {
	return fmt.Sprintf("%s: available %s, payee %s, amount %s",
		ErrTreasuryBalanceNotEnough, bigString(e.Available), e.Payee.Hex(), bigString(e.Amount))
}

// Unwrap allows errors.Is(err, ErrTreasuryBalanceNotEnough).
func (e *BalanceShortfallError) Unwrap() error { return ErrTreasuryBalanceNotEnough }

// TreasuryError carries the rejected treasury candidate alongside the reason.
type TreasuryError struct {
	Err      error
	Treasury common.Address
}

func (e *TreasuryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Treasury.Hex())
}

func (e *TreasuryError) Unwrap() error { return e.Err }

// UnauthorizedError names the account that attempted an owner-only call.
type UnauthorizedError struct {
	Account common.Address
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnauthorized, e.Account.Hex())
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
