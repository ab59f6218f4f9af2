package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payoutmgr/core/events"
	"payoutmgr/core/types"
)

// Config captures the roles an engine is constructed with. Once state has
// been persisted, the stored roles take precedence over Config on reopen.
type Config struct {
	// Owner controls administration and, unless Issuer is pinned, signs cheques.
	Owner common.Address
	// Issuer optionally pins a signer distinct from the owner.
	Issuer common.Address
	// Account is the custody account whose treasury balance funds payouts.
	Account common.Address
	// Treasury is the initial asset store address.
	Treasury common.Address
}

// Payout describes a completed redemption.
type Payout struct {
	Treasury   common.Address
	Nonce      uint64
	Payee      common.Address
	Amount     *big.Int
	Signature  Signature
	RedeemedAt int64
}

// Option customises an Engine at construction.
type Option func(*Engine)

// WithStore persists nonces and roles into store instead of process memory.
func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithEmitter routes records to emitter, including those produced during
// construction.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.SetEmitter(emitter) }
}

// Recorder durably stores the audit record of a mutation before the
// mutation is reported. Retract drops the newest record when the mutation
// is rolled back.
type Recorder interface {
	Record(evt *types.Event) (uint64, error)
	Retract(seq uint64) error
}

type noopRecorder struct{}

func (noopRecorder) Record(*types.Event) (uint64, error) { return 0, nil }
func (noopRecorder) Retract(uint64) error                { return nil }

// WithRecorder journals every record before its mutation is committed. A
// record that cannot be stored fails the call.
func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithNowFunc overrides the clock stamped onto payouts.
func WithNowFunc(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// Engine authorizes and executes cheque redemptions against the active
// treasury. Mutations are serialized; queries may run concurrently. Emitters
// are invoked while the engine lock is held and must not call back into it.
type Engine struct {
	mu       sync.RWMutex
	store    Store
	nonces   *NonceLedger
	treasury *TreasuryRegistry
	access   AccessController
	issuer   common.Address
	emitter  events.Emitter
	recorder Recorder
	tracer   trace.Tracer
	nowFn    func() int64
}

// NewEngine opens an engine. A fresh store is initialised from cfg and
// records ownership_transferred followed by treasury_changed; a store that
// already carries state is resumed silently.
func NewEngine(ctx context.Context, cfg Config, resolver Resolver, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    NewMemoryStore(),
		emitter:  events.NoopEmitter{},
		recorder: noopRecorder{},
		tracer:   otel.Tracer("payoutmgr/payout"),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	registry, err := NewTreasuryRegistry(resolver, cfg.Account)
	if err != nil {
		return nil, err
	}
	e.treasury = registry
	e.nonces = NewNonceLedger(e.store)

	meta, ok, err := e.store.Meta()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := e.restore(ctx, meta); err != nil {
			return nil, err
		}
		return e, nil
	}

	if cfg.Owner == (common.Address{}) {
		return nil, ErrInvalidOwner
	}
	if _, err := e.treasury.Set(ctx, cfg.Treasury); err != nil {
		return nil, err
	}
	e.access = AccessController{owner: cfg.Owner}
	e.issuer = cfg.Issuer
	initial := []*types.Event{
		NewOwnershipTransferredEvent(common.Address{}, cfg.Owner),
		NewTreasuryChangedEvent(cfg.Treasury),
	}
	var seqs []uint64
	rollback := func(cause error) error {
		for i := len(seqs) - 1; i >= 0; i-- {
			if err := e.recorder.Retract(seqs[i]); err != nil {
				return errors.Join(cause, err)
			}
		}
		return cause
	}
	for _, record := range initial {
		seq, err := e.recorder.Record(record)
		if err != nil {
			return nil, rollback(fmt.Errorf("payout: record %s: %w", record.Type, err))
		}
		seqs = append(seqs, seq)
	}
	if err := e.persistMeta(); err != nil {
		return nil, rollback(err)
	}
	for _, record := range initial {
		e.emit(record)
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context, meta *Meta) error {
	if err := e.treasury.restore(ctx, meta.Treasury); err != nil {
		return fmt.Errorf("payout: restore treasury: %w", err)
	}
	e.access = AccessController{owner: meta.Owner, paused: meta.Paused}
	e.issuer = meta.Issuer
	return nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(payoutEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// commit journals record and then runs persist. The record is retracted if
// persist fails and reaches emitters only once both succeeded.
func (e *Engine) commit(record *types.Event, persist func() error) error {
	seq, err := e.recorder.Record(record)
	if err != nil {
		return fmt.Errorf("payout: record %s: %w", record.Type, err)
	}
	if err := persist(); err != nil {
		if rerr := e.recorder.Retract(seq); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	e.emit(record)
	return nil
}

func endSpan(span trace.Span, err error) {
	outcome := "success"
	if err != nil {
		outcome = "rejected"
		if errors.Is(err, ErrTransferUnconfirmed) {
			outcome = "unconfirmed"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
}

func (e *Engine) persistMeta() error {
	return e.store.PutMeta(&Meta{
		Owner:    e.access.Owner(),
		Issuer:   e.issuer,
		Treasury: e.treasury.Address(),
		Paused:   e.access.Paused(),
	})
}

// authorizedIssuer resolves the identity cheques must recover to. Callers
// hold e.mu.
func (e *Engine) authorizedIssuer() common.Address {
	if e.issuer != (common.Address{}) {
		return e.issuer
	}
	return e.access.Owner()
}

// Redeem pays amount to caller if sig is a cheque from the authorized issuer
// for caller's current nonce. Any verification failure is ErrChequeInvalid.
// The nonce is released again only when the treasury reports ErrNotSubmitted;
// any other transfer failure returns an UnconfirmedTransferError with the
// nonce consumed.
func (e *Engine) Redeem(ctx context.Context, caller common.Address, amount *big.Int, sig Signature) (paid *Payout, err error) {
	ctx, span := e.tracer.Start(ctx, "payout.redeem",
		trace.WithAttributes(attribute.String("payee", addrAttr(caller)), attribute.String("amount", bigString(amount))))
	defer func() {
		if paid != nil {
			span.SetAttributes(attribute.String("treasury", addrAttr(paid.Treasury)), attribute.Int64("nonce", int64(paid.Nonce)))
		}
		endSpan(span, err)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.access.Paused() {
		return nil, ErrPayoutsPaused
	}
	payee := caller
	expected, err := e.nonces.Current(payee)
	if err != nil {
		return nil, err
	}
	if !VerifyCheque(expected, payee, amount, sig, e.authorizedIssuer()) {
		return nil, ErrChequeInvalid
	}

	treasuryAddr, store := e.treasury.Active()
	available, err := store.BalanceOf(ctx, e.treasury.Account())
	if err != nil {
		return nil, fmt.Errorf("payout: treasury balance: %w", err)
	}
	if available == nil {
		available = new(big.Int)
	}
	if available.Cmp(amount) < 0 {
		return nil, &BalanceShortfallError{
			Available: new(big.Int).Set(available),
			Payee:     payee,
			Amount:    new(big.Int).Set(amount),
		}
	}

	result := &Payout{
		Treasury:   treasuryAddr,
		Nonce:      expected,
		Payee:      payee,
		Amount:     new(big.Int).Set(amount),
		Signature:  sig,
		RedeemedAt: e.now(),
	}
	record := NewPayedOutEvent(result)
	seq, err := e.recorder.Record(record)
	if err != nil {
		return nil, fmt.Errorf("payout: record %s: %w", record.Type, err)
	}
	if err := e.nonces.Advance(payee, expected); err != nil {
		if rerr := e.recorder.Retract(seq); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	if err := store.Transfer(ctx, e.treasury.Account(), payee, amount); err != nil {
		if !errors.Is(err, ErrNotSubmitted) {
			e.emit(record)
			return nil, &UnconfirmedTransferError{Payout: result, Err: err}
		}
		terr := fmt.Errorf("payout: treasury transfer: %w", err)
		if rerr := e.nonces.rewind(payee, expected); rerr != nil {
			return nil, errors.Join(terr, rerr)
		}
		if rerr := e.recorder.Retract(seq); rerr != nil {
			return nil, errors.Join(terr, rerr)
		}
		return nil, terr
	}
	e.emit(record)
	return result, nil
}

// VerifyOnly checks a cheque against caller-supplied values without
// touching engine state.
func (e *Engine) VerifyOnly(nonce uint64, payee common.Address, amount *big.Int, sig Signature, expectedIssuer common.Address) bool {
	return VerifyCheque(nonce, payee, amount, sig, expectedIssuer)
}

// Nonces returns the nonce the next cheque for payee must carry.
func (e *Engine) Nonces(payee common.Address) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nonces.Current(payee)
}

// TreasuryAddress returns the active treasury.
func (e *Engine) TreasuryAddress() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.treasury.Address()
}

// Balance returns the custody account's holdings in the active treasury.
func (e *Engine) Balance(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.treasury.Balance(ctx)
}

// Account returns the custody account.
func (e *Engine) Account() common.Address { return e.treasury.Account() }

// Paused reports whether redemptions are rejected.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.access.Paused()
}

// Owner returns the current owner, zero after renouncement.
func (e *Engine) Owner() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.access.Owner()
}

// Issuer returns the identity cheques must currently recover to.
func (e *Engine) Issuer() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authorizedIssuer()
}

// SetTreasury switches payouts to candidate. Outstanding cheques are not
// bound to a treasury and will be paid from candidate.
func (e *Engine) SetTreasury(ctx context.Context, caller, candidate common.Address) (err error) {
	ctx, span := e.tracer.Start(ctx, "payout.set_treasury",
		trace.WithAttributes(attribute.String("caller", addrAttr(caller)), attribute.String("treasury", addrAttr(candidate))))
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.access.authorize(caller); err != nil {
		return err
	}
	prevAddr, prevStore := e.treasury.Active()
	if _, err := e.treasury.Set(ctx, candidate); err != nil {
		return err
	}
	if err := e.commit(NewTreasuryChangedEvent(candidate), e.persistMeta); err != nil {
		e.treasury.swap(prevAddr, prevStore)
		return err
	}
	return nil
}

// Pause stops redemptions.
func (e *Engine) Pause(caller common.Address) error {
	return e.mutateAccess("payout.pause", caller, func(a *AccessController) error { return a.pause(caller) }, func() *types.Event {
		return NewPausedEvent(caller)
	})
}

// Unpause resumes redemptions.
func (e *Engine) Unpause(caller common.Address) error {
	return e.mutateAccess("payout.unpause", caller, func(a *AccessController) error { return a.unpause(caller) }, func() *types.Event {
		return NewUnpausedEvent(caller)
	})
}

// TransferOwnership hands administration to next.
func (e *Engine) TransferOwnership(caller, next common.Address) error {
	var previous common.Address
	return e.mutateAccess("payout.transfer_ownership", caller, func(a *AccessController) error {
		var err error
		previous, err = a.transferOwnership(caller, next)
		return err
	}, func() *types.Event {
		return NewOwnershipTransferredEvent(previous, next)
	})
}

// RenounceOwnership leaves the engine without an owner. Administration is
// permanently disabled and, without a pinned issuer, no cheque verifies again.
func (e *Engine) RenounceOwnership(caller common.Address) error {
	var previous common.Address
	return e.mutateAccess("payout.renounce_ownership", caller, func(a *AccessController) error {
		var err error
		previous, err = a.renounceOwnership(caller)
		return err
	}, func() *types.Event {
		return NewOwnershipTransferredEvent(previous, common.Address{})
	})
}

func (e *Engine) mutateAccess(op string, caller common.Address, apply func(*AccessController) error, record func() *types.Event) (err error) {
	_, span := e.tracer.Start(context.Background(), op, trace.WithAttributes(attribute.String("caller", addrAttr(caller))))
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.access
	if err := apply(&e.access); err != nil {
		return err
	}
	if err := e.commit(record(), e.persistMeta); err != nil {
		e.access = prev
		return err
	}
	return nil
}
