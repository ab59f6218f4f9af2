package payout

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"payoutmgr/core/types"
)

const (
	EventTypePayedOut             = "payout.payed_out"
	EventTypeTreasuryChanged      = "payout.treasury_changed"
	EventTypeOwnershipTransferred = "payout.ownership_transferred"
	EventTypePaused               = "payout.paused"
	EventTypeUnpaused             = "payout.unpaused"
)

type payoutEvent struct {
	evt *types.Event
}

func (e payoutEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e payoutEvent) Event() *types.Event { return e.evt }

func addrAttr(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// NewPayedOutEvent describes a completed redemption.
func NewPayedOutEvent(p *Payout) *types.Event {
	if p == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypePayedOut,
		Attributes: map[string]string{
			"treasury": addrAttr(p.Treasury),
			"nonce":    strconv.FormatUint(p.Nonce, 10),
			"payee":    addrAttr(p.Payee),
			"amount":   bigString(p.Amount),
			"v":        strconv.FormatUint(uint64(p.Signature.V), 10),
			"r":        p.Signature.RHex(),
			"s":        p.Signature.SHex(),
		},
	}
}

// NewTreasuryChangedEvent records the newly active treasury.
func NewTreasuryChangedEvent(treasury common.Address) *types.Event {
	return &types.Event{
		Type:       EventTypeTreasuryChanged,
		Attributes: map[string]string{"treasury": addrAttr(treasury)},
	}
}

// NewOwnershipTransferredEvent records an owner change. A zero next owner
// means ownership was renounced.
func NewOwnershipTransferredEvent(previous, next common.Address) *types.Event {
	return &types.Event{
		Type: EventTypeOwnershipTransferred,
		Attributes: map[string]string{
			"previousOwner": addrAttr(previous),
			"newOwner":      addrAttr(next),
		},
	}
}

// NewPausedEvent records the account that paused payouts.
func NewPausedEvent(account common.Address) *types.Event {
	return &types.Event{
		Type:       EventTypePaused,
		Attributes: map[string]string{"account": addrAttr(account)},
	}
}

// NewUnpausedEvent records the account that resumed payouts.
func NewUnpausedEvent(account common.Address) *types.Event {
	return &types.Event{
		Type:       EventTypeUnpaused,
		Attributes: map[string]string{"account": addrAttr(account)},
	}
}
