package payout

import "github.com/ethereum/go-ethereum/common"

// AccessController tracks the single owner and the pause switch. It is not
// safe for concurrent use; the engine serializes access.
type AccessController struct {
	owner  common.Address
	paused bool
}

// Owner returns the current owner. The zero address means ownership was renounced.
func (a *AccessController) Owner() common.Address { return a.owner }

// Paused reports whether redemptions are currently rejected.
func (a *AccessController) Paused() bool { return a.paused }

func (a *AccessController) authorize(caller common.Address) error {
	if a.owner == (common.Address{}) || caller != a.owner {
		return &UnauthorizedError{Account: caller}
	}
	return nil
}

func (a *AccessController) pause(caller common.Address) error {
	if err := a.authorize(caller); err != nil {
		return err
	}
	if a.paused {
		return ErrAlreadyPaused
	}
	a.paused = true
	return nil
}

func (a *AccessController) unpause(caller common.Address) error {
	if err := a.authorize(caller); err != nil {
		return err
	}
	if !a.paused {
		return ErrNotPaused
	}
	a.paused = false
	return nil
}

func (a *AccessController) transferOwnership(caller, next common.Address) (common.Address, error) {
	if err := a.authorize(caller); err != nil {
		return common.Address{}, err
	}
	if next == (common.Address{}) {
		return common.Address{}, ErrInvalidOwner
	}
	previous := a.owner
	a.owner = next
	return previous, nil
}

func (a *AccessController) renounceOwnership(caller common.Address) (common.Address, error) {
	if err := a.authorize(caller); err != nil {
		return common.Address{}, err
	}
	previous := a.owner
	a.owner = common.Address{}
	return previous, nil
}
