package payoutd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"payoutmgr/native/payout"
)

type errorBody struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Available string `json:"available,omitempty"`
	Payee     string `json:"payee,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Treasury  string `json:"treasury,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Error: message})
}

// classify maps engine failures onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payout.ErrTransferUnconfirmed):
		return http.StatusAccepted, "transfer_unconfirmed"
	case errors.Is(err, payout.ErrChequeInvalid):
		return http.StatusBadRequest, "cheque_invalid"
	case errors.Is(err, payout.ErrPayoutsPaused):
		return http.StatusServiceUnavailable, "payouts_paused"
	case errors.Is(err, payout.ErrTreasuryBalanceNotEnough):
		return http.StatusConflict, "treasury_balance_not_enough"
	case errors.Is(err, payout.ErrTreasuryInvalid):
		return http.StatusBadRequest, "treasury_invalid"
	case errors.Is(err, payout.ErrTreasuryEmpty):
		return http.StatusBadRequest, "treasury_empty"
	case errors.Is(err, payout.ErrTreasuryAlreadyInUse):
		return http.StatusConflict, "treasury_already_in_use"
	case errors.Is(err, payout.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, payout.ErrInvalidOwner):
		return http.StatusBadRequest, "invalid_owner"
	case errors.Is(err, payout.ErrAlreadyPaused):
		return http.StatusConflict, "already_paused"
	case errors.Is(err, payout.ErrNotPaused):
		return http.StatusConflict, "not_paused"
	case errors.Is(err, payout.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeEngineError(w http.ResponseWriter, err error) (int, string) {
	status, code := classify(err)
	body := errorBody{Code: code, Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var shortfall *payout.BalanceShortfallError
	if errors.As(err, &shortfall) {
		body.Available = shortfall.Available.String()
		body.Payee = strings.ToLower(shortfall.Payee.Hex())
		body.Amount = shortfall.Amount.String()
	}
	var unconfirmed *payout.UnconfirmedTransferError
	if errors.As(err, &unconfirmed) {
		body.Payee = strings.ToLower(unconfirmed.Payout.Payee.Hex())
		body.Amount = unconfirmed.Payout.Amount.String()
		body.Nonce = strconv.FormatUint(unconfirmed.Payout.Nonce, 10)
		body.Treasury = strings.ToLower(unconfirmed.Payout.Treasury.Hex())
	}
	writeJSON(w, status, body)
	return status, code
}
