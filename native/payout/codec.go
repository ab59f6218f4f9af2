package payout

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payoutmgr/crypto"
)

// ChequeDomain prefixes every canonical cheque message.
const ChequeDomain = "payout-cheque-v1"

// Signature is the recoverable secp256k1 signature triple carried by a cheque.
// V is 27 or 28.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Bytes returns the 65-byte R || S || V encoding.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// RHex returns the 0x-prefixed hex encoding of R.
func (s Signature) RHex() string { return "0x" + hex.EncodeToString(s.R[:]) }

// SHex returns the 0x-prefixed hex encoding of S.
func (s Signature) SHex() string { return "0x" + hex.EncodeToString(s.S[:]) }

// ParseSignature builds a signature from its textual components. r and s must
// be 32-byte hex words with or without 0x.
func ParseSignature(v uint8, r, s string) (Signature, error) {
	sig := Signature{V: v}
	if err := decodeWord(r, &sig.R); err != nil {
		return Signature{}, fmt.Errorf("payout: signature r: %w", err)
	}
	if err := decodeWord(s, &sig.S); err != nil {
		return Signature{}, fmt.Errorf("payout: signature s: %w", err)
	}
	return sig, nil
}

func decodeWord(raw string, out *[32]byte) error {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return err
	}
	if len(decoded) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return nil
}

// Cheque is a signed single-use authorization for a payee/amount/nonce triple.
type Cheque struct {
	Payee     common.Address
	Amount    *big.Int
	Nonce     uint64
	Signature Signature
}

type chequeJSON struct {
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
	Nonce  string `json:"nonce"`
	V      uint8  `json:"v"`
	R      string `json:"r"`
	S      string `json:"s"`
}

// MarshalJSON encodes the cheque in the bundle format handed to payees.
func (c Cheque) MarshalJSON() ([]byte, error) {
	return json.Marshal(chequeJSON{
		Payee:  c.Payee.Hex(),
		Amount: bigString(c.Amount),
		Nonce:  strconv.FormatUint(c.Nonce, 10),
		V:      c.Signature.V,
		R:      c.Signature.RHex(),
		S:      c.Signature.SHex(),
	})
}

// UnmarshalJSON decodes a cheque bundle.
func (c *Cheque) UnmarshalJSON(data []byte) error {
	if c == nil {
		return fmt.Errorf("cheque: nil receiver")
	}
	var payload chequeJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	payee, err := crypto.ParseAddress(payload.Payee)
	if err != nil {
		return fmt.Errorf("cheque: payee: %w", err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(payload.Amount), 10)
	if !ok {
		return fmt.Errorf("cheque: invalid amount %q", payload.Amount)
	}
	nonce, err := strconv.ParseUint(strings.TrimSpace(payload.Nonce), 10, 64)
	if err != nil {
		return fmt.Errorf("cheque: nonce: %w", err)
	}
	sig, err := ParseSignature(payload.V, payload.R, payload.S)
	if err != nil {
		return err
	}
	*c = Cheque{Payee: payee, Amount: amount, Nonce: nonce, Signature: sig}
	return nil
}

// EncodeCheque returns the canonical message signed by the issuer for the
// supplied triple. The payee is always rendered in lower-case hex so issuer
// and verifier agree irrespective of checksum casing, and every field is
// delimited so distinct triples never share an encoding.
func EncodeCheque(payee common.Address, amount *big.Int, nonce uint64) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return nil, ErrInvalidAmount
	}
	payload := fmt.Sprintf("%s|payee=%s|amount=%s|nonce=%d",
		ChequeDomain,
		strings.ToLower(payee.Hex()),
		amount.String(),
		nonce,
	)
	return []byte(payload), nil
}

// ChequeDigest returns the EIP-191 personal-message hash of a canonical
// cheque message; this is what the issuer key actually signs.
func ChequeDigest(message []byte) []byte {
	return accounts.TextHash(message)
}

// ParsePayee normalizes a caller supplied identity in hex or bech32 form.
func ParsePayee(raw string) (common.Address, error) {
	return crypto.ParseAddress(raw)
}
