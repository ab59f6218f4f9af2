package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultPrefix is the human-readable part used when rendering identities in
// bech32 form.
const DefaultPrefix = "pay"

// ErrInvalidAddress is returned when an identity string cannot be parsed.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// EncodeBech32 renders a 20-byte identity with the supplied prefix.
func EncodeBech32(prefix string, addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// ParseAddress accepts either a 0x-prefixed hex address (any casing) or a
// bech32 encoded identity and returns the canonical 20-byte value.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, trimmed)
		}
		return common.HexToAddress(trimmed), nil
	}
	_, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: convert bits: %v", ErrInvalidAddress, err)
	}
	if len(conv) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, common.AddressLength, len(conv))
	}
	return common.BytesToAddress(conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address derives the identity controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key with or without 0x.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: load private key: %w", err)
	}
	return &PrivateKey{key}, nil
}
