package payout

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Sign produces a recoverable signature over the EIP-191 digest of msg.
func Sign(key *ecdsa.PrivateKey, msg []byte) (Signature, error) {
	if key == nil {
		return Signature{}, errors.New("payout: signing key required")
	}
	raw, err := ethcrypto.Sign(ChequeDigest(msg), key)
	if err != nil {
		return Signature{}, fmt.Errorf("payout: sign cheque: %w", err)
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64] + 27
	return sig, nil
}

// RecoverSigner returns the identity whose key produced sig over msg. Only
// V in {27, 28} and low-s signatures are accepted.
func RecoverSigner(msg []byte, sig Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !ethcrypto.ValidateSignatureValues(sig.V-27, r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}
	raw := sig.Bytes()
	raw[64] = sig.V - 27
	pub, err := ethcrypto.SigToPub(ChequeDigest(msg), raw)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyCheque reports whether sig over the canonical encoding of
// (payee, amount, nonce) recovers to expected. It never fails; malformed
// input is simply not a valid cheque.
func VerifyCheque(nonce uint64, payee common.Address, amount *big.Int, sig Signature, expected common.Address) bool {
	if expected == (common.Address{}) {
		return false
	}
	msg, err := EncodeCheque(payee, amount, nonce)
	if err != nil {
		return false
	}
	signer, err := RecoverSigner(msg, sig)
	if err != nil {
		return false
	}
	return signer == expected
}

// Issuer holds the off-line signing key that authorizes payouts.
type Issuer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewIssuer wraps key for cheque issuance.
func NewIssuer(key *ecdsa.PrivateKey) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("payout: issuer key required")
	}
	return &Issuer{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the identity that cheques issued by i recover to.
func (i *Issuer) Address() common.Address {
	if i == nil {
		return common.Address{}
	}
	return i.addr
}

// Issue signs a cheque authorizing payee to receive amount at nonce.
func (i *Issuer) Issue(payee common.Address, amount *big.Int, nonce uint64) (*Cheque, error) {
	if i == nil {
		return nil, errors.New("payout: issuer not configured")
	}
	msg, err := EncodeCheque(payee, amount, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(i.key, msg)
	if err != nil {
		return nil, err
	}
	return &Cheque{Payee: payee, Amount: new(big.Int).Set(amount), Nonce: nonce, Signature: sig}, nil
}
