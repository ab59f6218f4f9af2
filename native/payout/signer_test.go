package payout

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func mustKey(t *testing.T, seed byte) *ecdsa.PrivateKey {
	t.Helper()
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = seed
	}
	key, err := ethcrypto.ToECDSA(buf)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key
}

func TestSignAndRecover(t *testing.T) {
	key := mustKey(t, 0x11)
	msg, err := EncodeCheque(common.HexToAddress("0x4444444444444444444444444444444444444444"), big.NewInt(1), 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Fatalf("unexpected v %d", sig.V)
	}
	signer, err := RecoverSigner(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("recovered %s", signer.Hex())
	}
}

func TestRecoverSignerRejectsMalformed(t *testing.T) {
	key := mustKey(t, 0x12)
	msg := []byte("payout-cheque-v1|payee=0x0000000000000000000000000000000000000001|amount=1|nonce=0")
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	badV := sig
	badV.V = 29
	if _, err := RecoverSigner(msg, badV); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid v rejection, got %v", err)
	}

	zero := Signature{V: 27}
	if _, err := RecoverSigner(msg, zero); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected zero signature rejection, got %v", err)
	}

	// Flip s into the upper half of the curve order; the pair still recovers
	// under lax rules but must be refused here.
	n := ethcrypto.S256().Params().N
	s := new(big.Int).SetBytes(sig.S[:])
	high := new(big.Int).Sub(n, s)
	malleable := sig
	high.FillBytes(malleable.S[:])
	if malleable.V == 27 {
		malleable.V = 28
	} else {
		malleable.V = 27
	}
	if _, err := RecoverSigner(msg, malleable); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected high-s rejection, got %v", err)
	}
}

func TestVerifyChequeRequiresExactTriple(t *testing.T) {
	key := mustKey(t, 0x13)
	issuer, err := NewIssuer(key)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	payee := common.HexToAddress("0x5555555555555555555555555555555555555555")
	cheque, err := issuer.Issue(payee, big.NewInt(100), 3)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !VerifyCheque(3, payee, big.NewInt(100), cheque.Signature, issuer.Address()) {
		t.Fatalf("expected cheque to verify")
	}
	other := common.HexToAddress("0x6666666666666666666666666666666666666666")
	cases := map[string]bool{
		"amount":  VerifyCheque(3, payee, big.NewInt(101), cheque.Signature, issuer.Address()),
		"nonce":   VerifyCheque(4, payee, big.NewInt(100), cheque.Signature, issuer.Address()),
		"payee":   VerifyCheque(3, other, big.NewInt(100), cheque.Signature, issuer.Address()),
		"issuer":  VerifyCheque(3, payee, big.NewInt(100), cheque.Signature, other),
		"null":    VerifyCheque(3, payee, big.NewInt(100), cheque.Signature, common.Address{}),
		"nilAmnt": VerifyCheque(3, payee, nil, cheque.Signature, issuer.Address()),
	}
	for name, ok := range cases {
		if ok {
			t.Fatalf("%s: tampered cheque verified", name)
		}
	}
}
