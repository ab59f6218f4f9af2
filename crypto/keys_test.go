package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseAddressAcceptsHexAndBech32(t *testing.T) {
	want := common.HexToAddress("0x00000000000000000000000000000000000000aB")
	lower, err := ParseAddress("0x00000000000000000000000000000000000000ab")
	if err != nil {
		t.Fatalf("parse lower: %v", err)
	}
	upper, err := ParseAddress(" 0X00000000000000000000000000000000000000AB ")
	if err != nil {
		t.Fatalf("parse upper: %v", err)
	}
	if lower != want || upper != want {
		t.Fatalf("casing changed identity: %s %s", lower.Hex(), upper.Hex())
	}
	encoded, err := EncodeBech32(DefaultPrefix, want)
	if err != nil {
		t.Fatalf("encode bech32: %v", err)
	}
	if !strings.HasPrefix(encoded, DefaultPrefix+"1") {
		t.Fatalf("unexpected bech32 %s", encoded)
	}
	decoded, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	if decoded != want {
		t.Fatalf("bech32 round trip mismatch %s", decoded.Hex())
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "not-an-address", "0xzz00000000000000000000000000000000000000"} {
		if _, err := ParseAddress(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", raw, err)
		}
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "issuer.json")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch: %s != %s", loaded.Address().Hex(), key.Address().Hex())
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	recorded, err := KeystoreAddress(path)
	if err != nil {
		t.Fatalf("keystore address: %v", err)
	}
	if recorded != key.Address() {
		t.Fatalf("recorded address %s != %s", recorded.Hex(), key.Address().Hex())
	}
	if err := CreateKeystore(path, key, "secret"); !errors.Is(err, ErrKeystoreExists) {
		t.Fatalf("expected ErrKeystoreExists, got %v", err)
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(key.Bytes())
	parsed, err := PrivateKeyFromHex(hexKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Address() != key.Address() {
		t.Fatalf("address mismatch")
	}
	if _, err := PrivateKeyFromHex("  "); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}
