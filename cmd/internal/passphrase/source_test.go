package passphrase

import (
	"errors"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	s := NewSource("PAYOUT_PASS", "issuer")
	s.lookup = func(key string) (string, bool) {
		if key != "PAYOUT_PASS" {
			t.Fatalf("unexpected env lookup %s", key)
		}
		return "from-env", true
	}
	s.prompt = func(string) (string, error) {
		t.Fatalf("prompt should not run")
		return "", nil
	}
	got, err := s.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestSourceRejectsBlankAndCaches(t *testing.T) {
	s := NewSource("PAYOUT_PASS", "issuer")
	s.lookup = func(string) (string, bool) { return "   ", true }
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank env value to fail")
	}

	calls := 0
	p := NewSource("", "payee")
	p.prompt = func(label string) (string, error) {
		calls++
		if label != "payee" {
			t.Fatalf("unexpected label %s", label)
		}
		return "typed", nil
	}
	for i := 0; i < 2; i++ {
		if got, err := p.Get(); err != nil || got != "typed" {
			t.Fatalf("got %q %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("prompted %d times", calls)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s := NewSource("PAYOUT_PASS", "issuer")
	s.lookup = func(string) (string, bool) { return "", false }
	s.prompt = func(string) (string, error) { return "", errNoTerminal }
	if _, err := s.Get(); !errors.Is(err, errNoTerminal) {
		t.Fatalf("expected errNoTerminal, got %v", err)
	}
}
