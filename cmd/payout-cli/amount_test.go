package main

import (
	"math/big"
	"testing"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		raw      string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"2.5", 18, "2500000000000000000"},
		{"0.000001", 6, "1"},
		{"42", 0, "42"},
		{"0", 18, "0"},
	}
	for _, tc := range cases {
		got, err := toBaseUnits(tc.raw, tc.decimals)
		if err != nil {
			t.Fatalf("toBaseUnits(%q, %d): %v", tc.raw, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("toBaseUnits(%q, %d) = %s, want %s", tc.raw, tc.decimals, got, tc.want)
		}
	}
}

func TestToBaseUnitsRejectsInvalidInput(t *testing.T) {
	for _, raw := range []string{"", "abc", "-1", "0.0000001"} {
		if _, err := toBaseUnits(raw, 6); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestFromBaseUnits(t *testing.T) {
	amount, _ := new(big.Int).SetString("2500000000000000000", 10)
	if got := fromBaseUnits(amount, 18); got != "2.5" {
		t.Fatalf("unexpected formatting %s", got)
	}
	if got := fromBaseUnits(nil, 18); got != "0" {
		t.Fatalf("nil amount rendered as %s", got)
	}
}
