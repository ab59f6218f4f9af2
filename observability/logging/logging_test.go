package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payoutd", "test", &buf)
	logger.Info("redeemed", "payee", "0xabc", MaskField("authorization", "Bearer secret"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "redeemed" || line["severity"] != "INFO" {
		t.Fatalf("unexpected envelope %v", line)
	}
	if line["service"] != "payoutd" || line["env"] != "test" {
		t.Fatalf("missing service attributes %v", line)
	}
	if line["authorization"] != RedactedValue {
		t.Fatalf("secret leaked: %v", line["authorization"])
	}
	if line["payee"] != "0xabc" {
		t.Fatalf("payee altered: %v", line["payee"])
	}
}

func TestMaskFieldKeepsAllowlistedKeys(t *testing.T) {
	if got := MaskField("Nonce", "7").Value.String(); got != "7" {
		t.Fatalf("allowlisted key masked: %s", got)
	}
	if got := MaskField("passphrase", "hunter2").Value.String(); got != RedactedValue {
		t.Fatalf("secret not masked: %s", got)
	}
	if got := MaskField("passphrase", "").Value.String(); got != "" {
		t.Fatalf("empty value should pass through: %q", got)
	}
}
