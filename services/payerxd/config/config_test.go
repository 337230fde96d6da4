package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
listen: ":9090"
database: /tmp/payerxd.sqlite
owner: "0x00000000000000000000000000000000000000aa"
tokens:
  - symbol: EURC
    address: "0x89b50855aa3be2f677cd6303cec089b5f319d72a"
    decimals: 6
  - symbol: USDC
    address: "0x3600000000000000000000000000000000000000"
    decimals: 6
    faucet: true
router:
  address: "0x00000000000000000000000000000000000000e0"
  fee_collector: "0x00000000000000000000000000000000000000c1"
engines:
  - address: "0x00000000000000000000000000000000000000fa"
accounts:
  - name: merchant
    address: "0x00000000000000000000000000000000000000a1"
    api_key: "merchant-key-0123456789"
oracle:
  interval: 30s
sources:
  - name: er
    type: exchangerate
pairs:
  - token_in: EURC
    token_out: USDC
    base: EUR
    quote: USD
    min_rate: "0.9"
    max_rate: "1.3"
    fallback: "1.09"
    invert: true
bootstrap:
  liquidity:
    - token: USDC
      amount: "100000"
  rates:
    - token_in: EURC
      token_out: USDC
      rate: "1.09"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payerxd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadKeepsExplicitZeroFee(t *testing.T) {
	body := strings.Replace(sampleConfig, "router:\n", "router:\n  fee_bps: 0\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.FeeBps == nil || cfg.Router.Fee() != 0 {
		t.Fatalf("expected explicit zero fee, got %+v", cfg.Router)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Router.Fee() != 10 || cfg.Router.MaxFeeBps != 100 {
		t.Fatalf("unexpected router defaults: %+v", cfg.Router)
	}
	if got := cfg.Engines[0].RateValidity.Duration; got != 5*time.Minute {
		t.Fatalf("unexpected rate validity %s", got)
	}
	if cfg.Oracle.Interval.Duration != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Oracle.Interval.Duration)
	}
	if cfg.Oracle.MinChangeBps != 10 {
		t.Fatalf("unexpected min change %d", cfg.Oracle.MinChangeBps)
	}
	if cfg.Minter != cfg.Owner || cfg.Oracle.Account != cfg.Owner {
		t.Fatalf("expected minter and oracle account to default to owner")
	}
	if !cfg.Pairs[0].Invert || cfg.Pairs[0].Fallback != "1.09" {
		t.Fatalf("unexpected pair: %+v", cfg.Pairs[0])
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\nsurprise: true\n"))
	if err == nil || !strings.Contains(err.Error(), "decode config") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestValidateRejectsFeeAboveCap(t *testing.T) {
	body := strings.Replace(sampleConfig, `fee_collector: "0x00000000000000000000000000000000000000c1"`,
		"fee_collector: \"0x00000000000000000000000000000000000000c1\"\n  fee_bps: 150", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "exceeds max_fee_bps") {
		t.Fatalf("expected fee cap error, got %v", err)
	}
}

func TestValidateRejectsBadAddress(t *testing.T) {
	body := strings.Replace(sampleConfig, `owner: "0x00000000000000000000000000000000000000aa"`, `owner: "not-an-address"`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "Owner") {
		t.Fatalf("expected owner validation error, got %v", err)
	}
}

func TestValidateRejectsUnknownPairToken(t *testing.T) {
	body := strings.Replace(sampleConfig, "token_out: USDC\n    base: EUR", "token_out: GBPC\n    base: EUR", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "unknown token") {
		t.Fatalf("expected unknown token error, got %v", err)
	}
}

func TestValidateRejectsUnknownSourceType(t *testing.T) {
	body := strings.Replace(sampleConfig, "type: exchangerate", "type: nowpayments", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "oneof") {
		t.Fatalf("expected source type error, got %v", err)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	body := strings.Replace(sampleConfig, "interval: 30s", "interval: soon", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
