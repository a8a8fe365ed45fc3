package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDefault(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	if cat.BaseFiat != "USD" {
		t.Errorf("base fiat = %s", cat.BaseFiat)
	}
	btc, ok := cat.Asset("BTC")
	if !ok || btc.Class != model.ClassCrypto || !btc.Price.Equal(d(64230.50)) {
		t.Errorf("unexpected BTC asset: %+v", btc)
	}
	m, err := cat.FuturesMarket("BTC")
	if err != nil || !m.MaxLeverage.Equal(d(100)) {
		t.Errorf("BTC market: %+v %v", m, err)
	}
	if got := cat.PayoutPercent("BTC"); !got.Equal(d(82)) {
		t.Errorf("BTC payout = %s, want 82", got)
	}
	if got := cat.PayoutPercent("SOL"); !got.Equal(d(85)) {
		t.Errorf("SOL payout = %s, want the default 85", got)
	}
	if !cat.Binary.TriggerTolerance.Equal(d(0.001)) || cat.Binary.DefaultExpirySeconds != 60 {
		t.Errorf("unexpected binary settings: %+v", cat.Binary)
	}
}

func TestLookups_NotFound(t *testing.T) {
	cat, _ := catalog.Default()

	if _, err := cat.Plan("gold-999"); !errors.Is(err, model.ErrPlanNotFound) {
		t.Errorf("plan: expected ErrPlanNotFound, got %v", err)
	}
	if _, err := cat.Trader("tr-ghost"); !errors.Is(err, model.ErrTraderNotFound) {
		t.Errorf("trader: expected ErrTraderNotFound, got %v", err)
	}
	if _, err := cat.Offer("off-none"); !errors.Is(err, model.ErrOfferNotFound) {
		t.Errorf("offer: expected ErrOfferNotFound, got %v", err)
	}
	if _, err := cat.FuturesMarket("AAPL"); !errors.Is(err, model.ErrUnknownSymbol) {
		t.Errorf("futures: expected ErrUnknownSymbol, got %v", err)
	}
	if _, ok := cat.Asset("DOGE"); ok {
		t.Error("DOGE should not be listed")
	}
}

func TestPlanAccepts(t *testing.T) {
	cat, _ := catalog.Default()
	flex, _ := cat.Plan("flex-30")
	if !flex.Accepts("usdt") || flex.Accepts("BTC") {
		t.Errorf("flex-30 accepts %v", flex.Assets)
	}
	vault, _ := cat.Plan("vault-365")
	if !vault.Accepts("BTC") {
		t.Error("an empty asset list accepts anything")
	}
}

func TestRoute(t *testing.T) {
	cat, _ := catalog.Default()
	tests := []struct {
		from, to model.Pocket
		asset    string
		want     string
		ok       bool
	}{
		{model.PocketFiat, model.PocketCrypto, "USD", "USDT", true},
		{model.PocketCrypto, model.PocketFiat, "USDT", "USD", true},
		{model.PocketInvest, model.PocketCrypto, "USDC", "USDT", true},
		{model.PocketFiat, model.PocketCrypto, "EUR", "", false},
		{model.PocketFiat, model.PocketFiat, "USD", "", false},
	}
	for _, tt := range tests {
		got, ok := cat.Route(tt.from, tt.to, tt.asset)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Route(%s, %s, %s) = %q, %v; want %q, %v", tt.from, tt.to, tt.asset, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWithdrawFee(t *testing.T) {
	cat, _ := catalog.Default()
	tests := []struct {
		method     string
		flat, rate float64
	}{
		{"bank_transfer", 2.5, 0},
		{"card", 0, 0.015},
		{"crypto", 1, 0.001},
		{"pigeon", 0, 0},
	}
	for _, tt := range tests {
		got := cat.WithdrawFee(tt.method)
		if !got.Flat.Equal(d(tt.flat)) || !got.Rate.Equal(d(tt.rate)) {
			t.Errorf("WithdrawFee(%s) = %+v, want flat %v rate %v", tt.method, got, tt.flat, tt.rate)
		}
	}

	empty := &catalog.Catalog{}
	if got := empty.WithdrawFee("card"); !got.Flat.IsZero() || !got.Rate.IsZero() {
		t.Errorf("no fee schedule should be free, got %+v", got)
	}
}

func TestParse_Validation(t *testing.T) {
	base := `
assets:
  - { symbol: USD, class: FIAT, price: 1 }
  - { symbol: BTC, class: CRYPTO, price: 60000 }
`
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"duplicate asset", "  - { symbol: BTC, class: CRYPTO, price: 1 }\n", "duplicate asset"},
		{"zero price", "  - { symbol: ETH, class: CRYPTO, price: 0 }\n", "positive price"},
		{"market without asset", "futures_markets:\n  - { symbol: SOL, max_leverage: 10 }\n", "has no asset"},
		{"leverage below one", "futures_markets:\n  - { symbol: BTC, max_leverage: 0.5 }\n", "max leverage"},
		{"plan duration", "fixed_plans:\n  - { id: p, apy: 5, duration_days: 0 }\n", "positive duration"},
		{"offer side", "offers:\n  - { id: o, side: HOLD, asset: BTC, price: 1 }\n", "invalid side"},
		{"route no-op", "pocket_routes:\n  - { from: FIAT, to: FIAT, asset: USD, target: USD }\n", "no-op"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(base + tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cat, err := catalog.Parse([]byte(base))
	if err != nil {
		t.Fatalf("minimal catalog: %v", err)
	}
	if cat.BaseFiat != "USD" {
		t.Errorf("base fiat should default to USD, got %s", cat.BaseFiat)
	}

	if _, err := catalog.Parse([]byte("base_fiat: EUR\n" + base)); err == nil {
		t.Error("unlisted base fiat should be rejected")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "base_fiat: EUR\nassets:\n  - { symbol: EUR, class: FIAT, price: 1.08 }\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cat.BaseFiat != "EUR" || len(cat.Assets) != 1 {
		t.Errorf("unexpected catalog: %+v", cat)
	}

	if _, err := catalog.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
