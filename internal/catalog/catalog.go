// Package catalog holds the read-only reference data the engines consult:
// tradable assets, futures markets, fixed-term plans, trader profiles, P2P
// offers, the pocket conversion table and the withdrawal fee schedule.
//
// A default catalog is embedded; deployments can point CATALOG_PATH at a
// YAML file of the same shape.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/lexportal/bank-engine/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// Asset describes a tradable or holdable symbol.
type Asset struct {
	Symbol     string           `yaml:"symbol" json:"symbol"`
	Name       string           `yaml:"name" json:"name"`
	Class      model.AssetClass `yaml:"class" json:"class"`
	Price      decimal.Decimal  `yaml:"price" json:"price"`           // initial mark price in USD
	Volatility float64          `yaml:"volatility" json:"volatility"` // per-tick std dev of returns
}

// FuturesMarket is a symbol that supports leveraged positions.
type FuturesMarket struct {
	Symbol      string          `yaml:"symbol" json:"symbol"`
	MaxLeverage decimal.Decimal `yaml:"max_leverage" json:"max_leverage"`
}

// FixedPlan is a fixed-term yield product.
type FixedPlan struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	APY          decimal.Decimal `yaml:"apy" json:"apy"` // percent
	DurationDays int             `yaml:"duration_days" json:"duration_days"`
	MinAmount    decimal.Decimal `yaml:"min_amount" json:"min_amount"`
	Assets       []string        `yaml:"assets" json:"assets"` // empty = any
}

// Accepts reports whether the plan can be funded in asset.
func (p FixedPlan) Accepts(asset string) bool {
	if len(p.Assets) == 0 {
		return true
	}
	for _, a := range p.Assets {
		if strings.EqualFold(a, asset) {
			return true
		}
	}
	return false
}

// Trader is a copy-trading profile.
type Trader struct {
	ID                 string          `yaml:"id" json:"id"`
	Name               string          `yaml:"name" json:"name"`
	DailyReturnPercent decimal.Decimal `yaml:"daily_return_percent" json:"daily_return_percent"`
	MinAllocation      decimal.Decimal `yaml:"min_allocation" json:"min_allocation"`
	MaxAllocation      decimal.Decimal `yaml:"max_allocation" json:"max_allocation"` // 0 = unlimited
}

// Offer is a published P2P merchant offer. Side is from the user's view:
// a BUY offer lets the user buy Asset for fiat.
type Offer struct {
	ID                   string          `yaml:"id" json:"id"`
	Side                 model.P2PSide   `yaml:"side" json:"side"`
	Asset                string          `yaml:"asset" json:"asset"`
	FiatCurrency         string          `yaml:"fiat_currency" json:"fiat_currency"`
	Price                decimal.Decimal `yaml:"price" json:"price"` // fiat per unit of asset
	MinFiat              decimal.Decimal `yaml:"min_fiat" json:"min_fiat"`
	MaxFiat              decimal.Decimal `yaml:"max_fiat" json:"max_fiat"`
	Merchant             string          `yaml:"merchant" json:"merchant"`
	PaymentWindowMinutes int             `yaml:"payment_window_minutes" json:"payment_window_minutes"`
}

// PocketRoute is one row of the pocket conversion table.
type PocketRoute struct {
	From   model.Pocket `yaml:"from" json:"from"`
	To     model.Pocket `yaml:"to" json:"to"`
	Asset  string       `yaml:"asset" json:"asset"`
	Target string       `yaml:"target" json:"target"`
}

// Fee is a withdrawal fee rule: flat + rate·amount. Flat is quoted in the
// catalog's base fiat; rate applies to the withdrawn amount.
type Fee struct {
	Flat decimal.Decimal `yaml:"flat" json:"flat"`
	Rate decimal.Decimal `yaml:"rate" json:"rate"`
}

// Binary holds binary option parameters.
type Binary struct {
	PayoutPercent        decimal.Decimal            `yaml:"payout_percent"`
	PayoutByAsset        map[string]decimal.Decimal `yaml:"payout_by_asset"`
	TriggerTolerance     decimal.Decimal            `yaml:"trigger_tolerance"`
	DefaultExpirySeconds int                        `yaml:"default_expiry_seconds"`
	PendingTTLSeconds    int                        `yaml:"pending_ttl_seconds"`
	MinDurationSeconds   int                        `yaml:"min_duration_seconds"`
	MaxDurationSeconds   int                        `yaml:"max_duration_seconds"`
}

// Risk caps aggregate futures exposure (notional USD). Zero disables a cap.
type Risk struct {
	MaxSymbolExposure     decimal.Decimal `yaml:"max_symbol_exposure"`
	MaxCorrelatedExposure decimal.Decimal `yaml:"max_correlated_exposure"`
}

// Catalog is the full reference data set.
type Catalog struct {
	BaseFiat       string          `yaml:"base_fiat"`
	Assets         []Asset         `yaml:"assets"`
	FuturesMarkets []FuturesMarket `yaml:"futures_markets"`
	FixedPlans     []FixedPlan     `yaml:"fixed_plans"`
	Traders        []Trader        `yaml:"traders"`
	Offers         []Offer         `yaml:"offers"`
	PocketRoutes   []PocketRoute   `yaml:"pocket_routes"`
	WithdrawFees   map[string]Fee  `yaml:"withdraw_fees"`
	SpotFeeRate    decimal.Decimal `yaml:"spot_fee_rate"` // charged on the bought amount
	Binary         Binary          `yaml:"binary"`
	Risk           Risk            `yaml:"risk"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if c.BaseFiat == "" {
		c.BaseFiat = "USD"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks internal consistency.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("catalog: asset with empty symbol")
		}
		if seen[a.Symbol] {
			return fmt.Errorf("catalog: duplicate asset %s", a.Symbol)
		}
		if !a.Price.IsPositive() {
			return fmt.Errorf("catalog: asset %s needs a positive price", a.Symbol)
		}
		seen[a.Symbol] = true
	}
	if !seen[c.BaseFiat] {
		return fmt.Errorf("catalog: base fiat %s is not a listed asset", c.BaseFiat)
	}
	for _, m := range c.FuturesMarkets {
		if !seen[m.Symbol] {
			return fmt.Errorf("catalog: futures market %s has no asset", m.Symbol)
		}
		if m.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("catalog: futures market %s max leverage < 1", m.Symbol)
		}
	}
	for _, p := range c.FixedPlans {
		if p.DurationDays <= 0 {
			return fmt.Errorf("catalog: plan %s needs a positive duration", p.ID)
		}
	}
	for _, o := range c.Offers {
		if o.Side != model.P2PBuy && o.Side != model.P2PSell {
			return fmt.Errorf("catalog: offer %s has invalid side %q", o.ID, o.Side)
		}
		if !o.Price.IsPositive() {
			return fmt.Errorf("catalog: offer %s needs a positive price", o.ID)
		}
		if !seen[o.Asset] {
			return fmt.Errorf("catalog: offer %s references unknown asset %s", o.ID, o.Asset)
		}
	}
	for _, r := range c.PocketRoutes {
		if r.From == r.To {
			return fmt.Errorf("catalog: pocket route %s→%s is a no-op", r.From, r.To)
		}
		if !seen[r.Asset] || !seen[r.Target] {
			return fmt.Errorf("catalog: pocket route %s→%s references unknown asset", r.From, r.To)
		}
	}
	return nil
}

// Asset looks up an asset by symbol.
func (c *Catalog) Asset(symbol string) (Asset, bool) {
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return Asset{}, false
}

// FuturesMarket looks up a futures market by symbol.
func (c *Catalog) FuturesMarket(symbol string) (FuturesMarket, error) {
	for _, m := range c.FuturesMarkets {
		if m.Symbol == symbol {
			return m, nil
		}
	}
	return FuturesMarket{}, fmt.Errorf("futures market %s: %w", symbol, model.ErrUnknownSymbol)
}

// Plan looks up a fixed-term plan.
func (c *Catalog) Plan(id string) (FixedPlan, error) {
	for _, p := range c.FixedPlans {
		if p.ID == id {
			return p, nil
		}
	}
	return FixedPlan{}, fmt.Errorf("plan %s: %w", id, model.ErrPlanNotFound)
}

// Trader looks up a copy-trading profile.
func (c *Catalog) Trader(id string) (Trader, error) {
	for _, t := range c.Traders {
		if t.ID == id {
			return t, nil
		}
	}
	return Trader{}, fmt.Errorf("trader %s: %w", id, model.ErrTraderNotFound)
}

// Offer looks up a P2P offer.
func (c *Catalog) Offer(id string) (Offer, error) {
	for _, o := range c.Offers {
		if o.ID == id {
			return o, nil
		}
	}
	return Offer{}, fmt.Errorf("offer %s: %w", id, model.ErrOfferNotFound)
}

// Route resolves the target asset for a pocket move.
func (c *Catalog) Route(from, to model.Pocket, asset string) (string, bool) {
	for _, r := range c.PocketRoutes {
		if r.From == from && r.To == to && r.Asset == asset {
			return r.Target, true
		}
	}
	return "", false
}

// WithdrawFee returns the fee rule for method. Unknown methods fall back to
// the "default" rule, then to no fee.
func (c *Catalog) WithdrawFee(method string) Fee {
	if fee, ok := c.WithdrawFees[method]; ok {
		return fee
	}
	return c.WithdrawFees["default"]
}

// PayoutPercent returns the binary payout percent for asset.
func (c *Catalog) PayoutPercent(asset string) decimal.Decimal {
	if p, ok := c.Binary.PayoutByAsset[asset]; ok {
		return p
	}
	return c.Binary.PayoutPercent
}
