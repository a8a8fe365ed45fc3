// Package risk implements exposure limits for leveraged positions that
// account for correlation between symbols.
//
// A user long BTC, ETH and SOL at 50x carries one correlated bet on the
// crypto market, not three independent ones. Symbols are grouped by a
// caller-supplied function (the catalog groups by asset class) and the
// aggregate absolute exposure of a group is capped alongside the
// per-symbol cap.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/model"
)

var (
	// ErrSymbolLimitExceeded is returned when a position would push a
	// single symbol's net exposure beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = fmt.Errorf("risk: per-symbol exposure limit exceeded: %w", model.ErrLimitExceeded)

	// ErrCorrelatedLimitExceeded is returned when a position would push the
	// aggregate exposure across correlated symbols beyond the maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("risk: correlated exposure limit exceeded: %w", model.ErrLimitExceeded)
)

// ExposureLimiter enforces exposure limits with correlation awareness.
// Exposure is signed notional in USD: LONG positive, SHORT negative, so
// opposite positions on one symbol net out.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum absolute net exposure in one symbol.
	// Zero means unlimited.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// symbols of the same group. Zero means unlimited.
	MaxCorrelated decimal.Decimal

	// Group maps a symbol to its correlation group.
	Group func(symbol string) string
}

// NewExposureLimiter creates a limiter. A nil group puts every symbol in
// its own group.
func NewExposureLimiter(maxPerSymbol, maxCorrelated decimal.Decimal, group func(string) string) *ExposureLimiter {
	if group == nil {
		group = func(s string) string { return s }
	}
	return &ExposureLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
		Group:         group,
	}
}

// CheckLimit validates whether adding exposureDelta on symbol respects the
// limits, given the user's current net exposure per symbol.
func (l *ExposureLimiter) CheckLimit(symbol string, exposureDelta decimal.Decimal, existing map[string]decimal.Decimal) error {
	// 1. Per-symbol limit.
	newPosition := existing[symbol].Add(exposureDelta)
	if l.MaxPerSymbol.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across the symbol's group.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	group := l.Group(symbol)
	total := newPosition.Abs()
	for sym, exposure := range existing {
		if sym == symbol {
			continue // already counted via newPosition above
		}
		if l.Group(sym) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// Exposures nets open futures positions into signed notional USD per symbol.
func Exposures(positions []model.FuturesPosition) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if !p.IsOpen {
			continue
		}
		exposure := p.Margin.Mul(p.Leverage)
		if p.Direction == model.Short {
			exposure = exposure.Neg()
		}
		out[p.Symbol] = out[p.Symbol].Add(exposure)
	}
	return out
}
