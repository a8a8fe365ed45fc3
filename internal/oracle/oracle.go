// Package oracle maintains mark prices for every tradable symbol.
//
// The random walk is the simulation's price source; production deployments
// can back Feed with a real market-data provider. Fixed is a deterministic
// double for tests.
package oracle

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/model"
)

// Feed is the price feed consumed by the engines and the scheduler.
type Feed interface {
	// Tick advances every non-fiat price and returns a snapshot.
	Tick(now time.Time) map[string]decimal.Decimal

	// Price returns the last mark price of symbol.
	Price(symbol string) (decimal.Decimal, error)

	// Prices returns a snapshot of all mark prices.
	Prices() map[string]decimal.Decimal

	// ChartSeries synthesizes display candles ending at now.
	ChartSeries(symbol string, period Period, now time.Time) ([]Candle, error)

	// LastTick is the time of the most recent Tick, zero if none yet.
	LastTick() time.Time
}

var (
	// MaxStep bounds a single tick's relative move.
	MaxStep = 0.05

	// MinPrice is the floor applied after every step.
	MinPrice = decimal.New(1, -8)

	// PriceScale is the number of decimal places kept on mark prices.
	PriceScale int32 = 8
)

// RandomWalk is a bounded multiplicative random walk per symbol.
type RandomWalk struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	vol      map[string]float64
	walkers  []string // volatile symbols in draw order
	rng      *rand.Rand
	lastTick time.Time
}

// NewRandomWalk seeds the walk from catalog assets. FIAT assets and assets
// with zero volatility keep their price.
func NewRandomWalk(assets []catalog.Asset, seed int64) *RandomWalk {
	w := &RandomWalk{
		prices: make(map[string]decimal.Decimal, len(assets)),
		vol:    make(map[string]float64, len(assets)),
		rng:    rand.New(rand.NewSource(seed)),
	}
	for _, a := range assets {
		w.prices[a.Symbol] = a.Price
		if a.Class != model.ClassFiat {
			w.vol[a.Symbol] = a.Volatility
			if a.Volatility > 0 {
				w.walkers = append(w.walkers, a.Symbol)
			}
		}
	}
	sort.Strings(w.walkers)
	return w
}

func (w *RandomWalk) Tick(now time.Time) map[string]decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sym := range w.walkers {
		step := clamp(w.rng.NormFloat64()*w.vol[sym], -MaxStep, MaxStep)
		next := w.prices[sym].Mul(decimal.NewFromFloat(1 + step)).Round(PriceScale)
		if next.LessThan(MinPrice) {
			next = MinPrice
		}
		w.prices[sym] = next
	}
	w.lastTick = now
	return w.snapshot()
}

func (w *RandomWalk) Price(symbol string) (decimal.Decimal, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("price %s: %w", symbol, model.ErrUnknownSymbol)
	}
	return p, nil
}

func (w *RandomWalk) Prices() map[string]decimal.Decimal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot()
}

func (w *RandomWalk) LastTick() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastTick
}

func (w *RandomWalk) ChartSeries(symbol string, period Period, now time.Time) ([]Candle, error) {
	w.mu.RLock()
	price, ok := w.prices[symbol]
	vol := w.vol[symbol]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chart %s: %w", symbol, model.ErrUnknownSymbol)
	}
	return synthesize(symbol, price, vol, period, now)
}

// snapshot copies the price table. Caller holds the lock.
func (w *RandomWalk) snapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(w.prices))
	for k, v := range w.prices {
		out[k] = v
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
