package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/model"
)

// Fixed is a deterministic Feed. Prices only change through Set or a
// scripted sequence consumed one step per Tick.
type Fixed struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	script   map[string][]decimal.Decimal
	lastTick time.Time
}

// NewFixed creates a feed with the given prices.
func NewFixed(prices map[string]decimal.Decimal) *Fixed {
	f := &Fixed{
		prices: make(map[string]decimal.Decimal, len(prices)),
		script: make(map[string][]decimal.Decimal),
	}
	for k, v := range prices {
		f.prices[k] = v
	}
	return f
}

// Set overrides the mark price of symbol.
func (f *Fixed) Set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

// Delete removes symbol, simulating a delisting.
func (f *Fixed) Delete(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, symbol)
}

// Script queues prices for symbol; each Tick pops the next one.
func (f *Fixed) Script(symbol string, prices ...decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[symbol] = append(f.script[symbol], prices...)
}

func (f *Fixed) Tick(now time.Time) map[string]decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sym, queue := range f.script {
		if len(queue) == 0 {
			continue
		}
		f.prices[sym] = queue[0]
		f.script[sym] = queue[1:]
	}
	f.lastTick = now

	out := make(map[string]decimal.Decimal, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

func (f *Fixed) Price(symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("price %s: %w", symbol, model.ErrUnknownSymbol)
	}
	return p, nil
}

func (f *Fixed) Prices() map[string]decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

func (f *Fixed) LastTick() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTick
}

func (f *Fixed) ChartSeries(symbol string, period Period, now time.Time) ([]Candle, error) {
	price, err := f.Price(symbol)
	if err != nil {
		return nil, err
	}
	return synthesize(symbol, price, 0.002, period, now)
}
