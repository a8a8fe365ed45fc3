package oracle

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Period selects the span and resolution of a chart series.
type Period string

const (
	Period1H Period = "1H"
	Period1D Period = "1D"
	Period1W Period = "1W"
	Period1M Period = "1M"
	Period1Y Period = "1Y"
)

// Candle is one OHLCV bar. Display only; never used for settlement.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

type periodSpec struct {
	bars  int
	width time.Duration
}

var periods = map[Period]periodSpec{
	Period1H: {bars: 60, width: time.Minute},
	Period1D: {bars: 96, width: 15 * time.Minute},
	Period1W: {bars: 168, width: time.Hour},
	Period1M: {bars: 120, width: 6 * time.Hour},
	Period1Y: {bars: 365, width: 24 * time.Hour},
}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if _, ok := periods[p]; !ok {
		return "", fmt.Errorf("oracle: unsupported period %q", s)
	}
	return p, nil
}

// synthesize walks backward from the current price. The series is
// deterministic for a given symbol, period and bar boundary so repeated
// chart requests within one bar return the same candles.
func synthesize(symbol string, price decimal.Decimal, vol float64, period Period, now time.Time) ([]Candle, error) {
	spec, ok := periods[period]
	if !ok {
		return nil, fmt.Errorf("oracle: unsupported period %q", period)
	}

	end := now.Truncate(spec.width)
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", symbol, period, end.Unix())
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// Scale per-tick volatility to the bar width (ticks assumed ~3s apart).
	barVol := vol * math.Sqrt(spec.width.Seconds()/3)
	if barVol > 0.2 {
		barVol = 0.2
	}

	candles := make([]Candle, spec.bars)
	closePx, _ := price.Float64()
	for i := spec.bars - 1; i >= 0; i-- {
		step := clamp(rng.NormFloat64()*barVol, -0.5, 0.5)
		openPx := closePx / (1 + step)
		hi := math.Max(openPx, closePx) * (1 + math.Abs(rng.NormFloat64())*barVol/2)
		lo := math.Min(openPx, closePx) * (1 - math.Min(math.Abs(rng.NormFloat64())*barVol/2, 0.5))
		volume := (0.5 + rng.Float64()) * 1000

		candles[i] = Candle{
			Time:   end.Add(-time.Duration(spec.bars-1-i) * spec.width),
			Open:   decimal.NewFromFloat(openPx).Round(PriceScale),
			High:   decimal.NewFromFloat(hi).Round(PriceScale),
			Low:    decimal.NewFromFloat(lo).Round(PriceScale),
			Close:  decimal.NewFromFloat(closePx).Round(PriceScale),
			Volume: decimal.NewFromFloat(volume).Round(2),
		}
		closePx = openPx
	}
	// The last bar closes exactly at the live mark.
	candles[spec.bars-1].Close = price
	return candles, nil
}
