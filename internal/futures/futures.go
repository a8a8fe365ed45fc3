// Package futures implements leveraged margin positions on oracle symbols.
//
// Margin is debited from the base fiat balance on open and margin + PnL
// (never below zero) is credited back on close or forced liquidation.
package futures

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/metrics"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/risk"
	"github.com/lexportal/bank-engine/internal/store"
)

const product = "futures"

var one = decimal.NewFromInt(1)

// Engine opens, closes and liquidates futures positions.
type Engine struct {
	ledger  *ledger.Ledger
	limiter *risk.ExposureLimiter
	logger  *zap.Logger
}

// New creates a futures engine. A nil limiter disables exposure caps.
func New(l *ledger.Ledger, limiter *risk.ExposureLimiter) *Engine {
	return &Engine{
		ledger:  l,
		limiter: limiter,
		logger:  l.Logger().Named(product),
	}
}

// LiquidationPrice is the mark at which the margin is fully eroded.
func LiquidationPrice(entry, leverage decimal.Decimal, dir model.PositionSide) decimal.Decimal {
	step := one.Div(leverage)
	if dir == model.Short {
		return entry.Mul(one.Add(step)).Round(8)
	}
	return entry.Mul(one.Sub(step)).Round(8)
}

// UnrealizedPnL is sign(direction)·(mark − entry)·notional.
func UnrealizedPnL(p model.FuturesPosition, mark decimal.Decimal) decimal.Decimal {
	pnl := mark.Sub(p.EntryPrice).Mul(p.NotionalAmount)
	if p.Direction == model.Short {
		pnl = pnl.Neg()
	}
	return pnl.Round(ledger.AmountScale)
}

// crossed reports whether mark has reached the liquidation price.
func crossed(p model.FuturesPosition, mark decimal.Decimal) bool {
	if p.Direction == model.Short {
		return mark.GreaterThanOrEqual(p.LiquidationPrice)
	}
	return mark.LessThanOrEqual(p.LiquidationPrice)
}

// Open debits margin and opens a position at the current mark.
func (e *Engine) Open(ctx context.Context, userID, symbol string, margin decimal.Decimal, dir model.PositionSide, leverage decimal.Decimal) (*model.FuturesPosition, error) {
	if dir != model.Long && dir != model.Short {
		return nil, fmt.Errorf("direction %q: %w", dir, model.ErrInvalidAmount)
	}
	if err := ledger.RequirePositive("margin", margin); err != nil {
		return nil, err
	}
	market, err := e.ledger.Catalog().FuturesMarket(symbol)
	if err != nil {
		return nil, err
	}
	if leverage.LessThan(one) {
		return nil, fmt.Errorf("leverage %s below 1: %w", leverage, model.ErrInvalidAmount)
	}
	if leverage.GreaterThan(market.MaxLeverage) {
		return nil, fmt.Errorf("leverage %s above %s max %s: %w", leverage, symbol, market.MaxLeverage, model.ErrLimitExceeded)
	}
	entry, err := e.ledger.Feed().Price(symbol)
	if err != nil {
		return nil, err
	}

	now := e.ledger.Now()
	pos := &model.FuturesPosition{
		ID:               uuid.NewString(),
		UserID:           userID,
		Symbol:           symbol,
		Direction:        dir,
		Leverage:         leverage,
		Margin:           margin,
		EntryPrice:       entry,
		NotionalAmount:   margin.Mul(leverage).Div(entry),
		LiquidationPrice: LiquidationPrice(entry, leverage, dir),
		IsOpen:           true,
		OpenedAt:         now,
		ExitPrice:        decimal.Zero,
		RealizedPnL:      decimal.Zero,
	}

	err = e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		if e.limiter != nil {
			open, err := tx.ListFutures(ctx, userID, true)
			if err != nil {
				return err
			}
			delta := margin.Mul(leverage)
			if dir == model.Short {
				delta = delta.Neg()
			}
			if err := e.limiter.CheckLimit(symbol, delta, risk.Exposures(open)); err != nil {
				metrics.LedgerRejections.WithLabelValues("exposure_limit").Inc()
				return err
			}
		}
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      userID,
			Asset:       e.ledger.Catalog().BaseFiat,
			Kind:        model.TxFuturesMargin,
			Direction:   model.Outcome,
			Amount:      margin,
			ReferenceID: pos.ID,
			Description: fmt.Sprintf("Open %s %s x%s", dir, symbol, leverage),
		}); err != nil {
			return err
		}
		return tx.PutFutures(ctx, pos)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(product).Inc()
	e.logger.Info("position opened",
		zap.String("id", pos.ID),
		zap.String("user", userID),
		zap.String("symbol", symbol),
		zap.String("direction", string(dir)),
		zap.Stringer("margin", margin),
		zap.Stringer("leverage", leverage),
		zap.Stringer("entry", entry),
		zap.Stringer("liquidation", pos.LiquidationPrice),
	)
	e.ledger.Emit(ledger.Event{Type: "futures_opened", UserID: userID, Payload: pos})
	return pos, nil
}

// Close settles an open position at the current mark.
func (e *Engine) Close(ctx context.Context, userID, id string) (*model.FuturesPosition, error) {
	var closed *model.FuturesPosition
	err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		pos, err := e.loadOpen(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		mark, err := e.ledger.Feed().Price(pos.Symbol)
		if err != nil {
			return err
		}
		closed, err = e.settle(ctx, tx, pos, mark, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logClosed(closed)
	return closed, nil
}

// List returns a user's positions, newest last.
func (e *Engine) List(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	return e.ledger.Store().ListFutures(ctx, userID, openOnly)
}

func (e *Engine) Name() string { return product }

// Sweep force-liquidates every open position whose mark has crossed its
// liquidation price. Failures are isolated per position.
func (e *Engine) Sweep(ctx context.Context, userID string, _ time.Time) (int, error) {
	open, err := e.ledger.Store().ListFutures(ctx, userID, true)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, p := range open {
		mark, err := e.ledger.Feed().Price(p.Symbol)
		if err != nil {
			errs = append(errs, e.sweepFailure(p, err))
			continue
		}
		if !crossed(p, mark) {
			continue
		}

		var closed *model.FuturesPosition
		err = e.ledger.Do(ctx, userID, func(tx store.Tx) error {
			pos, err := e.loadOpen(ctx, tx, userID, p.ID)
			if err != nil {
				return err
			}
			closed, err = e.settle(ctx, tx, pos, mark, true)
			return err
		})
		if errors.Is(err, model.ErrPositionNotFound) {
			continue // closed concurrently
		}
		if err != nil {
			errs = append(errs, e.sweepFailure(p, err))
			continue
		}
		settled++
		e.logClosed(closed)
	}
	return settled, errors.Join(errs...)
}

func (e *Engine) loadOpen(ctx context.Context, tx store.Tx, userID, id string) (*model.FuturesPosition, error) {
	pos, err := tx.GetFutures(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !pos.IsOpen) {
		return nil, fmt.Errorf("futures %s: %w", id, model.ErrPositionNotFound)
	}
	return pos, err
}

// settle credits max(0, margin + pnl) and marks the position closed.
func (e *Engine) settle(ctx context.Context, tx store.Tx, pos *model.FuturesPosition, mark decimal.Decimal, liquidated bool) (*model.FuturesPosition, error) {
	pnl := UnrealizedPnL(*pos, mark)
	credit := decimal.Max(decimal.Zero, pos.Margin.Add(pnl))

	desc := fmt.Sprintf("Close %s %s at %s", pos.Direction, pos.Symbol, mark)
	if liquidated {
		desc = fmt.Sprintf("Liquidate %s %s at %s", pos.Direction, pos.Symbol, mark)
	}
	if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
		UserID:      pos.UserID,
		Asset:       e.ledger.Catalog().BaseFiat,
		Kind:        model.TxFuturesSettle,
		Direction:   model.Income,
		Amount:      credit,
		ReferenceID: pos.ID,
		Description: desc,
	}); err != nil {
		return nil, err
	}

	now := e.ledger.Now()
	pos.IsOpen = false
	pos.ClosedAt = &now
	pos.ExitPrice = mark
	pos.RealizedPnL = credit.Sub(pos.Margin)
	pos.Liquidated = liquidated
	if err := tx.PutFutures(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (e *Engine) logClosed(pos *model.FuturesPosition) {
	outcome, event := "closed", "futures_closed"
	if pos.Liquidated {
		outcome, event = "liquidated", "futures_liquidated"
	}
	metrics.PositionsClosed.WithLabelValues(product, outcome).Inc()
	e.logger.Info("position "+outcome,
		zap.String("id", pos.ID),
		zap.String("user", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.Stringer("exit", pos.ExitPrice),
		zap.Stringer("pnl", pos.RealizedPnL),
	)
	e.ledger.Emit(ledger.Event{Type: event, UserID: pos.UserID, Payload: pos})
}

func (e *Engine) sweepFailure(p model.FuturesPosition, err error) error {
	metrics.SweepFailures.WithLabelValues(product).Inc()
	e.logger.Warn("liquidation check failed",
		zap.String("id", p.ID),
		zap.String("user", p.UserID),
		zap.String("symbol", p.Symbol),
		zap.Error(err),
	)
	return fmt.Errorf("futures %s: %w", p.ID, err)
}
