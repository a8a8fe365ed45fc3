// Package copytrade allocates capital to trader profiles and marks each
// allocation to the profile's published daily return.
package copytrade

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
	"github.com/lexportal/bank-engine/internal/store"
)

const product = "copytrade"

// Stop reasons recorded on closed positions.
const (
	ReasonManual     = "manual"
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	day     = 24 * time.Hour
)

type Engine struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func New(l *ledger.Ledger) *Engine {
	return &Engine{ledger: l, logger: l.Logger().Named(product)}
}

func (e *Engine) Name() string { return product }

// MirroredValue compounds allocated by dailyPercent for each whole day of
// elapsed and applies the partial day linearly.
func MirroredValue(allocated, dailyPercent decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return allocated
	}
	rate := dailyPercent.Div(hundred)
	factor := one.Add(rate)
	value := allocated
	for i := time.Duration(0); i < elapsed/day; i++ {
		value = value.Mul(factor).Round(ledger.AmountScale)
	}
	if rem := elapsed % day; rem > 0 {
		frac := decimal.NewFromInt(int64(rem)).Div(decimal.NewFromInt(int64(day)))
		value = value.Mul(one.Add(rate.Mul(frac)))
	}
	return value.Round(ledger.AmountScale)
}

// stopReason returns the rule pnl trips under settings, if any.
func stopReason(p model.CopyPosition, pnl decimal.Decimal) string {
	s := p.Settings
	if s.StopLossPercent.IsPositive() {
		floor := p.AllocatedAmount.Mul(s.StopLossPercent).Div(hundred).Neg()
		if pnl.LessThanOrEqual(floor) {
			return ReasonStopLoss
		}
	}
	if s.TakeProfitPercent.IsPositive() {
		target := p.AllocatedAmount.Mul(s.TakeProfitPercent).Div(hundred)
		if pnl.GreaterThanOrEqual(target) {
			return ReasonTakeProfit
		}
	}
	return ""
}

// Follow debits amount of base fiat and starts mirroring traderID.
func (e *Engine) Follow(ctx context.Context, userID, traderID string, amount decimal.Decimal, settings model.CopySettings) (*model.CopyPosition, error) {
	trader, err := e.ledger.Catalog().Trader(traderID)
	if err != nil {
		return nil, err
	}
	if err := ledger.RequirePositive("allocation", amount); err != nil {
		return nil, err
	}
	if amount.LessThan(trader.MinAllocation) || (trader.MaxAllocation.IsPositive() && amount.GreaterThan(trader.MaxAllocation)) {
		return nil, fmt.Errorf("allocation %s outside %s limits [%s, %s]: %w",
			amount, trader.ID, trader.MinAllocation, trader.MaxAllocation, model.ErrLimitExceeded)
	}
	if settings.StopLossPercent.IsNegative() || settings.TakeProfitPercent.IsNegative() {
		return nil, fmt.Errorf("negative stop rule: %w", model.ErrInvalidAmount)
	}

	pos := &model.CopyPosition{
		ID:              uuid.NewString(),
		UserID:          userID,
		TraderID:        trader.ID,
		AllocatedAmount: amount,
		CurrentValue:    amount,
		PnL:             decimal.Zero,
		StartDate:       e.ledger.Now(),
		Settings:        settings,
		Status:          model.CopyActive,
	}
	err = e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      userID,
			Asset:       e.ledger.Catalog().BaseFiat,
			Kind:        model.TxCopyAllocate,
			Direction:   model.Outcome,
			Amount:      amount,
			ReferenceID: pos.ID,
			Description: "Copy " + trader.Name,
		}); err != nil {
			return err
		}
		return tx.PutCopyPosition(ctx, pos)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(product).Inc()
	e.logger.Info("trader followed",
		zap.String("id", pos.ID),
		zap.String("user", userID),
		zap.String("trader", trader.ID),
		zap.Stringer("amount", amount),
	)
	e.ledger.Emit(ledger.Event{Type: "copy_followed", UserID: userID, Payload: pos})
	return pos, nil
}

// Unfollow closes an active allocation and returns its current value.
func (e *Engine) Unfollow(ctx context.Context, userID, id string) (*model.CopyPosition, error) {
	var pos *model.CopyPosition
	err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		p, err := tx.GetCopyPosition(ctx, userID, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("copy position %s: %w", id, model.ErrPositionNotFound)
		}
		if err != nil {
			return err
		}
		if p.Status != model.CopyActive {
			return fmt.Errorf("copy position %s is %s: %w", id, p.Status, model.ErrInvalidTransition)
		}
		now := e.ledger.Now()
		if err := e.revalue(p, now); err != nil {
			return err
		}
		pos = p
		return e.stop(ctx, tx, p, ReasonManual, now)
	})
	if err != nil {
		return nil, err
	}
	e.logStopped(pos)
	return pos, nil
}

func (e *Engine) List(ctx context.Context, userID string) ([]model.CopyPosition, error) {
	return e.ledger.Store().ListCopyPositions(ctx, userID)
}

// Sweep marks every active allocation to now and closes those that trip
// their stop-loss or take-profit rule. Only closures are counted.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	positions, err := e.ledger.Store().ListCopyPositions(ctx, userID)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, p := range positions {
		if p.Status != model.CopyActive {
			continue
		}
		var stopped *model.CopyPosition
		err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
			pos, err := tx.GetCopyPosition(ctx, userID, p.ID)
			if err != nil {
				return err
			}
			if pos.Status != model.CopyActive {
				return nil
			}
			if err := e.revalue(pos, now); err != nil {
				return err
			}
			if reason := stopReason(*pos, pos.PnL); reason != "" {
				stopped = pos
				return e.stop(ctx, tx, pos, reason, now)
			}
			return tx.PutCopyPosition(ctx, pos)
		})
		if err != nil {
			metrics.SweepFailures.WithLabelValues(product).Inc()
			e.logger.Warn("copy revaluation failed",
				zap.String("id", p.ID),
				zap.String("user", userID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("copy %s: %w", p.ID, err))
			continue
		}
		if stopped != nil {
			settled++
			e.logStopped(stopped)
		}
	}
	return settled, errors.Join(errs...)
}

func (e *Engine) revalue(p *model.CopyPosition, now time.Time) error {
	trader, err := e.ledger.Catalog().Trader(p.TraderID)
	if err != nil {
		return err
	}
	p.CurrentValue = MirroredValue(p.AllocatedAmount, trader.DailyReturnPercent, now.Sub(p.StartDate))
	p.PnL = p.CurrentValue.Sub(p.AllocatedAmount)
	return nil
}

func (e *Engine) stop(ctx context.Context, tx store.Tx, p *model.CopyPosition, reason string, now time.Time) error {
	if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
		UserID:      p.UserID,
		Asset:       e.ledger.Catalog().BaseFiat,
		Kind:        model.TxCopyReturn,
		Direction:   model.Income,
		Amount:      p.CurrentValue,
		ReferenceID: p.ID,
		Description: fmt.Sprintf("Copy %s closed (%s)", p.TraderID, reason),
	}); err != nil {
		return err
	}
	p.Status = model.CopyStopped
	p.StopReason = reason
	p.StoppedAt = &now
	return tx.PutCopyPosition(ctx, p)
}

func (e *Engine) logStopped(p *model.CopyPosition) {
	metrics.PositionsClosed.WithLabelValues(product, p.StopReason).Inc()
	e.logger.Info("copy stopped",
		zap.String("id", p.ID),
		zap.String("user", p.UserID),
		zap.String("reason", p.StopReason),
		zap.Stringer("value", p.CurrentValue),
		zap.Stringer("pnl", p.PnL),
	)
	e.ledger.Emit(ledger.Event{Type: "copy_stopped", UserID: p.UserID, Payload: p})
}
