// Package binary implements fixed-payout options.
//
// Lifecycle: PENDING → ACTIVE → WON | LOST, with PENDING → CANCELLED on
// explicit withdrawal or when the trigger never fires within the pending
// TTL. The wager is debited when the position is created, pending or not,
// and refunded only on cancellation; a won option credits
// amount·(1 + payoutPercent/100).
package binary

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

const product = "binary"

var hundred = decimal.NewFromInt(100)

// Engine places and settles binary options.
type Engine struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates a binary options engine.
func New(l *ledger.Ledger) *Engine {
	return &Engine{ledger: l, logger: l.Logger().Named(product)}
}

func (e *Engine) Name() string { return product }

// Payout is what a won option credits.
func Payout(amount, payoutPercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Add(payoutPercent.Div(hundred))).Round(ledger.AmountScale)
}

// Wins reports the outcome at expiry. Ties lose.
func Wins(dir model.BinaryDirection, strike, mark decimal.Decimal) bool {
	if dir == model.Call {
		return mark.GreaterThan(strike)
	}
	return mark.LessThan(strike)
}

// Triggered reports whether mark is within tolerance of target.
func Triggered(mark, target, tolerance decimal.Decimal) bool {
	return mark.Sub(target).Abs().Div(target).LessThanOrEqual(tolerance)
}

func (e *Engine) validate(dir model.BinaryDirection, amount decimal.Decimal) error {
	if dir != model.Call && dir != model.Put {
		return fmt.Errorf("direction %q: %w", dir, model.ErrInvalidAmount)
	}
	return ledger.RequirePositive("wager", amount)
}

// OpenImmediate debits the wager and starts an ACTIVE option struck at the
// current mark. Zero duration uses the catalog default.
func (e *Engine) OpenImmediate(ctx context.Context, userID, asset string, amount decimal.Decimal, dir model.BinaryDirection, durationSeconds int) (*model.BinaryPosition, error) {
	if err := e.validate(dir, amount); err != nil {
		return nil, err
	}
	cfg := e.ledger.Catalog().Binary
	if durationSeconds == 0 {
		durationSeconds = cfg.DefaultExpirySeconds
	}
	if durationSeconds < cfg.MinDurationSeconds || (cfg.MaxDurationSeconds > 0 && durationSeconds > cfg.MaxDurationSeconds) {
		return nil, fmt.Errorf("duration %ds outside [%d, %d]: %w",
			durationSeconds, cfg.MinDurationSeconds, cfg.MaxDurationSeconds, model.ErrInvalidAmount)
	}
	mark, err := e.ledger.Feed().Price(asset)
	if err != nil {
		return nil, err
	}

	now := e.ledger.Now()
	duration := time.Duration(durationSeconds) * time.Second
	pos := &model.BinaryPosition{
		ID:            uuid.NewString(),
		UserID:        userID,
		Asset:         asset,
		Amount:        amount,
		Direction:     dir,
		EntryPrice:    mark,
		StrikePrice:   mark,
		PayoutPercent: e.ledger.Catalog().PayoutPercent(asset),
		Duration:      duration,
		StartTime:     now,
		ExpiryTime:    now.Add(duration),
		TargetPrice:   decimal.Zero,
		Status:        model.BinaryActive,
		ResultAmount:  decimal.Zero,
		CreatedAt:     now,
	}
	if err := e.place(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// OpenPending reserves the wager now and activates the option once the
// mark comes within tolerance of targetPrice.
func (e *Engine) OpenPending(ctx context.Context, userID, asset string, amount decimal.Decimal, dir model.BinaryDirection, targetPrice decimal.Decimal) (*model.BinaryPosition, error) {
	if err := e.validate(dir, amount); err != nil {
		return nil, err
	}
	if err := ledger.RequirePositive("target price", targetPrice); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Feed().Price(asset); err != nil {
		return nil, err
	}

	// Until activation ExpiryTime holds the pending deadline.
	cfg := e.ledger.Catalog().Binary
	now := e.ledger.Now()
	pos := &model.BinaryPosition{
		ID:            uuid.NewString(),
		UserID:        userID,
		Asset:         asset,
		Amount:        amount,
		Direction:     dir,
		EntryPrice:    decimal.Zero,
		StrikePrice:   decimal.Zero,
		PayoutPercent: e.ledger.Catalog().PayoutPercent(asset),
		Duration:      time.Duration(cfg.DefaultExpirySeconds) * time.Second,
		ExpiryTime:    now.Add(time.Duration(cfg.PendingTTLSeconds) * time.Second),
		TargetPrice:   targetPrice,
		Status:        model.BinaryPending,
		ResultAmount:  decimal.Zero,
		CreatedAt:     now,
	}
	if err := e.place(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (e *Engine) place(ctx context.Context, pos *model.BinaryPosition) error {
	err := e.ledger.Do(ctx, pos.UserID, func(tx store.Tx) error {
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      pos.UserID,
			Asset:       e.ledger.Catalog().BaseFiat,
			Kind:        model.TxBinaryStake,
			Direction:   model.Outcome,
			Amount:      pos.Amount,
			ReferenceID: pos.ID,
			Description: fmt.Sprintf("%s %s binary (%s)", pos.Direction, pos.Asset, pos.Status),
		}); err != nil {
			return err
		}
		return tx.PutBinary(ctx, pos)
	})
	if err != nil {
		return err
	}

	metrics.PositionsOpened.WithLabelValues(product).Inc()
	e.logger.Info("option placed",
		zap.String("id", pos.ID),
		zap.String("user", pos.UserID),
		zap.String("asset", pos.Asset),
		zap.String("direction", string(pos.Direction)),
		zap.String("status", string(pos.Status)),
		zap.Stringer("amount", pos.Amount),
	)
	e.ledger.Emit(ledger.Event{Type: "binary_placed", UserID: pos.UserID, Payload: pos})
	return nil
}

// CancelPending withdraws a PENDING option and refunds the wager.
func (e *Engine) CancelPending(ctx context.Context, userID, id string) (*model.BinaryPosition, error) {
	var pos *model.BinaryPosition
	err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		var err error
		pos, err = e.load(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if pos.Status != model.BinaryPending {
			return fmt.Errorf("cancel %s option %s: %w", pos.Status, id, model.ErrInvalidTransition)
		}
		return e.cancel(ctx, tx, pos, "Pending option withdrawn", e.ledger.Now())
	})
	if err != nil {
		return nil, err
	}
	e.logSettled(pos)
	return pos, nil
}

// List returns a user's options, optionally filtered by status.
func (e *Engine) List(ctx context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	return e.ledger.Store().ListBinary(ctx, userID, statuses...)
}

// Sweep applies the time and price driven transitions. Terminal options
// are never revisited, so repeated sweeps are no-ops.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	live, err := e.ledger.Store().ListBinary(ctx, userID, model.BinaryPending, model.BinaryActive)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, p := range live {
		var changed *model.BinaryPosition
		err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
			pos, err := e.load(ctx, tx, userID, p.ID)
			if err != nil {
				return err
			}
			changed, err = e.step(ctx, tx, pos, now)
			return err
		})
		if err != nil {
			metrics.SweepFailures.WithLabelValues(product).Inc()
			e.logger.Warn("option settlement failed",
				zap.String("id", p.ID),
				zap.String("user", userID),
				zap.String("asset", p.Asset),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("binary %s: %w", p.ID, err))
			continue
		}
		if changed != nil {
			settled++
			e.logSettled(changed)
		}
	}
	return settled, errors.Join(errs...)
}

// step advances pos by at most one transition. It returns nil when
// nothing changed.
func (e *Engine) step(ctx context.Context, tx store.Tx, pos *model.BinaryPosition, now time.Time) (*model.BinaryPosition, error) {
	switch pos.Status {
	case model.BinaryPending:
		if !now.Before(pos.ExpiryTime) {
			return pos, e.cancel(ctx, tx, pos, "Pending option expired", now)
		}
		mark, err := e.ledger.Feed().Price(pos.Asset)
		if err != nil {
			return nil, err
		}
		if !Triggered(mark, pos.TargetPrice, e.ledger.Catalog().Binary.TriggerTolerance) {
			return nil, nil
		}
		pos.Status = model.BinaryActive
		pos.EntryPrice = mark
		pos.StrikePrice = mark
		pos.StartTime = now
		pos.ExpiryTime = now.Add(pos.Duration)
		return pos, tx.PutBinary(ctx, pos)

	case model.BinaryActive:
		if now.Before(pos.ExpiryTime) {
			return nil, nil
		}
		mark, err := e.ledger.Feed().Price(pos.Asset)
		if err != nil {
			return nil, err
		}
		pos.SettledAt = &now
		if !Wins(pos.Direction, pos.StrikePrice, mark) {
			pos.Status = model.BinaryLost
			pos.ResultAmount = decimal.Zero
			return pos, tx.PutBinary(ctx, pos)
		}
		pos.Status = model.BinaryWon
		pos.ResultAmount = Payout(pos.Amount, pos.PayoutPercent)
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      pos.UserID,
			Asset:       e.ledger.Catalog().BaseFiat,
			Kind:        model.TxBinaryPayout,
			Direction:   model.Income,
			Amount:      pos.ResultAmount,
			ReferenceID: pos.ID,
			Description: fmt.Sprintf("%s %s won at %s (strike %s)", pos.Direction, pos.Asset, mark, pos.StrikePrice),
		}); err != nil {
			return nil, err
		}
		return pos, tx.PutBinary(ctx, pos)
	}
	return nil, nil
}

func (e *Engine) cancel(ctx context.Context, tx store.Tx, pos *model.BinaryPosition, reason string, now time.Time) error {
	if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
		UserID:      pos.UserID,
		Asset:       e.ledger.Catalog().BaseFiat,
		Kind:        model.TxBinaryRefund,
		Direction:   model.Income,
		Amount:      pos.Amount,
		ReferenceID: pos.ID,
		Description: reason,
	}); err != nil {
		return err
	}
	pos.Status = model.BinaryCancelled
	pos.ResultAmount = pos.Amount
	pos.SettledAt = &now
	return tx.PutBinary(ctx, pos)
}

func (e *Engine) load(ctx context.Context, tx store.Tx, userID, id string) (*model.BinaryPosition, error) {
	pos, err := tx.GetBinary(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("binary %s: %w", id, model.ErrPositionNotFound)
	}
	return pos, err
}

func (e *Engine) logSettled(pos *model.BinaryPosition) {
	if pos.Status.Terminal() {
		metrics.PositionsClosed.WithLabelValues(product, string(pos.Status)).Inc()
	}
	e.logger.Info("option "+string(pos.Status),
		zap.String("id", pos.ID),
		zap.String("user", pos.UserID),
		zap.String("asset", pos.Asset),
		zap.Stringer("strike", pos.StrikePrice),
		zap.Stringer("result", pos.ResultAmount),
	)
	e.ledger.Emit(ledger.Event{Type: "binary_" + string(pos.Status), UserID: pos.UserID, Payload: pos})
}
