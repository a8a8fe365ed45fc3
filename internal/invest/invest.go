// Package invest implements fixed-term deposits that accrue pro-rata
// interest and pay principal plus the projected return at maturity.
package invest

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

const product = "invest"

var (
	hundred     = decimal.NewFromInt(100)
	daysPerYear = decimal.NewFromInt(365)
)

// Holding is an investment with its interest accrued so far.
type Holding struct {
	model.FixedInvestment
	AccruedInterest decimal.Decimal `json:"accrued_interest"`
}

// Engine runs fixed-term investments and accrues their interest.
type Engine struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates the investment engine over l.
func New(l *ledger.Ledger) *Engine {
	return &Engine{ledger: l, logger: l.Logger().Named(product)}
}

func (e *Engine) Name() string { return product }

// ProjectedReturn is amount·apy/100·days/365.
func ProjectedReturn(amount, apy decimal.Decimal, days int) decimal.Decimal {
	return amount.Mul(apy).Div(hundred).
		Mul(decimal.NewFromInt(int64(days))).Div(daysPerYear).
		Round(ledger.AmountScale)
}

// AccruedInterest is the share of the projected return earned by now,
// linear in elapsed time and clamped to [0, projectedReturn].
func AccruedInterest(inv model.FixedInvestment, now time.Time) decimal.Decimal {
	total := inv.MaturityDate.Sub(inv.StartDate)
	if total <= 0 || !now.Before(inv.MaturityDate) {
		return inv.ProjectedReturn
	}
	elapsed := now.Sub(inv.StartDate)
	if elapsed <= 0 {
		return decimal.Zero
	}
	frac := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(total)))
	return inv.ProjectedReturn.Mul(frac).Round(ledger.AmountScale)
}

// Subscribe debits amount of asset into plan planID.
func (e *Engine) Subscribe(ctx context.Context, userID, planID string, amount decimal.Decimal, asset string) (*model.FixedInvestment, error) {
	plan, err := e.ledger.Catalog().Plan(planID)
	if err != nil {
		return nil, err
	}
	if err := ledger.RequirePositive("principal", amount); err != nil {
		return nil, err
	}
	if amount.LessThan(plan.MinAmount) {
		return nil, fmt.Errorf("principal %s below plan %s minimum %s: %w", amount, plan.ID, plan.MinAmount, model.ErrInvalidAmount)
	}
	if !plan.Accepts(asset) {
		return nil, fmt.Errorf("plan %s does not accept %s: %w", plan.ID, asset, model.ErrUnknownSymbol)
	}

	now := e.ledger.Now()
	inv := &model.FixedInvestment{
		ID:              uuid.NewString(),
		UserID:          userID,
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		Principal:       amount,
		Asset:           asset,
		APY:             plan.APY,
		StartDate:       now,
		MaturityDate:    now.AddDate(0, 0, plan.DurationDays),
		ProjectedReturn: ProjectedReturn(amount, plan.APY, plan.DurationDays),
		Status:          model.InvestActive,
	}

	err = e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      userID,
			Asset:       asset,
			Kind:        model.TxInvestSubscribe,
			Direction:   model.Outcome,
			Amount:      amount,
			ReferenceID: inv.ID,
			Description: "Subscribe " + plan.Name,
		}); err != nil {
			return err
		}
		return tx.PutInvestment(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(product).Inc()
	e.logger.Info("investment subscribed",
		zap.String("id", inv.ID),
		zap.String("user", userID),
		zap.String("plan", plan.ID),
		zap.Stringer("principal", amount),
		zap.String("asset", asset),
		zap.Time("maturity", inv.MaturityDate),
	)
	e.ledger.Emit(ledger.Event{Type: "investment_subscribed", UserID: userID, Payload: inv})
	return inv, nil
}

// List returns every investment of userID with interest accrued to now.
func (e *Engine) List(ctx context.Context, userID string) ([]Holding, error) {
	invs, err := e.ledger.Store().ListInvestments(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	now := e.ledger.Now()
	out := make([]Holding, 0, len(invs))
	for _, inv := range invs {
		out = append(out, Holding{FixedInvestment: inv, AccruedInterest: AccruedInterest(inv, now)})
	}
	return out, nil
}

// Sweep matures every ACTIVE investment whose maturity date has passed.
// The status check runs inside the unit of work, so each investment is
// credited at most once.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	active, err := e.ledger.Store().ListInvestments(ctx, userID, model.InvestActive)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, a := range active {
		if now.Before(a.MaturityDate) {
			continue
		}
		var matured *model.FixedInvestment
		err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
			inv, err := tx.GetInvestment(ctx, userID, a.ID)
			if err != nil {
				return err
			}
			if inv.Status != model.InvestActive {
				return nil
			}
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				UserID:      userID,
				Asset:       inv.Asset,
				Kind:        model.TxInvestMaturity,
				Direction:   model.Income,
				Amount:      inv.Principal.Add(inv.ProjectedReturn),
				ReferenceID: inv.ID,
				Description: inv.PlanName + " matured",
			}); err != nil {
				return err
			}
			inv.Status = model.InvestMatured
			inv.MaturedAt = &now
			matured = inv
			return tx.PutInvestment(ctx, inv)
		})
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("investment %s: %w", a.ID, model.ErrPositionNotFound)
		}
		if err != nil {
			metrics.SweepFailures.WithLabelValues(product).Inc()
			e.logger.Warn("maturity failed",
				zap.String("id", a.ID),
				zap.String("user", userID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("investment %s: %w", a.ID, err))
			continue
		}
		if matured == nil {
			continue
		}
		settled++
		metrics.PositionsClosed.WithLabelValues(product, "matured").Inc()
		e.logger.Info("investment matured",
			zap.String("id", matured.ID),
			zap.String("user", userID),
			zap.Stringer("principal", matured.Principal),
			zap.Stringer("return", matured.ProjectedReturn),
		)
		e.ledger.Emit(ledger.Event{Type: "investment_matured", UserID: userID, Payload: matured})
	}
	return settled, errors.Join(errs...)
}
