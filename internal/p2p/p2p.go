// Package p2p implements fiat-for-crypto escrow orders against published
// merchant offers.
//
// State machine:
//
//	CREATED → PAID → RELEASED
//	CREATED | PAID → DISPUTED → RELEASED | CANCELLED
//	CREATED → CANCELLED (explicit, or unpaid past the payment window)
//
// The ledger is untouched until RELEASED, when the asset leg is credited
// (BUY) or debited (SELL). The fiat leg settles off-platform.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/metrics"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/store"
)

const (
	product = "p2p"

	// SystemSender authors the chat entries recorded on each transition.
	SystemSender = "system"
)

var transitions = map[model.P2PStatus][]model.P2PStatus{
	model.P2PCreated:  {model.P2PPaid, model.P2PDisputed, model.P2PCancelled},
	model.P2PPaid:     {model.P2PReleased, model.P2PDisputed},
	model.P2PDisputed: {model.P2PReleased, model.P2PCancelled},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to model.P2PStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Engine runs escrowed P2P orders against catalog offers.
type Engine struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates the P2P engine over l.
func New(l *ledger.Ledger) *Engine {
	return &Engine{ledger: l, logger: l.Logger().Named(product)}
}

func (e *Engine) Name() string { return product }

// CreateOrder opens an order for amountFiat against offerID at the offer's
// fixed price. SELL orders require the asset to be on hand already; it is
// debited only on release.
func (e *Engine) CreateOrder(ctx context.Context, userID, offerID string, amountFiat decimal.Decimal) (*model.P2POrder, error) {
	offer, err := e.ledger.Catalog().Offer(offerID)
	if err != nil {
		return nil, err
	}
	if err := ledger.RequirePositive("fiat amount", amountFiat); err != nil {
		return nil, err
	}
	if amountFiat.LessThan(offer.MinFiat) || (offer.MaxFiat.IsPositive() && amountFiat.GreaterThan(offer.MaxFiat)) {
		return nil, fmt.Errorf("fiat amount %s outside offer limits [%s, %s]: %w",
			amountFiat, offer.MinFiat, offer.MaxFiat, model.ErrLimitExceeded)
	}

	now := e.ledger.Now()
	order := &model.P2POrder{
		ID:                   uuid.NewString(),
		UserID:               userID,
		OfferID:              offer.ID,
		Side:                 offer.Side,
		Asset:                offer.Asset,
		FiatCurrency:         offer.FiatCurrency,
		AmountAsset:          amountFiat.Div(offer.Price).Round(ledger.AmountScale),
		AmountFiat:           amountFiat,
		Price:                offer.Price,
		CounterpartyMerchant: offer.Merchant,
		Status:               model.P2PCreated,
		CreatedAt:            now,
		PayBy:                now.Add(time.Duration(offer.PaymentWindowMinutes) * time.Minute),
		UpdatedAt:            now,
	}
	opening := fmt.Sprintf("Order created: %s %s %s for %s %s. Pay within %d minutes.",
		order.Side, order.AmountAsset, order.Asset, order.AmountFiat, order.FiatCurrency, offer.PaymentWindowMinutes)
	order.ChatLog = []model.ChatMessage{{Sender: SystemSender, Message: opening, Time: now}}

	err = e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		if order.Side == model.P2PSell {
			held, err := balance(ctx, tx, userID, order.Asset)
			if err != nil {
				return err
			}
			if held.LessThan(order.AmountAsset) {
				metrics.LedgerRejections.WithLabelValues("insufficient_funds").Inc()
				return fmt.Errorf("sell %s %s with %s on hand: %w", order.AmountAsset, order.Asset, held, model.ErrInsufficientFunds)
			}
		}
		return tx.PutP2POrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(product).Inc()
	e.logger.Info("order created",
		zap.String("id", order.ID),
		zap.String("user", userID),
		zap.String("offer", offer.ID),
		zap.String("side", string(order.Side)),
		zap.Stringer("amount_asset", order.AmountAsset),
		zap.Stringer("amount_fiat", amountFiat),
	)
	e.ledger.Emit(ledger.Event{Type: "p2p_created", UserID: userID, Payload: order})
	return order, nil
}

// MarkPaid records the user's confirmation that fiat was sent.
func (e *Engine) MarkPaid(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	return e.transition(ctx, userID, id, model.P2PPaid, "Buyer marked the order as paid.")
}

// Release completes the trade and posts the asset leg.
func (e *Engine) Release(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	return e.transition(ctx, userID, id, model.P2PReleased, "Funds released. Order complete.")
}

// Dispute freezes the order pending review of the chat log.
func (e *Engine) Dispute(ctx context.Context, userID, id, reason string) (*model.P2POrder, error) {
	msg := "Dispute opened."
	if reason = strings.TrimSpace(reason); reason != "" {
		msg = "Dispute opened: " + reason
	}
	return e.transition(ctx, userID, id, model.P2PDisputed, msg)
}

// Cancel abandons an unpaid order or closes a dispute without release.
// No asset moves.
func (e *Engine) Cancel(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	return e.transition(ctx, userID, id, model.P2PCancelled, "Order cancelled.")
}

// AppendChat adds a message to the order's chat log. The log is
// append-only and kept after the order is closed.
func (e *Engine) AppendChat(ctx context.Context, userID, id, sender, message string) (*model.P2POrder, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("empty chat message: %w", model.ErrInvalidAmount)
	}
	var order *model.P2POrder
	err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		var err error
		order, err = e.load(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		now := e.ledger.Now()
		order.ChatLog = append(order.ChatLog, model.ChatMessage{Sender: sender, Message: message, Time: now})
		order.UpdatedAt = now
		return tx.PutP2POrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Emit(ledger.Event{Type: "p2p_chat", UserID: userID, Payload: order})
	return order, nil
}

// Get returns one of userID's orders.
func (e *Engine) Get(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	order, err := e.ledger.Store().GetP2POrder(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("p2p order %s: %w", id, model.ErrOrderNotFound)
	}
	return order, err
}

// List returns userID's orders, oldest first.
func (e *Engine) List(ctx context.Context, userID string) ([]model.P2POrder, error) {
	return e.ledger.Store().ListP2POrders(ctx, userID)
}

// Sweep cancels CREATED orders left unpaid past their payment window.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	orders, err := e.ledger.Store().ListP2POrders(ctx, userID)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, o := range orders {
		if o.Status != model.P2PCreated || now.Before(o.PayBy) {
			continue
		}
		_, err := e.transitionIf(ctx, userID, o.ID, model.P2PCancelled,
			"Payment window expired. Order cancelled automatically.",
			func(cur *model.P2POrder) bool { return cur.Status == model.P2PCreated })
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			metrics.SweepFailures.WithLabelValues(product).Inc()
			e.logger.Warn("order expiry failed",
				zap.String("id", o.ID),
				zap.String("user", userID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("p2p %s: %w", o.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

var errSkipped = errors.New("p2p: transition no longer applies")

func (e *Engine) transition(ctx context.Context, userID, id string, to model.P2PStatus, note string) (*model.P2POrder, error) {
	return e.transitionIf(ctx, userID, id, to, note, nil)
}

// transitionIf moves the order to status to inside one unit of work. When
// guard is set and rejects the current state, errSkipped is returned and
// nothing is written.
func (e *Engine) transitionIf(ctx context.Context, userID, id string, to model.P2PStatus, note string, guard func(*model.P2POrder) bool) (*model.P2POrder, error) {
	var (
		order *model.P2POrder
		from  model.P2PStatus
	)
	err := e.ledger.Do(ctx, userID, func(tx store.Tx) error {
		var err error
		order, err = e.load(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if guard != nil && !guard(order) {
			return errSkipped
		}
		from = order.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("p2p order %s %s → %s: %w", id, from, to, model.ErrInvalidTransition)
		}
		if to == model.P2PReleased {
			if err := e.postRelease(ctx, tx, order); err != nil {
				return err
			}
		}
		now := e.ledger.Now()
		order.Status = to
		order.UpdatedAt = now
		order.ChatLog = append(order.ChatLog, model.ChatMessage{Sender: SystemSender, Message: note, Time: now})
		return tx.PutP2POrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	if to.Terminal() {
		metrics.PositionsClosed.WithLabelValues(product, string(to)).Inc()
	}
	e.logger.Info("order "+strings.ToLower(string(to)),
		zap.String("id", id),
		zap.String("user", userID),
		zap.String("from", string(from)),
	)
	e.ledger.Emit(ledger.Event{Type: "p2p_" + strings.ToLower(string(to)), UserID: userID, Payload: order})
	return order, nil
}

func (e *Engine) postRelease(ctx context.Context, tx store.Tx, o *model.P2POrder) error {
	dir := model.Income
	desc := fmt.Sprintf("P2P buy from %s at %s %s", o.CounterpartyMerchant, o.Price, o.FiatCurrency)
	if o.Side == model.P2PSell {
		dir = model.Outcome
		desc = fmt.Sprintf("P2P sell to %s at %s %s", o.CounterpartyMerchant, o.Price, o.FiatCurrency)
	}
	_, err := e.ledger.Post(ctx, tx, ledger.Posting{
		UserID:      o.UserID,
		Asset:       o.Asset,
		Kind:        model.TxP2PRelease,
		Direction:   dir,
		Amount:      o.AmountAsset,
		ReferenceID: o.ID,
		Description: desc,
	})
	return err
}

func (e *Engine) load(ctx context.Context, tx store.Tx, userID, id string) (*model.P2POrder, error) {
	order, err := tx.GetP2POrder(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("p2p order %s: %w", id, model.ErrOrderNotFound)
	}
	return order, err
}

func balance(ctx context.Context, tx store.Tx, userID, asset string) (decimal.Decimal, error) {
	b, err := tx.GetBalance(ctx, userID, asset)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}
