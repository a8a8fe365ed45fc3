package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/store"
)

// Deposit credits the base fiat balance.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, method string) (*model.Transaction, error) {
	if err := RequirePositive("deposit amount", amount); err != nil {
		return nil, err
	}

	var entry *model.Transaction
	err := l.Do(ctx, userID, func(tx store.Tx) error {
		var err error
		entry, err = l.Post(ctx, tx, Posting{
			UserID:      userID,
			Asset:       l.cat.BaseFiat,
			Kind:        model.TxDeposit,
			Direction:   model.Income,
			Amount:      amount,
			Description: "Deposit via " + method,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("deposit",
		zap.String("user", userID),
		zap.Stringer("amount", amount),
		zap.String("method", method),
	)
	l.Emit(Event{Type: "balance_changed", UserID: userID, Payload: entry})
	return entry, nil
}

// Withdraw debits amount plus the method's fee. The balance must cover both.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, asset, method string) (*model.Transaction, error) {
	if err := RequirePositive("withdraw amount", amount); err != nil {
		return nil, err
	}
	fee, err := l.withdrawFee(method, asset, amount)
	if err != nil {
		return nil, err
	}

	var entry *model.Transaction
	err = l.Do(ctx, userID, func(tx store.Tx) error {
		var err error
		entry, err = l.Post(ctx, tx, Posting{
			UserID:      userID,
			Asset:       asset,
			Kind:        model.TxWithdraw,
			Direction:   model.Outcome,
			Amount:      amount,
			Fee:         fee,
			Description: "Withdrawal via " + method,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("withdraw",
		zap.String("user", userID),
		zap.String("asset", asset),
		zap.Stringer("amount", amount),
		zap.Stringer("fee", fee),
	)
	l.Emit(Event{Type: "balance_changed", UserID: userID, Payload: entry})
	return entry, nil
}

// withdrawFee prices method's fee rule in asset. The flat part is quoted in
// base fiat and converted at the current mark.
func (l *Ledger) withdrawFee(method, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	rule := l.cat.WithdrawFee(method)
	flat := rule.Flat
	if flat.IsPositive() && asset != l.cat.BaseFiat {
		var err error
		if flat, err = l.convert(l.cat.BaseFiat, asset, flat); err != nil {
			return decimal.Zero, err
		}
	}
	return flat.Add(amount.Mul(rule.Rate)).Round(AmountScale), nil
}

// MovePocket converts amount of asset into the representation the pocket
// table assigns to the destination pocket (e.g. USD in FIAT → USDT in
// CRYPTO) at current oracle prices. Two INTERNAL_MOVE entries share one
// reference id.
func (l *Ledger) MovePocket(ctx context.Context, userID string, from, to model.Pocket, asset string, amount decimal.Decimal) ([]model.Transaction, error) {
	if from == to {
		return nil, fmt.Errorf("move %s → %s: %w", from, to, model.ErrInvalidPocketTransition)
	}
	target, ok := l.cat.Route(from, to, asset)
	if !ok {
		return nil, fmt.Errorf("move %s %s → %s: %w", asset, from, to, model.ErrInvalidPocketTransition)
	}
	if err := RequirePositive("move amount", amount); err != nil {
		return nil, err
	}
	received, err := l.convert(asset, target, amount)
	if err != nil {
		return nil, err
	}

	ref := uuid.NewString()
	desc := fmt.Sprintf("Move %s %s (%s) → %s %s (%s)", amount, asset, from, received, target, to)
	var entries []model.Transaction
	err = l.Do(ctx, userID, func(tx store.Tx) error {
		out, err := l.Post(ctx, tx, Posting{
			UserID: userID, Asset: asset, Kind: model.TxInternalMove, Direction: model.Outcome,
			Amount: amount, ReferenceID: ref, Description: desc,
		})
		if err != nil {
			return err
		}
		in, err := l.Post(ctx, tx, Posting{
			UserID: userID, Asset: target, Kind: model.TxInternalMove, Direction: model.Income,
			Amount: received, ReferenceID: ref, Description: desc,
		})
		if err != nil {
			return err
		}
		entries = []model.Transaction{*out, *in}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("pocket move",
		zap.String("user", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Stringer("amount", amount),
		zap.Stringer("received", received),
	)
	l.Emit(Event{Type: "balance_changed", UserID: userID, Payload: entries})
	return entries, nil
}

// TransferInternal moves amount of asset from userID to recipient. Both
// legs commit together.
func (l *Ledger) TransferInternal(ctx context.Context, userID, recipient string, amount decimal.Decimal, asset string) ([]model.Transaction, error) {
	if recipient == "" || recipient == userID {
		return nil, fmt.Errorf("transfer to %q: %w", recipient, model.ErrInvalidAmount)
	}
	if err := RequirePositive("transfer amount", amount); err != nil {
		return nil, err
	}

	ref := uuid.NewString()
	var entries []model.Transaction
	err := l.DoAll(ctx, []string{userID, recipient}, func(tx store.Tx) error {
		out, err := l.Post(ctx, tx, Posting{
			UserID: userID, Asset: asset, Kind: model.TxTransferInternal, Direction: model.Outcome,
			Amount: amount, ReferenceID: ref, Description: "Transfer to " + recipient,
		})
		if err != nil {
			return err
		}
		in, err := l.Post(ctx, tx, Posting{
			UserID: recipient, Asset: asset, Kind: model.TxTransferInternal, Direction: model.Income,
			Amount: amount, ReferenceID: ref, Description: "Transfer from " + userID,
		})
		if err != nil {
			return err
		}
		entries = []model.Transaction{*out, *in}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("internal transfer",
		zap.String("user", userID),
		zap.String("recipient", recipient),
		zap.String("asset", asset),
		zap.Stringer("amount", amount),
	)
	l.Emit(Event{Type: "balance_changed", UserID: userID, Payload: entries[0]})
	l.Emit(Event{Type: "balance_changed", UserID: recipient, Payload: entries[1]})
	return entries, nil
}

// TradeSpot sells sellAmount of sellAsset for buyAsset at
// sellAmount·price(sell)/price(buy), less the catalog spot fee.
func (l *Ledger) TradeSpot(ctx context.Context, userID, buyAsset, sellAsset string, sellAmount decimal.Decimal) ([]model.Transaction, error) {
	if buyAsset == sellAsset {
		return nil, fmt.Errorf("trade %s for itself: %w", sellAsset, model.ErrInvalidAmount)
	}
	if err := RequirePositive("sell amount", sellAmount); err != nil {
		return nil, err
	}
	if _, ok := l.cat.Asset(buyAsset); !ok {
		return nil, fmt.Errorf("buy %s: %w", buyAsset, model.ErrUnknownSymbol)
	}
	bought, err := l.convert(sellAsset, buyAsset, sellAmount)
	if err != nil {
		return nil, err
	}
	fee := bought.Mul(l.cat.SpotFeeRate).Round(AmountScale)

	ref := uuid.NewString()
	desc := fmt.Sprintf("Trade %s %s → %s %s", sellAmount, sellAsset, bought.Sub(fee), buyAsset)
	var entries []model.Transaction
	err = l.Do(ctx, userID, func(tx store.Tx) error {
		out, err := l.Post(ctx, tx, Posting{
			UserID: userID, Asset: sellAsset, Kind: model.TxTrade, Direction: model.Outcome,
			Amount: sellAmount, ReferenceID: ref, Description: desc,
		})
		if err != nil {
			return err
		}
		in, err := l.Post(ctx, tx, Posting{
			UserID: userID, Asset: buyAsset, Kind: model.TxTrade, Direction: model.Income,
			Amount: bought, Fee: fee, ReferenceID: ref, Description: desc,
		})
		if err != nil {
			return err
		}
		entries = []model.Transaction{*out, *in}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("spot trade",
		zap.String("user", userID),
		zap.String("sell", sellAsset),
		zap.String("buy", buyAsset),
		zap.Stringer("sell_amount", sellAmount),
		zap.Stringer("bought", bought),
	)
	l.Emit(Event{Type: "balance_changed", UserID: userID, Payload: entries})
	return entries, nil
}

// convert prices amount of from in units of to.
func (l *Ledger) convert(from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	fromPx, err := l.feed.Price(from)
	if err != nil {
		return decimal.Zero, err
	}
	toPx, err := l.feed.Price(to)
	if err != nil {
		return decimal.Zero, err
	}
	if !toPx.IsPositive() {
		return decimal.Zero, fmt.Errorf("price of %s is %s: %w", to, toPx, model.ErrStaleOracleData)
	}
	return amount.Mul(fromPx).Div(toPx).Round(AmountScale), nil
}
