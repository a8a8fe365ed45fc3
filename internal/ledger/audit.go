package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/model"
)

// ErrJournalMismatch means replaying the journal does not reproduce a
// stored balance.
var ErrJournalMismatch = errors.New("ledger: journal does not reproduce balance")

// Replay recomputes a balance from journal entries of a single asset,
// applied in posting order.
func Replay(entries []model.Transaction) decimal.Decimal {
	sorted := append([]model.Transaction(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	total := decimal.Zero
	for _, e := range sorted {
		total = total.Add(e.Delta())
	}
	return total
}

// Reconcile replays every asset of userID and checks both the running sum
// and the last balanceAfter snapshot against the stored balance.
func (l *Ledger) Reconcile(ctx context.Context, userID string) error {
	balances, err := l.store.ListBalances(ctx, userID)
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range balances {
		entries, err := l.store.ListTransactions(ctx, userID, b.Symbol)
		if err != nil {
			return err
		}
		replayed := Replay(entries)
		if !replayed.Equal(b.Amount) {
			errs = append(errs, fmt.Errorf("%s: replay %s, balance %s: %w", b.Symbol, replayed, b.Amount, ErrJournalMismatch))
			continue
		}
		if n := len(entries); n > 0 && !entries[n-1].BalanceAfter.Equal(b.Amount) {
			errs = append(errs, fmt.Errorf("%s: last snapshot %s, balance %s: %w",
				b.Symbol, entries[n-1].BalanceAfter, b.Amount, ErrJournalMismatch))
		}
	}
	return errors.Join(errs...)
}

// Portfolio marks every balance of userID to market in USD.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	balances, err := l.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{UserID: userID, Lines: make([]model.PortfolioLine, 0, len(balances)), TotalValueUSD: decimal.Zero}
	for _, b := range balances {
		if px, err := l.feed.Price(b.Symbol); err == nil {
			b.MarkPriceUSD = px
		}
		value := b.Amount.Mul(b.MarkPriceUSD).Round(2)
		p.Lines = append(p.Lines, model.PortfolioLine{Balance: b, ValueUSD: value})
		p.TotalValueUSD = p.TotalValueUSD.Add(value)
	}
	return p, nil
}
