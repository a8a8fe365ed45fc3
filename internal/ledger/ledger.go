// Package ledger owns every balance mutation. Balances change only through
// Post, which journals an immutable Transaction with the balance snapshot
// after the change, and only inside Do, which serializes per user and runs
// a store unit of work so a failed operation leaves nothing behind.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/metrics"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/store"
)

// AmountScale is the number of decimal places kept on converted amounts.
const AmountScale int32 = 8

// Event is a committed state change pushed to subscribers.
type Event struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Payload any    `json:"payload"`
}

// Notifier receives events after their unit of work commits.
type Notifier interface {
	Notify(Event)
}

// Posting is one balance mutation. Fee is charged in Asset on top of an
// outcome or deducted from an income.
type Posting struct {
	UserID      string
	Asset       string
	Kind        model.TxKind
	Direction   model.Direction
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	ReferenceID string
	Description string
}

// Ledger is the serialization point for all balance mutations.
type Ledger struct {
	store  store.Store
	feed   oracle.Feed
	cat    *catalog.Catalog
	logger *zap.Logger
	now    func() time.Time
	notify Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithNotifier registers the subscriber for committed events.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notify = n }
}

// New creates a ledger over st.
func New(st store.Store, feed oracle.Feed, cat *catalog.Catalog, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		feed:   feed,
		cat:    cat,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing store.
func (l *Ledger) Store() store.Store { return l.store }

// Feed returns the price feed used for conversions.
func (l *Ledger) Feed() oracle.Feed { return l.feed }

// Catalog returns the reference data.
func (l *Ledger) Catalog() *catalog.Catalog { return l.cat }

// Now reads the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Logger returns the ledger's named logger; engines derive theirs from it.
func (l *Ledger) Logger() *zap.Logger { return l.logger }

// SetNotifier replaces the event sink. Call before serving traffic.
func (l *Ledger) SetNotifier(n Notifier) { l.notify = n }

// Emit forwards ev to the notifier, if any. Call only after commit.
func (l *Ledger) Emit(ev Event) {
	if l.notify != nil {
		l.notify.Notify(ev)
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// Do runs fn as one unit of work while holding userID's lock. Either every
// posting and position write made through tx commits or none does.
func (l *Ledger) Do(ctx context.Context, userID string, fn func(tx store.Tx) error) error {
	return l.DoAll(ctx, []string{userID}, fn)
}

// DoAll is Do for operations spanning several users. Locks are taken in
// sorted order so two transfers in opposite directions cannot deadlock.
func (l *Ledger) DoAll(ctx context.Context, userIDs []string, fn func(tx store.Tx) error) error {
	if len(userIDs) == 0 {
		return errors.New("ledger: unit of work without a user")
	}
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		m := l.userLock(id)
		m.Lock()
		defer m.Unlock()
	}

	err := l.store.Atomic(ctx, userIDs[0], fn)
	if errors.Is(err, model.ErrStorageUnavailable) {
		l.logger.Error("unit of work failed", zap.Strings("users", userIDs), zap.Error(err))
	}
	return err
}

// Post applies p to its balance inside tx and journals it. The balance
// record is created on first income. A result below zero fails with
// ErrInsufficientFunds before anything is written.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, p Posting) (*model.Transaction, error) {
	if p.Amount.IsNegative() || p.Fee.IsNegative() {
		return nil, fmt.Errorf("post %s %s: %w", p.Kind, p.Amount, model.ErrInvalidAmount)
	}

	bal, err := tx.GetBalance(ctx, p.UserID, p.Asset)
	switch {
	case errors.Is(err, store.ErrNotFound):
		bal, err = l.newBalance(p.UserID, p.Asset)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	entry := &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		ReferenceID: p.ReferenceID,
		Kind:        p.Kind,
		Direction:   p.Direction,
		Amount:      p.Amount,
		Asset:       p.Asset,
		Fee:         p.Fee,
		FeeAsset:    p.Asset,
		Status:      model.TxStatusCompleted,
		Timestamp:   l.now(),
		Description: p.Description,
	}
	if entry.ReferenceID == "" {
		entry.ReferenceID = entry.ID
	}

	after := bal.Amount.Add(entry.Delta())
	if after.IsNegative() {
		metrics.LedgerRejections.WithLabelValues("insufficient_funds").Inc()
		return nil, fmt.Errorf("%s needs %s %s, have %s: %w",
			p.Kind, p.Amount.Add(p.Fee), p.Asset, bal.Amount, model.ErrInsufficientFunds)
	}
	entry.BalanceAfter = after

	bal.Amount = after
	bal.UpdatedAt = entry.Timestamp
	if px, err := l.feed.Price(p.Asset); err == nil {
		bal.MarkPriceUSD = px
	}
	if err := tx.PutBalance(ctx, bal); err != nil {
		return nil, err
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, err
	}
	metrics.PostingsTotal.WithLabelValues(string(p.Kind)).Inc()
	return entry, nil
}

func (l *Ledger) newBalance(userID, symbol string) (*model.Balance, error) {
	asset, ok := l.cat.Asset(symbol)
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", symbol, model.ErrUnknownSymbol)
	}
	return &model.Balance{
		UserID:       userID,
		Symbol:       symbol,
		DisplayName:  asset.Name,
		Amount:       decimal.Zero,
		MarkPriceUSD: asset.Price,
		AssetClass:   asset.Class,
	}, nil
}

// Balance returns one balance; a missing record reads as zero.
func (l *Ledger) Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	b, err := l.store.GetBalance(ctx, userID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

// Balances lists every balance of a user.
func (l *Ledger) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return l.store.ListBalances(ctx, userID)
}

// Transactions lists the journal of a user, optionally for one asset.
func (l *Ledger) Transactions(ctx context.Context, userID, asset string) ([]model.Transaction, error) {
	return l.store.ListTransactions(ctx, userID, asset)
}

// RequirePositive fails with ErrInvalidAmount unless v > 0.
func RequirePositive(what string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%s must be positive, got %s: %w", what, v, model.ErrInvalidAmount)
	}
	return nil
}
