// Package store defines the persistence interface for the bank engine.
// Implementations include PostgreSQL (source of truth), Pebble (embedded
// single-process KV), Redis (read-through cache) and in-memory (for testing).
//
// Every entity lives in its own table keyed by (user, id). Mutations only
// happen inside Atomic: either every write made through the Tx commits or
// none does.
package store

import (
	"context"
	"errors"

	"github.com/lexportal/bank-engine/internal/model"
)

// ErrNotFound is returned by Get methods for unknown keys. Engines map it
// to their domain error (position/order not found).
var ErrNotFound = errors.New("store: not found")

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// --- Ledger ---

	// GetBalance returns the balance of symbol, or ErrNotFound.
	GetBalance(ctx context.Context, userID, symbol string) (*model.Balance, error)

	// ListBalances returns all balances of a user.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// ListTransactions returns the journal ordered by Seq. Empty asset
	// means every asset.
	ListTransactions(ctx context.Context, userID, asset string) ([]model.Transaction, error)

	// --- Product stores ---

	GetFutures(ctx context.Context, userID, id string) (*model.FuturesPosition, error)
	ListFutures(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error)

	GetBinary(ctx context.Context, userID, id string) (*model.BinaryPosition, error)
	// ListBinary filters by status; no statuses means all.
	ListBinary(ctx context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error)

	GetInvestment(ctx context.Context, userID, id string) (*model.FixedInvestment, error)
	// ListInvestments filters by status; empty status means all.
	ListInvestments(ctx context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error)

	GetP2POrder(ctx context.Context, userID, id string) (*model.P2POrder, error)
	ListP2POrders(ctx context.Context, userID string) ([]model.P2POrder, error)

	GetCopyPosition(ctx context.Context, userID, id string) (*model.CopyPosition, error)
	ListCopyPositions(ctx context.Context, userID string) ([]model.CopyPosition, error)
}

// Tx is a unit of work. Reads observe the unit's own uncommitted writes.
type Tx interface {
	Reader

	PutBalance(ctx context.Context, b *model.Balance) error

	// AppendTransaction journals an entry and assigns its per-user Seq.
	AppendTransaction(ctx context.Context, t *model.Transaction) error

	PutFutures(ctx context.Context, p *model.FuturesPosition) error
	PutBinary(ctx context.Context, p *model.BinaryPosition) error
	PutInvestment(ctx context.Context, inv *model.FixedInvestment) error
	PutP2POrder(ctx context.Context, o *model.P2POrder) error
	PutCopyPosition(ctx context.Context, p *model.CopyPosition) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// Atomic runs fn in a unit of work scoped to userID. A non-nil error
	// from fn (or from commit) discards every write.
	Atomic(ctx context.Context, userID string, fn func(tx Tx) error) error

	// Users lists every user with at least one stored row, sorted.
	Users(ctx context.Context) ([]string, error)

	Close() error
}

// hasStatus reports whether s is in statuses (empty matches everything).
func hasStatus(s model.BinaryStatus, statuses []model.BinaryStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
