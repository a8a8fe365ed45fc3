package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexportal/bank-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot read paths (balances and open futures). Writes go to the primary
// inside Atomic; once the unit of work commits, the cache entries of every
// user it touched are deleted and the next read re-populates them.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Close closes the primary store and the Redis client.
func (s *CachedStore) Close() error {
	return errors.Join(s.Store.Close(), s.rdb.Close())
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, userID string, fn func(tx Tx) error) error {
	touched := map[string]struct{}{userID: {}}
	err := s.Store.Atomic(ctx, userID, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, 2*len(touched))
	for u := range touched {
		keys = append(keys, balancesKey(u), futuresKey(u))
	}
	// A failed delete leaves a stale entry for at most ttl.
	s.rdb.Del(ctx, keys...)
	return nil
}

// trackingTx records which users a unit of work wrote cached rows for.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) PutBalance(ctx context.Context, b *model.Balance) error {
	t.touched[b.UserID] = struct{}{}
	return t.Tx.PutBalance(ctx, b)
}

func (t *trackingTx) PutFutures(ctx context.Context, p *model.FuturesPosition) error {
	t.touched[p.UserID] = struct{}{}
	return t.Tx.PutFutures(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return readThrough(ctx, s, balancesKey(userID), func() ([]model.Balance, error) {
		return s.Store.ListBalances(ctx, userID)
	})
}

// ListFutures caches only the open-position view; full history goes to
// the primary.
func (s *CachedStore) ListFutures(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	if !openOnly {
		return s.Store.ListFutures(ctx, userID, false)
	}
	return readThrough(ctx, s, futuresKey(userID), func() ([]model.FuturesPosition, error) {
		return s.Store.ListFutures(ctx, userID, true)
	})
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() ([]T, error)) ([]T, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rows []T
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	// Cache miss: read from primary.
	rows, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rows, nil
}

// --- Cache helpers ---

func balancesKey(uid string) string { return fmt.Sprintf("balances:%s", uid) }
func futuresKey(uid string) string  { return fmt.Sprintf("futures:open:%s", uid) }
