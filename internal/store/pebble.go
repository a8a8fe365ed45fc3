package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/lexportal/bank-engine/internal/model"
)

// Key schema, one prefix per table. {u} is the user ID prefixed with its
// byte length ("5:alice") so one user's table prefix never covers another's.
//
//	usr:{user}              → "" (user index, any row)
//	bal:{u}:{symbol}        → Balance
//	txn:{u}:{seq:020d}      → Transaction (seq keeps journal order)
//	seq:{user}              → last journal seq
//	fut:{u}:{id}            → FuturesPosition
//	bin:{u}:{id}            → BinaryPosition
//	inv:{u}:{id}            → FixedInvestment
//	p2p:{u}:{id}            → P2POrder
//	cpy:{u}:{id}            → CopyPosition
const (
	prefixUser    = "usr:"
	prefixBalance = "bal:"
	prefixTxn     = "txn:"
	prefixSeq     = "seq:"
	prefixFutures = "fut:"
	prefixBinary  = "bin:"
	prefixInvest  = "inv:"
	prefixP2P     = "p2p:"
	prefixCopy    = "cpy:"
)

func rowKey(prefix, user, id string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%s", prefix, len(user), user, id))
}

func tablePrefix(prefix, user string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", prefix, len(user), user))
}

func txnKey(user string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%020d", prefixTxn, len(user), user, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// PebbleStore implements Store on an embedded Pebble database. Each unit
// of work is an indexed batch committed with pebble.Sync; a mutex
// serializes batches since Pebble does not detect write conflicts.
type PebbleStore struct {
	pebbleReader
	db *pebble.DB
	mu sync.Mutex
}

// NewPebbleStore opens (or creates) the database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, errors.Join(model.ErrStorageUnavailable, err))
	}
	return &PebbleStore{pebbleReader: pebbleReader{r: db}, db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Atomic(_ context.Context, _ string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTx{pebbleReader: pebbleReader{r: batch}, b: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", errors.Join(model.ErrStorageUnavailable, err))
	}
	return nil
}

func (s *PebbleStore) Users(_ context.Context) ([]string, error) {
	prefix := []byte(prefixUser)
	var users []string
	err := s.scan(prefix, func(key, _ []byte) error {
		users = append(users, string(key[len(prefix):]))
		return nil
	})
	return users, err
}

// pebbleTx writes into an indexed batch; reads see the batch's writes.
type pebbleTx struct {
	pebbleReader
	b *pebble.Batch
}

// put indexes user and writes v under key.
func (t *pebbleTx) put(user string, key []byte, v any) error {
	if err := t.b.Set([]byte(prefixUser+user), nil, nil); err != nil {
		return errors.Join(model.ErrStorageUnavailable, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := t.b.Set(key, data, nil); err != nil {
		return fmt.Errorf("set %s: %w", key, errors.Join(model.ErrStorageUnavailable, err))
	}
	return nil
}

func (t *pebbleTx) PutBalance(_ context.Context, b *model.Balance) error {
	return t.put(b.UserID, rowKey(prefixBalance, b.UserID, b.Symbol), b)
}

func (t *pebbleTx) AppendTransaction(_ context.Context, e *model.Transaction) error {
	seqKey := []byte(prefixSeq + e.UserID)
	var last int64
	val, closer, err := t.r.Get(seqKey)
	switch {
	case err == nil:
		last, err = strconv.ParseInt(string(val), 10, 64)
		closer.Close()
		if err != nil {
			return fmt.Errorf("corrupt seq for %s: %w", e.UserID, err)
		}
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return errors.Join(model.ErrStorageUnavailable, err)
	}

	e.Seq = last + 1
	if err := t.b.Set(seqKey, []byte(strconv.FormatInt(e.Seq, 10)), nil); err != nil {
		return errors.Join(model.ErrStorageUnavailable, err)
	}
	return t.put(e.UserID, txnKey(e.UserID, e.Seq), e)
}

func (t *pebbleTx) PutFutures(_ context.Context, p *model.FuturesPosition) error {
	return t.put(p.UserID, rowKey(prefixFutures, p.UserID, p.ID), p)
}

func (t *pebbleTx) PutBinary(_ context.Context, p *model.BinaryPosition) error {
	return t.put(p.UserID, rowKey(prefixBinary, p.UserID, p.ID), p)
}

func (t *pebbleTx) PutInvestment(_ context.Context, inv *model.FixedInvestment) error {
	return t.put(inv.UserID, rowKey(prefixInvest, inv.UserID, inv.ID), inv)
}

func (t *pebbleTx) PutP2POrder(_ context.Context, o *model.P2POrder) error {
	return t.put(o.UserID, rowKey(prefixP2P, o.UserID, o.ID), o)
}

func (t *pebbleTx) PutCopyPosition(_ context.Context, p *model.CopyPosition) error {
	return t.put(p.UserID, rowKey(prefixCopy, p.UserID, p.ID), p)
}

// pebbleReader implements Reader over a DB or an indexed batch.
type pebbleReader struct {
	r pebble.Reader
}

func (p pebbleReader) get(key []byte, out any) error {
	val, closer, err := p.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, errors.Join(model.ErrStorageUnavailable, err))
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

func (p pebbleReader) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := p.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return errors.Join(model.ErrStorageUnavailable, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// scanRows decodes every row under prefix into a T and keeps those for
// which keep returns true.
func scanRows[T any](p pebbleReader, prefix []byte, keep func(*T) bool) ([]T, error) {
	var out []T
	err := p.scan(prefix, func(_, val []byte) error {
		var row T
		if err := json.Unmarshal(val, &row); err != nil {
			return err
		}
		if keep == nil || keep(&row) {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func (p pebbleReader) GetBalance(_ context.Context, userID, symbol string) (*model.Balance, error) {
	var b model.Balance
	if err := p.get(rowKey(prefixBalance, userID, symbol), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (p pebbleReader) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	return scanRows[model.Balance](p, tablePrefix(prefixBalance, userID), nil)
}

func (p pebbleReader) ListTransactions(_ context.Context, userID, asset string) ([]model.Transaction, error) {
	return scanRows(p, tablePrefix(prefixTxn, userID), func(t *model.Transaction) bool {
		return asset == "" || t.Asset == asset
	})
}

func (p pebbleReader) GetFutures(_ context.Context, userID, id string) (*model.FuturesPosition, error) {
	var pos model.FuturesPosition
	if err := p.get(rowKey(prefixFutures, userID, id), &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (p pebbleReader) ListFutures(_ context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	out, err := scanRows(p, tablePrefix(prefixFutures, userID), func(f *model.FuturesPosition) bool {
		return !openOnly || f.IsOpen
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, err
}

func (p pebbleReader) GetBinary(_ context.Context, userID, id string) (*model.BinaryPosition, error) {
	var pos model.BinaryPosition
	if err := p.get(rowKey(prefixBinary, userID, id), &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (p pebbleReader) ListBinary(_ context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	out, err := scanRows(p, tablePrefix(prefixBinary, userID), func(b *model.BinaryPosition) bool {
		return hasStatus(b.Status, statuses)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (p pebbleReader) GetInvestment(_ context.Context, userID, id string) (*model.FixedInvestment, error) {
	var inv model.FixedInvestment
	if err := p.get(rowKey(prefixInvest, userID, id), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p pebbleReader) ListInvestments(_ context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error) {
	out, err := scanRows(p, tablePrefix(prefixInvest, userID), func(inv *model.FixedInvestment) bool {
		return status == "" || inv.Status == status
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, err
}

func (p pebbleReader) GetP2POrder(_ context.Context, userID, id string) (*model.P2POrder, error) {
	var o model.P2POrder
	if err := p.get(rowKey(prefixP2P, userID, id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p pebbleReader) ListP2POrders(_ context.Context, userID string) ([]model.P2POrder, error) {
	out, err := scanRows[model.P2POrder](p, tablePrefix(prefixP2P, userID), nil)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (p pebbleReader) GetCopyPosition(_ context.Context, userID, id string) (*model.CopyPosition, error) {
	var pos model.CopyPosition
	if err := p.get(rowKey(prefixCopy, userID, id), &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (p pebbleReader) ListCopyPositions(_ context.Context, userID string) ([]model.CopyPosition, error) {
	out, err := scanRows[model.CopyPosition](p, tablePrefix(prefixCopy, userID), nil)
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, err
}
