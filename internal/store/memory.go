package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/lexportal/bank-engine/internal/model"
)

// partition holds one user's rows across every table.
type partition struct {
	balances map[string]model.Balance
	txs      []model.Transaction
	futures  map[string]model.FuturesPosition
	binary   map[string]model.BinaryPosition
	invest   map[string]model.FixedInvestment
	p2p      map[string]model.P2POrder
	copies   map[string]model.CopyPosition
}

func newPartition() *partition {
	return &partition{
		balances: make(map[string]model.Balance),
		futures:  make(map[string]model.FuturesPosition),
		binary:   make(map[string]model.BinaryPosition),
		invest:   make(map[string]model.FixedInvestment),
		p2p:      make(map[string]model.P2POrder),
		copies:   make(map[string]model.CopyPosition),
	}
}

// clone is copy-on-write: maps are copied, the journal keeps the shared
// backing array but with cap == len so appends never touch it.
func (p *partition) clone() *partition {
	return &partition{
		balances: maps.Clone(p.balances),
		txs:      p.txs[:len(p.txs):len(p.txs)],
		futures:  maps.Clone(p.futures),
		binary:   maps.Clone(p.binary),
		invest:   maps.Clone(p.invest),
		p2p:      maps.Clone(p.p2p),
		copies:   maps.Clone(p.copies),
	}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*partition
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*partition)}
}

// Atomic holds the write lock for the whole unit of work. fn must only use
// tx; calling back into the store from fn deadlocks.
func (s *MemoryStore) Atomic(_ context.Context, _ string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: s.users, dirty: make(map[string]*partition)}
	if err := fn(tx); err != nil {
		return err
	}
	for user, p := range tx.dirty {
		s.users[user] = p
	}
	return nil
}

func (s *MemoryStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.users))
	// Partitions only exist once a row was written.
	for u := range s.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) Close() error { return nil }

// view returns a read-only reader over committed state.
func (s *MemoryStore) view() memReader {
	return memReader{get: func(user string) *partition { return s.users[user] }}
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID, symbol string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetBalance(ctx, userID, symbol)
}

func (s *MemoryStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListBalances(ctx, userID)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID, asset string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListTransactions(ctx, userID, asset)
}

func (s *MemoryStore) GetFutures(ctx context.Context, userID, id string) (*model.FuturesPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetFutures(ctx, userID, id)
}

func (s *MemoryStore) ListFutures(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListFutures(ctx, userID, openOnly)
}

func (s *MemoryStore) GetBinary(ctx context.Context, userID, id string) (*model.BinaryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetBinary(ctx, userID, id)
}

func (s *MemoryStore) ListBinary(ctx context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListBinary(ctx, userID, statuses...)
}

func (s *MemoryStore) GetInvestment(ctx context.Context, userID, id string) (*model.FixedInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetInvestment(ctx, userID, id)
}

func (s *MemoryStore) ListInvestments(ctx context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListInvestments(ctx, userID, status)
}

func (s *MemoryStore) GetP2POrder(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetP2POrder(ctx, userID, id)
}

func (s *MemoryStore) ListP2POrders(ctx context.Context, userID string) ([]model.P2POrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListP2POrders(ctx, userID)
}

func (s *MemoryStore) GetCopyPosition(ctx context.Context, userID, id string) (*model.CopyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCopyPosition(ctx, userID, id)
}

func (s *MemoryStore) ListCopyPositions(ctx context.Context, userID string) ([]model.CopyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListCopyPositions(ctx, userID)
}

// memTx stages writes in cloned partitions until Atomic commits them.
type memTx struct {
	base  map[string]*partition
	dirty map[string]*partition
}

func (t *memTx) read(user string) *partition {
	if p, ok := t.dirty[user]; ok {
		return p
	}
	return t.base[user]
}

func (t *memTx) write(user string) *partition {
	if p, ok := t.dirty[user]; ok {
		return p
	}
	p := newPartition()
	if base, ok := t.base[user]; ok {
		p = base.clone()
	}
	t.dirty[user] = p
	return p
}

func (t *memTx) reader() memReader { return memReader{get: t.read} }

func (t *memTx) GetBalance(ctx context.Context, userID, symbol string) (*model.Balance, error) {
	return t.reader().GetBalance(ctx, userID, symbol)
}

func (t *memTx) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return t.reader().ListBalances(ctx, userID)
}

func (t *memTx) ListTransactions(ctx context.Context, userID, asset string) ([]model.Transaction, error) {
	return t.reader().ListTransactions(ctx, userID, asset)
}

func (t *memTx) GetFutures(ctx context.Context, userID, id string) (*model.FuturesPosition, error) {
	return t.reader().GetFutures(ctx, userID, id)
}

func (t *memTx) ListFutures(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	return t.reader().ListFutures(ctx, userID, openOnly)
}

func (t *memTx) GetBinary(ctx context.Context, userID, id string) (*model.BinaryPosition, error) {
	return t.reader().GetBinary(ctx, userID, id)
}

func (t *memTx) ListBinary(ctx context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	return t.reader().ListBinary(ctx, userID, statuses...)
}

func (t *memTx) GetInvestment(ctx context.Context, userID, id string) (*model.FixedInvestment, error) {
	return t.reader().GetInvestment(ctx, userID, id)
}

func (t *memTx) ListInvestments(ctx context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error) {
	return t.reader().ListInvestments(ctx, userID, status)
}

func (t *memTx) GetP2POrder(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	return t.reader().GetP2POrder(ctx, userID, id)
}

func (t *memTx) ListP2POrders(ctx context.Context, userID string) ([]model.P2POrder, error) {
	return t.reader().ListP2POrders(ctx, userID)
}

func (t *memTx) GetCopyPosition(ctx context.Context, userID, id string) (*model.CopyPosition, error) {
	return t.reader().GetCopyPosition(ctx, userID, id)
}

func (t *memTx) ListCopyPositions(ctx context.Context, userID string) ([]model.CopyPosition, error) {
	return t.reader().ListCopyPositions(ctx, userID)
}

func (t *memTx) PutBalance(_ context.Context, b *model.Balance) error {
	t.write(b.UserID).balances[b.Symbol] = *b
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, e *model.Transaction) error {
	p := t.write(e.UserID)
	e.Seq = int64(len(p.txs)) + 1
	p.txs = append(p.txs, *e)
	return nil
}

func (t *memTx) PutFutures(_ context.Context, pos *model.FuturesPosition) error {
	t.write(pos.UserID).futures[pos.ID] = *pos
	return nil
}

func (t *memTx) PutBinary(_ context.Context, pos *model.BinaryPosition) error {
	t.write(pos.UserID).binary[pos.ID] = *pos
	return nil
}

func (t *memTx) PutInvestment(_ context.Context, inv *model.FixedInvestment) error {
	t.write(inv.UserID).invest[inv.ID] = *inv
	return nil
}

func (t *memTx) PutP2POrder(_ context.Context, o *model.P2POrder) error {
	t.write(o.UserID).p2p[o.ID] = cloneOrder(*o)
	return nil
}

func (t *memTx) PutCopyPosition(_ context.Context, pos *model.CopyPosition) error {
	t.write(pos.UserID).copies[pos.ID] = *pos
	return nil
}

// memReader implements Reader over whatever partition lookup it is given.
type memReader struct {
	get func(user string) *partition
}

func (r memReader) GetBalance(_ context.Context, userID, symbol string) (*model.Balance, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	b, ok := p.balances[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r memReader) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	out := make([]model.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r memReader) ListTransactions(_ context.Context, userID, asset string) ([]model.Transaction, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	var out []model.Transaction
	for _, e := range p.txs {
		if asset == "" || e.Asset == asset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r memReader) GetFutures(_ context.Context, userID, id string) (*model.FuturesPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	pos, ok := p.futures[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (r memReader) ListFutures(_ context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	var out []model.FuturesPosition
	for _, pos := range p.futures {
		if openOnly && !pos.IsOpen {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r memReader) GetBinary(_ context.Context, userID, id string) (*model.BinaryPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	pos, ok := p.binary[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (r memReader) ListBinary(_ context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	var out []model.BinaryPosition
	for _, pos := range p.binary {
		if hasStatus(pos.Status, statuses) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memReader) GetInvestment(_ context.Context, userID, id string) (*model.FixedInvestment, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	inv, ok := p.invest[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (r memReader) ListInvestments(_ context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	var out []model.FixedInvestment
	for _, inv := range p.invest {
		if status == "" || inv.Status == status {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (r memReader) GetP2POrder(_ context.Context, userID, id string) (*model.P2POrder, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	o, ok := p.p2p[id]
	if !ok {
		return nil, ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r memReader) ListP2POrders(_ context.Context, userID string) ([]model.P2POrder, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	out := make([]model.P2POrder, 0, len(p.p2p))
	for _, o := range p.p2p {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memReader) GetCopyPosition(_ context.Context, userID, id string) (*model.CopyPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, ErrNotFound
	}
	pos, ok := p.copies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (r memReader) ListCopyPositions(_ context.Context, userID string) ([]model.CopyPosition, error) {
	p := r.get(userID)
	if p == nil {
		return nil, nil
	}
	out := make([]model.CopyPosition, 0, len(p.copies))
	for _, pos := range p.copies {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// cloneOrder detaches the chat log so callers cannot alias stored state.
func cloneOrder(o model.P2POrder) model.P2POrder {
	o.ChatLog = append([]model.ChatMessage(nil), o.ChatLog...)
	return o
}
