package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lexportal/bank-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back through ::TEXT so no float conversion ever happens.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Atomic runs fn in a SERIALIZABLE transaction holding a per-user advisory
// lock, so concurrent units of work for the same user queue up instead of
// failing with serialization errors.
func (s *PostgresStore) Atomic(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return unavailable("lock user", err)
	}

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *PostgresStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM balances
		UNION SELECT user_id FROM transactions
		UNION SELECT user_id FROM futures_positions
		UNION SELECT user_id FROM binary_positions
		UNION SELECT user_id FROM fixed_investments
		UNION SELECT user_id FROM p2p_orders
		UNION SELECT user_id FROM copy_positions
		ORDER BY user_id`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(model.ErrStorageUnavailable, err))
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func getOne[T any](ctx context.Context, q querier, scan func(scanner) (*T, error), sql string, args ...any) (*T, error) {
	v, err := scan(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query", err)
	}
	return v, nil
}

func getMany[T any](ctx context.Context, q querier, scan func(scanner) (*T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}
	return out, nil
}

// --- Column lists and scanners ---

const balanceCols = `user_id, symbol, display_name, amount::TEXT, mark_price_usd::TEXT, asset_class, updated_at`

func scanBalance(r scanner) (*model.Balance, error) {
	var b model.Balance
	var amount, mark string
	if err := r.Scan(&b.UserID, &b.Symbol, &b.DisplayName, &amount, &mark, &b.AssetClass, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Amount, b.MarkPriceUSD = num(amount), num(mark)
	return &b, nil
}

const txnCols = `id, user_id, seq, reference_id, kind, direction, amount::TEXT, asset,
	fee::TEXT, fee_asset, status, ts, balance_after::TEXT, description`

func scanTxn(r scanner) (*model.Transaction, error) {
	var t model.Transaction
	var amount, fee, after string
	if err := r.Scan(&t.ID, &t.UserID, &t.Seq, &t.ReferenceID, &t.Kind, &t.Direction, &amount, &t.Asset,
		&fee, &t.FeeAsset, &t.Status, &t.Timestamp, &after, &t.Description); err != nil {
		return nil, err
	}
	t.Amount, t.Fee, t.BalanceAfter = num(amount), num(fee), num(after)
	return &t, nil
}

const futuresCols = `id, user_id, symbol, direction, leverage::TEXT, margin::TEXT, entry_price::TEXT,
	notional_amount::TEXT, liquidation_price::TEXT, is_open, opened_at, closed_at,
	exit_price::TEXT, realized_pnl::TEXT, liquidated`

func scanFutures(r scanner) (*model.FuturesPosition, error) {
	var p model.FuturesPosition
	var lev, margin, entry, notional, liq, exit, pnl string
	if err := r.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Direction, &lev, &margin, &entry,
		&notional, &liq, &p.IsOpen, &p.OpenedAt, &p.ClosedAt,
		&exit, &pnl, &p.Liquidated); err != nil {
		return nil, err
	}
	p.Leverage, p.Margin, p.EntryPrice = num(lev), num(margin), num(entry)
	p.NotionalAmount, p.LiquidationPrice = num(notional), num(liq)
	p.ExitPrice, p.RealizedPnL = num(exit), num(pnl)
	return &p, nil
}

const binaryCols = `id, user_id, asset, amount::TEXT, direction, entry_price::TEXT, strike_price::TEXT,
	payout_percent::TEXT, duration_ms, start_time, expiry_time, target_price::TEXT, status,
	result_amount::TEXT, created_at, settled_at`

func scanBinary(r scanner) (*model.BinaryPosition, error) {
	var p model.BinaryPosition
	var amount, entry, strike, payout, target, result string
	var durationMS int64
	if err := r.Scan(&p.ID, &p.UserID, &p.Asset, &amount, &p.Direction, &entry, &strike,
		&payout, &durationMS, &p.StartTime, &p.ExpiryTime, &target, &p.Status,
		&result, &p.CreatedAt, &p.SettledAt); err != nil {
		return nil, err
	}
	p.Amount, p.EntryPrice, p.StrikePrice = num(amount), num(entry), num(strike)
	p.PayoutPercent, p.TargetPrice, p.ResultAmount = num(payout), num(target), num(result)
	p.Duration = time.Duration(durationMS) * time.Millisecond
	return &p, nil
}

const investCols = `id, user_id, plan_id, plan_name, principal::TEXT, asset, apy::TEXT,
	start_date, maturity_date, projected_return::TEXT, status, matured_at`

func scanInvestment(r scanner) (*model.FixedInvestment, error) {
	var inv model.FixedInvestment
	var principal, apy, projected string
	if err := r.Scan(&inv.ID, &inv.UserID, &inv.PlanID, &inv.PlanName, &principal, &inv.Asset, &apy,
		&inv.StartDate, &inv.MaturityDate, &projected, &inv.Status, &inv.MaturedAt); err != nil {
		return nil, err
	}
	inv.Principal, inv.APY, inv.ProjectedReturn = num(principal), num(apy), num(projected)
	return &inv, nil
}

const p2pCols = `id, user_id, offer_id, side, asset, fiat_currency, amount_asset::TEXT, amount_fiat::TEXT,
	price::TEXT, counterparty_merchant, status, chat_log::TEXT, created_at, pay_by, updated_at`

func scanP2P(r scanner) (*model.P2POrder, error) {
	var o model.P2POrder
	var amountAsset, amountFiat, price, chat string
	if err := r.Scan(&o.ID, &o.UserID, &o.OfferID, &o.Side, &o.Asset, &o.FiatCurrency, &amountAsset, &amountFiat,
		&price, &o.CounterpartyMerchant, &o.Status, &chat, &o.CreatedAt, &o.PayBy, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.AmountAsset, o.AmountFiat, o.Price = num(amountAsset), num(amountFiat), num(price)
	if err := json.Unmarshal([]byte(chat), &o.ChatLog); err != nil {
		return nil, fmt.Errorf("decode chat log of %s: %w", o.ID, err)
	}
	return &o, nil
}

const copyCols = `id, user_id, trader_id, allocated_amount::TEXT, current_value::TEXT, pnl::TEXT,
	start_date, settings::TEXT, status, stop_reason, stopped_at`

func scanCopy(r scanner) (*model.CopyPosition, error) {
	var p model.CopyPosition
	var allocated, current, pnl, settings string
	if err := r.Scan(&p.ID, &p.UserID, &p.TraderID, &allocated, &current, &pnl,
		&p.StartDate, &settings, &p.Status, &p.StopReason, &p.StoppedAt); err != nil {
		return nil, err
	}
	p.AllocatedAmount, p.CurrentValue, p.PnL = num(allocated), num(current), num(pnl)
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		return nil, fmt.Errorf("decode copy settings of %s: %w", p.ID, err)
	}
	return &p, nil
}

// --- Reads ---

type pgReader struct {
	q querier
}

func (r pgReader) GetBalance(ctx context.Context, userID, symbol string) (*model.Balance, error) {
	return getOne(ctx, r.q, scanBalance,
		`SELECT `+balanceCols+` FROM balances WHERE user_id = $1 AND symbol = $2`, userID, symbol)
}

func (r pgReader) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return getMany(ctx, r.q, scanBalance,
		`SELECT `+balanceCols+` FROM balances WHERE user_id = $1 ORDER BY symbol`, userID)
}

func (r pgReader) ListTransactions(ctx context.Context, userID, asset string) ([]model.Transaction, error) {
	if asset == "" {
		return getMany(ctx, r.q, scanTxn,
			`SELECT `+txnCols+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	}
	return getMany(ctx, r.q, scanTxn,
		`SELECT `+txnCols+` FROM transactions WHERE user_id = $1 AND asset = $2 ORDER BY seq`, userID, asset)
}

func (r pgReader) GetFutures(ctx context.Context, userID, id string) (*model.FuturesPosition, error) {
	return getOne(ctx, r.q, scanFutures,
		`SELECT `+futuresCols+` FROM futures_positions WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r pgReader) ListFutures(ctx context.Context, userID string, openOnly bool) ([]model.FuturesPosition, error) {
	return getMany(ctx, r.q, scanFutures,
		`SELECT `+futuresCols+` FROM futures_positions
		 WHERE user_id = $1 AND (NOT $2 OR is_open) ORDER BY opened_at`, userID, openOnly)
}

func (r pgReader) GetBinary(ctx context.Context, userID, id string) (*model.BinaryPosition, error) {
	return getOne(ctx, r.q, scanBinary,
		`SELECT `+binaryCols+` FROM binary_positions WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r pgReader) ListBinary(ctx context.Context, userID string, statuses ...model.BinaryStatus) ([]model.BinaryPosition, error) {
	if len(statuses) == 0 {
		return getMany(ctx, r.q, scanBinary,
			`SELECT `+binaryCols+` FROM binary_positions WHERE user_id = $1 ORDER BY created_at`, userID)
	}
	want := make([]string, len(statuses))
	for i, s := range statuses {
		want[i] = string(s)
	}
	return getMany(ctx, r.q, scanBinary,
		`SELECT `+binaryCols+` FROM binary_positions
		 WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at`, userID, want)
}

func (r pgReader) GetInvestment(ctx context.Context, userID, id string) (*model.FixedInvestment, error) {
	return getOne(ctx, r.q, scanInvestment,
		`SELECT `+investCols+` FROM fixed_investments WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r pgReader) ListInvestments(ctx context.Context, userID string, status model.InvestmentStatus) ([]model.FixedInvestment, error) {
	return getMany(ctx, r.q, scanInvestment,
		`SELECT `+investCols+` FROM fixed_investments
		 WHERE user_id = $1 AND ($2 = '' OR status = $2) ORDER BY start_date`, userID, string(status))
}

func (r pgReader) GetP2POrder(ctx context.Context, userID, id string) (*model.P2POrder, error) {
	return getOne(ctx, r.q, scanP2P,
		`SELECT `+p2pCols+` FROM p2p_orders WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r pgReader) ListP2POrders(ctx context.Context, userID string) ([]model.P2POrder, error) {
	return getMany(ctx, r.q, scanP2P,
		`SELECT `+p2pCols+` FROM p2p_orders WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r pgReader) GetCopyPosition(ctx context.Context, userID, id string) (*model.CopyPosition, error) {
	return getOne(ctx, r.q, scanCopy,
		`SELECT `+copyCols+` FROM copy_positions WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r pgReader) ListCopyPositions(ctx context.Context, userID string) ([]model.CopyPosition, error) {
	return getMany(ctx, r.q, scanCopy,
		`SELECT `+copyCols+` FROM copy_positions WHERE user_id = $1 ORDER BY start_date`, userID)
}

// --- Writes (only inside Atomic) ---

type pgTx struct {
	pgReader
}

func (t *pgTx) exec(ctx context.Context, op, sql string, args ...any) error {
	if _, err := t.q.Exec(ctx, sql, args...); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// upsert builds "INSERT ... ON CONFLICT (key) DO UPDATE" over cols. casts
// maps a column to the SQL type its text parameter is cast to.
func upsert(table string, key []string, cols []string, casts map[string]string) string {
	values := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		values[i] = fmt.Sprintf("$%d", i+1)
		if cast, ok := casts[c]; ok {
			values[i] += "::" + cast
		}
		isKey := false
		for _, k := range key {
			if k == c {
				isKey = true
			}
		}
		if !isKey {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(values, ", "),
		strings.Join(key, ", "), strings.Join(sets, ", "))
}

var (
	upsertBalance = upsert("balances", []string{"user_id", "symbol"},
		[]string{"user_id", "symbol", "display_name", "amount", "mark_price_usd", "asset_class", "updated_at"},
		map[string]string{"amount": "NUMERIC", "mark_price_usd": "NUMERIC"})

	upsertFutures = upsert("futures_positions", []string{"user_id", "id"},
		[]string{"id", "user_id", "symbol", "direction", "leverage", "margin", "entry_price", "notional_amount",
			"liquidation_price", "is_open", "opened_at", "closed_at", "exit_price", "realized_pnl", "liquidated"},
		map[string]string{"leverage": "NUMERIC", "margin": "NUMERIC", "entry_price": "NUMERIC",
			"notional_amount": "NUMERIC", "liquidation_price": "NUMERIC", "exit_price": "NUMERIC", "realized_pnl": "NUMERIC"})

	upsertBinary = upsert("binary_positions", []string{"user_id", "id"},
		[]string{"id", "user_id", "asset", "amount", "direction", "entry_price", "strike_price", "payout_percent",
			"duration_ms", "start_time", "expiry_time", "target_price", "status", "result_amount", "created_at", "settled_at"},
		map[string]string{"amount": "NUMERIC", "entry_price": "NUMERIC", "strike_price": "NUMERIC",
			"payout_percent": "NUMERIC", "target_price": "NUMERIC", "result_amount": "NUMERIC"})

	upsertInvestment = upsert("fixed_investments", []string{"user_id", "id"},
		[]string{"id", "user_id", "plan_id", "plan_name", "principal", "asset", "apy",
			"start_date", "maturity_date", "projected_return", "status", "matured_at"},
		map[string]string{"principal": "NUMERIC", "apy": "NUMERIC", "projected_return": "NUMERIC"})

	upsertP2P = upsert("p2p_orders", []string{"user_id", "id"},
		[]string{"id", "user_id", "offer_id", "side", "asset", "fiat_currency", "amount_asset", "amount_fiat",
			"price", "counterparty_merchant", "status", "chat_log", "created_at", "pay_by", "updated_at"},
		map[string]string{"amount_asset": "NUMERIC", "amount_fiat": "NUMERIC", "price": "NUMERIC", "chat_log": "JSONB"})

	upsertCopy = upsert("copy_positions", []string{"user_id", "id"},
		[]string{"id", "user_id", "trader_id", "allocated_amount", "current_value", "pnl",
			"start_date", "settings", "status", "stop_reason", "stopped_at"},
		map[string]string{"allocated_amount": "NUMERIC", "current_value": "NUMERIC", "pnl": "NUMERIC", "settings": "JSONB"})
)

func (t *pgTx) PutBalance(ctx context.Context, b *model.Balance) error {
	return t.exec(ctx, "put balance", upsertBalance,
		b.UserID, b.Symbol, b.DisplayName, b.Amount.String(), b.MarkPriceUSD.String(), b.AssetClass, b.UpdatedAt)
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	// The advisory lock taken in Atomic makes MAX(seq)+1 race-free per user.
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions WHERE user_id = $1`, e.UserID).Scan(&e.Seq)
	if err != nil {
		return unavailable("next seq", err)
	}
	return t.exec(ctx, "append transaction",
		`INSERT INTO transactions (id, user_id, seq, reference_id, kind, direction, amount, asset,
		                           fee, fee_asset, status, ts, balance_after, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12, $13::NUMERIC, $14)`,
		e.ID, e.UserID, e.Seq, e.ReferenceID, e.Kind, e.Direction, e.Amount.String(), e.Asset,
		e.Fee.String(), e.FeeAsset, e.Status, e.Timestamp, e.BalanceAfter.String(), e.Description)
}

func (t *pgTx) PutFutures(ctx context.Context, p *model.FuturesPosition) error {
	return t.exec(ctx, "put futures", upsertFutures,
		p.ID, p.UserID, p.Symbol, p.Direction, p.Leverage.String(), p.Margin.String(), p.EntryPrice.String(),
		p.NotionalAmount.String(), p.LiquidationPrice.String(), p.IsOpen, p.OpenedAt, p.ClosedAt,
		p.ExitPrice.String(), p.RealizedPnL.String(), p.Liquidated)
}

func (t *pgTx) PutBinary(ctx context.Context, p *model.BinaryPosition) error {
	return t.exec(ctx, "put binary", upsertBinary,
		p.ID, p.UserID, p.Asset, p.Amount.String(), p.Direction, p.EntryPrice.String(), p.StrikePrice.String(),
		p.PayoutPercent.String(), p.Duration.Milliseconds(), p.StartTime, p.ExpiryTime, p.TargetPrice.String(),
		p.Status, p.ResultAmount.String(), p.CreatedAt, p.SettledAt)
}

func (t *pgTx) PutInvestment(ctx context.Context, inv *model.FixedInvestment) error {
	return t.exec(ctx, "put investment", upsertInvestment,
		inv.ID, inv.UserID, inv.PlanID, inv.PlanName, inv.Principal.String(), inv.Asset, inv.APY.String(),
		inv.StartDate, inv.MaturityDate, inv.ProjectedReturn.String(), inv.Status, inv.MaturedAt)
}

func (t *pgTx) PutP2POrder(ctx context.Context, o *model.P2POrder) error {
	chat := o.ChatLog
	if chat == nil {
		chat = []model.ChatMessage{}
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat log of %s: %w", o.ID, err)
	}
	return t.exec(ctx, "put p2p order", upsertP2P,
		o.ID, o.UserID, o.OfferID, o.Side, o.Asset, o.FiatCurrency, o.AmountAsset.String(), o.AmountFiat.String(),
		o.Price.String(), o.CounterpartyMerchant, o.Status, string(chatJSON), o.CreatedAt, o.PayBy, o.UpdatedAt)
}

func (t *pgTx) PutCopyPosition(ctx context.Context, p *model.CopyPosition) error {
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return fmt.Errorf("encode copy settings of %s: %w", p.ID, err)
	}
	return t.exec(ctx, "put copy position", upsertCopy,
		p.ID, p.UserID, p.TraderID, p.AllocatedAmount.String(), p.CurrentValue.String(), p.PnL.String(),
		p.StartDate, string(settings), p.Status, p.StopReason, p.StoppedAt)
}
