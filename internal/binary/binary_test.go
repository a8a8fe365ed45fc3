package binary_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/binary"
	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(by time.Duration) { c.t = c.t.Add(by) }

type testEnv struct {
	eng    *binary.Engine
	ledger *ledger.Ledger
	feed   *oracle.Fixed
	clock  *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	feed := oracle.NewFixed(map[string]decimal.Decimal{
		"USD": d(1), "BTC": d(64230.50), "ETH": d(3450.20), "SOL": d(145.30),
	})
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(store.NewMemoryStore(), feed, cat, zap.NewNop(), ledger.WithClock(c.now))
	return &testEnv{eng: binary.New(l), ledger: l, feed: feed, clock: c}
}

func (e *testEnv) usd(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), user, "USD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (e *testEnv) sweep(t *testing.T, user string) int {
	t.Helper()
	n, err := e.eng.Sweep(context.Background(), user, e.clock.t)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return n
}

func TestPayout(t *testing.T) {
	if got := binary.Payout(d(100), d(85)); !got.Equal(d(185)) {
		t.Errorf("expected 185, got %s", got)
	}
}

func TestWins_TiesLose(t *testing.T) {
	strike := d(100)
	cases := []struct {
		dir  model.BinaryDirection
		mark float64
		want bool
	}{
		{model.Call, 101, true},
		{model.Call, 99, false},
		{model.Call, 100, false},
		{model.Put, 99, true},
		{model.Put, 101, false},
		{model.Put, 100, false},
	}
	for _, tc := range cases {
		if got := binary.Wins(tc.dir, strike, d(tc.mark)); got != tc.want {
			t.Errorf("%s at %v: expected %v, got %v", tc.dir, tc.mark, tc.want, got)
		}
	}
}

func TestImmediate_WinPaysOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(1000), "card")

	pos, err := env.eng.OpenImmediate(ctx, "alice", "BTC", d(100), model.Call, 60)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Status != model.BinaryActive || !pos.StrikePrice.Equal(d(64230.50)) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(900)) {
		t.Errorf("expected wager debited, got %s", got)
	}

	env.feed.Set("BTC", d(64300))
	env.clock.advance(30 * time.Second)
	if n := env.sweep(t, "alice"); n != 0 {
		t.Errorf("nothing expires before 60s, got %d", n)
	}

	env.clock.advance(30 * time.Second)
	if n := env.sweep(t, "alice"); n != 1 {
		t.Errorf("expected 1 settlement, got %d", n)
	}
	won, _ := env.eng.List(ctx, "alice", model.BinaryWon)
	if len(won) != 1 || !won[0].ResultAmount.Equal(d(182)) {
		t.Fatalf("expected one WON option paying 182 (BTC 82%%), got %+v", won)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(1082)) {
		t.Errorf("expected 1082 USD, got %s", got)
	}

	// Terminal: further sweeps change nothing.
	env.clock.advance(time.Hour)
	if n := env.sweep(t, "alice"); n != 0 {
		t.Errorf("settled options must not be revisited, got %d", n)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(1082)) {
		t.Errorf("repeat sweep paid again: %s", got)
	}
	if err := env.ledger.Reconcile(ctx, "alice"); err != nil {
		t.Errorf("reconcile: %v", err)
	}
}

func TestImmediate_TieLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(1000), "card")

	env.eng.OpenImmediate(ctx, "alice", "ETH", d(100), model.Put, 0)
	env.clock.advance(time.Minute)
	env.sweep(t, "alice")

	lost, _ := env.eng.List(ctx, "alice", model.BinaryLost)
	if len(lost) != 1 || !lost[0].ResultAmount.IsZero() {
		t.Fatalf("unchanged price should lose, got %+v", lost)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(900)) {
		t.Errorf("expected 900 USD, got %s", got)
	}
}

func TestImmediate_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(50), "card")

	if _, err := env.eng.OpenImmediate(ctx, "alice", "BTC", d(51), model.Call, 60); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := env.eng.OpenImmediate(ctx, "alice", "BTC", d(10), model.Call, 5); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("5s is below the minimum: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.eng.OpenImmediate(ctx, "alice", "BTC", d(10), "UP", 60); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for bad direction, got %v", err)
	}
	if _, err := env.eng.OpenImmediate(ctx, "alice", "DOGE", d(10), model.Call, 60); !errors.Is(err, model.ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(50)) {
		t.Errorf("rejections must not debit, got %s", got)
	}
}

func TestPending_ReservesAndActivatesOnTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")

	pos, err := env.eng.OpenPending(ctx, "alice", "SOL", d(200), model.Call, d(150))
	if err != nil {
		t.Fatalf("open pending: %v", err)
	}
	if pos.Status != model.BinaryPending {
		t.Fatalf("expected PENDING, got %s", pos.Status)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(300)) {
		t.Errorf("pending wager must be reserved, got %s", got)
	}
	// The reservation counts against later bets.
	if _, err := env.eng.OpenImmediate(ctx, "alice", "BTC", d(301), model.Put, 60); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	if n := env.sweep(t, "alice"); n != 0 {
		t.Errorf("145.30 is outside tolerance of 150, got %d transitions", n)
	}

	env.feed.Set("SOL", d(150.1)) // within 0.1%
	if n := env.sweep(t, "alice"); n != 1 {
		t.Fatalf("expected activation, got %d", n)
	}
	active, _ := env.eng.List(ctx, "alice", model.BinaryActive)
	if len(active) != 1 || !active[0].StrikePrice.Equal(d(150.1)) {
		t.Fatalf("expected ACTIVE struck at 150.1, got %+v", active)
	}
	if !active[0].ExpiryTime.Equal(env.clock.t.Add(time.Minute)) {
		t.Errorf("expiry should be the default 60s after activation, got %s", active[0].ExpiryTime)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(300)) {
		t.Errorf("activation must not debit again, got %s", got)
	}

	env.feed.Set("SOL", d(151))
	env.clock.advance(time.Minute)
	env.sweep(t, "alice")
	if got := env.usd(t, "alice"); !got.Equal(d(670)) {
		t.Errorf("expected 300 + 200·1.85 = 670, got %s", got)
	}
}

func TestPending_CancelRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")

	pos, _ := env.eng.OpenPending(ctx, "alice", "ETH", d(200), model.Put, d(3000))
	cancelled, err := env.eng.CancelPending(ctx, "alice", pos.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.BinaryCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if got := env.usd(t, "alice"); !got.Equal(d(500)) {
		t.Errorf("expected full refund, got %s", got)
	}
	if _, err := env.eng.CancelPending(ctx, "alice", pos.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("second cancel: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := env.eng.CancelPending(ctx, "alice", "missing"); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestCancel_ActiveRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")

	pos, _ := env.eng.OpenImmediate(ctx, "alice", "BTC", d(100), model.Call, 60)
	if _, err := env.eng.CancelPending(ctx, "alice", pos.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPending_ExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")

	env.eng.OpenPending(ctx, "alice", "BTC", d(100), model.Call, d(90000))
	env.clock.advance(23 * time.Hour)
	if n := env.sweep(t, "alice"); n != 0 {
		t.Errorf("still within TTL, got %d", n)
	}
	env.clock.advance(time.Hour)
	if n := env.sweep(t, "alice"); n != 1 {
		t.Errorf("expected TTL cancellation, got %d", n)
	}
	cancelled, _ := env.eng.List(ctx, "alice", model.BinaryCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("expected one CANCELLED option, got %d", len(cancelled))
	}
	if got := env.usd(t, "alice"); !got.Equal(d(500)) {
		t.Errorf("expected refund, got %s", got)
	}
}

func TestPending_ExpiryStampsSweepTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")
	env.eng.OpenPending(ctx, "alice", "BTC", d(100), model.Call, d(90000))

	// The sweep's own time decides expiry, not the ledger clock.
	sweptAt := env.clock.t.Add(25 * time.Hour)
	if n, err := env.eng.Sweep(ctx, "alice", sweptAt); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	cancelled, _ := env.eng.List(ctx, "alice", model.BinaryCancelled)
	if len(cancelled) != 1 || cancelled[0].SettledAt == nil || !cancelled[0].SettledAt.Equal(sweptAt) {
		t.Fatalf("expected settled at %v, got %+v", sweptAt, cancelled)
	}
}

func TestSweep_IsolatesMissingPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.Deposit(ctx, "alice", d(500), "card")

	env.eng.OpenImmediate(ctx, "alice", "ETH", d(100), model.Call, 60)
	env.eng.OpenImmediate(ctx, "alice", "SOL", d(100), model.Call, 60)

	env.feed.Delete("ETH")
	env.feed.Set("SOL", d(150))
	env.clock.advance(time.Minute)

	n, err := env.eng.Sweep(ctx, "alice", env.clock.t)
	if n != 1 {
		t.Errorf("SOL should still settle, got %d", n)
	}
	if !errors.Is(err, model.ErrUnknownSymbol) {
		t.Errorf("expected the ETH failure to be reported, got %v", err)
	}
	active, _ := env.eng.List(ctx, "alice", model.BinaryActive)
	if len(active) != 1 || active[0].Asset != "ETH" {
		t.Errorf("ETH option should remain ACTIVE for the next sweep, got %+v", active)
	}
}
