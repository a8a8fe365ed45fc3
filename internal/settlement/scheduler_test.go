package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/binary"
	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/futures"
	"github.com/lexportal/bank-engine/internal/invest"
	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/p2p"
	"github.com/lexportal/bank-engine/internal/settlement"
	"github.com/lexportal/bank-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recorder) Notify(ev ledger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, ev := range r.events {
		out[ev.Type]++
	}
	return out
}

// failing always reports a per-position failure.
type failing struct{ calls int }

func (f *failing) Name() string { return "failing" }
func (f *failing) Sweep(context.Context, string, time.Time) (int, error) {
	f.calls++
	return 0, errors.New("boom")
}

type testEnv struct {
	ledger *ledger.Ledger
	feed   *oracle.Fixed
	events *recorder
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	env := &testEnv{
		feed: oracle.NewFixed(map[string]decimal.Decimal{
			"USD": d(1), "BTC": d(64230.50), "ETH": d(3450.20),
		}),
		events: &recorder{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.ledger = ledger.New(store.NewMemoryStore(), env.feed, cat, zap.NewNop(),
		ledger.WithClock(func() time.Time { return env.now }),
		ledger.WithNotifier(env.events))
	return env
}

func TestSweep_StaleOracle(t *testing.T) {
	env := newTestEnv(t)
	sched := settlement.New(env.ledger, time.Second, 10*time.Second)

	_, err := sched.Sweep(context.Background(), env.now)
	if !errors.Is(err, model.ErrStaleOracleData) || !model.IsRetryable(err) {
		t.Fatalf("never ticked: expected retryable ErrStaleOracleData, got %v", err)
	}

	env.feed.Tick(env.now)
	if _, err := sched.Sweep(context.Background(), env.now.Add(5*time.Second)); err != nil {
		t.Fatalf("fresh tick: %v", err)
	}
	if _, err := sched.Sweep(context.Background(), env.now.Add(11*time.Second)); !errors.Is(err, model.ErrStaleOracleData) {
		t.Errorf("11s old tick: expected ErrStaleOracleData, got %v", err)
	}
}

func TestStaleSweepLeavesPositionsUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bin := binary.New(env.ledger)
	sched := settlement.New(env.ledger, time.Second, 10*time.Second, bin)

	env.ledger.Deposit(ctx, "alice", d(1000), "card")
	bin.OpenImmediate(ctx, "alice", "BTC", d(100), model.Call, 60)
	env.feed.Tick(env.now)

	env.now = env.now.Add(time.Hour)
	if _, err := sched.Sweep(ctx, env.now); !errors.Is(err, model.ErrStaleOracleData) {
		t.Fatalf("expected ErrStaleOracleData, got %v", err)
	}
	active, _ := bin.List(ctx, "alice", model.BinaryActive)
	if len(active) != 1 {
		t.Errorf("stale sweep must not settle, got %d active", len(active))
	}
}

func TestTick_SettlesAcrossUsersAndProducts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bin := binary.New(env.ledger)
	fut := futures.New(env.ledger, nil)
	inv := invest.New(env.ledger)
	sched := settlement.New(env.ledger, time.Second, 10*time.Second, fut, bin, inv)

	env.ledger.Deposit(ctx, "alice", d(1000), "card")
	env.ledger.Deposit(ctx, "bob", d(2000), "card")
	bin.OpenImmediate(ctx, "alice", "BTC", d(100), model.Call, 60)
	fut.Open(ctx, "bob", "ETH", d(1000), model.Long, d(10)) // liq 3105.18
	inv.Subscribe(ctx, "bob", "flex-30", d(500), "USD")

	env.feed.Script("BTC", d(65000))
	env.feed.Script("ETH", d(3100))
	env.now = env.now.Add(time.Minute)

	report, err := sched.Tick(ctx, env.now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Users != 2 {
		t.Errorf("expected 2 users swept, got %d", report.Users)
	}
	if report.Settled["binary"] != 1 || report.Settled["futures"] != 1 || report.Settled["invest"] != 0 {
		t.Errorf("unexpected settlement counts: %+v", report.Settled)
	}

	alice, _ := env.ledger.Balance(ctx, "alice", "USD")
	if !alice.Equal(d(1082)) {
		t.Errorf("alice should be paid 182, got %s", alice)
	}

	types := env.events.types()
	if types["prices"] != 1 || types["sweep"] != 1 || types["binary_WON"] != 1 || types["futures_liquidated"] != 1 {
		t.Errorf("unexpected events: %v", types)
	}

	// Idempotent: a second sweep at the same time settles nothing.
	again, err := sched.Sweep(ctx, env.now)
	if err != nil || again.Total() != 0 {
		t.Errorf("repeat sweep: total=%d err=%v", again.Total(), err)
	}
}

func TestSweep_ReachesUsersWithoutBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orders := p2p.New(env.ledger)
	sched := settlement.New(env.ledger, time.Second, 10*time.Second, orders)

	// bob never deposited; the unpaid order is the only stored row.
	order, err := orders.CreateOrder(ctx, "bob", "off-buy-usdt-1", d(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	env.now = env.now.Add(2 * time.Hour)
	report, err := sched.Tick(ctx, env.now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Users != 1 || report.Settled["p2p"] != 1 {
		t.Errorf("expected the order-only user to be swept: %+v", report)
	}
	got, _ := orders.Get(ctx, "bob", order.ID)
	if got.Status != model.P2PCancelled {
		t.Errorf("expected CANCELLED after the payment window, got %s", got.Status)
	}
}

func TestSweep_IsolatesFailingSweeper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bin := binary.New(env.ledger)
	bad := &failing{}
	sched := settlement.New(env.ledger, time.Second, 0, bad, bin)

	env.ledger.Deposit(ctx, "alice", d(1000), "card")
	env.ledger.Deposit(ctx, "bob", d(1000), "card")
	bin.OpenImmediate(ctx, "alice", "BTC", d(100), model.Put, 60)
	bin.OpenImmediate(ctx, "bob", "BTC", d(100), model.Call, 60)

	env.now = env.now.Add(time.Minute)
	env.feed.Script("BTC", d(64000))
	report, err := sched.Tick(ctx, env.now)
	if err == nil {
		t.Fatal("expected the failing sweeper's errors to be reported")
	}
	if report == nil || report.Failures != 2 || bad.calls != 2 {
		t.Fatalf("failing sweeper should run once per user: %+v calls=%d", report, bad.calls)
	}
	if report.Settled["binary"] != 2 {
		t.Errorf("binary options should settle despite the failures, got %d", report.Settled["binary"])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	sched := settlement.New(env.ledger, 5*time.Millisecond, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if env.feed.LastTick().IsZero() {
		t.Error("expected at least one oracle tick")
	}
}
