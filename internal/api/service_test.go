package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/api"
	"github.com/lexportal/bank-engine/internal/binary"
	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/copytrade"
	"github.com/lexportal/bank-engine/internal/futures"
	"github.com/lexportal/bank-engine/internal/invest"
	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/p2p"
	"github.com/lexportal/bank-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ledger *ledger.Ledger
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv creates the full HTTP surface over an in-memory store.
func newTestEnv(t *testing.T, identity *api.Identity, limiter *api.RateLimiter) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	feed := oracle.NewFixed(map[string]decimal.Decimal{
		"USD": d(1), "USDT": d(1), "BTC": d(64230.50), "ETH": d(3450.20),
	})
	feed.Tick(time.Now())

	hub := api.NewWSHub(zap.NewNop())
	l := ledger.New(store.NewMemoryStore(), feed, cat, zap.NewNop(), ledger.WithNotifier(hub))
	svc := api.NewService(l, api.Engines{
		Futures: futures.New(l, nil),
		Binary:  binary.New(l),
		Invest:  invest.New(l),
		P2P:     p2p.New(l),
		Copy:    copytrade.New(l),
	}, zap.NewNop())

	if identity == nil {
		identity = api.NewIdentity("")
	}
	if limiter == nil {
		limiter = api.NewRateLimiter(0, 0)
	}
	return &testEnv{ledger: l, hub: hub, router: api.NewRouter(svc, hub, identity, limiter)}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func balanceOf(t *testing.T, e *testEnv, user, symbol string) decimal.Decimal {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/balances", user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balances: %d %s", w.Code, w.Body.String())
	}
	for _, b := range decodeBody[[]model.Balance](t, w) {
		if b.Symbol == symbol {
			return b.Amount
		}
	}
	return decimal.Zero
}

// --- Wallet ---

func TestDeposit_ThenBalances(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(1500), Method: "card"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	tx := decodeBody[model.Transaction](t, w)
	if tx.ID == "" || tx.Kind != model.TxDeposit || !tx.Amount.Equal(d(1500)) {
		t.Errorf("unexpected deposit entry: %+v", tx)
	}

	if got := balanceOf(t, env, "alice", "USD"); !got.Equal(d(1500)) {
		t.Errorf("expected 1500 USD, got %s", got)
	}
	if got := balanceOf(t, env, "bob", "USD"); !got.IsZero() {
		t.Errorf("bob should see nothing, got %s", got)
	}

	w = env.do(t, "GET", "/api/v1/reconcile", "alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("reconcile: %d %s", w.Code, w.Body.String())
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, "POST", "/api/v1/withdraw", "alice", api.WithdrawRequest{Amount: d(50), Asset: "USD", Method: "card"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "insufficient funds") {
		t.Errorf("expected insufficient funds message, got %s", w.Body.String())
	}
}

func TestDeposit_Rejections(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	if w := env.do(t, "POST", "/api/v1/deposit", "alice", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(-5)}); w.Code != http.StatusBadRequest {
		t.Errorf("negative amount: expected 400, got %d", w.Code)
	}
}

func TestTransfer_CreditsRecipient(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(100), Method: "card"})

	w := env.do(t, "POST", "/api/v1/transfers", "alice", api.TransferRequest{Recipient: "bob", Amount: d(40), Asset: "USD"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := balanceOf(t, env, "alice", "USD"); !got.Equal(d(60)) {
		t.Errorf("alice: expected 60, got %s", got)
	}
	if got := balanceOf(t, env, "bob", "USD"); !got.Equal(d(40)) {
		t.Errorf("bob: expected 40, got %s", got)
	}
}

func TestMovePocket_UnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(100), Method: "card"})

	w := env.do(t, "POST", "/api/v1/pockets/move", "alice", api.MovePocketRequest{
		From: model.PocketFiat, To: model.PocketFiat, Asset: "USD", Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("same-pocket move: expected 409, got %d", w.Code)
	}
}

// --- Products ---

func TestFutures_OpenClose(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(10000), Method: "card"})

	w := env.do(t, "POST", "/api/v1/futures", "alice", api.OpenFuturesRequest{
		Symbol: "BTC", Margin: d(1000), Direction: model.Long, Leverage: d(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pos := decodeBody[model.FuturesPosition](t, w)
	if !pos.IsOpen || !pos.LiquidationPrice.Equal(d(57807.45)) {
		t.Errorf("unexpected position: %+v", pos)
	}

	w = env.do(t, "GET", "/api/v1/futures?open=true", "alice", nil)
	if open := decodeBody[[]model.FuturesPosition](t, w); len(open) != 1 {
		t.Errorf("expected 1 open position, got %d", len(open))
	}

	// Another user cannot close it.
	if w := env.do(t, "POST", "/api/v1/futures/"+pos.ID+"/close", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign close: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/futures/"+pos.ID+"/close", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := balanceOf(t, env, "alice", "USD"); !got.Equal(d(10000)) {
		t.Errorf("expected margin returned, got %s", got)
	}

	if w := env.do(t, "POST", "/api/v1/futures/"+pos.ID+"/close", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("closed positions are not closable: expected 404, got %d", w.Code)
	}
}

func TestFutures_UnknownPosition(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if w := env.do(t, "POST", "/api/v1/futures/nope/close", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestBinary_PendingThenCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(500), Method: "card"})

	target := d(70000)
	w := env.do(t, "POST", "/api/v1/binary", "alice", api.OpenBinaryRequest{
		Asset: "BTC", Amount: d(100), Direction: model.Call, TargetPrice: &target,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pos := decodeBody[model.BinaryPosition](t, w)
	if pos.Status != model.BinaryPending {
		t.Errorf("expected PENDING, got %s", pos.Status)
	}
	if got := balanceOf(t, env, "alice", "USD"); !got.Equal(d(400)) {
		t.Errorf("wager should be reserved, got %s", got)
	}

	w = env.do(t, "POST", "/api/v1/binary/"+pos.ID+"/cancel", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := balanceOf(t, env, "alice", "USD"); !got.Equal(d(500)) {
		t.Errorf("wager should be refunded, got %s", got)
	}

	w = env.do(t, "GET", "/api/v1/binary?status=CANCELLED", "alice", nil)
	if list := decodeBody[[]model.BinaryPosition](t, w); len(list) != 1 {
		t.Errorf("expected 1 cancelled option, got %d", len(list))
	}
}

func TestSubscribe_UnknownPlan(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(500), Method: "card"})

	w := env.do(t, "POST", "/api/v1/investments", "alice", api.SubscribeRequest{PlanID: "gold-999", Amount: d(200), Asset: "USD"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/investments", "alice", api.SubscribeRequest{PlanID: "flex-30", Amount: d(200), Asset: "USD"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestP2P_BuyFlow(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, "POST", "/api/v1/p2p/orders", "alice", api.CreateOrderRequest{OfferID: "off-buy-usdt-1", AmountFiat: d(101)})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	order := decodeBody[model.P2POrder](t, w)
	if !order.AmountAsset.Equal(d(100)) || order.Status != model.P2PCreated {
		t.Fatalf("unexpected order: %+v", order)
	}
	base := "/api/v1/p2p/orders/" + order.ID

	if w := env.do(t, "POST", base+"/release", "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("release before payment: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", base+"/chat", "alice", api.ChatRequest{Message: "sent via wire"}); w.Code != http.StatusOK {
		t.Errorf("chat: expected 200, got %d", w.Code)
	}
	if w := env.do(t, "POST", base+"/paid", "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", base+"/release", "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", base, "alice", nil)
	got := decodeBody[model.P2POrder](t, w)
	if got.Status != model.P2PReleased || len(got.ChatLog) < 2 {
		t.Errorf("unexpected final order: status=%s chat=%d", got.Status, len(got.ChatLog))
	}
	if bal := balanceOf(t, env, "alice", "USDT"); !bal.Equal(d(100)) {
		t.Errorf("expected 100 USDT, got %s", bal)
	}

	if w := env.do(t, "POST", base+"/refund", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown action: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/p2p/orders/missing", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing order: expected 404, got %d", w.Code)
	}
}

func TestCopy_FollowUnfollow(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(1000), Method: "card"})

	w := env.do(t, "POST", "/api/v1/copy", "alice", api.FollowRequest{TraderID: "tr-atlas", Amount: d(20)})
	if w.Code != http.StatusConflict {
		t.Errorf("below minimum allocation: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/copy", "alice", api.FollowRequest{TraderID: "tr-atlas", Amount: d(500)})
	if w.Code != http.StatusCreated {
		t.Fatalf("follow: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pos := decodeBody[model.CopyPosition](t, w)

	w = env.do(t, "POST", "/api/v1/copy/"+pos.ID+"/unfollow", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unfollow: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if stopped := decodeBody[model.CopyPosition](t, w); stopped.Status != model.CopyStopped {
		t.Errorf("expected STOPPED, got %s", stopped.Status)
	}
}

func TestMarketData(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, "GET", "/api/v1/prices", "alice", nil)
	prices := decodeBody[map[string]decimal.Decimal](t, w)
	if !prices["BTC"].Equal(d(64230.50)) {
		t.Errorf("unexpected BTC price %s", prices["BTC"])
	}

	if w := env.do(t, "GET", "/api/v1/prices/BTC/chart?period=1W", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("chart: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "GET", "/api/v1/prices/BTC/chart?period=2Y", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad period: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/prices/DOGE/chart", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown symbol: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/catalog", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("catalog: expected 200, got %d", w.Code)
	}
}

// --- Middleware ---

func TestIdentity_MissingUser(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	if w := env.do(t, "GET", "/api/v1/balances", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", w.Code)
	}
}

func TestIdentity_Verified(t *testing.T) {
	if api.NewIdentity("").Verified() {
		t.Error("an empty secret trusts headers and must not report verified")
	}
	if !api.NewIdentity("s3cret").Verified() {
		t.Error("a secret should require signed tokens")
	}
}

func TestIdentity_JWTSubject(t *testing.T) {
	env := newTestEnv(t, api.NewIdentity("s3cret"), nil)

	sign := func(secret string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).
			SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	call := func(token string) int {
		body, _ := json.Marshal(api.DepositRequest{Amount: d(10), Method: "card"})
		req := httptest.NewRequest("POST", "/api/v1/deposit", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-User-ID", "mallory")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w.Code
	}

	if code := call(sign("wrong")); code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", code)
	}
	if code := call(sign("s3cret")); code != http.StatusCreated {
		t.Fatalf("valid token: expected 201, got %d", code)
	}

	got, err := env.ledger.Balance(context.Background(), "alice", "USD")
	if err != nil || !got.Equal(d(10)) {
		t.Errorf("deposit should land on the token subject, got %s (%v)", got, err)
	}
	if mallory, _ := env.ledger.Balance(context.Background(), "mallory", "USD"); !mallory.IsZero() {
		t.Errorf("header identity must be ignored when tokens are required")
	}
}

func TestRateLimiter_PerUser(t *testing.T) {
	env := newTestEnv(t, nil, api.NewRateLimiter(1, 2))

	for i := 0; i < 2; i++ {
		if w := env.do(t, "GET", "/api/v1/balances", "alice", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := env.do(t, "GET", "/api/v1/balances", "alice", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if w := env.do(t, "GET", "/api/v1/balances", "bob", nil); w.Code != http.StatusOK {
		t.Errorf("bob has a separate bucket, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWS_ReceivesOwnEvents(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?user_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the hub register the client

	env.do(t, "POST", "/api/v1/deposit", "bob", api.DepositRequest{Amount: d(5), Method: "card"})
	env.do(t, "POST", "/api/v1/deposit", "alice", api.DepositRequest{Amount: d(7), Method: "card"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type   string `json:"type"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "balance_changed" || ev.UserID != "alice" {
		t.Errorf("expected alice's balance_changed, got %+v", ev)
	}
}
