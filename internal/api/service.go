// Package api exposes the ledger and product engines over HTTP and pushes
// committed events to WebSocket subscribers.
//
// All monetary values travel as decimal strings.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/binary"
	"github.com/lexportal/bank-engine/internal/copytrade"
	"github.com/lexportal/bank-engine/internal/futures"
	"github.com/lexportal/bank-engine/internal/invest"
	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/model"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/p2p"
)

// Engines groups the product engines served by the API.
type Engines struct {
	Futures *futures.Engine
	Binary  *binary.Engine
	Invest  *invest.Engine
	P2P     *p2p.Engine
	Copy    *copytrade.Engine
}

// Service holds the HTTP handlers.
type Service struct {
	ledger *ledger.Ledger
	eng    Engines
	logger *zap.Logger
}

// NewService creates the HTTP handlers over l and eng.
func NewService(l *ledger.Ledger, eng Engines, logger *zap.Logger) *Service {
	return &Service{ledger: l, eng: eng, logger: logger.Named("api")}
}

// --- Request types ---

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
	Method string          `json:"method"`
}

type MovePocketRequest struct {
	From   model.Pocket    `json:"from"`
	To     model.Pocket    `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type TransferRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
}

type SpotRequest struct {
	BuyAsset   string          `json:"buy_asset"`
	SellAsset  string          `json:"sell_asset"`
	SellAmount decimal.Decimal `json:"sell_amount"`
}

type OpenFuturesRequest struct {
	Symbol    string             `json:"symbol"`
	Margin    decimal.Decimal    `json:"margin"`
	Direction model.PositionSide `json:"direction"`
	Leverage  decimal.Decimal    `json:"leverage"`
}

// OpenBinaryRequest opens an immediate option, or a pending one when
// TargetPrice is set.
type OpenBinaryRequest struct {
	Asset           string                `json:"asset"`
	Amount          decimal.Decimal       `json:"amount"`
	Direction       model.BinaryDirection `json:"direction"`
	DurationSeconds int                   `json:"duration_seconds"`
	TargetPrice     *decimal.Decimal      `json:"target_price,omitempty"`
}

type SubscribeRequest struct {
	PlanID string          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

type CreateOrderRequest struct {
	OfferID    string          `json:"offer_id"`
	AmountFiat decimal.Decimal `json:"amount_fiat"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type FollowRequest struct {
	TraderID string             `json:"trader_id"`
	Amount   decimal.Decimal    `json:"amount"`
	Settings model.CopySettings `json:"settings"`
}

// --- Market data ---

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Feed().Prices())
}

// GetChart handles GET /api/v1/prices/{symbol}/chart?period=1D
func (s *Service) GetChart(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1D"
	}
	p, err := oracle.ParsePeriod(period)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	candles, err := s.ledger.Feed().ChartSeries(chi.URLParam(r, "symbol"), p, s.ledger.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// GetCatalog handles GET /api/v1/catalog
func (s *Service) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cat := s.ledger.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"base_fiat":       cat.BaseFiat,
		"assets":          cat.Assets,
		"futures_markets": cat.FuturesMarkets,
		"fixed_plans":     cat.FixedPlans,
		"traders":         cat.Traders,
		"offers":          cat.Offers,
	})
}

// --- Ledger ---

// GetBalances handles GET /api/v1/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.ledger.Balances(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Portfolio(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTransactions handles GET /api/v1/transactions?asset=USD
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.Transactions(r.Context(), UserID(r.Context()), r.URL.Query().Get("asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Reconcile handles GET /api/v1/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Reconcile(r.Context(), UserID(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consistent": true})
}

// Deposit handles POST /api/v1/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Deposit(r.Context(), UserID(r.Context()), req.Amount, req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Withdraw handles POST /api/v1/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Withdraw(r.Context(), UserID(r.Context()), req.Amount, req.Asset, req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// MovePocket handles POST /api/v1/pockets/move
func (s *Service) MovePocket(w http.ResponseWriter, r *http.Request) {
	var req MovePocketRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := s.ledger.MovePocket(r.Context(), UserID(r.Context()), req.From, req.To, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txs)
}

// Transfer handles POST /api/v1/transfers
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := s.ledger.TransferInternal(r.Context(), UserID(r.Context()), req.Recipient, req.Amount, req.Asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txs)
}

// TradeSpot handles POST /api/v1/spot
func (s *Service) TradeSpot(w http.ResponseWriter, r *http.Request) {
	var req SpotRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := s.ledger.TradeSpot(r.Context(), UserID(r.Context()), req.BuyAsset, req.SellAsset, req.SellAmount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txs)
}

// --- Futures ---

// ListFutures handles GET /api/v1/futures?open=true
func (s *Service) ListFutures(w http.ResponseWriter, r *http.Request) {
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	positions, err := s.eng.Futures.List(r.Context(), UserID(r.Context()), openOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.FuturesPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// OpenFutures handles POST /api/v1/futures
func (s *Service) OpenFutures(w http.ResponseWriter, r *http.Request) {
	var req OpenFuturesRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.eng.Futures.Open(r.Context(), UserID(r.Context()), req.Symbol, req.Margin, req.Direction, req.Leverage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// CloseFutures handles POST /api/v1/futures/{id}/close
func (s *Service) CloseFutures(w http.ResponseWriter, r *http.Request) {
	pos, err := s.eng.Futures.Close(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Binary options ---

// ListBinary handles GET /api/v1/binary?status=ACTIVE
func (s *Service) ListBinary(w http.ResponseWriter, r *http.Request) {
	var statuses []model.BinaryStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, model.BinaryStatus(st))
	}
	positions, err := s.eng.Binary.List(r.Context(), UserID(r.Context()), statuses...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.BinaryPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// OpenBinary handles POST /api/v1/binary
func (s *Service) OpenBinary(w http.ResponseWriter, r *http.Request) {
	var req OpenBinaryRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, user := r.Context(), UserID(r.Context())

	var (
		pos *model.BinaryPosition
		err error
	)
	if req.TargetPrice != nil {
		pos, err = s.eng.Binary.OpenPending(ctx, user, req.Asset, req.Amount, req.Direction, *req.TargetPrice)
	} else {
		pos, err = s.eng.Binary.OpenImmediate(ctx, user, req.Asset, req.Amount, req.Direction, req.DurationSeconds)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// CancelBinary handles POST /api/v1/binary/{id}/cancel
func (s *Service) CancelBinary(w http.ResponseWriter, r *http.Request) {
	pos, err := s.eng.Binary.CancelPending(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Fixed-term investments ---

// ListInvestments handles GET /api/v1/investments
func (s *Service) ListInvestments(w http.ResponseWriter, r *http.Request) {
	held, err := s.eng.Invest.List(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, held)
}

// Subscribe handles POST /api/v1/investments
func (s *Service) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.eng.Invest.Subscribe(r.Context(), UserID(r.Context()), req.PlanID, req.Amount, req.Asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// --- P2P ---

// ListOrders handles GET /api/v1/p2p/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.eng.P2P.List(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.P2POrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CreateOrder handles POST /api/v1/p2p/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := s.eng.P2P.CreateOrder(r.Context(), UserID(r.Context()), req.OfferID, req.AmountFiat)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/v1/p2p/orders/{id}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.eng.P2P.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// OrderAction handles POST /api/v1/p2p/orders/{id}/{action} for the
// paid, release and cancel transitions.
func (s *Service) OrderAction(w http.ResponseWriter, r *http.Request) {
	ctx, user, id := r.Context(), UserID(r.Context()), chi.URLParam(r, "id")

	var (
		order *model.P2POrder
		err   error
	)
	switch chi.URLParam(r, "action") {
	case "paid":
		order, err = s.eng.P2P.MarkPaid(ctx, user, id)
	case "release":
		order, err = s.eng.P2P.Release(ctx, user, id)
	case "cancel":
		order, err = s.eng.P2P.Cancel(ctx, user, id)
	default:
		writeError(w, "unknown order action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// DisputeOrder handles POST /api/v1/p2p/orders/{id}/dispute
func (s *Service) DisputeOrder(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	order, err := s.eng.P2P.Dispute(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// AppendChat handles POST /api/v1/p2p/orders/{id}/chat
func (s *Service) AppendChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	user := UserID(r.Context())
	order, err := s.eng.P2P.AppendChat(r.Context(), user, chi.URLParam(r, "id"), user, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Copy-trading ---

// ListCopies handles GET /api/v1/copy
func (s *Service) ListCopies(w http.ResponseWriter, r *http.Request) {
	positions, err := s.eng.Copy.List(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.CopyPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// Follow handles POST /api/v1/copy
func (s *Service) Follow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.eng.Copy.Follow(r.Context(), UserID(r.Context()), req.TraderID, req.Amount, req.Settings)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// Unfollow handles POST /api/v1/copy/{id}/unfollow
func (s *Service) Unfollow(w http.ResponseWriter, r *http.Request) {
	pos, err := s.eng.Copy.Unfollow(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "bank-engine",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
