package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lexportal/bank-engine/internal/metrics"
)

// NewRouter wires the HTTP surface. Every /api/v1 route runs behind the
// identity and rate-limit middleware; /health and /metrics are public.
func NewRouter(svc *Service, hub *WSHub, identity *Identity, limiter *RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Use(limiter.Middleware)

		// The upgrade outlives any request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Market data.
			r.Get("/prices", svc.GetPrices)
			r.Get("/prices/{symbol}/chart", svc.GetChart)
			r.Get("/catalog", svc.GetCatalog)

			// Wallet.
			r.Get("/balances", svc.GetBalances)
			r.Get("/portfolio", svc.GetPortfolio)
			r.Get("/transactions", svc.GetTransactions)
			r.Get("/reconcile", svc.Reconcile)
			r.Post("/deposit", svc.Deposit)
			r.Post("/withdraw", svc.Withdraw)
			r.Post("/pockets/move", svc.MovePocket)
			r.Post("/transfers", svc.Transfer)
			r.Post("/spot", svc.TradeSpot)

			// Futures.
			r.Get("/futures", svc.ListFutures)
			r.Post("/futures", svc.OpenFutures)
			r.Post("/futures/{id}/close", svc.CloseFutures)

			// Binary options.
			r.Get("/binary", svc.ListBinary)
			r.Post("/binary", svc.OpenBinary)
			r.Post("/binary/{id}/cancel", svc.CancelBinary)

			// Fixed-term investments.
			r.Get("/investments", svc.ListInvestments)
			r.Post("/investments", svc.Subscribe)

			// P2P escrow.
			r.Get("/p2p/orders", svc.ListOrders)
			r.Post("/p2p/orders", svc.CreateOrder)
			r.Get("/p2p/orders/{id}", svc.GetOrder)
			r.Post("/p2p/orders/{id}/dispute", svc.DisputeOrder)
			r.Post("/p2p/orders/{id}/chat", svc.AppendChat)
			r.Post("/p2p/orders/{id}/{action}", svc.OrderAction)

			// Copy-trading.
			r.Get("/copy", svc.ListCopies)
			r.Post("/copy", svc.Follow)
			r.Post("/copy/{id}/unfollow", svc.Unfollow)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})
	return r
}
