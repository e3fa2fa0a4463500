package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"manticore-trading/internal/ledger"
	"manticore-trading/internal/models"
	"manticore-trading/internal/settlement"
)

// Feed keys used for rate limiting.
const (
	FeedEntries = "entries"
	FeedPayouts = "payouts"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Processor *ledger.Processor
	Reactor   *settlement.Reactor
	Limits    map[string]RateLimit
	Logger    *slog.Logger
}

// Server exposes the watcher and payout-executor feeds plus the read surface
// over listings, orders, cart orders, and sale history.
type Server struct {
	db        *gorm.DB
	processor *ledger.Processor
	reactor   *settlement.Reactor
	log       *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		db:        cfg.DB,
		processor: cfg.Processor,
		reactor:   cfg.Reactor,
		log:       log,
	}
	srv.router = srv.buildRouter(cfg.Limits)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limits map[string]RateLimit) http.Handler {
	limiter := NewRateLimiter(limits, s.log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(limiter.Middleware(FeedEntries)).Put("/entries", s.PutEntry)
		api.With(limiter.Middleware(FeedPayouts)).Post("/orders/{id}/payout", s.ReportOrderPayout)
		api.With(limiter.Middleware(FeedPayouts)).Post("/cart-orders/{id}/payout", s.ReportCartOrderPayout)
		api.Post("/orders/{id}/retry-sale", s.RetryOrderSale)
		api.Post("/cart-orders/{id}/retry-sale", s.RetryCartOrderSale)

		api.Get("/listings/{id}/balances", s.GetListingBalances)
		api.Get("/orders/{id}", s.GetOrder)
		api.Get("/cart-orders/{id}", s.GetCartOrder)
		api.Get("/sales", s.ListSales)
	})

	return r
}

// PutEntry ingests a watcher observation batch. The body is either a single
// entry object or an array of entries; outputs of one on-chain transaction
// must arrive in the same batch so split payments prorate correctly.
func (s *Server) PutEntry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var ins []ledger.EntryInput
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ins); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	} else {
		var in ledger.EntryInput
		if err := json.Unmarshal(trimmed, &in); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		ins = []ledger.EntryInput{in}
	}
	entries, err := s.processor.PutTransactionEntries(r.Context(), ins)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidEntry):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ledger.ErrInsufficientListingBalance):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.log.Error("entry ingest failed", slog.String("error", err.Error()))
			http.Error(w, "failed to process entries", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type payoutOutcomeRequest struct {
	Success         bool            `json:"success"`
	FailureCount    int             `json:"failure_count"`
	TotalFeesPaid   decimal.Decimal `json:"total_fees_paid"`
	LastAttemptTime time.Time       `json:"last_attempt_time"`
}

// ReportOrderPayout ingests a payout outcome for a single-listing order.
func (s *Server) ReportOrderPayout(w http.ResponseWriter, r *http.Request) {
	s.reportPayout(w, r, models.RefOrder)
}

// ReportCartOrderPayout ingests a payout outcome for a cart order.
func (s *Server) ReportCartOrderPayout(w http.ResponseWriter, r *http.Request) {
	s.reportPayout(w, r, models.RefCartOrder)
}

func (s *Server) reportPayout(w http.ResponseWriter, r *http.Request, kind models.RefKind) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req payoutOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ref := models.OrderRef(id)
	if kind == models.RefCartOrder {
		ref = models.CartOrderRef(id)
	}
	outcome := settlement.Outcome{
		Ref:             ref,
		Success:         req.Success,
		FailureCount:    req.FailureCount,
		TotalFeesPaid:   req.TotalFeesPaid,
		LastAttemptTime: req.LastAttemptTime,
	}
	if err := s.reactor.ReportPayoutOutcome(r.Context(), outcome); err != nil {
		switch {
		case errors.Is(err, settlement.ErrInvalidOutcome):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, settlement.ErrOrderNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, settlement.ErrBalanceInvariant):
			s.log.Error("settlement consistency violation", slog.String("error", err.Error()))
			http.Error(w, "settlement consistency violation", http.StatusInternalServerError)
		default:
			s.log.Error("payout report failed", slog.String("error", err.Error()))
			http.Error(w, "failed to process payout outcome", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// RetryOrderSale re-runs the sale-recording pass for an order reset to paid.
func (s *Server) RetryOrderSale(w http.ResponseWriter, r *http.Request) {
	s.retrySale(w, r, models.RefOrder)
}

// RetryCartOrderSale re-runs the sale-recording pass for a cart order reset
// to paid.
func (s *Server) RetryCartOrderSale(w http.ResponseWriter, r *http.Request) {
	s.retrySale(w, r, models.RefCartOrder)
}

func (s *Server) retrySale(w http.ResponseWriter, r *http.Request, kind models.RefKind) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	ref := models.OrderRef(id)
	if kind == models.RefCartOrder {
		ref = models.CartOrderRef(id)
	}
	if err := s.processor.RetrySale(r.Context(), ref); err != nil {
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ledger.ErrNotRetryable), errors.Is(err, ledger.ErrInsufficientListingBalance):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.log.Error("sale retry failed", slog.String("error", err.Error()))
			http.Error(w, "failed to retry sale", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sale_pending"})
}

// GetListingBalances returns every per-asset balance of the listing.
func (s *Server) GetListingBalances(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var listing models.Listing
	if err := s.db.First(&listing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load listing", http.StatusInternalServerError)
		return
	}
	var balances []models.ListingBalance
	if err := s.db.Where("listing_id = ?", id).Find(&balances).Error; err != nil {
		http.Error(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"listing":  listing,
		"balances": balances,
	})
}

// GetOrder returns the order with its items and balances.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var order models.Order
	if err := s.db.Preload("Items").First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	var balances []models.OrderBalance
	if err := s.db.Where("order_id = ?", id).Find(&balances).Error; err != nil {
		http.Error(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"order":    order,
		"balances": balances,
	})
}

// GetCartOrder returns the cart order with its items and balances.
func (s *Server) GetCartOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var cart models.CartOrder
	if err := s.db.Preload("Items").First(&cart, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "cart order not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load cart order", http.StatusInternalServerError)
		return
	}
	var balances []models.CartOrderBalance
	if err := s.db.Where("cart_order_id = ?", id).Find(&balances).Error; err != nil {
		http.Error(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cart_order": cart,
		"balances":   balances,
	})
}

// ListSales returns sale history rows filtered by listing, order, or cart
// order.
func (s *Server) ListSales(w http.ResponseWriter, r *http.Request) {
	q := s.db.Model(&models.SaleHistory{}).Order("sale_time DESC")
	if raw := r.URL.Query().Get("listing_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid listing_id", http.StatusBadRequest)
			return
		}
		q = q.Where("listing_id = ?", id)
	}
	if raw := r.URL.Query().Get("order_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid order_id", http.StatusBadRequest)
			return
		}
		q = q.Where("order_id = ?", id)
	}
	if raw := r.URL.Query().Get("cart_order_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid cart_order_id", http.StatusBadRequest)
			return
		}
		q = q.Where("cart_order_id = ?", id)
	}
	var sales []models.SaleHistory
	if err := q.Find(&sales).Error; err != nil {
		http.Error(w, "failed to load sales", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write response failed", slog.String("error", err.Error()))
	}
}
