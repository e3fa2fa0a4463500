package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"manticore-trading/internal/ledger"
	"manticore-trading/internal/models"
	"manticore-trading/internal/settlement"
)

func setupServerTest(t *testing.T) (*gorm.DB, http.Handler) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := New(Config{
		DB:        db,
		Processor: ledger.NewProcessor(db),
		Reactor:   settlement.NewReactor(db),
	})
	return db, srv.Handler()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedOrder(t *testing.T, db *gorm.DB) (models.Listing, models.Order) {
	t.Helper()
	listing := models.Listing{ID: uuid.New(), Name: "API Pack", SellerAddress: "EaSellerAPI", DepositAddress: "EdDepositAPI"}
	if err := db.Create(&listing).Error; err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if err := db.Create(&models.ListingBalance{
		ListingID: listing.ID, AssetName: "CARD/API",
		ConfirmedBalance: dec("100"), PendingBalance: decimal.Zero,
	}).Error; err != nil {
		t.Fatalf("create listing balance: %v", err)
	}
	order := models.Order{
		ID: uuid.New(), ListingID: listing.ID,
		PaymentAddress: "EpOrderAPI", BuyerAddress: "EbBuyerAPI",
		Status: models.StatusPending,
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	item := models.OrderItem{
		ID: uuid.New(), OrderID: order.ID, AssetName: "CARD/API",
		Amount: dec("50"), PriceEVR: dec("40"), FeeEVR: dec("10"),
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("create order item: %v", err)
	}
	return listing, order
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, handler := setupServerTest(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestEntryFeedDrivesOrder(t *testing.T) {
	db, handler := setupServerTest(t)
	_, order := seedOrder(t, db)

	entry := map[string]any{
		"tx_hash":       "tx-api-1",
		"address":       order.PaymentAddress,
		"entry_type":    "receive",
		"asset_name":    "EVR",
		"amount":        "50",
		"confirmations": 2,
		"time":          time.Now().UTC().Format(time.RFC3339),
	}
	rec := doJSON(t, handler, http.MethodPut, "/v1/entries", entry)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/orders/"+order.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var payload struct {
		Order models.Order `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Order.Status != models.StatusSalePending {
		t.Fatalf("expected sale_pending got %s", payload.Order.Status)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sales?order_id="+order.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var sales struct {
		Sales []models.SaleHistory `json:"sales"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sales); err != nil {
		t.Fatalf("decode sales: %v", err)
	}
	if len(sales.Sales) != 1 {
		t.Fatalf("expected 1 sale got %d", len(sales.Sales))
	}
}

func TestEntryFeedAcceptsBatches(t *testing.T) {
	db, handler := setupServerTest(t)
	_, order := seedOrder(t, db)

	batch := []map[string]any{
		{
			"tx_hash": "tx-api-b", "address": order.PaymentAddress,
			"entry_type": "receive", "asset_name": "EVR",
			"amount": "20", "confirmations": 0,
		},
		{
			"tx_hash": "tx-api-b", "address": "EaElsewhere",
			"entry_type": "receive", "asset_name": "EVR",
			"amount": "20", "confirmations": 0,
		},
	}
	rec := doJSON(t, handler, http.MethodPut, "/v1/entries", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var stored []models.TransactionEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 entries stored got %d", len(stored))
	}

	// The transaction value is shared between the two outputs.
	var bal models.OrderBalance
	if err := db.First(&bal, "order_id = ? AND asset_name = ?", order.ID, "EVR").Error; err != nil {
		t.Fatalf("load balance: %v", err)
	}
	if !bal.PendingBalance.Equal(dec("10")) {
		t.Fatalf("expected prorated pending 10 got %s", bal.PendingBalance)
	}
}

func TestEntryFeedRejectsInvalidPayload(t *testing.T) {
	_, handler := setupServerTest(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/entries", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPut, "/v1/entries", map[string]any{
		"address": "Ea", "entry_type": "receive", "asset_name": "EVR", "amount": "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tx_hash got %d", rec.Code)
	}
}

func TestPayoutFeed(t *testing.T) {
	db, handler := setupServerTest(t)
	listing, order := seedOrder(t, db)

	// Drive the order to sale_pending through the entry feed first.
	rec := doJSON(t, handler, http.MethodPut, "/v1/entries", map[string]any{
		"tx_hash": "tx-payout", "address": order.PaymentAddress,
		"entry_type": "receive", "asset_name": "EVR",
		"amount": "50", "confirmations": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/orders/"+order.ID.String()+"/payout", map[string]any{
		"success":           true,
		"total_fees_paid":   "0.1",
		"last_attempt_time": time.Now().UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var reloaded models.Order
	if err := db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if reloaded.Status != models.StatusCompleted {
		t.Fatalf("expected completed got %s", reloaded.Status)
	}
	var bal models.ListingBalance
	if err := db.First(&bal, "listing_id = ? AND asset_name = ?", listing.ID, "CARD/API").Error; err != nil {
		t.Fatalf("load listing balance: %v", err)
	}
	if !bal.ConfirmedBalance.Equal(dec("50")) {
		t.Fatalf("expected listing debited to 50 got %s", bal.ConfirmedBalance)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/orders/"+uuid.NewString()+"/payout", map[string]any{
		"success": true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/orders/not-a-uuid/payout", map[string]any{"success": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestRetrySaleEndpoint(t *testing.T) {
	db, handler := setupServerTest(t)
	_, order := seedOrder(t, db)

	// Not at paid yet: the retry is refused.
	rec := doJSON(t, handler, http.MethodPost, "/v1/orders/"+order.ID.String()+"/retry-sale", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}

	if err := db.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("status", models.StatusPaid).Error; err != nil {
		t.Fatalf("reset order: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/orders/"+order.ID.String()+"/retry-sale", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var reloaded models.Order
	if err := db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if reloaded.Status != models.StatusSalePending {
		t.Fatalf("expected sale_pending got %s", reloaded.Status)
	}
}

func TestListingBalancesEndpoint(t *testing.T) {
	db, handler := setupServerTest(t)
	listing, _ := seedOrder(t, db)

	rec := doJSON(t, handler, http.MethodGet, "/v1/listings/"+listing.ID.String()+"/balances", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var payload struct {
		Balances []models.ListingBalance `json:"balances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Balances) != 1 {
		t.Fatalf("expected 1 balance got %d", len(payload.Balances))
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/listings/"+uuid.NewString()+"/balances", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestEntryFeedRateLimit(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := New(Config{
		DB:        db,
		Processor: ledger.NewProcessor(db),
		Reactor:   settlement.NewReactor(db),
		Limits: map[string]RateLimit{
			FeedEntries: {RequestsPerMinute: 1, Burst: 1},
		},
	})
	handler := srv.Handler()

	entry := map[string]any{
		"tx_hash": "tx-limit", "address": "EaLimit",
		"entry_type": "receive", "asset_name": "EVR", "amount": "1",
	}
	rec := doJSON(t, handler, http.MethodPut, "/v1/entries", entry)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPut, "/v1/entries", entry)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
}
