package recon

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"manticore-trading/internal/models"
)

func setupReconTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedConsistentListing creates a listing whose balance row matches its
// receive entries exactly.
func seedConsistentListing(t *testing.T, db *gorm.DB) models.Listing {
	t.Helper()
	listing := models.Listing{ID: uuid.New(), Name: "Audited", SellerAddress: "EaSeller", DepositAddress: "EdAudited"}
	if err := db.Create(&listing).Error; err != nil {
		t.Fatalf("create listing: %v", err)
	}
	entry := models.TransactionEntry{
		TxHash: "tx-audit", Address: listing.DepositAddress, EntryType: models.EntryTypeReceive,
		AssetName: "CARD/AUDIT", Amount: dec("25"), Confirmations: 2, Time: time.Now().UTC(),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	bal := models.ListingBalance{
		ListingID: listing.ID, AssetName: "CARD/AUDIT",
		ConfirmedBalance: dec("25"), PendingBalance: decimal.Zero,
	}
	if err := db.Create(&bal).Error; err != nil {
		t.Fatalf("create balance: %v", err)
	}
	return listing
}

func newTestReconciler(t *testing.T, db *gorm.DB, dir string, alert AlertFunc) *Reconciler {
	t.Helper()
	rec, err := NewReconciler(Config{DB: db, OutputDir: dir, Alert: alert})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return rec
}

func TestRunCleanLedger(t *testing.T) {
	db := setupReconTestDB(t)
	seedConsistentListing(t, db)
	dir := t.TempDir()
	rec := newTestReconciler(t, db, dir, nil)

	result, err := rec.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("expected no anomalies got %d: %+v", len(result.Anomalies), result.Anomalies)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 report row got %d", len(result.Rows))
	}
	row := result.Rows[0]
	if !row.Attributable.Equal(dec("25")) || !row.Confirmed.Equal(dec("25")) {
		t.Fatalf("unexpected row: attributable %s confirmed %s", row.Attributable, row.Confirmed)
	}
	if _, err := os.Stat(result.CSVPath); err != nil {
		t.Fatalf("csv report missing: %v", err)
	}
	if _, err := os.Stat(result.ParquetPath); err != nil {
		t.Fatalf("parquet report missing: %v", err)
	}
}

func TestRunDetectsOverCredit(t *testing.T) {
	db := setupReconTestDB(t)
	listing := seedConsistentListing(t, db)
	// Inflate the confirmed balance past what the entries can attribute.
	if err := db.Model(&models.ListingBalance{}).
		Where("listing_id = ? AND asset_name = ?", listing.ID, "CARD/AUDIT").
		Update("confirmed_balance", dec("100")).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	var alerted []Anomaly
	alert := func(_ context.Context, a Anomaly) error {
		alerted = append(alerted, a)
		return nil
	}
	rec := newTestReconciler(t, db, t.TempDir(), alert)

	result, err := rec.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 {
		t.Fatalf("expected 1 anomaly got %d", len(result.Anomalies))
	}
	if result.Anomalies[0].Type != AnomalyOverCredit {
		t.Fatalf("expected %s got %s", AnomalyOverCredit, result.Anomalies[0].Type)
	}
	if len(alerted) != 1 {
		t.Fatalf("expected alert callback invoked once, got %d", len(alerted))
	}
	if !result.Rows[0].OverCredit {
		t.Fatalf("report row must flag the over credit")
	}
}

func TestRunDetectsNegativePending(t *testing.T) {
	db := setupReconTestDB(t)
	listing := seedConsistentListing(t, db)
	if err := db.Model(&models.ListingBalance{}).
		Where("listing_id = ? AND asset_name = ?", listing.ID, "CARD/AUDIT").
		Updates(map[string]any{"pending_balance": dec("-5"), "confirmed_balance": dec("25")}).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}
	rec := newTestReconciler(t, db, t.TempDir(), nil)

	result, err := rec.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range result.Anomalies {
		if a.Type == AnomalyNegativePending {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s anomaly, got %+v", AnomalyNegativePending, result.Anomalies)
	}
}

func TestRunDetectsCompletedWithoutSale(t *testing.T) {
	db := setupReconTestDB(t)
	order := models.Order{
		ID: uuid.New(), ListingID: uuid.New(),
		PaymentAddress: "EpGhost", Status: models.StatusCompleted,
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	rec := newTestReconciler(t, db, t.TempDir(), nil)

	result, err := rec.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	types := make(map[string]int)
	for _, a := range result.Anomalies {
		types[a.Type]++
		if a.OwnerID != order.ID {
			t.Fatalf("anomaly must name the order, got %s", a.OwnerID)
		}
	}
	if types[AnomalyCompletedWithoutSale] != 1 || types[AnomalySaleWithoutPayout] != 1 {
		t.Fatalf("expected %s and %s anomalies got %+v",
			AnomalyCompletedWithoutSale, AnomalySaleWithoutPayout, result.Anomalies)
	}
}

func TestRunDryRunSkipsReports(t *testing.T) {
	db := setupReconTestDB(t)
	seedConsistentListing(t, db)
	dir := t.TempDir()
	rec := newTestReconciler(t, db, dir, nil)

	result, err := rec.Run(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CSVPath != "" || result.ParquetPath != "" {
		t.Fatalf("dry run must not write reports")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty output dir, found %d entries", len(entries))
	}
}

func TestNewReconcilerRequiresDB(t *testing.T) {
	if _, err := NewReconciler(Config{}); err == nil {
		t.Fatalf("expected error for missing database handle")
	}
}
