package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"manticore-trading/internal/ledger"
	"manticore-trading/internal/models"
	"manticore-trading/observability"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyOverCredit           = "over_credit"
	AnomalyNegativePending      = "negative_pending"
	AnomalyCompletedWithoutSale = "completed_without_sale"
	AnomalySaleWithoutPayout    = "sale_without_payout"
	AnomalySaleXORViolation     = "sale_xor_violation"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a bookkeeping failure requiring operator review.
type Anomaly struct {
	Type      string
	OwnerKind string
	OwnerID   uuid.UUID
	AssetName string
	Details   string
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation pass.
type RunOptions struct {
	DryRun bool
}

// Reconciler audits the balance tables against the raw transaction-entry
// stream: for every owner and asset the attributable sum of receive entries
// must cover pending + confirmed, pending must never be negative, completed
// orders must have sale history, and sale rows must reference exactly one
// owner. Findings are reported as anomalies and materialised into CSV and
// Parquet files.
type Reconciler struct {
	db        *gorm.DB
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	log       *slog.Logger
	metrics   *observability.ReconMetrics
}

// ReportRow summarises the audit result for a single owner/asset balance.
type ReportRow struct {
	OwnerKind       string
	OwnerID         uuid.UUID
	AssetName       string
	Pending         decimal.Decimal
	Confirmed       decimal.Decimal
	Attributable    decimal.Decimal
	OverCredit      bool
	NegativePending bool
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: database handle required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		outputDir: cfg.OutputDir,
		dryRun:    cfg.DryRun,
		now:       now,
		alert:     cfg.Alert,
		log:       logger,
		metrics:   observability.Recon(),
	}, nil
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	result := &Result{Start: r.now()}
	dryRun := r.dryRun || opts.DryRun

	if err := r.auditListingBalances(ctx, result); err != nil {
		r.metrics.RecordRun("error")
		return nil, err
	}
	if err := r.auditOrderBalances(ctx, result); err != nil {
		r.metrics.RecordRun("error")
		return nil, err
	}
	if err := r.auditCartOrderBalances(ctx, result); err != nil {
		r.metrics.RecordRun("error")
		return nil, err
	}
	if err := r.auditCompletedSales(ctx, result); err != nil {
		r.metrics.RecordRun("error")
		return nil, err
	}
	if err := r.auditSaleReferences(ctx, result); err != nil {
		r.metrics.RecordRun("error")
		return nil, err
	}

	for _, anomaly := range result.Anomalies {
		r.metrics.RecordAnomaly(anomaly.Type)
		r.log.Warn("reconciliation anomaly",
			slog.String("type", anomaly.Type),
			slog.String("owner_kind", anomaly.OwnerKind),
			slog.String("owner_id", anomaly.OwnerID.String()),
			slog.String("asset", anomaly.AssetName),
			slog.String("details", anomaly.Details))
		if r.alert != nil {
			if err := r.alert(ctx, anomaly); err != nil {
				r.log.Error("reconciliation alert failed", slog.String("error", err.Error()))
			}
		}
	}

	if !dryRun {
		csvPath, parquetPath, err := r.writeReportFiles(result)
		if err != nil {
			r.metrics.RecordRun("error")
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
	}

	r.metrics.RecordRun("ok")
	r.log.Info("reconciliation finished",
		slog.Int("rows", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)))
	return result, nil
}

func (r *Reconciler) auditListingBalances(ctx context.Context, result *Result) error {
	var balances []models.ListingBalance
	if err := r.db.WithContext(ctx).Find(&balances).Error; err != nil {
		return fmt.Errorf("recon: load listing balances: %w", err)
	}
	for i := range balances {
		bal := &balances[i]
		var listing models.Listing
		if err := r.db.WithContext(ctx).Select("id", "deposit_address").
			First(&listing, "id = ?", bal.ListingID).Error; err != nil {
			return fmt.Errorf("recon: load listing: %w", err)
		}
		r.auditBalance(ctx, result, "listing", bal.ListingID, bal.AssetName,
			listing.DepositAddress, bal.PendingBalance, bal.ConfirmedBalance)
	}
	return nil
}

func (r *Reconciler) auditOrderBalances(ctx context.Context, result *Result) error {
	var balances []models.OrderBalance
	if err := r.db.WithContext(ctx).Find(&balances).Error; err != nil {
		return fmt.Errorf("recon: load order balances: %w", err)
	}
	for i := range balances {
		bal := &balances[i]
		var order models.Order
		if err := r.db.WithContext(ctx).Select("id", "payment_address").
			First(&order, "id = ?", bal.OrderID).Error; err != nil {
			return fmt.Errorf("recon: load order: %w", err)
		}
		r.auditBalance(ctx, result, "order", bal.OrderID, bal.AssetName,
			order.PaymentAddress, bal.PendingBalance, bal.ConfirmedBalance)
	}
	return nil
}

func (r *Reconciler) auditCartOrderBalances(ctx context.Context, result *Result) error {
	var balances []models.CartOrderBalance
	if err := r.db.WithContext(ctx).Find(&balances).Error; err != nil {
		return fmt.Errorf("recon: load cart order balances: %w", err)
	}
	for i := range balances {
		bal := &balances[i]
		var cart models.CartOrder
		if err := r.db.WithContext(ctx).Select("id", "payment_address").
			First(&cart, "id = ?", bal.CartOrderID).Error; err != nil {
			return fmt.Errorf("recon: load cart order: %w", err)
		}
		r.auditBalance(ctx, result, "cart_order", bal.CartOrderID, bal.AssetName,
			cart.PaymentAddress, bal.PendingBalance, bal.ConfirmedBalance)
	}
	return nil
}

func (r *Reconciler) auditBalance(ctx context.Context, result *Result, kind string, ownerID uuid.UUID, asset, address string, pending, confirmed decimal.Decimal) {
	attributable, err := r.attributableTotal(ctx, address, asset)
	if err != nil {
		// Treat a computation failure as an anomaly rather than aborting the
		// rest of the audit.
		result.Anomalies = append(result.Anomalies, Anomaly{
			Type: AnomalyOverCredit, OwnerKind: kind, OwnerID: ownerID, AssetName: asset,
			Details: fmt.Sprintf("attributable sum failed: %v", err),
		})
		return
	}
	row := &ReportRow{
		OwnerKind:    kind,
		OwnerID:      ownerID,
		AssetName:    asset,
		Pending:      pending,
		Confirmed:    confirmed,
		Attributable: attributable,
	}
	if pending.IsNegative() {
		row.NegativePending = true
		result.Anomalies = append(result.Anomalies, Anomaly{
			Type: AnomalyNegativePending, OwnerKind: kind, OwnerID: ownerID, AssetName: asset,
			Details: fmt.Sprintf("pending balance %s", pending),
		})
	}
	if pending.Add(confirmed).GreaterThan(attributable) {
		row.OverCredit = true
		result.Anomalies = append(result.Anomalies, Anomaly{
			Type: AnomalyOverCredit, OwnerKind: kind, OwnerID: ownerID, AssetName: asset,
			Details: fmt.Sprintf("pending %s + confirmed %s exceeds attributable %s", pending, confirmed, attributable),
		})
	}
	result.Rows = append(result.Rows, row)
}

// attributableTotal recomputes the allocator-attributable sum of every receive
// entry addressed to the owner. Payout debits reduce confirmed away from this
// ceiling, so the audit is one-sided: credited funds may never exceed it.
func (r *Reconciler) attributableTotal(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	var entries []models.TransactionEntry
	err := r.db.WithContext(ctx).
		Where("address = ? AND asset_name = ? AND entry_type = ?", address, asset, models.EntryTypeReceive).
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range entries {
		var siblings int64
		err := r.db.WithContext(ctx).Model(&models.TransactionEntry{}).
			Where("tx_hash = ? AND asset_name = ? AND entry_type = ?",
				entries[i].TxHash, asset, models.EntryTypeReceive).
			Count(&siblings).Error
		if err != nil {
			return decimal.Zero, err
		}
		amt := entries[i].Amount
		if siblings > 1 {
			amt = amt.Div(decimal.NewFromInt(siblings))
		}
		total = total.Add(amt)
	}
	return total, nil
}

func (r *Reconciler) auditCompletedSales(ctx context.Context, result *Result) error {
	var orders []models.Order
	if err := r.db.WithContext(ctx).Select("id").
		Where("status = ?", models.StatusCompleted).Find(&orders).Error; err != nil {
		return fmt.Errorf("recon: load completed orders: %w", err)
	}
	for _, order := range orders {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.SaleHistory{}).
			Where("order_id = ?", order.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("recon: count sales: %w", err)
		}
		if count == 0 {
			result.Anomalies = append(result.Anomalies, Anomaly{
				Type: AnomalyCompletedWithoutSale, OwnerKind: "order", OwnerID: order.ID,
				AssetName: ledger.BaseAsset,
				Details:   "order completed with no sale history",
			})
		}
		var settled int64
		if err := r.db.WithContext(ctx).Model(&models.OrderPayout{}).
			Where("order_id = ? AND success = ?", order.ID, true).Count(&settled).Error; err != nil {
			return fmt.Errorf("recon: count payouts: %w", err)
		}
		if settled == 0 {
			result.Anomalies = append(result.Anomalies, Anomaly{
				Type: AnomalySaleWithoutPayout, OwnerKind: "order", OwnerID: order.ID,
				AssetName: ledger.BaseAsset,
				Details:   "order completed without a successful payout",
			})
		}
	}

	var carts []models.CartOrder
	if err := r.db.WithContext(ctx).Select("id").
		Where("status = ?", models.StatusCompleted).Find(&carts).Error; err != nil {
		return fmt.Errorf("recon: load completed cart orders: %w", err)
	}
	for _, cart := range carts {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.SaleHistory{}).
			Where("cart_order_id = ?", cart.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("recon: count sales: %w", err)
		}
		if count == 0 {
			result.Anomalies = append(result.Anomalies, Anomaly{
				Type: AnomalyCompletedWithoutSale, OwnerKind: "cart_order", OwnerID: cart.ID,
				AssetName: ledger.BaseAsset,
				Details:   "cart order completed with no sale history",
			})
		}
		var settled int64
		if err := r.db.WithContext(ctx).Model(&models.CartOrderPayout{}).
			Where("cart_order_id = ? AND success = ?", cart.ID, true).Count(&settled).Error; err != nil {
			return fmt.Errorf("recon: count payouts: %w", err)
		}
		if settled == 0 {
			result.Anomalies = append(result.Anomalies, Anomaly{
				Type: AnomalySaleWithoutPayout, OwnerKind: "cart_order", OwnerID: cart.ID,
				AssetName: ledger.BaseAsset,
				Details:   "cart order completed without a successful payout",
			})
		}
	}
	return nil
}

// auditSaleReferences guards against writers outside this service breaking
// the either-or rule on sale rows.
func (r *Reconciler) auditSaleReferences(ctx context.Context, result *Result) error {
	var sales []models.SaleHistory
	err := r.db.WithContext(ctx).
		Where("(order_id IS NULL) = (cart_order_id IS NULL)").
		Find(&sales).Error
	if err != nil {
		return fmt.Errorf("recon: audit sale references: %w", err)
	}
	for _, sale := range sales {
		result.Anomalies = append(result.Anomalies, Anomaly{
			Type: AnomalySaleXORViolation, OwnerKind: "sale", OwnerID: sale.ID,
			AssetName: sale.AssetName,
			Details:   "sale row must reference exactly one of order_id, cart_order_id",
		})
	}
	return nil
}

func (r *Reconciler) writeReportFiles(result *Result) (string, string, error) {
	runDir := filepath.Join(r.outputDir, result.Start.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	base := filepath.Join(runDir, "balances")

	csvPath := base + ".csv"
	if err := writeCSV(csvPath, result.Rows); err != nil {
		return "", "", err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, result.Rows); err != nil {
		return "", "", err
	}
	r.log.Info("reconciliation report written",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(result.Rows)))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{"owner_kind", "owner_id", "asset_name", "pending", "confirmed", "attributable", "over_credit", "negative_pending"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OwnerKind,
			row.OwnerID.String(),
			row.AssetName,
			row.Pending.String(),
			row.Confirmed.String(),
			row.Attributable.String(),
			fmt.Sprintf("%t", row.OverCredit),
			fmt.Sprintf("%t", row.NegativePending),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	OwnerKind       string `parquet:"name=owner_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	OwnerID         string `parquet:"name=owner_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetName       string `parquet:"name=asset_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pending         string `parquet:"name=pending, type=BYTE_ARRAY, convertedtype=UTF8"`
	Confirmed       string `parquet:"name=confirmed, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributable    string `parquet:"name=attributable, type=BYTE_ARRAY, convertedtype=UTF8"`
	OverCredit      bool   `parquet:"name=over_credit, type=BOOLEAN"`
	NegativePending bool   `parquet:"name=negative_pending, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			OwnerKind:       row.OwnerKind,
			OwnerID:         row.OwnerID.String(),
			AssetName:       row.AssetName,
			Pending:         row.Pending.String(),
			Confirmed:       row.Confirmed.String(),
			Attributable:    row.Attributable.String(),
			OverCredit:      row.OverCredit,
			NegativePending: row.NegativePending,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet finalise: %w", err)
	}
	return file.Close()
}
