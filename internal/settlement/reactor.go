package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"manticore-trading/internal/models"
	"manticore-trading/observability"
)

// TerminalFailureCount is the number of payout failures after which the sale
// is reversed and the order re-armed for a fresh attempt.
const TerminalFailureCount = 3

var (
	// ErrInvalidOutcome is returned for payloads missing the order reference.
	ErrInvalidOutcome = errors.New("settlement: invalid payout outcome")
	// ErrOrderNotFound is returned when the referenced order or cart order
	// does not exist.
	ErrOrderNotFound = errors.New("settlement: order not found")
	// ErrBalanceInvariant signals that debiting sold inventory drove a listing
	// balance negative. The sale/balance invariant was already broken upstream;
	// the transaction is aborted rather than the value clamped.
	ErrBalanceInvariant = errors.New("settlement: listing balance negative after payout debit")
)

// Outcome is the payout executor's report for one order or cart order.
type Outcome struct {
	Ref             models.Ref
	Success         bool
	FailureCount    int
	TotalFeesPaid   decimal.Decimal
	LastAttemptTime time.Time
}

// Reactor applies payout outcomes: a success debits the sold inventory from
// the listing and completes the order; a terminal failure deletes the sale
// history and resets the order to paid so the sale can be re-recorded. Each
// report is processed as one transaction against the payout row's lock, so
// duplicate deliveries serialise and collapse into no-ops.
type Reactor struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *observability.SettlementMetrics
	now     func() time.Time
}

// ReactorOption customises the reactor instance.
type ReactorOption func(*Reactor)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) ReactorOption {
	return func(r *Reactor) { r.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) ReactorOption {
	return func(r *Reactor) { r.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ReactorOption {
	return func(r *Reactor) { r.now = clock }
}

// NewReactor constructs a settlement reactor backed by the provided database.
func NewReactor(db *gorm.DB, opts ...ReactorOption) *Reactor {
	reactor := &Reactor{
		db:      db,
		log:     slog.Default(),
		metrics: observability.Settlement(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(reactor)
	}
	if reactor.log == nil {
		reactor.log = slog.Default()
	}
	if reactor.now == nil {
		reactor.now = time.Now
	}
	return reactor
}

// ReportPayoutOutcome records one payout attempt result and applies its
// settlement effects.
func (r *Reactor) ReportPayoutOutcome(ctx context.Context, out Outcome) error {
	if out.Ref.Zero() {
		return fmt.Errorf("%w: order reference required", ErrInvalidOutcome)
	}
	if out.FailureCount < 0 {
		return fmt.Errorf("%w: failure_count must not be negative", ErrInvalidOutcome)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch out.Ref.Kind() {
		case models.RefOrder:
			return r.applyOrderOutcome(tx, out)
		case models.RefCartOrder:
			return r.applyCartOrderOutcome(tx, out)
		default:
			return fmt.Errorf("%w: unknown reference kind", ErrInvalidOutcome)
		}
	})
}

func (r *Reactor) applyOrderOutcome(tx *gorm.DB, out Outcome) error {
	orderID := out.Ref.ID()

	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("load order: %w", err)
	}

	// Payout rows are created lazily on the first report.
	var payout models.OrderPayout
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&payout, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		payout = models.OrderPayout{OrderID: orderID, TotalFeesPaid: decimal.Zero}
		if err := tx.Create(&payout).Error; err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}

	if payout.Success {
		// The success flag latches; later reports of either polarity are
		// duplicates.
		r.metrics.RecordOutcome("order", "duplicate")
		return nil
	}

	if out.Success {
		completed := r.now()
		payout.Success = true
		payout.CompletedAt = &completed
		payout.TotalFeesPaid = out.TotalFeesPaid
		payout.LastAttemptTime = out.LastAttemptTime
		if err := tx.Save(&payout).Error; err != nil {
			return fmt.Errorf("update payout: %w", err)
		}

		var items []models.OrderItem
		if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
			return fmt.Errorf("load order items: %w", err)
		}
		for _, it := range items {
			if err := r.debitListing(tx, order.ListingID, it.AssetName, it.Amount); err != nil {
				return err
			}
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).
			Update("status", models.StatusCompleted).Error; err != nil {
			return fmt.Errorf("complete order: %w", err)
		}
		r.metrics.RecordOutcome("order", "completed")
		r.log.Info("payout settled",
			slog.String("order_id", orderID.String()),
			slog.String("fees", out.TotalFeesPaid.String()))
		return nil
	}

	if out.FailureCount > payout.FailureCount {
		payout.FailureCount = out.FailureCount
	}
	payout.TotalFeesPaid = out.TotalFeesPaid
	payout.LastAttemptTime = out.LastAttemptTime
	if err := tx.Save(&payout).Error; err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	r.metrics.RecordOutcome("order", "failed")

	if payout.FailureCount < TerminalFailureCount {
		return nil
	}

	// Terminal failure: reverse the sale and re-arm the order. The status
	// write is a plain reset; re-recording only happens through the explicit
	// retry path or the next balance-driven evaluation.
	res := tx.Where("order_id = ?", orderID).Delete(&models.SaleHistory{})
	if res.Error != nil {
		return fmt.Errorf("reverse sale: %w", res.Error)
	}
	if order.Status != models.StatusPaid {
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).
			Update("status", models.StatusPaid).Error; err != nil {
			return fmt.Errorf("reset order status: %w", err)
		}
	}
	if res.RowsAffected > 0 {
		r.metrics.RecordReversal("order")
		r.log.Warn("sale reversed after terminal payout failure",
			slog.String("order_id", orderID.String()),
			slog.Int("failure_count", payout.FailureCount),
			slog.Int64("sale_rows_deleted", res.RowsAffected))
	}
	return nil
}

func (r *Reactor) applyCartOrderOutcome(tx *gorm.DB, out Outcome) error {
	cartOrderID := out.Ref.ID()

	var cart models.CartOrder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&cart, "id = ?", cartOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("load cart order: %w", err)
	}

	var payout models.CartOrderPayout
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&payout, "cart_order_id = ?", cartOrderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		payout = models.CartOrderPayout{CartOrderID: cartOrderID, TotalFeesPaid: decimal.Zero}
		if err := tx.Create(&payout).Error; err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}

	if payout.Success {
		r.metrics.RecordOutcome("cart_order", "duplicate")
		return nil
	}

	if out.Success {
		completed := r.now()
		payout.Success = true
		payout.CompletedAt = &completed
		payout.TotalFeesPaid = out.TotalFeesPaid
		payout.LastAttemptTime = out.LastAttemptTime
		if err := tx.Save(&payout).Error; err != nil {
			return fmt.Errorf("update payout: %w", err)
		}

		var items []models.CartOrderItem
		if err := tx.Where("cart_order_id = ?", cartOrderID).Find(&items).Error; err != nil {
			return fmt.Errorf("load cart order items: %w", err)
		}
		for _, it := range items {
			if err := r.debitListing(tx, it.ListingID, it.AssetName, it.Amount); err != nil {
				return err
			}
		}
		if err := tx.Model(&models.CartOrder{}).Where("id = ?", cartOrderID).
			Update("status", models.StatusCompleted).Error; err != nil {
			return fmt.Errorf("complete cart order: %w", err)
		}
		r.metrics.RecordOutcome("cart_order", "completed")
		r.log.Info("payout settled",
			slog.String("cart_order_id", cartOrderID.String()),
			slog.String("fees", out.TotalFeesPaid.String()))
		return nil
	}

	if out.FailureCount > payout.FailureCount {
		payout.FailureCount = out.FailureCount
	}
	payout.TotalFeesPaid = out.TotalFeesPaid
	payout.LastAttemptTime = out.LastAttemptTime
	if err := tx.Save(&payout).Error; err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	r.metrics.RecordOutcome("cart_order", "failed")

	if payout.FailureCount < TerminalFailureCount {
		return nil
	}

	res := tx.Where("cart_order_id = ?", cartOrderID).Delete(&models.SaleHistory{})
	if res.Error != nil {
		return fmt.Errorf("reverse sale: %w", res.Error)
	}
	if cart.Status != models.StatusPaid {
		if err := tx.Model(&models.CartOrder{}).Where("id = ?", cartOrderID).
			Update("status", models.StatusPaid).Error; err != nil {
			return fmt.Errorf("reset cart order status: %w", err)
		}
	}
	if res.RowsAffected > 0 {
		r.metrics.RecordReversal("cart_order")
		r.log.Warn("sale reversed after terminal payout failure",
			slog.String("cart_order_id", cartOrderID.String()),
			slog.Int("failure_count", payout.FailureCount),
			slog.Int64("sale_rows_deleted", res.RowsAffected))
	}
	return nil
}

// debitListing subtracts sold inventory from the listing's confirmed balance.
// No floor clamp: a negative result means funds were sold that were never
// confirmed, which aborts the settlement transaction.
func (r *Reactor) debitListing(tx *gorm.DB, listingID uuid.UUID, asset string, amount decimal.Decimal) error {
	var bal models.ListingBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "listing_id = ? AND asset_name = ?", listingID, asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: listing %s has no %s balance", ErrBalanceInvariant, listingID, asset)
	}
	if err != nil {
		return fmt.Errorf("load listing balance: %w", err)
	}
	next := bal.ConfirmedBalance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: listing %s confirmed %s would become %s",
			ErrBalanceInvariant, listingID, asset, next)
	}
	bal.ConfirmedBalance = next
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update listing balance: %w", err)
	}
	return nil
}
