package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"manticore-trading/internal/models"
	"manticore-trading/observability"
)

// BaseAsset is the marketplace's native asset. Required-payment totals and
// status derivation are computed against this asset only.
const BaseAsset = "EVR"

// ConfirmationThreshold is the confirmation count at which a pending payment
// is recognised as confirmed.
const ConfirmationThreshold = 2

var (
	// ErrInvalidEntry is returned when a watcher payload is missing required
	// fields or carries a non-positive amount.
	ErrInvalidEntry = errors.New("ledger: invalid transaction entry")
	// ErrInsufficientListingBalance rejects a paid transition whose listing
	// lacks confirmed inventory for one of the items.
	ErrInsufficientListingBalance = errors.New("ledger: insufficient confirmed listing balance")
	// ErrOrderNotFound is returned by the explicit retry operation for an
	// unknown order or cart order.
	ErrOrderNotFound = errors.New("ledger: order not found")
	// ErrNotRetryable is returned when a sale retry is requested for an order
	// that is not sitting at paid.
	ErrNotRetryable = errors.New("ledger: order status does not permit a sale retry")
)

// Processor converts the watcher's transaction-entry stream into balance and
// order-lifecycle updates. Every inbound entry is applied as one transaction:
// the entry write, the balance upserts it causes, the status recomputation,
// and any sale recording either all commit or all roll back.
type Processor struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.LedgerMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the function used to derive timestamps. Primarily intended
// for tests.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// NewProcessor constructs a ledger processor backed by the provided database.
func NewProcessor(db *gorm.DB, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		db:      db,
		log:     slog.Default(),
		metrics: observability.Ledger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.log == nil {
		proc.log = slog.Default()
	}
	if proc.now == nil {
		proc.now = time.Now
	}
	return proc
}

// EntryInput mirrors the watcher's PutTransactionEntry payload. Entries are
// keyed by (tx_hash, address, entry_type, asset_name); redelivery updates the
// stored row in place.
type EntryInput struct {
	TxHash        string           `json:"tx_hash"`
	Address       string           `json:"address"`
	EntryType     models.EntryType `json:"entry_type"`
	AssetName     string           `json:"asset_name"`
	Amount        decimal.Decimal  `json:"amount"`
	Confirmations uint32           `json:"confirmations"`
	Time          time.Time        `json:"time"`
}

func (in *EntryInput) normalise() error {
	in.TxHash = strings.TrimSpace(in.TxHash)
	in.Address = strings.TrimSpace(in.Address)
	in.AssetName = strings.TrimSpace(in.AssetName)
	if in.TxHash == "" || in.Address == "" || in.AssetName == "" {
		return fmt.Errorf("%w: tx_hash, address and asset_name are required", ErrInvalidEntry)
	}
	if in.EntryType == "" {
		return fmt.Errorf("%w: entry_type is required", ErrInvalidEntry)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	return nil
}

// PutTransactionEntry applies one watcher observation. It is shorthand for a
// single-element PutTransactionEntries call; transactions paying several
// outputs must be delivered as one batch so the allocator sees every sibling.
func (p *Processor) PutTransactionEntry(ctx context.Context, in EntryInput) (*models.TransactionEntry, error) {
	entries, err := p.PutTransactionEntries(ctx, []EntryInput{in})
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// PutTransactionEntries applies one watcher observation batch as a single
// transaction. All entry rows are written before any cascade runs, so the
// split-payment allocator counts every sibling of the batch exactly as the
// confirmation pass will later; then, per entry: first sight credits the
// attributable amount to the owning pending balances, and a confirmation
// count crossing the threshold moves it from pending to confirmed and runs
// the order state machine. Redeliveries that do not cross the threshold are
// no-ops beyond the field refresh.
func (p *Processor) PutTransactionEntries(ctx context.Context, ins []EntryInput) ([]models.TransactionEntry, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidEntry)
	}
	for i := range ins {
		if err := ins[i].normalise(); err != nil {
			return nil, err
		}
	}

	type pendingCascade struct {
		entry     *models.TransactionEntry
		inserted  bool
		confirmed bool
	}

	stored := make([]models.TransactionEntry, len(ins))
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cascades := make([]pendingCascade, 0, len(ins))

		// Phase one: persist every row so the allocator's sibling count is
		// complete before any balance moves.
		for i, in := range ins {
			var existing models.TransactionEntry
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&existing, "tx_hash = ? AND address = ? AND entry_type = ? AND asset_name = ?",
					in.TxHash, in.Address, in.EntryType, in.AssetName).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				entry := models.TransactionEntry{
					TxHash:        in.TxHash,
					Address:       in.Address,
					EntryType:     in.EntryType,
					AssetName:     in.AssetName,
					Amount:        in.Amount,
					Confirmations: in.Confirmations,
					Time:          in.Time,
				}
				if err := tx.Create(&entry).Error; err != nil {
					return fmt.Errorf("create entry: %w", err)
				}
				stored[i] = entry
				if entry.EntryType == models.EntryTypeReceive {
					// First sight at or above the threshold counts as a
					// crossing: the missing previous value is below it.
					cascades = append(cascades, pendingCascade{
						entry:     &stored[i],
						inserted:  true,
						confirmed: entry.Confirmations >= ConfirmationThreshold,
					})
				}
				p.metrics.RecordEntry(string(entry.EntryType), "created")
			case err != nil:
				return fmt.Errorf("load entry: %w", err)
			default:
				prev := existing.Confirmations
				existing.Amount = in.Amount
				existing.Confirmations = in.Confirmations
				existing.Time = in.Time
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("update entry: %w", err)
				}
				stored[i] = existing
				if existing.EntryType == models.EntryTypeReceive &&
					prev < ConfirmationThreshold && existing.Confirmations >= ConfirmationThreshold {
					cascades = append(cascades, pendingCascade{entry: &stored[i], confirmed: true})
				}
				p.metrics.RecordEntry(string(existing.EntryType), "updated")
			}
		}

		// Phase two: balance credits, then confirmation moves.
		for _, c := range cascades {
			if c.inserted {
				if err := p.onEntryInserted(tx, c.entry); err != nil {
					return err
				}
			}
		}
		for _, c := range cascades {
			if c.confirmed {
				if err := p.onEntryConfirmed(tx, c.entry); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// RetrySale re-runs the paid-transition guard for an order that was reset to
// paid after a terminal payout failure: the inventory check, the move to
// sale_pending, and a fresh set of sale history rows.
func (p *Processor) RetrySale(ctx context.Context, ref models.Ref) error {
	if ref.Zero() {
		return fmt.Errorf("%w: empty reference", ErrOrderNotFound)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch ref.Kind() {
		case models.RefOrder:
			var order models.Order
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&order, "id = ?", ref.ID()).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrOrderNotFound
				}
				return fmt.Errorf("load order: %w", err)
			}
			if order.Status != models.StatusPaid {
				return fmt.Errorf("%w: status %s", ErrNotRetryable, order.Status)
			}
			return p.recordOrderSale(tx, &order)
		case models.RefCartOrder:
			var cart models.CartOrder
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&cart, "id = ?", ref.ID()).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrOrderNotFound
				}
				return fmt.Errorf("load cart order: %w", err)
			}
			if cart.Status != models.StatusPaid {
				return fmt.Errorf("%w: status %s", ErrNotRetryable, cart.Status)
			}
			return p.recordCartOrderSale(tx, &cart)
		default:
			return fmt.Errorf("%w: unknown reference kind", ErrOrderNotFound)
		}
	})
}

// onEntryInserted credits the entry's attributable amount to the pending
// balance of whichever listing, order, or cart order owns the address. The
// three tables are checked independently; an address matches at most one row
// per table.
func (p *Processor) onEntryInserted(tx *gorm.DB, e *models.TransactionEntry) error {
	amt, err := attributableAmount(tx, e)
	if err != nil {
		return err
	}

	var listing models.Listing
	err = tx.Select("id").First(&listing, "deposit_address = ?", e.Address).Error
	if err == nil {
		if err := p.creditListingPending(tx, listing.ID, e.AssetName, amt); err != nil {
			return err
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve listing: %w", err)
	}

	var order models.Order
	err = tx.Select("id").First(&order, "payment_address = ?", e.Address).Error
	if err == nil {
		if err := p.creditOrderPending(tx, order.ID, e.AssetName, amt); err != nil {
			return err
		}
		if e.AssetName == BaseAsset {
			if err := p.evaluateOrderStatus(tx, order.ID); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve order: %w", err)
	}

	var cart models.CartOrder
	err = tx.Select("id").First(&cart, "payment_address = ?", e.Address).Error
	if err == nil {
		if err := p.creditCartOrderPending(tx, cart.ID, e.AssetName, amt); err != nil {
			return err
		}
		if e.AssetName == BaseAsset {
			if err := p.evaluateCartOrderStatus(tx, cart.ID); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve cart order: %w", err)
	}

	return nil
}

// onEntryConfirmed moves the entry's attributable amount from pending to
// confirmed for the owning balances and stamps the last-confirmed marker. It
// runs exactly once per entry, when the stored confirmation count first
// reaches the threshold.
func (p *Processor) onEntryConfirmed(tx *gorm.DB, e *models.TransactionEntry) error {
	amt, err := attributableAmount(tx, e)
	if err != nil {
		return err
	}
	p.metrics.RecordConfirmation(e.AssetName)

	var listing models.Listing
	err = tx.Select("id").First(&listing, "deposit_address = ?", e.Address).Error
	if err == nil {
		if err := p.confirmListingBalance(tx, listing.ID, e, amt); err != nil {
			return err
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve listing: %w", err)
	}

	var order models.Order
	err = tx.Select("id").First(&order, "payment_address = ?", e.Address).Error
	if err == nil {
		if err := p.confirmOrderBalance(tx, order.ID, e, amt); err != nil {
			return err
		}
		if e.AssetName == BaseAsset {
			if err := p.evaluateOrderStatus(tx, order.ID); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve order: %w", err)
	}

	var cart models.CartOrder
	err = tx.Select("id").First(&cart, "payment_address = ?", e.Address).Error
	if err == nil {
		if err := p.confirmCartOrderBalance(tx, cart.ID, e, amt); err != nil {
			return err
		}
		if e.AssetName == BaseAsset {
			if err := p.evaluateCartOrderStatus(tx, cart.ID); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve cart order: %w", err)
	}

	return nil
}

// evaluateOrderStatus recomputes the payment-phase status for the order from
// its EVR balance and required total, applying it only on change. Statuses
// owned by later lifecycle stages are left untouched. A derived transition
// into paid runs the sale recorder inside the same transaction.
func (p *Processor) evaluateOrderStatus(tx *gorm.DB, orderID uuid.UUID) error {
	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", orderID).Error; err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if !order.Status.PaymentDerived() {
		return nil
	}

	required, err := orderRequiredTotal(tx, orderID)
	if err != nil {
		return err
	}
	confirmed, pending, err := orderBaseBalance(tx, orderID)
	if err != nil {
		return err
	}

	next := DeriveStatus(confirmed, pending, required)
	if next == order.Status {
		return nil
	}
	if next == models.StatusPaid {
		return p.recordOrderSale(tx, &order)
	}
	prev := order.Status
	order.Status = next
	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("status", next).Error; err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	p.metrics.RecordTransition("order", string(prev), string(next))
	p.log.Info("order status changed",
		slog.String("order_id", order.ID.String()),
		slog.String("from", string(prev)),
		slog.String("to", string(next)))
	return nil
}

// evaluateCartOrderStatus is the cart-order counterpart of
// evaluateOrderStatus.
func (p *Processor) evaluateCartOrderStatus(tx *gorm.DB, cartOrderID uuid.UUID) error {
	var cart models.CartOrder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&cart, "id = ?", cartOrderID).Error; err != nil {
		return fmt.Errorf("load cart order: %w", err)
	}
	if !cart.Status.PaymentDerived() {
		return nil
	}

	required, err := cartOrderRequiredTotal(tx, cartOrderID)
	if err != nil {
		return err
	}
	confirmed, pending, err := cartOrderBaseBalance(tx, cartOrderID)
	if err != nil {
		return err
	}

	next := DeriveStatus(confirmed, pending, required)
	if next == cart.Status {
		return nil
	}
	if next == models.StatusPaid {
		return p.recordCartOrderSale(tx, &cart)
	}
	prev := cart.Status
	cart.Status = next
	if err := tx.Model(&models.CartOrder{}).Where("id = ?", cart.ID).
		Update("status", next).Error; err != nil {
		return fmt.Errorf("update cart order status: %w", err)
	}
	p.metrics.RecordTransition("cart_order", string(prev), string(next))
	p.log.Info("cart order status changed",
		slog.String("cart_order_id", cart.ID.String()),
		slog.String("from", string(prev)),
		slog.String("to", string(next)))
	return nil
}

// orderRequiredTotal sums price_evr + fee_evr over the order's items. The sum
// runs in Go rather than SQL so decimal columns never pass through float
// aggregation.
func orderRequiredTotal(tx *gorm.DB, orderID uuid.UUID) (decimal.Decimal, error) {
	var items []models.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return decimal.Zero, fmt.Errorf("load order items: %w", err)
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.PriceEVR).Add(it.FeeEVR)
	}
	return total, nil
}

func cartOrderRequiredTotal(tx *gorm.DB, cartOrderID uuid.UUID) (decimal.Decimal, error) {
	var items []models.CartOrderItem
	if err := tx.Where("cart_order_id = ?", cartOrderID).Find(&items).Error; err != nil {
		return decimal.Zero, fmt.Errorf("load cart order items: %w", err)
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.PriceEVR).Add(it.FeeEVR)
	}
	return total, nil
}

func orderBaseBalance(tx *gorm.DB, orderID uuid.UUID) (confirmed, pending decimal.Decimal, err error) {
	var bal models.OrderBalance
	err = tx.First(&bal, "order_id = ? AND asset_name = ?", orderID, BaseAsset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load order balance: %w", err)
	}
	return bal.ConfirmedBalance, bal.PendingBalance, nil
}

func cartOrderBaseBalance(tx *gorm.DB, cartOrderID uuid.UUID) (confirmed, pending decimal.Decimal, err error) {
	var bal models.CartOrderBalance
	err = tx.First(&bal, "cart_order_id = ? AND asset_name = ?", cartOrderID, BaseAsset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load cart order balance: %w", err)
	}
	return bal.ConfirmedBalance, bal.PendingBalance, nil
}
