package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EntryType distinguishes the direction of a transaction entry. The ledger
// only reacts to receive entries; every other type is stored untouched.
type EntryType string

const (
	EntryTypeReceive EntryType = "receive"
	EntryTypeSend    EntryType = "send"
	EntryTypeFee     EntryType = "fee"
)

// OrderStatus represents a state in the order lifecycle. Cart orders share the
// same enumeration plus the two refund-recovery states at the bottom.
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusPartiallyPaid OrderStatus = "partially_paid"
	StatusConfirming    OrderStatus = "confirming"
	StatusPaid          OrderStatus = "paid"
	StatusSalePending   OrderStatus = "sale_pending"
	StatusFulfilling    OrderStatus = "fulfilling"
	StatusCompleted     OrderStatus = "completed"
	StatusCancelled     OrderStatus = "cancelled"
	StatusRefunded      OrderStatus = "refunded"

	// Cart-order only.
	StatusRefundFailed       OrderStatus = "refund_failed"
	StatusManualIntervention OrderStatus = "manual_intervention_required"
)

// ValidForOrder reports whether the status belongs to the single-listing order
// enumeration.
func (s OrderStatus) ValidForOrder() bool {
	switch s {
	case StatusPending, StatusPartiallyPaid, StatusConfirming, StatusPaid,
		StatusSalePending, StatusFulfilling, StatusCompleted, StatusCancelled,
		StatusRefunded:
		return true
	default:
		return false
	}
}

// ValidForCartOrder reports whether the status belongs to the cart-order
// enumeration, which additionally allows the refund-recovery states.
func (s OrderStatus) ValidForCartOrder() bool {
	return s.ValidForOrder() || s == StatusRefundFailed || s == StatusManualIntervention
}

// PaymentDerived reports whether the status is one the payment state machine
// is allowed to produce or replace. Statuses outside this set are owned by
// later lifecycle stages and must never be overwritten by balance updates.
func (s OrderStatus) PaymentDerived() bool {
	switch s {
	case StatusPending, StatusPartiallyPaid, StatusConfirming, StatusPaid:
		return true
	default:
		return false
	}
}

// TransactionEntry mirrors one output of an on-chain transaction as reported
// by the external watcher. The watcher inserts a row on first sight and
// updates it in place as confirmations grow; the composite key is the identity
// the whole ingest path serialises on.
type TransactionEntry struct {
	TxHash        string          `gorm:"primaryKey;size:64"`
	Address       string          `gorm:"primaryKey;size:64;index"`
	EntryType     EntryType       `gorm:"primaryKey;size:16"`
	AssetName     string          `gorm:"primaryKey;size:32"`
	Amount        decimal.Decimal `gorm:"type:decimal(38,8);not null;check:chk_entry_amount_positive,amount > 0"`
	Confirmations uint32          `gorm:"not null;default:0"`
	Time          time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Listing is the minimal projection of a sellable item the settlement core
// needs: the deposit address proceeds accumulate on and the seller identity
// recorded into sale history. Full listing CRUD lives outside this service.
type Listing struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"size:255"`
	SellerAddress  string    `gorm:"size:64;index"`
	DepositAddress string    `gorm:"size:64;uniqueIndex"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ListingBalance tracks pending and confirmed funds per listing and asset.
type ListingBalance struct {
	ListingID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AssetName           string          `gorm:"primaryKey;size:32"`
	ConfirmedBalance    decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	PendingBalance      decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	LastConfirmedTxHash *string         `gorm:"size:64"`
	LastConfirmedTxTime *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Order is a single-listing purchase funded through its own payment address.
type Order struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ListingID      uuid.UUID   `gorm:"type:uuid;index"`
	PaymentAddress string      `gorm:"size:64;uniqueIndex"`
	BuyerAddress   string      `gorm:"size:64"`
	Status         OrderStatus `gorm:"size:32;not null;default:'pending';index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Items          []OrderItem
}

// OrderItem is one priced line of an order. The required EVR payment for the
// line is PriceEVR + FeeEVR.
type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID       `gorm:"type:uuid;index"`
	AssetName string          `gorm:"size:32"`
	Amount    decimal.Decimal `gorm:"type:decimal(38,8);not null;check:chk_order_item_amount_positive,amount > 0"`
	PriceEVR  decimal.Decimal `gorm:"column:price_evr;type:decimal(38,8);not null"`
	FeeEVR    decimal.Decimal `gorm:"column:fee_evr;type:decimal(38,8);not null"`
	CreatedAt time.Time
}

// OrderBalance tracks pending and confirmed funds per order and asset.
type OrderBalance struct {
	OrderID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AssetName           string          `gorm:"primaryKey;size:32"`
	ConfirmedBalance    decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	PendingBalance      decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	LastConfirmedTxHash *string         `gorm:"size:64"`
	LastConfirmedTxTime *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CartOrder is a multi-listing checkout funded through a single payment
// address; each line references the listing it was bought from.
type CartOrder struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PaymentAddress string      `gorm:"size:64;uniqueIndex"`
	BuyerAddress   string      `gorm:"size:64"`
	Status         OrderStatus `gorm:"size:32;not null;default:'pending';index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Items          []CartOrderItem
}

// CartOrderItem is one priced line of a cart order.
type CartOrderItem struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	CartOrderID uuid.UUID       `gorm:"type:uuid;index"`
	ListingID   uuid.UUID       `gorm:"type:uuid;index"`
	AssetName   string          `gorm:"size:32"`
	Amount      decimal.Decimal `gorm:"type:decimal(38,8);not null;check:chk_cart_order_item_amount_positive,amount > 0"`
	PriceEVR    decimal.Decimal `gorm:"column:price_evr;type:decimal(38,8);not null"`
	FeeEVR      decimal.Decimal `gorm:"column:fee_evr;type:decimal(38,8);not null"`
	CreatedAt   time.Time
}

// CartOrderBalance tracks pending and confirmed funds per cart order and asset.
type CartOrderBalance struct {
	CartOrderID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AssetName           string          `gorm:"primaryKey;size:32"`
	ConfirmedBalance    decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	PendingBalance      decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	LastConfirmedTxHash *string         `gorm:"size:64"`
	LastConfirmedTxTime *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SaleHistory is the immutable record of one sold line. Exactly one of
// OrderID/CartOrderID is set; domain code only creates rows through a tagged
// Ref so the constraint cannot be violated by construction, and the table
// keeps a check for everything else that writes it.
type SaleHistory struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ListingID     uuid.UUID       `gorm:"type:uuid;index"`
	OrderID       *uuid.UUID      `gorm:"type:uuid;index;check:chk_sale_ref_xor,(order_id IS NULL) <> (cart_order_id IS NULL)"`
	CartOrderID   *uuid.UUID      `gorm:"type:uuid;index"`
	AssetName     string          `gorm:"size:32"`
	Amount        decimal.Decimal `gorm:"type:decimal(38,8);not null"`
	PriceEVR      decimal.Decimal `gorm:"column:price_evr;type:decimal(38,8);not null"`
	SellerAddress string          `gorm:"size:64"`
	BuyerAddress  string          `gorm:"size:64"`
	SaleTime      time.Time       `gorm:"index"`
}

// OrderPayout records the outcome of payout attempts for an order. Success
// flips false to true at most once; FailureCount never decreases until either
// success or a manual reset.
type OrderPayout struct {
	OrderID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Success         bool            `gorm:"not null;default:false"`
	FailureCount    int             `gorm:"not null;default:0"`
	TotalFeesPaid   decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	LastAttemptTime time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CartOrderPayout is the cart-order counterpart of OrderPayout.
type CartOrderPayout struct {
	CartOrderID     uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Success         bool            `gorm:"not null;default:false"`
	FailureCount    int             `gorm:"not null;default:0"`
	TotalFeesPaid   decimal.Decimal `gorm:"type:decimal(38,8);not null;default:0"`
	LastAttemptTime time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TransactionEntry) TableName() string { return "transaction_entries" }
func (Listing) TableName() string          { return "listings" }
func (ListingBalance) TableName() string   { return "listing_balances" }
func (Order) TableName() string            { return "orders" }
func (OrderItem) TableName() string        { return "order_items" }
func (OrderBalance) TableName() string     { return "order_balances" }
func (CartOrder) TableName() string        { return "cart_orders" }
func (CartOrderItem) TableName() string    { return "cart_order_items" }
func (CartOrderBalance) TableName() string { return "cart_order_balances" }
func (SaleHistory) TableName() string      { return "sale_history" }
func (OrderPayout) TableName() string      { return "order_payouts" }
func (CartOrderPayout) TableName() string  { return "cart_order_payouts" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TransactionEntry{},
		&Listing{},
		&ListingBalance{},
		&Order{},
		&OrderItem{},
		&OrderBalance{},
		&CartOrder{},
		&CartOrderItem{},
		&CartOrderBalance{},
		&SaleHistory{},
		&OrderPayout{},
		&CartOrderPayout{},
	)
}
