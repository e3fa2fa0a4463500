package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"manticore-trading/internal/models"
)

// The upserts below reproduce add-on-conflict semantics explicitly: lock the
// balance row, create it when absent, otherwise merge the delta. Lost updates
// cannot occur because every read-modify-write holds the row lock for the
// rest of the surrounding transaction.

func (p *Processor) creditListingPending(tx *gorm.DB, listingID uuid.UUID, asset string, amt decimal.Decimal) error {
	var bal models.ListingBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "listing_id = ? AND asset_name = ?", listingID, asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.ListingBalance{
			ListingID:        listingID,
			AssetName:        asset,
			ConfirmedBalance: decimal.Zero,
			PendingBalance:   amt,
		}
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create listing balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load listing balance: %w", err)
	}
	bal.PendingBalance = bal.PendingBalance.Add(amt)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update listing balance: %w", err)
	}
	return nil
}

func (p *Processor) creditOrderPending(tx *gorm.DB, orderID uuid.UUID, asset string, amt decimal.Decimal) error {
	var bal models.OrderBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "order_id = ? AND asset_name = ?", orderID, asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.OrderBalance{
			OrderID:          orderID,
			AssetName:        asset,
			ConfirmedBalance: decimal.Zero,
			PendingBalance:   amt,
		}
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create order balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order balance: %w", err)
	}
	bal.PendingBalance = bal.PendingBalance.Add(amt)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update order balance: %w", err)
	}
	return nil
}

func (p *Processor) creditCartOrderPending(tx *gorm.DB, cartOrderID uuid.UUID, asset string, amt decimal.Decimal) error {
	var bal models.CartOrderBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "cart_order_id = ? AND asset_name = ?", cartOrderID, asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.CartOrderBalance{
			CartOrderID:      cartOrderID,
			AssetName:        asset,
			ConfirmedBalance: decimal.Zero,
			PendingBalance:   amt,
		}
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create cart order balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cart order balance: %w", err)
	}
	bal.PendingBalance = bal.PendingBalance.Add(amt)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update cart order balance: %w", err)
	}
	return nil
}

func (p *Processor) confirmListingBalance(tx *gorm.DB, listingID uuid.UUID, e *models.TransactionEntry, amt decimal.Decimal) error {
	var bal models.ListingBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "listing_id = ? AND asset_name = ?", listingID, e.AssetName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.ListingBalance{ListingID: listingID, AssetName: e.AssetName, PendingBalance: decimal.Zero}
		bal.ConfirmedBalance = amt
		stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create listing balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load listing balance: %w", err)
	}
	bal.ConfirmedBalance = bal.ConfirmedBalance.Add(amt)
	bal.PendingBalance = clampZero(bal.PendingBalance.Sub(amt))
	stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update listing balance: %w", err)
	}
	return nil
}

func (p *Processor) confirmOrderBalance(tx *gorm.DB, orderID uuid.UUID, e *models.TransactionEntry, amt decimal.Decimal) error {
	var bal models.OrderBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "order_id = ? AND asset_name = ?", orderID, e.AssetName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.OrderBalance{OrderID: orderID, AssetName: e.AssetName, PendingBalance: decimal.Zero}
		bal.ConfirmedBalance = amt
		stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create order balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order balance: %w", err)
	}
	bal.ConfirmedBalance = bal.ConfirmedBalance.Add(amt)
	bal.PendingBalance = clampZero(bal.PendingBalance.Sub(amt))
	stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update order balance: %w", err)
	}
	return nil
}

func (p *Processor) confirmCartOrderBalance(tx *gorm.DB, cartOrderID uuid.UUID, e *models.TransactionEntry, amt decimal.Decimal) error {
	var bal models.CartOrderBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "cart_order_id = ? AND asset_name = ?", cartOrderID, e.AssetName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = models.CartOrderBalance{CartOrderID: cartOrderID, AssetName: e.AssetName, PendingBalance: decimal.Zero}
		bal.ConfirmedBalance = amt
		stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
		if err := tx.Create(&bal).Error; err != nil {
			return fmt.Errorf("create cart order balance: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cart order balance: %w", err)
	}
	bal.ConfirmedBalance = bal.ConfirmedBalance.Add(amt)
	bal.PendingBalance = clampZero(bal.PendingBalance.Sub(amt))
	stampConfirmed(&bal.LastConfirmedTxHash, &bal.LastConfirmedTxTime, e)
	if err := tx.Save(&bal).Error; err != nil {
		return fmt.Errorf("update cart order balance: %w", err)
	}
	return nil
}

func stampConfirmed(hash **string, ts **time.Time, e *models.TransactionEntry) {
	h := e.TxHash
	t := e.Time
	*hash = &h
	*ts = &t
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
