package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"manticore-trading/internal/models"
)

// attributableAmount computes the share of the entry's stated amount the
// ledger credits for this entry. The watcher duplicates the full transaction
// value onto every receive entry of the same (tx_hash, asset_name), so when a
// transaction pays several outputs the stated amount is prorated by the
// sibling count. The count is taken inside the caller's transaction so insert
// and confirmation see the same divisor.
func attributableAmount(tx *gorm.DB, e *models.TransactionEntry) (decimal.Decimal, error) {
	var siblings int64
	err := tx.Model(&models.TransactionEntry{}).
		Where("tx_hash = ? AND asset_name = ? AND entry_type = ?",
			e.TxHash, e.AssetName, models.EntryTypeReceive).
		Count(&siblings).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: count sibling entries: %w", err)
	}
	if siblings > 1 {
		return e.Amount.Div(decimal.NewFromInt(siblings)), nil
	}
	return e.Amount, nil
}
