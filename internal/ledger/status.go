package ledger

import (
	"github.com/shopspring/decimal"

	"manticore-trading/internal/models"
)

// DeriveStatus maps an order's EVR balance against its required payment to
// the payment-phase status. It is a pure function; the branches are ordered
// by priority and the first match wins.
func DeriveStatus(confirmed, pending, required decimal.Decimal) models.OrderStatus {
	switch {
	case confirmed.GreaterThanOrEqual(required):
		return models.StatusPaid
	case confirmed.IsPositive() && pending.IsPositive():
		return models.StatusConfirming
	case confirmed.IsPositive():
		return models.StatusPartiallyPaid
	case pending.IsPositive():
		return models.StatusConfirming
	default:
		return models.StatusPending
	}
}
