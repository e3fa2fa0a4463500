package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"manticore-trading/internal/models"
	"manticore-trading/observability/logging"
)

// recordOrderSale performs the paid transition for a single-listing order:
// verify the listing holds enough confirmed inventory for every item, advance
// the order to sale_pending, and write one immutable sale history row per
// item. The caller holds the order row lock; everything here shares its
// transaction, so an inventory failure rolls the whole cascade back and the
// order keeps its prior status.
func (p *Processor) recordOrderSale(tx *gorm.DB, order *models.Order) error {
	var items []models.OrderItem
	if err := tx.Where("order_id = ?", order.ID).Find(&items).Error; err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	var listing models.Listing
	if err := tx.First(&listing, "id = ?", order.ListingID).Error; err != nil {
		return fmt.Errorf("load listing: %w", err)
	}

	for _, it := range items {
		if err := p.checkInventory(tx, order.ListingID, it.AssetName, it.Amount); err != nil {
			p.metrics.RecordSale("order", "rejected")
			return err
		}
	}

	prev := order.Status
	order.Status = models.StatusSalePending
	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("status", models.StatusSalePending).Error; err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	saleTime := p.now()
	orderID, cartOrderID := models.OrderRef(order.ID).SaleColumns()
	for _, it := range items {
		sale := models.SaleHistory{
			ID:            uuid.New(),
			ListingID:     order.ListingID,
			OrderID:       orderID,
			CartOrderID:   cartOrderID,
			AssetName:     it.AssetName,
			Amount:        it.Amount,
			PriceEVR:      it.PriceEVR,
			SellerAddress: listing.SellerAddress,
			BuyerAddress:  order.BuyerAddress,
			SaleTime:      saleTime,
		}
		if err := tx.Create(&sale).Error; err != nil {
			return fmt.Errorf("record sale: %w", err)
		}
	}

	p.metrics.RecordTransition("order", string(prev), string(models.StatusSalePending))
	p.metrics.RecordSale("order", "recorded")
	p.log.Info("sale recorded",
		slog.String("order_id", order.ID.String()),
		slog.String("listing_id", order.ListingID.String()),
		logging.Address("buyer", order.BuyerAddress),
		slog.Int("items", len(items)))
	return nil
}

// recordCartOrderSale is the multi-seller counterpart: every line is checked
// against its own listing's confirmed inventory before any row is written.
func (p *Processor) recordCartOrderSale(tx *gorm.DB, cart *models.CartOrder) error {
	var items []models.CartOrderItem
	if err := tx.Where("cart_order_id = ?", cart.ID).Find(&items).Error; err != nil {
		return fmt.Errorf("load cart order items: %w", err)
	}

	sellers := make(map[uuid.UUID]string, len(items))
	for _, it := range items {
		if _, ok := sellers[it.ListingID]; !ok {
			var listing models.Listing
			if err := tx.First(&listing, "id = ?", it.ListingID).Error; err != nil {
				return fmt.Errorf("load listing: %w", err)
			}
			sellers[it.ListingID] = listing.SellerAddress
		}
		if err := p.checkInventory(tx, it.ListingID, it.AssetName, it.Amount); err != nil {
			p.metrics.RecordSale("cart_order", "rejected")
			return err
		}
	}

	prev := cart.Status
	cart.Status = models.StatusSalePending
	if err := tx.Model(&models.CartOrder{}).Where("id = ?", cart.ID).
		Update("status", models.StatusSalePending).Error; err != nil {
		return fmt.Errorf("update cart order status: %w", err)
	}

	saleTime := p.now()
	orderID, cartOrderID := models.CartOrderRef(cart.ID).SaleColumns()
	for _, it := range items {
		sale := models.SaleHistory{
			ID:            uuid.New(),
			ListingID:     it.ListingID,
			OrderID:       orderID,
			CartOrderID:   cartOrderID,
			AssetName:     it.AssetName,
			Amount:        it.Amount,
			PriceEVR:      it.PriceEVR,
			SellerAddress: sellers[it.ListingID],
			BuyerAddress:  cart.BuyerAddress,
			SaleTime:      saleTime,
		}
		if err := tx.Create(&sale).Error; err != nil {
			return fmt.Errorf("record sale: %w", err)
		}
	}

	p.metrics.RecordTransition("cart_order", string(prev), string(models.StatusSalePending))
	p.metrics.RecordSale("cart_order", "recorded")
	p.log.Info("sale recorded",
		slog.String("cart_order_id", cart.ID.String()),
		logging.Address("buyer", cart.BuyerAddress),
		slog.Int("items", len(items)))
	return nil
}

// checkInventory verifies the listing's confirmed balance covers the item
// amount. The balance row is locked so the inventory cannot be sold twice by
// concurrent paid transitions.
func (p *Processor) checkInventory(tx *gorm.DB, listingID uuid.UUID, asset string, amount decimal.Decimal) error {
	var bal models.ListingBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "listing_id = ? AND asset_name = ?", listingID, asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: listing %s holds no confirmed %s", ErrInsufficientListingBalance, listingID, asset)
	}
	if err != nil {
		return fmt.Errorf("load listing balance: %w", err)
	}
	if bal.ConfirmedBalance.LessThan(amount) {
		return fmt.Errorf("%w: listing %s has %s confirmed %s, item needs %s",
			ErrInsufficientListingBalance, listingID, bal.ConfirmedBalance, asset, amount)
	}
	return nil
}
