package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

// StockMovement is an append-only ledger row. Corrections are new rows
// (RETURN, LOST, SCRAP), never updates.
type StockMovement struct {
	ID            int               `gorm:"primary_key" json:"id"`
	BusinessId    string            `gorm:"size:64;not null;index" json:"business_id"`
	Type          StockMovementType `gorm:"size:10;not null;index" json:"type"`
	ProductId     int               `gorm:"not null;index" json:"product_id"`
	ProductUnitId *int              `gorm:"index" json:"product_unit_id"`
	InvoiceId     *int              `gorm:"index" json:"invoice_id"`
	RequestId     *int              `gorm:"index" json:"request_id"`
	RequestItemId *int              `gorm:"index" json:"request_item_id"`
	Qty           int               `gorm:"not null" json:"qty"`
	PerformedBy   int               `gorm:"not null" json:"performed_by"`
	AssignedTo    string            `gorm:"size:100" json:"assigned_to"`
	Description   string            `gorm:"size:255" json:"description"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

func (m StockMovement) GetBusinessId() string {
	return m.BusinessId
}

func (m *StockMovement) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("stock movements are append-only")
}

func (m *StockMovement) BeforeDelete(tx *gorm.DB) error {
	return errors.New("stock movements are append-only")
}

func RecordStockMovement(tx *gorm.DB, movement *StockMovement) error {
	if movement.Qty <= 0 {
		return utils.NewValidationError("movement quantity must be positive")
	}
	return tx.Create(movement).Error
}

// LedgerQuantity recomputes a product's on-hand quantity from the movement
// ledger. Used by the recount tool to detect drift against Product.Quantity.
func LedgerQuantity(ctx context.Context, businessId string, productId int) (int, error) {

	db := config.GetDB()
	var movements []*StockMovement

	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("id").
		Find(&movements).Error
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range movements {
		total += m.Type.signedQty(m.Qty)
	}
	return total, nil
}

func GetStockMovements(ctx context.Context, productId *int, requestId *int, invoiceId *int, movementType *StockMovementType) ([]*StockMovement, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*StockMovement

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if productId != nil && *productId > 0 {
		dbCtx = dbCtx.Where("product_id = ?", *productId)
	}
	if requestId != nil && *requestId > 0 {
		dbCtx = dbCtx.Where("request_id = ?", *requestId)
	}
	if invoiceId != nil && *invoiceId > 0 {
		dbCtx = dbCtx.Where("invoice_id = ?", *invoiceId)
	}
	if movementType != nil && len(*movementType) > 0 {
		dbCtx = dbCtx.Where("type = ?", *movementType)
	}
	err := dbCtx.Order("created_at DESC, id DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
