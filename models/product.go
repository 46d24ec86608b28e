package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

const LowStockThreshold = 20

type Product struct {
	ID          int           `gorm:"primary_key" json:"id"`
	BusinessId  string        `gorm:"size:64;not null;uniqueIndex:uix_products_sku,priority:1" json:"business_id"`
	Name        string        `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku         string        `gorm:"size:100;not null;uniqueIndex:uix_products_sku,priority:2" json:"sku" binding:"required"`
	Description string        `gorm:"type:text" json:"description"`
	Quantity    int           `gorm:"not null;default:0" json:"quantity"`
	Status      ProductStatus `gorm:"size:20;not null;default:'OUT_OF_STOCK'" json:"status"`
	IsActive    *bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Product) GetBusinessId() string {
	return p.BusinessId
}

type NewProduct struct {
	Name        string `json:"name" binding:"required"`
	Sku         string `json:"sku" binding:"required"`
	Description string `json:"description"`
}

// DeriveProductStatus is the only place product status comes from; callers
// never set Status directly.
func DeriveProductStatus(quantity int) ProductStatus {
	switch {
	case quantity <= 0:
		return ProductStatusOutOfStock
	case quantity <= LowStockThreshold:
		return ProductStatusLowStock
	default:
		return ProductStatusInStock
	}
}

// AdjustProductQuantity applies a signed delta to the on-hand quantity and
// recomputes status in the same transaction. The row is locked so concurrent
// allocations read-modify-write serially; a decrement below zero reports
// insufficient stock instead of persisting a negative quantity.
// invalidateProductCache drops the cached copy after a write. The row is the
// source of truth; a failed invalidation is logged, never surfaced to the
// caller's transaction.
func invalidateProductCache(id int) {
	if err := utils.RemoveRedisItem[Product](id); err != nil {
		config.LogError(config.GetLogger(), "models", "invalidateProductCache", "remove cached product", id, err)
	}
}

func AdjustProductQuantity(tx *gorm.DB, businessId string, productId int, delta int) (*Product, error) {

	product, err := utils.FetchModelTx[Product](tx, businessId, productId, true)
	if err != nil {
		return nil, err
	}

	newQty := product.Quantity + delta
	if newQty < 0 {
		return nil, &utils.InsufficientStockError{
			ProductId: productId,
			Requested: -delta,
			OnHand:    product.Quantity,
		}
	}

	product.Quantity = newQty
	product.Status = DeriveProductStatus(newQty)

	err = tx.Model(&Product{}).
		Where("business_id = ? AND id = ?", businessId, productId).
		Updates(map[string]interface{}{
			"Quantity": product.Quantity,
			"Status":   product.Status,
		}).Error
	if err != nil {
		return nil, err
	}

	invalidateProductCache(productId)
	return product, nil
}

// IsUnitTracked: a product with at least one registered unit allocates by
// unit identity, never by bulk quantity.
func IsUnitTracked(tx *gorm.DB, businessId string, productId int) (bool, error) {
	var count int64
	err := tx.Model(&ProductUnit{}).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Product](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:  businessId,
		Name:        input.Name,
		Sku:         input.Sku,
		Description: input.Description,
		Quantity:    0,
		Status:      DeriveProductStatus(0),
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Create(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&product).Updates(map[string]interface{}{
		"Name":        input.Name,
		"Sku":         input.Sku,
		"Description": input.Description,
	}).Error
	if err != nil {
		return nil, err
	}

	invalidateProductCache(id)
	return product, nil
}

func DeleteProduct(ctx context.Context, id int) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// the movement ledger is append-only; a product with history cannot vanish
	count, err := utils.ResourceCountWhere[StockMovement](ctx, businessId, "product_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.NewConflictError("product has stock movements and cannot be deleted")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Delete(&product).Error
	if err != nil {
		return nil, err
	}

	invalidateProductCache(id)
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// Cache keys are not tenant-scoped, so a hit still has to match the
	// caller's business before it can be served.
	var cached Product
	if hit, err := utils.GetRedisItem(id, &cached); err == nil && hit && cached.BusinessId == businessId {
		return &cached, nil
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedisItem(id, product); err != nil {
		config.LogError(config.GetLogger(), "models", "GetProduct", "cache product", id, err)
	}
	return product, nil
}

func GetProducts(ctx context.Context, name *string, status *ProductStatus) ([]*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Product

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if status != nil && len(*status) > 0 {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	err := dbCtx.Order("name").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
