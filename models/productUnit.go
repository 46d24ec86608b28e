package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

type ProductUnit struct {
	ID         int               `gorm:"primary_key" json:"id"`
	BusinessId string            `gorm:"size:64;not null;uniqueIndex:uix_product_units_code,priority:1" json:"business_id"`
	ProductId  int               `gorm:"index;not null" json:"product_id" binding:"required"`
	Code       string            `gorm:"size:100;not null;uniqueIndex:uix_product_units_code,priority:2" json:"code" binding:"required"`
	Serial     string            `gorm:"size:100" json:"serial"`
	PartNumber string            `gorm:"size:100" json:"part_number"`
	AssetTag   string            `gorm:"size:100" json:"asset_tag"`
	Status     ProductUnitStatus `gorm:"size:20;not null;index;default:'IN_STOCK'" json:"status"`
	InvoiceId  *int              `gorm:"index" json:"invoice_id"`

	// custody, set while ACQUIRED
	AcquiredBy    int        `json:"acquired_by"`
	AssignedTo    string     `gorm:"size:100" json:"assigned_to"`
	AcquireReason string     `gorm:"size:255" json:"acquire_reason"`
	AcquiredAt    *time.Time `json:"acquired_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u ProductUnit) GetBusinessId() string {
	return u.BusinessId
}

type NewProductUnit struct {
	ProductId  int    `json:"product_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
	Serial     string `json:"serial"`
	PartNumber string `json:"part_number"`
	AssetTag   string `json:"asset_tag"`
}

// FindUnitForAllocation picks the unit to allocate inside the caller's
// transaction, locking the row. Explicit code: that exact unit must be
// IN_STOCK. No code: FIFO, oldest IN_STOCK by created_at then id.
func FindUnitForAllocation(tx *gorm.DB, businessId string, productId int, code string) (*ProductUnit, error) {

	var unit ProductUnit

	if code != "" {
		err := tx.Clauses(utils.ForUpdateClause()).
			Where("business_id = ? AND product_id = ? AND code = ?", businessId, productId, code).
			First(&unit).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &utils.UnitUnavailableError{Code: code}
		}
		if err != nil {
			return nil, err
		}
		// re-check after the lock: a concurrent winner may have acquired it
		if unit.Status != ProductUnitStatusInStock {
			return nil, &utils.UnitUnavailableError{Code: code}
		}
		return &unit, nil
	}

	err := tx.Clauses(utils.ForUpdateClause()).
		Where("business_id = ? AND product_id = ? AND status = ?", businessId, productId, ProductUnitStatusInStock).
		Order("created_at, id").
		First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.UnitUnavailableError{Code: ""}
	}
	if err != nil {
		return nil, err
	}
	if unit.Status != ProductUnitStatusInStock {
		return nil, &utils.UnitUnavailableError{Code: unit.Code}
	}
	return &unit, nil
}

// FindUnitForRestore resolves the stored destination code of an allocated
// line; the unit must still be ACQUIRED.
func FindUnitForRestore(tx *gorm.DB, businessId string, productId int, code string) (*ProductUnit, error) {

	var unit ProductUnit
	err := tx.Clauses(utils.ForUpdateClause()).
		Where("business_id = ? AND product_id = ? AND code = ?", businessId, productId, code).
		First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.NewConflictError("cannot restore unit %s — not found or not acquired", code)
	}
	if err != nil {
		return nil, err
	}
	if unit.Status != ProductUnitStatusAcquired {
		return nil, utils.NewConflictError("cannot restore unit %s — not found or not acquired", code)
	}
	return &unit, nil
}

// MarkUnitAcquired flips the unit out of the IN_STOCK pool and records
// custody. Runs inside the caller's transaction together with the OUT
// movement append.
func MarkUnitAcquired(tx *gorm.DB, unit *ProductUnit, acquiredBy int, assignedTo string, reason string) error {

	now := time.Now()
	unit.Status = ProductUnitStatusAcquired
	unit.AcquiredBy = acquiredBy
	unit.AssignedTo = assignedTo
	unit.AcquireReason = reason
	unit.AcquiredAt = &now

	return tx.Model(&ProductUnit{}).
		Where("business_id = ? AND id = ?", unit.BusinessId, unit.ID).
		Updates(map[string]interface{}{
			"Status":        unit.Status,
			"AcquiredBy":    unit.AcquiredBy,
			"AssignedTo":    unit.AssignedTo,
			"AcquireReason": unit.AcquireReason,
			"AcquiredAt":    unit.AcquiredAt,
		}).Error
}

// MarkUnitInStock clears custody and returns the unit to the pool.
func MarkUnitInStock(tx *gorm.DB, unit *ProductUnit) error {

	unit.Status = ProductUnitStatusInStock
	unit.AcquiredBy = 0
	unit.AssignedTo = ""
	unit.AcquireReason = ""
	unit.AcquiredAt = nil

	return tx.Model(&ProductUnit{}).
		Where("business_id = ? AND id = ?", unit.BusinessId, unit.ID).
		Updates(map[string]interface{}{
			"Status":        unit.Status,
			"AcquiredBy":    0,
			"AssignedTo":    "",
			"AcquireReason": "",
			"AcquiredAt":    nil,
		}).Error
}

func (input *NewProductUnit) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[ProductUnit](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return err
	}
	if err := utils.ValidateUnique[ProductUnit](ctx, businessId, "code", input.Code, id); err != nil {
		return err
	}
	return nil
}

// CreateProductUnit registers a unit outside invoice intake (opening stock,
// found stock). The unit, its IN movement and the quantity bump commit
// together.
func CreateProductUnit(ctx context.Context, input *NewProductUnit) (*ProductUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	unit := ProductUnit{
		BusinessId: businessId,
		ProductId:  input.ProductId,
		Code:       input.Code,
		Serial:     input.Serial,
		PartNumber: input.PartNumber,
		AssetTag:   input.AssetTag,
		Status:     ProductUnitStatusInStock,
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if err := tx.Create(&unit).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	movement := StockMovement{
		BusinessId:    businessId,
		Type:          StockMovementTypeIn,
		ProductId:     input.ProductId,
		ProductUnitId: &unit.ID,
		Qty:           1,
		PerformedBy:   userId,
		Description:   "unit registered",
	}
	if err := RecordStockMovement(tx, &movement); err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := AdjustProductQuantity(tx, businessId, input.ProductId, 1); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := SaveHistoryCreate(tx, unit.ID, &unit, "Product unit "+unit.Code+" registered."); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

type WriteOffInput struct {
	Reason string `json:"reason" binding:"required"`
	Scrap  bool   `json:"scrap"`
}

// WriteOffProductUnit removes a unit from the IN_STOCK pool as LOST or
// SCRAP. Admin-only; the caller gates on manage permission first.
func WriteOffProductUnit(ctx context.Context, id int, input *WriteOffInput) (*ProductUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if len(input.Reason) < 10 {
		return nil, utils.NewValidationError("write-off reason must be at least 10 characters")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	unit, err := utils.FetchModelTx[ProductUnit](tx, businessId, id, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if unit.Status != ProductUnitStatusInStock {
		tx.Rollback()
		return nil, utils.NewConflictError("unit %s is not in stock and cannot be written off", unit.Code)
	}

	before := *unit
	movementType := StockMovementTypeLost
	unit.Status = ProductUnitStatusLost
	if input.Scrap {
		movementType = StockMovementTypeScrap
		unit.Status = ProductUnitStatusScrapped
	}

	err = tx.Model(&ProductUnit{}).
		Where("business_id = ? AND id = ?", businessId, id).
		Updates(map[string]interface{}{"Status": unit.Status}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	movement := StockMovement{
		BusinessId:    businessId,
		Type:          movementType,
		ProductId:     unit.ProductId,
		ProductUnitId: &unit.ID,
		Qty:           1,
		PerformedBy:   userId,
		Description:   input.Reason,
	}
	if err := RecordStockMovement(tx, &movement); err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := AdjustProductQuantity(tx, businessId, unit.ProductId, -1); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := SaveHistoryUpdate(tx, unit.ID, &before, "Product unit "+unit.Code+" written off: "+input.Reason); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishEvent(ctx, tx, businessId, unit.ID, EventReferenceTypeProductUnit, &before, unit, EventActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return unit, nil
}

func GetProductUnit(ctx context.Context, id int) (*ProductUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ProductUnit](ctx, businessId, id)
}

func GetProductUnits(ctx context.Context, productId *int, status *ProductUnitStatus, code *string) ([]*ProductUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*ProductUnit

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if productId != nil && *productId > 0 {
		dbCtx = dbCtx.Where("product_id = ?", *productId)
	}
	if status != nil && len(*status) > 0 {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if code != nil && len(*code) > 0 {
		dbCtx = dbCtx.Where("code = ?", *code)
	}
	err := dbCtx.Order("created_at, id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
