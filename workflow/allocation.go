package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

// allocateRequestItem converts one requested line into stock state inside
// the caller's transaction. Unit-tracked products move exactly one unit out
// of the pool; quantity-tracked products decrement on-hand stock. The
// resolved unit code is written back into item.Destination.
func allocateRequestItem(tx *gorm.DB, ctx context.Context, businessId string, request *models.Request, item *models.RequestItem) error {

	userId, _ := utils.GetUserIdFromContext(ctx)

	unitTracked, err := models.IsUnitTracked(tx, businessId, item.ProductId)
	if err != nil {
		return err
	}

	if unitTracked {
		if item.Qty != 1 {
			return utils.NewValidationError("quantity must be 1 for unit-tracked product")
		}

		unit, err := models.FindUnitForAllocation(tx, businessId, item.ProductId, item.Destination)
		if err != nil {
			return err
		}
		if err := models.MarkUnitAcquired(tx, unit, userId, request.RequesterName, request.Purpose); err != nil {
			return err
		}

		movement := models.StockMovement{
			BusinessId:    businessId,
			Type:          models.StockMovementTypeOut,
			ProductId:     item.ProductId,
			ProductUnitId: &unit.ID,
			InvoiceId:     unit.InvoiceId,
			RequestId:     &request.ID,
			RequestItemId: &item.ID,
			Qty:           1,
			PerformedBy:   userId,
			AssignedTo:    request.RequesterName,
			Description:   "allocated for " + request.DisplayNumber,
		}
		if err := models.RecordStockMovement(tx, &movement); err != nil {
			return err
		}

		item.Destination = unit.Code
		if _, err := models.AdjustProductQuantity(tx, businessId, item.ProductId, -1); err != nil {
			return err
		}
		return nil
	}

	movement := models.StockMovement{
		BusinessId:    businessId,
		Type:          models.StockMovementTypeOut,
		ProductId:     item.ProductId,
		RequestId:     &request.ID,
		RequestItemId: &item.ID,
		Qty:           item.Qty,
		PerformedBy:   userId,
		AssignedTo:    request.RequesterName,
		Description:   "allocated for " + request.DisplayNumber,
	}
	if err := models.RecordStockMovement(tx, &movement); err != nil {
		return err
	}
	if _, err := models.AdjustProductQuantity(tx, businessId, item.ProductId, -item.Qty); err != nil {
		return err
	}
	return nil
}

// restoreRequestItem is the exact inverse, used when editing or reverting an
// allocated request.
func restoreRequestItem(tx *gorm.DB, ctx context.Context, businessId string, request *models.Request, item *models.RequestItem) error {

	userId, _ := utils.GetUserIdFromContext(ctx)

	unitTracked, err := models.IsUnitTracked(tx, businessId, item.ProductId)
	if err != nil {
		return err
	}

	if unitTracked {
		unit, err := models.FindUnitForRestore(tx, businessId, item.ProductId, item.Destination)
		if err != nil {
			return err
		}
		if err := models.MarkUnitInStock(tx, unit); err != nil {
			return err
		}

		movement := models.StockMovement{
			BusinessId:    businessId,
			Type:          models.StockMovementTypeReturn,
			ProductId:     item.ProductId,
			ProductUnitId: &unit.ID,
			RequestId:     &request.ID,
			RequestItemId: &item.ID,
			Qty:           1,
			PerformedBy:   userId,
			Description:   "restored from " + request.DisplayNumber,
		}
		if err := models.RecordStockMovement(tx, &movement); err != nil {
			return err
		}
		if _, err := models.AdjustProductQuantity(tx, businessId, item.ProductId, 1); err != nil {
			return err
		}
		return nil
	}

	movement := models.StockMovement{
		BusinessId:    businessId,
		Type:          models.StockMovementTypeReturn,
		ProductId:     item.ProductId,
		RequestId:     &request.ID,
		RequestItemId: &item.ID,
		Qty:           item.Qty,
		PerformedBy:   userId,
		Description:   "restored from " + request.DisplayNumber,
	}
	if err := models.RecordStockMovement(tx, &movement); err != nil {
		return err
	}
	if _, err := models.AdjustProductQuantity(tx, businessId, item.ProductId, item.Qty); err != nil {
		return err
	}
	return nil
}

// allocateRequest allocates every line of a request in order. Used by the
// approve transition.
func allocateRequest(tx *gorm.DB, ctx context.Context, businessId string, request *models.Request) error {
	for i := range request.Items {
		item := &request.Items[i]
		if err := allocateRequestItem(tx, ctx, businessId, request, item); err != nil {
			return err
		}
		// persist the destination the allocation actually assigned
		err := tx.Model(&models.RequestItem{}).
			Where("business_id = ? AND id = ?", businessId, item.ID).
			Updates(map[string]interface{}{"Destination": item.Destination}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// restoreRequest restores every line in stored order.
func restoreRequest(tx *gorm.DB, ctx context.Context, businessId string, request *models.Request) error {
	for i := range request.Items {
		if err := restoreRequestItem(tx, ctx, businessId, request, &request.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceRequestItems swaps a request's line items in one transaction:
// restore all stored items in stored order, delete them, validate the new
// products, allocate the new items in order, persist the new rows with the
// code or quantity actually assigned. Any failure abandons the whole
// transaction; either everything moves or nothing does.
func ReplaceRequestItems(ctx context.Context, requestId int, newItems []models.NewRequestItem) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if len(newItems) == 0 {
		return nil, utils.NewValidationError("at least one item is required")
	}
	for _, item := range newItems {
		if item.Qty < 1 {
			return nil, utils.NewValidationError("item quantity must be at least 1")
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := utils.FetchModelTx[models.Request](tx, businessId, requestId, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if request.ApprovalSignedAt != nil {
		tx.Rollback()
		return nil, utils.NewConflictError("request %s is signed and cannot be modified until the approval signature is voided", request.DisplayNumber)
	}
	if request.Status.IsTerminal() {
		tx.Rollback()
		return nil, utils.NewConflictError("request %s is %s and cannot be modified", request.DisplayNumber, request.Status)
	}

	var storedItems []models.RequestItem
	err = tx.Where("business_id = ? AND request_id = ?", businessId, requestId).
		Order("id").Find(&storedItems).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	request.Items = storedItems
	before := *request

	// stored items carry live stock only once the request was allocated
	allocated := request.Status == models.RequestStatusApproved

	if allocated {
		if err := restoreRequest(tx, ctx, businessId, request); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Where("business_id = ? AND request_id = ?", businessId, requestId).
		Delete(&models.RequestItem{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, item := range newItems {
		if err := utils.ValidateResourceId[models.Product](ctx, businessId, item.ProductId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	request.Items = nil
	for _, item := range newItems {
		newItem := models.RequestItem{
			BusinessId:  businessId,
			RequestId:   requestId,
			ProductId:   item.ProductId,
			Qty:         item.Qty,
			Destination: item.Destination,
		}
		if err := tx.Create(&newItem).Error; err != nil {
			tx.Rollback()
			return nil, err
		}

		if allocated {
			if err := allocateRequestItem(tx, ctx, businessId, request, &newItem); err != nil {
				tx.Rollback()
				return nil, err
			}
			err := tx.Model(&models.RequestItem{}).
				Where("business_id = ? AND id = ?", businessId, newItem.ID).
				Updates(map[string]interface{}{"Destination": newItem.Destination}).Error
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		request.Items = append(request.Items, newItem)
	}

	if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", &before, request, "Request "+request.DisplayNumber+" items replaced."); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.PublishEvent(ctx, tx, businessId, request.ID, models.EventReferenceTypeRequest, &before, request, models.EventActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return request, nil
}
