package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

// transitionRequest applies a status change plus its audit row and outbox
// event inside the caller's transaction. Callers validate the transition and
// permissions first.
func transitionRequest(tx *gorm.DB, ctx context.Context, request *models.Request, to models.RequestStatus, note string) error {

	from := request.Status
	if !models.CanTransitionRequest(from, to) {
		return utils.NewConflictError("request %s cannot move from %s to %s", request.DisplayNumber, from, to)
	}

	err := tx.Model(&models.Request{}).
		Where("business_id = ? AND id = ?", request.BusinessId, request.ID).
		Updates(map[string]interface{}{"Status": to}).Error
	if err != nil {
		return err
	}
	request.Status = to

	description := "Request " + request.DisplayNumber + " " + string(from) + " -> " + string(to) + "."
	if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", from, to, description); err != nil {
		return err
	}
	return models.PublishStatusAudit(ctx, tx, request.BusinessId, request.ID, from, to, note)
}

func fetchRequestForUpdate(tx *gorm.DB, businessId string, id int) (*models.Request, error) {
	request, err := utils.FetchModelTx[models.Request](tx, businessId, id, true)
	if err != nil {
		return nil, err
	}
	var items []models.RequestItem
	err = tx.Where("business_id = ? AND request_id = ?", businessId, id).
		Order("id").Find(&items).Error
	if err != nil {
		return nil, err
	}
	request.Items = items
	return request, nil
}

// SubmitRequest moves a draft into the approval queue.
func SubmitRequest(ctx context.Context, id int) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := transitionRequest(tx, ctx, request, models.RequestStatusSubmitted, ""); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return request, nil
}

// ApproveRequest allocates every line item and signs the approval slot in
// one transaction. Any allocation failure (insufficient stock, unit
// unavailable, bad unit-tracked quantity) abandons the whole thing.
// An APPROVED request whose approval was voided keeps its allocation, so
// re-signing it only rewrites the slot; no stock moves and no transition.
func ApproveRequest(ctx context.Context, id int, signature *models.SignatureInput, ip string, userAgent string) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	allowed, err := models.RoleCanSign(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &utils.ForbiddenError{Action: "approve requests"}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := request.SignApproval(signature.Name, signature.Title, ip, userAgent, time.Now()); err != nil {
		tx.Rollback()
		return nil, err
	}

	if request.Status == models.RequestStatusApproved {
		// Re-sign after a void: stock is still allocated from the first
		// approval, only the slot changes.
		if err := models.PersistApprovalSlot(tx, request); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", nil, request, "Request "+request.DisplayNumber+" approval re-signed."); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := models.PublishEvent(ctx, tx, businessId, request.ID, models.EventReferenceTypeRequest, nil, request, models.EventActionUpdate); err != nil {
			tx.Rollback()
			return nil, err
		}
	} else {
		if err := allocateRequest(tx, ctx, businessId, request); err != nil {
			tx.Rollback()
			return nil, err
		}

		if err := models.PersistApprovalSlot(tx, request); err != nil {
			tx.Rollback()
			return nil, err
		}

		if err := transitionRequest(tx, ctx, request, models.RequestStatusApproved, signature.Name); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	materializeRequestDocument(ctx, request)
	return request, nil
}

// RejectRequest closes a submitted request without touching stock.
func RejectRequest(ctx context.Context, id int, note string) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	allowed, err := models.RoleCanManage(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &utils.ForbiddenError{Action: "reject requests"}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := transitionRequest(tx, ctx, request, models.RequestStatusRejected, note); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return request, nil
}

// RecordPickup signs the pickup slot. Recording it while the request is
// APPROVED advances status to FULFILLED atomically with the signature write.
// A FULFILLED request whose pickup was voided can be re-signed without a
// status change.
func RecordPickup(ctx context.Context, id int, signature *models.SignatureInput, ip string, userAgent string) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	allowed, err := models.RoleCanSign(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &utils.ForbiddenError{Action: "record pickups"}
	}

	imageBytes, err := utils.NormalizeSignatureImage(signature.ImageData)
	if err != nil {
		return nil, err
	}
	objectKey := businessId + "/requests/pickup-" + utils.GenerateUniqueFilename() + ".png"
	if err := utils.SaveObjectToStorage(ctx, objectKey, imageBytes, "image/png"); err != nil {
		return nil, err
	}
	imageUrl := utils.BuildObjectAccessURL(objectKey)

	// The image is in storage before the transaction opens; if the signature
	// never lands, drop the object again instead of leaving it orphaned.
	discardImage := func() {
		if err := utils.DeleteObjectFromStorage(ctx, objectKey); err != nil {
			config.LogError(config.GetLogger(), "workflow", "RecordPickup", "discard unused pickup image", objectKey, err)
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		discardImage()
		return nil, err
	}

	if request.Status != models.RequestStatusApproved && request.Status != models.RequestStatusFulfilled {
		tx.Rollback()
		discardImage()
		return nil, utils.NewConflictError("request %s must be approved before pickup", request.DisplayNumber)
	}

	if err := request.SignPickup(signature.Name, signature.Title, ip, userAgent, imageUrl, time.Now()); err != nil {
		tx.Rollback()
		discardImage()
		return nil, err
	}
	if err := models.PersistPickupSlot(tx, request); err != nil {
		tx.Rollback()
		discardImage()
		return nil, err
	}

	if request.Status == models.RequestStatusApproved {
		if err := transitionRequest(tx, ctx, request, models.RequestStatusFulfilled, signature.Name); err != nil {
			tx.Rollback()
			discardImage()
			return nil, err
		}
	} else {
		if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", nil, request, "Request "+request.DisplayNumber+" pickup re-signed."); err != nil {
			tx.Rollback()
			discardImage()
			return nil, err
		}
		if err := models.PublishEvent(ctx, tx, businessId, request.ID, models.EventReferenceTypeRequest, nil, request, models.EventActionUpdate); err != nil {
			tx.Rollback()
			discardImage()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		discardImage()
		return nil, err
	}

	materializeRequestDocument(ctx, request)
	return request, nil
}

// VoidApprovalSignature clears the approval slot. Allowed while the request
// is APPROVED; this is the only mutation a signed request accepts, and it
// reopens the request for item replacement.
func VoidApprovalSignature(ctx context.Context, id int, input *models.VoidSignatureInput) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	allowed, err := models.RoleCanManage(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &utils.ForbiddenError{Action: "void signatures"}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if request.Status == models.RequestStatusFulfilled {
		tx.Rollback()
		return nil, utils.NewConflictError("request %s is fulfilled; only the pickup signature can be voided", request.DisplayNumber)
	}

	before := *request
	if err := request.VoidApproval(input.Reason, userName, time.Now()); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.PersistApprovalSlot(tx, request); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", &before, request, "Request "+request.DisplayNumber+" approval signature voided: "+input.Reason); err != nil {
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

	materializeRequestDocument(ctx, request)
	return request, nil
}

// VoidPickupSignature clears the pickup slot. Voiding on a FULFILLED request
// never reverts status.
func VoidPickupSignature(ctx context.Context, id int, input *models.VoidSignatureInput) (*models.Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	allowed, err := models.RoleCanManage(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &utils.ForbiddenError{Action: "void signatures"}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	request, err := fetchRequestForUpdate(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	before := *request
	if err := request.VoidPickup(input.Reason, userName, time.Now()); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.PersistPickupSlot(tx, request); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := models.SaveHistoryFor(tx, "requests", request.ID, "UPDATE", &before, request, "Request "+request.DisplayNumber+" pickup signature voided: "+input.Reason); err != nil {
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

	// the stored capture is orphaned once the slot is voided
	if key := utils.ExtractObjectKeyFromURL(before.PickupImageUrl); key != "" {
		if err := utils.DeleteObjectFromStorage(ctx, key); err != nil {
			config.LogError(config.GetLogger(), "workflow", "VoidPickupSignature", "delete pickup image", key, err)
		}
	}

	materializeRequestDocument(ctx, request)
	return request, nil
}
