package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

// maxSequenceAttempts bounds the create-retry loop around the year-scoped
// sequence. Collisions under concurrent submission are expected and retried;
// only exhaustion is fatal.
const maxSequenceAttempts = 5

type Request struct {
	ID            int           `gorm:"primary_key" json:"id"`
	BusinessId    string        `gorm:"size:64;not null;uniqueIndex:uix_requests_seq,priority:1" json:"business_id"`
	FiscalYear    int           `gorm:"not null;uniqueIndex:uix_requests_seq,priority:2" json:"fiscal_year"`
	SequenceNo    int           `gorm:"not null;uniqueIndex:uix_requests_seq,priority:3" json:"sequence_no"`
	DisplayNumber string        `gorm:"size:50;not null;index" json:"display_number"`
	Status        RequestStatus `gorm:"size:20;not null;index;default:'DRAFT'" json:"status"`

	RequesterId      int    `gorm:"not null;index" json:"requester_id"`
	RequesterName    string `gorm:"size:100" json:"requester_name"`
	DeliveryContact  string `gorm:"size:50" json:"delivery_contact"`
	DeliveryLocation string `gorm:"size:255" json:"delivery_location"`
	Purpose          string `gorm:"type:text" json:"purpose"`

	// approval signature slot
	ApprovalSignedBy    string     `gorm:"size:100" json:"approval_signed_by"`
	ApprovalSignedTitle string     `gorm:"size:100" json:"approval_signed_title"`
	ApprovalSignedAt    *time.Time `json:"approval_signed_at"`
	ApprovalSignedIp    string     `gorm:"size:50" json:"approval_signed_ip"`
	ApprovalSignedUA    string     `gorm:"size:255" json:"approval_signed_ua"`
	ApprovalVoidReason  string     `gorm:"size:255" json:"approval_void_reason"`
	ApprovalVoidedBy    string     `gorm:"size:100" json:"approval_voided_by"`
	ApprovalVoidedAt    *time.Time `json:"approval_voided_at"`

	// pickup signature slot
	PickupSignedBy    string     `gorm:"size:100" json:"pickup_signed_by"`
	PickupSignedTitle string     `gorm:"size:100" json:"pickup_signed_title"`
	PickupSignedAt    *time.Time `json:"pickup_signed_at"`
	PickupSignedIp    string     `gorm:"size:50" json:"pickup_signed_ip"`
	PickupSignedUA    string     `gorm:"size:255" json:"pickup_signed_ua"`
	PickupImageUrl    string     `gorm:"size:500" json:"pickup_image_url"`
	PickupVoidReason  string     `gorm:"size:255" json:"pickup_void_reason"`
	PickupVoidedBy    string     `gorm:"size:100" json:"pickup_voided_by"`
	PickupVoidedAt    *time.Time `json:"pickup_voided_at"`

	// advisory document materialization outcome, never transaction-blocking
	DocumentUrl   string `gorm:"size:500" json:"document_url"`
	DocumentError string `gorm:"size:255" json:"document_error"`

	Items []RequestItem `gorm:"foreignKey:RequestId" json:"items"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r Request) GetBusinessId() string {
	return r.BusinessId
}

type RequestItem struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	RequestId  int    `gorm:"not null;index" json:"request_id"`
	ProductId  int    `gorm:"not null;index" json:"product_id"`
	Qty        int    `gorm:"not null" json:"qty"`
	// Destination holds the allocated unit's code for unit-tracked products.
	Destination string    `gorm:"size:100" json:"destination"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRequestItem struct {
	ProductId   int    `json:"product_id" binding:"required"`
	Qty         int    `json:"qty" binding:"required,min=1"`
	Destination string `json:"destination"`
}

type NewRequest struct {
	Items            []NewRequestItem `json:"items" binding:"required,min=1,dive"`
	DeliveryContact  string           `json:"delivery_contact"`
	DeliveryLocation string           `json:"delivery_location"`
	Purpose          string           `json:"purpose"`
	Submit           bool             `json:"submit"`
}

type RequestDetailsInput struct {
	DeliveryContact  string `json:"delivery_contact"`
	DeliveryLocation string `json:"delivery_location"`
	Purpose          string `json:"purpose"`
}

func (input *NewRequest) validate(ctx context.Context, businessId string) error {
	if len(input.Items) == 0 {
		return utils.NewValidationError("at least one item is required")
	}
	productIds := make([]int, 0, len(input.Items))
	for _, item := range input.Items {
		if item.Qty < 1 {
			return utils.NewValidationError("item quantity must be at least 1")
		}
		productIds = append(productIds, item.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](ctx, businessId, productIds); err != nil {
		return err
	}
	if input.DeliveryContact != "" {
		if err := utils.ValidatePhoneNumber(input.DeliveryContact, utils.CountryCode); err != nil {
			return utils.NewValidationError("invalid delivery contact phone number")
		}
	}
	return nil
}

// nextRequestSequence reads max(sequence_no)+1 for the (business, year)
// partition inside the inserting transaction. The composite unique index
// detects races; the caller retries the whole transaction.
func nextRequestSequence(tx *gorm.DB, businessId string, year int) (int, error) {
	var next int
	err := tx.Model(&Request{}).
		Where("business_id = ? AND fiscal_year = ?", businessId, year).
		Select("COALESCE(MAX(sequence_no), 0) + 1").
		Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CreateRequest persists a request with a freshly allocated year-scoped
// sequence number. Items are recorded only; stock is untouched until
// approval allocates it.
func CreateRequest(ctx context.Context, input *NewRequest) (*Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	prefix, err := getNumberPrefix(ctx, businessId, NumberSeriesModuleRequest)
	if err != nil {
		return nil, err
	}

	status := RequestStatusDraft
	if input.Submit {
		status = RequestStatusSubmitted
	}
	year := time.Now().Year()

	db := config.GetDB()
	logger := config.GetLogger()

	var lastErr error
	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {

		tx := db.WithContext(ctx).Begin()

		sequence, err := nextRequestSequence(tx, businessId, year)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		request := Request{
			BusinessId:       businessId,
			FiscalYear:       year,
			SequenceNo:       sequence,
			DisplayNumber:    formatDisplayNumber(prefix, year, sequence),
			Status:           status,
			RequesterId:      userId,
			RequesterName:    userName,
			DeliveryContact:  input.DeliveryContact,
			DeliveryLocation: input.DeliveryLocation,
			Purpose:          input.Purpose,
		}
		for _, item := range input.Items {
			request.Items = append(request.Items, RequestItem{
				BusinessId:  businessId,
				ProductId:   item.ProductId,
				Qty:         item.Qty,
				Destination: item.Destination,
			})
		}

		if err := tx.Create(&request).Error; err != nil {
			tx.Rollback()
			if utils.IsUniqueConstraintError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if err := SaveHistoryCreate(tx, request.ID, &request, "Request "+request.DisplayNumber+" created."); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := PublishEvent(ctx, tx, businessId, request.ID, EventReferenceTypeRequest, nil, &request, EventActionCreate); err != nil {
			tx.Rollback()
			return nil, err
		}

		if err := tx.Commit().Error; err != nil {
			if utils.IsUniqueConstraintError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &request, nil
	}

	config.LogError(logger, "models", "CreateRequest", "sequence allocation", businessId, lastErr)
	return nil, &utils.FatalError{Message: "could not allocate request number", Err: lastErr}
}

// assertRequestMutable rejects structural and descriptive edits while the
// approval signature is signed or the request is terminal. Voiding the
// signature is the only legal mutation in that state. The signed guard can
// be switched off for data-repair sessions; the terminal guard cannot.
func assertRequestMutable(request *Request) error {
	if request.ApprovalSignedAt != nil && config.StrictSignedRequestImmutability() {
		return utils.NewConflictError("request %s is signed and cannot be modified until the approval signature is voided", request.DisplayNumber)
	}
	if request.Status.IsTerminal() {
		return utils.NewConflictError("request %s is %s and cannot be modified", request.DisplayNumber, request.Status)
	}
	return nil
}

func UpdateRequestDetails(ctx context.Context, id int, input *RequestDetailsInput) (*Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if input.DeliveryContact != "" {
		if err := utils.ValidatePhoneNumber(input.DeliveryContact, utils.CountryCode); err != nil {
			return nil, utils.NewValidationError("invalid delivery contact phone number")
		}
	}

	request, err := utils.FetchModel[Request](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if err := assertRequestMutable(request); err != nil {
		return nil, err
	}

	before := *request

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	err = tx.Model(&request).Updates(map[string]interface{}{
		"DeliveryContact":  input.DeliveryContact,
		"DeliveryLocation": input.DeliveryLocation,
		"Purpose":          input.Purpose,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := SaveHistoryUpdate(tx, request.ID, &before, "Request "+request.DisplayNumber+" details updated."); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return request, nil
}

// DeleteRequest hard-deletes a request and its items. Requests referenced by
// stock movements keep their ledger trail and cannot be deleted; their items
// must be restored first (ReplaceItems with an empty set).
func DeleteRequest(ctx context.Context, id int) (*Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	request, err := utils.FetchModel[Request](ctx, businessId, id, "Items")
	if err != nil {
		return nil, err
	}
	if err := assertRequestMutable(request); err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[StockMovement](ctx, businessId, "request_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.NewConflictError("request %s has stock movements and cannot be deleted", request.DisplayNumber)
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if err := tx.Where("business_id = ? AND request_id = ?", businessId, id).Delete(&RequestItem{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Delete(&request).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := SaveHistoryDelete(tx, request.ID, request, "Request "+request.DisplayNumber+" deleted."); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishEvent(ctx, tx, businessId, request.ID, EventReferenceTypeRequest, request, nil, EventActionDelete); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return request, nil
}

func GetRequest(ctx context.Context, id int) (*Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Request](ctx, businessId, id, "Items")
}

func GetRequests(ctx context.Context, status *RequestStatus, year *int, requesterId *int) ([]*Request, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Request

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if status != nil && len(*status) > 0 {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if year != nil && *year > 0 {
		dbCtx = dbCtx.Where("fiscal_year = ?", *year)
	}
	if requesterId != nil && *requesterId > 0 {
		dbCtx = dbCtx.Where("requester_id = ?", *requesterId)
	}
	err := dbCtx.Preload("Items").
		Order("fiscal_year DESC, sequence_no DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
