package models

import (
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

const minVoidReasonLength = 10

type SignatureInput struct {
	Name  string `json:"name" binding:"required"`
	Title string `json:"title"`
	// ImageData carries the base64 raster capture, pickup slot only.
	ImageData string `json:"image_data"`
}

type VoidSignatureInput struct {
	Reason string `json:"reason" binding:"required"`
}

// Each slot cycles unset -> signed -> voided -> signed. Signing over a signed
// slot is a conflict; voiding clears the signed fields and stamps void
// metadata. Re-signing clears prior void metadata from the current view (the
// audit trail keeps it).

func (r *Request) ApprovalSigned() bool {
	return r.ApprovalSignedAt != nil
}

func (r *Request) PickupSigned() bool {
	return r.PickupSignedAt != nil
}

func (r *Request) SignApproval(name string, title string, ip string, userAgent string, at time.Time) error {
	if r.ApprovalSigned() {
		return utils.NewConflictError("approval signature already signed")
	}
	r.ApprovalSignedBy = name
	r.ApprovalSignedTitle = title
	r.ApprovalSignedAt = &at
	r.ApprovalSignedIp = ip
	r.ApprovalSignedUA = userAgent
	r.ApprovalVoidReason = ""
	r.ApprovalVoidedBy = ""
	r.ApprovalVoidedAt = nil
	return nil
}

func (r *Request) VoidApproval(reason string, actor string, at time.Time) error {
	if !r.ApprovalSigned() {
		return utils.NewConflictError("approval signature is not signed")
	}
	if len(reason) < minVoidReasonLength {
		return utils.NewValidationError("void reason must be at least %d characters", minVoidReasonLength)
	}
	r.ApprovalSignedBy = ""
	r.ApprovalSignedTitle = ""
	r.ApprovalSignedAt = nil
	r.ApprovalSignedIp = ""
	r.ApprovalSignedUA = ""
	r.ApprovalVoidReason = reason
	r.ApprovalVoidedBy = actor
	r.ApprovalVoidedAt = &at
	return nil
}

func (r *Request) SignPickup(name string, title string, ip string, userAgent string, imageUrl string, at time.Time) error {
	if r.PickupSigned() {
		return utils.NewConflictError("pickup signature already signed")
	}
	r.PickupSignedBy = name
	r.PickupSignedTitle = title
	r.PickupSignedAt = &at
	r.PickupSignedIp = ip
	r.PickupSignedUA = userAgent
	r.PickupImageUrl = imageUrl
	r.PickupVoidReason = ""
	r.PickupVoidedBy = ""
	r.PickupVoidedAt = nil
	return nil
}

func (r *Request) VoidPickup(reason string, actor string, at time.Time) error {
	if !r.PickupSigned() {
		return utils.NewConflictError("pickup signature is not signed")
	}
	if len(reason) < minVoidReasonLength {
		return utils.NewValidationError("void reason must be at least %d characters", minVoidReasonLength)
	}
	r.PickupSignedBy = ""
	r.PickupSignedTitle = ""
	r.PickupSignedAt = nil
	r.PickupSignedIp = ""
	r.PickupSignedUA = ""
	r.PickupImageUrl = ""
	r.PickupVoidReason = reason
	r.PickupVoidedBy = actor
	r.PickupVoidedAt = &at
	return nil
}

// persistApprovalSlot / persistPickupSlot write a slot's full field set so
// sign and void both round-trip through the same update.

func PersistApprovalSlot(tx *gorm.DB, request *Request) error {
	return tx.Model(&Request{}).
		Where("business_id = ? AND id = ?", request.BusinessId, request.ID).
		Updates(map[string]interface{}{
			"ApprovalSignedBy":    request.ApprovalSignedBy,
			"ApprovalSignedTitle": request.ApprovalSignedTitle,
			"ApprovalSignedAt":    request.ApprovalSignedAt,
			"ApprovalSignedIp":    request.ApprovalSignedIp,
			"ApprovalSignedUA":    request.ApprovalSignedUA,
			"ApprovalVoidReason":  request.ApprovalVoidReason,
			"ApprovalVoidedBy":    request.ApprovalVoidedBy,
			"ApprovalVoidedAt":    request.ApprovalVoidedAt,
		}).Error
}

func PersistPickupSlot(tx *gorm.DB, request *Request) error {
	return tx.Model(&Request{}).
		Where("business_id = ? AND id = ?", request.BusinessId, request.ID).
		Updates(map[string]interface{}{
			"PickupSignedBy":    request.PickupSignedBy,
			"PickupSignedTitle": request.PickupSignedTitle,
			"PickupSignedAt":    request.PickupSignedAt,
			"PickupSignedIp":    request.PickupSignedIp,
			"PickupSignedUA":    request.PickupSignedUA,
			"PickupImageUrl":    request.PickupImageUrl,
			"PickupVoidReason":  request.PickupVoidReason,
			"PickupVoidedBy":    request.PickupVoidedBy,
			"PickupVoidedAt":    request.PickupVoidedAt,
		}).Error
}
