package models_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
)

func TestApprovalSlotSignVoidResign(t *testing.T) {
	r := &models.Request{}
	now := time.Now()

	if r.ApprovalSigned() {
		t.Fatal("new request should not be approval-signed")
	}

	if err := r.SignApproval("U Kyaw", "Manager", "10.0.0.1", "curl/8", now); err != nil {
		t.Fatalf("SignApproval: %v", err)
	}
	if !r.ApprovalSigned() || r.ApprovalSignedBy != "U Kyaw" || r.ApprovalSignedTitle != "Manager" {
		t.Fatalf("approval slot not populated: %+v", r)
	}

	// Signing over a signed slot is a conflict.
	err := r.SignApproval("Other", "", "10.0.0.2", "curl/8", now)
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict on double sign, got %v", err)
	}

	// Void reason must meet the minimum length.
	err = r.VoidApproval("typo", "Admin", now)
	if err == nil || !utils.IsValidationError(err) {
		t.Fatalf("expected validation error for short reason, got %v", err)
	}
	if !r.ApprovalSigned() {
		t.Fatal("failed void must not clear the slot")
	}

	if err := r.VoidApproval("signed by the wrong approver", "Admin", now); err != nil {
		t.Fatalf("VoidApproval: %v", err)
	}
	if r.ApprovalSigned() || r.ApprovalSignedBy != "" || r.ApprovalSignedIp != "" {
		t.Fatalf("void must clear signed fields: %+v", r)
	}
	if r.ApprovalVoidReason != "signed by the wrong approver" || r.ApprovalVoidedBy != "Admin" || r.ApprovalVoidedAt == nil {
		t.Fatalf("void metadata not stamped: %+v", r)
	}

	// Voiding an unsigned slot is a conflict.
	err = r.VoidApproval("still not signed anymore", "Admin", now)
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict voiding unsigned slot, got %v", err)
	}

	// Re-signing clears the prior void metadata from the current view.
	if err := r.SignApproval("Daw Mya", "Director", "10.0.0.3", "curl/8", now); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if r.ApprovalVoidReason != "" || r.ApprovalVoidedBy != "" || r.ApprovalVoidedAt != nil {
		t.Fatalf("re-sign must clear void metadata: %+v", r)
	}
}

func TestPickupSlotCarriesImageUrl(t *testing.T) {
	r := &models.Request{}
	now := time.Now()

	if err := r.SignPickup("Courier", "", "10.1.0.1", "app/2.0", "biz/requests/pickup-1.png", now); err != nil {
		t.Fatalf("SignPickup: %v", err)
	}
	if !r.PickupSigned() || r.PickupImageUrl != "biz/requests/pickup-1.png" {
		t.Fatalf("pickup slot not populated: %+v", r)
	}

	err := r.SignPickup("Again", "", "10.1.0.2", "app/2.0", "x.png", now)
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict on double sign, got %v", err)
	}

	if err := r.VoidPickup("recipient disputed the handover", "Admin", now); err != nil {
		t.Fatalf("VoidPickup: %v", err)
	}
	if r.PickupSigned() || r.PickupImageUrl != "" {
		t.Fatalf("void must clear the image url: %+v", r)
	}
}
