package models_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"bitbucket.org/mmdatafocus/stockroom_backend/workflow"
)

func mustSubmitRequest(t *testing.T, ctx context.Context, items []models.NewRequestItem) *models.Request {
	t.Helper()
	request, err := models.CreateRequest(ctx, &models.NewRequest{Items: items, Submit: true})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return request
}

func signatureCapture(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 12))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// A voided approval on an APPROVED request is re-signed in place: the slot
// is rewritten, the allocation from the first approval stays untouched, and
// no status transition happens.
func TestApprovalResignAfterVoid(t *testing.T) {
	ctx := integrationContext(t)

	pens := mustCreateProduct(t, ctx, "Whiteboard Pens", "PEN-01")
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items:        []models.NewInvoiceItem{{ProductId: pens.ID, Qty: 10}},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	request := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: pens.ID, Qty: 4}})

	request, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}
	pens, _ = models.GetProduct(ctx, pens.ID)
	if pens.Quantity != 6 {
		t.Fatalf("quantity after approval = %d, want 6", pens.Quantity)
	}
	movements, err := models.GetStockMovements(ctx, nil, &request.ID, nil, nil)
	if err != nil {
		t.Fatalf("GetStockMovements: %v", err)
	}
	movementsAfterApproval := len(movements)

	// While the slot is signed a second approval is refused.
	_, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "Daw Mya", Title: "Director"}, "10.0.0.2", "test")
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict approving a signed request, got %v", err)
	}

	if _, err := workflow.VoidApprovalSignature(ctx, request.ID, &models.VoidSignatureInput{Reason: "signer entered wrong title"}); err != nil {
		t.Fatalf("VoidApprovalSignature: %v", err)
	}

	request, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "Daw Mya", Title: "Director"}, "10.0.0.2", "test")
	if err != nil {
		t.Fatalf("re-sign after void: %v", err)
	}
	if request.Status != models.RequestStatusApproved {
		t.Fatalf("status after re-sign = %s, want APPROVED", request.Status)
	}

	// The persisted slot carries the new signer and no void metadata.
	request, err = models.GetRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if !request.ApprovalSigned() || request.ApprovalSignedBy != "Daw Mya" {
		t.Fatalf("re-signed slot: signedBy=%q signedAt=%v", request.ApprovalSignedBy, request.ApprovalSignedAt)
	}
	if request.ApprovalVoidReason != "" || request.ApprovalVoidedAt != nil {
		t.Fatalf("void metadata should be cleared, got reason=%q", request.ApprovalVoidReason)
	}

	// No second allocation: quantity and the movement trail are unchanged.
	pens, _ = models.GetProduct(ctx, pens.ID)
	if pens.Quantity != 6 {
		t.Fatalf("quantity after re-sign = %d, want 6", pens.Quantity)
	}
	movements, _ = models.GetStockMovements(ctx, nil, &request.ID, nil, nil)
	if len(movements) != movementsAfterApproval {
		t.Fatalf("movements after re-sign = %d, want %d", len(movements), movementsAfterApproval)
	}
}

func TestPickupSignsAndFulfills(t *testing.T) {
	ctx := integrationContext(t)

	toner := mustCreateProduct(t, ctx, "Toner Cartridge", "TNR-01")
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items:        []models.NewInvoiceItem{{ProductId: toner.ID, Qty: 5}},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	request := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: toner.ID, Qty: 2}})
	capture := signatureCapture(t)

	// Pickup needs an approved request.
	_, err = workflow.RecordPickup(ctx, request.ID, &models.SignatureInput{Name: "Ko Zaw", Title: "Staff", ImageData: capture}, "10.0.0.3", "test")
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict recording pickup on submitted request, got %v", err)
	}

	if _, err := workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	// The signature write and the transition to FULFILLED land together.
	request, err = workflow.RecordPickup(ctx, request.ID, &models.SignatureInput{Name: "Ko Zaw", Title: "Staff", ImageData: capture}, "10.0.0.3", "test")
	if err != nil {
		t.Fatalf("RecordPickup: %v", err)
	}
	if request.Status != models.RequestStatusFulfilled || !request.PickupSigned() {
		t.Fatalf("after pickup: status=%s signed=%v", request.Status, request.PickupSigned())
	}
	if request.PickupImageUrl == "" {
		t.Fatal("pickup slot should carry the capture url")
	}

	_, err = workflow.RecordPickup(ctx, request.ID, &models.SignatureInput{Name: "Ko Zaw", Title: "Staff", ImageData: capture}, "10.0.0.3", "test")
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict re-recording a signed pickup, got %v", err)
	}

	// Voiding clears the slot but never reverts fulfillment.
	request, err = workflow.VoidPickupSignature(ctx, request.ID, &models.VoidSignatureInput{Reason: "collected by the wrong person"})
	if err != nil {
		t.Fatalf("VoidPickupSignature: %v", err)
	}
	if request.Status != models.RequestStatusFulfilled || request.PickupSigned() {
		t.Fatalf("after void: status=%s signed=%v", request.Status, request.PickupSigned())
	}
	if request.PickupImageUrl != "" {
		t.Fatalf("capture url should be cleared, got %q", request.PickupImageUrl)
	}

	// Re-sign on the fulfilled request, no transition.
	request, err = workflow.RecordPickup(ctx, request.ID, &models.SignatureInput{Name: "Ma Thida", Title: "Staff", ImageData: capture}, "10.0.0.4", "test")
	if err != nil {
		t.Fatalf("pickup re-sign: %v", err)
	}
	if request.Status != models.RequestStatusFulfilled || request.PickupSignedBy != "Ma Thida" {
		t.Fatalf("after re-sign: status=%s signedBy=%q", request.Status, request.PickupSignedBy)
	}
}

// Signed requests refuse descriptive edits unless the immutability guard is
// switched off for a data-repair session.
func TestSignedRequestEditsGatedByStrictFlag(t *testing.T) {
	ctx := integrationContext(t)

	stapler := mustCreateProduct(t, ctx, "Stapler", "STP-01")
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items:        []models.NewInvoiceItem{{ProductId: stapler.ID, Qty: 6}},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	request := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: stapler.ID, Qty: 1}})
	if _, err := workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	_, err = models.UpdateRequestDetails(ctx, request.ID, &models.RequestDetailsInput{Purpose: "updated purpose"})
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict editing a signed request, got %v", err)
	}

	t.Setenv("STRICT_SIGNED_REQUEST_IMMUTABLE", "false")
	request, err = models.UpdateRequestDetails(ctx, request.ID, &models.RequestDetailsInput{Purpose: "updated purpose"})
	if err != nil {
		t.Fatalf("edit with guard off: %v", err)
	}
	if request.Purpose != "updated purpose" {
		t.Fatalf("purpose = %q", request.Purpose)
	}
}

// The cache layer is an accelerator, not a dependency: stock writes commit
// even when redis is gone, and reads fall back to the database.
func TestStockWritesSurviveRedisOutage(t *testing.T) {
	ctx, redisName := integrationEnv(t)

	paper := mustCreateProduct(t, ctx, "Copy Paper", "PPR-A4")
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items:        []models.NewInvoiceItem{{ProductId: paper.ID, Qty: 8}},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	request := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: paper.ID, Qty: 3}})

	if err := dockerRmForce(redisName); err != nil {
		t.Fatalf("stop redis: %v", err)
	}

	request, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("ApproveRequest with redis down: %v", err)
	}
	if request.Status != models.RequestStatusApproved {
		t.Fatalf("status = %s, want APPROVED", request.Status)
	}

	paper, err = models.GetProduct(ctx, paper.ID)
	if err != nil {
		t.Fatalf("GetProduct with redis down: %v", err)
	}
	if paper.Quantity != 5 {
		t.Fatalf("quantity = %d, want 5", paper.Quantity)
	}
}

// Two approvals racing for the same serialized unit: the row lock serializes
// them, one wins and the other gets the unit-unavailable conflict with its
// stock untouched.
func TestConcurrentUnitAllocationSingleWinner(t *testing.T) {
	ctx := integrationContext(t)

	projector := mustCreateProduct(t, ctx, "Projector", "PRJ-14")
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items: []models.NewInvoiceItem{
			{ProductId: projector.ID, Qty: 1, UnitCodes: []models.NewInvoiceUnit{{Code: "PRJ-001", Serial: "SN-P1"}}},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	first := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: projector.ID, Qty: 1, Destination: "PRJ-001"}})
	second := mustSubmitRequest(t, ctx, []models.NewRequestItem{{ProductId: projector.ID, Qty: 1, Destination: "PRJ-001"}})

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []int{first.ID, second.ID} {
		wg.Add(1)
		go func(slot int, requestId int) {
			defer wg.Done()
			_, err := workflow.ApproveRequest(ctx, requestId, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test")
			results[slot] = err
		}(i, id)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		var unavailable *utils.UnitUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("loser should report unit unavailable, got %v", err)
		}
		if unavailable.Code != "PRJ-001" {
			t.Fatalf("conflict names code %q, want PRJ-001", unavailable.Code)
		}
		losers++
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("winners=%d losers=%d, want exactly one of each", winners, losers)
	}

	projector, _ = models.GetProduct(ctx, projector.ID)
	if projector.Quantity != 0 {
		t.Fatalf("quantity after race = %d, want 0", projector.Quantity)
	}
	units, err := models.GetProductUnits(ctx, &projector.ID, nil, nil)
	if err != nil {
		t.Fatalf("GetProductUnits: %v", err)
	}
	if len(units) != 1 || units[0].Status != models.ProductUnitStatusAcquired {
		t.Fatalf("unit after race: %+v", units)
	}
}
