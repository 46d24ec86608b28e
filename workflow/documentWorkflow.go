package workflow

import (
	"bytes"
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/jung-kurt/gofpdf"
)

// materializeRequestDocument (re)builds request-<id>.pdf after signature
// changes. The outcome is advisory: it lands in DocumentUrl / DocumentError
// on the request row and is reported to the caller, but it never blocks or
// rolls back the transaction that triggered it.
func materializeRequestDocument(ctx context.Context, request *models.Request) {

	if !config.DocumentMaterializationEnabled() {
		return
	}

	logger := config.GetLogger()
	db := config.GetDB()

	url, err := renderAndStoreRequestPDF(ctx, request)

	updates := map[string]interface{}{"document_url": url, "document_error": ""}
	if err != nil {
		config.LogError(logger, "workflow", "materializeRequestDocument", "render pdf", request.ID, err)
		updates = map[string]interface{}{"document_error": err.Error()}
		request.DocumentError = err.Error()
	} else {
		request.DocumentUrl = url
		request.DocumentError = ""
	}

	err = db.WithContext(ctx).Model(&models.Request{}).
		Where("business_id = ? AND id = ?", request.BusinessId, request.ID).
		Updates(updates).Error
	if err != nil {
		config.LogError(logger, "workflow", "materializeRequestDocument", "save outcome", request.ID, err)
	}
}

func renderAndStoreRequestPDF(ctx context.Context, request *models.Request) (string, error) {

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Stock Request "+request.DisplayNumber)
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Status: %s", request.Status))
	pdf.Ln(7)
	pdf.Cell(0, 7, "Requester: "+request.RequesterName)
	pdf.Ln(7)
	if request.DeliveryLocation != "" {
		pdf.Cell(0, 7, "Deliver to: "+request.DeliveryLocation)
		pdf.Ln(7)
	}
	if request.Purpose != "" {
		pdf.MultiCell(0, 7, "Purpose: "+request.Purpose, "", "", false)
	}
	pdf.Ln(5)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(25, 7, "Product")
	pdf.Cell(20, 7, "Qty")
	pdf.Cell(60, 7, "Unit code")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 11)
	for _, item := range request.Items {
		pdf.Cell(25, 7, fmt.Sprint(item.ProductId))
		pdf.Cell(20, 7, fmt.Sprint(item.Qty))
		pdf.Cell(60, 7, item.Destination)
		pdf.Ln(7)
	}
	pdf.Ln(5)

	if request.ApprovalSignedAt != nil {
		pdf.Cell(0, 7, fmt.Sprintf("Approved by %s (%s) at %s",
			request.ApprovalSignedBy, request.ApprovalSignedTitle,
			request.ApprovalSignedAt.Format("2006-01-02 15:04")))
		pdf.Ln(7)
	}
	if request.PickupSignedAt != nil {
		pdf.Cell(0, 7, fmt.Sprintf("Picked up by %s at %s",
			request.PickupSignedBy,
			request.PickupSignedAt.Format("2006-01-02 15:04")))
		pdf.Ln(7)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return "", err
	}

	objectKey := fmt.Sprintf("%s/requests/request-%d.pdf", request.BusinessId, request.ID)
	if err := utils.SaveObjectToStorage(ctx, objectKey, buf.Bytes(), "application/pdf"); err != nil {
		return "", err
	}
	return utils.BuildObjectAccessURL(objectKey), nil
}
