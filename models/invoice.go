package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice records stock intake: quantity top-ups and unit registrations
// arrive against an invoice so every IN movement keeps its source.
type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"size:64;not null;uniqueIndex:uix_invoices_seq,priority:1" json:"business_id"`
	FiscalYear    int             `gorm:"not null;uniqueIndex:uix_invoices_seq,priority:2" json:"fiscal_year"`
	SequenceNo    int             `gorm:"not null;uniqueIndex:uix_invoices_seq,priority:3" json:"sequence_no"`
	DisplayNumber string          `gorm:"size:50;not null;index" json:"display_number"`
	SupplierName  string          `gorm:"size:255" json:"supplier_name"`
	InvoiceDate   time.Time       `gorm:"not null" json:"invoice_date"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	Items         []InvoiceItem   `gorm:"foreignKey:InvoiceId" json:"items"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i Invoice) GetBusinessId() string {
	return i.BusinessId
}

type InvoiceItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	InvoiceId  int             `gorm:"not null;index" json:"invoice_id"`
	ProductId  int             `gorm:"not null;index" json:"product_id"`
	Qty        int             `gorm:"not null" json:"qty"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewInvoiceItem struct {
	ProductId int             `json:"product_id" binding:"required"`
	Qty       int             `json:"qty" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	// UnitCodes registers one serialized unit per code; when present its
	// length must equal Qty. Empty means a bulk quantity top-up.
	UnitCodes []NewInvoiceUnit `json:"unit_codes" binding:"dive"`
}

type NewInvoiceUnit struct {
	Code       string `json:"code" binding:"required"`
	Serial     string `json:"serial"`
	PartNumber string `json:"part_number"`
	AssetTag   string `json:"asset_tag"`
}

type NewInvoice struct {
	SupplierName string           `json:"supplier_name"`
	InvoiceDate  *time.Time       `json:"invoice_date"`
	Items        []NewInvoiceItem `json:"items" binding:"required,min=1,dive"`
}

func (input *NewInvoice) validate(ctx context.Context, businessId string) error {
	if len(input.Items) == 0 {
		return utils.NewValidationError("at least one item is required")
	}
	for _, item := range input.Items {
		if item.Qty < 1 {
			return utils.NewValidationError("item quantity must be at least 1")
		}
		if err := utils.ValidateResourceId[Product](ctx, businessId, item.ProductId); err != nil {
			return err
		}
		if len(item.UnitCodes) > 0 {
			if len(item.UnitCodes) != item.Qty {
				return utils.NewValidationError("unit code count must equal quantity")
			}
			for _, unit := range item.UnitCodes {
				if err := utils.ValidateUnique[ProductUnit](ctx, businessId, "code", unit.Code, 0); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func nextInvoiceSequence(tx *gorm.DB, businessId string, year int) (int, error) {
	var next int
	err := tx.Model(&Invoice{}).
		Where("business_id = ? AND fiscal_year = ?", businessId, year).
		Select("COALESCE(MAX(sequence_no), 0) + 1").
		Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CreateInvoice receives stock in one transaction: invoice + items, unit
// registrations, IN movements and quantity bumps commit together. Numbering
// shares the request allocator's retry-on-collision mechanism.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*Invoice, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	prefix, err := getNumberPrefix(ctx, businessId, NumberSeriesModuleInvoice)
	if err != nil {
		return nil, err
	}

	invoiceDate := time.Now()
	if input.InvoiceDate != nil {
		invoiceDate = *input.InvoiceDate
	}
	year := invoiceDate.Year()

	db := config.GetDB()
	logger := config.GetLogger()

	var lastErr error
	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {

		tx := db.WithContext(ctx).Begin()

		sequence, err := nextInvoiceSequence(tx, businessId, year)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		totalAmount := decimal.Zero
		invoice := Invoice{
			BusinessId:    businessId,
			FiscalYear:    year,
			SequenceNo:    sequence,
			DisplayNumber: formatDisplayNumber(prefix, year, sequence),
			SupplierName:  input.SupplierName,
			InvoiceDate:   invoiceDate,
		}
		for _, item := range input.Items {
			amount := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Qty)))
			totalAmount = totalAmount.Add(amount)
			invoice.Items = append(invoice.Items, InvoiceItem{
				BusinessId: businessId,
				ProductId:  item.ProductId,
				Qty:        item.Qty,
				UnitPrice:  item.UnitPrice,
				Amount:     amount,
			})
		}
		invoice.TotalAmount = totalAmount

		if err := tx.Create(&invoice).Error; err != nil {
			tx.Rollback()
			if utils.IsUniqueConstraintError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		intakeFailed := false
		for _, item := range input.Items {

			if len(item.UnitCodes) > 0 {
				for _, unitInput := range item.UnitCodes {
					unit := ProductUnit{
						BusinessId: businessId,
						ProductId:  item.ProductId,
						Code:       unitInput.Code,
						Serial:     unitInput.Serial,
						PartNumber: unitInput.PartNumber,
						AssetTag:   unitInput.AssetTag,
						Status:     ProductUnitStatusInStock,
						InvoiceId:  &invoice.ID,
					}
					if err = tx.Create(&unit).Error; err != nil {
						intakeFailed = true
						break
					}
					movement := StockMovement{
						BusinessId:    businessId,
						Type:          StockMovementTypeIn,
						ProductId:     item.ProductId,
						ProductUnitId: &unit.ID,
						InvoiceId:     &invoice.ID,
						Qty:           1,
						PerformedBy:   userId,
						Description:   "intake " + invoice.DisplayNumber,
					}
					if err = RecordStockMovement(tx, &movement); err != nil {
						intakeFailed = true
						break
					}
				}
			} else {
				movement := StockMovement{
					BusinessId:  businessId,
					Type:        StockMovementTypeIn,
					ProductId:   item.ProductId,
					InvoiceId:   &invoice.ID,
					Qty:         item.Qty,
					PerformedBy: userId,
					Description: "intake " + invoice.DisplayNumber,
				}
				if err = RecordStockMovement(tx, &movement); err != nil {
					intakeFailed = true
				}
			}
			if intakeFailed {
				break
			}

			if _, err = AdjustProductQuantity(tx, businessId, item.ProductId, item.Qty); err != nil {
				intakeFailed = true
				break
			}
		}
		if intakeFailed {
			tx.Rollback()
			if utils.IsUniqueConstraintError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if err := SaveHistoryCreate(tx, invoice.ID, &invoice, "Invoice "+invoice.DisplayNumber+" received."); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := PublishEvent(ctx, tx, businessId, invoice.ID, EventReferenceTypeInvoice, nil, &invoice, EventActionCreate); err != nil {
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
		return &invoice, nil
	}

	config.LogError(logger, "models", "CreateInvoice", "sequence allocation", businessId, lastErr)
	return nil, &utils.FatalError{Message: "could not allocate invoice number", Err: lastErr}
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Invoice](ctx, businessId, id, "Items")
}

func GetInvoices(ctx context.Context, year *int, supplierName *string) ([]*Invoice, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Invoice

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if year != nil && *year > 0 {
		dbCtx = dbCtx.Where("fiscal_year = ?", *year)
	}
	if supplierName != nil && len(*supplierName) > 0 {
		dbCtx = dbCtx.Where("supplier_name LIKE ?", "%"+*supplierName+"%")
	}
	err := dbCtx.Preload("Items").
		Order("fiscal_year DESC, sequence_no DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
