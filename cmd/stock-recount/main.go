// stock-recount audits the denormalized product quantity against the
// movement ledger and optionally repairs drift. The ledger is the source of
// truth: quantity must equal the signed sum of the product's movements.
//
// Usage:
//   go run ./cmd/stock-recount --business-id=<id> [--product-id=<id>] [--fix]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	productID := flag.Int("product-id", 0, "Optional: audit a single product")
	fix := flag.Bool("fix", false, "Rewrite drifted quantities from the ledger")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing products and continue auditing others")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, strings.TrimSpace(*businessID))
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "StockRecount")

	query := db.WithContext(ctx).Model(&models.Product{})
	if *productID > 0 {
		query = query.Where("id = ?", *productID)
	}
	var products []*models.Product
	if err := query.Order("id").Find(&products).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list products: %v\n", err)
		os.Exit(1)
	}
	if len(products) == 0 {
		fmt.Fprintln(os.Stderr, "no products found")
		return
	}

	drifted := 0
	for _, p := range products {
		ledger, err := models.LedgerQuantity(ctx, p.BusinessId, p.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "product %d: ledger sum failed: %v\n", p.ID, err)
			if *continueOnError {
				continue
			}
			os.Exit(1)
		}
		if ledger == p.Quantity {
			continue
		}
		drifted++
		fmt.Printf("product %d (%s): stored=%d ledger=%d\n", p.ID, p.Sku, p.Quantity, ledger)

		if !*fix {
			continue
		}
		err = db.WithContext(ctx).Model(&models.Product{}).
			Where("id = ? AND business_id = ?", p.ID, p.BusinessId).
			Updates(map[string]interface{}{
				"quantity": ledger,
				"status":   models.DeriveProductStatus(ledger),
			}).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "product %d: fix failed: %v\n", p.ID, err)
			if *continueOnError {
				continue
			}
			os.Exit(1)
		}
		_ = utils.RemoveRedisItem[models.Product](p.ID)
		fmt.Printf("product %d: quantity rewritten to %d\n", p.ID, ledger)
	}

	if drifted == 0 {
		fmt.Printf("audited %d products: no drift\n", len(products))
	} else {
		fmt.Printf("audited %d products: %d drifted\n", len(products), drifted)
	}
}
