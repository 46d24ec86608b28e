package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/stockroom_backend/models"
)

func TestDeriveProductStatusBoundaries(t *testing.T) {
	cases := []struct {
		qty  int
		want models.ProductStatus
	}{
		{-3, models.ProductStatusOutOfStock},
		{0, models.ProductStatusOutOfStock},
		{1, models.ProductStatusLowStock},
		{models.LowStockThreshold, models.ProductStatusLowStock},
		{models.LowStockThreshold + 1, models.ProductStatusInStock},
		{500, models.ProductStatusInStock},
	}
	for _, c := range cases {
		if got := models.DeriveProductStatus(c.qty); got != c.want {
			t.Errorf("DeriveProductStatus(%d) = %s, want %s", c.qty, got, c.want)
		}
	}
}
