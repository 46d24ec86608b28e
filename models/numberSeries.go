package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"gorm.io/gorm"
)

const (
	NumberSeriesModuleRequest = "REQUEST"
	NumberSeriesModuleInvoice = "INVOICE"
)

var defaultNumberPrefixes = map[string]string{
	NumberSeriesModuleRequest: "PR",
	NumberSeriesModuleInvoice: "INV",
}

// NumberSeries holds per-tenant display-number prefixes per module.
type NumberSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;uniqueIndex:uix_number_series_module,priority:1" json:"business_id"`
	ModuleName string    `gorm:"size:50;not null;uniqueIndex:uix_number_series_module,priority:2" json:"module_name" binding:"required"`
	Prefix     string    `gorm:"size:20;not null" json:"prefix" binding:"required"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// getNumberPrefix resolves the tenant's prefix for a module, redis first,
// then db, falling back to the built-in default.
func getNumberPrefix(ctx context.Context, businessId string, moduleName string) (string, error) {

	redisKey := numberPrefixCacheKey(businessId, moduleName)
	if cached, exists, err := config.GetRedisValue(redisKey); err == nil && exists && cached != "" {
		return cached, nil
	}

	db := config.GetDB()
	var row NumberSeries
	err := db.WithContext(ctx).
		Where("business_id = ? AND module_name = ?", businessId, moduleName).
		First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	prefix := row.Prefix
	if prefix == "" {
		prefix = defaultNumberPrefixes[moduleName]
	}
	if err := config.SetRedisValue(redisKey, prefix, 0); err != nil {
		config.LogError(config.GetLogger(), "models", "getNumberPrefix", "cache prefix", redisKey, err)
	}
	return prefix, nil
}

func numberPrefixCacheKey(businessId string, moduleName string) string {
	return "numberPrefix:" + businessId + ":" + moduleName
}

func formatDisplayNumber(prefix string, year int, sequence int) string {
	return fmt.Sprintf("%s-%d-%d", prefix, year, sequence)
}

type NewNumberSeries struct {
	ModuleName string `json:"module_name" binding:"required"`
	Prefix     string `json:"prefix" binding:"required"`
}

// SetNumberPrefix upserts the tenant's prefix for a module and drops the
// cached value so the next allocation sees it.
func SetNumberPrefix(ctx context.Context, input *NewNumberSeries) (*NumberSeries, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.NewValidationError("business id is required")
	}
	if _, known := defaultNumberPrefixes[input.ModuleName]; !known {
		return nil, utils.NewValidationError("unknown module name %s", input.ModuleName)
	}

	db := config.GetDB()
	var series NumberSeries
	err := db.WithContext(ctx).
		Where("business_id = ? AND module_name = ?", businessId, input.ModuleName).
		Assign(map[string]interface{}{"Prefix": input.Prefix}).
		FirstOrCreate(&series, NumberSeries{
			BusinessId: businessId,
			ModuleName: input.ModuleName,
			Prefix:     input.Prefix,
		}).Error
	if err != nil {
		return nil, err
	}

	if err := config.RemoveRedisKey(numberPrefixCacheKey(businessId, input.ModuleName)); err != nil {
		return nil, err
	}
	return &series, nil
}
