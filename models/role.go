package models

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
)

const (
	RoleModuleRequests  = "requests"
	RoleModuleInventory = "inventory"

	RoleActionView   = "view"
	RoleActionSign   = "sign"
	RoleActionManage = "manage"
)

type Role struct {
	ID          int           `gorm:"primary_key" json:"id"`
	BusinessId  string        `gorm:"index;not null" json:"business_id"`
	Name        string        `gorm:"index;size:100;not null" json:"name" binding:"required"`
	RoleModules []*RoleModule `gorm:"foreignKey:RoleId" json:"role_modules"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type RoleModule struct {
	ID             int    `gorm:"primary_key" json:"id"`
	RoleId         int    `gorm:"index;not null" json:"role_id"`
	ModuleName     string `gorm:"size:50;not null" json:"module_name"`
	AllowedActions string `gorm:"size:100;not null" json:"allowed_actions"` // "view;sign;manage"
}

type NewRole struct {
	Name           string              `json:"name" binding:"required"`
	AllowedModules []*NewAllowedModule `json:"allowed_modules"`
}

type NewAllowedModule struct {
	ModuleName     string `json:"module_name" binding:"required"`
	AllowedActions string `json:"allowed_actions" binding:"required"`
}

func extractModuleActions(s string) []string {
	return strings.Split(strings.ToLower(s), ";")
}

// roleActions loads the role's module->actions map, redis first.
func roleActions(ctx context.Context, roleId int) (map[string][]string, error) {

	actions := make(map[string][]string)
	redisKey := "RoleActions:" + fmt.Sprint(roleId)
	exists, err := config.GetRedisObject(redisKey, &actions)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		var modules []*RoleModule
		if err := db.WithContext(ctx).Where("role_id = ?", roleId).Find(&modules).Error; err != nil {
			return nil, err
		}
		for _, m := range modules {
			actions[m.ModuleName] = extractModuleActions(m.AllowedActions)
		}
		if err := config.SetRedisObject(redisKey, &actions, 0); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

// roleAllows answers the permission collaborator contract from the role in
// context. Admins bypass the module map. Checked before any transaction
// starts.
func roleAllows(ctx context.Context, moduleName string, action string) (bool, error) {

	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return true, nil
	}
	roleId, ok := utils.GetRoleIdFromContext(ctx)
	if !ok || roleId == 0 {
		return false, nil
	}

	actions, err := roleActions(ctx, roleId)
	if err != nil {
		return false, err
	}
	return slices.Contains(actions[moduleName], action), nil
}

func RoleCanSign(ctx context.Context) (bool, error) {
	return roleAllows(ctx, RoleModuleRequests, RoleActionSign)
}

func RoleCanManage(ctx context.Context) (bool, error) {
	return roleAllows(ctx, RoleModuleRequests, RoleActionManage)
}

func RoleCanManageInventory(ctx context.Context) (bool, error) {
	return roleAllows(ctx, RoleModuleInventory, RoleActionManage)
}

func (input *NewRole) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Role](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[Role](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	for _, m := range input.AllowedModules {
		if m.ModuleName != RoleModuleRequests && m.ModuleName != RoleModuleInventory {
			return utils.NewValidationError("unknown module name %s", m.ModuleName)
		}
	}
	return nil
}

func CreateRole(ctx context.Context, input *NewRole) (*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	role := Role{
		BusinessId: businessId,
		Name:       input.Name,
	}
	for _, m := range input.AllowedModules {
		role.RoleModules = append(role.RoleModules, &RoleModule{
			ModuleName:     m.ModuleName,
			AllowedActions: m.AllowedActions,
		})
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, err
	}
	return &role, nil
}

func UpdateRole(ctx context.Context, id int, input *NewRole) (*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	role, err := utils.FetchModel[Role](ctx, businessId, id, "RoleModules")
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if err := tx.Model(&role).Updates(map[string]interface{}{"Name": input.Name}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Where("role_id = ?", id).Delete(&RoleModule{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, m := range input.AllowedModules {
		roleModule := RoleModule{
			RoleId:         id,
			ModuleName:     m.ModuleName,
			AllowedActions: m.AllowedActions,
		}
		if err := tx.Create(&roleModule).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := config.RemoveRedisKey("RoleActions:" + fmt.Sprint(id)); err != nil {
		return nil, err
	}
	return role, nil
}

func GetRole(ctx context.Context, id int) (*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Role](ctx, businessId, id, "RoleModules")
}

func GetRoles(ctx context.Context) ([]*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Role](ctx, businessId, "RoleModules")
}
