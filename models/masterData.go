package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/plugin/soft_delete"
)

// Master data is maintained outside the core; the core only reads it.

type Plant struct {
	ID        string    `gorm:"size:36;primary_key" json:"id"`
	Name      string    `gorm:"size:200;not null" json:"name"`
	Location  string    `gorm:"size:255" json:"location"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Customer struct {
	ID            int                   `gorm:"primary_key" json:"id"`
	Name          string                `gorm:"size:200;not null" json:"name"`
	Address       string                `gorm:"type:text" json:"address"`
	GstNumber     string                `gorm:"size:50" json:"gst_number"`
	ContactPerson string                `gorm:"size:100" json:"contact_person"`
	Email         string                `gorm:"size:100" json:"email"`
	Phone         string                `gorm:"size:20" json:"phone"`
	CreatedAt     time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted     soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

// Item is a produced line item. StandardId names the standard that governs
// its lab testing.
type Item struct {
	ID          int                   `gorm:"primary_key" json:"id"`
	ItemCode    string                `gorm:"size:100;not null;uniqueIndex" json:"item_code"`
	Description string                `gorm:"type:text" json:"description"`
	Unit        string                `gorm:"size:20" json:"unit"`
	StandardId  *int                  `gorm:"index" json:"standard_id"`
	CreatedAt   time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted   soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type PurchaseOrder struct {
	ID         int                   `gorm:"primary_key" json:"id"`
	PlantId    string                `gorm:"size:36;index;not null" json:"plant_id"`
	PoNumber   string                `gorm:"size:100;not null" json:"po_number"`
	CustomerId *int                  `gorm:"index" json:"customer_id"`
	OrderDate  *time.Time            `json:"order_date"`
	Status     string                `gorm:"type:enum('draft','approved','closed');default:draft" json:"status"`
	CreatedBy  int                   `json:"created_by"`
	UpdatedBy  int                   `json:"updated_by"`
	CreatedAt  time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted  soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Email     string    `gorm:"size:100;not null;uniqueIndex" json:"email"`
	FullName  string    `gorm:"size:100" json:"full_name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DisplayName is the name printed on certificates.
func (u *User) DisplayName() string {
	if u == nil || strings.TrimSpace(u.FullName) == "" {
		return "System"
	}
	return u.FullName
}

type Role struct {
	ID          int      `gorm:"primary_key" json:"id"`
	Name        RoleName `gorm:"type:enum('admin','qa','store');not null;uniqueIndex" json:"name"`
	Description string   `gorm:"size:255" json:"description"`
}

// UserRole assigns exactly one role in exactly one plant to a user.
type UserRole struct {
	ID      int    `gorm:"primary_key" json:"id"`
	UserId  int    `gorm:"not null;uniqueIndex" json:"user_id"`
	RoleId  int    `gorm:"not null;index" json:"role_id"`
	PlantId string `gorm:"size:36;not null;index" json:"plant_id"`
}

// ActorRole is the resolved identity of the caller.
type ActorRole struct {
	UserId   int      `json:"user_id"`
	UserName string   `json:"user_name"`
	Role     RoleName `json:"role"`
	PlantId  string   `json:"plant_id"`
}

/*
caches:
	Plant:$id
	ActorRole:$userId
	Customer:$id, Item:$id, PurchaseOrder:$id (expiring)
*/

// ResolveActor returns the single role/plant assignment of userId.
// Unknown, inactive or unassigned users are unauthorized.
func ResolveActor(ctx context.Context, userId int) (*ActorRole, error) {
	if userId <= 0 {
		return nil, utils.NewAuthorizationError("user id is required")
	}
	cached, err := utils.RetrieveRedis[ActorRole](ctx, userId)
	if err != nil {
		config.LogError(config.GetLogger(), "MasterData", "ResolveActor", "read cache", userId, err)
	}
	if cached != nil {
		return cached, nil
	}

	var actor ActorRole
	db := config.GetDB()
	err = db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id, u.full_name AS user_name, r.name AS role, ur.plant_id AS plant_id
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ? AND u.is_active = 1
		LIMIT 1`, userId).Scan(&actor).Error
	if err != nil {
		return nil, err
	}
	if actor.UserId == 0 || actor.PlantId == "" {
		return nil, utils.NewAuthorizationError("no plant or role assigned")
	}
	if !actor.Role.IsValid() {
		return nil, utils.NewAuthorizationError("unknown role " + string(actor.Role))
	}

	if err := utils.StoreRedis(ctx, &actor, userId); err != nil {
		config.LogError(config.GetLogger(), "MasterData", "ResolveActor", "write cache", userId, err)
	}
	return &actor, nil
}

func GetPlant(ctx context.Context, plantId string) (*Plant, error) {
	if strings.TrimSpace(plantId) == "" {
		return nil, utils.NewAppError(utils.ErrorKindPlantNotFound, "plant not found")
	}
	if cached, _ := utils.RetrieveRedis[Plant](ctx, plantId); cached != nil {
		return cached, nil
	}
	var plant Plant
	if err := config.GetDB().WithContext(ctx).Where("id = ?", plantId).First(&plant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewAppError(utils.ErrorKindPlantNotFound, "plant not found", plantId)
		}
		return nil, err
	}
	_ = utils.StoreRedis(ctx, &plant, plantId)
	return &plant, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	return getCachedById[Customer](ctx, id, "customer")
}

func GetItem(ctx context.Context, id int) (*Item, error) {
	return getCachedById[Item](ctx, id, "item")
}

func GetPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	po, err := getCachedById[PurchaseOrder](ctx, id, "purchase order")
	if err != nil {
		return nil, err
	}
	// cache hits bypass the plant guard
	if plantId, ok := utils.GetPlantIdFromContext(ctx); ok && plantId != "" && po.PlantId != plantId {
		return nil, utils.NewNotFoundError("purchase order")
	}
	return po, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {
	var user User
	if err := config.GetDB().WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

// first find in redis, then in db, cache result
func getCachedById[T any](ctx context.Context, id int, entity string) (*T, error) {
	result, err := utils.RetrieveRedis[T](ctx, id)
	if err != nil {
		config.LogError(config.GetLogger(), "MasterData", "getCachedById", "read cache "+entity, id, err)
	}
	if result != nil {
		return result, nil
	}
	result, err = utils.FetchSingleModel[T](ctx, id)
	if err != nil {
		return nil, notFound(err, entity)
	}
	if err := utils.StoreRedis(ctx, result, id); err != nil {
		config.LogError(config.GetLogger(), "MasterData", "getCachedById", "write cache "+entity, id, err)
	}
	return result, nil
}

type NewPlantAdmin struct {
	PlantName     string `json:"plant_name" validate:"required,max=200"`
	PlantLocation string `json:"plant_location" validate:"max=255"`
	Email         string `json:"email" validate:"required,email"`
	FullName      string `json:"full_name" validate:"required,max=100"`
}

// SeedPlantAdmin creates the role catalogue (if missing), a plant and its first admin.
func SeedPlantAdmin(ctx context.Context, input *NewPlantAdmin) (*Plant, *User, error) {
	if err := utils.ValidateInput(input); err != nil {
		return nil, nil, err
	}

	plant := Plant{ID: uuid.NewString(), Name: input.PlantName, Location: input.PlantLocation, IsActive: utils.NewTrue()}
	user := User{Email: strings.ToLower(strings.TrimSpace(input.Email)), FullName: input.FullName, IsActive: utils.NewTrue()}

	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := EnsureRoles(tx); err != nil {
			return err
		}
		if err := tx.Create(&plant).Error; err != nil {
			return err
		}
		if err := tx.Where("email = ?", user.Email).FirstOrCreate(&user).Error; err != nil {
			return err
		}
		var admin Role
		if err := tx.Where("name = ?", RoleNameAdmin).First(&admin).Error; err != nil {
			return err
		}
		assignment := UserRole{UserId: user.ID, RoleId: admin.ID, PlantId: plant.ID}
		if err := tx.Create(&assignment).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewValidationError("user %s already has a plant assignment", user.Email)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &plant, &user, nil
}

func EnsureRoles(tx *gorm.DB) error {
	for _, r := range []Role{
		{Name: RoleNameAdmin, Description: "plant administrator"},
		{Name: RoleNameQA, Description: "quality assurance, issues certificates"},
		{Name: RoleNameStore, Description: "stores and production entry"},
	} {
		role := r
		if err := tx.Where("name = ?", role.Name).FirstOrCreate(&role).Error; err != nil {
			return err
		}
	}
	return nil
}

// AssignUserRole grants userId the named role in plantId, replacing any earlier assignment.
func AssignUserRole(ctx context.Context, userId int, plantId string, roleName RoleName) error {
	if !roleName.IsValid() {
		return utils.NewValidationError("invalid role %s", roleName)
	}
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role Role
		if err := tx.Where("name = ?", roleName).First(&role).Error; err != nil {
			return notFound(err, "role")
		}
		if err := tx.Where("user_id = ?", userId).Delete(&UserRole{}).Error; err != nil {
			return err
		}
		return tx.Create(&UserRole{UserId: userId, RoleId: role.ID, PlantId: plantId}).Error
	})
	if err != nil {
		return err
	}
	return utils.RemoveRedisItem[ActorRole](ctx, userId)
}
