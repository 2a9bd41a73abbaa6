package store

import (
	"context"
	"errors"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
)

type Role interface {
	List(ctx context.Context) ([]model.Role, error)
	GetByName(ctx context.Context, name string) (*model.Role, error)
}

type RoleStore struct {
	db *gorm.DB
}

func NewRoleStore(db *gorm.DB) Role {
	return &RoleStore{db: db}
}

func (r *RoleStore) List(ctx context.Context) ([]model.Role, error) {
	var roles []model.Role
	if err := getDB(ctx, r.db).Order("id").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *RoleStore) GetByName(ctx context.Context, name string) (*model.Role, error) {
	var role model.Role
	if err := getDB(ctx, r.db).Where("name = ?", name).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &role, nil
}

type User interface {
	Get(ctx context.Context, id uint) (*model.User, error)
	GetByAuthSubject(ctx context.Context, subject string) (*model.User, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
	Create(ctx context.Context, user model.User) (*model.User, error)
	UpdateRole(ctx context.Context, id uint, roleID uint) error
}

type UserStore struct {
	db *gorm.DB
}

var _ User = (*UserStore)(nil)

func NewUserStore(db *gorm.DB) User {
	return &UserStore{db: db}
}

func (u *UserStore) Get(ctx context.Context, id uint) (*model.User, error) {
	return u.first(ctx, "id = ?", id)
}

func (u *UserStore) GetByAuthSubject(ctx context.Context, subject string) (*model.User, error) {
	return u.first(ctx, "auth_subject = ?", subject)
}

func (u *UserStore) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	return u.first(ctx, "api_key = ?", apiKey)
}

func (u *UserStore) Create(ctx context.Context, user model.User) (*model.User, error) {
	if err := getDB(ctx, u.db).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &user, nil
}

// UpdateRole changes the role of a user. It is the only mutation a user record allows.
func (u *UserStore) UpdateRole(ctx context.Context, id uint, roleID uint) error {
	result := getDB(ctx, u.db).Model(&model.User{}).Where("id = ?", id).Update("role_id", roleID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (u *UserStore) first(ctx context.Context, query string, args ...any) (*model.User, error) {
	var user model.User
	if err := getDB(ctx, u.db).Preload("Role").Where(query, args...).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}
