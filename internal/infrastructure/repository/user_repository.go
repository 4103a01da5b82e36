package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/auth"
	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

type UserRepository struct {
	db     *gorm.DB
	hasher *auth.PasswordHasher
	log    logger.Interface
}

func NewUserRepository(db *gorm.DB, hasher *auth.PasswordHasher, log logger.Interface) *UserRepository {
	return &UserRepository{db: db, hasher: hasher, log: log.Named("users")}
}

func userFromModel(m *models.UserModel) *registry.User {
	return &registry.User{
		ID:             m.ID,
		Username:       m.Username,
		HashedPassword: m.HashedPassword,
		IsActive:       m.IsActive,
	}
}

// Create registers an admin account. A taken username is a conflict.
func (r *UserRepository) Create(ctx context.Context, username, password string) (*registry.User, error) {
	var existing models.UserModel
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if err == nil {
		return nil, apperrors.NewConflictError(fmt.Sprintf("username %s already exists", username))
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("check username: %w", err)
	}

	hashed, err := r.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	row := models.UserModel{
		ID:             uuid.NewString(),
		Username:       username,
		HashedPassword: hashed,
		IsActive:       true,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return userFromModel(&row), nil
}

func (r *UserRepository) Load(ctx context.Context, username string) (*registry.User, error) {
	var row models.UserModel
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return userFromModel(&row), nil
}

// LoadSuperuser returns the oldest active account, nil when none exist.
func (r *UserRepository) LoadSuperuser(ctx context.Context) (*registry.User, error) {
	var row models.UserModel
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load superuser: %w", err)
	}
	return userFromModel(&row), nil
}

func (r *UserRepository) CheckPassword(user *registry.User, password string) bool {
	return user != nil && user.IsActive && r.hasher.Verify(user.HashedPassword, password)
}

// Reset deletes every admin account.
func (r *UserRepository) Reset(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.UserModel{}).Error; err != nil {
		return fmt.Errorf("reset users: %w", err)
	}
	return nil
}
