package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Leganyst/reservation-core/internal/model"
)

type ResourceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Resource, error)
	// Получить ресурс с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Resource, error)
	Create(ctx context.Context, r *model.Resource) error
	// Поднять версию, если она не изменилась с момента чтения.
	BumpVersion(ctx context.Context, id uuid.UUID, version int64) (bool, error)
	// Сменить ёмкость с проверкой версии.
	UpdateCapacity(ctx context.Context, id uuid.UUID, version int64, capacity int) (bool, error)
}

// Реализация на GORM.
type GormResourceRepository struct {
	db *gorm.DB
}

func NewGormResourceRepository(db *gorm.DB) *GormResourceRepository {
	return &GormResourceRepository{db: db}
}

// WithTx возвращает репозиторий, работающий внутри транзакции tx.
func (r *GormResourceRepository) WithTx(tx *gorm.DB) *GormResourceRepository {
	return &GormResourceRepository{db: tx}
}

func (r *GormResourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	var res model.Resource
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *GormResourceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	var res model.Resource
	// SQLite не поддерживает FOR UPDATE, диалект просто опускает клаузу.
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *GormResourceRepository) Create(ctx context.Context, res *model.Resource) error {
	return r.db.WithContext(ctx).Create(res).Error
}

func (r *GormResourceRepository) BumpVersion(ctx context.Context, id uuid.UUID, version int64) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&model.Resource{}).
		Where("id = ? AND version = ?", id, version).
		Update("version", gorm.Expr("version + 1"))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *GormResourceRepository) UpdateCapacity(ctx context.Context, id uuid.UUID, version int64, capacity int) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&model.Resource{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]any{
			"capacity": capacity,
			"version":  gorm.Expr("version + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}
