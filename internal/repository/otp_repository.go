package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/model"
)

type OTPRepository interface {
	Create(ctx context.Context, c *model.OTPChallenge) error
	// Последний выданный субъекту код (в любом состоянии).
	Latest(ctx context.Context, email string) (*model.OTPChallenge, error)
	// Последний неиспользованный код субъекта.
	LatestLive(ctx context.Context, email string) (*model.OTPChallenge, error)
	// Аннулировать все неиспользованные коды субъекта.
	InvalidateLive(ctx context.Context, email string, at time.Time) error
	// Пометить код использованным; false — его уже использовали.
	Consume(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Увеличить счётчик попыток и вернуть новое значение.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

type GormOTPRepository struct {
	db *gorm.DB
}

func NewGormOTPRepository(db *gorm.DB) *GormOTPRepository {
	return &GormOTPRepository{db: db}
}

func (r *GormOTPRepository) WithTx(tx *gorm.DB) *GormOTPRepository {
	return &GormOTPRepository{db: tx}
}

func (r *GormOTPRepository) Create(ctx context.Context, c *model.OTPChallenge) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormOTPRepository) Latest(ctx context.Context, email string) (*model.OTPChallenge, error) {
	var c model.OTPChallenge
	err := r.db.WithContext(ctx).
		Where("subject_email = ?", email).
		Order("issued_at DESC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormOTPRepository) LatestLive(ctx context.Context, email string) (*model.OTPChallenge, error) {
	var c model.OTPChallenge
	err := r.db.WithContext(ctx).
		Where("subject_email = ? AND consumed_at IS NULL", email).
		Order("issued_at DESC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormOTPRepository) InvalidateLive(ctx context.Context, email string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OTPChallenge{}).
		Where("subject_email = ? AND consumed_at IS NULL", email).
		Update("consumed_at", at).
		Error
}

func (r *GormOTPRepository) Consume(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&model.OTPChallenge{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", at)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *GormOTPRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	db := r.db.WithContext(ctx)
	if err := db.Model(&model.OTPChallenge{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return 0, err
	}
	var c model.OTPChallenge
	if err := db.Select("attempts").First(&c, "id = ?", id).Error; err != nil {
		return 0, err
	}
	return c.Attempts, nil
}
