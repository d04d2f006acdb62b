package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/model"
)

type AuditRepository interface {
	Record(ctx context.Context, entry *model.AuditEntry, details any) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]model.AuditEntry, error)
}

type GormAuditRepository struct {
	db *gorm.DB
}

func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) WithTx(tx *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: tx}
}

// Record сохраняет запись журнала; details сериализуется в JSON.
func (r *GormAuditRepository) Record(ctx context.Context, entry *model.AuditEntry, details any) error {
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		entry.Details = datatypes.JSON(b)
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormAuditRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
