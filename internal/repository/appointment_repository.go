package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/model"
)

type AppointmentRepository interface {
	// Создать новую запись.
	Create(ctx context.Context, a *model.Appointment) error
	// Получить запись по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	// Активные записи ресурса, пересекающиеся с [from, to).
	ListActiveOverlapping(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]model.Appointment, error)
	// Сохранить изменения, если версия не изменилась. Версия растёт на единицу.
	UpdateVersioned(ctx context.Context, a *model.Appointment, updates map[string]any) (bool, error)
	// Список записей клиента за период с пагинацией.
	ListByCustomerAndRange(ctx context.Context, customerID string, from, to time.Time, limit, offset int) ([]model.Appointment, int64, error)
	// PENDING-записи с истёкшим окном подтверждения.
	ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	// CONFIRMED-записи, закончившиеся к моменту now.
	ListConfirmedEnded(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	// CONFIRMED-записи, начинающиеся в [from, to) без отправленного напоминания.
	ListConfirmedStartingWithoutReminder(ctx context.Context, from, to time.Time, limit int) ([]model.Appointment, error)
}

// Реализация на GORM.
type GormAppointmentRepository struct {
	db *gorm.DB
}

func NewGormAppointmentRepository(db *gorm.DB) *GormAppointmentRepository {
	return &GormAppointmentRepository{db: db}
}

// WithTx возвращает репозиторий, работающий внутри транзакции tx.
func (r *GormAppointmentRepository) WithTx(tx *gorm.DB) *GormAppointmentRepository {
	return &GormAppointmentRepository{db: tx}
}

func (r *GormAppointmentRepository) Create(ctx context.Context, a *model.Appointment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *GormAppointmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	var a model.Appointment
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *GormAppointmentRepository) ListActiveOverlapping(
	ctx context.Context,
	resourceID uuid.UUID,
	from, to time.Time,
) ([]model.Appointment, error) {
	var out []model.Appointment
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND status IN ?", resourceID, model.ActiveStatuses).
		Where("starts_at < ? AND ends_at > ?", to, from). // условие пересечения
		Order("starts_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *GormAppointmentRepository) UpdateVersioned(
	ctx context.Context,
	a *model.Appointment,
	updates map[string]any,
) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	tx := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *GormAppointmentRepository) ListByCustomerAndRange(
	ctx context.Context,
	customerID string,
	from, to time.Time,
	limit, offset int,
) ([]model.Appointment, int64, error) {
	var (
		appointments []model.Appointment
		total        int64
	)

	q := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("customer_id = ?", customerID).
		Where("starts_at >= ? AND starts_at < ?", from, to)

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}

	if err := q.Order("starts_at ASC").Find(&appointments).Error; err != nil {
		return nil, 0, err
	}

	return appointments, total, nil
}

func (r *GormAppointmentRepository) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	var out []model.Appointment
	err := r.db.WithContext(ctx).
		Where("status = ? AND confirm_by <= ?", model.AppointmentStatusPending, now).
		Order("confirm_by ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *GormAppointmentRepository) ListConfirmedEnded(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	var out []model.Appointment
	err := r.db.WithContext(ctx).
		Where("status = ? AND ends_at <= ?", model.AppointmentStatusConfirmed, now).
		Order("ends_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *GormAppointmentRepository) ListConfirmedStartingWithoutReminder(
	ctx context.Context,
	from, to time.Time,
	limit int,
) ([]model.Appointment, error) {
	var out []model.Appointment
	err := r.db.WithContext(ctx).
		Where("status = ? AND reminder_sent_at IS NULL", model.AppointmentStatusConfirmed).
		Where("starts_at >= ? AND starts_at < ?", from, to).
		Order("starts_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
