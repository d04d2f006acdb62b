package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
)

// ActiveStatuses — статусы, занимающие ёмкость ресурса.
var ActiveStatuses = []AppointmentStatus{AppointmentStatusPending, AppointmentStatusConfirmed}

// Terminal сообщает, что из статуса переходов больше нет.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentStatusCancelled || s == AppointmentStatusCompleted
}

// appointments — записи никогда не удаляются, терминальные статусы остаются для истории.
type Appointment struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	ResourceID uuid.UUID `gorm:"type:uuid;not null;index:idx_appointments_resource_window,priority:1"`
	ServiceID  uuid.UUID `gorm:"type:uuid;not null;index"`

	CustomerID    string `gorm:"type:varchar(255);not null;index"`
	CustomerEmail string `gorm:"type:varchar(255)"`

	StartsAt time.Time `gorm:"not null;index:idx_appointments_resource_window,priority:2"`
	EndsAt   time.Time `gorm:"not null"`

	// Сколько единиц ёмкости занимает запись.
	Units int `gorm:"not null;default:1"`

	Status AppointmentStatus `gorm:"type:varchar(32);not null;index"`

	// Крайний срок подтверждения PENDING-записи.
	ConfirmBy time.Time `gorm:"not null;index"`

	ConfirmedAt    *time.Time
	CancelledAt    *time.Time
	CompletedAt    *time.Time
	ReminderSentAt *time.Time

	CancelReason string `gorm:"type:text"`

	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Resource *Resource `gorm:"foreignKey:ResourceID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Service  *Service  `gorm:"foreignKey:ServiceID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (a *Appointment) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (a *Appointment) Duration() time.Duration {
	return a.EndsAt.Sub(a.StartsAt)
}
