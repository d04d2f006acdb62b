package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Тип события аудита.
type AuditEventType string

const (
	AuditAppointmentCreated   AuditEventType = "appointment_created"
	AuditAppointmentConfirmed AuditEventType = "appointment_confirmed"
	AuditAppointmentCancelled AuditEventType = "appointment_cancelled"
	AuditAppointmentExpired   AuditEventType = "appointment_expired"
	AuditAppointmentCompleted AuditEventType = "appointment_completed"
	AuditCapacityChanged      AuditEventType = "capacity_changed"
)

// audit_entries — журнал переходов. Это история, а не очередь доставки:
// клиентские события эфемерны и здесь не хранятся.
type AuditEntry struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	EventType AuditEventType `gorm:"type:varchar(64);not null;index"`

	CreatedAt time.Time `gorm:"not null;index"`

	ActorID       string     `gorm:"type:varchar(255);index"`
	AppointmentID *uuid.UUID `gorm:"type:uuid;index"`
	ResourceID    *uuid.UUID `gorm:"type:uuid;index"`

	Details datatypes.JSON `gorm:"type:jsonb"`
}

func (e *AuditEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
