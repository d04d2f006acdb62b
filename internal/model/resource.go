package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resource — ограниченный ресурс (сотрудник, кабинет), на который записываются клиенты.
type Resource struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Label string `gorm:"type:varchar(255);not null"`

	// Сколько записей ресурс обслуживает одновременно, >= 1.
	Capacity int `gorm:"not null;default:1"`

	// Версия для оптимистичной блокировки: растёт при каждом допуске,
	// освобождении и смене ёмкости.
	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Appointments []Appointment `gorm:"foreignKey:ResourceID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (r *Resource) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
