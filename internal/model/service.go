package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// services
type Service struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"type:varchar(255);not null"`
	Description string `gorm:"type:text"`

	// Длительность записи в минутах.
	DurationMin int64 `gorm:"type:bigint;not null"`

	// Требуется ли подтверждение одноразовым кодом.
	RequiresOTP bool `gorm:"not null;default:false"`

	// Окно подтверждения в минутах; nil — берём глобальное из конфига.
	ConfirmWindowMin *int64 `gorm:"type:bigint"`

	IsActive bool `gorm:"not null;default:true;index"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (s *Service) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *Service) Duration() time.Duration {
	return time.Duration(s.DurationMin) * time.Minute
}

// ConfirmWindow возвращает окно подтверждения услуги или def, если оно не задано.
func (s *Service) ConfirmWindow(def time.Duration) time.Duration {
	if s.ConfirmWindowMin == nil || *s.ConfirmWindowMin <= 0 {
		return def
	}
	return time.Duration(*s.ConfirmWindowMin) * time.Minute
}
