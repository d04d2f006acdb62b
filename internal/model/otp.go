package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// otp_challenges — одноразовые коды подтверждения.
type OTPChallenge struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	SubjectEmail string `gorm:"type:varchar(255);not null;index"`

	// bcrypt-хеш шестизначного кода, сам код не храним.
	CodeHash string `gorm:"type:varchar(255);not null"`

	IssuedAt  time.Time `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null"`

	// Не nil — код использован или аннулирован.
	ConsumedAt *time.Time

	Attempts int `gorm:"not null;default:0"`
}

func (c *OTPChallenge) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (c *OTPChallenge) Consumed() bool { return c.ConsumedAt != nil }
