package model

import "gorm.io/gorm"

// AutoMigrate выполняет миграцию всех сущностей ядра бронирования.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Resource{},
		&Service{},
		&Appointment{},
		&OTPChallenge{},
		&AuditEntry{},
	)
}
