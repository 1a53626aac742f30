package models

import (
	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"gorm.io/gorm"
)

func AllModels() []interface{} {
	return []interface{}{
		&RecoveryTicket{}, &RecoveryTicketEvent{},
		&NotificationRecord{},
		&StoreEmployee{},
		&Product{},
		&IdempotencyKey{},
	}
}

// MigrateTable auto-migrates every table this service owns on db, or on the
// global connection when db is nil.
func MigrateTable(db *gorm.DB) error {
	if db == nil {
		db = config.GetDB()
	}
	return db.AutoMigrate(AllModels()...)
}
