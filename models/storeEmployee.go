package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// StoreEmployee links a user to the store they work at.
type StoreEmployee struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StoreId   string    `gorm:"size:64;not null;index:uniq_store_employee,unique" json:"storeId"`
	UserId    int       `gorm:"not null;index:uniq_store_employee,unique" json:"userId"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// ActiveStoreEmployeeIds returns the user ids working at storeId, ascending.
func ActiveStoreEmployeeIds(ctx context.Context, db *gorm.DB, storeId string) ([]int, error) {
	var ids []int
	err := db.WithContext(ctx).
		Model(&StoreEmployee{}).
		Where("store_id = ? AND active = ?", storeId, true).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
