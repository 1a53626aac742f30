package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationRecord is a transactional outbox row. It is written with the
// ticket mutation and delivered after commit by the notification dispatcher.
// Recipients are RecipientIds when set, otherwise the active employees of
// StoreId minus ExcludeUserId.
type NotificationRecord struct {
	ID            int              `gorm:"primary_key;index:idx_notification_dispatch,priority:3" json:"id"`
	Type          NotificationType `gorm:"size:50;not null" json:"type"`
	Title         string           `gorm:"size:255;not null" json:"title"`
	Message       string           `gorm:"type:text" json:"message"`
	ReferenceId   int              `gorm:"index" json:"referenceId"`
	StoreId       string           `gorm:"size:64;index" json:"storeId"`
	RecipientIds  string           `gorm:"type:text" json:"recipientIds"`
	ExcludeUserId *int             `json:"excludeUserId"`
	CorrelationId string           `gorm:"size:64;index" json:"correlationId"`
	// Publish metadata (set by the dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_notification_dispatch,priority:1" json:"publishStatus"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"publishedAt"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publishAttempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_notification_dispatch,priority:2" json:"nextAttemptAt"`
	LockedAt         *time.Time `gorm:"index" json:"lockedAt"`
	LockedBy         *string    `gorm:"size:100" json:"lockedBy"`
	LastPublishError *string    `gorm:"type:text" json:"lastPublishError"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func NewStoreNotification(ctx context.Context, typ NotificationType, title, message string, ticketId int, storeId string, exclude int) NotificationRecord {
	rec := NotificationRecord{
		Type:          typ,
		Title:         title,
		Message:       message,
		ReferenceId:   ticketId,
		StoreId:       storeId,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if exclude > 0 {
		rec.ExcludeUserId = &exclude
	}
	return rec
}

func NewUserNotification(ctx context.Context, typ NotificationType, title, message string, ticketId int, userIds ...int) NotificationRecord {
	ids, _ := json.Marshal(userIds)
	return NotificationRecord{
		Type:          typ,
		Title:         title,
		Message:       message,
		ReferenceId:   ticketId,
		RecipientIds:  string(ids),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
}

// ExplicitRecipients decodes RecipientIds. ok is false for store fan-out rows.
func (n NotificationRecord) ExplicitRecipients() (ids []int, ok bool) {
	if n.RecipientIds == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(n.RecipientIds), &ids); err != nil {
		return nil, false
	}
	return ids, true
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ReplayNotifications moves rows in the given statuses back to FAILED with an
// immediate retry and a fresh attempt budget. It returns the number of rows moved.
func ReplayNotifications(ctx context.Context, db *gorm.DB, statuses []string, ids []int) (int64, error) {
	if db == nil {
		db = config.GetDB()
	}
	now := time.Now().UTC()
	q := db.WithContext(utils.SetSkipStoreScopeInContext(ctx, true)).
		Model(&NotificationRecord{}).
		Where("publish_status IN ?", statuses)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":   OutboxPublishStatusFailed,
		"publish_attempts": 0,
		"next_attempt_at":  &now,
		"locked_at":        nil,
		"locked_by":        nil,
	})
	return res.RowsAffected, res.Error
}
