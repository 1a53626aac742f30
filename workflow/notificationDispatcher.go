package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxNotificationBackoff = 10 * time.Minute

// NotificationDispatcher delivers outbox notification rows to a sink after
// the ticket transaction that wrote them has committed.
type NotificationDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	Sink         NotificationSink

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewNotificationDispatcher(db *gorm.DB, sink NotificationSink, logger *logrus.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		Sink:           sink,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *NotificationDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && d.Logger != nil && ctx.Err() == nil {
			d.Logger.WithFields(logrus.Fields{
				"field":         "NotificationDispatcher",
				"dispatcher_id": d.DispatcherID,
			}).Error("notification claim failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and delivers it. It returns the number of
// rows it attempted to deliver.
func (d *NotificationDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Sink == nil {
		return 0, nil
	}
	// Outbox rows belong to every store; the dispatcher is not a store user.
	ctx = utils.SetSkipStoreScopeInContext(ctx, true)
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.NotificationRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.batchSize()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		attempted++
		if err := d.deliver(ctx, rec); err != nil {
			d.markFailed(ctx, rec, err)
			continue
		}
		d.markSent(ctx, rec.ID)
	}
	return attempted, nil
}

func (d *NotificationDispatcher) deliver(ctx context.Context, rec models.NotificationRecord) error {
	userIds, err := d.recipients(ctx, rec)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(userIds) == 0 {
		return nil
	}
	return d.Sink.Notify(ctx, userIds, Notification{
		Type:          rec.Type,
		Title:         rec.Title,
		Message:       rec.Message,
		ReferenceId:   rec.ReferenceId,
		StoreId:       rec.StoreId,
		CorrelationId: rec.CorrelationId,
	})
}

func (d *NotificationDispatcher) recipients(ctx context.Context, rec models.NotificationRecord) ([]int, error) {
	if ids, ok := rec.ExplicitRecipients(); ok {
		return filterRecipients(ids, 0), nil
	}
	if rec.StoreId == "" {
		return nil, nil
	}
	ids, err := models.ActiveStoreEmployeeIds(ctx, d.DB, rec.StoreId)
	if err != nil {
		return nil, err
	}
	exclude := 0
	if rec.ExcludeUserId != nil {
		exclude = *rec.ExcludeUserId
	}
	return filterRecipients(ids, exclude), nil
}

// filterRecipients drops non-positive ids, duplicates and the excluded user,
// keeping first-seen order.
func filterRecipients(ids []int, exclude int) []int {
	out := make([]int, 0, len(ids))
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 || id == exclude {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (d *NotificationDispatcher) markSent(ctx context.Context, recordID int) {
	now := time.Now().UTC()
	err := d.DB.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":  models.OutboxPublishStatusSent,
			"published_at":    &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
	if err != nil && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":     "NotificationDispatcher",
			"record_id": recordID,
		}).Error("mark notification sent: " + err.Error())
	}
}

func (d *NotificationDispatcher) markFailed(ctx context.Context, rec models.NotificationRecord, cause error) {
	db := d.DB.WithContext(ctx)
	msg := cause.Error()
	attempt := rec.PublishAttempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = db.Model(&models.NotificationRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":          "NotificationDispatcher",
				"record_id":      rec.ID,
				"store_id":       rec.StoreId,
				"correlation_id": rec.CorrelationId,
				"attempt":        attempt,
			}).Error("notification moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := time.Now().UTC().Add(nextBackoff(d.InitialBackoff, attempt))
	_ = db.Model(&models.NotificationRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "NotificationDispatcher",
			"record_id":       rec.ID,
			"store_id":        rec.StoreId,
			"correlation_id":  rec.CorrelationId,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("notification delivery failed: " + msg)
	}
}

// nextBackoff doubles initial per prior attempt, capped at ten minutes.
func nextBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxNotificationBackoff {
			return maxNotificationBackoff
		}
	}
	if backoff > maxNotificationBackoff {
		return maxNotificationBackoff
	}
	return backoff
}

func (d *NotificationDispatcher) batchSize() int {
	if d.BatchSize <= 0 {
		return 50
	}
	return d.BatchSize
}
