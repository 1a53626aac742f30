package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"github.com/sirupsen/logrus"
)

// PubSubNotificationSink publishes one message per notification to
// NOTIFICATION_TOPIC. Push delivery to devices happens downstream.
type PubSubNotificationSink struct {
	Logger *logrus.Logger
}

func NewPubSubNotificationSink() *PubSubNotificationSink {
	return &PubSubNotificationSink{Logger: config.GetLogger()}
}

func (s *PubSubNotificationSink) Notify(ctx context.Context, userIds []int, n Notification) error {
	id, err := config.PublishNotification(ctx, config.NotificationMessage{
		UserIds:       userIds,
		Type:          string(n.Type),
		Title:         n.Title,
		Message:       n.Message,
		ReferenceId:   n.ReferenceId,
		StoreId:       n.StoreId,
		CorrelationId: n.CorrelationId,
	})
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":          "PubSubNotificationSink",
			"message_id":     id,
			"reference_id":   n.ReferenceId,
			"correlation_id": n.CorrelationId,
		}).Debug("notification published")
	}
	return nil
}
