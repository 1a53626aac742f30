package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
)

// TicketRepository is the ticket store the workflow drives.
// models.RecoveryTicketRepository implements it on gorm.
type TicketRepository interface {
	Create(ctx context.Context, ticket *models.RecoveryTicket, event models.RecoveryTicketEvent, notifications []models.NotificationRecord) error
	Get(ctx context.Context, id int) (*models.RecoveryTicket, error)
	Transition(ctx context.Context, t models.TicketTransition) (*models.RecoveryTicket, error)
	List(ctx context.Context, filter models.TicketFilter) (*models.TicketPage, error)
	Events(ctx context.Context, ticketId int) ([]models.RecoveryTicketEvent, error)
}

// ProductCatalog maps barcodes to product ids. Unknown barcodes are absent
// from the result rather than an error.
type ProductCatalog interface {
	ResolveProductIds(ctx context.Context, barcodes []string) (map[string]int, error)
}

type Notification struct {
	Type          models.NotificationType
	Title         string
	Message       string
	ReferenceId   int
	StoreId       string
	CorrelationId string
}

type NotificationSink interface {
	Notify(ctx context.Context, userIds []int, n Notification) error
}

// IdempotencyStore records the outcome of a keyed batch so a retry can
// return it instead of repeating the work.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (prior *string, skip bool, err error)
	MarkSucceeded(ctx context.Context, scope, key string, result string) error
	MarkFailed(ctx context.Context, scope, key string, cause error) error
}
