package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RecoveryWorkflow applies the recovery ticket lifecycle. Every mutation goes
// through transition, which checks the transition table and then issues one
// conditional update; notifications ride along as outbox rows.
type RecoveryWorkflow struct {
	Tickets TicketRepository
	Logger  *logrus.Logger
	Now     func() time.Time
}

func NewRecoveryWorkflow(tickets TicketRepository) *RecoveryWorkflow {
	return &RecoveryWorkflow{
		Tickets: tickets,
		Logger:  config.GetLogger(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func actorFromContext(ctx context.Context) (int, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId <= 0 {
		return 0, models.ErrMissingActor
	}
	return userId, nil
}

func (w *RecoveryWorkflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *RecoveryWorkflow) Create(ctx context.Context, input models.NewRecoveryTicket) (*models.RecoveryTicket, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ticket, err := models.BuildRecoveryTicket(input, actor, w.now())
	if err != nil {
		return nil, err
	}

	event := models.RecoveryTicketEvent{
		Action:   models.TicketActionCreate,
		ToStatus: models.RecoveryTicketStatusPending,
		ActorId:  actor,
		Note:     ticket.Reason,
	}
	notice := models.NewStoreNotification(ctx,
		models.NotificationTypeTicketCreated,
		"New recovery ticket",
		fmt.Sprintf("A recovery ticket for %s (qty %d) was opened at store %s", productLabel(ticket), ticket.Quantity, ticket.StoreId),
		0, ticket.StoreId, actor,
	)

	if err := w.Tickets.Create(ctx, ticket, event, []models.NotificationRecord{notice}); err != nil {
		config.LogError(w.Logger, "RecoveryWorkflow", "Create", ticket.StoreId, input, err)
		return nil, err
	}
	return ticket, nil
}

func (w *RecoveryWorkflow) Approve(ctx context.Context, id int, notes string) (*models.RecoveryTicket, error) {
	return w.transition(ctx, id, models.TicketActionApprove, models.RecoveryTicketStatusApproved, strings.TrimSpace(notes),
		func(actor int, now time.Time, _ *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			return models.TicketPatch{ApprovedBy: &actor, ApprovedAt: &now}, nil
		})
}

func (w *RecoveryWorkflow) Reject(ctx context.Context, id int, reason string) (*models.RecoveryTicket, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}
	return w.transition(ctx, id, models.TicketActionReject, models.RecoveryTicketStatusRejected, reason,
		func(actor int, now time.Time, _ *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			return models.TicketPatch{RejectedBy: &actor, RejectedAt: &now, RejectionReason: &reason}, nil
		})
}

func (w *RecoveryWorkflow) MarkInProgress(ctx context.Context, id int) (*models.RecoveryTicket, error) {
	return w.transition(ctx, id, models.TicketActionInProgress, models.RecoveryTicketStatusInProgress, "",
		func(_ int, now time.Time, _ *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			return models.TicketPatch{InProgressAt: &now}, nil
		})
}

// MarkRecovered closes the ticket with the amount actually collected. A nil
// amount means the full total was recovered.
func (w *RecoveryWorkflow) MarkRecovered(ctx context.Context, id int, recoveredAmount *decimal.Decimal) (*models.RecoveryTicket, error) {
	if recoveredAmount != nil && recoveredAmount.IsNegative() {
		return nil, models.NewValidationError("recoveredAmount", "must not be negative")
	}
	note := ""
	if recoveredAmount != nil {
		note = "recovered " + recoveredAmount.String()
	}
	return w.transition(ctx, id, models.TicketActionRecover, models.RecoveryTicketStatusRecovered, note,
		func(_ int, now time.Time, current *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			amount := current.TotalAmount
			if recoveredAmount != nil {
				amount = *recoveredAmount
			}
			return models.TicketPatch{RecoveredAt: &now, RecoveredAmount: &amount}, nil
		})
}

func (w *RecoveryWorkflow) Cancel(ctx context.Context, id int) (*models.RecoveryTicket, error) {
	return w.transition(ctx, id, models.TicketActionCancel, models.RecoveryTicketStatusCancelled, "",
		func(actor int, now time.Time, _ *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			return models.TicketPatch{CancelledBy: &actor, CancelledAt: &now}, nil
		})
}

// Assign sets or replaces the assignee without changing the status.
func (w *RecoveryWorkflow) Assign(ctx context.Context, id int, userId int) (*models.RecoveryTicket, error) {
	if userId <= 0 {
		return nil, models.NewValidationError("userId", "is required")
	}
	return w.transition(ctx, id, models.TicketActionAssign, "", fmt.Sprintf("assigned to %d", userId),
		func(_ int, _ time.Time, current *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord) {
			notice := models.NewUserNotification(ctx,
				models.NotificationTypeTicketAssigned,
				"Recovery ticket assigned",
				fmt.Sprintf("Recovery ticket #%d for %s at store %s was assigned to you", current.ID, productLabel(current), current.StoreId),
				current.ID, userId,
			)
			return models.TicketPatch{AssignedTo: &userId}, []models.NotificationRecord{notice}
		})
}

func (w *RecoveryWorkflow) Get(ctx context.Context, id int) (*models.RecoveryTicket, error) {
	return w.Tickets.Get(ctx, id)
}

func (w *RecoveryWorkflow) List(ctx context.Context, filter models.TicketFilter) (*models.TicketPage, error) {
	return w.Tickets.List(ctx, filter)
}

func (w *RecoveryWorkflow) Events(ctx context.Context, id int) ([]models.RecoveryTicketEvent, error) {
	return w.Tickets.Events(ctx, id)
}

type patchFunc func(actor int, now time.Time, current *models.RecoveryTicket) (models.TicketPatch, []models.NotificationRecord)

// transition is the single apply routine. to is empty for actions that keep
// the status; those may start from any non-terminal status.
func (w *RecoveryWorkflow) transition(ctx context.Context, id int, action models.TicketAction, to models.RecoveryTicketStatus, note string, build patchFunc) (*models.RecoveryTicket, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	current, err := w.Tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sources := models.SourcesFor(to)
	if to == "" {
		sources = models.NonTerminalStatuses()
	}
	if !statusIn(current.Status, sources) {
		return nil, &models.TransitionError{From: current.Status, To: to, Action: action}
	}

	now := w.now()
	patch, notifications := build(actor, now, current)
	patch.Status = to

	toStatus := to
	if toStatus == "" {
		toStatus = current.Status
	}
	updated, err := w.Tickets.Transition(ctx, models.TicketTransition{
		TicketId: id,
		Action:   action,
		Sources:  sources,
		Patch:    patch,
		Event: models.RecoveryTicketEvent{
			Action:     action,
			FromStatus: current.Status,
			ToStatus:   toStatus,
			ActorId:    actor,
			Note:       note,
		},
		Notifications: notifications,
	})
	if err != nil {
		if w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"module":   "RecoveryWorkflow",
				"funcName": "transition",
				"ticketId": id,
				"action":   action,
				"actor":    actor,
			}).Warn(err.Error())
		}
		return nil, err
	}
	return updated, nil
}

func statusIn(s models.RecoveryTicketStatus, set []models.RecoveryTicketStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func productLabel(t *models.RecoveryTicket) string {
	switch {
	case t.ProductName != "" && t.Barcode != "":
		return fmt.Sprintf("%s (%s)", t.ProductName, t.Barcode)
	case t.ProductName != "":
		return t.ProductName
	case t.Barcode != "":
		return t.Barcode
	case t.ProductId != nil:
		return fmt.Sprintf("product #%d", *t.ProductId)
	}
	return "unknown product"
}
