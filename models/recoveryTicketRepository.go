package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TicketTransition is one conditional status change. The update only applies
// while the ticket's status is one of Sources.
type TicketTransition struct {
	TicketId      int
	Action        TicketAction
	Sources       []RecoveryTicketStatus
	Patch         TicketPatch
	Event         RecoveryTicketEvent
	Notifications []NotificationRecord
}

type TicketFilter struct {
	StoreId     string
	Statuses    []RecoveryTicketStatus
	CreatedBy   *int
	AssignedTo  *int
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Search      string
	After       *string
	Limit       int
}

type TicketPage struct {
	Tickets  []RecoveryTicket `json:"tickets"`
	PageInfo PageInfo         `json:"pageInfo"`
}

// RecoveryTicketRepository persists tickets, their event log and their
// outbox notifications on gorm.
type RecoveryTicketRepository struct {
	DB *gorm.DB
}

func NewRecoveryTicketRepository(db *gorm.DB) *RecoveryTicketRepository {
	if db == nil {
		db = config.GetDB()
	}
	return &RecoveryTicketRepository{DB: db}
}

// Create inserts the ticket, its CREATE event and its notifications in one transaction.
func (r *RecoveryTicketRepository) Create(ctx context.Context, ticket *RecoveryTicket, event RecoveryTicketEvent, notifications []NotificationRecord) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return err
		}
		event.TicketId = ticket.ID
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		return createNotifications(tx, ticket.ID, notifications)
	})
}

func (r *RecoveryTicketRepository) Get(ctx context.Context, id int) (*RecoveryTicket, error) {
	var ticket RecoveryTicket
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&ticket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// Transition applies t as a single UPDATE ... WHERE id = ? AND status IN (?).
// The row is read under a row lock first so the event records the status the
// update actually left.
func (r *RecoveryTicketRepository) Transition(ctx context.Context, t TicketTransition) (*RecoveryTicket, error) {
	now := time.Now().UTC()
	var updated RecoveryTicket

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current RecoveryTicket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").
			Where("id = ?", t.TicketId).
			First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		if !statusIn(current.Status, t.Sources) {
			return transitionError(current.Status, t)
		}

		res := tx.Model(&RecoveryTicket{}).
			Where("id = ? AND status IN ?", t.TicketId, t.Sources).
			Updates(t.Patch.columns(now))
		if res.Error != nil {
			return res.Error
		}
		// A status-preserving write that changes nothing (same assignee
		// within the same clock tick) matches zero rows on MySQL.
		if res.RowsAffected == 0 && t.Patch.Status != "" {
			return transitionError(current.Status, t)
		}

		event := t.Event
		event.TicketId = t.TicketId
		event.FromStatus = current.Status
		if t.Patch.Status == "" {
			event.ToStatus = current.Status
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		if err := createNotifications(tx, t.TicketId, t.Notifications); err != nil {
			return err
		}
		return tx.Where("id = ?", t.TicketId).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func transitionError(from RecoveryTicketStatus, t TicketTransition) *TransitionError {
	return &TransitionError{From: from, To: t.Patch.Status, Action: t.Action}
}

func statusIn(s RecoveryTicketStatus, set []RecoveryTicketStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func createNotifications(tx *gorm.DB, ticketId int, notifications []NotificationRecord) error {
	if len(notifications) == 0 {
		return nil
	}
	rows := make([]NotificationRecord, len(notifications))
	copy(rows, notifications)
	for i := range rows {
		rows[i].ReferenceId = ticketId
		if rows[i].PublishStatus == "" {
			rows[i].PublishStatus = OutboxPublishStatusPending
		}
	}
	return tx.Create(&rows).Error
}

// List returns tickets newest first. The cursor is the last ticket's
// (created_at, id) pair.
func (r *RecoveryTicketRepository) List(ctx context.Context, filter TicketFilter) (*TicketPage, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := r.DB.WithContext(ctx).Model(&RecoveryTicket{})
	if filter.StoreId != "" {
		q = q.Where("store_id = ?", filter.StoreId)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.CreatedBy != nil {
		q = q.Where("created_by = ?", *filter.CreatedBy)
	}
	if filter.AssignedTo != nil {
		q = q.Where("assigned_to = ?", *filter.AssignedTo)
	}
	if filter.CreatedFrom != nil {
		q = q.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		q = q.Where("created_at <= ?", *filter.CreatedTo)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + escapeLike(search) + "%"
		q = q.Where("(reason LIKE ? ESCAPE '!' OR notes LIKE ? ESCAPE '!')", like, like)
	}
	if sortKey, id := DecodeCompositeCursor(filter.After); sortKey != "" && id > 0 {
		if at, err := time.Parse(time.RFC3339Nano, sortKey); err == nil {
			q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
		}
	}

	var tickets []RecoveryTicket
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&tickets).Error; err != nil {
		return nil, err
	}

	page := &TicketPage{Tickets: tickets}
	if len(tickets) > limit {
		page.Tickets = tickets[:limit]
		page.PageInfo.HasNextPage = true
	}
	if n := len(page.Tickets); n > 0 {
		last := page.Tickets[n-1]
		page.PageInfo.EndCursor = EncodeCompositeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return page, nil
}

func (r *RecoveryTicketRepository) Events(ctx context.Context, ticketId int) ([]RecoveryTicketEvent, error) {
	if _, err := r.Get(ctx, ticketId); err != nil {
		return nil, err
	}
	var events []RecoveryTicketEvent
	err := r.DB.WithContext(ctx).
		Where("ticket_id = ?", ticketId).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
