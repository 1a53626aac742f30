package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// memTicketRepo keeps tickets in memory and applies transitions as a
// compare-and-swap on status under one mutex.
type memTicketRepo struct {
	mu            sync.Mutex
	nextId        int
	tickets       map[int]*models.RecoveryTicket
	events        map[int][]models.RecoveryTicketEvent
	notifications []models.NotificationRecord
	createErr     func(t *models.RecoveryTicket) error
}

func newMemTicketRepo() *memTicketRepo {
	return &memTicketRepo{
		tickets: map[int]*models.RecoveryTicket{},
		events:  map[int][]models.RecoveryTicketEvent{},
	}
}

func (r *memTicketRepo) Create(_ context.Context, ticket *models.RecoveryTicket, event models.RecoveryTicketEvent, notifications []models.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		if err := r.createErr(ticket); err != nil {
			return err
		}
	}
	r.nextId++
	ticket.ID = r.nextId
	stored := *ticket
	r.tickets[ticket.ID] = &stored
	event.TicketId = ticket.ID
	r.events[ticket.ID] = append(r.events[ticket.ID], event)
	r.addNotifications(ticket.ID, notifications)
	return nil
}

func (r *memTicketRepo) addNotifications(id int, notifications []models.NotificationRecord) {
	for _, n := range notifications {
		n.ReferenceId = id
		r.notifications = append(r.notifications, n)
	}
}

func (r *memTicketRepo) Get(_ context.Context, id int) (*models.RecoveryTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTicketRepo) Transition(_ context.Context, tr models.TicketTransition) (*models.RecoveryTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[tr.TicketId]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	if !statusIn(t.Status, tr.Sources) {
		return nil, &models.TransitionError{From: t.Status, To: tr.Patch.Status, Action: tr.Action}
	}
	event := tr.Event
	event.TicketId = tr.TicketId
	event.FromStatus = t.Status
	if tr.Patch.Status == "" {
		event.ToStatus = t.Status
	}
	applyPatch(tr.Patch, t, time.Now().UTC())
	r.events[tr.TicketId] = append(r.events[tr.TicketId], event)
	r.addNotifications(tr.TicketId, tr.Notifications)
	cp := *t
	return &cp, nil
}

func (r *memTicketRepo) List(_ context.Context, filter models.TicketFilter) (*models.TicketPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := &models.TicketPage{}
	for _, t := range r.tickets {
		if filter.StoreId != "" && t.StoreId != filter.StoreId {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(t.Status, filter.Statuses) {
			continue
		}
		if filter.Search != "" && !strings.Contains(t.Reason+" "+t.Notes, filter.Search) {
			continue
		}
		page.Tickets = append(page.Tickets, *t)
	}
	sort.Slice(page.Tickets, func(i, j int) bool { return page.Tickets[i].ID > page.Tickets[j].ID })
	return page, nil
}

func (r *memTicketRepo) Events(_ context.Context, id int) ([]models.RecoveryTicketEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[id]; !ok {
		return nil, models.ErrTicketNotFound
	}
	return append([]models.RecoveryTicketEvent(nil), r.events[id]...), nil
}

func (r *memTicketRepo) notificationsOf(typ models.NotificationType) []models.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationRecord
	for _, n := range r.notifications {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fakeCatalog struct {
	ids   map[string]int
	calls int
	err   error
}

func (c *fakeCatalog) ResolveProductIds(_ context.Context, barcodes []string) (map[string]int, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := map[string]int{}
	for _, b := range barcodes {
		if id, ok := c.ids[b]; ok {
			out[b] = id
		}
	}
	return out, nil
}

type memIdempotency struct {
	mu   sync.Mutex
	rows map[string]*models.IdempotencyKey
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{rows: map[string]*models.IdempotencyKey{}}
}

func (m *memIdempotency) Begin(_ context.Context, scope, key string) (*string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + "/" + key
	row, ok := m.rows[k]
	if !ok {
		m.rows[k] = &models.IdempotencyKey{Scope: scope, Key: key, Status: models.IdempotencyStatusStarted}
		return nil, false, nil
	}
	switch row.Status {
	case models.IdempotencyStatusSucceeded:
		return row.Result, true, nil
	case models.IdempotencyStatusStarted:
		return nil, false, ErrIdempotencyInProgress
	}
	row.Status = models.IdempotencyStatusStarted
	return nil, false, nil
}

func (m *memIdempotency) MarkSucceeded(_ context.Context, scope, key string, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[scope+"/"+key]
	row.Status = models.IdempotencyStatusSucceeded
	row.Result = &result
	return nil
}

func (m *memIdempotency) MarkFailed(_ context.Context, scope, key string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := cause.Error()
	row := m.rows[scope+"/"+key]
	row.Status = models.IdempotencyStatusFailed
	row.LastError = &msg
	return nil
}

type sentNotification struct {
	UserIds []int
	N       Notification
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (s *recordingSink) Notify(_ context.Context, userIds []int, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentNotification{UserIds: append([]int(nil), userIds...), N: n})
	return nil
}

func (s *recordingSink) all() []sentNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentNotification(nil), s.sent...)
}

// newTestDB opens a private in-memory SQLite database with the schema and
// the store scope plugin installed.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:wf_%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(config.NewStoreScopePlugin()))
	require.NoError(t, models.MigrateTable(db))
	return db
}

// applyPatch mirrors the repository's column update on an in-memory ticket.
func applyPatch(p models.TicketPatch, t *models.RecoveryTicket, now time.Time) {
	if p.Status != "" {
		t.Status = p.Status
	}
	t.UpdatedAt = now
	if p.ApprovedBy != nil {
		t.ApprovedBy, t.ApprovedAt = p.ApprovedBy, p.ApprovedAt
	}
	if p.RejectedBy != nil {
		t.RejectedBy, t.RejectedAt, t.RejectionReason = p.RejectedBy, p.RejectedAt, p.RejectionReason
	}
	if p.InProgressAt != nil {
		t.InProgressAt = p.InProgressAt
	}
	if p.RecoveredAt != nil {
		t.RecoveredAt, t.RecoveredAmount = p.RecoveredAt, p.RecoveredAmount
	}
	if p.CancelledBy != nil {
		t.CancelledBy, t.CancelledAt = p.CancelledBy, p.CancelledAt
	}
	if p.AssignedTo != nil {
		t.AssignedTo = p.AssignedTo
	}
}
