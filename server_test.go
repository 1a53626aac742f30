package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testApp struct {
	app      *App
	router   *gin.Engine
	db       *gorm.DB
	uploaded map[string][]byte
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:srv_%s?mode=memory&cache=shared&_busy_timeout=5000", name)

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

func writeSnapshot(t *testing.T, root string, snap scan.DailySnapshot) {
	t.Helper()
	dir := filepath.Join(root, snap.Date[:4], snap.Date[5:7])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, snap.Date+".json"), data, 0o644))
}

func intPtr(v int) *int { return &v }

func shortageDay(date string, diff int) scan.DailySnapshot {
	return scan.DailySnapshot{
		Date: date,
		Stores: map[string]map[string][]scan.LineItem{
			"BEE": {"morning": {
				{ProductName: "Milk", Barcode: "X", SystemStock: 5, ActualStock: intPtr(5 + diff), Diff: diff},
				{ProductName: "Eggs", Barcode: "Z", SystemStock: 1, ActualStock: intPtr(4), Diff: 3},
			}},
		},
	}
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.SetRedisClient(nil)

	root := t.TempDir()
	for _, day := range []string{"2026-01-01", "2026-01-02", "2026-01-03"} {
		writeSnapshot(t, root, shortageDay(day, -2))
	}

	db := newTestDB(t)
	ta := &testApp{db: db, uploaded: map[string][]byte{}}
	app := newApp(db, scan.NewDirSnapshotRepository(root), nil, nil)
	app.Ready = func() bool { return true }
	app.UploadXls = func(_ context.Context, objectName string, data []byte) (string, error) {
		ta.uploaded[objectName] = data
		return "https://storage.googleapis.com/test/" + objectName, nil
	}
	ta.app = app
	ta.router = newRouter(app)
	return ta
}

type requestOpt func(r *http.Request)

func asUser(id int) requestOpt {
	return func(r *http.Request) { r.Header.Set("x-user-id", fmt.Sprint(id)) }
}

func atStore(code string) requestOpt {
	return func(r *http.Request) { r.Header.Set("x-store-id", code) }
}

func (ta *testApp) do(t *testing.T, method, path string, body interface{}, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func ticketBody() gin.H {
	return gin.H{
		"storeId":   "BEE",
		"productId": 42,
		"barcode":   "X",
		"quantity":  10,
		"unitPrice": 5000,
		"reason":    "missing 3 days",
	}
}

func (ta *testApp) createTicket(t *testing.T) models.RecoveryTicket {
	t.Helper()
	w := ta.do(t, http.MethodPost, "/tickets", ticketBody(), asUser(7))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ticket models.RecoveryTicket
	decodeBody(t, w, &ticket)
	return ticket
}

func TestHealthzAndReadiness(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("x-correlation-id"))

	ta.app.Ready = func() bool { return false }
	router := newRouter(ta.app)
	req := httptest.NewRequest(http.MethodGet, "/tickets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCorrelationIdIsEchoed(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/healthz", nil, func(r *http.Request) { r.Header.Set("x-correlation-id", "cid-1") })
	assert.Equal(t, "cid-1", w.Header().Get("x-correlation-id"))
}

func TestUnknownRoute(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTicketRequiresActor(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodPost, "/tickets", ticketBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ta.do(t, http.MethodPost, "/tickets", ticketBody(), func(r *http.Request) { r.Header.Set("x-user-id", "abc") })
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTicketDerivesTotal(t *testing.T) {
	ta := newTestApp(t)
	ticket := ta.createTicket(t)
	assert.Equal(t, models.RecoveryTicketStatusPending, ticket.Status)
	assert.Equal(t, "50000", ticket.TotalAmount.String())
	assert.Equal(t, 7, ticket.CreatedBy)
}

func TestCreateTicketValidationError(t *testing.T) {
	ta := newTestApp(t)
	body := ticketBody()
	body["quantity"] = 0
	w := ta.do(t, http.MethodPost, "/tickets", body, asUser(7))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "quantity", resp["field"])
}

func TestRejectWithoutReason(t *testing.T) {
	ta := newTestApp(t)
	ticket := ta.createTicket(t)

	w := ta.do(t, http.MethodPost, fmt.Sprintf("/tickets/%d/reject", ticket.ID), gin.H{"reason": ""}, asUser(9))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "reason", resp["field"])

	w = ta.do(t, http.MethodGet, fmt.Sprintf("/tickets/%d", ticket.ID), nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	var got models.RecoveryTicket
	decodeBody(t, w, &got)
	assert.Equal(t, models.RecoveryTicketStatusPending, got.Status)
}

func TestLifecycleOverHTTP(t *testing.T) {
	ta := newTestApp(t)
	ticket := ta.createTicket(t)
	base := fmt.Sprintf("/tickets/%d", ticket.ID)

	w := ta.do(t, http.MethodPost, base+"/approve", gin.H{"notes": "go"}, asUser(9))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodPost, base+"/approve", nil, asUser(9))
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict map[string]string
	decodeBody(t, w, &conflict)
	assert.Equal(t, "cannot transition from APPROVED to APPROVED", conflict["error"])

	w = ta.do(t, http.MethodPost, base+"/assign", gin.H{"userId": 15}, asUser(9))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodPost, base+"/in-progress", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodPost, base+"/recover", gin.H{"recoveredAmount": "30000"}, asUser(9))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var recovered models.RecoveryTicket
	decodeBody(t, w, &recovered)
	assert.Equal(t, models.RecoveryTicketStatusRecovered, recovered.Status)
	require.NotNil(t, recovered.RecoveredAmount)
	assert.Equal(t, "30000", recovered.RecoveredAmount.String())
	assert.Equal(t, 15, *recovered.AssignedTo)

	w = ta.do(t, http.MethodPost, base+"/cancel", nil, asUser(9))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ta.do(t, http.MethodGet, base+"/events", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []models.RecoveryTicketEvent `json:"events"`
	}
	decodeBody(t, w, &events)
	assert.Len(t, events.Events, 5)
}

func TestTicketNotFoundAndBadId(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/tickets/999", nil, asUser(9))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodPost, "/tickets/999/approve", nil, asUser(9))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodGet, "/tickets/abc", nil, asUser(9))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStoreStaffOnlySeeTheirStore(t *testing.T) {
	ta := newTestApp(t)
	ticket := ta.createTicket(t)

	w := ta.do(t, http.MethodGet, fmt.Sprintf("/tickets/%d", ticket.ID), nil, asUser(9), atStore("ANT"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodGet, "/tickets?storeId=BEE", nil, asUser(9), atStore("ANT"))
	require.Equal(t, http.StatusOK, w.Code)
	var page models.TicketPage
	decodeBody(t, w, &page)
	assert.Empty(t, page.Tickets)

	w = ta.do(t, http.MethodGet, fmt.Sprintf("/tickets/%d", ticket.ID), nil, asUser(9), atStore("BEE"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListTicketsFilters(t *testing.T) {
	ta := newTestApp(t)
	first := ta.createTicket(t)
	ta.createTicket(t)
	w := ta.do(t, http.MethodPost, fmt.Sprintf("/tickets/%d/cancel", first.ID), nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodGet, "/tickets?status=pending&limit=10", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	var page models.TicketPage
	decodeBody(t, w, &page)
	require.Len(t, page.Tickets, 1)
	assert.NotEqual(t, first.ID, page.Tickets[0].ID)

	w = ta.do(t, http.MethodGet, "/tickets?status=LOST", nil, asUser(9))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodGet, "/tickets?from=yesterday", nil, asUser(9))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportTickets(t *testing.T) {
	ta := newTestApp(t)
	ta.createTicket(t)

	w := ta.do(t, http.MethodGet, "/tickets/export", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, utils.XlsxContentType, w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestRunScan(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodPost, "/scans", gin.H{"year": 2026, "month": 1}, asUser(9))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result scan.ScanResult
	decodeBody(t, w, &result)
	assert.Equal(t, 3, result.TotalFilesScanned)
	assert.Equal(t, 1, result.TotalMissingProducts)
	require.Len(t, result.Stores["BEE"], 1)
	assert.Equal(t, 3, result.Stores["BEE"][0].ConsecutiveMissingDays)
	assert.Equal(t, "2026-01-03", result.Stores["BEE"][0].Date)
	require.Len(t, result.OverStock["BEE"], 1)
}

func TestRunScanEmptyAndInvalidMonth(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodPost, "/scans", gin.H{"year": 2026, "month": 2}, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	var result scan.ScanResult
	decodeBody(t, w, &result)
	assert.Equal(t, 0, result.TotalFilesScanned)
	assert.NotEmpty(t, result.Message)

	w = ta.do(t, http.MethodPost, "/scans", gin.H{"year": 2026, "month": 13}, asUser(9))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportScan(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/scans/2026/1/export", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, utils.XlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "stock-audit-2026-01.xlsx")

	w = ta.do(t, http.MethodGet, "/scans/2026/1/export?upload=true", nil, asUser(9))
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "exports/scans/stock-audit-2026-01.xlsx", resp["object"])
	assert.Contains(t, ta.uploaded, "exports/scans/stock-audit-2026-01.xlsx")

	w = ta.do(t, http.MethodGet, "/scans/2026/jan/export", nil, asUser(9))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkFromScanOverHTTP(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.db.Create(&[]models.Product{
		{Barcode: "X1", Name: "Milk", IsActive: true},
		{Barcode: "X3", Name: "Eggs", IsActive: true},
	}).Error)

	body := gin.H{
		"year":  2026,
		"month": 1,
		"records": []scan.MissingProductRecord{
			{StoreCode: "BEE", Shift: "morning", Barcode: "X1", ProductName: "Milk", Diff: -2, ConsecutiveMissingDays: 3},
			{StoreCode: "BEE", Shift: "morning", Barcode: "X2", ProductName: "Bread", Diff: -1, ConsecutiveMissingDays: 1},
			{StoreCode: "BEE", Shift: "night", Barcode: "X3", ProductName: "Eggs", Diff: -4, ConsecutiveMissingDays: 2},
		},
	}
	w := ta.do(t, http.MethodPost, "/tickets/bulk-from-scan", body, asUser(9), func(r *http.Request) {
		r.Header.Set("Idempotency-Key", "jan-batch")
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result map[string]interface{}
	decodeBody(t, w, &result)
	assert.EqualValues(t, 2, result["created"])
	assert.EqualValues(t, 1, result["skipped"])
	assert.EqualValues(t, 0, result["failed"])

	w = ta.do(t, http.MethodPost, "/tickets/bulk-from-scan", body, asUser(9), func(r *http.Request) {
		r.Header.Set("Idempotency-Key", "jan-batch")
	})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &result)
	assert.Equal(t, true, result["alreadyProcessed"])

	var count int64
	require.NoError(t, ta.db.Model(&models.RecoveryTicket{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestNotificationReplay(t *testing.T) {
	ta := newTestApp(t)
	rec := models.NewUserNotification(context.Background(), models.NotificationTypeTicketAssigned, "t", "m", 1, 15)
	rec.PublishStatus = models.OutboxPublishStatusDead
	require.NoError(t, ta.db.Create(&rec).Error)

	w := ta.do(t, http.MethodPost, "/internal/ops/notifications/replay", gin.H{}, asUser(1), atStore("BEE"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ta.do(t, http.MethodPost, "/internal/ops/notifications/replay", gin.H{"statuses": []string{"SENT"}}, asUser(1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodPost, "/internal/ops/notifications/replay", gin.H{}, asUser(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	assert.EqualValues(t, 1, resp["replayed"])

	var got models.NotificationRecord
	require.NoError(t, ta.db.First(&got, rec.ID).Error)
	assert.Equal(t, models.OutboxPublishStatusFailed, got.PublishStatus)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b "))
	assert.Nil(t, splitAndTrim("  "))
}
