package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/crossoffset"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"bitbucket.org/mmdatafocus/stockaudit_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("stockaudit-backend")

// App holds the services the HTTP handlers call.
type App struct {
	DB        *gorm.DB
	Scans     *scanService
	Workflow  *workflow.RecoveryWorkflow
	Bulk      *workflow.BulkCreator
	Logger    *logrus.Logger
	Ready     func() bool
	UploadXls func(ctx context.Context, objectName string, data []byte) (string, error)
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func newApp(db *gorm.DB, snapshots scan.SnapshotRepository, analyzer *crossoffset.Analyzer, logger *logrus.Logger) *App {
	wf := workflow.NewRecoveryWorkflow(models.NewRecoveryTicketRepository(db))
	return &App{
		DB:       db,
		Scans:    newScanService(scan.NewScanner(snapshots), analyzer, logger),
		Workflow: wf,
		Bulk:     workflow.NewBulkCreator(wf, models.NewProductCatalog(db), workflow.NewGormIdempotencyStore(db)),
		Logger:   logger,
		Ready:    func() bool { return config.GetDB() != nil },
		UploadXls: func(ctx context.Context, objectName string, data []byte) (string, error) {
			if err := utils.UploadBytesToGCS(ctx, objectName, data, utils.XlsxContentType); err != nil {
				return "", err
			}
			return utils.GCSObjectURL(objectName), nil
		},
	}
}

func (a *App) routes(r *gin.Engine) {
	r.POST("/scans", a.runScanHandler())
	r.GET("/scans/:year/:month/export", a.exportScanHandler())

	r.POST("/tickets", a.createTicketHandler())
	r.GET("/tickets", a.listTicketsHandler())
	r.GET("/tickets/export", a.exportTicketsHandler())
	r.POST("/tickets/bulk-from-scan", a.bulkFromScanHandler())
	r.GET("/tickets/:id", a.getTicketHandler())
	r.GET("/tickets/:id/events", a.ticketEventsHandler())
	r.POST("/tickets/:id/approve", a.approveTicketHandler())
	r.POST("/tickets/:id/reject", a.rejectTicketHandler())
	r.POST("/tickets/:id/in-progress", a.markInProgressHandler())
	r.POST("/tickets/:id/recover", a.markRecoveredHandler())
	r.POST("/tickets/:id/cancel", a.cancelTicketHandler())
	r.POST("/tickets/:id/assign", a.assignTicketHandler())

	// Ops tooling: replay notifications that were marked DEAD/FAILED.
	r.POST("/internal/ops/notifications/replay", a.notificationReplayHandler())
	r.NoRoute(customNotFoundHandler)
}

// newRouter wires middleware in the order main uses it.
func newRouter(app *App) *gin.Engine {
	r := gin.New()
	r.Use(correlationIdMiddleware())
	r.Use(readinessMiddleware(app.Ready))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfigFromEnv()))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		if client := config.GetRedisDB(); client != nil {
			limit, window := rateLimitFromEnv()
			r.Use(NewRateLimiter(client, limit, window).RateLimitMiddleware)
		}
	}

	r.Use(requestScopeMiddleware())
	r.Use(customErrorLogger(app.Logger))
	r.Use(gin.Recovery())
	app.routes(r)
	return r
}

// correlationIdMiddleware takes x-correlation-id, then the active trace id,
// then a fresh uuid.
func correlationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.HasTraceID() {
				cid = sc.TraceID().String()
			}
		}
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func readinessMiddleware(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if ready != nil && !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

// requestScopeMiddleware copies the caller's user id and store code into the
// request context. Authentication happens upstream; a store code limits every
// query to that store.
func requestScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if v := strings.TrimSpace(c.GetHeader("x-user-id")); v != "" {
			userId, err := strconv.Atoi(v)
			if err != nil || userId <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid x-user-id"})
				return
			}
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		if store := strings.TrimSpace(c.GetHeader("x-store-id")); store != "" {
			ctx = utils.SetStoreCodeInContext(ctx, store)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func corsConfigFromEnv() cors.Config {
	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-user-id", "x-store-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

type notificationReplayRequest struct {
	Statuses []string `json:"statuses"`
	Ids      []int    `json:"ids"`
}

func (a *App) notificationReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if _, scoped := utils.GetStoreCodeFromContext(c.Request.Context()); scoped {
			c.JSON(http.StatusForbidden, gin.H{"error": "head office only"})
			return
		}
		var req notificationReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(req.Statuses) == 0 {
			req.Statuses = []string{models.OutboxPublishStatusDead}
		}
		for _, s := range req.Statuses {
			if s != models.OutboxPublishStatusDead && s != models.OutboxPublishStatusFailed {
				c.JSON(http.StatusBadRequest, gin.H{"field": "statuses", "error": "only DEAD and FAILED rows can be replayed"})
				return
			}
		}
		n, err := models.ReplayNotifications(c.Request.Context(), a.DB, req.Statuses, req.Ids)
		if err != nil {
			writeError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"replayed": n, "correlation_id": cid})
	}
}

// lateHandler lets the listener start before the real router exists.
type lateHandler struct {
	h atomic.Value
}

func newLateHandler() *lateHandler { return &lateHandler{} }

func (l *lateHandler) Set(h http.Handler) { l.h.Store(h) }

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, _ := l.h.Load().(http.Handler)
	if h == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, app endpoints return 503.
	app := &App{Logger: logger, Ready: func() bool { return false }}
	handler := newLateHandler()
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}
	handler.Set(newRouter(app))
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; run it as a separate job when SKIP_MIGRATIONS=true.
	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	snapshots, closeSnapshots, err := snapshotRepositoryFromEnv(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "snapshots"}).Fatal(err.Error())
	}
	defer closeSnapshots()

	var analyzer *crossoffset.Analyzer
	if config.ScanOffsetsEnabled() {
		posClient, err := crossoffset.NewPOSClientFromEnv()
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "crossoffset"}).Warn("cross-offset analysis disabled: " + err.Error())
		} else {
			defer posClient.Close()
			analyzer = crossoffset.NewAnalyzer(posClient)
		}
	}

	handler.Set(newRouter(newApp(db, snapshots, analyzer, logger)))

	// Start notification dispatcher (delivers AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewNotificationDispatcher(db, workflow.NewPubSubNotificationSink(), logger).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// snapshotRepositoryFromEnv prefers SNAPSHOT_DIR for local runs and falls
// back to the snapshot bucket.
func snapshotRepositoryFromEnv(ctx context.Context) (scan.SnapshotRepository, func(), error) {
	if dir := strings.TrimSpace(os.Getenv("SNAPSHOT_DIR")); dir != "" {
		return scan.NewDirSnapshotRepository(dir), func() {}, nil
	}
	bucket := config.SnapshotBucket()
	if bucket == "" {
		return nil, nil, errors.New("SNAPSHOT_BUCKET, GCS_BUCKET or SNAPSHOT_DIR is required")
	}
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	return scan.NewGCSSnapshotRepository(client, bucket), func() { _ = client.Close() }, nil
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && logger != nil {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

func rateLimitFromEnv() (int64, time.Duration) {
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return limit, time.Duration(windowSec) * time.Second
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per caller in a fixed Redis window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	if userId := strings.TrimSpace(c.GetHeader("x-user-id")); userId != "" {
		key = "ratelimit:user:" + userId
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Redis trouble must not take the API down.
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
