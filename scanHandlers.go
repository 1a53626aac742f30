package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/crossoffset"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models/reports"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var errScanInProgress = errors.New("a scan for this month is already running")

const scanLockTTL = 5 * time.Minute

// scanService runs month scans behind a Redis result cache and a per-month
// Redis lock. Both are skipped when Redis is not connected.
type scanService struct {
	scanner  *scan.Scanner
	analyzer *crossoffset.Analyzer
	cacheTTL time.Duration
	logger   *logrus.Logger
}

func newScanService(scanner *scan.Scanner, analyzer *crossoffset.Analyzer, logger *logrus.Logger) *scanService {
	return &scanService{
		scanner:  scanner,
		analyzer: analyzer,
		cacheTTL: config.ScanCacheTTL(),
		logger:   logger,
	}
}

func scanCacheKey(year, month int, offsets bool) string {
	key := "ScanResult:" + scan.Period(year, month)
	if offsets {
		key += ":offsets"
	}
	return key
}

// run returns the scan for year/month. Cross-offset analysis is best-effort:
// a failure is appended to the result's errors and the unflagged result is kept.
func (s *scanService) run(ctx context.Context, year, month int, analyze, refresh bool) (*scan.ScanResult, error) {
	ctx, span := tracer.Start(ctx, "scan.month")
	defer span.End()
	span.SetAttributes(attribute.String("scan.period", scan.Period(year, month)), attribute.Bool("scan.offsets", analyze))

	analyze = analyze && s.analyzer != nil
	key := scanCacheKey(year, month, analyze)
	if refresh {
		// A refreshed scan replaces both variants of the month.
		if err := config.RemoveRedisKey(ctx, scanCacheKey(year, month, false), scanCacheKey(year, month, true)); err != nil {
			config.LogError(s.logger, "scanService", "run", key, nil, err)
		}
	} else if s.cacheTTL > 0 {
		var cached scan.ScanResult
		hit, err := config.GetRedisObject(ctx, key, &cached)
		if err != nil {
			config.LogError(s.logger, "scanService", "run", key, nil, err)
		} else if hit {
			return &cached, nil
		}
	}

	lock, err := config.ObtainRedisLock(ctx, "scan:"+scan.Period(year, month), scanLockTTL)
	if errors.Is(err, config.ErrLockHeld) {
		return nil, errScanInProgress
	}
	if err != nil && s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"field":  "scanService",
			"period": scan.Period(year, month),
		}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
	}
	defer config.ReleaseRedisLock(context.Background(), lock)

	result, err := s.scanner.Scan(ctx, year, month, s.progress)
	if err != nil {
		return nil, err
	}

	if analyze {
		analysis, err := s.analyzer.Analyze(ctx, result.MissingList(), result.OverList())
		if err != nil {
			result.Errors = append(result.Errors, "cross-offset: "+err.Error())
		} else {
			result = crossoffset.ApplyToScanResult(result, analysis)
		}
	}

	if s.cacheTTL > 0 && len(result.Errors) == 0 {
		if err := config.SetRedisObject(ctx, key, result, s.cacheTTL); err != nil {
			config.LogError(s.logger, "scanService", "run", key, nil, err)
		}
	}
	return result, nil
}

func (s *scanService) progress(index, total int, fileName string) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"field": "scanService",
		"file":  fileName,
		"index": index + 1,
		"total": total,
	}).Debug("scanning snapshot")
}

type runScanRequest struct {
	Year           int  `json:"year"`
	Month          int  `json:"month"`
	AnalyzeOffsets bool `json:"analyzeOffsets"`
	Refresh        bool `json:"refresh"`
}

func (a *App) runScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := a.Scans.run(c.Request.Context(), req.Year, req.Month, req.AnalyzeOffsets, req.Refresh)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// exportScanHandler streams the month's workbook, or uploads it to GCS and
// returns the object URL when upload=true.
func (a *App) exportScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		year, err := strconv.Atoi(c.Param("year"))
		if err != nil {
			writeError(c, models.NewValidationError("year", "must be a number"))
			return
		}
		month, err := strconv.Atoi(c.Param("month"))
		if err != nil {
			writeError(c, models.NewValidationError("month", "must be a number"))
			return
		}
		analyze := c.Query("analyzeOffsets") == "true"

		ctx := c.Request.Context()
		result, err := a.Scans.run(ctx, year, month, analyze, false)
		if err != nil {
			writeError(c, err)
			return
		}
		data, err := reports.ExportScanResult(ctx, result)
		if err != nil {
			writeError(c, err)
			return
		}
		fileName := fmt.Sprintf("stock-audit-%s.xlsx", scan.Period(year, month))
		if c.Query("upload") == "true" {
			a.uploadWorkbook(c, "exports/scans/"+fileName, data)
			return
		}
		sendWorkbook(c, fileName, data)
	}
}

func (a *App) uploadWorkbook(c *gin.Context, objectName string, data []byte) {
	if a.UploadXls == nil {
		writeError(c, errors.New("uploads are not configured"))
		return
	}
	url, err := a.UploadXls(c.Request.Context(), objectName, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "object": objectName})
}

func sendWorkbook(c *gin.Context, fileName string, data []byte) {
	c.Header("Content-Disposition", "attachment; filename="+fileName)
	c.Data(http.StatusOK, utils.XlsxContentType, data)
}
