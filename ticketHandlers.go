package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models/reports"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// writeError maps domain errors to status codes. Anything unrecognised is a
// 500 with the detail kept in the gin error log.
func writeError(c *gin.Context, err error) {
	var ve *models.ValidationError
	var te *models.TransitionError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"field": ve.Field, "error": ve.Error()})
	case errors.Is(err, scan.ErrInvalidPeriod):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrMissingActor):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{"error": te.Error(), "from": te.From, "to": te.To})
	case errors.Is(err, models.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errScanInProgress), errors.Is(err, workflow.ErrIdempotencyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func ticketIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		writeError(c, models.NewValidationError("id", "must be a positive number"))
		return 0, false
	}
	return id, true
}

func (a *App) createTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewRecoveryTicket
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ticket, err := a.Workflow.Create(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, ticket)
	}
}

func (a *App) getTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		ticket, err := a.Workflow.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

func (a *App) ticketEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		events, err := a.Workflow.Events(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// ticketFilterFromQuery reads storeId, status (comma separated), createdBy,
// assignedTo, from, to, search, after and limit.
func ticketFilterFromQuery(c *gin.Context) (models.TicketFilter, error) {
	filter := models.TicketFilter{
		StoreId: strings.TrimSpace(c.Query("storeId")),
		Search:  c.Query("search"),
	}
	for _, raw := range splitAndTrim(c.Query("status")) {
		s, err := models.ParseRecoveryTicketStatus(raw)
		if err != nil {
			return filter, models.NewValidationError("status", err.Error())
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for name, dest := range map[string]**int{"createdBy": &filter.CreatedBy, "assignedTo": &filter.AssignedTo} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return filter, models.NewValidationError(name, "must be a number")
			}
			*dest = &n
		}
	}
	for name, dest := range map[string]**time.Time{"from": &filter.CreatedFrom, "to": &filter.CreatedTo} {
		if v := c.Query(name); v != "" {
			at, err := parseQueryTime(v, name == "to")
			if err != nil {
				return filter, models.NewValidationError(name, "must be RFC3339 or YYYY-MM-DD")
			}
			*dest = &at
		}
	}
	if v := c.Query("after"); v != "" {
		filter.After = &v
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, models.NewValidationError("limit", "must be a number")
		}
		filter.Limit = n
	}
	return filter, nil
}

// parseQueryTime accepts a timestamp or a bare date. A bare "to" date covers
// the whole day.
func parseQueryTime(v string, endOfDay bool) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, v); err == nil {
		return at.UTC(), nil
	}
	day, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

func (a *App) listTicketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := ticketFilterFromQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		page, err := a.Workflow.List(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// exportTicketsHandler exports one page of the filtered list; limit applies
// as for the list endpoint.
func (a *App) exportTicketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := ticketFilterFromQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		ctx := c.Request.Context()
		page, err := a.Workflow.List(ctx, filter)
		if err != nil {
			writeError(c, err)
			return
		}
		data, err := reports.ExportRecoveryTickets(ctx, page.Tickets)
		if err != nil {
			writeError(c, err)
			return
		}
		fileName := "recovery-tickets-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
		if c.Query("upload") == "true" {
			a.uploadWorkbook(c, "exports/tickets/"+fileName, data)
			return
		}
		sendWorkbook(c, fileName, data)
	}
}

type approveRequest struct {
	Notes string `json:"notes"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type recoverRequest struct {
	RecoveredAmount *decimal.Decimal `json:"recoveredAmount"`
}

type assignRequest struct {
	UserId int `json:"userId"`
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dest interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

func (a *App) approveTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		var req approveRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ticket, err := a.Workflow.Approve(c.Request.Context(), id, req.Notes)
		respondTicket(c, ticket, err)
	}
}

func (a *App) rejectTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		var req rejectRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ticket, err := a.Workflow.Reject(c.Request.Context(), id, req.Reason)
		respondTicket(c, ticket, err)
	}
}

func (a *App) markInProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		ticket, err := a.Workflow.MarkInProgress(c.Request.Context(), id)
		respondTicket(c, ticket, err)
	}
}

func (a *App) markRecoveredHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		var req recoverRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ticket, err := a.Workflow.MarkRecovered(c.Request.Context(), id, req.RecoveredAmount)
		respondTicket(c, ticket, err)
	}
}

func (a *App) cancelTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		ticket, err := a.Workflow.Cancel(c.Request.Context(), id)
		respondTicket(c, ticket, err)
	}
}

func (a *App) assignTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ticketIdParam(c)
		if !ok {
			return
		}
		var req assignRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ticket, err := a.Workflow.Assign(c.Request.Context(), id, req.UserId)
		respondTicket(c, ticket, err)
	}
}

func (a *App) bulkFromScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.BulkCreateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = c.GetHeader("Idempotency-Key")
		}
		result, err := a.Bulk.BulkCreateFromScan(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func respondTicket(c *gin.Context, ticket *models.RecoveryTicket, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}
