package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const bulkFromScanScope = "bulk-from-scan"

type BulkCreateInput struct {
	Year           int                         `json:"year"`
	Month          int                         `json:"month"`
	Records        []scan.MissingProductRecord `json:"records"`
	IdempotencyKey string                      `json:"idempotencyKey"`
}

type BulkSkip struct {
	Barcode     string `json:"barcode"`
	ProductName string `json:"productName"`
	StoreCode   string `json:"storeCode"`
	Reason      string `json:"reason"`
}

type BulkFailure struct {
	Barcode   string `json:"barcode"`
	StoreCode string `json:"storeCode"`
	Error     string `json:"error"`
}

type BulkCreateResult struct {
	Created          int           `json:"created"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	TicketIds        []int         `json:"ticketIds"`
	Skips            []BulkSkip    `json:"skips"`
	Failures         []BulkFailure `json:"failures"`
	AlreadyProcessed bool          `json:"alreadyProcessed"`
}

// BulkCreator turns selected shortage records into PENDING recovery tickets.
type BulkCreator struct {
	Workflow    *RecoveryWorkflow
	Catalog     ProductCatalog
	Idempotency IdempotencyStore
	Logger      *logrus.Logger
}

func NewBulkCreator(wf *RecoveryWorkflow, catalog ProductCatalog, idem IdempotencyStore) *BulkCreator {
	return &BulkCreator{
		Workflow:    wf,
		Catalog:     catalog,
		Idempotency: idem,
		Logger:      config.GetLogger(),
	}
}

// BulkCreateFromScan resolves every barcode in one catalog call and creates a
// ticket per resolved record. Unresolved records are skipped and a failed
// create is counted; neither stops the batch.
func (b *BulkCreator) BulkCreateFromScan(ctx context.Context, input BulkCreateInput) (*BulkCreateResult, error) {
	if input.Month < 1 || input.Month > 12 {
		return nil, models.NewValidationError("month", "must be between 1 and 12")
	}
	if _, err := actorFromContext(ctx); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" && b.Idempotency != nil {
		prior, skip, err := b.Idempotency.Begin(ctx, bulkFromScanScope, key)
		if err != nil {
			return nil, err
		}
		if skip {
			result := &BulkCreateResult{}
			if prior != nil {
				if err := json.Unmarshal([]byte(*prior), result); err != nil {
					config.LogError(b.Logger, "BulkCreator", "BulkCreateFromScan", key, *prior, err)
				}
			}
			result.AlreadyProcessed = true
			return result, nil
		}
	}

	result, err := b.createAll(ctx, input)
	if key != "" && b.Idempotency != nil {
		if err != nil {
			if markErr := b.Idempotency.MarkFailed(ctx, bulkFromScanScope, key, err); markErr != nil {
				config.LogError(b.Logger, "BulkCreator", "MarkFailed", key, nil, markErr)
			}
			return nil, err
		}
		encoded, _ := json.Marshal(result)
		if markErr := b.Idempotency.MarkSucceeded(ctx, bulkFromScanScope, key, string(encoded)); markErr != nil {
			config.LogError(b.Logger, "BulkCreator", "MarkSucceeded", key, nil, markErr)
		}
	}
	return result, err
}

func (b *BulkCreator) createAll(ctx context.Context, input BulkCreateInput) (*BulkCreateResult, error) {
	result := &BulkCreateResult{
		TicketIds: []int{},
		Skips:     []BulkSkip{},
		Failures:  []BulkFailure{},
	}
	if len(input.Records) == 0 {
		return result, nil
	}

	barcodes := make([]string, 0, len(input.Records))
	for _, rec := range input.Records {
		if bc := strings.TrimSpace(rec.Barcode); bc != "" {
			barcodes = append(barcodes, bc)
		}
	}
	resolved, err := b.Catalog.ResolveProductIds(ctx, barcodes)
	if err != nil {
		return nil, fmt.Errorf("resolve product ids: %w", err)
	}

	period := scan.Period(input.Year, input.Month)
	for _, rec := range input.Records {
		barcode := strings.TrimSpace(rec.Barcode)
		productId, ok := resolved[barcode]
		if barcode == "" || !ok {
			reason := "barcode not found in product catalog"
			if barcode == "" {
				reason = "record has no barcode"
			}
			result.Skipped++
			result.Skips = append(result.Skips, BulkSkip{
				Barcode:     barcode,
				ProductName: rec.ProductName,
				StoreCode:   rec.StoreCode,
				Reason:      reason,
			})
			continue
		}

		pid := productId
		ticket, err := b.Workflow.Create(ctx, models.NewRecoveryTicket{
			StoreId:     rec.StoreCode,
			ProductId:   &pid,
			Barcode:     barcode,
			ProductName: rec.ProductName,
			Quantity:    absInt(rec.Diff),
			UnitPrice:   decimal.Zero,
			Reason:      bulkReason(period, rec),
			Notes:       bulkNotes(period, rec),
			ScanPeriod:  period,
			Shift:       rec.Shift,
		})
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, BulkFailure{
				Barcode:   barcode,
				StoreCode: rec.StoreCode,
				Error:     err.Error(),
			})
			if b.Logger != nil {
				b.Logger.WithFields(logrus.Fields{
					"module":    "BulkCreator",
					"funcName":  "createAll",
					"barcode":   barcode,
					"storeCode": rec.StoreCode,
				}).Warn(err.Error())
			}
			continue
		}
		result.Created++
		result.TicketIds = append(result.TicketIds, ticket.ID)
	}
	return result, nil
}

func bulkReason(period string, rec scan.MissingProductRecord) string {
	return fmt.Sprintf("Stock audit %s: %s missing for %d consecutive day(s) in shift %s",
		period, rec.ProductName, rec.ConsecutiveMissingDays, rec.Shift)
}

func bulkNotes(period string, rec scan.MissingProductRecord) string {
	notes := fmt.Sprintf("Created from scan %s. Store %s, shift %s, last seen short on %s (system %d, actual %d, diff %d).",
		period, rec.StoreCode, rec.Shift, rec.Date, rec.SystemStock, rec.ActualStock, rec.Diff)
	if rec.LastPositiveDate != "" {
		notes += " Last counted in stock on " + rec.LastPositiveDate + "."
	}
	return notes
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
