package reports

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	missingSheet = "Missing"
	overSheet    = "Over"
	ticketSheet  = "Tickets"
)

var missingHeadings = []string{
	"Store", "Shift", "Barcode", "Product", "System Stock", "Actual Stock", "Diff",
	"Last Date", "Last Positive Date", "Consecutive Missing Days", "Audited", "Offset", "Offset With", "Reason",
}

var overHeadings = []string{
	"Store", "Shift", "Barcode", "Product", "System Stock", "Actual Stock", "Diff", "Date", "Reason",
}

var ticketHeadings = []string{
	"ID", "Store", "Barcode", "Product", "Quantity", "Unit Price", "Total Amount", "Status",
	"Scan Period", "Shift", "Created By", "Assigned To", "Recovered Amount", "Reason", "Created At",
}

// ExportScanResult renders a scan as a workbook with a summary sheet, one
// row per shortage and one row per surplus.
func ExportScanResult(ctx context.Context, result *scan.ScanResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("export scan: nil result")
	}
	started := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	summary := [][]interface{}{
		{"Period", scan.Period(result.Year, result.Month)},
		{"Files Scanned", result.TotalFilesScanned},
		{"Missing Products", result.TotalMissingProducts},
		{"Stores With Shortages", len(result.Stores)},
		{"Scanned Dates", len(result.ScannedDates)},
		{"Errors", len(result.Errors)},
	}
	if result.Message != "" {
		summary = append(summary, []interface{}{"Message", result.Message})
	}
	for i, err := range result.Errors {
		summary = append(summary, []interface{}{fmt.Sprintf("Error %d", i+1), err})
	}
	if err := writeRows(f, summarySheet, nil, summary); err != nil {
		return nil, err
	}

	missing := result.MissingList()
	rows := make([][]interface{}, 0, len(missing))
	for _, m := range missing {
		rows = append(rows, []interface{}{
			m.StoreCode, m.Shift, m.Barcode, m.ProductName, m.SystemStock, m.ActualStock, m.Diff,
			m.Date, m.LastPositiveDate, m.ConsecutiveMissingDays, yesNo(m.IsAudited), yesNo(m.IsOffset), m.OffsetWithBarcode, m.Reason,
		})
	}
	if err := newSheetWithRows(f, missingSheet, missingHeadings, rows); err != nil {
		return nil, err
	}

	over := result.OverList()
	rows = make([][]interface{}, 0, len(over))
	for _, o := range over {
		rows = append(rows, []interface{}{
			o.StoreCode, o.Shift, o.Barcode, o.ProductName, o.SystemStock, o.ActualStock, o.Diff, o.Date, o.Reason,
		})
	}
	if err := newSheetWithRows(f, overSheet, overHeadings, rows); err != nil {
		return nil, err
	}

	out, err := writeWorkbook(f)
	if err != nil {
		return nil, err
	}
	logSlowExport(ctx, "scan", started, logrus.Fields{"period": scan.Period(result.Year, result.Month), "rows": len(missing) + len(over)})
	return out, nil
}

// ExportRecoveryTickets renders one row per ticket.
func ExportRecoveryTickets(ctx context.Context, tickets []models.RecoveryTicket) ([]byte, error) {
	started := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ticketSheet); err != nil {
		return nil, err
	}
	rows := make([][]interface{}, 0, len(tickets))
	for _, t := range tickets {
		recovered := ""
		if t.RecoveredAmount != nil {
			recovered = t.RecoveredAmount.StringFixed(2)
		}
		rows = append(rows, []interface{}{
			t.ID, t.StoreId, t.Barcode, t.ProductName, t.Quantity, t.UnitPrice.StringFixed(2), t.TotalAmount.StringFixed(2),
			string(t.Status), t.ScanPeriod, t.Shift, t.CreatedBy, utils.DereferencePtr(t.AssignedTo, 0), recovered,
			t.Reason, t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if err := writeRows(f, ticketSheet, ticketHeadings, rows); err != nil {
		return nil, err
	}
	out, err := writeWorkbook(f)
	if err != nil {
		return nil, err
	}
	logSlowExport(ctx, "tickets", started, logrus.Fields{"rows": len(tickets)})
	return out, nil
}

func newSheetWithRows(f *excelize.File, sheet string, headings []string, rows [][]interface{}) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	return writeRows(f, sheet, headings, rows)
}

func writeRows(f *excelize.File, sheet string, headings []string, rows [][]interface{}) error {
	rowNo := 1
	if len(headings) > 0 {
		header := make([]interface{}, len(headings))
		for i, h := range headings {
			header[i] = h
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		rowNo++
	}
	for _, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, rowNo)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return err
		}
		rowNo++
	}
	return nil
}

func writeWorkbook(f *excelize.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func logSlowExport(ctx context.Context, name string, started time.Time, fields logrus.Fields) {
	d := time.Since(started)
	if d < config.SlowExportThreshold() {
		return
	}
	logger := config.GetLogger()
	if logger == nil {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	fields["name"] = name
	fields["ms"] = d.Milliseconds()
	fields["correlation_id"] = cid
	logger.WithFields(fields).Warn("slow export")
}
