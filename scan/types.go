package scan

import (
	"context"
	"sort"
)

// LineItem is one product's audit result for a store, shift and day.
// ActualStock is nil when the line has not been counted yet.
type LineItem struct {
	ProductName string `json:"productName"`
	Barcode     string `json:"barcode"`
	SystemStock int    `json:"systemStock"`
	ActualStock *int   `json:"actualStock"`
	Diff        int    `json:"diff"`
	Reason      string `json:"reason"`
}

// Identity is the barcode, or the product name when the barcode is blank.
func (l LineItem) Identity() string {
	if l.Barcode != "" {
		return l.Barcode
	}
	return l.ProductName
}

// DailySnapshot is one archived day: store code -> shift -> lines.
type DailySnapshot struct {
	Date   string                           `json:"date"`
	Stores map[string]map[string][]LineItem `json:"stores"`
}

// SnapshotHandle addresses one archived document. Date is YYYY-MM-DD.
type SnapshotHandle struct {
	Name string
	Date string
}

type SnapshotRepository interface {
	ListSnapshotIds(ctx context.Context, year, month int) ([]SnapshotHandle, error)
	FetchSnapshot(ctx context.Context, handle SnapshotHandle) (*DailySnapshot, error)
}

type MissingProductRecord struct {
	StoreCode              string `json:"storeCode"`
	Shift                  string `json:"shift"`
	ProductName            string `json:"productName"`
	Barcode                string `json:"barcode"`
	SystemStock            int    `json:"systemStock"`
	ActualStock            int    `json:"actualStock"`
	Diff                   int    `json:"diff"`
	Reason                 string `json:"reason,omitempty"`
	Date                   string `json:"date"`
	LastPositiveDate       string `json:"lastPositiveDate,omitempty"`
	ConsecutiveMissingDays int    `json:"consecutiveMissingDays"`
	IsOffset               bool   `json:"isOffset"`
	OffsetWithBarcode      string `json:"offsetWithBarcode,omitempty"`
	IsAudited              bool   `json:"isAudited"`
}

type SurplusProductRecord struct {
	StoreCode   string `json:"storeCode"`
	Shift       string `json:"shift"`
	ProductName string `json:"productName"`
	Barcode     string `json:"barcode"`
	SystemStock int    `json:"systemStock"`
	ActualStock int    `json:"actualStock"`
	Diff        int    `json:"diff"`
	Reason      string `json:"reason,omitempty"`
	Date        string `json:"date"`
}

type ScanResult struct {
	Year                 int                               `json:"year"`
	Month                int                               `json:"month"`
	Stores               map[string][]MissingProductRecord `json:"stores"`
	OverStock            map[string][]SurplusProductRecord `json:"overStock"`
	TotalFilesScanned    int                               `json:"totalFilesScanned"`
	TotalMissingProducts int                               `json:"totalMissingProducts"`
	ScannedDates         []string                          `json:"scannedDates"`
	Errors               []string                          `json:"errors"`
	Message              string                            `json:"message,omitempty"`
}

// ProgressFunc is called before each file is folded. index is zero-based.
type ProgressFunc func(index, total int, fileName string)

func newScanResult(year, month int) *ScanResult {
	return &ScanResult{
		Year:         year,
		Month:        month,
		Stores:       map[string][]MissingProductRecord{},
		OverStock:    map[string][]SurplusProductRecord{},
		ScannedDates: []string{},
		Errors:       []string{},
	}
}

// StoreCodes returns the stores with shortages in sorted order.
func (r *ScanResult) StoreCodes() []string {
	codes := make([]string, 0, len(r.Stores))
	for code := range r.Stores {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// MissingList flattens Stores in store-code order.
func (r *ScanResult) MissingList() []MissingProductRecord {
	out := make([]MissingProductRecord, 0, r.TotalMissingProducts)
	for _, code := range r.StoreCodes() {
		out = append(out, r.Stores[code]...)
	}
	return out
}

// OverList flattens OverStock in store-code order.
func (r *ScanResult) OverList() []SurplusProductRecord {
	codes := make([]string, 0, len(r.OverStock))
	for code := range r.OverStock {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	var out []SurplusProductRecord
	for _, code := range codes {
		out = append(out, r.OverStock[code]...)
	}
	return out
}

// Period is the YYYY-MM label of the scanned month.
func Period(year, month int) string {
	return periodLabel(year, month)
}
