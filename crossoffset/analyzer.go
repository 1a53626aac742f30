package crossoffset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"github.com/sirupsen/logrus"
)

var ErrReconciliationUnavailable = errors.New("pos reconciliation unavailable")

// MatchedPair says a shortage of MissingBarcode is explained by a surplus of
// OverBarcode at the same store. An empty Shift matches every shift.
type MatchedPair struct {
	StoreCode      string `json:"storeCode"`
	Shift          string `json:"shift,omitempty"`
	MissingBarcode string `json:"missingBarcode"`
	OverBarcode    string `json:"overBarcode"`
}

type POSAnalysis struct {
	Success      bool          `json:"success"`
	MatchedPairs []MatchedPair `json:"matchedPairs"`
	Error        string        `json:"error,omitempty"`
}

type ReconciliationSignal interface {
	AnalyzeAgainstPOS(ctx context.Context, missing []scan.MissingProductRecord, over []scan.SurplusProductRecord) (*POSAnalysis, error)
}

type AnalysisResult struct {
	AnalyzedMissing []scan.MissingProductRecord `json:"analyzedMissing"`
	MatchedCount    int                         `json:"matchedCount"`
}

type Analyzer struct {
	Signal ReconciliationSignal
	Logger *logrus.Logger
}

func NewAnalyzer(signal ReconciliationSignal) *Analyzer {
	return &Analyzer{Signal: signal, Logger: config.GetLogger()}
}

// Analyze marks shortages the POS signal pairs with a surplus. The input
// slices are never modified. When the signal fails the original records are
// returned with a zero count and an error wrapping ErrReconciliationUnavailable.
func (a *Analyzer) Analyze(ctx context.Context, missing []scan.MissingProductRecord, over []scan.SurplusProductRecord) (*AnalysisResult, error) {
	out := make([]scan.MissingProductRecord, len(missing))
	copy(out, missing)
	result := &AnalysisResult{AnalyzedMissing: out}

	if len(missing) == 0 || len(over) == 0 {
		return result, nil
	}
	if a.Signal == nil {
		return result, fmt.Errorf("%w: no signal configured", ErrReconciliationUnavailable)
	}

	analysis, err := a.Signal.AnalyzeAgainstPOS(ctx, missing, over)
	if err != nil {
		a.logFailure(err)
		return result, fmt.Errorf("%w: %v", ErrReconciliationUnavailable, err)
	}
	if analysis == nil || !analysis.Success {
		msg := "unsuccessful response"
		if analysis != nil && analysis.Error != "" {
			msg = analysis.Error
		}
		err := fmt.Errorf("%w: %s", ErrReconciliationUnavailable, msg)
		a.logFailure(err)
		return result, err
	}

	surplus := make(map[string]bool, len(over))
	for _, o := range over {
		surplus[o.StoreCode+"|"+o.Barcode] = true
	}

	for _, pair := range analysis.MatchedPairs {
		if pair.MissingBarcode == "" || pair.OverBarcode == "" {
			continue
		}
		if !surplus[pair.StoreCode+"|"+pair.OverBarcode] {
			continue
		}
		matched := false
		for i := range out {
			rec := &out[i]
			if rec.IsOffset || rec.StoreCode != pair.StoreCode || rec.Barcode != pair.MissingBarcode {
				continue
			}
			if pair.Shift != "" && !strings.EqualFold(pair.Shift, rec.Shift) {
				continue
			}
			rec.IsOffset = true
			rec.OffsetWithBarcode = pair.OverBarcode
			matched = true
		}
		if matched {
			result.MatchedCount++
		}
	}
	return result, nil
}

func (a *Analyzer) logFailure(err error) {
	if a.Logger == nil {
		return
	}
	a.Logger.WithFields(logrus.Fields{
		"module":   "crossoffset",
		"funcName": "Analyze",
	}).Warn(err.Error())
}

// ApplyToScanResult returns a copy of result with offset flags taken from analysis.
func ApplyToScanResult(result *scan.ScanResult, analysis *AnalysisResult) *scan.ScanResult {
	if result == nil {
		return nil
	}
	cp := *result
	cp.Stores = make(map[string][]scan.MissingProductRecord, len(result.Stores))
	for store, recs := range result.Stores {
		dup := make([]scan.MissingProductRecord, len(recs))
		copy(dup, recs)
		cp.Stores[store] = dup
	}
	if analysis == nil {
		return &cp
	}

	type key struct{ store, barcode, name, shift string }
	offsets := make(map[key]scan.MissingProductRecord, len(analysis.AnalyzedMissing))
	for _, rec := range analysis.AnalyzedMissing {
		if rec.IsOffset {
			offsets[key{rec.StoreCode, rec.Barcode, rec.ProductName, rec.Shift}] = rec
		}
	}
	for store, recs := range cp.Stores {
		for i := range recs {
			if m, ok := offsets[key{store, recs[i].Barcode, recs[i].ProductName, recs[i].Shift}]; ok {
				recs[i].IsOffset = true
				recs[i].OffsetWithBarcode = m.OffsetWithBarcode
			}
		}
	}
	return &cp
}
