package scan

import (
	"fmt"
	"sort"
)

type timelineKey struct {
	store    string
	identity string
}

type recordKey struct {
	store    string
	identity string
	shift    string
}

// timeline carries per-product state across days. It is folded one snapshot
// at a time, in date order, by a single goroutine.
type timeline struct {
	lastPositive map[timelineKey]string
	missingDays  map[timelineKey]int
	countedOn    map[timelineKey]string
	unaudited    map[timelineKey]bool

	missing    map[string][]MissingProductRecord
	missingIdx map[recordKey]int
	over       map[string][]SurplusProductRecord
	overIdx    map[recordKey]int

	totalMissing int
}

func newTimeline() *timeline {
	return &timeline{
		lastPositive: map[timelineKey]string{},
		missingDays:  map[timelineKey]int{},
		countedOn:    map[timelineKey]string{},
		unaudited:    map[timelineKey]bool{},
		missing:      map[string][]MissingProductRecord{},
		missingIdx:   map[recordKey]int{},
		over:         map[string][]SurplusProductRecord{},
		overIdx:      map[recordKey]int{},
	}
}

// apply folds one day dated date. Stores and shifts are visited in sorted
// order so the output is stable across runs.
func (t *timeline) apply(date string, snap *DailySnapshot) {
	storeCodes := make([]string, 0, len(snap.Stores))
	for code := range snap.Stores {
		storeCodes = append(storeCodes, code)
	}
	sort.Strings(storeCodes)

	for _, store := range storeCodes {
		shifts := snap.Stores[store]
		shiftNames := make([]string, 0, len(shifts))
		for name := range shifts {
			shiftNames = append(shiftNames, name)
		}
		sort.Strings(shiftNames)

		for _, shift := range shiftNames {
			for _, item := range shifts[shift] {
				t.applyLine(date, store, shift, item)
			}
		}
	}
}

func (t *timeline) applyLine(date, store, shift string, item LineItem) {
	identity := item.Identity()
	if identity == "" {
		return
	}
	tk := timelineKey{store: store, identity: identity}
	rk := recordKey{store: store, identity: identity, shift: shift}

	if item.ActualStock == nil {
		t.unaudited[tk] = true
		return
	}

	if item.Diff >= 0 {
		t.lastPositive[tk] = date
		t.missingDays[tk] = 0
		delete(t.countedOn, tk)
		if item.Diff > 0 {
			t.putSurplus(rk, SurplusProductRecord{
				StoreCode:   store,
				Shift:       shift,
				ProductName: item.ProductName,
				Barcode:     item.Barcode,
				SystemStock: item.SystemStock,
				ActualStock: *item.ActualStock,
				Diff:        item.Diff,
				Reason:      item.Reason,
				Date:        date,
			})
		}
		return
	}

	// A product short in two shifts of the same day is one missing day.
	if t.countedOn[tk] != date {
		t.missingDays[tk]++
		t.countedOn[tk] = date
	}

	t.putMissing(rk, MissingProductRecord{
		StoreCode:              store,
		Shift:                  shift,
		ProductName:            item.ProductName,
		Barcode:                item.Barcode,
		SystemStock:            item.SystemStock,
		ActualStock:            *item.ActualStock,
		Diff:                   item.Diff,
		Reason:                 item.Reason,
		Date:                   date,
		LastPositiveDate:       t.lastPositive[tk],
		ConsecutiveMissingDays: t.missingDays[tk],
		IsAudited:              true,
	})
}

func (t *timeline) putMissing(rk recordKey, rec MissingProductRecord) {
	if i, ok := t.missingIdx[rk]; ok {
		t.missing[rk.store][i] = rec
		return
	}
	t.missingIdx[rk] = len(t.missing[rk.store])
	t.missing[rk.store] = append(t.missing[rk.store], rec)
	t.totalMissing++
}

func (t *timeline) putSurplus(rk recordKey, rec SurplusProductRecord) {
	if i, ok := t.overIdx[rk]; ok {
		t.over[rk.store][i] = rec
		return
	}
	t.overIdx[rk] = len(t.over[rk.store])
	t.over[rk.store] = append(t.over[rk.store], rec)
}

// finish copies the accumulated records into result and applies the
// unaudited flag to every key that had an uncounted line in the window.
func (t *timeline) finish(result *ScanResult) {
	for store, records := range t.missing {
		out := make([]MissingProductRecord, len(records))
		copy(out, records)
		for i := range out {
			rec := &out[i]
			identity := rec.Barcode
			if identity == "" {
				identity = rec.ProductName
			}
			if t.unaudited[timelineKey{store: store, identity: identity}] {
				rec.IsAudited = false
			}
		}
		result.Stores[store] = out
	}
	for store, records := range t.over {
		out := make([]SurplusProductRecord, len(records))
		copy(out, records)
		result.OverStock[store] = out
	}
	result.TotalMissingProducts = t.totalMissing
}

func periodLabel(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}
