package scan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func line(barcode string, diff int) LineItem {
	return LineItem{
		ProductName: "product " + barcode,
		Barcode:     barcode,
		SystemStock: 10,
		ActualStock: intPtr(10 + diff),
		Diff:        diff,
	}
}

func day(date string, store, shift string, items ...LineItem) *DailySnapshot {
	return &DailySnapshot{
		Date:   date,
		Stores: map[string]map[string][]LineItem{store: {shift: items}},
	}
}

func fold(days ...*DailySnapshot) *ScanResult {
	tl := newTimeline()
	for _, d := range days {
		tl.apply(d.Date, d)
	}
	res := newScanResult(2026, 1)
	tl.finish(res)
	return res
}

func TestTimelineSustainedShortage(t *testing.T) {
	var days []*DailySnapshot
	for d := 1; d <= 5; d++ {
		days = append(days, day(fmt.Sprintf("2026-01-%02d", d), "BEE", "morning", line("X", -2)))
	}

	res := fold(days...)

	require.Len(t, res.Stores["BEE"], 1)
	rec := res.Stores["BEE"][0]
	assert.Equal(t, "X", rec.Barcode)
	assert.Equal(t, 5, rec.ConsecutiveMissingDays)
	assert.Equal(t, "2026-01-05", rec.Date)
	assert.Equal(t, "", rec.LastPositiveDate)
	assert.True(t, rec.IsAudited)
	assert.False(t, rec.IsOffset)
	assert.Equal(t, 1, res.TotalMissingProducts)
}

func TestTimelineResetsOnNonNegativeDay(t *testing.T) {
	res := fold(
		day("2026-01-01", "BEE", "morning", line("Y", -1)),
		day("2026-01-02", "BEE", "morning", line("Y", -1)),
		day("2026-01-03", "BEE", "morning", line("Y", 0)),
		day("2026-01-04", "BEE", "morning", line("Y", -1)),
	)

	require.Len(t, res.Stores["BEE"], 1)
	rec := res.Stores["BEE"][0]
	assert.Equal(t, 1, rec.ConsecutiveMissingDays)
	assert.Equal(t, "2026-01-03", rec.LastPositiveDate)
	assert.Equal(t, "2026-01-04", rec.Date)
}

func TestTimelineCountsDistinctKeysNotOccurrences(t *testing.T) {
	res := fold(
		&DailySnapshot{Date: "2026-01-01", Stores: map[string]map[string][]LineItem{
			"BEE": {"morning": {line("A", -1), line("B", -3)}, "evening": {line("A", -1)}},
			"ANT": {"morning": {line("A", -1)}},
		}},
		&DailySnapshot{Date: "2026-01-02", Stores: map[string]map[string][]LineItem{
			"BEE": {"morning": {line("A", -2), line("B", 0)}, "evening": {line("A", -1)}},
			"ANT": {"morning": {line("A", -4)}},
		}},
	)

	// BEE/A/morning, BEE/A/evening, BEE/B/morning, ANT/A/morning
	assert.Equal(t, 4, res.TotalMissingProducts)
	total := 0
	for _, recs := range res.Stores {
		total += len(recs)
	}
	assert.Equal(t, res.TotalMissingProducts, total)

	for _, rec := range res.Stores["BEE"] {
		if rec.Barcode == "A" && rec.Shift == "morning" {
			assert.Equal(t, -2, rec.Diff)
			assert.Equal(t, "2026-01-02", rec.Date)
			assert.Equal(t, 2, rec.ConsecutiveMissingDays)
		}
		if rec.Barcode == "B" {
			assert.Equal(t, "2026-01-01", rec.Date)
		}
	}
	assert.Equal(t, -4, res.Stores["ANT"][0].Diff)
}

func TestTimelineSameDayShiftsCountOnce(t *testing.T) {
	res := fold(
		&DailySnapshot{Date: "2026-01-01", Stores: map[string]map[string][]LineItem{
			"BEE": {"morning": {line("A", -1)}, "evening": {line("A", -1)}},
		}},
		&DailySnapshot{Date: "2026-01-02", Stores: map[string]map[string][]LineItem{
			"BEE": {"morning": {line("A", -1)}},
		}},
	)
	for _, rec := range res.Stores["BEE"] {
		if rec.Shift == "morning" {
			assert.Equal(t, 2, rec.ConsecutiveMissingDays)
		}
		if rec.Shift == "evening" {
			assert.Equal(t, 1, rec.ConsecutiveMissingDays)
		}
	}
}

func TestTimelineIsOrderDependent(t *testing.T) {
	days := []*DailySnapshot{
		day("2026-01-01", "BEE", "morning", line("Y", -1)),
		day("2026-01-02", "BEE", "morning", line("Y", 0)),
		day("2026-01-03", "BEE", "morning", line("Y", -1)),
		day("2026-01-04", "BEE", "morning", line("Y", -1)),
	}
	forward := fold(days...)
	reversed := fold(days[3], days[2], days[1], days[0])

	fwd := forward.Stores["BEE"][0]
	rev := reversed.Stores["BEE"][0]
	assert.Equal(t, 2, fwd.ConsecutiveMissingDays)
	assert.Equal(t, "2026-01-04", fwd.Date)
	assert.NotEqual(t, fwd, rev)
	assert.Equal(t, "2026-01-01", rev.Date)
	assert.Equal(t, 1, rev.ConsecutiveMissingDays)
}

func TestTimelineMonotonicWithinStreak(t *testing.T) {
	tl := newTimeline()
	prev := 0
	for d := 1; d <= 4; d++ {
		date := fmt.Sprintf("2026-01-%02d", d)
		tl.apply(date, day(date, "BEE", "morning", line("X", -1)))
		got := tl.missing["BEE"][0].ConsecutiveMissingDays
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestTimelineUnauditedLinesNeverClassified(t *testing.T) {
	uncounted := LineItem{ProductName: "Soap", Barcode: "S", SystemStock: 4, Diff: -4}

	res := fold(
		day("2026-01-01", "BEE", "morning", line("S", -1)),
		day("2026-01-02", "BEE", "morning", uncounted),
		day("2026-01-03", "BEE", "morning", line("S", -1)),
		day("2026-01-04", "BEE", "morning", LineItem{ProductName: "Rice", Barcode: "R", Diff: -9}),
	)

	require.Len(t, res.Stores["BEE"], 1)
	rec := res.Stores["BEE"][0]
	assert.Equal(t, "S", rec.Barcode)
	assert.Equal(t, 2, rec.ConsecutiveMissingDays)
	assert.False(t, rec.IsAudited)
	assert.Equal(t, 1, res.TotalMissingProducts)
}

func TestTimelineFallsBackToProductName(t *testing.T) {
	noBarcode := LineItem{ProductName: "Loose Tea", SystemStock: 3, ActualStock: intPtr(1), Diff: -2}
	res := fold(
		day("2026-01-01", "BEE", "morning", noBarcode),
		day("2026-01-02", "BEE", "morning", noBarcode),
	)
	require.Len(t, res.Stores["BEE"], 1)
	assert.Equal(t, 2, res.Stores["BEE"][0].ConsecutiveMissingDays)
	assert.Equal(t, "", res.Stores["BEE"][0].Barcode)
}

func TestTimelineCollectsLatestSurplus(t *testing.T) {
	res := fold(
		day("2026-01-01", "BEE", "morning", line("Z", 3)),
		day("2026-01-02", "BEE", "morning", line("Z", 1)),
	)
	require.Len(t, res.OverStock["BEE"], 1)
	assert.Equal(t, 1, res.OverStock["BEE"][0].Diff)
	assert.Equal(t, "2026-01-02", res.OverStock["BEE"][0].Date)
	assert.Empty(t, res.Stores)
	assert.Equal(t, 0, res.TotalMissingProducts)
}
