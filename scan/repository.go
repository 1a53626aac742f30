package scan

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const snapshotDateLayout = "2006-01-02"

// monthPrefix is the archive folder for a month, e.g. "2026/01/".
func monthPrefix(year, month int) string {
	return fmt.Sprintf("%04d/%02d/", year, month)
}

// handleFromName accepts "<anything>/YYYY-MM-DD.json" when the date falls in year/month.
func handleFromName(name string, year, month int) (SnapshotHandle, bool) {
	base := path.Base(name)
	if !strings.EqualFold(path.Ext(base), ".json") {
		return SnapshotHandle{}, false
	}
	day, err := time.Parse(snapshotDateLayout, strings.TrimSuffix(base, path.Ext(base)))
	if err != nil {
		return SnapshotHandle{}, false
	}
	if day.Year() != year || int(day.Month()) != month {
		return SnapshotHandle{}, false
	}
	return SnapshotHandle{Name: name, Date: day.Format(snapshotDateLayout)}, true
}

func decodeSnapshot(r io.Reader) (*DailySnapshot, error) {
	var snap DailySnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Date != "" {
		if _, err := time.Parse(snapshotDateLayout, snap.Date); err != nil {
			return nil, fmt.Errorf("snapshot date %q: %w", snap.Date, err)
		}
	}
	if snap.Stores == nil {
		snap.Stores = map[string]map[string][]LineItem{}
	}
	return &snap, nil
}
