package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidPeriod        = errors.New("invalid scan period")
	ErrSnapshotDateMismatch = errors.New("snapshot date does not match file name")
)

// Scanner folds a month of daily snapshots into a ScanResult.
// Fetches run ahead of the fold on a bounded pool; the fold itself is serial.
type Scanner struct {
	Repo         SnapshotRepository
	Concurrency  int
	FetchTimeout time.Duration
	Logger       *logrus.Logger
}

func NewScanner(repo SnapshotRepository) *Scanner {
	return &Scanner{
		Repo:         repo,
		Concurrency:  config.ScanFetchConcurrency(),
		FetchTimeout: 30 * time.Second,
		Logger:       config.GetLogger(),
	}
}

type fetchSlot struct {
	done chan struct{}
	snap *DailySnapshot
	err  error
}

func (s *Scanner) Scan(ctx context.Context, year, month int, progress ProgressFunc) (*ScanResult, error) {
	if month < 1 || month > 12 || year < 1 {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, year, month)
	}
	if s.Repo == nil {
		return nil, errors.New("snapshot repository is not configured")
	}

	handles, err := s.Repo.ListSnapshotIds(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", periodLabel(year, month), err)
	}

	result := newScanResult(year, month)
	if len(handles) == 0 {
		result.Message = fmt.Sprintf("no snapshots archived for %s", periodLabel(year, month))
		result.Errors = append(result.Errors, result.Message)
		return result, nil
	}

	handles = sortHandles(handles)
	slots := make([]*fetchSlot, len(handles))
	for i := range slots {
		slots[i] = &fetchSlot{done: make(chan struct{})}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	launched := make(chan struct{})
	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(max(s.Concurrency, 1))

	go func() {
		defer close(launched)
		for i, h := range handles {
			if gctx.Err() != nil {
				return
			}
			slot := slots[i]
			handle := h
			g.Go(func() error {
				defer close(slot.done)
				slot.snap, slot.err = s.fetch(gctx, handle)
				return nil
			})
		}
	}()
	defer func() {
		cancel()
		<-launched
		_ = g.Wait()
	}()

	tl := newTimeline()
	for i, h := range handles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(i, len(handles), h.Name)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-slots[i].done:
		}

		slot := slots[i]
		if slot.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", h.Name, slot.err))
			s.logFileError(h, slot.err)
			continue
		}

		tl.apply(h.Date, slot.snap)
		result.TotalFilesScanned++
		result.ScannedDates = append(result.ScannedDates, h.Date)
	}

	tl.finish(result)
	return result, nil
}

func (s *Scanner) fetch(ctx context.Context, h SnapshotHandle) (*DailySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.FetchTimeout)
		defer cancel()
	}
	snap, err := s.Repo.FetchSnapshot(ctx, h)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New("empty snapshot")
	}
	// The fold is ordered by file name, so a document dated elsewhere cannot be placed.
	if snap.Date != "" && snap.Date != h.Date {
		return nil, fmt.Errorf("%w: document %s, file %s", ErrSnapshotDateMismatch, snap.Date, h.Date)
	}
	return snap, nil
}

func (s *Scanner) logFileError(h SnapshotHandle, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"module":   "scan",
		"funcName": "Scan",
		"file":     h.Name,
		"date":     h.Date,
	}).Warn(err.Error())
}

// sortHandles orders by date, then name, without touching the caller's slice.
func sortHandles(handles []SnapshotHandle) []SnapshotHandle {
	out := make([]SnapshotHandle, len(handles))
	copy(out, handles)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Name < out[j].Name
	})
	return out
}
