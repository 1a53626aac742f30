package scan

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DirSnapshotRepository reads the same layout as the bucket from a local directory.
type DirSnapshotRepository struct {
	Root string
}

func NewDirSnapshotRepository(root string) *DirSnapshotRepository {
	return &DirSnapshotRepository{Root: root}
}

func (r *DirSnapshotRepository) ListSnapshotIds(ctx context.Context, year, month int) ([]SnapshotHandle, error) {
	prefix := monthPrefix(year, month)
	entries, err := os.ReadDir(filepath.Join(r.Root, filepath.FromSlash(prefix)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var handles []SnapshotHandle
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if h, ok := handleFromName(prefix+e.Name(), year, month); ok {
			handles = append(handles, h)
		}
	}
	return handles, ctx.Err()
}

func (r *DirSnapshotRepository) FetchSnapshot(ctx context.Context, handle SnapshotHandle) (*DailySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(r.Root, filepath.FromSlash(handle.Name)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeSnapshot(f)
}
