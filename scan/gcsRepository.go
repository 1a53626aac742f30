package scan

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSSnapshotRepository reads archived snapshots from a bucket laid out as
// YYYY/MM/YYYY-MM-DD.json.
type GCSSnapshotRepository struct {
	Client *storage.Client
	Bucket string
}

func NewGCSSnapshotRepository(client *storage.Client, bucket string) *GCSSnapshotRepository {
	return &GCSSnapshotRepository{Client: client, Bucket: bucket}
}

func (r *GCSSnapshotRepository) ListSnapshotIds(ctx context.Context, year, month int) ([]SnapshotHandle, error) {
	if r.Client == nil || r.Bucket == "" {
		return nil, errors.New("snapshot bucket is not configured")
	}
	it := r.Client.Bucket(r.Bucket).Objects(ctx, &storage.Query{Prefix: monthPrefix(year, month)})

	var handles []SnapshotHandle
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", r.Bucket, monthPrefix(year, month), err)
		}
		if h, ok := handleFromName(attrs.Name, year, month); ok {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

func (r *GCSSnapshotRepository) FetchSnapshot(ctx context.Context, handle SnapshotHandle) (*DailySnapshot, error) {
	if r.Client == nil || r.Bucket == "" {
		return nil, errors.New("snapshot bucket is not configured")
	}
	rc, err := r.Client.Bucket(r.Bucket).Object(handle.Name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return decodeSnapshot(rc)
}
