package config

import (
	"os"
	"strings"
	"time"
)

// ScanFetchConcurrency bounds how many snapshot files are fetched ahead of the fold.
func ScanFetchConcurrency() int {
	n := intFromEnv("SCAN_FETCH_CONCURRENCY", 4)
	if n < 1 {
		return 1
	}
	return n
}

func ScanCacheTTL() time.Duration {
	n := intFromEnv("SCAN_CACHE_TTL_MINUTES", 30)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Minute
}

// SnapshotBucket falls back to the general upload bucket.
func SnapshotBucket() string {
	if v := strings.TrimSpace(os.Getenv("SNAPSHOT_BUCKET")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}

func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

// ScanOffsetsEnabled turns on POS cross-offset analysis when POS_RECON_BASE_URL is set.
func ScanOffsetsEnabled() bool {
	if strings.TrimSpace(os.Getenv("POS_RECON_BASE_URL")) == "" {
		return false
	}
	return boolFromEnv("SCAN_ANALYZE_OFFSETS", true)
}

// SlowExportThreshold reads EXPORT_SLOW_MS (default 500ms).
func SlowExportThreshold() time.Duration {
	ms := intFromEnv("EXPORT_SLOW_MS", 500)
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}
