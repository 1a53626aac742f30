package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/crossoffset"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models/reports"
	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	now := time.Now().UTC()
	year := flag.Int("year", now.Year(), "Year to scan")
	month := flag.Int("month", int(now.Month()), "Month to scan (1-12)")
	dir := flag.String("dir", "", "Read snapshots from this directory instead of GCS")
	bucket := flag.String("bucket", "", "Snapshot bucket (defaults to SNAPSHOT_BUCKET)")
	offsets := flag.Bool("offsets", false, "Run cross-offset analysis against the POS")
	xlsxPath := flag.String("xlsx", "", "Write the workbook to this path")
	verbose := flag.Bool("v", false, "Log each snapshot as it is scanned")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.GetLogger()
	repo, closeRepo, err := openRepository(ctx, *dir, *bucket)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeRepo()

	var progress scan.ProgressFunc
	if *verbose {
		progress = func(index, total int, fileName string) {
			logger.WithFields(logrus.Fields{"file": fileName}).Infof("scanning %d/%d", index+1, total)
		}
	}

	result, err := scan.NewScanner(repo).Scan(ctx, *year, *month, progress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	if *offsets {
		posClient, err := crossoffset.NewPOSClientFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "pos client: %v\n", err)
			os.Exit(1)
		}
		defer posClient.Close()
		analysis, err := crossoffset.NewAnalyzer(posClient).Analyze(ctx, result.MissingList(), result.OverList())
		if err != nil {
			result.Errors = append(result.Errors, "cross-offset: "+err.Error())
		} else {
			result = crossoffset.ApplyToScanResult(result, analysis)
		}
	}

	printSummary(result)

	if *xlsxPath != "" {
		data, err := reports.ExportScanResult(ctx, result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*xlsxPath, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", *xlsxPath, err)
			os.Exit(1)
		}
		fmt.Printf("workbook written to %s\n", *xlsxPath)
	}
}

func openRepository(ctx context.Context, dir, bucket string) (scan.SnapshotRepository, func(), error) {
	if strings.TrimSpace(dir) != "" {
		return scan.NewDirSnapshotRepository(dir), func() {}, nil
	}
	if strings.TrimSpace(bucket) == "" {
		bucket = config.SnapshotBucket()
	}
	if bucket == "" {
		return nil, nil, errors.New("--dir or --bucket (or SNAPSHOT_BUCKET) is required")
	}
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	return scan.NewGCSSnapshotRepository(client, bucket), func() { _ = client.Close() }, nil
}

func printSummary(result *scan.ScanResult) {
	fmt.Printf("period=%s files=%d missing=%d\n", scan.Period(result.Year, result.Month), result.TotalFilesScanned, result.TotalMissingProducts)
	if result.Message != "" {
		fmt.Println(result.Message)
	}
	for _, code := range result.StoreCodes() {
		records := result.Stores[code]
		offset := 0
		for _, r := range records {
			if r.IsOffset {
				offset++
			}
		}
		fmt.Printf("  %s missing=%d offset=%d over=%d\n", code, len(records), offset, len(result.OverStock[code]))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
}
