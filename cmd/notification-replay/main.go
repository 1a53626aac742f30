package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
)

func main() {
	statuses := flag.String("statuses", models.OutboxPublishStatusDead, "Comma separated statuses to replay (DEAD, FAILED)")
	ids := flag.String("ids", "", "Optional comma separated notification ids")
	dryRun := flag.Bool("dry-run", true, "Count matching rows only (no writes)")
	flag.Parse()

	var statusList []string
	for _, s := range strings.Split(*statuses, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if s != models.OutboxPublishStatusDead && s != models.OutboxPublishStatusFailed {
			fmt.Fprintf(os.Stderr, "status %q cannot be replayed\n", s)
			os.Exit(1)
		}
		statusList = append(statusList, s)
	}
	if len(statusList) == 0 {
		fmt.Fprintln(os.Stderr, "--statuses is required")
		os.Exit(1)
	}

	var idList []int
	for _, raw := range strings.Split(*ids, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			fmt.Fprintf(os.Stderr, "invalid id %q\n", raw)
			os.Exit(1)
		}
		idList = append(idList, id)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	if *dryRun {
		q := db.WithContext(utils.SetSkipStoreScopeInContext(ctx, true)).
			Model(&models.NotificationRecord{}).
			Where("publish_status IN ?", statusList)
		if len(idList) > 0 {
			q = q.Where("id IN ?", idList)
		}
		var count int64
		if err := q.Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry-run: %d notification(s) would be replayed\n", count)
		return
	}

	n, err := models.ReplayNotifications(ctx, db, statusList, idList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("replayed %d notification(s)\n", n)
}
