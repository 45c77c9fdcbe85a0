// collection-import loads historical collections from an xlsx workbook.
//
// Columns (row 1 is a header): machine code, collected at, amount, latitude, longitude, notes.
// Rows with an amount are imported as received, with the operator as receiving manager.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/collection-import -file gs://bucket/pickups.xlsx -operator op-42
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"github.com/vendcash/collections_backend/workflow"
)

func main() {
	file := flag.String("file", "", "Required: local path or gs://bucket/object of the xlsx workbook")
	operator := flag.String("operator", "", "Required: operator id recorded on every imported collection")
	sheet := flag.String("sheet", "", "Optional: sheet name (default first sheet)")
	tz := flag.String("tz", "UTC", "Optional: IANA zone for timestamps without an offset")
	checkDuplicates := flag.Bool("check-duplicates", false, "Reject rows that duplicate an existing collection")
	dryRun := flag.Bool("dry-run", false, "Parse and report without writing")
	flag.Parse()

	if strings.TrimSpace(*file) == "" || strings.TrimSpace(*operator) == "" {
		fmt.Fprintln(os.Stderr, "-file and -operator are required")
		os.Exit(1)
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -tz: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := config.GetLogger()
	// stdout carries the JSON result.
	logger.SetOutput(os.Stderr)

	r, err := utils.OpenFile(ctx, *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	rows, parseErrors, err := workflow.ParseCollectionSheet(r, *sheet, loc)
	_ = r.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":   "collection-import",
		"file":    *file,
		"rows":    len(rows),
		"invalid": len(parseErrors),
	}).Info("workbook parsed")

	if *dryRun {
		printJSON(workflow.ImportResult{Rows: len(rows) + len(parseErrors), Failed: len(parseErrors), Errors: parseErrors})
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	notifier := workflow.NewNotifier(workflow.NewRedisCacheInvalidator(config.GetRedisDB()), nil, logger)
	engine := workflow.NewCollectionWorkflow(
		models.NewCollectionStore(db),
		models.NewMachineRegistry(db),
		notifier,
		workflow.WithSettings(config.LoadCollectionSettings()),
		workflow.WithLogger(logger),
	)

	ctx = utils.SetUserIdInContext(ctx, *operator)
	ctx = utils.SetUserNameInContext(ctx, "collection-import")
	result, err := engine.ImportSheet(ctx, rows, parseErrors, *operator, *checkDuplicates)
	if result != nil {
		printJSON(result)
	}
	if err != nil {
		config.LogError(logger, "collection-import", "main", "ImportSheet", *file, err)
		os.Exit(2)
	}
	if result.Failed > 0 {
		os.Exit(3)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
