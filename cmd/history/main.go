// Command history prints the download history recorded by the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/repository"
)

func main() {
	defaultDB := os.Getenv("STORAGE_HISTORY_DB")
	if defaultDB == "" {
		defaultDB = "/data/moegrabba/history.db"
	}

	dbPath := flag.String("db", defaultDB, "Path to the history database")
	limit := flag.Int("limit", 20, "Maximum number of entries to show")
	offset := flag.Int("offset", 0, "Number of newest entries to skip")
	asJSON := flag.Bool("json", false, "Print entries as JSON")
	flag.Parse()

	if err := run(context.Background(), os.Stdout, *dbPath, *limit, *offset, *asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, dbPath string, limit, offset int, asJSON bool) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("history database: %w", err)
	}

	history, err := repository.OpenHistory(dbPath)
	if err != nil {
		return err
	}
	defer history.Close()

	records, err := history.List(ctx, limit, offset)
	if err != nil {
		return err
	}
	total, err := history.Count(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		if records == nil {
			records = []*domain.DownloadRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if total == 0 {
		fmt.Fprintln(w, "No downloads recorded.")
		return nil
	}
	fmt.Fprintln(w, renderHistory(records, total, time.Now()))
	return nil
}
