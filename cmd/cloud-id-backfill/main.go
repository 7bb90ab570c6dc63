package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/agent"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
)

// cloud-id-backfill gives catalog rows created before cloud ids existed a cloud id
// and id mapping. It is safe to run repeatedly; only the first run changes data.
func main() {
	dbPath := flag.String("db", "", "Path to the terminal SQLite database (default POS_DB_PATH)")
	flag.Parse()

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("POS_DB_PATH"))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "--db or POS_DB_PATH is required")
		os.Exit(1)
	}

	logger := config.GetLogger()
	db, err := config.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	res, err := agent.RunBackfill(context.Background(), db, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backfill failed:", err)
		os.Exit(1)
	}
	if !res.Applied {
		fmt.Println("legacy cloud id backfill already applied; nothing to do")
		return
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}
