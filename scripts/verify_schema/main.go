package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a journal database has the expected tables
// and columns. The path defaults to JOURNAL_DB_PATH.
var expected = map[string][]string{
	"trades":       {"id", "symbol", "side", "quantity", "entry_price", "exit_price", "leverage", "strategy", "ai_decision_id", "realized_pnl", "exit_reason", "status", "entry_time", "exit_time"},
	"ai_decisions": {"id", "symbol", "model_used", "analysis_type", "raw_analysis", "extracted_signal", "confidence", "created_at"},
	"risk_events":  {"id", "event_type", "severity", "description", "action_taken", "created_at"},
}

func main() {
	dbPath := os.Getenv("JOURNAL_DB_PATH")
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	if dbPath == "" {
		dbPath = "./data/journal.db"
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"trades", "ai_decisions", "risk_events"} {
		var ddl string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&ddl)
		if err != nil {
			fmt.Printf("MISSING table %s (%v)\n", table, err)
			missing++
			continue
		}
		for _, col := range expected[table] {
			if !strings.Contains(ddl, col) {
				fmt.Printf("MISSING column %s.%s\n", table, col)
				missing++
			}
		}
		fmt.Printf("ok %s\n", table)
	}
	if missing > 0 {
		os.Exit(1)
	}
}
