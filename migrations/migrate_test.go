package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func TestRunMigrations_SecondRunIsNoChange(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if err := RunMigrations(db, ".", zerolog.Nop()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Re-running against an up-to-date schema must be a clean no-op.
	if err := RunMigrations(db, ".", zerolog.Nop()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("schema missing after migrations: %v", err)
	}
}
