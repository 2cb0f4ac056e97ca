// ABOUTME: Schema initialization through embedded goose migrations
// ABOUTME: Safe to run on every open; applied versions are skipped
package db

import (
	"database/sql"
	"fmt"

	"github.com/harperreed/dealsync/migrations"
	"github.com/pressly/goose/v3"
)

// InitSchema applies all pending migrations.
func InitSchema(db *sql.DB) error {
	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
