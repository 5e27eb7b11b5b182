package db

import (
	"embed"
	"fmt"
	"log"

	"github.com/pressly/goose/v3"
	"github.com/signalix/chat/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate runs goose migrations embedded for the handle's dialect.
func Migrate(d *DB) error {
	dialect, dir := "postgres", "migrations/postgres"
	if d.Driver == config.DriverSQLite {
		dialect, dir = "sqlite3", "migrations/sqlite"
	}

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Printf("Running %s migrations", dialect)
	if err := goose.Up(d.DB, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
