package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/signalix/chat/internal/config"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// DB is a database handle that knows which SQL dialect it speaks.
// Queries are written with Postgres $n placeholders; each must appear once
// and in ascending order so the SQLite rebind stays positional.
type DB struct {
	*sql.DB
	Driver string
}

// Rebind converts $n placeholders for the underlying driver.
func (d *DB) Rebind(query string) string {
	if d.Driver != config.DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// Open connects using the configured driver.
func Open(ctx context.Context, driver, databaseURL string) (*DB, error) {
	switch driver {
	case config.DriverPostgres:
		conn, err := OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return &DB{DB: conn, Driver: driver}, nil
	case config.DriverSQLite:
		conn, err := OpenSQLite(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return &DB{DB: conn, Driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
