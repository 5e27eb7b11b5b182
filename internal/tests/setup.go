package tests

import (
	"context"
	"fmt"

	"github.com/signalix/chat/internal/config"
	"github.com/signalix/chat/internal/db"
)

// TruncateTables empties every application table for a clean test state.
func TruncateTables(ctx context.Context, d *db.DB) error {
	query := "TRUNCATE TABLE presence, messages, users CASCADE"
	if d.Driver == config.DriverSQLite {
		for _, table := range []string{"presence", "messages", "users"} {
			if _, err := d.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}
		return nil
	}
	if _, err := d.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
