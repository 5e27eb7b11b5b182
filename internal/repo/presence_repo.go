package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/chat/internal/db"
	"github.com/signalix/chat/internal/model"
)

// PresenceRepo keeps an audit trail of presence records, one row per connection
type PresenceRepo interface {
	Connected(ctx context.Context, rec model.PresenceRecord) error
	Disconnected(ctx context.Context, rec model.PresenceRecord) error
	// Reset marks every row left online by a previous process offline and returns how many changed.
	Reset(ctx context.Context, at time.Time) (int64, error)
	OnlineUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

type presenceRepo struct {
	db *db.DB
}

// NewPresenceRepo creates a new PresenceRepo instance
func NewPresenceRepo(database *db.DB) PresenceRepo {
	return &presenceRepo{db: database}
}

// Connected inserts the online record for a new connection
func (r *presenceRepo) Connected(ctx context.Context, rec model.PresenceRecord) error {
	query := `
		INSERT INTO presence (connection_id, user_id, online, connected_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connection_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), rec.ConnectionID, rec.Identity, true, rec.ConnectedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert presence: %w", err)
	}
	return nil
}

// Disconnected flips the connection's record offline and stamps last_seen
func (r *presenceRepo) Disconnected(ctx context.Context, rec model.PresenceRecord) error {
	lastSeen := time.Now().UTC()
	if rec.LastSeenAt != nil {
		lastSeen = rec.LastSeenAt.UTC()
	}
	query := `UPDATE presence SET online = $1, last_seen = $2 WHERE connection_id = $3 AND online = $4`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), false, lastSeen, rec.ConnectionID, true); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// Reset marks stale online rows offline
func (r *presenceRepo) Reset(ctx context.Context, at time.Time) (int64, error) {
	query := `UPDATE presence SET online = $1, last_seen = $2 WHERE online = $3`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), false, at.UTC(), true)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// OnlineUserIDs returns the distinct users with an online row
func (r *presenceRepo) OnlineUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT user_id FROM presence WHERE online = $1`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), true)
	if err != nil {
		return nil, fmt.Errorf("query online users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
