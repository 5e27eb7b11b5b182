package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/chat/internal/db"
	"github.com/signalix/chat/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, name, email, passwordHash string) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, name string, avatar json.RawMessage) (model.User, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string, lastSeen *time.Time) error
}

type userRepo struct {
	db *db.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(database *db.DB) UserRepo {
	return &userRepo{db: database}
}

const userColumns = `id, name, email, password_hash, avatar, status, last_seen, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var user model.User
	var avatar sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&avatar,
		&user.Status,
		&lastSeen,
		&user.CreatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	if avatar.Valid && avatar.String != "" {
		user.Avatar = json.RawMessage(avatar.String)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeen = &t
	}
	return user, nil
}

// Create inserts a new user; ErrDuplicate when the email is taken
func (r *userRepo) Create(ctx context.Context, name, email, passwordHash string) (model.User, error) {
	user := model.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Status:       model.StatusOffline,
		CreatedAt:    time.Now().UTC(),
	}
	query := `
		INSERT INTO users (id, name, email, password_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		user.ID, user.Name, user.Email, user.PasswordHash, user.Status, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("email %q: %w", email, ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email address
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, r.db.Rebind(query), email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user with email: %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// GetMany loads users by ID; unknown IDs are absent from the result
func (r *userRepo) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error) {
	out := make(map[uuid.UUID]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return out, nil
}

// UpdateProfile changes the display name and/or avatar; empty values keep the current ones
func (r *userRepo) UpdateProfile(ctx context.Context, id uuid.UUID, name string, avatar json.RawMessage) (model.User, error) {
	var avatarArg any
	if len(avatar) > 0 {
		avatarArg = string(avatar)
	}
	query := `
		UPDATE users
		SET name = COALESCE(NULLIF($1, ''), name),
		    avatar = COALESCE($2, avatar)
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), name, avatarArg, id)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return r.GetByID(ctx, id)
}

// SetStatus records the aggregate online/offline status shown on profiles
func (r *userRepo) SetStatus(ctx context.Context, id uuid.UUID, status string, lastSeen *time.Time) error {
	var lastSeenArg any
	if lastSeen != nil {
		lastSeenArg = lastSeen.UTC()
	}
	query := `UPDATE users SET status = $1, last_seen = COALESCE($2, last_seen) WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), status, lastSeenArg, id); err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	return nil
}
