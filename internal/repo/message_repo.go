package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/chat/internal/db"
	"github.com/signalix/chat/internal/model"
)

// conversationScanLimit bounds how many recent messages are folded into the conversation list
const conversationScanLimit = 2000

// NewMessage is the input for MessageRepo.Create
type NewMessage struct {
	FromID uuid.UUID
	ToID   *uuid.UUID
	Text   string
	Image  *model.Image
}

// MessageRepo is the append-only message log with delivered/read flags
type MessageRepo interface {
	Create(ctx context.Context, in NewMessage) (model.Message, error)
	Get(ctx context.Context, id uuid.UUID) (model.Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkRead(ctx context.Context, id uuid.UUID) (changed bool, err error)
	History(ctx context.Context, userID, withUserID uuid.UUID, limit int) ([]model.Message, error)
	Conversations(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
}

type messageRepo struct {
	db *db.DB
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(database *db.DB) MessageRepo {
	return &messageRepo{db: database}
}

const messageColumns = `id, from_id, to_id, text, image, delivered, read, created_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var msg model.Message
	var toID uuid.NullUUID
	var text, image sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.FromID,
		&toID,
		&text,
		&image,
		&msg.Delivered,
		&msg.Read,
		&msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, err
	}
	if toID.Valid {
		id := toID.UUID
		msg.ToID = &id
	}
	msg.Text = text.String
	if image.Valid && image.String != "" {
		var img model.Image
		if err := json.Unmarshal([]byte(image.String), &img); err != nil {
			return model.Message{}, fmt.Errorf("decode image: %w", err)
		}
		msg.Image = &img
	}
	return msg, nil
}

// Create appends a message to the log
func (r *messageRepo) Create(ctx context.Context, in NewMessage) (model.Message, error) {
	msg := model.Message{
		ID:        uuid.New(),
		FromID:    in.FromID,
		ToID:      in.ToID,
		Text:      in.Text,
		Image:     in.Image,
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}

	var toArg, textArg, imageArg any
	if msg.ToID != nil {
		toArg = *msg.ToID
	}
	if msg.Text != "" {
		textArg = msg.Text
	}
	if msg.Image != nil {
		b, err := json.Marshal(msg.Image)
		if err != nil {
			return model.Message{}, fmt.Errorf("encode image: %w", err)
		}
		imageArg = string(b)
	}

	query := `
		INSERT INTO messages (id, from_id, to_id, text, image, delivered, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		msg.ID, msg.FromID, toArg, textArg, imageArg, false, false, msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Get loads a single message
func (r *messageRepo) Get(ctx context.Context, id uuid.UUID) (model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// MarkDelivered sets delivered = true. Setting it twice is a no-op.
func (r *messageRepo) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE messages SET delivered = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), true, id); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRead sets read = true and reports whether the flag actually flipped
func (r *messageRepo) MarkRead(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE messages SET read = $1 WHERE id = $2 AND read = $3`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), true, id, false)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark read rows: %w", err)
	}
	return n > 0, nil
}

// History returns the latest messages exchanged between two users, oldest first
func (r *messageRepo) History(ctx context.Context, userID, withUserID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $3 AND to_id = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), userID, withUserID, withUserID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Conversations returns the latest message per correspondent, newest first.
// Name and Avatar are left for the caller to fill from the user directory.
func (r *messageRepo) Conversations(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	query := `
		SELECT from_id, to_id, text, created_at
		FROM messages
		WHERE to_id IS NOT NULL AND (from_id = $1 OR to_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), userID, userID, conversationScanLimit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]struct{})
	var out []model.Conversation
	for rows.Next() {
		var from uuid.UUID
		var to uuid.NullUUID
		var text sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&from, &to, &text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		other := from
		if from == userID {
			other = to.UUID
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, model.Conversation{
			UserID:      other,
			LastMessage: text.String,
			LastAt:      createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}
