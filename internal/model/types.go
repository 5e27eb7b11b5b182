package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User statuses mirrored on the user row for profile views.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrEmptyMessage is returned when a message carries neither text nor image.
var ErrEmptyMessage = errors.New("message needs text or image")

// User represents an account in the system
type User struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	// Avatar keeps whatever representation the profile was stored with
	// (a bare URL string or an uploaded image object).
	Avatar    json.RawMessage
	Status    string
	LastSeen  *time.Time
	CreatedAt time.Time
}

// Image describes an uploaded picture stored with the media host
type Image struct {
	URL       string `json:"url"`
	StorageID string `json:"public_id"`
	Bytes     int64  `json:"bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
}

// Message is one entry of the append-only message log.
// ToID nil means the message was sent without an addressee and is broadcast.
type Message struct {
	ID        uuid.UUID
	FromID    uuid.UUID
	ToID      *uuid.UUID
	Text      string
	Image     *Image
	Delivered bool
	Read      bool
	CreatedAt time.Time
}

// Validate enforces that exactly one of text or image is present.
func (m *Message) Validate() error {
	hasText := strings.TrimSpace(m.Text) != ""
	hasImage := m.Image != nil && m.Image.URL != ""
	if hasText == hasImage {
		if !hasText {
			return ErrEmptyMessage
		}
		return errors.New("message must carry either text or image, not both")
	}
	return nil
}

// PresenceRecord is the online state of one connection of an identity
type PresenceRecord struct {
	Identity     uuid.UUID
	ConnectionID string
	Online       bool
	ConnectedAt  time.Time
	LastSeenAt   *time.Time
}

// Conversation summarizes the latest exchange with one correspondent
type Conversation struct {
	UserID      uuid.UUID
	Name        string
	Avatar      json.RawMessage
	LastMessage string
	LastAt      time.Time
}
