// Package event defines the realtime wire vocabulary shared by the transport,
// the relay engine and the signaling coordinator.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names (client → server)
const (
	SendMessage        = "send-message"
	MarkRead           = "mark-read"
	Typing             = "typing"
	CallInit           = "call-init"
	CallAccept         = "call-accept"
	CallDecline        = "call-decline"
	SignalOffer        = "signal-offer"
	SignalAnswer       = "signal-answer"
	SignalICE          = "signal-ice"
	RequestOnlineUsers = "request-online-users"
)

// Outbound event names (server → client). Typing and the signal-* names are
// shared with the inbound set.
const (
	MessageReceived  = "message-received"
	MessageSent      = "message-sent"
	MessageDelivered = "message-delivered"
	MessageRead      = "message-read"
	UserOnline       = "user-online"
	UserOffline      = "user-offline"
	OnlineUsers      = "online-users"
	IncomingCall     = "incoming-call"
	CallAccepted     = "call-accepted"
	CallDeclined     = "call-declined"
	Error            = "error"
)

// Envelope is one frame on the realtime channel in either direction
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Raw is a payload that is already encoded. Encode frames it as is, so its
// bytes reach the client unchanged.
type Raw []byte

// Encode marshals an outbound frame
func Encode(name string, payload any) ([]byte, error) {
	var data []byte
	if raw, ok := payload.(Raw); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("event %s: invalid raw payload", name)
		}
		data = raw
	} else {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	quoted, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(quoted)+20)
	frame = append(frame, `{"event":`...)
	frame = append(frame, quoted...)
	frame = append(frame, `,"data":`...)
	frame = append(frame, data...)
	frame = append(frame, '}')
	return frame, nil
}

// Inbound payloads

type SendMessagePayload struct {
	To       string      `json:"to,omitempty"`
	Text     string      `json:"text,omitempty"`
	Image    *ImageInput `json:"image,omitempty"`
	ClientID string      `json:"clientId,omitempty"`
}

// ImageInput is an image the client already uploaded through the REST API
type ImageInput struct {
	URL       string `json:"url"`
	StorageID string `json:"public_id,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Format    string `json:"format,omitempty"`
}

type MarkReadPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// TargetPayload covers typing, call-accept and call-decline
type TargetPayload struct {
	To string `json:"to"`
}

type CallInitPayload struct {
	To   string `json:"to"`
	Mode string `json:"mode,omitempty"`
}

// SDPPayload covers signal-offer and signal-answer in both directions.
// SDP is kept as raw JSON and never interpreted.
type SDPPayload struct {
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	SDP  json.RawMessage `json:"sdp"`
}

// ICEPayload covers signal-ice in both directions
type ICEPayload struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// Outbound payloads

type UserRef struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Avatar json.RawMessage `json:"avatar"`
}

type OutboundMessage struct {
	ID        string          `json:"id"`
	Text      string          `json:"text,omitempty"`
	Image     json.RawMessage `json:"image"`
	CreatedAt time.Time       `json:"createdAt"`
	From      *UserRef        `json:"from"`
	To        *string         `json:"to"`
	Delivered bool            `json:"delivered"`
	Read      bool            `json:"read"`
	TempID    string          `json:"tempId,omitempty"`
}

type MessageEnvelope struct {
	Message OutboundMessage `json:"message"`
}

type DeliveredPayload struct {
	ID          string    `json:"id"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type ReadPayload struct {
	ID     string    `json:"id"`
	ReadAt time.Time `json:"readAt"`
}

type TypingPayload struct {
	From string `json:"from"`
}

type OnlineUser struct {
	UserID string          `json:"userId"`
	Name   *string         `json:"name"`
	Avatar json.RawMessage `json:"avatar"`
}

type OfflinePayload struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type IncomingCallPayload struct {
	From         string  `json:"from"`
	Name         string  `json:"name"`
	Avatar       *string `json:"avatar"`
	Mode         string  `json:"mode"`
	ConnectionID string  `json:"connectionId"`
}

type CallAcceptedPayload struct {
	From         string `json:"from"`
	ConnectionID string `json:"connectionId"`
}

type CallDeclinedPayload struct {
	From string `json:"from"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
