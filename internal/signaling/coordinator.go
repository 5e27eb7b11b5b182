// Package signaling forwards call setup events between two parties.
//
// The coordinator keeps no call state. Each inbound event is checked for a
// target and relayed; ordering of the handshake is left to the clients, so a
// stray signal-ice with no prior accept is still forwarded. SDP and ICE
// payloads are opaque and reach the peer byte for byte.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/relay"
)

// DefaultMode is used when call-init carries no mode
const DefaultMode = "video"

// ErrMissingTarget is returned for events without a usable "to"
var ErrMissingTarget = errors.New("signaling: missing target")

// Relay is the delivery side the coordinator forwards through; relay.Engine implements it
type Relay interface {
	DeliverToIdentity(ctx context.Context, identity uuid.UUID, name string, payload any) relay.Report
	DeliverToTarget(ctx context.Context, target, name string, payload any) relay.Report
}

// Caller is the authenticated side of an event: the user and the connection it arrived on
type Caller struct {
	User         model.User
	ConnectionID string
}

// Coordinator is stateless and safe for concurrent use
type Coordinator struct {
	relay Relay
	log   *zap.Logger
}

func NewCoordinator(r Relay, log *zap.Logger) *Coordinator {
	return &Coordinator{relay: r, log: logging.OrNop(log).Named("signaling")}
}

// CallInit rings every connection of the callee
func (c *Coordinator) CallInit(ctx context.Context, from Caller, in event.CallInitPayload) (relay.Report, error) {
	callee, err := uuid.Parse(strings.TrimSpace(in.To))
	if err != nil {
		return relay.Report{}, ErrMissingTarget
	}
	mode := in.Mode
	if mode == "" {
		mode = DefaultMode
	}

	rep := c.relay.DeliverToIdentity(ctx, callee, event.IncomingCall, event.IncomingCallPayload{
		From:         from.User.ID.String(),
		Name:         from.User.Name,
		Avatar:       NormalizeAvatar(from.User.Avatar),
		Mode:         mode,
		ConnectionID: from.ConnectionID,
	})
	c.log.Debug("call-init forwarded",
		zap.String("from", from.User.ID.String()),
		zap.String("to", callee.String()),
		zap.String("mode", mode),
		zap.Int("direct", rep.Direct))
	return rep, nil
}

// CallAccept tells the caller, by connection or identity, that the callee picked up
func (c *Coordinator) CallAccept(ctx context.Context, from Caller, in event.TargetPayload) (relay.Report, error) {
	target, ok := targetOf(in.To)
	if !ok {
		return relay.Report{}, ErrMissingTarget
	}
	return c.relay.DeliverToTarget(ctx, target, event.CallAccepted, event.CallAcceptedPayload{
		From:         from.User.ID.String(),
		ConnectionID: from.ConnectionID,
	}), nil
}

func (c *Coordinator) CallDecline(ctx context.Context, from Caller, in event.TargetPayload) (relay.Report, error) {
	target, ok := targetOf(in.To)
	if !ok {
		return relay.Report{}, ErrMissingTarget
	}
	return c.relay.DeliverToTarget(ctx, target, event.CallDeclined, event.CallDeclinedPayload{
		From: from.User.ID.String(),
	}), nil
}

// Offer relays an SDP offer
func (c *Coordinator) Offer(ctx context.Context, from Caller, in event.SDPPayload) (relay.Report, error) {
	return c.forward(ctx, from, in.To, event.SignalOffer, "sdp", in.SDP)
}

// Answer relays an SDP answer
func (c *Coordinator) Answer(ctx context.Context, from Caller, in event.SDPPayload) (relay.Report, error) {
	return c.forward(ctx, from, in.To, event.SignalAnswer, "sdp", in.SDP)
}

// ICE relays one trickled candidate
func (c *Coordinator) ICE(ctx context.Context, from Caller, in event.ICEPayload) (relay.Report, error) {
	return c.forward(ctx, from, in.To, event.SignalICE, "candidate", in.Candidate)
}

func (c *Coordinator) forward(ctx context.Context, from Caller, to, name, key string, blob json.RawMessage) (relay.Report, error) {
	target, ok := targetOf(to)
	if !ok {
		return relay.Report{}, ErrMissingTarget
	}
	payload, err := opaquePayload(from.User.ID.String(), key, blob)
	if err != nil {
		return relay.Report{}, err
	}
	rep := c.relay.DeliverToTarget(ctx, target, name, payload)
	if rep.Direct == 0 {
		c.log.Debug("signal fell back",
			zap.String("event", name),
			zap.String("to", target),
			zap.Int("fallback", rep.Fallback))
	}
	return rep, nil
}

func targetOf(to string) (string, bool) {
	to = strings.TrimSpace(to)
	return to, to != ""
}

// opaquePayload builds {"from": ..., key: blob} with blob copied verbatim
func opaquePayload(from, key string, blob json.RawMessage) (event.Raw, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = json.RawMessage("null")
	}

	out := make([]byte, 0, len(fromJSON)+len(keyJSON)+len(blob)+12)
	out = append(out, `{"from":`...)
	out = append(out, fromJSON...)
	out = append(out, ',')
	out = append(out, keyJSON...)
	out = append(out, ':')
	out = append(out, blob...)
	out = append(out, '}')
	return event.Raw(out), nil
}

// NormalizeAvatar extracts a displayable URL from the stored avatar, which may be
// a bare string, an image object with url or secure_url, or either of those
// nested under "avatar". Anything else yields nil.
func NormalizeAvatar(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nonEmpty(s)
	}

	var obj struct {
		URL       string          `json:"url"`
		SecureURL string          `json:"secure_url"`
		Avatar    json.RawMessage `json:"avatar"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if obj.URL != "" {
		return &obj.URL
	}
	if obj.SecureURL != "" {
		return &obj.SecureURL
	}
	if len(obj.Avatar) == 0 || string(obj.Avatar) == "null" {
		return nil
	}

	if err := json.Unmarshal(obj.Avatar, &s); err == nil {
		return nonEmpty(s)
	}
	var nested struct {
		URL       string `json:"url"`
		SecureURL string `json:"secure_url"`
	}
	if err := json.Unmarshal(obj.Avatar, &nested); err != nil {
		return nil
	}
	if nested.URL != "" {
		return &nested.URL
	}
	return nonEmpty(nested.SecureURL)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
