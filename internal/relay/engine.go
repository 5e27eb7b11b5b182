// Package relay routes realtime events to the live connections of an identity.
//
// Delivery is resolved through the presence registry. When an identity has no
// live connection the event goes to the broadcast group named after it, which
// is best effort. Per-connection push failures are isolated, counted and
// logged; they never abort the rest of a delivery.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/metrics"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/repo"
)

// Presence is the read side of the presence registry
type Presence interface {
	ListOnline(identity uuid.UUID) []string
	ListOnlineIdentities() []uuid.UUID
	FindByConnectionID(connectionID string) (model.PresenceRecord, bool)
}

// Pusher queues frames on live connections; realtime.Hub implements it
type Pusher interface {
	PushTo(connID, name string, payload any) error
	PushToGroup(group, name string, payload any) (int, error)
	Broadcast(name string, payload any) (int, error)
}

// MessageStore is the subset of repo.MessageRepo the engine writes through
type MessageStore interface {
	Create(ctx context.Context, in repo.NewMessage) (model.Message, error)
	Get(ctx context.Context, id uuid.UUID) (model.Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkRead(ctx context.Context, id uuid.UUID) (bool, error)
}

// Directory resolves display metadata for identities
type Directory interface {
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error)
}

// Report summarizes one delivery
type Report struct {
	Direct   int // connections that accepted the push
	Fallback int // group members reached because no connection was registered
	Failed   int // connections whose push failed
}

// Engine is the relay core. Safe for concurrent use.
type Engine struct {
	presence Presence
	pusher   Pusher
	messages MessageStore
	users    Directory
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine wires the relay engine. m and log may be nil.
func NewEngine(p Presence, pusher Pusher, messages MessageStore, users Directory, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		presence: p,
		pusher:   pusher,
		messages: messages,
		users:    users,
		metrics:  m,
		log:      logging.OrNop(log).Named("relay"),
		now:      time.Now,
	}
}

// DeliverToIdentity pushes the event once to every live connection of the
// identity, or to the group named after it when there is none.
func (e *Engine) DeliverToIdentity(ctx context.Context, identity uuid.UUID, name string, payload any) Report {
	return e.deliverToIdentity(identity, name, payload, nil)
}

// deliverToIdentity skips connections already in sent and records the ones it reaches
func (e *Engine) deliverToIdentity(identity uuid.UUID, name string, payload any, sent map[string]struct{}) Report {
	conns := e.presence.ListOnline(identity)
	if len(conns) == 0 {
		n, err := e.pusher.PushToGroup(identity.String(), name, payload)
		if err != nil {
			e.log.Warn("group fallback push failed",
				zap.String("event", name),
				zap.String("group", identity.String()),
				zap.Error(err))
		}
		failed := len(multierr.Errors(err))
		e.metrics.Push(name, metrics.ResultFallback, n)
		e.metrics.Push(name, metrics.ResultFailed, failed)
		return Report{Fallback: n, Failed: failed}
	}

	if sent == nil {
		sent = make(map[string]struct{}, len(conns))
	}
	var rep Report
	var errs error
	for _, id := range conns {
		if _, dup := sent[id]; dup {
			continue
		}
		sent[id] = struct{}{}
		if err := e.pusher.PushTo(id, name, payload); err != nil {
			errs = multierr.Append(errs, err)
			rep.Failed++
			continue
		}
		rep.Direct++
	}
	if errs != nil {
		e.log.Warn("direct push failed",
			zap.String("event", name),
			zap.String("user_id", identity.String()),
			zap.Int("failed", rep.Failed),
			zap.Error(errs))
	}
	e.metrics.Push(name, metrics.ResultDelivered, rep.Direct)
	e.metrics.Push(name, metrics.ResultFailed, rep.Failed)
	return rep
}

// DeliverToTarget resolves target as a live connection id first, then as an
// identity, and finally as a raw group name.
func (e *Engine) DeliverToTarget(ctx context.Context, target, name string, payload any) Report {
	if _, ok := e.presence.FindByConnectionID(target); ok {
		if err := e.pusher.PushTo(target, name, payload); err != nil {
			e.log.Warn("connection push failed",
				zap.String("event", name),
				zap.String("conn_id", target),
				zap.Error(err))
			e.metrics.Push(name, metrics.ResultFailed, 1)
			return Report{Failed: 1}
		}
		e.metrics.Push(name, metrics.ResultDelivered, 1)
		return Report{Direct: 1}
	}

	if identity, err := uuid.Parse(target); err == nil {
		return e.DeliverToIdentity(ctx, identity, name, payload)
	}

	n, err := e.pusher.PushToGroup(target, name, payload)
	if err != nil {
		e.log.Warn("group push failed", zap.String("event", name), zap.String("group", target), zap.Error(err))
	}
	e.metrics.Push(name, metrics.ResultFallback, n)
	return Report{Fallback: n, Failed: len(multierr.Errors(err))}
}

// SendRequest is one message send from either the realtime channel or the REST API
type SendRequest struct {
	From   model.User
	To     *uuid.UUID
	Text   string
	Image  *model.Image
	TempID string
}

// SendMessage persists the message and relays it. Text is stored trimmed.
// A request with neither text nor image (or with both) is dropped and returns (nil, nil).
// origin is the connection that sent it; empty when the message came through REST.
func (e *Engine) SendMessage(ctx context.Context, origin string, req SendRequest) (*model.Message, error) {
	req.Text = strings.TrimSpace(req.Text)
	candidate := model.Message{Text: req.Text, Image: req.Image}
	if err := candidate.Validate(); err != nil {
		e.log.Debug("dropping malformed message", zap.String("user_id", req.From.ID.String()), zap.Error(err))
		return nil, nil
	}

	msg, err := e.messages.Create(ctx, repo.NewMessage{
		FromID: req.From.ID,
		ToID:   req.To,
		Text:   req.Text,
		Image:  req.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	out := Outbound(msg, req.From, req.TempID)

	if msg.ToID == nil {
		n, err := e.pusher.Broadcast(event.MessageReceived, event.MessageEnvelope{Message: out})
		if err != nil {
			e.log.Warn("broadcast push failed", zap.String("message_id", msg.ID.String()), zap.Error(err))
		}
		e.metrics.Push(event.MessageReceived, metrics.ResultBroadcast, n)
	} else {
		sent := make(map[string]struct{})
		rep := e.deliverToIdentity(*msg.ToID, event.MessageReceived, event.MessageEnvelope{Message: out}, sent)
		// keep the sender's other tabs in sync
		if *msg.ToID != msg.FromID {
			e.deliverToIdentity(msg.FromID, event.MessageReceived, event.MessageEnvelope{Message: out}, sent)
		}

		if rep.Direct > 0 {
			if err := e.messages.MarkDelivered(ctx, msg.ID); err != nil {
				e.log.Error("mark delivered failed", zap.String("message_id", msg.ID.String()), zap.Error(err))
			} else {
				msg.Delivered = true
				out.Delivered = true
				e.DeliverToIdentity(ctx, msg.FromID, event.MessageDelivered, event.DeliveredPayload{
					ID:          msg.ID.String(),
					DeliveredAt: e.now().UTC(),
				})
			}
		}
	}

	if origin != "" {
		if err := e.pusher.PushTo(origin, event.MessageSent, event.MessageEnvelope{Message: out}); err != nil {
			e.log.Debug("message-sent ack dropped", zap.String("conn_id", origin), zap.Error(err))
		}
	}
	return &msg, nil
}

// MarkRead flips the read flag of every message addressed to reader and tells
// each original sender. Unknown, foreign and already-read ids are skipped.
func (e *Engine) MarkRead(ctx context.Context, reader uuid.UUID, ids []uuid.UUID) error {
	var errs error
	for _, id := range ids {
		msg, err := e.messages.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if msg.ToID != nil && *msg.ToID != reader {
			continue
		}

		changed, err := e.messages.MarkRead(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		e.DeliverToIdentity(ctx, msg.FromID, event.MessageRead, event.ReadPayload{
			ID:     id.String(),
			ReadAt: e.now().UTC(),
		})
	}
	return errs
}

// NotifyTyping relays a typing indicator; nothing is stored
func (e *Engine) NotifyTyping(ctx context.Context, from uuid.UUID, target string) Report {
	return e.DeliverToTarget(ctx, target, event.Typing, event.TypingPayload{From: from.String()})
}

// UserOnline announces a connected user to everyone
func (e *Engine) UserOnline(ctx context.Context, user model.User) {
	name := user.Name
	n, err := e.pusher.Broadcast(event.UserOnline, event.OnlineUser{
		UserID: user.ID.String(),
		Name:   &name,
		Avatar: user.Avatar,
	})
	if err != nil {
		e.log.Warn("user-online broadcast failed", zap.Error(err))
	}
	e.metrics.Push(event.UserOnline, metrics.ResultBroadcast, n)
	e.metrics.SetOnlineIdentities(len(e.presence.ListOnlineIdentities()))
}

// UserOffline announces that the last connection of a user closed
func (e *Engine) UserOffline(ctx context.Context, identity uuid.UUID, lastSeenAt time.Time) {
	n, err := e.pusher.Broadcast(event.UserOffline, event.OfflinePayload{
		UserID:     identity.String(),
		LastSeenAt: lastSeenAt.UTC(),
	})
	if err != nil {
		e.log.Warn("user-offline broadcast failed", zap.Error(err))
	}
	e.metrics.Push(event.UserOffline, metrics.ResultBroadcast, n)
	e.metrics.SetOnlineIdentities(len(e.presence.ListOnlineIdentities()))
}

// OnlineUsers builds the deduplicated online snapshot with display metadata.
// Identities missing from the directory are listed with a null name.
func (e *Engine) OnlineUsers(ctx context.Context) ([]event.OnlineUser, error) {
	ids := e.presence.ListOnlineIdentities()
	users, err := e.users.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load online users: %w", err)
	}

	out := make([]event.OnlineUser, 0, len(ids))
	for _, id := range ids {
		entry := event.OnlineUser{UserID: id.String()}
		if u, ok := users[id]; ok {
			name := u.Name
			entry.Name = &name
			entry.Avatar = u.Avatar
		}
		out = append(out, entry)
	}
	return out, nil
}

// SendOnlineUsers pushes the online snapshot to a single connection
func (e *Engine) SendOnlineUsers(ctx context.Context, connID string) error {
	list, err := e.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	if err := e.pusher.PushTo(connID, event.OnlineUsers, list); err != nil {
		return fmt.Errorf("push online users: %w", err)
	}
	e.metrics.Push(event.OnlineUsers, metrics.ResultDelivered, 1)
	return nil
}

// Outbound renders a stored message for the wire
func Outbound(msg model.Message, sender model.User, tempID string) event.OutboundMessage {
	out := event.OutboundMessage{
		ID:        msg.ID.String(),
		Text:      msg.Text,
		Image:     json.RawMessage("null"),
		CreatedAt: msg.CreatedAt,
		Delivered: msg.Delivered,
		Read:      msg.Read,
		TempID:    tempID,
	}
	if msg.Image != nil {
		if b, err := json.Marshal(msg.Image); err == nil {
			out.Image = b
		}
	}
	if sender.ID != uuid.Nil {
		out.From = &event.UserRef{ID: sender.ID.String(), Name: sender.Name, Avatar: sender.Avatar}
	}
	if msg.ToID != nil {
		to := msg.ToID.String()
		out.To = &to
	}
	return out
}
