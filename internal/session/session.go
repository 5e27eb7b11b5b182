package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/realtime"
	"github.com/signalix/chat/internal/relay"
	"github.com/signalix/chat/internal/signaling"
)

const closeTimeout = 5 * time.Second

// Session is one authenticated realtime connection
type Session struct {
	deps Deps
	log  *zap.Logger
	ws   *websocket.Conn
	user model.User
	conn *realtime.Conn
}

func newSession(deps Deps, log *zap.Logger, ws *websocket.Conn, user model.User) *Session {
	return &Session{
		deps: deps,
		log:  log.With(zap.String("user_id", user.ID.String())),
		ws:   ws,
		user: user,
	}
}

// Run announces the connection, serves inbound frames until the transport
// closes, then tears presence down. It blocks for the connection's lifetime.
func (s *Session) Run(ctx context.Context) {
	s.conn = s.deps.Hub.Attach(s.ws, s.user.ID)
	s.log = s.log.With(zap.String("conn_id", s.conn.ID()))

	select {
	case <-s.conn.Done():
		// the hub is shutting down; never announce this connection
		return
	default:
	}
	defer s.close(ctx)

	s.open(ctx)
	s.readLoop(ctx)
}

func (s *Session) open(ctx context.Context) {
	unlock := s.deps.Registry.Lock(s.user.ID)
	rec := s.deps.Registry.Register(s.user.ID, s.conn.ID())
	if err := s.deps.Journal.Connected(ctx, rec); err != nil {
		s.log.Warn("presence journal connect failed", zap.Error(err))
	}
	if err := s.deps.Users.SetStatus(ctx, s.user.ID, model.StatusOnline, nil); err != nil {
		s.log.Warn("set status online failed", zap.Error(err))
	}
	s.deps.Relay.UserOnline(ctx, s.user)
	unlock()

	if err := s.deps.Relay.SendOnlineUsers(ctx, s.conn.ID()); err != nil {
		s.log.Warn("online-users snapshot failed", zap.Error(err))
	}
	if err := s.deps.Hub.Join(s.conn.ID(), s.user.ID.String()); err != nil {
		s.log.Debug("join identity group failed", zap.Error(err))
	}
	s.log.Info("realtime connected")
}

func (s *Session) close(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), closeTimeout)
	defer cancel()

	s.deps.Hub.Detach(s.conn)

	// held until the offline transition is announced; a reconnect of the
	// same identity waits here instead of being overwritten by it
	unlock := s.deps.Registry.Lock(s.user.ID)
	defer unlock()

	rec, last, ok := s.deps.Registry.Unregister(s.conn.ID())
	if !ok {
		return
	}
	if err := s.deps.Journal.Disconnected(ctx, rec); err != nil {
		s.log.Warn("presence journal disconnect failed", zap.Error(err))
	}
	s.log.Info("realtime disconnected", zap.Bool("last", last))
	if !last || s.deps.Registry.IsOnline(s.user.ID) {
		return
	}

	seen := time.Now().UTC()
	if rec.LastSeenAt != nil {
		seen = *rec.LastSeenAt
	}
	if err := s.deps.Users.SetStatus(ctx, s.user.ID, model.StatusOffline, &seen); err != nil {
		s.log.Warn("set status offline failed", zap.Error(err))
	}
	s.deps.Relay.UserOffline(ctx, s.user.ID, seen)
}

func (s *Session) readLoop(ctx context.Context) {
	realtime.PrepareReader(s.ws)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		realtime.ExtendReadDeadline(s.ws)
		s.dispatch(ctx, data)
	}
}

// dispatch handles one frame. A panic is contained to this frame.
func (s *Session) dispatch(ctx context.Context, data []byte) {
	var env event.Envelope
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling event",
				zap.String("event", env.Event),
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.sendError("internal error")
		}
	}()

	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		s.sendError("malformed frame")
		return
	}

	switch env.Event {
	case event.SendMessage:
		s.handleSendMessage(ctx, env)
	case event.MarkRead:
		s.handleMarkRead(ctx, env)
	case event.Typing:
		s.handleTyping(ctx, env)
	case event.CallInit:
		var p event.CallInitPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.CallInit(ctx, s.caller(), p))
		}
	case event.CallAccept:
		var p event.TargetPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.CallAccept(ctx, s.caller(), p))
		}
	case event.CallDecline:
		var p event.TargetPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.CallDecline(ctx, s.caller(), p))
		}
	case event.SignalOffer:
		var p event.SDPPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.Offer(ctx, s.caller(), p))
		}
	case event.SignalAnswer:
		var p event.SDPPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.Answer(ctx, s.caller(), p))
		}
	case event.SignalICE:
		var p event.ICEPayload
		if s.decode(env, &p) {
			s.signal(env.Event)(s.deps.Calls.ICE(ctx, s.caller(), p))
		}
	case event.RequestOnlineUsers:
		s.deps.Metrics.Inbound(env.Event)
		if err := s.deps.Relay.SendOnlineUsers(ctx, s.conn.ID()); err != nil {
			s.log.Warn("online-users request failed", zap.Error(err))
			s.sendError("failed to load online users")
		}
	default:
		s.log.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

// decode fills p from the frame data; absent data leaves p zero
func (s *Session) decode(env event.Envelope, p any) bool {
	s.deps.Metrics.Inbound(env.Event)
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		s.sendError("invalid " + env.Event + " payload")
		return false
	}
	return true
}

func (s *Session) caller() signaling.Caller {
	return signaling.Caller{User: s.user, ConnectionID: s.conn.ID()}
}

// signal logs the outcome of a forwarded call event
func (s *Session) signal(name string) func(relay.Report, error) {
	return func(rep relay.Report, err error) {
		if err != nil {
			if errors.Is(err, signaling.ErrMissingTarget) {
				s.log.Debug("dropping call event without target", zap.String("event", name))
				return
			}
			s.log.Warn("call event failed", zap.String("event", name), zap.Error(err))
			return
		}
		s.log.Debug("call event forwarded",
			zap.String("event", name),
			zap.Int("direct", rep.Direct),
			zap.Int("fallback", rep.Fallback))
	}
}

func (s *Session) handleSendMessage(ctx context.Context, env event.Envelope) {
	var p event.SendMessagePayload
	if !s.decode(env, &p) {
		return
	}

	req := relay.SendRequest{From: s.user, Text: p.Text, TempID: p.ClientID}
	if p.To != "" {
		to, err := uuid.Parse(p.To)
		if err != nil {
			s.sendError("invalid recipient")
			return
		}
		req.To = &to
	}
	if p.Image != nil && p.Image.URL != "" {
		req.Image = &model.Image{
			URL:       p.Image.URL,
			StorageID: p.Image.StorageID,
			Bytes:     p.Image.Bytes,
			Width:     p.Image.Width,
			Height:    p.Image.Height,
			Format:    p.Image.Format,
		}
	}

	if _, err := s.deps.Relay.SendMessage(ctx, s.conn.ID(), req); err != nil {
		s.log.Error("send-message failed", zap.Error(err))
		s.sendError("failed to send message")
	}
}

func (s *Session) handleMarkRead(ctx context.Context, env event.Envelope) {
	var p event.MarkReadPayload
	if !s.decode(env, &p) {
		return
	}
	ids := make([]uuid.UUID, 0, len(p.MessageIDs))
	for _, raw := range p.MessageIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := s.deps.Relay.MarkRead(ctx, s.user.ID, ids); err != nil {
		s.log.Warn("mark-read failed", zap.Error(err))
	}
}

func (s *Session) handleTyping(ctx context.Context, env event.Envelope) {
	var p event.TargetPayload
	if !s.decode(env, &p) || p.To == "" {
		return
	}
	s.deps.Relay.NotifyTyping(ctx, s.user.ID, p.To)
}

func (s *Session) sendError(msg string) {
	if err := s.deps.Hub.PushTo(s.conn.ID(), event.Error, event.ErrorPayload{Message: msg}); err != nil {
		s.log.Debug("error frame dropped", zap.Error(err))
	}
}
