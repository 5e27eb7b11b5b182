package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/media"
	"github.com/signalix/chat/internal/middleware"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/relay"
	"github.com/signalix/chat/internal/repo"
)

const maxHistoryLimit = 200

// MessagesHandler serves conversation lists, history and REST sends
type MessagesHandler struct {
	messages     repo.MessageRepo
	users        repo.UserRepo
	relay        *relay.Engine
	media        *media.Store
	historyLimit int
	log          *zap.Logger
}

func NewMessagesHandler(messages repo.MessageRepo, users repo.UserRepo, engine *relay.Engine, store *media.Store, historyLimit int, log *zap.Logger) *MessagesHandler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &MessagesHandler{
		messages:     messages,
		users:        users,
		relay:        engine,
		media:        store,
		historyLimit: historyLimit,
		log:          logging.OrNop(log).Named("messages"),
	}
}

type conversationResponse struct {
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Avatar      json.RawMessage `json:"avatar"`
	LastMessage string          `json:"lastMessage"`
	LastAt      time.Time       `json:"lastAt"`
}

// HandleConversations handles GET /api/messages/conversations
func (h *MessagesHandler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convs, err := h.messages.Conversations(r.Context(), user.ID)
	if err != nil {
		h.log.Error("conversations failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}

	ids := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.UserID)
	}
	people, err := h.users.GetMany(r.Context(), ids)
	if err != nil {
		h.log.Error("conversation users failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		entry := conversationResponse{
			UserID:      c.UserID.String(),
			Avatar:      json.RawMessage("null"),
			LastMessage: c.LastMessage,
			LastAt:      c.LastAt,
		}
		if u, ok := people[c.UserID]; ok {
			entry.Name = u.Name
			if len(u.Avatar) > 0 {
				entry.Avatar = u.Avatar
			}
		}
		out = append(out, entry)
	}
	_ = respondWithJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// HandleHistory handles GET /api/messages/{withUserId}?limit=N
func (h *MessagesHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	withID, err := uuid.Parse(chi.URLParam(r, "withUserId"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messages.History(r.Context(), user.ID, withID, limit)
	if err != nil {
		h.log.Error("history failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	people, err := h.users.GetMany(r.Context(), []uuid.UUID{user.ID, withID})
	if err != nil {
		h.log.Error("history users failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	out := make([]event.OutboundMessage, 0, len(msgs))
	for _, m := range msgs {
		sender, ok := people[m.FromID]
		if !ok {
			sender = model.User{ID: m.FromID}
		}
		out = append(out, relay.Outbound(m, sender, ""))
	}
	_ = respondWithJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type createMessageRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	TempID string `json:"tempId"`
}

// HandleCreate handles POST /api/messages (JSON text, or multipart with an image file)
func (h *MessagesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createMessageRequest
	var image *model.Image

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		data, found, err := readUpload(w, r, "image", h.media.MaxBytes())
		if err != nil {
			respondUploadError(w, err)
			return
		}
		req.To = r.FormValue("to")
		req.Text = r.FormValue("text")
		req.TempID = r.FormValue("tempId")
		if found {
			img, err := h.media.Put(r.Context(), data, "chat")
			if err != nil {
				respondUploadError(w, err)
				return
			}
			image = &img
		}
	}

	send := relay.SendRequest{From: *user, Text: req.Text, Image: image, TempID: req.TempID}
	if req.To != "" {
		to, err := uuid.Parse(req.To)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid recipient")
			return
		}
		send.To = &to
	}

	msg, err := h.relay.SendMessage(r.Context(), "", send)
	if err != nil {
		h.log.Error("send message failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if msg == nil {
		respondWithError(w, http.StatusBadRequest, "message needs either text or image")
		return
	}

	_ = respondWithJSON(w, http.StatusCreated, map[string]any{"message": relay.Outbound(*msg, *user, req.TempID)})
}
