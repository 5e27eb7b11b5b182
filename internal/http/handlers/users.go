package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/media"
	"github.com/signalix/chat/internal/middleware"
	"github.com/signalix/chat/internal/relay"
	"github.com/signalix/chat/internal/repo"
)

// UsersHandler serves profiles and the online list
type UsersHandler struct {
	users repo.UserRepo
	relay *relay.Engine
	media *media.Store
	log   *zap.Logger
}

func NewUsersHandler(users repo.UserRepo, engine *relay.Engine, store *media.Store, log *zap.Logger) *UsersHandler {
	return &UsersHandler{
		users: users,
		relay: engine,
		media: store,
		log:   logging.OrNop(log).Named("users"),
	}
}

// HandleMe handles GET /api/users/me
func (h *UsersHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := respondWithJSON(w, http.StatusOK, map[string]userResponse{"user": newUserResponse(user)}); err != nil {
		h.log.Warn("failed to encode /me response", zap.Error(err))
	}
}

// HandleUpdateProfile handles PATCH /api/users/me/profile (multipart name and avatar, or JSON name)
func (h *UsersHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var name string
	var avatar json.RawMessage

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		name = body.Name
	} else {
		data, found, err := readUpload(w, r, "avatar", h.media.MaxBytes())
		if err != nil {
			respondUploadError(w, err)
			return
		}
		name = r.FormValue("name")
		if found {
			img, err := h.media.Put(r.Context(), data, "avatars")
			if err != nil {
				respondUploadError(w, err)
				return
			}
			if avatar, err = json.Marshal(img); err != nil {
				respondWithError(w, http.StatusInternalServerError, "failed to store avatar")
				return
			}
		}
	}

	name = strings.TrimSpace(name)
	if name != "" && len([]rune(name)) < 2 {
		respondWithError(w, http.StatusBadRequest, "name: must be at least 2 characters")
		return
	}

	updated, err := h.users.UpdateProfile(r.Context(), user.ID, name, avatar)
	if err != nil {
		h.log.Error("update profile failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	_ = respondWithJSON(w, http.StatusOK, map[string]userResponse{"user": newUserResponse(&updated)})
}

// HandleOnline handles GET /api/users/online
func (h *UsersHandler) HandleOnline(w http.ResponseWriter, r *http.Request) {
	list, err := h.relay.OnlineUsers(r.Context())
	if err != nil {
		h.log.Error("online users failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load online users")
		return
	}
	_ = respondWithJSON(w, http.StatusOK, list)
}

// HandleGetUser handles GET /api/users/{id}
func (h *UsersHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, "user not found")
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		h.log.Error("get user failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	_ = respondWithJSON(w, http.StatusOK, publicUserResponse(&user))
}

// readUpload reads an optional multipart file field, bounded by maxBytes
func readUpload(w http.ResponseWriter, r *http.Request, field string, maxBytes int64) ([]byte, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(maxBytes + 1<<20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, false, media.ErrTooLarge
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, false, nil
		}
		return nil, false, err
	}

	file, _, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return nil, false, media.ErrTooLarge
	}
	return data, true, nil
}

func respondUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrTooLarge):
		respondWithError(w, http.StatusRequestEntityTooLarge, "image too large")
	case errors.Is(err, media.ErrUnsupported), errors.Is(err, media.ErrEmpty):
		respondWithError(w, http.StatusBadRequest, "invalid image type")
	default:
		respondWithError(w, http.StatusBadRequest, "invalid upload")
	}
}
