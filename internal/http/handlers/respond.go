package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/signalix/chat/internal/model"
)

// respondWithJSON writes v with the given status
func respondWithJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// userResponse is the user object in API responses
type userResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email,omitempty"`
	Avatar    json.RawMessage `json:"avatar"`
	Status    string          `json:"status,omitempty"`
	LastSeen  *time.Time      `json:"lastSeen,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
}

func newUserResponse(u *model.User) userResponse {
	resp := userResponse{
		ID:       u.ID.String(),
		Name:     u.Name,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Status:   u.Status,
		LastSeen: u.LastSeen,
	}
	if !u.CreatedAt.IsZero() {
		created := u.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}

// publicUserResponse hides account details
func publicUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID.String(), Name: u.Name, Avatar: u.Avatar}
}
