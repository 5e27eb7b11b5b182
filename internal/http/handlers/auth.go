package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/chat/internal/auth"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/middleware"
)

// AuthHandler handles signup and login
type AuthHandler struct {
	authService   *auth.AuthService
	signupLimiter *middleware.RateLimiter
	loginLimiter  *middleware.RateLimiter
	emailLimiter  *middleware.RateLimiter
	log           *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, log *zap.Logger) *AuthHandler {
	// 10 signups and 20 logins per IP per 10 minutes, 10 logins per email per 10 minutes
	return &AuthHandler{
		authService:   authService,
		signupLimiter: middleware.NewRateLimiter(10*time.Minute, 10),
		loginLimiter:  middleware.NewRateLimiter(10*time.Minute, 20),
		emailLimiter:  middleware.NewRateLimiter(10*time.Minute, 10),
		log:           logging.OrNop(log).Named("auth"),
	}
}

// Limiters returns the handler's rate limiters so their sweepers can be started
func (h *AuthHandler) Limiters() []*middleware.RateLimiter {
	return []*middleware.RateLimiter{h.signupLimiter, h.loginLimiter, h.emailLimiter}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse is the JSON response for signup and login
type authResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

// HandleSignup handles POST /auth/signup
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.signupLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, token, err := h.authService.Signup(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.respondAuthError(w, "signup", err)
		return
	}

	h.log.Info("user signed up", zap.String("user_id", user.ID.String()))
	if err := respondWithJSON(w, http.StatusCreated, authResponse{User: newUserResponse(user), Token: token}); err != nil {
		h.log.Warn("failed to encode signup response", zap.Error(err))
	}
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.loginLimiter.Allow(middleware.GetIPKey(r)) || !h.emailLimiter.Allow(middleware.GetEmailKey(req.Email)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, token, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondAuthError(w, "login", err)
		return
	}

	if err := respondWithJSON(w, http.StatusOK, authResponse{User: newUserResponse(user), Token: token}); err != nil {
		h.log.Warn("failed to encode login response", zap.Error(err))
	}
}

func (h *AuthHandler) respondAuthError(w http.ResponseWriter, op string, err error) {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		respondWithError(w, http.StatusConflict, "email already in use")
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		h.log.Error(op+" failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, op+" failed")
	}
}
