package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/signalix/chat/internal/model"
)

// ErrUnauthorized covers every credential that cannot be resolved to a user
var ErrUnauthorized = errors.New("unauthorized")

// UserLookup is the part of the user store the verifier needs
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
}

// Verifier resolves a bearer credential to the user it was issued for.
// It has no side effects.
type Verifier struct {
	jwt   *JWTService
	users UserLookup
}

func NewVerifier(jwt *JWTService, users UserLookup) *Verifier {
	return &Verifier{jwt: jwt, users: users}
}

// Verify returns ErrUnauthorized for a missing, malformed, expired or orphaned credential
func (v *Verifier) Verify(ctx context.Context, credential string) (model.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.User{}, ErrUnauthorized
	}
	claims, err := v.jwt.VerifyToken(credential)
	if err != nil {
		return model.User{}, ErrUnauthorized
	}
	user, err := v.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return model.User{}, ErrUnauthorized
	}
	return user, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
