package auth

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/repo"
)

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]model.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[uuid.UUID]model.User{}}
}

func (m *memUsers) Create(_ context.Context, name, email, hash string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return model.User{}, repo.ErrDuplicate
		}
	}
	u := model.User{ID: uuid.New(), Name: name, Email: email, PasswordHash: hash, Status: model.StatusOffline, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (m *memUsers) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error) {
	out := map[uuid.UUID]model.User{}
	for _, id := range ids {
		if u, err := m.GetByID(ctx, id); err == nil {
			out[id] = u
		}
	}
	return out, nil
}

func (m *memUsers) UpdateProfile(context.Context, uuid.UUID, string, json.RawMessage) (model.User, error) {
	return model.User{}, nil
}

func (m *memUsers) SetStatus(context.Context, uuid.UUID, string, *time.Time) error {
	return nil
}

func TestJWT_roundTrip(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	id := uuid.New()

	token, err := svc.SignToken(id, "a@example.com")
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)

	_, err = NewJWTService("other", time.Hour).VerifyToken(token)
	assert.Error(t, err, "wrong secret")
}

func TestJWT_rejectsExpiredAndForeignAlg(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	s, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.VerifyToken(s)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{UserID: uuid.New()})
	s, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.VerifyToken(s)
	assert.Error(t, err)
}

func TestVerifier(t *testing.T) {
	users := newMemUsers()
	jwtSvc := NewJWTService("secret", time.Hour)
	v := NewVerifier(jwtSvc, users)
	ctx := context.Background()

	u, err := users.Create(ctx, "Alice", "alice@example.com", "x")
	require.NoError(t, err)
	token, err := jwtSvc.SignToken(u.ID, u.Email)
	require.NoError(t, err)

	got, err := v.Verify(ctx, "  "+token+"  ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	orphan, err := jwtSvc.SignToken(uuid.New(), "ghost@example.com")
	require.NoError(t, err)

	for name, cred := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"orphan":    orphan,
		"truncated": token[:len(token)-4],
	} {
		_, err := v.Verify(ctx, cred)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer   xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Bearer  ", "Basic abc", "abc"} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestAuthService_signupAndLogin(t *testing.T) {
	users := newMemUsers()
	jwtSvc := NewJWTService("secret", time.Hour)
	svc := NewAuthService(jwtSvc, users)
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "  Alice ", "Alice@Example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEqual(t, "correct horse", user.PasswordHash)

	claims, err := jwtSvc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	_, _, err = svc.Signup(ctx, "Alice Two", "alice@example.com", "another pass")
	assert.ErrorIs(t, err, ErrEmailTaken)

	logged, token, err := svc.Login(ctx, "ALICE@example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, logged.ID)
	assert.NotEmpty(t, token)

	_, _, err = svc.Login(ctx, "alice@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_validation(t *testing.T) {
	svc := NewAuthService(NewJWTService("secret", time.Hour), newMemUsers())
	ctx := context.Background()

	cases := []struct {
		name, email, password, field string
	}{
		{"A", "a@example.com", "longenough", "name"},
		{"Alice", "not-an-email", "longenough", "email"},
		{"Alice", "Alice <a@example.com>", "longenough", "email"},
		{"Alice", "a@example.com", "short", "password"},
	}
	for _, tc := range cases {
		_, _, err := svc.Signup(ctx, tc.name, tc.email, tc.password)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, tc.field)
		assert.Equal(t, tc.field, verr.Field)
	}

	_, _, err := svc.Login(ctx, "a@example.com", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}
