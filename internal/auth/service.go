package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/repo"
)

const bcryptCost = 12

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken is returned by Signup when the email already has an account
	ErrEmailTaken = errors.New("email already registered")
)

// ValidationError reports a rejected signup or login field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// AuthService issues credentials for email/password accounts
type AuthService struct {
	jwtService *JWTService
	userRepo   repo.UserRepo
}

// NewAuthService creates a new auth service
func NewAuthService(jwtService *JWTService, userRepo repo.UserRepo) *AuthService {
	return &AuthService{
		jwtService: jwtService,
		userRepo:   userRepo,
	}
}

// Signup creates an account and returns it with a fresh token
func (s *AuthService) Signup(ctx context.Context, name, email, password string) (*model.User, string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < 2 {
		return nil, "", &ValidationError{Field: "name", Message: "must be at least 2 characters"}
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	if len(password) < 8 {
		return nil, "", &ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.userRepo.Create(ctx, name, email, string(hash))
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	token, err := s.jwtService.SignToken(user.ID, user.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	return &user, token, nil
}

// Login checks the password and returns the user with a fresh token
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	if password == "" {
		return nil, "", &ValidationError{Field: "password", Message: "is required"}
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("failed to load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.jwtService.SignToken(user.ID, user.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	return &user, token, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	return email, nil
}
