// Package authpw provides email/password accounts: self-registration,
// sign-in, and admin invites completed through a set-password link.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bloomsite/api/internal/store"
)

const (
	MinPasswordLength = 8
	InviteTTL         = 72 * time.Hour
)

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrEmailTaken         = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidSetToken    = errors.New("invalid or expired set-password token")
)

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreateSetPasswordToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetSetPasswordToken(ctx context.Context, token string) (string, error)
	MarkSetPasswordTokenUsed(ctx context.Context, token string) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost, now: time.Now}
}

type RegisterRequest struct {
	Email       string
	Password    string
	FirstName   string
	LastName    string
	CompanyName string
}

// Register creates an active client account; the email doubles as username.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrMissingCredentials
	}
	if len(req.Password) < MinPasswordLength {
		return store.User{}, ErrWeakPassword
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}

	hash, err := s.hash(req.Password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		CompanyName:  strings.TrimSpace(req.CompanyName),
		PasswordHash: hash,
		Role:         "client",
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates a user. Invited users cannot sign in until they
// have set a password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, ErrMissingCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.IsActive || user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

type InviteRequest struct {
	Email       string
	FirstName   string
	LastName    string
	CompanyName string
}

// Invite creates an inactive client and a set-password token valid for
// three days.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (store.User, string, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return store.User{}, "", errors.New("email is required")
	}
	user := store.User{
		ID:          uuid.NewString(),
		Email:       email,
		FirstName:   strings.TrimSpace(req.FirstName),
		LastName:    strings.TrimSpace(req.LastName),
		CompanyName: strings.TrimSpace(req.CompanyName),
		Role:        "client",
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, "", ErrEmailTaken
		}
		return store.User{}, "", fmt.Errorf("create user: %w", err)
	}

	token := uuid.NewString()
	if err := s.store.CreateSetPasswordToken(ctx, user.ID, token, s.now().Add(InviteTTL)); err != nil {
		return store.User{}, "", err
	}
	return user, token, nil
}

type SetPasswordRequest struct {
	Token           string
	Password        string
	ConfirmPassword string
}

// SetPassword consumes an invite token and activates the account.
func (s *Service) SetPassword(ctx context.Context, req SetPasswordRequest) error {
	if _, err := uuid.Parse(req.Token); err != nil {
		return ErrInvalidSetToken
	}
	if len(req.Password) < MinPasswordLength {
		return ErrWeakPassword
	}
	if req.Password != req.ConfirmPassword {
		return ErrPasswordMismatch
	}

	userID, err := s.store.GetSetPasswordToken(ctx, req.Token)
	if err != nil {
		return ErrInvalidSetToken
	}
	hash, err := s.hash(req.Password)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return s.store.MarkSetPasswordTokenUsed(ctx, req.Token)
}

func (s *Service) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
