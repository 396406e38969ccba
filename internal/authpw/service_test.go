package authpw

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bloomsite/api/internal/store"
)

type setPasswordToken struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // lower(email) -> userID
	tokens     map[string]*setPasswordToken
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		tokens:     make(map[string]*setPasswordToken),
	}
}

func (m *mockUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[strings.ToLower(email)]; ok {
		return m.users[userID], nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) error {
	if _, ok := m.emailIndex[strings.ToLower(user.Email)]; ok {
		return store.ErrDuplicate
	}
	m.users[user.ID] = user
	m.emailIndex[strings.ToLower(user.Email)] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	user.IsActive = true
	m.users[userID] = user
	return nil
}

func (m *mockUserStore) CreateSetPasswordToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	m.tokens[token] = &setPasswordToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) GetSetPasswordToken(_ context.Context, token string) (string, error) {
	t, ok := m.tokens[token]
	if !ok || t.used || time.Now().After(t.expiresAt) {
		return "", sql.ErrNoRows
	}
	return t.userID, nil
}

func (m *mockUserStore) MarkSetPasswordTokenUsed(_ context.Context, token string) error {
	if t, ok := m.tokens[token]; ok {
		t.used = true
	}
	return nil
}

func newTestService(st UserStore) *Service {
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	return svc
}

func TestRegisterAndSignIn(t *testing.T) {
	st := newMockUserStore()
	svc := newTestService(st)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: " jo@example.com ", Password: "correct-horse", FirstName: "Jo"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Role != "client" || !user.IsActive || user.Email != "jo@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "correct-horse" {
		t.Fatal("password stored in plain text")
	}

	signedIn, err := svc.SignIn(ctx, "JO@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("SignIn() user = %s, want %s", signedIn.ID, user.ID)
	}

	if _, err := svc.SignIn(ctx, "jo@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn() with wrong password error = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	st := newMockUserStore()
	svc := newTestService(st)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Email: "", Password: "password1"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing email error = %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "short"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("short password error = %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "password1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "A@example.com", Password: "password1"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email error = %v", err)
	}
}

func TestInviteAndSetPassword(t *testing.T) {
	st := newMockUserStore()
	svc := newTestService(st)
	ctx := context.Background()

	user, token, err := svc.Invite(ctx, InviteRequest{Email: "new@example.com", FirstName: "Sam"})
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	if user.IsActive {
		t.Fatal("invited user should start inactive")
	}
	if remaining := time.Until(st.tokens[token].expiresAt); remaining < 71*time.Hour || remaining > InviteTTL {
		t.Fatalf("token expiry in %v, want about 72h", remaining)
	}

	if _, err := svc.SignIn(ctx, "new@example.com", "anything1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn() before set-password error = %v", err)
	}

	err = svc.SetPassword(ctx, SetPasswordRequest{Token: token, Password: "new-password", ConfirmPassword: "new-password"})
	if err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if _, err := svc.SignIn(ctx, "new@example.com", "new-password"); err != nil {
		t.Fatalf("SignIn() after set-password error = %v", err)
	}

	err = svc.SetPassword(ctx, SetPasswordRequest{Token: token, Password: "other-password", ConfirmPassword: "other-password"})
	if !errors.Is(err, ErrInvalidSetToken) {
		t.Fatalf("reused token error = %v", err)
	}
}

func TestSetPasswordValidation(t *testing.T) {
	svc := newTestService(newMockUserStore())
	ctx := context.Background()
	token := "6f1c1a52-5d0e-4a43-9a43-3f1f7c1de001"

	cases := []struct {
		name string
		req  SetPasswordRequest
		want error
	}{
		{"not a uuid", SetPasswordRequest{Token: "abc", Password: "password1", ConfirmPassword: "password1"}, ErrInvalidSetToken},
		{"too short", SetPasswordRequest{Token: token, Password: "short", ConfirmPassword: "short"}, ErrWeakPassword},
		{"mismatch", SetPasswordRequest{Token: token, Password: "password1", ConfirmPassword: "password2"}, ErrPasswordMismatch},
		{"unknown token", SetPasswordRequest{Token: token, Password: "password1", ConfirmPassword: "password1"}, ErrInvalidSetToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.SetPassword(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("SetPassword() error = %v, want %v", err, tc.want)
			}
		})
	}
}
