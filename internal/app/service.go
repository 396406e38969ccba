package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bloomsite/api/internal/agent"
	"bloomsite/api/internal/auth"
	"bloomsite/api/internal/authpw"
	"bloomsite/api/internal/blob"
	"bloomsite/api/internal/config"
	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/email"
	"bloomsite/api/internal/export"
	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/rbac"
	"bloomsite/api/internal/search"
	"bloomsite/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	FirstName    string
	Role         string
	Onboarded    bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	authpw.UserStore
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context, store.UserFilter) ([]store.User, error)
	CompleteOnboarding(context.Context, string, string, string, string) (store.User, error)

	GetForm(context.Context, string) (store.Form, error)
	ListForms(context.Context, store.FormFilter) ([]store.Form, error)
	ListFormIDs(context.Context) ([]string, error)
	CountForms(context.Context) (int, error)
	LoadFormTree(context.Context, string) (store.FormTree, error)
	CreateForm(context.Context, string, store.FormInput, string) (store.Form, error)
	UpdateForm(context.Context, string, store.FormInput) (store.Form, bool, error)
	CreateSection(context.Context, string, store.SectionInput) (store.FormSection, error)
	UpdateSection(context.Context, string, int64, store.SectionInput) (store.FormSection, bool, error)
	DeleteSection(context.Context, string, int64) error
	CreateField(context.Context, string, int64, store.FieldInput) (store.FormField, error)
	UpdateField(context.Context, string, int64, store.FieldInput) (store.FormField, bool, error)
	DeleteField(context.Context, string, int64) error

	SaveSubmission(context.Context, store.Submission) (store.Submission, error)
	GetSubmission(context.Context, string) (store.Submission, error)
	ListSubmissions(context.Context, string, string) ([]store.Submission, error)
	DeleteSubmission(context.Context, string, string) error
	SubmittedFormIDs(context.Context, string) (map[string]bool, error)
	GetProgress(context.Context, string, string) (store.Progress, error)
	SaveProgress(context.Context, store.Progress) (store.Progress, error)

	EnqueueFormSync(context.Context, string) error
	SummarizeFormSync(context.Context) (map[string]int, error)
	ListFormSync(context.Context, string, int) ([]store.OutboxEntry, error)
	RequeueFormSync(context.Context, string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore tracks refresh tokens and revoked access tokens. Redis
// serves it when configured, Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type searcher interface {
	Search(q search.Query) search.Response
	ReindexAllFromPG(ctx context.Context)
}

type uploader interface {
	Upload(ctx context.Context, userID string, body io.ReadSeeker, size int64, contentType string) (blob.Object, error)
}

type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendInviteEmail(to, userName, setPasswordURL string) error
}

type exporter interface {
	Export(ctx context.Context, submission store.Submission, format export.Format) (*export.Result, error)
}

// Deps are the clients built once in main. Nil optional clients disable
// the endpoints that need them.
type Deps struct {
	Store    *store.PostgresStore
	Sessions sessionStore
	Docs     docstore.Store
	Search   *search.Service
	Uploader *blob.Uploader
	Agent    *agent.Client
	Mailer   *email.Service
	Exporter *export.Service
	Notify   func()
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	docs     docstore.Store
	search   searcher
	uploader uploader
	agent    generator
	mailer   mailer
	exporter exporter
	notify   func()
	now      func() time.Time
	log      zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		accounts: authpw.NewService(deps.Store),
		docs:     deps.Docs,
		notify:   deps.Notify,
		now:      time.Now,
		log:      logging.Component("app"),
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Uploader != nil {
		s.uploader = deps.Uploader
	}
	if deps.Agent != nil {
		s.agent = deps.Agent
	}
	if deps.Mailer != nil {
		s.mailer = deps.Mailer
	}
	if deps.Exporter != nil {
		s.exporter = deps.Exporter
	}
	if s.notify == nil {
		s.notify = func() {}
	}
	return s
}

// Bootstrap seeds forms on an empty database and rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.FormsSeedFile != "" {
		seeded, err := s.SeedForms(ctx, s.cfg.FormsSeedFile)
		if err != nil {
			return err
		}
		if seeded > 0 {
			s.log.Info().Int("forms", seeded).Str("file", s.cfg.FormsSeedFile).Msg("seeded forms")
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrMissingCredentials) {
			return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Email and password are required", nil)
		}
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "No active account found with the given credentials", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := auth.NewClaims(user.ID, user.DisplayName(), user.Email, user.Role, jti, s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := uuid.NewString() + uuid.NewString()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName(),
		FirstName:    user.FirstName,
		Role:         user.Role,
		Onboarded:    user.HasCompletedOnboarding,
		JTI:          jti,
		ExpiresAt:    claims.Expiry(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName(),
		FirstName: user.FirstName,
		Role:      user.Role,
		Onboarded: user.HasCompletedOnboarding,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

// Logout revokes the access token and, when given, the refresh token.
// Revocation failures are logged; the client discards its tokens either way.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke refresh token")
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Ping checks the relational store and the document store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.docs != nil {
		return s.docs.Ping(ctx)
	}
	return nil
}

func rawOrEmpty(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage("{}")
	}
	return value
}
