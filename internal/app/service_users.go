package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bloomsite/api/internal/authpw"
	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/store"
)

type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
}

type InviteInput struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
}

type SetPasswordInput struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type OnboardingInput struct {
	CompanyType    string `json:"companyType"`
	CompanyGoal    string `json:"companyGoal"`
	TargetAudience string `json:"targetAudience"`
	CompanyName    string `json:"companyName"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (store.User, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		Email:       input.Email,
		Password:    input.Password,
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		CompanyName: input.CompanyName,
	})
	if err != nil {
		return store.User{}, accountError(err)
	}
	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Invite creates an inactive client and mails a set-password link. The
// account is kept when the email cannot be sent; the link is returned so an
// admin can pass it on.
func (s *Service) Invite(ctx context.Context, input InviteInput) (map[string]any, error) {
	if strings.TrimSpace(input.Email) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
	}
	user, token, err := s.accounts.Invite(ctx, authpw.InviteRequest{
		Email:       input.Email,
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		CompanyName: input.CompanyName,
	})
	if err != nil {
		return nil, accountError(err)
	}

	link := s.setPasswordURL(token)
	emailSent := false
	if s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendInviteEmail(user.Email, user.DisplayName(), link); err != nil {
			s.log.Error().Err(err).Str("user_id", user.ID).Msg("send invite email")
		} else {
			emailSent = true
		}
	}

	return map[string]any{
		"id":             user.ID,
		"email":          user.Email,
		"emailSent":      emailSent,
		"setPasswordUrl": link,
		"expiresAt":      s.now().Add(authpw.InviteTTL).UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) setPasswordURL(token string) string {
	base := strings.TrimRight(s.cfg.AppBaseURL, "/")
	return base + "/set-password?token=" + url.QueryEscape(token)
}

func (s *Service) SetPassword(ctx context.Context, input SetPasswordInput) error {
	err := s.accounts.SetPassword(ctx, authpw.SetPasswordRequest{
		Token:           input.Token,
		Password:        input.Password,
		ConfirmPassword: input.ConfirmPassword,
	})
	if err != nil {
		return accountError(err)
	}
	return nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Email and password are required", nil)
	case errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "password"})
	case errors.Is(err, authpw.ErrPasswordMismatch):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "confirm_password"})
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusBadRequest, "EMAIL_TAKEN", "User with this email already exists", nil)
	case errors.Is(err, authpw.ErrInvalidSetToken):
		return domainError(http.StatusBadRequest, "INVALID_TOKEN", err.Error(), nil)
	}
	return err
}

// CompleteOnboarding stores the business profile document and then flags the
// user as onboarded. A document store failure leaves the flag unset.
func (s *Service) CompleteOnboarding(ctx context.Context, session Session, input OnboardingInput) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	companyName := strings.TrimSpace(input.CompanyName)
	if companyName == "" {
		companyName = user.CompanyName
	}

	profile := docstore.Profile{
		ID:             user.ID,
		UserID:         user.ID,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		CompanyName:    companyName,
		CompanyType:    strings.TrimSpace(input.CompanyType),
		CompanyGoal:    strings.TrimSpace(input.CompanyGoal),
		TargetAudience: strings.TrimSpace(input.TargetAudience),
		UpdatedAt:      s.now().UTC().Format(time.RFC3339),
	}
	if s.docs == nil {
		return nil, domainError(http.StatusBadGateway, "DOCUMENT_STORE_ERROR", "Document store is not configured", nil)
	}
	if err := s.docs.UpsertProfile(ctx, profile); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("upsert user profile")
		return nil, upstreamError("DOCUMENT_STORE_ERROR", "Failed to save user profile", err)
	}

	if _, err := s.store.CompleteOnboarding(ctx, user.ID, "", "", companyName); err != nil {
		return nil, err
	}
	return map[string]any{"detail": "User profile saved successfully."}, nil
}

func (s *Service) Profile(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := userPayload(user)
	payload["profile"] = nil
	if s.docs != nil {
		profile, err := s.docs.GetProfile(ctx, user.ID)
		switch {
		case err == nil:
			payload["profile"] = profile
		case !errors.Is(err, docstore.ErrNotFound):
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("load user profile")
		}
	}
	return payload, nil
}

func (s *Service) ListUsers(ctx context.Context, filter store.UserFilter) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.ID != "" && len(users) == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "User not found.", nil)
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return items, nil
}

// UserDetail returns a user with their submissions, newest first.
func (s *Service) UserDetail(ctx context.Context, userID string) (map[string]any, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "a user_id must be provided", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "User not found.", nil)
		}
		return nil, err
	}
	submissions, err := s.store.ListSubmissions(ctx, user.ID, store.SubmissionKindSubmission)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(submissions))
	for _, submission := range submissions {
		items = append(items, map[string]any{
			"submissionId": submission.ID,
			"formId":       submission.FormID,
			"formName":     submission.FormName,
			"formVersion":  strconv.Itoa(submission.FormVersion),
			"submittedAt":  submission.UpdatedAt.UTC().Format(time.RFC3339),
			"answers":      rawOrEmpty(submission.Answers),
		})
	}

	payload := map[string]any{
		"uuid":        user.ID,
		"firstName":   user.FirstName,
		"lastName":    user.LastName,
		"email":       user.Email,
		"role":        user.Role,
		"isActive":    user.IsActive,
		"companyName": user.CompanyName,
		"dateJoined":  user.CreatedAt.UTC().Format(time.RFC3339),
		"submissions": items,
	}
	return payload, nil
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":                       user.ID,
		"email":                    user.Email,
		"first_name":               user.FirstName,
		"last_name":                user.LastName,
		"role":                     user.Role,
		"is_active":                user.IsActive,
		"company_name":             user.CompanyName,
		"has_completed_onboarding": user.HasCompletedOnboarding,
		"date_joined":              user.CreatedAt.UTC().Format(time.RFC3339),
	}
}
