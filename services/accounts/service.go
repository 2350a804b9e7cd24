// Package accounts handles sign-up, sign-in, profiles and admin bootstrap on
// top of Supabase Auth and the profile store.
package accounts

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/anoint-array/platform/internal/domain/account"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/supabase/client"
)

const (
	ServiceID         = "accounts"
	minPasswordLength = 8
	maxNameLength     = 200
)

// AuthProvider is the subset of Supabase Auth the service uses.
// *client.AuthClient satisfies it.
type AuthProvider interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*client.AuthResponse, error)
	SignIn(ctx context.Context, email, password string) (*client.AuthResponse, error)
	AdminCreateUser(ctx context.Context, attrs client.AdminUserAttributes) (*client.User, error)
	AdminUpdateUser(ctx context.Context, id string, attrs client.AdminUserAttributes) (*client.User, error)
	AdminFindUserByEmail(ctx context.Context, email string) (*client.User, error)
}

// Session is returned by SignUp and SignIn. Tokens are empty when the
// project requires email confirmation before the first sign-in.
type Session struct {
	AccessToken          string          `json:"access_token,omitempty"`
	RefreshToken         string          `json:"refresh_token,omitempty"`
	ExpiresIn            int             `json:"expires_in,omitempty"`
	Profile              account.Profile `json:"profile"`
	ConfirmationRequired bool            `json:"confirmation_required"`
}

// Service implements account operations.
type Service struct {
	auth     AuthProvider
	profiles storage.ProfileStore
	logger   *logging.Logger
}

// New creates the service. auth may be nil when Supabase is not configured,
// in which case auth operations fail with an upstream error.
func New(auth AuthProvider, profiles storage.ProfileStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{auth: auth, profiles: profiles, logger: logger}
}

// NormalizeEmail trims and lowercases email and checks its syntax.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", svcerrors.InvalidInput("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", svcerrors.InvalidFormat("email", "name@example.com")
	}
	return email, nil
}

func (s *Service) requireAuth() error {
	if s.auth == nil {
		return svcerrors.Upstream("supabase", false, stderrors.New("auth is not configured"))
	}
	return nil
}

// authError maps Supabase Auth failures to service errors.
func authError(err error) error {
	var sbErr *client.Error
	if !stderrors.As(err, &sbErr) {
		if svcerrors.GetServiceError(err) != nil {
			return err
		}
		return svcerrors.Upstream("supabase", true, err)
	}
	switch {
	case sbErr.IsConflict():
		return svcerrors.Conflict("An account with this email already exists")
	case sbErr.IsNotFound():
		return svcerrors.NotFound("user", "")
	case sbErr.Transient():
		return svcerrors.Upstream("supabase", true, err)
	case sbErr.StatusCode == http.StatusBadRequest, sbErr.StatusCode == http.StatusUnprocessableEntity:
		return svcerrors.InvalidInput(sbErr.Message)
	default:
		return svcerrors.Upstream("supabase", false, err)
	}
}

func storeError(resource, id string, err error) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound(resource, id)
	}
	if stderrors.Is(err, storage.ErrConflict) {
		return svcerrors.Conflict(resource + " already exists")
	}
	return svcerrors.Internal("", err)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return svcerrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > maxNameLength {
		return "", svcerrors.InvalidInput(fmt.Sprintf("full name must be at most %d characters", maxNameLength))
	}
	return name, nil
}

// SignUp creates the auth user and a customer profile.
func (s *Service) SignUp(ctx context.Context, email, password, fullName string) (*Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if fullName, err = cleanName(fullName); err != nil {
		return nil, err
	}
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	resp, err := s.auth.SignUp(ctx, email, password, map[string]any{"full_name": fullName})
	if err != nil {
		return nil, authError(err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, svcerrors.Upstream("supabase", false, stderrors.New("sign-up returned no user"))
	}

	profile, err := s.profiles.UpsertProfile(ctx, account.Profile{
		ID:       resp.User.ID,
		Email:    email,
		FullName: fullName,
		Role:     account.RoleCustomer,
	})
	if err != nil {
		return nil, storeError("profile", resp.User.ID, err)
	}

	s.logger.WithContext(ctx).WithField("user_id", profile.ID).Info("user signed up")
	return &Session{
		AccessToken:          resp.AccessToken,
		RefreshToken:         resp.RefreshToken,
		ExpiresIn:            resp.ExpiresIn,
		Profile:              profile,
		ConfirmationRequired: resp.AccessToken == "",
	}, nil
}

// SignIn authenticates with email and password. A missing profile row is
// recreated from the auth user.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, svcerrors.InvalidInput("password is required")
	}
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	resp, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		var sbErr *client.Error
		if stderrors.As(err, &sbErr) && !sbErr.Transient() {
			s.logger.LogSecurityEvent(ctx, "sign_in_failed", map[string]interface{}{"email": email})
			return nil, svcerrors.Unauthorized("Invalid email or password")
		}
		return nil, authError(err)
	}
	if resp.User == nil {
		return nil, svcerrors.Upstream("supabase", false, stderrors.New("sign-in returned no user"))
	}

	profile, err := s.profiles.GetProfile(ctx, resp.User.ID)
	if stderrors.Is(err, storage.ErrNotFound) {
		role := account.Role(resp.User.AppRole())
		if !role.Valid() {
			role = account.RoleCustomer
		}
		fullName, _ := resp.User.UserMetadata["full_name"].(string)
		profile, err = s.profiles.UpsertProfile(ctx, account.Profile{
			ID:       resp.User.ID,
			Email:    email,
			FullName: fullName,
			Role:     role,
		})
		if err == nil {
			s.logger.WithContext(ctx).WithField("user_id", profile.ID).Warn("recreated missing profile on sign-in")
		}
	}
	if err != nil {
		return nil, storeError("profile", resp.User.ID, err)
	}

	return &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		Profile:      profile,
	}, nil
}

// Me returns the caller's profile.
func (s *Service) Me(ctx context.Context, userID string) (account.Profile, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return account.Profile{}, storeError("profile", userID, err)
	}
	return p, nil
}

// UpdateProfile changes the caller's full name. Nothing else is writable.
func (s *Service) UpdateProfile(ctx context.Context, userID, fullName string) (account.Profile, error) {
	name, err := cleanName(fullName)
	if err != nil {
		return account.Profile{}, err
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return account.Profile{}, storeError("profile", userID, err)
	}
	p.FullName = name
	p, err = s.profiles.UpsertProfile(ctx, p)
	if err != nil {
		return account.Profile{}, storeError("profile", userID, err)
	}
	return p, nil
}

// ListProfiles returns one page of profiles, newest first.
func (s *Service) ListProfiles(ctx context.Context, limit, offset int) ([]account.Profile, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	profiles, err := s.profiles.ListProfiles(ctx, storage.Page{Limit: limit, Offset: offset})
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	return profiles, nil
}

// SetRole changes a user's role in both the auth app_metadata and the
// profile row.
func (s *Service) SetRole(ctx context.Context, userID string, role account.Role) (account.Profile, error) {
	if !role.Valid() {
		return account.Profile{}, svcerrors.InvalidInput("role must be customer, admin or super_admin")
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return account.Profile{}, storeError("profile", userID, err)
	}
	if err := s.requireAuth(); err != nil {
		return account.Profile{}, err
	}
	if _, err := s.auth.AdminUpdateUser(ctx, userID, client.AdminUserAttributes{
		AppMetadata: map[string]any{"role": string(role)},
	}); err != nil {
		return account.Profile{}, authError(err)
	}

	p.Role = role
	p, err = s.profiles.UpsertProfile(ctx, p)
	if err != nil {
		return account.Profile{}, storeError("profile", userID, err)
	}
	s.logger.LogSecurityEvent(ctx, "role_changed", map[string]interface{}{
		"target_user": userID,
		"role":        string(role),
	})
	return p, nil
}
