package accounts

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/anoint-array/platform/internal/domain/account"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/supabase/client"
)

// EnsureAdminRequest describes the admin account to bootstrap or repair.
type EnsureAdminRequest struct {
	Email    string
	Password string
	FullName string
	Role     account.Role
	// Create allows creating the auth user when it does not exist.
	Create bool
}

// AdminReport lists what EnsureAdmin changed.
type AdminReport struct {
	UserID          string `json:"user_id"`
	Created         bool   `json:"created"`
	PasswordReset   bool   `json:"password_reset"`
	RoleUpdated     bool   `json:"role_updated"`
	ProfileRepaired bool   `json:"profile_repaired"`
}

// EnsureAdmin makes the auth user, its app_metadata role and its profile row
// agree. Running it twice with the same input changes nothing the second
// time except an explicit password reset.
func (s *Service) EnsureAdmin(ctx context.Context, req EnsureAdminRequest) (*AdminReport, error) {
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = account.RoleAdmin
	}
	if !role.IsAdmin() {
		return nil, svcerrors.InvalidInput("role must be admin or super_admin")
	}
	if req.Password != "" {
		if err := validatePassword(req.Password); err != nil {
			return nil, err
		}
	}
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	report := &AdminReport{}
	user, err := s.auth.AdminFindUserByEmail(ctx, email)
	var sbErr *client.Error
	switch {
	case err == nil:
	case stderrors.As(err, &sbErr) && sbErr.IsNotFound():
		if !req.Create {
			return nil, svcerrors.NotFound("auth user", email)
		}
		if req.Password == "" {
			return nil, svcerrors.InvalidInput("password is required to create a user")
		}
		user, err = s.auth.AdminCreateUser(ctx, client.AdminUserAttributes{
			Email:        email,
			Password:     req.Password,
			EmailConfirm: true,
			AppMetadata:  map[string]any{"role": string(role)},
			UserMetadata: map[string]any{"full_name": req.FullName},
		})
		if err != nil {
			return nil, authError(err)
		}
		report.Created = true
	default:
		return nil, authError(err)
	}
	report.UserID = user.ID

	if !report.Created {
		attrs := client.AdminUserAttributes{}
		if req.Password != "" {
			attrs.Password = req.Password
			report.PasswordReset = true
		}
		if user.AppRole() != string(role) {
			attrs.AppMetadata = map[string]any{"role": string(role)}
			report.RoleUpdated = true
		}
		if report.PasswordReset || report.RoleUpdated {
			if _, err := s.auth.AdminUpdateUser(ctx, user.ID, attrs); err != nil {
				return nil, authError(err)
			}
		}
	}

	profile, err := s.profiles.GetProfile(ctx, user.ID)
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		profile = account.Profile{ID: user.ID}
		report.ProfileRepaired = true
	case err != nil:
		return nil, storeError("profile", user.ID, err)
	}
	if profile.Role != role || profile.Email != email {
		report.ProfileRepaired = true
	}
	if req.FullName != "" && profile.FullName != req.FullName {
		profile.FullName = req.FullName
		report.ProfileRepaired = true
	}
	if report.ProfileRepaired {
		profile.Email = email
		profile.Role = role
		if _, err := s.profiles.UpsertProfile(ctx, profile); err != nil {
			return nil, storeError("profile", user.ID, err)
		}
	}

	s.logger.LogSecurityEvent(ctx, "admin_ensured", map[string]interface{}{
		"target_user":      user.ID,
		"created":          report.Created,
		"password_reset":   report.PasswordReset,
		"role_updated":     report.RoleUpdated,
		"profile_repaired": report.ProfileRepaired,
	})
	return report, nil
}

// Verification is the result of VerifyAdmin.
type Verification struct {
	Email       string       `json:"email"`
	UserID      string       `json:"user_id,omitempty"`
	AuthRole    string       `json:"auth_role,omitempty"`
	ProfileRole account.Role `json:"profile_role,omitempty"`
	Problems    []string     `json:"problems,omitempty"`
}

// OK reports whether the auth user, profile and role all agree.
func (v *Verification) OK() bool {
	return len(v.Problems) == 0
}

// VerifyAdmin checks that email belongs to a consistent admin account.
func (s *Service) VerifyAdmin(ctx context.Context, email string) (*Verification, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	v := &Verification{Email: email}
	user, err := s.auth.AdminFindUserByEmail(ctx, email)
	var sbErr *client.Error
	if stderrors.As(err, &sbErr) && sbErr.IsNotFound() {
		v.Problems = append(v.Problems, "auth user does not exist")
		return v, nil
	}
	if err != nil {
		return nil, authError(err)
	}
	v.UserID = user.ID
	v.AuthRole = user.AppRole()
	if !account.Role(v.AuthRole).IsAdmin() {
		v.Problems = append(v.Problems, fmt.Sprintf("auth app_metadata role is %q", v.AuthRole))
	}

	profile, err := s.profiles.GetProfile(ctx, user.ID)
	if stderrors.Is(err, storage.ErrNotFound) {
		v.Problems = append(v.Problems, "profile row is missing")
		return v, nil
	}
	if err != nil {
		return nil, storeError("profile", user.ID, err)
	}
	v.ProfileRole = profile.Role
	if !profile.Role.IsAdmin() {
		v.Problems = append(v.Problems, fmt.Sprintf("profile role is %q", profile.Role))
	}
	if v.AuthRole != "" && string(profile.Role) != v.AuthRole {
		v.Problems = append(v.Problems, "auth and profile roles differ")
	}
	return v, nil
}

// ListAdmins returns every profile with an admin role.
func (s *Service) ListAdmins(ctx context.Context) ([]account.Profile, error) {
	all, err := s.profiles.ListProfiles(ctx, storage.Page{})
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	admins := make([]account.Profile, 0)
	for _, p := range all {
		if p.Role.IsAdmin() {
			admins = append(admins, p)
		}
	}
	return admins, nil
}
