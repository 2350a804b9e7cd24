package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/anoint-array/platform/internal/errors"
	internalhttputil "github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
)

// EmailConfirmations resolves whether a user's current email is confirmed
// on the auth server.
type EmailConfirmations interface {
	EmailConfirmed(ctx context.Context, userID, email string) (bool, error)
}

// AdminGuard restricts a route to admins. A caller is an admin when the
// token carries an admin role, or when a confirmed email is on the
// allow-list.
type AdminGuard struct {
	emails        map[string]bool
	confirmations EmailConfirmations
	logger        *logging.Logger
}

// NewAdminGuard creates a guard with the given allow-listed emails.
func NewAdminGuard(emails []string, logger *logging.Logger) *AdminGuard {
	allowed := make(map[string]bool, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allowed[e] = true
		}
	}
	return &AdminGuard{emails: allowed, logger: logger}
}

// WithConfirmations makes the allow-list ask c instead of trusting the
// token's email_verified flag.
func (g *AdminGuard) WithConfirmations(c EmailConfirmations) *AdminGuard {
	g.confirmations = c
	return g
}

// IsAdmin reports whether the request context belongs to an admin.
func (g *AdminGuard) IsAdmin(r *http.Request) bool {
	ctx := r.Context()
	if GetUserRole(ctx).IsAdmin() {
		return true
	}
	email := GetUserEmail(ctx)
	if email == "" || !g.emails[email] {
		return false
	}
	if g.confirmations == nil {
		return GetEmailVerified(ctx)
	}
	ok, err := g.confirmations.EmailConfirmed(ctx, GetUserID(ctx), email)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("admin email confirmation lookup failed")
		return false
	}
	return ok
}

// Handler returns the admin guard handler. It must run after AuthMiddleware.
func (g *AdminGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			internalhttputil.WriteError(w, r, errors.Unauthorized(""))
			return
		}
		if !g.IsAdmin(r) {
			g.logger.LogSecurityEvent(r.Context(), "admin_access_denied", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			internalhttputil.WriteError(w, r, errors.Forbidden("Admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
