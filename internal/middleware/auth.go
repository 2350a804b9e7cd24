// Package middleware provides HTTP middleware for the storefront API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/errors"
	internalhttputil "github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
)

// AppMetadata is the server-controlled metadata block of a Supabase user.
type AppMetadata struct {
	Role     string `json:"role,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// UserMetadata is the user-facing metadata block. GoTrue sets
// email_verified once the address is confirmed.
type UserMetadata struct {
	EmailVerified bool `json:"email_verified,omitempty"`
}

// Claims represents a Supabase access token. The subject is the user ID.
type Claims struct {
	Email        string       `json:"email,omitempty"`
	Role         string       `json:"role,omitempty"`
	AppMetadata  AppMetadata  `json:"app_metadata"`
	UserMetadata UserMetadata `json:"user_metadata"`
	SessionID    string       `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// AppRole resolves the application role. app_metadata.role wins; the
// top-level claim is the Postgres role ("authenticated") unless it happens
// to name an application role.
func (c *Claims) AppRole() account.Role {
	if r := account.Role(c.AppMetadata.Role); r.Valid() {
		return r
	}
	if r := account.Role(c.Role); r.Valid() {
		return r
	}
	return account.RoleCustomer
}

// AuthMiddleware validates Supabase-issued HS256 access tokens.
type AuthMiddleware struct {
	secret       []byte
	logger       *logging.Logger
	skipPaths    map[string]bool
	optionalAuth map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware. Requests to
// skipPaths bypass authentication; optionalPaths are authenticated only when
// a token is presented.
func NewAuthMiddleware(jwtSecret string, logger *logging.Logger, skipPaths, optionalPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	optional := make(map[string]bool)
	for _, path := range optionalPaths {
		optional[path] = true
	}

	return &AuthMiddleware{
		secret:       []byte(jwtSecret),
		logger:       logger,
		skipPaths:    skip,
		optionalAuth: optional,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optionalAuth[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := WithClaims(r.Context(), claims)

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": claims.Subject,
			"role":    claims.AppRole(),
		}).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken parses tokenString and returns its claims.
func (m *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "token verification is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	if claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}

	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	internalhttputil.WriteError(w, r, err)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": errors.HTTPStatus(err),
	}).Warn("Authentication failed")
}

// WithClaims stores the authenticated identity in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = logging.WithUserID(ctx, claims.Subject)
	ctx = logging.WithRole(ctx, string(claims.AppRole()))
	if claims.Email != "" {
		ctx = logging.WithEmail(ctx, strings.ToLower(claims.Email))
	}
	return WithEmailVerified(ctx, claims.UserMetadata.EmailVerified)
}

type emailVerifiedKey struct{}

// WithEmailVerified records whether the token marks the email as confirmed.
func WithEmailVerified(ctx context.Context, verified bool) context.Context {
	return context.WithValue(ctx, emailVerifiedKey{}, verified)
}

// GetEmailVerified reports the confirmation flag stored by WithEmailVerified.
func GetEmailVerified(ctx context.Context) bool {
	v, _ := ctx.Value(emailVerifiedKey{}).(bool)
	return v
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) account.Role {
	return account.Role(logging.GetRole(ctx))
}

// GetUserEmail extracts the authenticated email from context
func GetUserEmail(ctx context.Context) string {
	return logging.GetEmail(ctx)
}
