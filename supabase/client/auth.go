package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// =============================================================================
// Auth Operations
// =============================================================================

// Auth returns an auth client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles authentication operations.
type AuthClient struct {
	client *Client
}

// AuthResponse is the response from auth operations.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// User represents a Supabase user.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Phone            string         `json:"phone"`
	Role             string         `json:"role"`
	EmailConfirmedAt string         `json:"email_confirmed_at"`
	LastSignInAt     string         `json:"last_sign_in_at"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	AppMetadata      map[string]any `json:"app_metadata"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

// AppRole returns app_metadata.role, or "" when absent.
func (u *User) AppRole() string {
	if u == nil || u.AppMetadata == nil {
		return ""
	}
	role, _ := u.AppMetadata["role"].(string)
	return role
}

func (a *AuthClient) post(ctx context.Context, path string, payload any, bearer string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := newRequest(ctx, http.MethodPost, a.client.baseURL+path, body)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	a.client.setHeaders(req, a.client.anonKey)
	req.Header.Set("Content-Type", "application/json")
	return a.client.doJSON(req, out)
}

// SignUp creates a new user. A session is returned when email confirmation
// is disabled for the project; otherwise only User is populated.
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*AuthResponse, error) {
	payload := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		payload["data"] = metadata
	}

	var raw json.RawMessage
	if err := a.post(ctx, "/auth/v1/signup", payload, "", &raw); err != nil {
		return nil, err
	}

	var authResp AuthResponse
	if err := json.Unmarshal(raw, &authResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if authResp.User == nil {
		// Confirmation pending: GoTrue returns the bare user object.
		var user User
		if err := json.Unmarshal(raw, &user); err == nil && user.ID != "" {
			authResp.User = &user
		}
	}
	return &authResp, nil
}

// SignIn signs in a user with email and password.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	var authResp AuthResponse
	err := a.post(ctx, "/auth/v1/token?grant_type=password", map[string]string{
		"email":    email,
		"password": password,
	}, "", &authResp)
	if err != nil {
		return nil, err
	}
	return &authResp, nil
}

// RefreshToken exchanges a refresh token for a new session.
func (a *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var authResp AuthResponse
	err := a.post(ctx, "/auth/v1/token?grant_type=refresh_token", map[string]string{
		"refresh_token": refreshToken,
	}, "", &authResp)
	if err != nil {
		return nil, err
	}
	return &authResp, nil
}

// SignOut revokes the session behind accessToken.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	return a.post(ctx, "/auth/v1/logout", map[string]string{}, accessToken, nil)
}

// ResetPasswordForEmail sends a password recovery email.
func (a *AuthClient) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	path := "/auth/v1/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return a.post(ctx, path, map[string]string{"email": email}, "", nil)
}

// GetUser gets the user behind accessToken.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := newRequest(ctx, http.MethodGet, a.client.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	a.client.setHeaders(req, a.client.anonKey)

	var user User
	if err := a.client.doJSON(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// =============================================================================
// Auth Admin Operations (service role)
// =============================================================================

// AdminUserAttributes is the payload for admin create and update.
type AdminUserAttributes struct {
	Email        string         `json:"email,omitempty"`
	Password     string         `json:"password,omitempty"`
	EmailConfirm bool           `json:"email_confirm,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

func (a *AuthClient) admin(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}
	req, err := newRequest(ctx, method, a.client.baseURL+"/auth/v1/admin"+path, body)
	if err != nil {
		return err
	}
	a.client.setHeaders(req, a.client.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.client.doJSON(req, out)
}

// AdminCreateUser creates a user without sending a confirmation email.
func (a *AuthClient) AdminCreateUser(ctx context.Context, attrs AdminUserAttributes) (*User, error) {
	var user User
	if err := a.admin(ctx, http.MethodPost, "/users", attrs, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// AdminGetUser fetches a user by ID.
func (a *AuthClient) AdminGetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := a.admin(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// EmailConfirmed reports whether user id currently holds email and has
// confirmed it.
func (a *AuthClient) EmailConfirmed(ctx context.Context, id, email string) (bool, error) {
	user, err := a.AdminGetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return user.EmailConfirmedAt != "" && strings.EqualFold(user.Email, email), nil
}

// AdminUpdateUser updates a user by ID.
func (a *AuthClient) AdminUpdateUser(ctx context.Context, id string, attrs AdminUserAttributes) (*User, error) {
	var user User
	if err := a.admin(ctx, http.MethodPut, "/users/"+url.PathEscape(id), attrs, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// AdminDeleteUser deletes a user by ID.
func (a *AuthClient) AdminDeleteUser(ctx context.Context, id string) error {
	return a.admin(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), nil, nil)
}

// AdminListUsers returns one page of users. Pages start at 1.
func (a *AuthClient) AdminListUsers(ctx context.Context, page, perPage int) ([]User, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}
	var out struct {
		Users []User `json:"users"`
	}
	path := "/users?page=" + strconv.Itoa(page) + "&per_page=" + strconv.Itoa(perPage)
	if err := a.admin(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// AdminFindUserByEmail walks the user pages looking for email. It returns
// an Error with IsNotFound() true when there is no such user.
func (a *AuthClient) AdminFindUserByEmail(ctx context.Context, email string) (*User, error) {
	const perPage = 200
	email = strings.ToLower(strings.TrimSpace(email))
	for page := 1; ; page++ {
		users, err := a.AdminListUsers(ctx, page, perPage)
		if err != nil {
			return nil, err
		}
		for i := range users {
			if strings.EqualFold(users[i].Email, email) {
				return &users[i], nil
			}
		}
		if len(users) < perPage {
			return nil, &Error{StatusCode: http.StatusNotFound, Code: "user_not_found", Message: "no user with email " + email}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
