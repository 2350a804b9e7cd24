package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{URL: server.URL + "/", APIKey: "service-key", AnonKey: "anon-key"})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x"})
	assert.Error(t, err)
}

// =============================================================================
// PostgREST
// =============================================================================

func TestQueryBuilder_Execute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/orders", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "id,status", q.Get("select"))
		assert.Equal(t, "eq.user-1", q.Get("user_id"))
		assert.Equal(t, "in.(paid,fulfilled)", q.Get("status"))
		assert.Equal(t, "created_at.desc", q.Get("order"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "20", q.Get("offset"))
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "count=exact", r.Header.Get("Prefer"))
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace-ID"))

		w.Header().Set("Content-Range", "20-20/21")
		_, _ = w.Write([]byte(`[{"id":"o1","status":"paid"}]`))
	})

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	resp, err := c.From("orders").
		Select("id,status").
		Eq("user_id", "user-1").
		In("status", []any{"paid", "fulfilled"}).
		Order("created_at", false).
		Limit(10).
		Offset(20).
		Count("exact").
		Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, resp.Error())

	var rows []map[string]string
	require.NoError(t, resp.JSON(&rows))
	assert.Equal(t, "o1", rows[0]["id"])
	assert.Equal(t, 21, resp.Count())
}

func TestQueryBuilder_SingleNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	resp, err := c.From("profiles").Select("*").Eq("id", "missing").Single().Execute(context.Background())
	require.NoError(t, err)

	var sbErr *Error
	require.True(t, errors.As(resp.Error(), &sbErr))
	assert.True(t, sbErr.IsNotFound())
	assert.False(t, sbErr.IsConflict())
}

func TestQueryBuilder_UpsertAndConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "email", r.URL.Query().Get("on_conflict"))
		assert.Equal(t, "resolution=merge-duplicates,return=representation", r.Header.Get("Prefer"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"email":"a@b.c"}`, string(body))

		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})

	resp, err := c.From("vip_waitlist").Upsert("email").ExecuteInsert(context.Background(), map[string]string{"email": "a@b.c"})
	require.NoError(t, err)

	var sbErr *Error
	require.True(t, errors.As(resp.Error(), &sbErr))
	assert.True(t, sbErr.IsConflict())
	assert.Equal(t, "23505", sbErr.Code)
}

func TestQueryBuilder_UpdateAndDelete(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		assert.Equal(t, "eq.o1", r.URL.Query().Get("id"))
		assert.Empty(t, r.URL.Query().Get("select"))
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.From("orders").Eq("id", "o1").ExecuteUpdate(context.Background(), map[string]string{"status": "paid"})
	require.NoError(t, err)
	_, err = c.From("orders").Eq("id", "o1").ExecuteDelete(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodPatch, http.MethodDelete}, methods)
}

func TestResponse_ErrorShapes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"gotrue msg", 422, `{"code":422,"error_code":"email_exists","msg":"User already registered"}`, "email_exists", "User already registered"},
		{"oauth style", 400, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`, "", "Invalid login credentials"},
		{"plain text", 502, `bad gateway`, "", "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Response{StatusCode: tt.status, Body: []byte(tt.body)}).Error()
			var sbErr *Error
			require.True(t, errors.As(err, &sbErr))
			assert.Equal(t, tt.code, sbErr.Code)
			assert.Equal(t, tt.message, sbErr.Message)
		})
	}

	assert.NoError(t, (&Response{StatusCode: 200}).Error())
	assert.True(t, (&Error{StatusCode: 503}).Transient())
	assert.False(t, (&Error{StatusCode: 400}).Transient())
}

func TestResponse_CountWithoutTotal(t *testing.T) {
	r := &Response{Headers: http.Header{"Content-Range": []string{"0-9/*"}}}
	assert.Equal(t, -1, r.Count())
}

// =============================================================================
// Auth
// =============================================================================

func TestAuth_SignInUsesAnonKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"user":{"id":"u1","email":"a@b.c"}}`))
	})

	resp, err := c.Auth().SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "at", resp.AccessToken)
	assert.Equal(t, "u1", resp.User.ID)
}

func TestAuth_SignUpPendingConfirmation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"full_name": "Ada"}, body["data"])
		_, _ = w.Write([]byte(`{"id":"u2","email":"ada@example.com"}`))
	})

	resp, err := c.Auth().SignUp(context.Background(), "ada@example.com", "pw", map[string]any{"full_name": "Ada"})
	require.NoError(t, err)
	assert.Empty(t, resp.AccessToken)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u2", resp.User.ID)
}

func TestAuth_GetUserSendsUserToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"u1","app_metadata":{"role":"admin"}}`))
	})

	user, err := c.Auth().GetUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.AppRole())
}

func TestAuth_AdminCreateUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/admin/users", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		var attrs AdminUserAttributes
		require.NoError(t, json.NewDecoder(r.Body).Decode(&attrs))
		assert.True(t, attrs.EmailConfirm)
		assert.Equal(t, "super_admin", attrs.AppMetadata["role"])
		_, _ = w.Write([]byte(`{"id":"admin-1","email":"ops@example.com","app_metadata":{"role":"super_admin"}}`))
	})

	user, err := c.Auth().AdminCreateUser(context.Background(), AdminUserAttributes{
		Email:        "ops@example.com",
		Password:     "pw",
		EmailConfirm: true,
		AppMetadata:  map[string]any{"role": "super_admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, "admin-1", user.ID)
}

func TestAuth_EmailConfirmed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		switch r.URL.Path {
		case "/auth/v1/admin/users/confirmed":
			_, _ = w.Write([]byte(`{"id":"confirmed","email":"Ops@Example.com","email_confirmed_at":"2026-01-02T00:00:00Z"}`))
		case "/auth/v1/admin/users/pending":
			_, _ = w.Write([]byte(`{"id":"pending","email":"ops@example.com","email_confirmed_at":""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"msg":"User not found"}`))
		}
	})
	ctx := context.Background()

	ok, err := c.Auth().EmailConfirmed(ctx, "confirmed", "ops@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Auth().EmailConfirmed(ctx, "confirmed", "someone@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Auth().EmailConfirmed(ctx, "pending", "ops@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Auth().EmailConfirmed(ctx, "missing", "ops@example.com")
	assert.Error(t, err)
}

func TestAuth_AdminFindUserByEmailWalksPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		users := make([]map[string]string, 0, 200)
		if page == "1" {
			for i := 0; i < 200; i++ {
				users = append(users, map[string]string{"id": "x", "email": "filler@example.com"})
			}
		} else {
			users = append(users, map[string]string{"id": "target", "email": "Ops@Example.com"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"users": users})
	})

	user, err := c.Auth().AdminFindUserByEmail(context.Background(), "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "target", user.ID)

	_, err = c.Auth().AdminFindUserByEmail(context.Background(), "nobody@example.com")
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.True(t, sbErr.IsNotFound())
}

// =============================================================================
// Storage
// =============================================================================

func TestStorage_UploadAndSignedURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/storage/v1/object/seal-arrays/orders/o1.png":
			assert.Equal(t, "true", r.Header.Get("x-upsert"))
			assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"Key":"seal-arrays/orders/o1.png"}`))
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/"):
			_, _ = w.Write([]byte(`{"signedURL":"/object/sign/seal-arrays/orders/o1.png?token=abc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	bucket := c.Storage().From("seal-arrays")
	require.NoError(t, bucket.Upload(context.Background(), "orders/o1.png", []byte{0x89, 'P'}, "image/png", true))

	signed, err := bucket.CreateSignedURL(context.Background(), "orders/o1.png", 60)
	require.NoError(t, err)
	assert.Equal(t, c.BaseURL()+"/storage/v1/object/sign/seal-arrays/orders/o1.png?token=abc", signed)
	assert.Equal(t, c.BaseURL()+"/storage/v1/object/public/seal-arrays/a.png", bucket.GetPublicURL("/a.png"))
}

func TestStorage_DownloadNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`))
	})

	_, err := c.Storage().From("samples").Download(context.Background(), "missing.png")
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.True(t, sbErr.IsNotFound())
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"v2"}`))
	})
	assert.NoError(t, c.Ping(context.Background()))
}
