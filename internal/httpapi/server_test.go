package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/account"
	domainhealth "github.com/anoint-array/platform/internal/domain/health"
	domainmarketing "github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/middleware"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/memory"
	"github.com/anoint-array/platform/services/accounts"
	"github.com/anoint-array/platform/services/admin"
	"github.com/anoint-array/platform/services/backup"
	"github.com/anoint-array/platform/services/checkout"
	"github.com/anoint-array/platform/services/collab"
	"github.com/anoint-array/platform/services/downloads"
	"github.com/anoint-array/platform/services/health"
	"github.com/anoint-array/platform/services/marketing"
	"github.com/anoint-array/platform/services/sealarray"
)

const jwtSecret = "test-jwt-secret"

// testGateway accepts JSON-encoded checkout.WebhookEvent payloads.
type testGateway struct{}

func (testGateway) Name() order.Gateway { return order.GatewayCrypto }

func (testGateway) CreateSession(_ context.Context, req checkout.SessionRequest) (checkout.Session, error) {
	return checkout.Session{Ref: "charge-" + req.OrderID, RedirectURL: "https://pay.example.com/" + req.OrderID}, nil
}

func (testGateway) ParseWebhook(payload []byte, _ http.Header) (checkout.WebhookEvent, error) {
	var ev checkout.WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return checkout.WebhookEvent{}, &checkout.ErrSignature{Gateway: order.GatewayCrypto, Reason: "bad payload"}
	}
	return ev, nil
}

type echoProvider struct{ name string }

func (p echoProvider) Name() string { return p.name }

func (p echoProvider) Complete(_ context.Context, _, prompt string) (string, error) {
	return p.name + ": " + prompt, nil
}

type fixture struct {
	srv       *Server
	store     *memory.Store
	downloads *downloads.Service
	monitor   *health.Monitor
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	logger := logging.NewDiscard()
	store := memory.New()
	objects := memory.NewObjects()

	art := sealarray.New(objects, logger)
	dl, err := downloads.New(downloads.Config{
		Settings: config.DownloadsConfig{SigningSecret: "secret"},
		Bundle:   config.DefaultCatalog().Bundle,
		BaseURL:  "https://shop.example.com",
		Grants:   store,
		Objects:  objects,
		Logger:   logger,
	})
	require.NoError(t, err)

	outbox := marketing.NewOutbox(marketing.NewLogMailer(logger), 100, logger)
	mkt, err := marketing.New(marketing.Config{Store: store, Outbox: outbox, AdminInbox: "inbox@example.com", Logger: logger})
	require.NoError(t, err)

	catalog := config.DefaultCatalog()
	for i := range catalog.Tiers {
		catalog.Tiers[i].ImageSize = 256
	}
	co, err := checkout.New(checkout.Config{
		Orders:   store,
		Catalog:  catalog,
		Gateways: []checkout.Gateway{testGateway{}},
		Artist:   art,
		Issuer:   dl,
		Notifier: outbox,
		BaseURL:  "https://shop.example.com",
		Logger:   logger,
	})
	require.NoError(t, err)

	backups, err := backup.New(backup.Config{
		Settings: config.BackupConfig{Dir: t.TempDir()},
		Stores:   storage.FromBackend(store),
		Logger:   logger,
	})
	require.NoError(t, err)

	monitor := health.New(health.Config{
		Checks: []health.Check{health.NewCheck("database", func(context.Context) domainhealth.CheckResult {
			return domainhealth.CheckResult{Name: "database", Status: domainhealth.StatusHealthy, Score: 100}
		})},
		Logger: logger,
	})

	adm, err := admin.New(admin.Config{Orders: store, Marketing: store, Grants: dl, Health: monitor, Backups: backups, Logger: logger})
	require.NoError(t, err)

	d := Deps{
		Accounts:   accounts.New(nil, store, logger),
		SealArray:  art,
		Checkout:   co,
		Marketing:  mkt,
		Downloads:  dl,
		Orders:     store,
		Backups:    backups,
		Monitor:    monitor,
		Collab:     collab.New(collab.Config{Oracle: echoProvider{"oracle"}, Claude: echoProvider{"claude"}, Logger: logger}),
		Admin:      adm,
		Auth:       middleware.NewAuthMiddleware(jwtSecret, logger, nil, nil),
		AdminGuard: middleware.NewAdminGuard([]string{"owner@example.com"}, logger),
		Origins:    []string{"https://anointarray.com"},
		Logger:     logger,
	}
	for _, m := range mutate {
		m(&d)
	}
	return &fixture{srv: New(d), store: store, downloads: dl, monitor: monitor}
}

func token(t *testing.T, userID, email string, role account.Role) string {
	t.Helper()
	return signClaims(t, middleware.Claims{
		Email:        email,
		Role:         "authenticated",
		AppMetadata:  middleware.AppMetadata{Role: string(role)},
		UserMetadata: middleware.UserMetadata{EmailVerified: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func signClaims(t *testing.T, claims middleware.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthAndUnknownRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	f.monitor.RunOnce(context.Background())
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestMemberRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/me/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/me/orders", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/me/orders", token(t, "u1", "u1@example.com", account.RoleCustomer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":[]}`, rec.Body.String())
}

func TestAdminGuard(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/stats", token(t, "u1", "u1@example.com", account.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/stats", token(t, "a1", "a1@example.com", account.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Allow-listed email without an admin role.
	rec = f.do(t, http.MethodGet, "/api/admin/stats", token(t, "o1", "Owner@Example.com", account.RoleCustomer), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same address, never confirmed.
	unconfirmed := signClaims(t, middleware.Claims{
		Email:            "owner@example.com",
		Role:             "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "o2", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	rec = f.do(t, http.MethodGet, "/api/admin/stats", unconfirmed, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckoutWebhookAndDownload(t *testing.T) {
	f := newFixture(t)
	buyer := token(t, "u1", "buyer@example.com", account.RoleCustomer)

	rec := f.do(t, http.MethodPost, "/api/checkout/seal-array", buyer, map[string]string{
		"tier":       "basic",
		"gateway":    "crypto",
		"name":       "Ada Lovelace",
		"birth_date": "1990-07-15",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started checkout.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "https://pay.example.com/"+started.OrderID, started.RedirectURL)

	event := checkout.WebhookEvent{Type: checkout.EventPaid, OrderID: started.OrderID, AmountCents: 1700}
	rec = f.do(t, http.MethodPost, "/api/webhooks/crypto", "", event)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"action":"fulfilled"`)

	rec = f.do(t, http.MethodPost, "/api/webhooks/crypto", "", event)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"duplicate"`)

	rec = f.do(t, http.MethodGet, "/api/orders/"+started.OrderID, buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"fulfilled"`)

	rec = f.do(t, http.MethodGet, "/api/orders/"+started.OrderID, token(t, "u2", "other@example.com", account.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	issued, err := f.downloads.Issue(context.Background(), started.OrderID, "u1", "")
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/api/downloads/"+issued.Token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = f.do(t, http.MethodGet, "/api/downloads/bogus", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/webhooks/bitpay", "", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/crypto", strings.NewReader("not json"))
	res := httptest.NewRecorder()
	f.srv.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	rec = f.do(t, http.MethodPost, "/api/webhooks/fourthwall", "", map[string]string{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWaitlistAndExport(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/api/waitlist", "", map[string]string{"email": "Fan@Example.com", "name": "Fan"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/waitlist", "", map[string]string{"email": "fan@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/waitlist", "", map[string]string{"email": "fan@example.com", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/waitlist?format=csv", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "vip-waitlist-")
	assert.Contains(t, rec.Body.String(), "fan@example.com")

	rec = f.do(t, http.MethodGet, "/api/admin/waitlist", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestContactTriage(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/api/contact", "", map[string]string{
		"name": "Ann", "email": "ann@example.com", "subject": "Order", "message": "Where is my array?",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPatch, "/api/admin/contacts/"+created.ID, boss, map[string]string{"status": "read"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/contacts?status=new", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contacts":[]}`, rec.Body.String())
}

func TestAdminOrderStatus(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)
	o, err := f.store.CreateOrder(context.Background(), order.Order{
		UserID: "u1", Email: "u1@example.com", Kind: order.KindSealArray, Tier: "basic",
		AmountCents: 1700, Currency: "usd", Gateway: order.GatewayStripe, Status: order.StatusPending,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPatch, "/api/admin/orders/"+o.ID, boss, map[string]string{"status": "fulfilled"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/admin/orders/"+o.ID, boss, map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = f.do(t, http.MethodGet, "/api/admin/orders?status=cancelled", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), o.ID)

	rec = f.do(t, http.MethodGet, "/api/admin/orders?limit=abc", boss, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartRequest(t *testing.T, path, tok, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestBackupCreateDownloadRestore(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)
	_, err := f.store.AddWaitlist(context.Background(), domainmarketing.WaitlistEntry{Email: "fan@example.com"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/admin/backups", boss, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID        string `json:"id"`
		FileName  string `json:"file_name"`
		CreatedBy string `json:"created_by"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "a1@example.com", created.CreatedBy)

	rec = f.do(t, http.MethodGet, "/api/admin/backups/"+created.ID+"/download", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	file := rec.Body.Bytes()
	assert.Contains(t, string(file), "fan@example.com")

	res := httptest.NewRecorder()
	f.srv.ServeHTTP(res, multipartRequest(t, "/api/admin/backups/restore?dry_run=true", boss, created.FileName, file))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), `"dry_run":true`)

	res = httptest.NewRecorder()
	f.srv.ServeHTTP(res, multipartRequest(t, "/api/admin/backups/restore", boss, "backup.txt", file))
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUploads(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)

	res := httptest.NewRecorder()
	csv := []byte("number,symbol,name,meaning\n1,☉,Sun,Start\n")
	f.srv.ServeHTTP(res, multipartRequest(t, "/api/admin/uploads/glyphs", boss, "solar.csv", csv))
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), `"name":"solar.csv"`)

	res = httptest.NewRecorder()
	f.srv.ServeHTTP(res, multipartRequest(t, "/api/admin/uploads/templates", boss, "notes.txt", []byte("plain text")))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	res = httptest.NewRecorder()
	f.srv.ServeHTTP(res, multipartRequest(t, "/api/admin/uploads/samples", boss, "sample.png", png))
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), `"bucket":"samples"`)
}

func TestAITaskRoutes(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)

	create := func() string {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/ai/tasks", strings.NewReader(`{"title":"Slow checkout","description":"p95 is 4s"}`))
		req.Header.Set("Authorization", "Bearer "+boss)
		req.Header.Set("Idempotency-Key", "k1")
		res := httptest.NewRecorder()
		f.srv.ServeHTTP(res, req)
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
		var task struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &task))
		return task.ID
	}
	id := create()
	assert.Equal(t, id, create())

	rec := f.do(t, http.MethodPost, "/api/admin/ai/tasks/"+id+"/advance?run=true", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"review"`)

	rec = f.do(t, http.MethodPost, "/api/admin/ai/tasks/"+id+"/retry", boss, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/ai/tasks/"+id+"/approve", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/tasks/missing", boss, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)
	boss := token(t, "a1", "a1@example.com", account.RoleAdmin)

	rec := f.do(t, http.MethodGet, "/api/admin/health", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(t, http.MethodPost, "/api/admin/health/run", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/health/history?limit=5", boss, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		History []domainhealth.Snapshot `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.History, 2)
}

func TestHealthStreamAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)
	f.monitor.RunOnce(context.Background())
	srv := httptest.NewServer(f.srv)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/health/stream"
	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?access_token="+token(t, "a1", "a1@example.com", account.RoleAdmin), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snap domainhealth.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, domainhealth.StatusHealthy, snap.Status)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/waitlist", nil)
	req.Header.Set("Origin", "https://anointarray.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://anointarray.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDownloadKeysOnConnectionAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.store.CreateOrder(ctx, order.Order{UserID: "u1", Kind: order.KindSealArray, Status: order.StatusPending, CustomerName: "Ada", BirthDate: "1990-07-15"})
	require.NoError(t, err)
	_, err = f.store.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	_, err = f.srv.SealArray.Generate(ctx, o.ID, "Ada", "1990-07-15", 256)
	require.NoError(t, err)
	_, err = f.store.FulfillOrder(ctx, o.ID, sealarray.ArtifactPath(o.ID))
	require.NoError(t, err)
	issued, err := f.downloads.Issue(ctx, o.ID, "u1", "")
	require.NoError(t, err)

	get := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/downloads/"+issued.Token, nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		rec := httptest.NewRecorder()
		f.srv.ServeHTTP(rec, req)
		return rec.Code
	}
	// A pinned forwarding header does not hide four different sockets.
	for _, remote := range []string{"198.51.100.1:1000", "198.51.100.2:1000", "198.51.100.3:1000"} {
		assert.Equal(t, http.StatusOK, get(remote))
	}
	assert.Equal(t, http.StatusForbidden, get("198.51.100.4:1000"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.RateLimiter = middleware.NewRateLimiter(1, 1, logging.NewDiscard())
	})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestPreviewAndProducts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/seal-array/preview", "", map[string]string{"name": "Ada Lovelace", "birth_date": "1990-07-15"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"life_path":5`)

	rec = f.do(t, http.MethodPost, "/api/seal-array/preview", "", map[string]string{"name": "", "birth_date": "1990-07-15"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/merch/products", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
