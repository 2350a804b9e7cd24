// Package httpapi exposes the storefront, member and admin HTTP routes.
package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/middleware"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/services/accounts"
	"github.com/anoint-array/platform/services/admin"
	"github.com/anoint-array/platform/services/backup"
	"github.com/anoint-array/platform/services/checkout"
	"github.com/anoint-array/platform/services/collab"
	"github.com/anoint-array/platform/services/downloads"
	"github.com/anoint-array/platform/services/health"
	"github.com/anoint-array/platform/services/marketing"
	"github.com/anoint-array/platform/services/merch"
	"github.com/anoint-array/platform/services/sealarray"
)

// Deps is everything the router serves. Merch, Backups, Monitor and Collab
// may be nil; their routes then answer 503.
type Deps struct {
	Accounts  *accounts.Service
	SealArray *sealarray.Service
	Checkout  *checkout.Service
	Merch     *merch.Service
	Marketing *marketing.Service
	Downloads *downloads.Service
	Orders    storage.OrderStore
	Backups   *backup.Service
	Monitor   *health.Monitor
	Collab    *collab.Service
	Admin     *admin.Service

	Auth        *middleware.AuthMiddleware
	AdminGuard  *middleware.AdminGuard
	RateLimiter *middleware.RateLimiter
	// Proxies whose X-Forwarded-For is trusted; nil keys on the connection.
	Proxies     *httputil.Proxies
	Origins     []string

	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Version string
}

// Server routes API requests to the services.
type Server struct {
	Deps
	router *mux.Router
}

// New builds the router.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	s := &Server{Deps: d, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, svcerrors.NotFound("route", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Use(middleware.Recoverer(s.Logger))
	r.Use(middleware.NewTracingMiddleware(s.Logger).Handler)
	if s.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(s.Metrics))
	}
	r.Use(middleware.NewCORSMiddleware(s.Origins).Handler)
	if s.RateLimiter != nil {
		r.Use(s.RateLimiter.Handler)
	}

	// Preflight requests only need the CORS headers.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Public
	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/waitlist", s.handleJoinWaitlist).Methods(http.MethodPost)
	api.HandleFunc("/contact", s.handleContact).Methods(http.MethodPost)
	api.HandleFunc("/merch/products", s.handleMerchProducts).Methods(http.MethodGet)
	api.HandleFunc("/downloads/{token}", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{gateway}", s.handleWebhook).Methods(http.MethodPost)
	api.HandleFunc("/seal-array/preview", s.handlePreview).Methods(http.MethodPost)

	// Member
	member := api.NewRoute().Subrouter()
	member.Use(s.Auth.Handler)
	member.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	member.HandleFunc("/me", s.handleUpdateMe).Methods(http.MethodPatch)
	member.HandleFunc("/me/orders", s.handleMyOrders).Methods(http.MethodGet)
	member.HandleFunc("/orders/{id}", s.handleMyOrder).Methods(http.MethodGet)
	member.HandleFunc("/checkout/seal-array", s.handleSealArrayCheckout).Methods(http.MethodPost)
	member.HandleFunc("/checkout/merch", s.handleMerchCheckout).Methods(http.MethodPost)

	// Admin
	adm := api.PathPrefix("/admin").Subrouter()
	adm.Use(tokenFromQuery("/api/admin/health/stream"))
	adm.Use(s.Auth.Handler)
	adm.Use(s.AdminGuard.Handler)
	adm.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	adm.HandleFunc("/orders", s.handleAdminOrders).Methods(http.MethodGet)
	adm.HandleFunc("/orders/{id}", s.handleAdminOrder).Methods(http.MethodGet)
	adm.HandleFunc("/orders/{id}", s.handleAdminUpdateOrder).Methods(http.MethodPatch)
	adm.HandleFunc("/orders/{id}/retry-fulfillment", s.handleRetryFulfillment).Methods(http.MethodPost)
	adm.HandleFunc("/orders/{id}/labels", s.handleCreateLabel).Methods(http.MethodPost)
	adm.HandleFunc("/orders/{id}/labels", s.handleListLabels).Methods(http.MethodGet)

	adm.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	adm.HandleFunc("/users/{id}/role", s.handleSetRole).Methods(http.MethodPatch)

	adm.HandleFunc("/waitlist", s.handleListWaitlist).Methods(http.MethodGet)
	adm.HandleFunc("/contacts", s.handleListContacts).Methods(http.MethodGet)
	adm.HandleFunc("/contacts/{id}", s.handleUpdateContact).Methods(http.MethodPatch)

	adm.HandleFunc("/backups", s.handleCreateBackup).Methods(http.MethodPost)
	adm.HandleFunc("/backups", s.handleListBackups).Methods(http.MethodGet)
	adm.HandleFunc("/backups/restore", s.handleRestoreBackup).Methods(http.MethodPost)
	adm.HandleFunc("/backups/{id}/download", s.handleDownloadBackup).Methods(http.MethodGet)

	adm.HandleFunc("/health", s.handleAdminHealth).Methods(http.MethodGet)
	adm.HandleFunc("/health/history", s.handleHealthHistory).Methods(http.MethodGet)
	adm.HandleFunc("/health/run", s.handleHealthRun).Methods(http.MethodPost)
	adm.Handle("/health/stream", s.streamHandler()).Methods(http.MethodGet)

	adm.HandleFunc("/ai/tasks", s.handleCreateTask).Methods(http.MethodPost)
	adm.HandleFunc("/ai/tasks", s.handleListTasks).Methods(http.MethodGet)
	adm.HandleFunc("/ai/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	adm.HandleFunc("/ai/tasks/{id}/advance", s.handleAdvanceTask).Methods(http.MethodPost)
	adm.HandleFunc("/ai/tasks/{id}/approve", s.handleApproveTask).Methods(http.MethodPost)
	adm.HandleFunc("/ai/tasks/{id}/retry", s.handleRetryTask).Methods(http.MethodPost)

	adm.HandleFunc("/uploads/glyphs", s.handleUploadGlyphs).Methods(http.MethodPost)
	adm.HandleFunc("/uploads/templates", s.handleUploadImage(sealarray.KindTemplate)).Methods(http.MethodPost)
	adm.HandleFunc("/uploads/samples", s.handleUploadImage(sealarray.KindSample)).Methods(http.MethodPost)
}

// tokenFromQuery lets a browser websocket, which cannot set headers, pass
// its access token as ?access_token= on the given path.
func tokenFromQuery(path string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path && r.Header.Get("Authorization") == "" {
				if tok := r.URL.Query().Get("access_token"); tok != "" {
					r.Header.Set("Authorization", "Bearer "+tok)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkOrigin applies the CORS allow-list to websocket upgrades. Requests
// without an Origin header are not from browsers and pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.Origins {
		switch {
		case allowed == "*" || allowed == origin:
			return true
		case strings.HasPrefix(allowed, "*.") && strings.HasSuffix(u.Host, allowed[1:]):
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) streamHandler() http.Handler {
	if s.Monitor == nil {
		return http.HandlerFunc(unavailable("health monitor"))
	}
	return health.NewStreamHandler(s.Monitor, s.checkOrigin)
}

func unavailable(feature string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusServiceUnavailable, "SVC_UNAVAILABLE",
			feature+" is not configured", nil)
	}
}

// page reads limit and offset query parameters.
func page(r *http.Request, defLimit, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit, offset := defLimit, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, svcerrors.InvalidFormat("limit", "positive integer")
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, svcerrors.InvalidFormat("offset", "non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}
