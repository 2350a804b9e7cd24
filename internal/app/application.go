package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/httpapi"
	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/middleware"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/kv"
	"github.com/anoint-array/platform/internal/storage/memory"
	"github.com/anoint-array/platform/internal/storage/postgres"
	"github.com/anoint-array/platform/internal/storage/supabase"
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
	"github.com/anoint-array/platform/supabase/client"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

const (
	outboxSize         = marketing.DefaultOutboxSize
	limiterSweep       = time.Minute
	limiterIdle        = 10 * time.Minute
	shutdownStepBudget = 10 * time.Second
)

// Application ties the services together and manages their lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logging.Logger
	Metrics *metrics.Metrics

	Stores   storage.Stores
	Objects  storage.ObjectStore
	Supabase *client.Client
	Redis    *redis.Client
	Outbox   *marketing.Outbox

	Accounts  *accounts.Service
	SealArray *sealarray.Service
	Checkout  *checkout.Service
	Merch     *merch.Service
	Marketing *marketing.Service
	Downloads *downloads.Service
	Backups   *backup.Service
	Monitor   *health.Monitor
	Collab    *collab.Service
	Admin     *admin.Service

	limiter *middleware.RateLimiter
	proxies *httputil.Proxies
	cron    *cron.Cron
	closers []func() error
}

// New connects the backends selected by cfg and builds every service.
// Without DATABASE_URL or Supabase credentials it runs on memory stores.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.Default()
	}
	a := &Application{cfg: cfg, log: log, Metrics: metrics.New("anoint")}

	proxies, err := httputil.ParseProxies(cfg.TrustedProxies())
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	a.proxies = proxies

	if err := a.openStores(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.buildServices(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *Application) openStores(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Supabase.Configured() {
		sb, err := client.NewEnhanced(client.EnhancedConfig{
			Config: client.Config{
				URL:     cfg.Supabase.ResolvedURL(),
				APIKey:  cfg.Supabase.ServiceRoleKey,
				AnonKey: cfg.Supabase.AnonKey,
			},
			RetryConfig:          client.DefaultRetryConfig(),
			CircuitBreakerConfig: client.DefaultCircuitBreakerConfig(),
			EnableResilience:     true,
		})
		if err != nil {
			return fmt.Errorf("supabase client: %w", err)
		}
		a.Supabase = sb
		a.Objects = supabase.NewObjects(sb)
	} else {
		a.log.Warn("Supabase not configured; auth is disabled and objects are kept in memory")
		a.Objects = memory.NewObjects()
	}

	switch {
	case cfg.Database.URL != "":
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		store := postgres.New(db)
		a.closers = append(a.closers, store.Close)
		a.Stores = storage.FromBackend(store)
		a.log.Info("using postgres store")
	case a.Supabase != nil:
		a.Stores = storage.FromBackend(supabase.New(a.Supabase))
		a.log.Info("using supabase store")
	default:
		a.Stores = storage.FromBackend(memory.New())
		a.log.Warn("no database configured; using in-memory store")
	}

	if cfg.Redis.URL != "" {
		rdb, err := kv.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	return nil
}

func (a *Application) buildServices(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	catalog, err := config.LoadCatalog(cfg.Server.CatalogPath)
	if err != nil {
		log.WithError(err).Warn("using built-in catalog")
		catalog = config.DefaultCatalog()
	}

	var auth accounts.AuthProvider
	if a.Supabase != nil {
		auth = a.Supabase.Auth()
	}
	a.Accounts = accounts.New(auth, a.Stores.Profiles, log)

	var mailer marketing.Mailer = marketing.NewLogMailer(log)
	if cfg.Email.SendGridKey != "" {
		mailer = marketing.NewSendGridMailer(cfg.Email.SendGridKey, "", cfg.Email.FromAddress, cfg.Email.FromName)
	} else {
		log.Warn("SENDGRID_API_KEY not set; outbound email is logged only")
	}
	a.Outbox = marketing.NewOutbox(mailer, outboxSize, log).WithMetrics(a.Metrics)
	if a.Marketing, err = marketing.New(marketing.Config{
		Store:      a.Stores.Marketing,
		Outbox:     a.Outbox,
		AdminInbox: cfg.Email.AdminInbox,
		Metrics:    a.Metrics,
		Logger:     log,
	}); err != nil {
		return err
	}

	a.SealArray = sealarray.New(a.Objects, log)

	var guard downloads.IPGuard
	if a.Redis != nil {
		guard = downloads.NewRedisGuard(a.Redis)
	}
	if a.Downloads, err = downloads.New(downloads.Config{
		Settings: cfg.Downloads,
		Bundle:   catalog.Bundle,
		BaseURL:  cfg.Server.PublicBaseURL,
		Grants:   a.Stores.Downloads,
		Objects:  a.Objects,
		Guard:    guard,
		Metrics:  a.Metrics,
		Logger:   log,
	}); err != nil {
		return err
	}

	gateways := checkout.GatewaysFromConfig(cfg)
	if len(gateways) == 0 {
		log.Warn("no payment gateways configured")
	}
	if a.Checkout, err = checkout.New(checkout.Config{
		Orders:   a.Stores.Orders,
		Catalog:  catalog,
		Gateways: gateways,
		Artist:   a.SealArray,
		Issuer:   a.Downloads,
		Notifier: a.Outbox,
		BaseURL:  cfg.Server.PublicBaseURL,
		Metrics:  a.Metrics,
		Logger:   log,
	}); err != nil {
		return err
	}

	if cfg.FourthWall.APIKey != "" {
		if a.Merch, err = merch.New(merch.Config{
			FourthWall: cfg.FourthWall,
			Catalog:    catalog,
			Orders:     a.Stores.Orders,
			Metrics:    a.Metrics,
			Logger:     log,
		}); err != nil {
			return err
		}
	} else {
		log.Warn("FOURTHWALL_API_KEY not set; merch routes disabled")
	}

	if a.Backups, err = backup.New(backup.Config{
		Settings: cfg.Backup,
		Stores:   a.Stores,
		Metrics:  a.Metrics,
		Logger:   log,
	}); err != nil {
		return err
	}

	a.Collab = a.buildCollab(ctx)
	a.Monitor = a.buildMonitor()

	a.Admin, err = admin.New(admin.Config{
		Orders:    a.Stores.Orders,
		Marketing: a.Stores.Marketing,
		Grants:    a.Downloads,
		Health:    a.Monitor,
		Backups:   a.Backups,
		Metrics:   a.Metrics,
		Logger:    log,
	})
	return err
}

func (a *Application) buildCollab(ctx context.Context) *collab.Service {
	cfg := a.cfg.AI
	c := collab.Config{MaxAttempts: cfg.MaxAttempts, Metrics: a.Metrics, Logger: a.log}
	if a.Redis != nil {
		c.Store = collab.NewRedisTaskStore(a.Redis)
	}
	if cfg.GeminiKey != "" {
		if p, err := collab.NewGeminiProvider(ctx, cfg.GeminiKey, cfg.GeminiModel, ""); err != nil {
			a.log.WithError(err).Warn("gemini provider disabled")
		} else {
			c.Oracle = p
		}
	}
	if cfg.AnthropicKey != "" {
		if p, err := collab.NewClaudeProvider(cfg); err != nil {
			a.log.WithError(err).Warn("claude provider disabled")
		} else {
			c.Claude = p
		}
	}
	return collab.New(c)
}

func (a *Application) buildMonitor() *health.Monitor {
	var breaker *client.CircuitBreaker
	var sb health.Pinger
	if a.Supabase != nil {
		breaker = a.Supabase.Breaker()
		sb = a.Supabase
	}
	var rdb redis.Cmdable
	if a.Redis != nil {
		rdb = a.Redis
	}
	co := a.Checkout
	checks := []health.Check{
		health.SupabaseCheck(sb),
		health.RedisCheck(rdb),
		health.PaymentsCheck(func() []string {
			names := co.Gateways()
			out := make([]string, len(names))
			for i, n := range names {
				out[i] = string(n)
			}
			return out
		}),
		health.CircuitCheck(breaker),
		health.NewSystemCheck(a.cfg.Backup.Dir, health.SampleHost, health.DefaultThresholds()),
	}
	m := health.New(health.Config{
		Settings: a.cfg.Health,
		Checks:   checks,
		Metrics:  a.Metrics,
		Logger:   a.log,
	})
	if breaker != nil {
		m.RegisterRemediation("circuit", health.ResetBreaker(breaker))
	}
	m.RegisterRemediation("system", health.FreeMemory())
	return m
}

// adminGuard checks allow-listed emails against the auth server when the
// service role key is available, and against the token otherwise.
func (a *Application) adminGuard() *middleware.AdminGuard {
	guard := middleware.NewAdminGuard(a.cfg.AdminEmails(), a.log)
	if a.Supabase != nil {
		guard.WithConfirmations(a.Supabase.Auth())
	}
	return guard
}

// Handler builds the HTTP router.
func (a *Application) Handler() http.Handler {
	secret := a.cfg.Supabase.JWTSecret
	if secret == "" {
		// Nothing can sign with an unknown random key, so every token fails.
		secret = randomSecret()
		a.log.Warn("SUPABASE_JWT_SECRET not set; member and admin routes reject all tokens")
	}
	a.limiter = middleware.NewRateLimiter(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst, a.log).TrustProxies(a.proxies)

	return httpapi.New(httpapi.Deps{
		Accounts:    a.Accounts,
		SealArray:   a.SealArray,
		Checkout:    a.Checkout,
		Merch:       a.Merch,
		Marketing:   a.Marketing,
		Downloads:   a.Downloads,
		Orders:      a.Stores.Orders,
		Backups:     a.Backups,
		Monitor:     a.Monitor,
		Collab:      a.Collab,
		Admin:       a.Admin,
		Auth:        middleware.NewAuthMiddleware(secret, a.log, nil, nil),
		AdminGuard:  a.adminGuard(),
		RateLimiter: a.limiter,
		Proxies:     a.proxies,
		Origins:     a.cfg.AllowedOrigins(),
		Metrics:     a.Metrics,
		Logger:      a.log,
		Version:     Version,
	})
}

// Start launches the email outbox, the scheduled jobs and the limiter sweep.
func (a *Application) Start(ctx context.Context) error {
	a.Outbox.Start()

	a.cron = cron.New()
	if _, err := a.Backups.Schedule(ctx, a.cron, a.cfg.Backup.Schedule); err != nil {
		return fmt.Errorf("schedule backups: %w", err)
	}
	if _, err := a.Monitor.Schedule(ctx, a.cron, a.cfg.Health.Schedule); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	a.cron.Start()

	if a.limiter != nil {
		a.limiter.StartCleanup(ctx, limiterSweep, limiterIdle)
	}

	go a.Monitor.RunOnce(ctx)
	return nil
}

// Stop waits for running jobs, drains the outbox and closes connections.
func (a *Application) Stop(ctx context.Context) error {
	if a.cron != nil {
		cronDone := a.cron.Stop()
		select {
		case <-cronDone.Done():
		case <-ctx.Done():
		}
	}
	var firstErr error
	if a.Outbox != nil {
		drainCtx, cancel := context.WithTimeout(ctx, shutdownStepBudget)
		if err := a.Outbox.Close(drainCtx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if err := a.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *Application) closeAll() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
