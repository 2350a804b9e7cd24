// Package config loads runtime configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string        `env:"SERVER_ADDR,default=:8080"`
	Env            string        `env:"APP_ENV,default=development"`
	PublicBaseURL  string        `env:"PUBLIC_BASE_URL,default=http://localhost:8080"`
	CORSOrigins    string        `env:"CORS_ORIGINS,default=*"`
	// TrustedProxies lists the reverse proxies (IPs or CIDRs) allowed to
	// set X-Forwarded-For.
	TrustedProxies string        `env:"TRUSTED_PROXIES"`
	RateLimit      int           `env:"RATE_LIMIT_RPS,default=20"`
	RateBurst      int           `env:"RATE_LIMIT_BURST,default=40"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT,default=60s"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogFormat      string        `env:"LOG_FORMAT,default=text"`
	CatalogPath    string        `env:"CATALOG_PATH,default=config/catalog.yaml"`
}

// SupabaseConfig holds managed backend credentials.
type SupabaseConfig struct {
	URL            string `env:"SUPABASE_URL"`
	ViteURL        string `env:"VITE_SUPABASE_URL"`
	AnonKey        string `env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	JWTSecret      string `env:"SUPABASE_JWT_SECRET"`
}

// ResolvedURL returns SUPABASE_URL, falling back to VITE_SUPABASE_URL.
func (s SupabaseConfig) ResolvedURL() string {
	if s.URL != "" {
		return strings.TrimSuffix(s.URL, "/")
	}
	return strings.TrimSuffix(s.ViteURL, "/")
}

// Configured reports whether the backend can be reached with service role
// privileges.
func (s SupabaseConfig) Configured() bool {
	return s.ResolvedURL() != "" && s.ServiceRoleKey != ""
}

// DatabaseConfig enables the direct Postgres store.
type DatabaseConfig struct {
	URL          string `env:"DATABASE_URL"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

type PayPalConfig struct {
	ClientID      string `env:"PAYPAL_CLIENT_ID"`
	ClientSecret  string `env:"PAYPAL_CLIENT_SECRET"`
	BaseURL       string `env:"PAYPAL_BASE_URL,default=https://api-m.sandbox.paypal.com"`
	WebhookSecret string `env:"PAYPAL_WEBHOOK_SECRET"`
}

type CryptoConfig struct {
	APIKey        string `env:"CRYPTO_API_KEY"`
	BaseURL       string `env:"CRYPTO_BASE_URL,default=https://api.commerce.coinbase.com"`
	WebhookSecret string `env:"CRYPTO_WEBHOOK_SECRET"`
}

type FourthWallConfig struct {
	APIKey        string `env:"FOURTHWALL_API_KEY"`
	BaseURL       string `env:"FOURTHWALL_BASE_URL,default=https://api.fourthwall.com/open-api/v1.0"`
	StorefrontURL string `env:"FOURTHWALL_STOREFRONT_URL"`
	WebhookSecret string `env:"FOURTHWALL_WEBHOOK_SECRET"`
}

type EmailConfig struct {
	SendGridKey string `env:"SENDGRID_API_KEY"`
	FromAddress string `env:"EMAIL_FROM,default=hello@anointarray.com"`
	FromName    string `env:"EMAIL_FROM_NAME,default=ANOINT Array"`
	AdminInbox  string `env:"ADMIN_INBOX,default=admin@anointarray.com"`
}

type AIConfig struct {
	AnthropicKey   string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel string `env:"ANTHROPIC_MODEL,default=claude-3-5-sonnet-latest"`
	AnthropicURL   string `env:"ANTHROPIC_BASE_URL,default=https://api.anthropic.com"`
	GeminiKey      string `env:"GEMINI_API_KEY"`
	GeminiModel    string `env:"GEMINI_MODEL,default=gemini-2.0-flash"`
	MaxAttempts    int    `env:"AI_MAX_ATTEMPTS,default=3"`
}

type DownloadsConfig struct {
	SigningSecret  string        `env:"DOWNLOAD_SIGNING_SECRET"`
	TTL            time.Duration `env:"DOWNLOAD_TTL,default=72h"`
	MaxDownloads   int           `env:"DOWNLOAD_MAX_COUNT,default=5"`
	MaxDistinctIPs int           `env:"DOWNLOAD_MAX_DISTINCT_IPS,default=3"`
}

type BackupConfig struct {
	Dir      string `env:"BACKUP_DIR,default=./backups"`
	Schedule string `env:"BACKUP_SCHEDULE,default=@daily"`
	Keep     int    `env:"BACKUP_KEEP,default=14"`
}

type HealthConfig struct {
	Schedule     string        `env:"HEALTH_SCHEDULE,default=@every 1m"`
	CheckTimeout time.Duration `env:"HEALTH_CHECK_TIMEOUT,default=5s"`
	Cooldown     time.Duration `env:"HEALTH_REMEDIATION_COOLDOWN,default=5m"`
	HistorySize  int           `env:"HEALTH_HISTORY_SIZE,default=288"`
}

type AdminConfig struct {
	Emails string `env:"ADMIN_EMAILS"`
}

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig
	Supabase   SupabaseConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Stripe     StripeConfig
	PayPal     PayPalConfig
	Crypto     CryptoConfig
	FourthWall FourthWallConfig
	Email      EmailConfig
	AI         AIConfig
	Downloads  DownloadsConfig
	Backup     BackupConfig
	Health     HealthConfig
	Admin      AdminConfig
}

// Load reads envFile (when non-empty and present) into the process
// environment and decodes the configuration.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env (%s): %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat env (%s): %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// AdminEmails returns the normalized admin allow-list.
func (c *Config) AdminEmails() []string {
	return SplitList(c.Admin.Emails, true)
}

// AllowedOrigins returns the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	return SplitList(c.Server.CORSOrigins, false)
}

// TrustedProxies returns the reverse proxy allow-list.
func (c *Config) TrustedProxies() []string {
	return SplitList(c.Server.TrustedProxies, false)
}

// MissingError lists every absent required variable.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Vars, ", ")
}

// Validate checks the variables the server needs. Supabase credentials are
// only mandatory in production; development falls back to memory stores.
func (c *Config) Validate() error {
	var missing []string
	if c.IsProduction() {
		if c.Supabase.ResolvedURL() == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		if c.Supabase.ServiceRoleKey == "" {
			missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
		}
		if c.Supabase.JWTSecret == "" {
			missing = append(missing, "SUPABASE_JWT_SECRET")
		}
		if c.Downloads.SigningSecret == "" {
			missing = append(missing, "DOWNLOAD_SIGNING_SECRET")
		}
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.PayPal.ClientID != "" && c.PayPal.ClientSecret == "" {
		missing = append(missing, "PAYPAL_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}
	return nil
}

// RequireAdminCLI checks what the operational CLI needs before any network
// call is made.
func (c *Config) RequireAdminCLI() error {
	var missing []string
	if c.Supabase.ResolvedURL() == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.Supabase.ServiceRoleKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}
	return nil
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(raw string, lower bool) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lower {
			part = strings.ToLower(part)
		}
		out = append(out, part)
	}
	return out
}
