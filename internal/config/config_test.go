package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("VITE_SUPABASE_URL=https://proj.supabase.co/\nADMIN_EMAILS= Ops@Example.com, ,root@example.com\n"), 0o600))
	t.Setenv("VITE_SUPABASE_URL", "")
	os.Unsetenv("VITE_SUPABASE_URL")
	t.Setenv("ADMIN_EMAILS", "")
	os.Unsetenv("ADMIN_EMAILS")
	t.Setenv("DOWNLOAD_TTL", "")
	os.Unsetenv("DOWNLOAD_TTL")

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "https://proj.supabase.co", cfg.Supabase.ResolvedURL())
	assert.Equal(t, []string{"ops@example.com", "root@example.com"}, cfg.AdminEmails())
	assert.Equal(t, 72*time.Hour, cfg.Downloads.TTL)
	assert.Equal(t, 5, cfg.Downloads.MaxDownloads)
	assert.Equal(t, "@daily", cfg.Backup.Schedule)
	assert.Equal(t, 288, cfg.Health.HistorySize)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "production"}}
	err := cfg.Validate()
	require.Error(t, err)

	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{
		"SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_JWT_SECRET", "DOWNLOAD_SIGNING_SECRET",
	}, missing.Vars)
}

func TestValidate_DevelopmentAllowsMemory(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "development"}}
	assert.NoError(t, cfg.Validate())
}

func TestRequireAdminCLI(t *testing.T) {
	cfg := &Config{Supabase: SupabaseConfig{ViteURL: "https://x.supabase.co"}}
	err := cfg.RequireAdminCLI()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUPABASE_SERVICE_ROLE_KEY")
	assert.NotContains(t, err.Error(), "SUPABASE_URL")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - id: gold
    name: Gold
    price_cents: 5000
merch:
  - sku: mug
    name: Mug
    price_cents: 1500
    variant_id: fw-mug
`), 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)

	tier, ok := cat.Tier("gold")
	require.True(t, ok)
	assert.Equal(t, "usd", tier.Currency)
	assert.Equal(t, 1024, tier.ImageSize)

	item, ok := cat.Item("mug")
	require.True(t, ok)
	assert.Equal(t, "fw-mug", item.VariantID)

	_, ok = cat.Tier("missing")
	assert.False(t, ok)
}

func TestLoadCatalog_RejectsDuplicateTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - {id: a, price_cents: 1}
  - {id: a, price_cents: 2}
`), 0o600))

	_, err := LoadCatalog(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadCatalogOrDefault(t *testing.T) {
	cat := LoadCatalogOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	_, ok := cat.Tier("basic")
	assert.True(t, ok)
}
