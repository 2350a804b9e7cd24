package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/memory"
)

func newService(t *testing.T, store *memory.Store) *Service {
	t.Helper()
	svc, err := New(Config{
		Settings: config.BackupConfig{Dir: t.TempDir(), Keep: 3},
		Stores:   storage.FromBackend(store),
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc
}

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertProfile(ctx, account.Profile{ID: "user-1", Email: "ada@example.com", Role: account.RoleCustomer})
	require.NoError(t, err)
	o, err := store.CreateOrder(ctx, order.Order{UserID: "user-1", Kind: order.KindMerch, Gateway: order.GatewayFourthWall,
		Status: order.StatusPaid, AmountCents: 2800, Currency: "usd", Items: order.LineItems{{SKU: "tee-black", Quantity: 1, PriceCents: 2800}}})
	require.NoError(t, err)
	_, err = store.CreateLabel(ctx, order.ShippingLabel{OrderID: o.ID, Carrier: "USPS", TrackingNumber: "9400", Address: "1 Main St"})
	require.NoError(t, err)
	_, err = store.CreateGrant(ctx, download.Grant{OrderID: o.ID, UserID: "user-1", TokenHash: "abc", FileName: "a.zip",
		MaxDownloads: 5, ExpiresAt: time.Now().Add(time.Hour).UTC()})
	require.NoError(t, err)
	_, err = store.AddWaitlist(ctx, marketing.WaitlistEntry{Email: "fan@example.com", Source: "website"})
	require.NoError(t, err)
	_, err = store.CreateContact(ctx, marketing.ContactSubmission{Name: "Fan", Email: "fan@example.com", Subject: "Hi", Message: "Hello", Status: marketing.ContactNew})
	require.NoError(t, err)
}

func tablesJSON(t *testing.T, snap interface{}) string {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	delete(m, "created_at")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	src := memory.New()
	seed(t, src)
	svc := newService(t, src)
	ctx := context.Background()

	rec, err := svc.Create(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.FileName, "anoint-backup-20260501T"))
	assert.Equal(t, 1, rec.Tables["shipping_labels"])
	assert.Len(t, rec.Checksum, 64)

	f, got, err := svc.Open(ctx, rec.ID)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, rec.ID, got.ID)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, rec.SizeBytes, int64(len(data)))

	// No temp files left behind.
	entries, err := os.ReadDir(svc.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	dst := memory.New()
	restorer := newService(t, dst)
	report, err := restorer.Restore(ctx, bytes.NewReader(data), rec.FileName, RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	require.Len(t, report.Steps, 6)
	assert.Equal(t, "profiles", report.Steps[0].Table)
	assert.Equal(t, "contact_submissions", report.Steps[5].Table)

	before, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	after, err := restorer.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, tablesJSON(t, before), tablesJSON(t, after))
}

func TestRestoreDryRunWritesNothing(t *testing.T) {
	src := memory.New()
	seed(t, src)
	svc := newService(t, src)
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	dst := memory.New()
	report, err := newService(t, dst).Restore(context.Background(), bytes.NewReader(data), "b.json", RestoreOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Tables["orders"])
	assert.Empty(t, report.Steps)

	orders, err := dst.ListOrders(context.Background(), storage.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRestoreRejectsBadInput(t *testing.T) {
	dst := memory.New()
	svc := newService(t, dst)
	tests := []struct {
		name     string
		filename string
		body     string
	}{
		{"extension", "backup.csv", `{"version":1}`},
		{"not json", "b.json", `{"version":1,`},
		{"unknown field", "b.json", `{"version":1,"extra":true}`},
		{"version", "b.json", `{"version":2}`},
		{"missing id", "b.json", `{"version":1,"orders":[{"id":""}]}`},
		{"dangling label", "b.json", `{"version":1,"shipping_labels":[{"id":"l1","order_id":"nope"}]}`},
		{"trailing data", "b.json", `{"version":1} {"version":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Restore(context.Background(), strings.NewReader(tt.body), tt.filename, RestoreOptions{})
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, svcerrors.HTTPStatus(err))
		})
	}

	orders, err := dst.ListOrders(context.Background(), storage.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRestoreRejectsOversizedFile(t *testing.T) {
	svc := newService(t, memory.New())
	big := io.MultiReader(strings.NewReader(`{"version":1,"profiles":[`), strings.NewReader(strings.Repeat(" ", MaxRestoreSize)))
	_, err := svc.Restore(context.Background(), big, "b.json", RestoreOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "50 MiB")
}

func TestPruneKeepsNewest(t *testing.T) {
	store := memory.New()
	svc := newService(t, store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := svc.Create(ctx, "test")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	removed, err := svc.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	recs, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[4], recs[0].ID)
	assert.Equal(t, ids[3], recs[1].ID)

	files, err := filepath.Glob(filepath.Join(svc.Dir(), "anoint-backup-*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, _, err = svc.Open(ctx, ids[0])
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))
}
