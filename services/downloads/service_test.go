package downloads

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/kv"
	"github.com/anoint-array/platform/internal/storage/memory"
)

type fixture struct {
	svc     *Service
	store   *memory.Store
	objects *memory.Objects
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		objects: memory.NewObjects(),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := New(Config{
		Settings: config.DownloadsConfig{SigningSecret: "test-secret", TTL: time.Hour, MaxDownloads: 2, MaxDistinctIPs: 3},
		Bundle:   config.DefaultCatalog().Bundle,
		BaseURL:  "https://shop.example.com/",
		Grants:   f.store,
		Objects:  f.objects,
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	require.Error(t, err)
	reason, ok := ReasonOf(err)
	require.True(t, ok, "not a refusal: %v", err)
	return reason
}

func TestIssueStoresOnlyHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "order-1", "user-1", "")
	require.NoError(t, err)
	assert.Len(t, issued.Token, 43)
	assert.Equal(t, "https://shop.example.com/api/downloads/"+issued.Token, issued.URL)
	assert.Equal(t, f.clock.Add(time.Hour), issued.Grant.ExpiresAt)

	grants, err := f.store.ListGrants(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.NotContains(t, grants[0].TokenHash, issued.Token)
	assert.Equal(t, f.svc.HashToken(issued.Token), grants[0].TokenHash)
	assert.Len(t, grants[0].TokenHash, 64)
}

func TestHashDependsOnSecret(t *testing.T) {
	a := newFixture(t)
	b, err := New(Config{Settings: config.DownloadsConfig{SigningSecret: "other"}, Grants: memory.New(), Objects: memory.NewObjects(), Logger: logging.NewDiscard()})
	require.NoError(t, err)
	assert.NotEqual(t, a.svc.HashToken("tok"), b.HashToken("tok"))
	assert.Equal(t, a.svc.HashToken("tok"), a.svc.HashToken("tok"))
}

func TestValidateReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, ReasonInvalid, reasonOf(t, func() error { _, err := f.svc.Validate(ctx, "nope", "1.1.1.1"); return err }()))
	_, err := f.svc.Validate(ctx, "", "1.1.1.1")
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))

	issued, err := f.svc.Issue(ctx, "order-1", "user-1", "")
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, issued.Token, "1.1.1.1")
	require.NoError(t, err)
	g, err := f.svc.Consume(ctx, issued.Token, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, 2, g.DownloadCount)
	require.NotNil(t, g.LastDownloadedAt)

	_, err = f.svc.Validate(ctx, issued.Token, "1.1.1.1")
	assert.Equal(t, ReasonExhausted, reasonOf(t, err))
	assert.Equal(t, http.StatusTooManyRequests, svcerrors.HTTPStatus(err))

	// Expiry is checked before the count.
	f.clock = f.clock.Add(2 * time.Hour)
	_, err = f.svc.Validate(ctx, issued.Token, "1.1.1.1")
	assert.Equal(t, ReasonExpired, reasonOf(t, err))
	assert.Equal(t, http.StatusGone, svcerrors.HTTPStatus(err))
}

func TestDistinctIPHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.Issue(ctx, "order-1", "", "")
	require.NoError(t, err)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1"} {
		_, err := f.svc.Validate(ctx, issued.Token, ip)
		require.NoError(t, err, ip)
	}
	_, err = f.svc.Validate(ctx, issued.Token, "10.0.0.4")
	assert.Equal(t, ReasonSuspicious, reasonOf(t, err))
	assert.Equal(t, http.StatusForbidden, svcerrors.HTTPStatus(err))

	// Once tripped, known IPs are refused too.
	_, err = f.svc.Validate(ctx, issued.Token, "10.0.0.1")
	assert.Equal(t, ReasonSuspicious, reasonOf(t, err))
}

func seedOrder(t *testing.T, f *fixture, withArtifact bool) order.Order {
	t.Helper()
	ctx := context.Background()
	o := order.Order{
		ID:           "0123456789abcdef",
		Kind:         order.KindSealArray,
		Status:       order.StatusFulfilled,
		CustomerName: "Ada (Countess) Lovelace",
		BirthDate:    "1990-07-15",
		ArtifactPath: "orders/0123456789abcdef.png",
	}
	o, err := f.store.CreateOrder(ctx, o)
	require.NoError(t, err)
	if withArtifact {
		require.NoError(t, f.objects.Put(ctx, storage.BucketSealArrays, o.ArtifactPath, []byte("\x89PNG\r\n\x1a\nfake"), "image/png"))
	}
	return o
}

func TestServeStreamsBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := seedOrder(t, f, true)
	issued, err := f.svc.Issue(ctx, o.ID, "", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, f.svc.Serve(ctx, rec, f.store, issued.Token, "1.1.1.1"))
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "anoint-seal-array-01234567.zip")

	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[zf.Name] = data
	}
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nfake"), files["seal-array.png"])
	assert.True(t, bytes.HasPrefix(files["certificate.pdf"], []byte("%PDF-1.4")))
	assert.Contains(t, string(files["certificate.pdf"]), `Ada \(Countess\) Lovelace`)
	assert.Contains(t, string(files["README.txt"]), "Thank you")

	grants, err := f.store.ListGrants(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, grants[0].DownloadCount)
}

func TestServeMissingArtifactDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := seedOrder(t, f, false)
	issued, err := f.svc.Issue(ctx, o.ID, "", "")
	require.NoError(t, err)

	err = f.svc.Serve(ctx, httptest.NewRecorder(), f.store, issued.Token, "1.1.1.1")
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))

	grants, err := f.store.ListGrants(ctx, o.ID)
	require.NoError(t, err)
	assert.Zero(t, grants[0].DownloadCount)
}

func TestCertificateListsNumbers(t *testing.T) {
	raw, err := Certificate(&order.Order{ID: "o1", CustomerName: "Ada Lovelace", BirthDate: "1990-07-15"}, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	pdf := string(raw)
	assert.True(t, strings.HasPrefix(pdf, "%PDF-"))
	assert.Contains(t, pdf, "(Life Path: 5)")
	assert.Contains(t, pdf, "Issued: 2026-01-02")
	assert.Contains(t, pdf, "%%EOF")
}

func TestCertificateKeepsAccentedNames(t *testing.T) {
	raw, err := Certificate(&order.Order{ID: "o2", CustomerName: "José Núñez", BirthDate: "1985-03-09"}, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	// cp1252: é = 0xE9, ú = 0xFA, ñ = 0xF1
	assert.True(t, bytes.Contains(raw, []byte("Name: Jos\xe9 N\xfa\xf1ez")))
	assert.False(t, bytes.Contains(raw, []byte("Jos?")))
}

func TestActiveGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Issue(ctx, "a", "", "")
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, "b", "", "")
	require.NoError(t, err)

	n, err := f.svc.ActiveGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.clock = f.clock.Add(2 * time.Hour)
	n, err = f.svc.ActiveGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryGuardExpires(t *testing.T) {
	g := NewMemoryGuard()
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	n, _ := g.RecordIP(ctx, "g1", "a", now.Add(time.Minute))
	assert.Equal(t, 1, n)
	n, _ = g.RecordIP(ctx, "g1", "b", now.Add(time.Minute))
	assert.Equal(t, 2, n)

	now = now.Add(2 * time.Minute)
	n, _ = g.RecordIP(ctx, "g1", "c", now.Add(time.Minute))
	assert.Equal(t, 1, n)
}

func TestRedisGuardIntegration(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := kv.Open(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	g := NewRedisGuard(client)
	g.prefix = "test:downloads:ips:" + time.Now().Format("150405.000000") + ":"
	expires := time.Now().Add(time.Minute)
	for i, ip := range []string{"a", "b", "a", "c"} {
		n, err := g.RecordIP(ctx, "g1", ip, expires)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 2, 3}[i], n)
	}
}
