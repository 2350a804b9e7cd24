package admin

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/health"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage/memory"
)

type fixedGrants int

func (g fixedGrants) ActiveGrants(context.Context) (int, error) { return int(g), nil }

type fixedHealth struct {
	snap health.Snapshot
	ok   bool
}

func (h fixedHealth) Latest() (health.Snapshot, bool) { return h.snap, h.ok }

type backupList struct {
	recs []backup.Record
	err  error
}

func (b backupList) List(context.Context) ([]backup.Record, error) { return b.recs, b.err }

func seedOrders(t *testing.T, store *memory.Store) []order.Order {
	t.Helper()
	ctx := context.Background()
	specs := []struct {
		gateway order.Gateway
		kind    order.Kind
		amount  int64
		status  order.Status
	}{
		{order.GatewayStripe, order.KindSealArray, 1700, order.StatusPending},
		{order.GatewayStripe, order.KindSealArray, 3300, order.StatusFulfilled},
		{order.GatewayPayPal, order.KindSealArray, 1700, order.StatusPaid},
		{order.GatewayFourthWall, order.KindMerch, 2800, order.StatusPaid},
		{order.GatewayCrypto, order.KindSealArray, 1700, order.StatusFailed},
	}
	var out []order.Order
	for i, s := range specs {
		o, err := store.CreateOrder(ctx, order.Order{
			UserID:      "u1",
			Email:       "u1@example.com",
			Kind:        s.kind,
			AmountCents: s.amount,
			Currency:    "usd",
			Gateway:     s.gateway,
			Status:      s.status,
			CreatedAt:   time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		out = append(out, o)
	}
	return out
}

func newService(t *testing.T, cfg Config) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	if cfg.Orders == nil {
		cfg.Orders = store
	}
	if cfg.Marketing == nil {
		cfg.Marketing = store
	}
	if cfg.Grants == nil {
		cfg.Grants = fixedGrants(0)
	}
	cfg.Logger = logging.NewDiscard()
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc, store
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backupAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, store := newService(t, Config{
		Grants: fixedGrants(4),
		Health: fixedHealth{ok: true, snap: health.Snapshot{Status: health.StatusDegraded, Score: 62.5, At: at}},
		Backups: backupList{recs: []backup.Record{
			{ID: "b2", CreatedAt: backupAt},
			{ID: "b1", CreatedAt: backupAt.Add(-24 * time.Hour)},
		}},
	})
	ctx := context.Background()
	seedOrders(t, store)

	_, err := store.AddWaitlist(ctx, marketing.WaitlistEntry{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = store.AddWaitlist(ctx, marketing.WaitlistEntry{Email: "b@example.com"})
	require.NoError(t, err)
	c, err := store.CreateContact(ctx, marketing.ContactSubmission{Name: "A", Email: "a@example.com", Message: "hi", Status: marketing.ContactNew})
	require.NoError(t, err)
	_, err = store.CreateContact(ctx, marketing.ContactSubmission{Name: "B", Email: "b@example.com", Message: "yo", Status: marketing.ContactNew})
	require.NoError(t, err)
	_, err = store.UpdateContactStatus(ctx, c.ID, marketing.ContactRead)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, st.OrdersByStatus[order.StatusPending])
	assert.Equal(t, 2, st.OrdersByStatus[order.StatusPaid])
	assert.Equal(t, 1, st.OrdersByStatus[order.StatusFulfilled])
	assert.Equal(t, 1, st.OrdersByStatus[order.StatusFailed])
	assert.Equal(t, 0, st.OrdersByStatus[order.StatusRefunded])
	assert.Len(t, st.OrdersByStatus, len(order.AllStatuses))

	assert.Equal(t, int64(3300+1700+2800), st.RevenueCents)
	assert.Equal(t, int64(3300), st.RevenueByGateway[order.GatewayStripe])
	assert.Equal(t, int64(1700), st.RevenueByGateway[order.GatewayPayPal])
	assert.Equal(t, int64(2800), st.RevenueByGateway[order.GatewayFourthWall])
	assert.Zero(t, st.RevenueByGateway[order.GatewayCrypto])

	assert.Equal(t, 2, st.WaitlistSize)
	assert.Equal(t, 1, st.NewContacts)
	assert.Equal(t, 4, st.ActiveDownloads)

	require.NotNil(t, st.Health)
	assert.Equal(t, health.StatusDegraded, st.Health.Status)
	assert.Equal(t, 62.5, st.Health.Score)
	require.NotNil(t, st.LastBackupAt)
	assert.True(t, backupAt.Equal(*st.LastBackupAt))
}

func TestStatsOptionalSources(t *testing.T) {
	svc, _ := newService(t, Config{
		Health:  fixedHealth{ok: false},
		Backups: backupList{err: errors.New("disk gone")},
	})
	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Health)
	assert.Nil(t, st.LastBackupAt)
	assert.Zero(t, st.RevenueCents)
}

func TestListOrders(t *testing.T) {
	svc, store := newService(t, Config{})
	seedOrders(t, store)
	ctx := context.Background()

	all, err := svc.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	paid, err := svc.ListOrders(ctx, OrderFilter{Status: order.StatusPaid})
	require.NoError(t, err)
	assert.Len(t, paid, 2)
	for _, o := range paid {
		assert.Equal(t, order.StatusPaid, o.Status)
	}

	merch, err := svc.ListOrders(ctx, OrderFilter{Kind: order.KindMerch})
	require.NoError(t, err)
	require.Len(t, merch, 1)
	assert.Equal(t, order.GatewayFourthWall, merch[0].Gateway)

	page, err := svc.ListOrders(ctx, OrderFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	_, err = svc.ListOrders(ctx, OrderFilter{Status: "shipped"})
	assert.Equal(t, http.StatusBadRequest, svcerrors.HTTPStatus(err))
	_, err = svc.ListOrders(ctx, OrderFilter{Kind: "gift"})
	assert.Equal(t, http.StatusBadRequest, svcerrors.HTTPStatus(err))
}

func TestUpdateOrderStatus(t *testing.T) {
	svc, store := newService(t, Config{})
	orders := seedOrders(t, store)
	ctx := logging.WithUserID(context.Background(), "admin-1")

	pending := orders[0]
	updated, err := svc.UpdateOrderStatus(ctx, pending.ID, order.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, updated.Status)

	got, err := svc.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)

	// Cancelled is final.
	_, err = svc.UpdateOrderStatus(ctx, pending.ID, order.StatusPaid)
	assert.Equal(t, http.StatusConflict, svcerrors.HTTPStatus(err))

	paid := orders[2]
	updated, err = svc.UpdateOrderStatus(ctx, paid.ID, order.StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, updated.Status)

	_, err = svc.UpdateOrderStatus(ctx, paid.ID, "lost")
	assert.Equal(t, http.StatusBadRequest, svcerrors.HTTPStatus(err))

	_, err = svc.UpdateOrderStatus(ctx, "missing", order.StatusPaid)
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))
}
