package postgres

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	"github.com/anoint-array/platform/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var orderRowColumns = []string{
	"id", "user_id", "email", "kind", "tier", "items", "amount_cents", "currency", "gateway", "gateway_ref",
	"status", "customer_name", "birth_date", "artifact_path", "created_at", "updated_at",
}

func orderRow(id string, status order.Status) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(orderRowColumns).AddRow(
		id, "u1", "ada@example.com", "seal_array", "premium", []byte(`[]`), int64(3300), "usd", "stripe", "cs_1",
		string(status), "Ada Lovelace", "1815-12-10", "", now, now,
	)
}

func TestGetOrderScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1`).
		WithArgs("o1").
		WillReturnRows(orderRow("o1", order.StatusPaid))

	o, err := s.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, order.KindSealArray, o.Kind)
	assert.Equal(t, int64(3300), o.AmountCents)
	assert.Empty(t, o.Items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM orders WHERE id`).WillReturnRows(sqlmock.NewRows(orderRowColumns))

	_, err := s.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListOrdersBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`)).
		WithArgs("u1", "paid", 10, 20).
		WillReturnRows(orderRow("o1", order.StatusPaid))

	orders, err := s.ListOrders(context.Background(), storage.OrderFilter{
		UserID: "u1",
		Status: order.StatusPaid,
		Page:   storage.Page{Limit: 10, Offset: 20},
	})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionOrderConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE orders SET status = \$3`).
		WithArgs("o1", "pending", "paid", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectQuery(`FROM orders WHERE id = \$1`).
		WithArgs("o1").
		WillReturnRows(orderRow("o1", order.StatusPaid))

	_, err := s.TransitionOrder(context.Background(), "o1", order.StatusPending, order.StatusPaid)
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionOrderApplied(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE orders SET status`).WillReturnRows(orderRow("o1", order.StatusPaid))

	o, err := s.TransitionOrder(context.Background(), "o1", order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestFulfillOrderRequiresPaid(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE orders SET status = \$3, artifact_path = \$4`).
		WithArgs("o1", "paid", "fulfilled", "orders/o1.png", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectQuery(`FROM orders WHERE id = \$1`).
		WithArgs("o1").
		WillReturnRows(orderRow("o1", order.StatusRefunded))

	_, err := s.FulfillOrder(context.Background(), "o1", "orders/o1.png")
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrderDoesNotWriteStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE orders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM orders WHERE id = \$1`).
		WillReturnRows(orderRow("o1", order.StatusPaid))

	o, err := s.UpdateOrder(context.Background(), order.Order{ID: "o1", Status: order.StatusPending, GatewayRef: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddWaitlistDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO vip_waitlist`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.AddWaitlist(context.Background(), marketing.WaitlistEntry{Email: "vip@example.com"})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestIncrementDownloadExhausted(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE digital_downloads`).
		WithArgs("g1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.IncrementDownload(context.Background(), "g1", time.Now())
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementDownloadMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE digital_downloads`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.IncrementDownload(context.Background(), "g1", time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreProfilesInTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO profiles .* ON CONFLICT \(id\) DO UPDATE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO profiles`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RestoreProfiles(context.Background(), []account.Profile{
		{ID: "a", Email: "a@example.com", Role: account.RoleCustomer},
		{ID: "b", Email: "b@example.com", Role: account.RoleAdmin},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contact_submissions`).WillReturnError(&pq.Error{Code: "23502", Message: "null value"})
	mock.ExpectRollback()

	err := s.RestoreContacts(context.Background(), []marketing.ContactSubmission{{ID: "c1"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBackupNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM backups`).WithArgs("b1").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteBackup(context.Background(), "b1"), storage.ErrNotFound)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 4)
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	o, err := s.CreateOrder(ctx, order.Order{Email: "it@example.com", Kind: order.KindSealArray, Gateway: order.GatewayStripe, Status: order.StatusPending, Currency: "usd"})
	require.NoError(t, err)
	_, err = s.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	_, err = s.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid)
	assert.ErrorIs(t, err, storage.ErrConflict)
}
