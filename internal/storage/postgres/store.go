// Package postgres implements the storage interfaces with direct SQL over
// sqlx and lib/pq. It is used when DATABASE_URL is set.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	"github.com/anoint-array/platform/internal/storage"
)

// Store implements storage.Backend backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to dsn with the postgres driver.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Nullable text columns are read through COALESCE so they scan into string.
const (
	profileColumns = `id, email, COALESCE(full_name, '') AS full_name, role, created_at, updated_at`
	orderColumns   = `id, COALESCE(user_id, '') AS user_id, email, kind, COALESCE(tier, '') AS tier,
		COALESCE(items, '[]') AS items, amount_cents, currency, gateway, COALESCE(gateway_ref, '') AS gateway_ref,
		status, COALESCE(customer_name, '') AS customer_name, COALESCE(birth_date, '') AS birth_date,
		COALESCE(artifact_path, '') AS artifact_path, created_at, updated_at`
	labelColumns    = `id, order_id, carrier, tracking_number, COALESCE(label_url, '') AS label_url, address, created_at`
	grantColumns    = `id, order_id, COALESCE(user_id, '') AS user_id, token_hash, file_name, max_downloads, download_count, expires_at, created_at, last_downloaded_at`
	waitlistColumns = `id, email, COALESCE(name, '') AS name, COALESCE(source, '') AS source, confirmed, created_at`
	contactColumns  = `id, name, email, subject, message, status, created_at`
	backupColumns   = `id, file_name, size_bytes, checksum, tables, created_by, created_at`
)

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func restoreRows[T any](ctx context.Context, s *Store, op, query string, items []T) error {
	if len(items) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range items {
			if _, err := tx.NamedExecContext(ctx, query, item); err != nil {
				return err
			}
		}
		return nil
	})
	return mapError(op, err)
}

// --- ProfileStore -----------------------------------------------------------

const upsertProfileSQL = `
	INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
	VALUES (:id, :email, :full_name, :role, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE
	SET email = EXCLUDED.email, full_name = EXCLUDED.full_name, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
	RETURNING ` + profileColumns

func (s *Store) UpsertProfile(ctx context.Context, p account.Profile) (account.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query, args, err := s.db.BindNamed(upsertProfileSQL, p)
	if err != nil {
		return account.Profile{}, err
	}
	var out account.Profile
	if err := s.db.GetContext(ctx, &out, query, args...); err != nil {
		return account.Profile{}, mapError("upsert profile", err)
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (account.Profile, error) {
	var p account.Profile
	err := s.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	return p, mapError("get profile", err)
}

func (s *Store) GetProfileByEmail(ctx context.Context, email string) (account.Profile, error) {
	var p account.Profile
	err := s.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE lower(email) = $1 LIMIT 1`,
		strings.ToLower(strings.TrimSpace(email)))
	return p, mapError("get profile by email", err)
}

func (s *Store) ListProfiles(ctx context.Context, page storage.Page) ([]account.Profile, error) {
	query, args := paginate(`SELECT `+profileColumns+` FROM profiles ORDER BY created_at DESC, id`, nil, page)
	result := []account.Profile{}
	if err := s.db.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, mapError("list profiles", err)
	}
	return result, nil
}

func (s *Store) RestoreProfiles(ctx context.Context, profiles []account.Profile) error {
	return restoreRows(ctx, s, "restore profiles", `
		INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
		VALUES (:id, :email, :full_name, :role, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, full_name = EXCLUDED.full_name, role = EXCLUDED.role,
			created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`, profiles)
}

func paginate(query string, args []any, page storage.Page) (string, []any) {
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// --- OrderStore -------------------------------------------------------------

const insertOrderSQL = `
	INSERT INTO orders (id, user_id, email, kind, tier, items, amount_cents, currency, gateway, gateway_ref,
		status, customer_name, birth_date, artifact_path, created_at, updated_at)
	VALUES (:id, :user_id, :email, :kind, :tier, :items, :amount_cents, :currency, :gateway, :gateway_ref,
		:status, :customer_name, :birth_date, :artifact_path, :created_at, :updated_at)`

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	if _, err := s.db.NamedExecContext(ctx, insertOrderSQL, o); err != nil {
		return order.Order{}, mapError("create order", err)
	}
	return o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	o.UpdatedAt = s.now()
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE orders
		SET email = :email, tier = :tier, items = :items, amount_cents = :amount_cents, currency = :currency,
			gateway = :gateway, gateway_ref = :gateway_ref, customer_name = :customer_name,
			birth_date = :birth_date, updated_at = :updated_at
		WHERE id = :id`, o)
	if err != nil {
		return order.Order{}, mapError("update order", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.Order{}, storage.ErrNotFound
	}
	return s.GetOrder(ctx, o.ID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	var o order.Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return o, mapError("get order", err)
}

func (s *Store) GetOrderByGatewayRef(ctx context.Context, gateway order.Gateway, ref string) (order.Order, error) {
	var o order.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE gateway = $1 AND gateway_ref = $2 LIMIT 1`, gateway, ref)
	return o, mapError("get order by gateway ref", err)
}

func (s *Store) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]order.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.Kind != "" {
		add("kind", filter.Kind)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query, args = paginate(query+" ORDER BY created_at DESC, id", args, filter.Page)

	result := []order.Order{}
	if err := s.db.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, mapError("list orders", err)
	}
	return result, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error) {
	var o order.Order
	err := s.db.GetContext(ctx, &o, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, id, from, to, s.now())
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, mapError("transition order", err)
	}
	if _, getErr := s.GetOrder(ctx, id); getErr != nil {
		return order.Order{}, getErr
	}
	return order.Order{}, storage.ErrConflict
}

func (s *Store) FulfillOrder(ctx context.Context, id, artifactPath string) (order.Order, error) {
	var o order.Order
	err := s.db.GetContext(ctx, &o, `
		UPDATE orders SET status = $3, artifact_path = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, id, order.StatusPaid, order.StatusFulfilled, artifactPath, s.now())
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, mapError("fulfill order", err)
	}
	if _, getErr := s.GetOrder(ctx, id); getErr != nil {
		return order.Order{}, getErr
	}
	return order.Order{}, storage.ErrConflict
}

func (s *Store) CreateLabel(ctx context.Context, l order.ShippingLabel) (order.ShippingLabel, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO shipping_labels (id, order_id, carrier, tracking_number, label_url, address, created_at)
		VALUES (:id, :order_id, :carrier, :tracking_number, :label_url, :address, :created_at)`, l)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return order.ShippingLabel{}, storage.ErrNotFound
		}
		return order.ShippingLabel{}, mapError("create label", err)
	}
	return l, nil
}

func (s *Store) ListLabels(ctx context.Context, orderID string) ([]order.ShippingLabel, error) {
	query := `SELECT ` + labelColumns + ` FROM shipping_labels`
	var args []any
	if orderID != "" {
		query += ` WHERE order_id = $1`
		args = append(args, orderID)
	}
	result := []order.ShippingLabel{}
	if err := s.db.SelectContext(ctx, &result, query+` ORDER BY created_at DESC, id`, args...); err != nil {
		return nil, mapError("list labels", err)
	}
	return result, nil
}

func (s *Store) RestoreOrders(ctx context.Context, orders []order.Order) error {
	return restoreRows(ctx, s, "restore orders", insertOrderSQL+`
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id, email = EXCLUDED.email, kind = EXCLUDED.kind, tier = EXCLUDED.tier,
			items = EXCLUDED.items, amount_cents = EXCLUDED.amount_cents, currency = EXCLUDED.currency,
			gateway = EXCLUDED.gateway, gateway_ref = EXCLUDED.gateway_ref, status = EXCLUDED.status,
			customer_name = EXCLUDED.customer_name, birth_date = EXCLUDED.birth_date,
			artifact_path = EXCLUDED.artifact_path, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`, orders)
}

func (s *Store) RestoreLabels(ctx context.Context, labels []order.ShippingLabel) error {
	return restoreRows(ctx, s, "restore labels", `
		INSERT INTO shipping_labels (id, order_id, carrier, tracking_number, label_url, address, created_at)
		VALUES (:id, :order_id, :carrier, :tracking_number, :label_url, :address, :created_at)
		ON CONFLICT (id) DO UPDATE
		SET order_id = EXCLUDED.order_id, carrier = EXCLUDED.carrier, tracking_number = EXCLUDED.tracking_number,
			label_url = EXCLUDED.label_url, address = EXCLUDED.address, created_at = EXCLUDED.created_at`, labels)
}

// --- DownloadStore ----------------------------------------------------------

const insertGrantSQL = `
	INSERT INTO digital_downloads (id, order_id, user_id, token_hash, file_name, max_downloads, download_count,
		expires_at, created_at, last_downloaded_at)
	VALUES (:id, :order_id, :user_id, :token_hash, :file_name, :max_downloads, :download_count,
		:expires_at, :created_at, :last_downloaded_at)`

func (s *Store) CreateGrant(ctx context.Context, g download.Grant) (download.Grant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	if _, err := s.db.NamedExecContext(ctx, insertGrantSQL, g); err != nil {
		return download.Grant{}, mapError("create grant", err)
	}
	return g, nil
}

func (s *Store) GetGrantByTokenHash(ctx context.Context, tokenHash string) (download.Grant, error) {
	var g download.Grant
	err := s.db.GetContext(ctx, &g, `SELECT `+grantColumns+` FROM digital_downloads WHERE token_hash = $1`, tokenHash)
	return g, mapError("get grant", err)
}

func (s *Store) ListGrants(ctx context.Context, orderID string) ([]download.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM digital_downloads`
	var args []any
	if orderID != "" {
		query += ` WHERE order_id = $1`
		args = append(args, orderID)
	}
	result := []download.Grant{}
	if err := s.db.SelectContext(ctx, &result, query+` ORDER BY created_at DESC, id`, args...); err != nil {
		return nil, mapError("list grants", err)
	}
	return result, nil
}

func (s *Store) IncrementDownload(ctx context.Context, id string, at time.Time) (download.Grant, error) {
	var g download.Grant
	err := s.db.GetContext(ctx, &g, `
		UPDATE digital_downloads
		SET download_count = download_count + 1, last_downloaded_at = $2
		WHERE id = $1 AND download_count < max_downloads
		RETURNING `+grantColumns, id, at.UTC())
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return download.Grant{}, mapError("increment download", err)
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM digital_downloads WHERE id = $1)`, id); err != nil {
		return download.Grant{}, mapError("increment download", err)
	}
	if !exists {
		return download.Grant{}, storage.ErrNotFound
	}
	return download.Grant{}, storage.ErrConflict
}

func (s *Store) RestoreGrants(ctx context.Context, grants []download.Grant) error {
	return restoreRows(ctx, s, "restore grants", insertGrantSQL+`
		ON CONFLICT (id) DO UPDATE
		SET order_id = EXCLUDED.order_id, user_id = EXCLUDED.user_id, token_hash = EXCLUDED.token_hash,
			file_name = EXCLUDED.file_name, max_downloads = EXCLUDED.max_downloads,
			download_count = EXCLUDED.download_count, expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at, last_downloaded_at = EXCLUDED.last_downloaded_at`, grants)
}

// --- MarketingStore ---------------------------------------------------------

const insertWaitlistSQL = `
	INSERT INTO vip_waitlist (id, email, name, source, confirmed, created_at)
	VALUES (:id, :email, :name, :source, :confirmed, :created_at)`

func (s *Store) AddWaitlist(ctx context.Context, e marketing.WaitlistEntry) (marketing.WaitlistEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if _, err := s.db.NamedExecContext(ctx, insertWaitlistSQL, e); err != nil {
		return marketing.WaitlistEntry{}, mapError("add waitlist", err)
	}
	return e, nil
}

func (s *Store) ListWaitlist(ctx context.Context) ([]marketing.WaitlistEntry, error) {
	result := []marketing.WaitlistEntry{}
	err := s.db.SelectContext(ctx, &result, `SELECT `+waitlistColumns+` FROM vip_waitlist ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, mapError("list waitlist", err)
	}
	return result, nil
}

const insertContactSQL = `
	INSERT INTO contact_submissions (id, name, email, subject, message, status, created_at)
	VALUES (:id, :name, :email, :subject, :message, :status, :created_at)`

func (s *Store) CreateContact(ctx context.Context, c marketing.ContactSubmission) (marketing.ContactSubmission, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = marketing.ContactNew
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if _, err := s.db.NamedExecContext(ctx, insertContactSQL, c); err != nil {
		return marketing.ContactSubmission{}, mapError("create contact", err)
	}
	return c, nil
}

func (s *Store) ListContacts(ctx context.Context, status marketing.ContactStatus) ([]marketing.ContactSubmission, error) {
	query := `SELECT ` + contactColumns + ` FROM contact_submissions`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	result := []marketing.ContactSubmission{}
	if err := s.db.SelectContext(ctx, &result, query+` ORDER BY created_at DESC, id`, args...); err != nil {
		return nil, mapError("list contacts", err)
	}
	return result, nil
}

func (s *Store) UpdateContactStatus(ctx context.Context, id string, status marketing.ContactStatus) (marketing.ContactSubmission, error) {
	var c marketing.ContactSubmission
	err := s.db.GetContext(ctx, &c,
		`UPDATE contact_submissions SET status = $2 WHERE id = $1 RETURNING `+contactColumns, id, status)
	return c, mapError("update contact", err)
}

func (s *Store) RestoreWaitlist(ctx context.Context, entries []marketing.WaitlistEntry) error {
	return restoreRows(ctx, s, "restore waitlist", insertWaitlistSQL+`
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, name = EXCLUDED.name, source = EXCLUDED.source,
			confirmed = EXCLUDED.confirmed, created_at = EXCLUDED.created_at`, entries)
}

func (s *Store) RestoreContacts(ctx context.Context, contacts []marketing.ContactSubmission) error {
	return restoreRows(ctx, s, "restore contacts", insertContactSQL+`
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, subject = EXCLUDED.subject,
			message = EXCLUDED.message, status = EXCLUDED.status, created_at = EXCLUDED.created_at`, contacts)
}

// --- BackupStore ------------------------------------------------------------

func (s *Store) CreateBackup(ctx context.Context, r backup.Record) (backup.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO backups (id, file_name, size_bytes, checksum, tables, created_by, created_at)
		VALUES (:id, :file_name, :size_bytes, :checksum, :tables, :created_by, :created_at)`, r)
	if err != nil {
		return backup.Record{}, mapError("create backup", err)
	}
	return r, nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (backup.Record, error) {
	var r backup.Record
	err := s.db.GetContext(ctx, &r, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id)
	return r, mapError("get backup", err)
}

func (s *Store) ListBackups(ctx context.Context) ([]backup.Record, error) {
	result := []backup.Record{}
	if err := s.db.SelectContext(ctx, &result, `SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id`); err != nil {
		return nil, mapError("list backups", err)
	}
	return result, nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return mapError("delete backup", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
