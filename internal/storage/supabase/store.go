// Package supabase implements the storage interfaces over the Supabase
// PostgREST API using the service role key.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/supabase/client"
)

// Table names.
const (
	TableProfiles = "profiles"
	TableOrders   = "orders"
	TableLabels   = "shipping_labels"
	TableGrants   = "digital_downloads"
	TableWaitlist = "vip_waitlist"
	TableContacts = "contact_submissions"
	TableBackups  = "backups"
)

const (
	restoreChunk   = 500
	incrementTries = 3
	// listChunk stays at or below PostgREST's default max-rows.
	listChunk = 1000
)

// Store is a PostgREST-backed storage.Backend.
type Store struct {
	client *client.Client
	now    func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store over c.
func New(c *client.Client) *Store {
	return &Store{
		client: c,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// mapError converts Supabase API errors into storage errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sbErr *client.Error
	if errors.As(err, &sbErr) {
		switch {
		case sbErr.IsNotFound():
			return storage.ErrNotFound
		case sbErr.IsConflict():
			return storage.ErrConflict
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rows[T any](op string, resp *client.Response, err error) ([]T, error) {
	if err != nil {
		return nil, mapError(op, err)
	}
	if err := resp.Error(); err != nil {
		return nil, mapError(op, err)
	}
	var out []T
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return out, nil
}

func first[T any](op string, resp *client.Response, err error) (T, error) {
	var zero T
	list, err := rows[T](op, resp, err)
	if err != nil {
		return zero, err
	}
	if len(list) == 0 {
		return zero, storage.ErrNotFound
	}
	return list[0], nil
}

func one[T any](op string, resp *client.Response, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, mapError(op, err)
	}
	if err := resp.Error(); err != nil {
		return zero, mapError(op, err)
	}
	var out T
	if err := resp.JSON(&out); err != nil {
		return zero, fmt.Errorf("%s: decode: %w", op, err)
	}
	return out, nil
}

// list runs q for one page, or walks every page when p.Limit is zero so a
// server-side max-rows cap cannot truncate the result. q must be ordered
// on a unique key for the walk to be stable.
func list[T any](ctx context.Context, op string, q *client.QueryBuilder, p storage.Page) ([]T, error) {
	if p.Limit > 0 {
		resp, err := q.Limit(p.Limit).Offset(p.Offset).Execute(ctx)
		return rows[T](op, resp, err)
	}
	out := []T{}
	offset := p.Offset
	for {
		resp, err := q.Limit(listChunk).Offset(offset).Execute(ctx)
		batch, err := rows[T](op, resp, err)
		if err != nil {
			return nil, err
		}
		// The server may cap pages below listChunk, so only an empty page
		// marks the end.
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
		offset += len(batch)
	}
}

// newestFirst orders by creation time with the id as a tie-breaker.
func newestFirst(q *client.QueryBuilder) *client.QueryBuilder {
	return q.Order("created_at", false).Order("id", true)
}

func restore[T any](ctx context.Context, s *Store, table string, items []T) error {
	for start := 0; start < len(items); start += restoreChunk {
		end := start + restoreChunk
		if end > len(items) {
			end = len(items)
		}
		resp, err := s.client.From(table).Upsert("id").ExecuteInsert(ctx, items[start:end])
		if err == nil {
			err = resp.Error()
		}
		if err != nil {
			return mapError("restore "+table, err)
		}
	}
	return nil
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) UpsertProfile(ctx context.Context, p account.Profile) (account.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		if existing, err := s.GetProfile(ctx, p.ID); err == nil {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = now
		}
	}
	p.UpdatedAt = now

	resp, err := s.client.From(TableProfiles).Upsert("id").ExecuteInsert(ctx, p)
	return first[account.Profile]("upsert profile", resp, err)
}

func (s *Store) GetProfile(ctx context.Context, id string) (account.Profile, error) {
	resp, err := s.client.From(TableProfiles).Select("*").Eq("id", id).Single().Execute(ctx)
	return one[account.Profile]("get profile", resp, err)
}

func (s *Store) GetProfileByEmail(ctx context.Context, email string) (account.Profile, error) {
	resp, err := s.client.From(TableProfiles).Select("*").Eq("email", strings.ToLower(strings.TrimSpace(email))).Limit(1).Execute(ctx)
	return first[account.Profile]("get profile by email", resp, err)
}

func (s *Store) ListProfiles(ctx context.Context, p storage.Page) ([]account.Profile, error) {
	return list[account.Profile](ctx, "list profiles", newestFirst(s.client.From(TableProfiles).Select("*")), p)
}

func (s *Store) RestoreProfiles(ctx context.Context, profiles []account.Profile) error {
	return restore(ctx, s, TableProfiles, profiles)
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	resp, err := s.client.From(TableOrders).ExecuteInsert(ctx, o)
	return first[order.Order]("create order", resp, err)
}

func (s *Store) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	o.UpdatedAt = s.now()
	patch := map[string]any{
		"email":         o.Email,
		"tier":          o.Tier,
		"items":         o.Items,
		"amount_cents":  o.AmountCents,
		"currency":      o.Currency,
		"gateway":       o.Gateway,
		"gateway_ref":   o.GatewayRef,
		"customer_name": o.CustomerName,
		"birth_date":    o.BirthDate,
		"updated_at":    o.UpdatedAt,
	}
	resp, err := s.client.From(TableOrders).Eq("id", o.ID).ExecuteUpdate(ctx, patch)
	return first[order.Order]("update order", resp, err)
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	resp, err := s.client.From(TableOrders).Select("*").Eq("id", id).Single().Execute(ctx)
	return one[order.Order]("get order", resp, err)
}

func (s *Store) GetOrderByGatewayRef(ctx context.Context, gateway order.Gateway, ref string) (order.Order, error) {
	resp, err := s.client.From(TableOrders).Select("*").
		Eq("gateway", gateway).
		Eq("gateway_ref", ref).
		Limit(1).
		Execute(ctx)
	return first[order.Order]("get order by gateway ref", resp, err)
}

func (s *Store) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]order.Order, error) {
	q := s.client.From(TableOrders).Select("*")
	if filter.UserID != "" {
		q = q.Eq("user_id", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Eq("status", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Eq("kind", filter.Kind)
	}
	return list[order.Order](ctx, "list orders", newestFirst(q), filter.Page)
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error) {
	return s.swapOrder(ctx, "transition order", id, from, map[string]any{"status": to, "updated_at": s.now()})
}

func (s *Store) FulfillOrder(ctx context.Context, id, artifactPath string) (order.Order, error) {
	return s.swapOrder(ctx, "fulfill order", id, order.StatusPaid, map[string]any{
		"status":        order.StatusFulfilled,
		"artifact_path": artifactPath,
		"updated_at":    s.now(),
	})
}

// swapOrder applies patch only while the order is still in status from.
func (s *Store) swapOrder(ctx context.Context, op, id string, from order.Status, patch map[string]any) (order.Order, error) {
	resp, err := s.client.From(TableOrders).
		Eq("id", id).
		Eq("status", from).
		ExecuteUpdate(ctx, patch)
	updated, err := first[order.Order](op, resp, err)
	if !errors.Is(err, storage.ErrNotFound) {
		return updated, err
	}
	// Nothing matched: either the order is gone or its status moved on.
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
	resp, err := s.client.From(TableLabels).ExecuteInsert(ctx, l)
	return first[order.ShippingLabel]("create label", resp, err)
}

func (s *Store) ListLabels(ctx context.Context, orderID string) ([]order.ShippingLabel, error) {
	q := s.client.From(TableLabels).Select("*")
	if orderID != "" {
		q = q.Eq("order_id", orderID)
	}
	return list[order.ShippingLabel](ctx, "list labels", newestFirst(q), storage.Page{})
}

func (s *Store) RestoreOrders(ctx context.Context, orders []order.Order) error {
	return restore(ctx, s, TableOrders, orders)
}

func (s *Store) RestoreLabels(ctx context.Context, labels []order.ShippingLabel) error {
	return restore(ctx, s, TableLabels, labels)
}

// --- DownloadStore ----------------------------------------------------------

func (s *Store) CreateGrant(ctx context.Context, g download.Grant) (download.Grant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	resp, err := s.client.From(TableGrants).ExecuteInsert(ctx, g)
	return first[download.Grant]("create grant", resp, err)
}

func (s *Store) GetGrantByTokenHash(ctx context.Context, tokenHash string) (download.Grant, error) {
	resp, err := s.client.From(TableGrants).Select("*").Eq("token_hash", tokenHash).Limit(1).Execute(ctx)
	return first[download.Grant]("get grant", resp, err)
}

func (s *Store) ListGrants(ctx context.Context, orderID string) ([]download.Grant, error) {
	q := s.client.From(TableGrants).Select("*")
	if orderID != "" {
		q = q.Eq("order_id", orderID)
	}
	return list[download.Grant](ctx, "list grants", newestFirst(q), storage.Page{})
}

// IncrementDownload uses the current count as a version so concurrent
// downloads cannot both take the last slot.
func (s *Store) IncrementDownload(ctx context.Context, id string, at time.Time) (download.Grant, error) {
	for attempt := 0; attempt < incrementTries; attempt++ {
		resp, err := s.client.From(TableGrants).Select("*").Eq("id", id).Single().Execute(ctx)
		current, err := one[download.Grant]("get grant", resp, err)
		if err != nil {
			return download.Grant{}, err
		}
		if current.Exhausted() {
			return download.Grant{}, storage.ErrConflict
		}

		resp, err = s.client.From(TableGrants).
			Eq("id", id).
			Eq("download_count", current.DownloadCount).
			ExecuteUpdate(ctx, map[string]any{
				"download_count":     current.DownloadCount + 1,
				"last_downloaded_at": at.UTC(),
			})
		updated, err := first[download.Grant]("increment download", resp, err)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return download.Grant{}, err
		}
	}
	return download.Grant{}, storage.ErrConflict
}

func (s *Store) RestoreGrants(ctx context.Context, grants []download.Grant) error {
	return restore(ctx, s, TableGrants, grants)
}

// --- MarketingStore ---------------------------------------------------------

func (s *Store) AddWaitlist(ctx context.Context, e marketing.WaitlistEntry) (marketing.WaitlistEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	resp, err := s.client.From(TableWaitlist).ExecuteInsert(ctx, e)
	return first[marketing.WaitlistEntry]("add waitlist", resp, err)
}

func (s *Store) ListWaitlist(ctx context.Context) ([]marketing.WaitlistEntry, error) {
	return list[marketing.WaitlistEntry](ctx, "list waitlist", newestFirst(s.client.From(TableWaitlist).Select("*")), storage.Page{})
}

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
	resp, err := s.client.From(TableContacts).ExecuteInsert(ctx, c)
	return first[marketing.ContactSubmission]("create contact", resp, err)
}

func (s *Store) ListContacts(ctx context.Context, status marketing.ContactStatus) ([]marketing.ContactSubmission, error) {
	q := s.client.From(TableContacts).Select("*")
	if status != "" {
		q = q.Eq("status", status)
	}
	return list[marketing.ContactSubmission](ctx, "list contacts", newestFirst(q), storage.Page{})
}

func (s *Store) UpdateContactStatus(ctx context.Context, id string, status marketing.ContactStatus) (marketing.ContactSubmission, error) {
	resp, err := s.client.From(TableContacts).Eq("id", id).ExecuteUpdate(ctx, map[string]any{"status": status})
	return first[marketing.ContactSubmission]("update contact", resp, err)
}

func (s *Store) RestoreWaitlist(ctx context.Context, entries []marketing.WaitlistEntry) error {
	return restore(ctx, s, TableWaitlist, entries)
}

func (s *Store) RestoreContacts(ctx context.Context, contacts []marketing.ContactSubmission) error {
	return restore(ctx, s, TableContacts, contacts)
}

// --- BackupStore ------------------------------------------------------------

func (s *Store) CreateBackup(ctx context.Context, r backup.Record) (backup.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	resp, err := s.client.From(TableBackups).ExecuteInsert(ctx, r)
	return first[backup.Record]("create backup", resp, err)
}

func (s *Store) GetBackup(ctx context.Context, id string) (backup.Record, error) {
	resp, err := s.client.From(TableBackups).Select("*").Eq("id", id).Single().Execute(ctx)
	return one[backup.Record]("get backup", resp, err)
}

func (s *Store) ListBackups(ctx context.Context) ([]backup.Record, error) {
	return list[backup.Record](ctx, "list backups", newestFirst(s.client.From(TableBackups).Select("*")), storage.Page{})
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	resp, err := s.client.From(TableBackups).Eq("id", id).ExecuteDelete(ctx)
	_, err = first[backup.Record]("delete backup", resp, err)
	return err
}
