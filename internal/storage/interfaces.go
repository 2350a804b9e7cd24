// Package storage defines the persistence interfaces shared by the memory,
// Supabase and Postgres backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned on a unique violation or a failed
	// compare-and-swap update.
	ErrConflict = errors.New("storage: conflict")
)

// Page bounds a list query. A zero Limit returns every row.
type Page struct {
	Limit  int
	Offset int
}

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	UserID string
	Status order.Status
	Kind   order.Kind
	Page
}

// ProfileStore persists user profiles.
type ProfileStore interface {
	// UpsertProfile inserts the profile or replaces the row with the same ID.
	UpsertProfile(ctx context.Context, p account.Profile) (account.Profile, error)
	GetProfile(ctx context.Context, id string) (account.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (account.Profile, error)
	ListProfiles(ctx context.Context, page Page) ([]account.Profile, error)
	RestoreProfiles(ctx context.Context, profiles []account.Profile) error
}

// OrderStore persists orders and their shipping labels.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	// UpdateOrder saves the descriptive fields of an order. The status and
	// artifact path are left untouched; they only change through
	// TransitionOrder and FulfillOrder.
	UpdateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	GetOrderByGatewayRef(ctx context.Context, gateway order.Gateway, ref string) (order.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]order.Order, error)
	// TransitionOrder moves the order from one status to another atomically.
	// It returns ErrConflict when the stored status is no longer from.
	TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error)
	// FulfillOrder moves a paid order to fulfilled and records its artifact
	// in one step. It returns ErrConflict when the order is no longer paid.
	FulfillOrder(ctx context.Context, id, artifactPath string) (order.Order, error)

	CreateLabel(ctx context.Context, l order.ShippingLabel) (order.ShippingLabel, error)
	// ListLabels returns the labels of one order, or every label when
	// orderID is empty.
	ListLabels(ctx context.Context, orderID string) ([]order.ShippingLabel, error)

	RestoreOrders(ctx context.Context, orders []order.Order) error
	RestoreLabels(ctx context.Context, labels []order.ShippingLabel) error
}

// DownloadStore persists download grants.
type DownloadStore interface {
	CreateGrant(ctx context.Context, g download.Grant) (download.Grant, error)
	GetGrantByTokenHash(ctx context.Context, tokenHash string) (download.Grant, error)
	// ListGrants returns the grants of one order, or every grant when
	// orderID is empty.
	ListGrants(ctx context.Context, orderID string) ([]download.Grant, error)
	// IncrementDownload bumps the download count if it is still below the
	// maximum, and returns ErrConflict otherwise.
	IncrementDownload(ctx context.Context, id string, at time.Time) (download.Grant, error)
	RestoreGrants(ctx context.Context, grants []download.Grant) error
}

// MarketingStore persists waitlist entries and contact submissions.
type MarketingStore interface {
	// AddWaitlist returns ErrConflict when the email is already present.
	AddWaitlist(ctx context.Context, e marketing.WaitlistEntry) (marketing.WaitlistEntry, error)
	ListWaitlist(ctx context.Context) ([]marketing.WaitlistEntry, error)

	CreateContact(ctx context.Context, c marketing.ContactSubmission) (marketing.ContactSubmission, error)
	// ListContacts filters by status unless it is empty.
	ListContacts(ctx context.Context, status marketing.ContactStatus) ([]marketing.ContactSubmission, error)
	UpdateContactStatus(ctx context.Context, id string, status marketing.ContactStatus) (marketing.ContactSubmission, error)

	RestoreWaitlist(ctx context.Context, entries []marketing.WaitlistEntry) error
	RestoreContacts(ctx context.Context, contacts []marketing.ContactSubmission) error
}

// BackupStore persists backup records. The files themselves live on disk.
type BackupStore interface {
	CreateBackup(ctx context.Context, r backup.Record) (backup.Record, error)
	GetBackup(ctx context.Context, id string) (backup.Record, error)
	// ListBackups returns records newest first.
	ListBackups(ctx context.Context) ([]backup.Record, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Backend is implemented by each storage backend.
type Backend interface {
	ProfileStore
	OrderStore
	DownloadStore
	MarketingStore
	BackupStore
}

// Stores groups the stores a service may depend on.
type Stores struct {
	Profiles  ProfileStore
	Orders    OrderStore
	Downloads DownloadStore
	Marketing MarketingStore
	Backups   BackupStore
}

// FromBackend returns Stores backed entirely by b.
func FromBackend(b Backend) Stores {
	return Stores{
		Profiles:  b,
		Orders:    b,
		Downloads: b,
		Marketing: b,
		Backups:   b,
	}
}

// Paginate applies page to a slice that is already ordered.
func Paginate[T any](items []T, page Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return []T{}
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
