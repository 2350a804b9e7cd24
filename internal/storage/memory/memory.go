// Package memory is a thread-safe in-memory storage backend. It is the
// development default and the test double for the services.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	"github.com/anoint-array/platform/internal/storage"
)

// Store keeps every table in maps keyed by ID. Reads return copies.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	profiles map[string]account.Profile
	orders   map[string]order.Order
	labels   map[string]order.ShippingLabel
	grants   map[string]download.Grant
	waitlist map[string]marketing.WaitlistEntry
	contacts map[string]marketing.ContactSubmission
	backups  map[string]backup.Record
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		profiles: make(map[string]account.Profile),
		orders:   make(map[string]order.Order),
		labels:   make(map[string]order.ShippingLabel),
		grants:   make(map[string]download.Grant),
		waitlist: make(map[string]marketing.WaitlistEntry),
		contacts: make(map[string]marketing.ContactSubmission),
		backups:  make(map[string]backup.Record),
	}
}

func newestFirst[T any](items []T, created func(T) time.Time, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if ci.Equal(cj) {
			return id(items[i]) < id(items[j])
		}
		return ci.After(cj)
	})
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) UpsertProfile(_ context.Context, p account.Profile) (account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	email := strings.ToLower(p.Email)
	for id, existing := range s.profiles {
		if id != p.ID && email != "" && strings.ToLower(existing.Email) == email {
			return account.Profile{}, storage.ErrConflict
		}
	}

	now := s.now()
	if existing, ok := s.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = p
	return p, nil
}

func (s *Store) GetProfile(_ context.Context, id string) (account.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return account.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProfileByEmail(_ context.Context, email string) (account.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			return p, nil
		}
	}
	return account.Profile{}, storage.ErrNotFound
}

func (s *Store) ListProfiles(_ context.Context, page storage.Page) ([]account.Profile, error) {
	s.mu.RLock()
	result := make([]account.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		result = append(result, p)
	}
	s.mu.RUnlock()

	newestFirst(result, func(p account.Profile) time.Time { return p.CreatedAt }, func(p account.Profile) string { return p.ID })
	return storage.Paginate(result, page), nil
}

func (s *Store) RestoreProfiles(_ context.Context, profiles []account.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return nil
}

// --- OrderStore -------------------------------------------------------------

func cloneOrder(o order.Order) order.Order {
	if o.Items != nil {
		o.Items = append(order.LineItems(nil), o.Items...)
	}
	return o
}

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, storage.ErrConflict
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), nil
}

func (s *Store) UpdateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[o.ID]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	o.CreatedAt = existing.CreatedAt
	o.Status = existing.Status
	o.ArtifactPath = existing.ArtifactPath
	o.UpdatedAt = s.now()
	s.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) GetOrderByGatewayRef(_ context.Context, gateway order.Gateway, ref string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.Gateway == gateway && ref != "" && o.GatewayRef == ref {
			return cloneOrder(o), nil
		}
	}
	return order.Order{}, storage.ErrNotFound
}

func (s *Store) ListOrders(_ context.Context, filter storage.OrderFilter) ([]order.Order, error) {
	s.mu.RLock()
	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && o.Kind != filter.Kind {
			continue
		}
		result = append(result, cloneOrder(o))
	}
	s.mu.RUnlock()

	newestFirst(result, func(o order.Order) time.Time { return o.CreatedAt }, func(o order.Order) string { return o.ID })
	return storage.Paginate(result, filter.Page), nil
}

func (s *Store) TransitionOrder(_ context.Context, id string, from, to order.Status) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	if o.Status != from {
		return order.Order{}, storage.ErrConflict
	}
	o.Status = to
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return cloneOrder(o), nil
}

func (s *Store) FulfillOrder(_ context.Context, id, artifactPath string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	if o.Status != order.StatusPaid {
		return order.Order{}, storage.ErrConflict
	}
	o.Status = order.StatusFulfilled
	o.ArtifactPath = artifactPath
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return cloneOrder(o), nil
}

func (s *Store) CreateLabel(_ context.Context, l order.ShippingLabel) (order.ShippingLabel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[l.OrderID]; !ok {
		return order.ShippingLabel{}, storage.ErrNotFound
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.labels[l.ID] = l
	return l, nil
}

func (s *Store) ListLabels(_ context.Context, orderID string) ([]order.ShippingLabel, error) {
	s.mu.RLock()
	result := make([]order.ShippingLabel, 0)
	for _, l := range s.labels {
		if orderID == "" || l.OrderID == orderID {
			result = append(result, l)
		}
	}
	s.mu.RUnlock()

	newestFirst(result, func(l order.ShippingLabel) time.Time { return l.CreatedAt }, func(l order.ShippingLabel) string { return l.ID })
	return result, nil
}

func (s *Store) RestoreOrders(_ context.Context, orders []order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.ID] = cloneOrder(o)
	}
	return nil
}

func (s *Store) RestoreLabels(_ context.Context, labels []order.ShippingLabel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range labels {
		s.labels[l.ID] = l
	}
	return nil
}

// --- DownloadStore ----------------------------------------------------------

func cloneGrant(g download.Grant) download.Grant {
	if g.LastDownloadedAt != nil {
		at := *g.LastDownloadedAt
		g.LastDownloadedAt = &at
	}
	return g
}

func (s *Store) CreateGrant(_ context.Context, g download.Grant) (download.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.grants {
		if existing.TokenHash == g.TokenHash {
			return download.Grant{}, storage.ErrConflict
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	s.grants[g.ID] = cloneGrant(g)
	return cloneGrant(g), nil
}

func (s *Store) GetGrantByTokenHash(_ context.Context, tokenHash string) (download.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.TokenHash == tokenHash {
			return cloneGrant(g), nil
		}
	}
	return download.Grant{}, storage.ErrNotFound
}

func (s *Store) ListGrants(_ context.Context, orderID string) ([]download.Grant, error) {
	s.mu.RLock()
	result := make([]download.Grant, 0)
	for _, g := range s.grants {
		if orderID == "" || g.OrderID == orderID {
			result = append(result, cloneGrant(g))
		}
	}
	s.mu.RUnlock()

	newestFirst(result, func(g download.Grant) time.Time { return g.CreatedAt }, func(g download.Grant) string { return g.ID })
	return result, nil
}

func (s *Store) IncrementDownload(_ context.Context, id string, at time.Time) (download.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return download.Grant{}, storage.ErrNotFound
	}
	if g.Exhausted() {
		return download.Grant{}, storage.ErrConflict
	}
	g.DownloadCount++
	at = at.UTC()
	g.LastDownloadedAt = &at
	s.grants[id] = g
	return cloneGrant(g), nil
}

func (s *Store) RestoreGrants(_ context.Context, grants []download.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range grants {
		s.grants[g.ID] = cloneGrant(g)
	}
	return nil
}

// --- MarketingStore ---------------------------------------------------------

func (s *Store) AddWaitlist(_ context.Context, e marketing.WaitlistEntry) (marketing.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.waitlist {
		if strings.EqualFold(existing.Email, e.Email) {
			return marketing.WaitlistEntry{}, storage.ErrConflict
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.waitlist[e.ID] = e
	return e, nil
}

func (s *Store) ListWaitlist(_ context.Context) ([]marketing.WaitlistEntry, error) {
	s.mu.RLock()
	result := make([]marketing.WaitlistEntry, 0, len(s.waitlist))
	for _, e := range s.waitlist {
		result = append(result, e)
	}
	s.mu.RUnlock()

	newestFirst(result, func(e marketing.WaitlistEntry) time.Time { return e.CreatedAt }, func(e marketing.WaitlistEntry) string { return e.ID })
	return result, nil
}

func (s *Store) CreateContact(_ context.Context, c marketing.ContactSubmission) (marketing.ContactSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = marketing.ContactNew
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.contacts[c.ID] = c
	return c, nil
}

func (s *Store) ListContacts(_ context.Context, status marketing.ContactStatus) ([]marketing.ContactSubmission, error) {
	s.mu.RLock()
	result := make([]marketing.ContactSubmission, 0)
	for _, c := range s.contacts {
		if status == "" || c.Status == status {
			result = append(result, c)
		}
	}
	s.mu.RUnlock()

	newestFirst(result, func(c marketing.ContactSubmission) time.Time { return c.CreatedAt }, func(c marketing.ContactSubmission) string { return c.ID })
	return result, nil
}

func (s *Store) UpdateContactStatus(_ context.Context, id string, status marketing.ContactStatus) (marketing.ContactSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return marketing.ContactSubmission{}, storage.ErrNotFound
	}
	c.Status = status
	s.contacts[id] = c
	return c, nil
}

func (s *Store) RestoreWaitlist(_ context.Context, entries []marketing.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.waitlist[e.ID] = e
	}
	return nil
}

func (s *Store) RestoreContacts(_ context.Context, contacts []marketing.ContactSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		s.contacts[c.ID] = c
	}
	return nil
}

// --- BackupStore ------------------------------------------------------------

func cloneRecord(r backup.Record) backup.Record {
	if r.Tables != nil {
		tables := make(backup.TableCounts, len(r.Tables))
		for k, v := range r.Tables {
			tables[k] = v
		}
		r.Tables = tables
	}
	return r
}

func (s *Store) CreateBackup(_ context.Context, r backup.Record) (backup.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.backups[r.ID] = cloneRecord(r)
	return cloneRecord(r), nil
}

func (s *Store) GetBackup(_ context.Context, id string) (backup.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.backups[id]
	if !ok {
		return backup.Record{}, storage.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) ListBackups(_ context.Context) ([]backup.Record, error) {
	s.mu.RLock()
	result := make([]backup.Record, 0, len(s.backups))
	for _, r := range s.backups {
		result = append(result, cloneRecord(r))
	}
	s.mu.RUnlock()

	newestFirst(result, func(r backup.Record) time.Time { return r.CreatedAt }, func(r backup.Record) string { return r.ID })
	return result, nil
}

func (s *Store) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backups[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.backups, id)
	return nil
}
