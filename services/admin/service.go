// Package admin serves the dashboard aggregates and order management.
package admin

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/anoint-array/platform/internal/domain/backup"
	"github.com/anoint-array/platform/internal/domain/health"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
)

const ServiceID = "admin"

// GrantCounter counts unexpired, unexhausted download grants.
type GrantCounter interface {
	ActiveGrants(ctx context.Context) (int, error)
}

// HealthSource exposes the latest monitor snapshot.
type HealthSource interface {
	Latest() (health.Snapshot, bool)
}

// BackupLister lists backup records newest first.
type BackupLister interface {
	List(ctx context.Context) ([]backup.Record, error)
}

// Config wires the service. Health and Backups are optional.
type Config struct {
	Orders    storage.OrderStore
	Marketing storage.MarketingStore
	Grants    GrantCounter
	Health    HealthSource
	Backups   BackupLister
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Service aggregates dashboard data.
type Service struct {
	orders    storage.OrderStore
	marketing storage.MarketingStore
	grants    GrantCounter
	health    HealthSource
	backups   BackupLister
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if cfg.Orders == nil || cfg.Marketing == nil || cfg.Grants == nil {
		return nil, fmt.Errorf("admin: orders, marketing and grants are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		orders:    cfg.Orders,
		marketing: cfg.Marketing,
		grants:    cfg.Grants,
		health:    cfg.Health,
		backups:   cfg.Backups,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Stats is the dashboard summary.
type Stats struct {
	OrdersByStatus   map[order.Status]int    `json:"orders_by_status"`
	RevenueByGateway map[order.Gateway]int64 `json:"revenue_cents_by_gateway"`
	RevenueCents     int64                   `json:"revenue_cents"`
	WaitlistSize     int                     `json:"waitlist_size"`
	NewContacts      int                     `json:"new_contacts"`
	ActiveDownloads  int                     `json:"active_downloads"`
	Health           *HealthSummary          `json:"health,omitempty"`
	LastBackupAt     *time.Time              `json:"last_backup_at,omitempty"`
}

// HealthSummary is the latest monitor result.
type HealthSummary struct {
	Status health.Status `json:"status"`
	Score  float64       `json:"score"`
	At     time.Time     `json:"at"`
}

// Stats gathers the dashboard numbers.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	orders, err := s.orders.ListOrders(ctx, storage.OrderFilter{})
	if err != nil {
		return nil, svcerrors.Internal("failed to list orders", err)
	}
	st := &Stats{
		OrdersByStatus:   make(map[order.Status]int, len(order.AllStatuses)),
		RevenueByGateway: make(map[order.Gateway]int64),
	}
	for _, status := range order.AllStatuses {
		st.OrdersByStatus[status] = 0
	}
	for _, o := range orders {
		st.OrdersByStatus[o.Status]++
		if o.Status == order.StatusPaid || o.Status == order.StatusFulfilled {
			st.RevenueByGateway[o.Gateway] += o.AmountCents
			st.RevenueCents += o.AmountCents
		}
	}

	waitlist, err := s.marketing.ListWaitlist(ctx)
	if err != nil {
		return nil, svcerrors.Internal("failed to list waitlist", err)
	}
	st.WaitlistSize = len(waitlist)

	contacts, err := s.marketing.ListContacts(ctx, marketing.ContactNew)
	if err != nil {
		return nil, svcerrors.Internal("failed to list contacts", err)
	}
	st.NewContacts = len(contacts)

	if st.ActiveDownloads, err = s.grants.ActiveGrants(ctx); err != nil {
		return nil, svcerrors.Internal("failed to count downloads", err)
	}

	if s.health != nil {
		if snap, ok := s.health.Latest(); ok {
			st.Health = &HealthSummary{Status: snap.Status, Score: snap.Score, At: snap.At}
		}
	}
	if s.backups != nil {
		recs, err := s.backups.List(ctx)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("backup list unavailable for stats")
		} else if len(recs) > 0 {
			at := recs[0].CreatedAt
			st.LastBackupAt = &at
		}
	}
	return st, nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status order.Status
	Kind   order.Kind
	Limit  int
	Offset int
}

// ListOrders lists orders newest first.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]order.Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, svcerrors.InvalidInput("unknown status").WithDetails("status", string(f.Status))
	}
	if f.Kind != "" && f.Kind != order.KindSealArray && f.Kind != order.KindMerch {
		return nil, svcerrors.InvalidInput("unknown kind").WithDetails("kind", string(f.Kind))
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	orders, err := s.orders.ListOrders(ctx, storage.OrderFilter{
		Status: f.Status,
		Kind:   f.Kind,
		Page:   storage.Page{Limit: f.Limit, Offset: f.Offset},
	})
	if err != nil {
		return nil, svcerrors.Internal("failed to list orders", err)
	}
	return orders, nil
}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return order.Order{}, svcerrors.NotFound("order", id)
	}
	if err != nil {
		return order.Order{}, svcerrors.Internal("failed to load order", err)
	}
	return o, nil
}

// UpdateOrderStatus applies a manual status change allowed by the order
// lifecycle.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, to order.Status) (order.Order, error) {
	if !to.Valid() {
		return order.Order{}, svcerrors.InvalidInput("unknown status").WithDetails("status", string(to))
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if !order.CanTransition(o.Status, to) {
		return order.Order{}, svcerrors.Conflict(fmt.Sprintf("cannot move order from %s to %s", o.Status, to)).
			WithDetails("status", string(o.Status))
	}
	updated, err := s.orders.TransitionOrder(ctx, id, o.Status, to)
	if stderrors.Is(err, storage.ErrConflict) {
		return order.Order{}, svcerrors.Conflict("order changed concurrently; reload and retry")
	}
	if err != nil {
		return order.Order{}, svcerrors.Internal("failed to update order", err)
	}
	s.metrics.RecordOrder(string(updated.Gateway), string(to))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": id,
		"from":     o.Status,
		"to":       to,
		"admin":    logging.GetUserID(ctx),
	}).Info("order status changed by admin")
	return updated, nil
}
