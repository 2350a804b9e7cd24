// Package checkout sells seal arrays through Stripe, PayPal and crypto
// payments and fulfills orders when the payment webhook arrives.
package checkout

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/services/downloads"
	"github.com/anoint-array/platform/services/marketing"
	"github.com/anoint-array/platform/services/sealarray"
)

const ServiceID = "checkout"

// Artist renders and stores an order's seal array.
type Artist interface {
	Generate(ctx context.Context, orderID, name, birthDate string, size int) (*sealarray.Artifact, error)
}

// Issuer creates download grants.
type Issuer interface {
	Issue(ctx context.Context, orderID, userID, fileName string) (*downloads.Issued, error)
}

// Notifier queues outbound email.
type Notifier interface {
	Enqueue(msg marketing.Message) bool
}

// Config wires the service.
type Config struct {
	Orders   storage.OrderStore
	Catalog  *config.Catalog
	Gateways []Gateway
	Artist   Artist
	Issuer   Issuer
	Notifier Notifier
	// BaseURL is the storefront origin used for return URLs.
	BaseURL string
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Service runs seal array checkout and fulfillment.
type Service struct {
	orders   storage.OrderStore
	catalog  *config.Catalog
	gateways map[order.Gateway]Gateway
	artist   Artist
	issuer   Issuer
	notifier Notifier
	baseURL  string
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if cfg.Orders == nil {
		return nil, fmt.Errorf("checkout: order store is required")
	}
	if cfg.Artist == nil || cfg.Issuer == nil {
		return nil, fmt.Errorf("checkout: artist and issuer are required")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	gateways := make(map[order.Gateway]Gateway, len(cfg.Gateways))
	for _, g := range cfg.Gateways {
		gateways[g.Name()] = g
	}
	return &Service{
		orders:   cfg.Orders,
		catalog:  catalog,
		gateways: gateways,
		artist:   cfg.Artist,
		issuer:   cfg.Issuer,
		notifier: cfg.Notifier,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// GatewaysFromConfig builds the gateways that have credentials.
func GatewaysFromConfig(cfg *config.Config) []Gateway {
	var out []Gateway
	if cfg.Stripe.SecretKey != "" {
		out = append(out, NewStripe(cfg.Stripe, ""))
	}
	if cfg.PayPal.ClientID != "" && cfg.PayPal.ClientSecret != "" {
		out = append(out, NewPayPal(cfg.PayPal))
	}
	if cfg.Crypto.APIKey != "" {
		out = append(out, NewCrypto(cfg.Crypto))
	}
	return out
}

// Gateways lists the configured payment gateways.
func (s *Service) Gateways() []order.Gateway {
	names := make([]order.Gateway, 0, len(s.gateways))
	for name := range s.gateways {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// HasGateway reports whether name is configured.
func (s *Service) HasGateway(name order.Gateway) bool {
	_, ok := s.gateways[name]
	return ok
}

// ===== Checkout =====

// StartRequest starts a seal array purchase.
type StartRequest struct {
	UserID    string        `json:"-"`
	Email     string        `json:"-"`
	Tier      string        `json:"tier"`
	Gateway   order.Gateway `json:"gateway"`
	Name      string        `json:"name"`
	BirthDate string        `json:"birth_date"`
}

// StartResult tells the client where to pay.
type StartResult struct {
	OrderID     string `json:"order_id"`
	RedirectURL string `json:"redirect_url"`
}

// StartSealArrayCheckout creates a pending order and a hosted payment
// session for it.
func (s *Service) StartSealArrayCheckout(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.UserID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	tier, ok := s.catalog.Tier(req.Tier)
	if !ok {
		return nil, svcerrors.InvalidInput("unknown tier").WithDetails("tier", req.Tier)
	}
	gw, ok := s.gateways[req.Gateway]
	if !ok {
		return nil, svcerrors.InvalidInput("payment method is not available").WithDetails("gateway", string(req.Gateway))
	}
	profile, err := sealarray.NewProfile(req.Name, req.BirthDate)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.CreateOrder(ctx, order.Order{
		UserID:       req.UserID,
		Email:        req.Email,
		Kind:         order.KindSealArray,
		Tier:         tier.ID,
		AmountCents:  tier.PriceCents,
		Currency:     tier.Currency,
		Gateway:      gw.Name(),
		Status:       order.StatusPending,
		CustomerName: profile.Name,
		BirthDate:    profile.BirthDate,
	})
	if err != nil {
		return nil, svcerrors.Internal("failed to create order", err)
	}

	sess, err := gw.CreateSession(ctx, SessionRequest{
		OrderID:     o.ID,
		Email:       req.Email,
		Description: tier.Name,
		AmountCents: tier.PriceCents,
		Currency:    tier.Currency,
		SuccessURL:  fmt.Sprintf("%s/checkout/success?order_id=%s", s.baseURL, o.ID),
		CancelURL:   fmt.Sprintf("%s/checkout/cancel?order_id=%s", s.baseURL, o.ID),
	})
	if err != nil {
		if _, terr := s.orders.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusFailed); terr != nil {
			s.logger.WithContext(ctx).WithError(terr).Warn("failed to mark order failed")
		}
		s.metrics.RecordOrder(string(gw.Name()), string(order.StatusFailed))
		return nil, err
	}

	o.GatewayRef = sess.Ref
	if _, err := s.orders.UpdateOrder(ctx, o); err != nil {
		return nil, svcerrors.Internal("failed to save payment reference", err)
	}
	s.metrics.RecordOrder(string(gw.Name()), string(order.StatusPending))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": o.ID,
		"gateway":  gw.Name(),
		"tier":     tier.ID,
	}).Info("checkout started")

	return &StartResult{OrderID: o.ID, RedirectURL: sess.RedirectURL}, nil
}

// ===== Webhooks =====

// WebhookResult reports what a webhook did.
type WebhookResult struct {
	OrderID string `json:"order_id,omitempty"`
	Action  string `json:"action"`
}

const (
	ActionIgnored    = "ignored"
	ActionDuplicate  = "duplicate"
	ActionPaid       = "paid"
	ActionFulfilled  = "fulfilled"
	ActionCaptured   = "captured"
	ActionFailed     = "failed"
	ActionCancelled  = "cancelled"
	ActionMismatched = "amount_mismatch"
)

// HandleWebhook verifies and applies a gateway notification. Replaying an
// event is safe: status changes are compare-and-swap, so only the first
// paid event fulfills the order.
func (s *Service) HandleWebhook(ctx context.Context, gateway order.Gateway, payload []byte, headers http.Header) (*WebhookResult, error) {
	gw, ok := s.gateways[gateway]
	if !ok {
		return nil, svcerrors.NotFound("gateway", string(gateway))
	}
	ev, err := gw.ParseWebhook(payload, headers)
	if err != nil {
		var sigErr *ErrSignature
		if stderrors.As(err, &sigErr) {
			s.logger.LogSecurityEvent(ctx, "webhook_rejected", map[string]interface{}{
				"gateway": gateway,
				"reason":  sigErr.Reason,
			})
			return nil, svcerrors.Unauthorized("invalid webhook signature")
		}
		return nil, err
	}
	if ev.Type == EventIgnored {
		return &WebhookResult{Action: ActionIgnored}, nil
	}

	o, err := s.lookup(ctx, gateway, ev)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"gateway": gateway,
				"event":   ev.Raw,
			}).Warn("webhook for unknown order")
			return &WebhookResult{Action: ActionIgnored}, nil
		}
		return nil, svcerrors.Internal("failed to load order", err)
	}
	if o.Gateway != gateway {
		s.logger.LogSecurityEvent(ctx, "webhook_gateway_mismatch", map[string]interface{}{
			"order_id": o.ID,
			"gateway":  gateway,
		})
		return &WebhookResult{OrderID: o.ID, Action: ActionIgnored}, nil
	}

	log := s.logger.WithContext(ctx).WithField("order_id", o.ID).WithField("event", ev.Raw)
	switch ev.Type {
	case EventApproved:
		capturer, ok := gw.(Capturer)
		if !ok || o.Status != order.StatusPending {
			return &WebhookResult{OrderID: o.ID, Action: ActionIgnored}, nil
		}
		if err := capturer.Capture(ctx, ev.GatewayRef); err != nil {
			return nil, err
		}
		log.Info("payment captured")
		return &WebhookResult{OrderID: o.ID, Action: ActionCaptured}, nil

	case EventPaid:
		if ev.AmountCents > 0 && ev.AmountCents != o.AmountCents {
			s.logger.LogSecurityEvent(ctx, "webhook_amount_mismatch", map[string]interface{}{
				"order_id": o.ID,
				"expected": o.AmountCents,
				"got":      ev.AmountCents,
			})
			return &WebhookResult{OrderID: o.ID, Action: ActionMismatched}, nil
		}
		paid, err := s.orders.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid)
		if stderrors.Is(err, storage.ErrConflict) {
			log.Info("duplicate payment event")
			return &WebhookResult{OrderID: o.ID, Action: ActionDuplicate}, nil
		}
		if err != nil {
			return nil, svcerrors.Internal("failed to mark order paid", err)
		}
		s.metrics.RecordOrder(string(gateway), string(order.StatusPaid))
		log.Info("order paid")

		if _, err := s.fulfill(ctx, paid); err != nil {
			log.WithError(err).Error("fulfillment failed; order left paid for retry")
			return &WebhookResult{OrderID: o.ID, Action: ActionPaid}, nil
		}
		return &WebhookResult{OrderID: o.ID, Action: ActionFulfilled}, nil

	case EventFailed, EventExpired:
		to, action := order.StatusFailed, ActionFailed
		if ev.Type == EventExpired {
			to, action = order.StatusCancelled, ActionCancelled
		}
		if _, err := s.orders.TransitionOrder(ctx, o.ID, order.StatusPending, to); err != nil {
			if stderrors.Is(err, storage.ErrConflict) {
				return &WebhookResult{OrderID: o.ID, Action: ActionDuplicate}, nil
			}
			return nil, svcerrors.Internal("failed to update order", err)
		}
		s.metrics.RecordOrder(string(gateway), string(to))
		log.WithField("status", to).Info("order closed")
		return &WebhookResult{OrderID: o.ID, Action: action}, nil
	}
	return &WebhookResult{OrderID: o.ID, Action: ActionIgnored}, nil
}

func (s *Service) lookup(ctx context.Context, gateway order.Gateway, ev WebhookEvent) (order.Order, error) {
	if ev.OrderID != "" {
		o, err := s.orders.GetOrder(ctx, ev.OrderID)
		if err == nil || !stderrors.Is(err, storage.ErrNotFound) || ev.GatewayRef == "" {
			return o, err
		}
	}
	if ev.GatewayRef == "" {
		return order.Order{}, storage.ErrNotFound
	}
	return s.orders.GetOrderByGatewayRef(ctx, gateway, ev.GatewayRef)
}

// ===== Fulfillment =====

// fulfill renders the artifact, claims the order with a paid -> fulfilled
// swap and only then issues the grant and emails the link. A caller that
// loses the swap gets ErrConflict and issues nothing.
func (s *Service) fulfill(ctx context.Context, o order.Order) (order.Order, error) {
	size := 0
	if tier, ok := s.catalog.Tier(o.Tier); ok {
		size = tier.ImageSize
	}
	art, err := s.artist.Generate(ctx, o.ID, o.CustomerName, o.BirthDate, size)
	if err != nil {
		return o, fmt.Errorf("generate seal array: %w", err)
	}

	fulfilled, err := s.orders.FulfillOrder(ctx, o.ID, art.Path)
	if err != nil {
		return o, fmt.Errorf("mark fulfilled: %w", err)
	}

	issued, err := s.issuer.Issue(ctx, o.ID, o.UserID, "")
	if err != nil {
		// Reopen the order so RetryFulfillment can pick it up again.
		if _, rerr := s.orders.TransitionOrder(ctx, o.ID, order.StatusFulfilled, order.StatusPaid); rerr != nil {
			s.logger.WithContext(ctx).WithError(rerr).WithField("order_id", o.ID).Error("failed to reopen order after grant failure")
		}
		return o, fmt.Errorf("issue download: %w", err)
	}
	s.metrics.RecordOrder(string(o.Gateway), string(order.StatusFulfilled))

	if s.notifier != nil && o.Email != "" {
		s.notifier.Enqueue(marketing.Message{
			To:      o.Email,
			ToName:  o.CustomerName,
			Subject: "Your ANOINT seal array is ready",
			Text: fmt.Sprintf("Hi %s,\n\nYour personalized seal array is ready (%s).\n\nDownload it here: %s\n\nThe link expires %s.\n",
				o.CustomerName, art.Profile.Summary(), issued.URL, issued.Grant.ExpiresAt.UTC().Format("Jan 2, 2006 15:04 MST")),
		})
	}
	s.logger.WithContext(ctx).WithField("order_id", o.ID).Info("order fulfilled")
	return fulfilled, nil
}

// RetryFulfillment re-runs fulfillment for an order stuck in paid.
func (s *Service) RetryFulfillment(ctx context.Context, orderID string) (order.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return order.Order{}, svcerrors.NotFound("order", orderID)
	}
	if err != nil {
		return order.Order{}, svcerrors.Internal("failed to load order", err)
	}
	if o.Kind != order.KindSealArray || o.Status != order.StatusPaid {
		return order.Order{}, svcerrors.Conflict("only paid seal array orders can be fulfilled").
			WithDetails("status", string(o.Status))
	}
	fulfilled, err := s.fulfill(ctx, o)
	if err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return order.Order{}, svcerrors.Conflict("order is no longer awaiting fulfillment")
		}
		if se := svcerrors.GetServiceError(err); se != nil {
			return order.Order{}, err
		}
		return order.Order{}, svcerrors.Internal("fulfillment failed", err)
	}
	return fulfilled, nil
}

// ===== Customer orders =====

// ListUserOrders returns a customer's orders, newest first.
func (s *Service) ListUserOrders(ctx context.Context, userID string, limit, offset int) ([]order.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	orders, err := s.orders.ListOrders(ctx, storage.OrderFilter{UserID: userID, Page: storage.Page{Limit: limit, Offset: offset}})
	if err != nil {
		return nil, svcerrors.Internal("failed to list orders", err)
	}
	return orders, nil
}

// GetUserOrder returns an order owned by userID. Other users' orders are
// reported as missing.
func (s *Service) GetUserOrder(ctx context.Context, userID, orderID string) (order.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if stderrors.Is(err, storage.ErrNotFound) || (err == nil && o.UserID != userID) {
		return order.Order{}, svcerrors.NotFound("order", orderID)
	}
	if err != nil {
		return order.Order{}, svcerrors.Internal("failed to load order", err)
	}
	return o, nil
}
