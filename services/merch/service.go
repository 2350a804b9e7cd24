// Package merch sells physical merchandise through a FourthWall storefront.
package merch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
)

const (
	ServiceID = "merch"

	// SignatureHeader carries the base64 HMAC-SHA256 of a webhook body.
	SignatureHeader = "X-Fourthwall-Hmac-SHA256"

	MaxQuantity = 10
	maxLines    = 20
)

// Config wires the service.
type Config struct {
	FourthWall config.FourthWallConfig
	Catalog    *config.Catalog
	Orders     storage.OrderStore
	// HTTPClient overrides the outbound client in tests.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Service creates FourthWall carts and tracks merch orders.
type Service struct {
	api           *httputil.Client
	storefront    string
	webhookSecret string
	catalog       *config.Catalog
	orders        storage.OrderStore
	metrics       *metrics.Metrics
	logger        *logging.Logger
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if cfg.Orders == nil {
		return nil, fmt.Errorf("merch: order store is required")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		api: httputil.NewClient(httputil.ClientConfig{
			Service:    "fourthwall",
			BaseURL:    cfg.FourthWall.BaseURL,
			Auth:       httputil.BearerAuth(cfg.FourthWall.APIKey),
			HTTPClient: cfg.HTTPClient,
		}),
		storefront:    strings.TrimSuffix(cfg.FourthWall.StorefrontURL, "/"),
		webhookSecret: cfg.FourthWall.WebhookSecret,
		catalog:       catalog,
		orders:        cfg.Orders,
		metrics:       cfg.Metrics,
		logger:        logger,
	}, nil
}

// Catalog lists the merch SKUs.
func (s *Service) Catalog() []config.MerchItem {
	return append([]config.MerchItem(nil), s.catalog.Merch...)
}

// CartItem is one requested line.
type CartItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"qty"`
}

// CheckoutResult tells the client where to pay.
type CheckoutResult struct {
	OrderID     string `json:"order_id"`
	CheckoutURL string `json:"checkout_url"`
}

func (s *Service) lines(items []CartItem) (order.LineItems, int64, string, error) {
	if len(items) == 0 {
		return nil, 0, "", svcerrors.InvalidInput("cart is empty")
	}
	if len(items) > maxLines {
		return nil, 0, "", svcerrors.InvalidInput("too many cart lines")
	}
	var (
		lines    order.LineItems
		total    int64
		currency string
		seen     = make(map[string]bool, len(items))
	)
	for _, it := range items {
		item, ok := s.catalog.Item(it.SKU)
		if !ok {
			return nil, 0, "", svcerrors.InvalidInput("unknown sku").WithDetails("sku", it.SKU)
		}
		if it.Quantity < 1 || it.Quantity > MaxQuantity {
			return nil, 0, "", svcerrors.InvalidInput(fmt.Sprintf("quantity must be between 1 and %d", MaxQuantity)).
				WithDetails("sku", it.SKU)
		}
		if seen[it.SKU] {
			return nil, 0, "", svcerrors.InvalidInput("duplicate sku").WithDetails("sku", it.SKU)
		}
		seen[it.SKU] = true
		if currency == "" {
			currency = item.Currency
		} else if !strings.EqualFold(currency, item.Currency) {
			return nil, 0, "", svcerrors.InvalidInput("cart mixes currencies")
		}
		lines = append(lines, order.LineItem{SKU: item.SKU, Name: item.Name, Quantity: it.Quantity, PriceCents: item.PriceCents})
		total += item.PriceCents * int64(it.Quantity)
	}
	return lines, total, currency, nil
}

// Checkout creates a FourthWall cart for the items and records a pending
// merch order keyed by the cart ID.
func (s *Service) Checkout(ctx context.Context, userID, email string, items []CartItem) (*CheckoutResult, error) {
	if userID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	lines, total, currency, err := s.lines(items)
	if err != nil {
		return nil, err
	}

	cartItems := make([]map[string]interface{}, 0, len(lines))
	for _, l := range lines {
		item, _ := s.catalog.Item(l.SKU)
		cartItems = append(cartItems, map[string]interface{}{"variantId": item.VariantID, "quantity": l.Quantity})
	}
	var raw []byte
	if err := s.api.Post(ctx, "/carts", map[string]interface{}{"items": cartItems}, &raw); err != nil {
		return nil, err
	}
	cartID := gjson.GetBytes(raw, "id").String()
	if cartID == "" {
		return nil, svcerrors.Upstream("fourthwall", false, fmt.Errorf("cart response without id"))
	}

	o, err := s.orders.CreateOrder(ctx, order.Order{
		UserID:      userID,
		Email:       email,
		Kind:        order.KindMerch,
		Items:       lines,
		AmountCents: total,
		Currency:    currency,
		Gateway:     order.GatewayFourthWall,
		GatewayRef:  cartID,
		Status:      order.StatusPending,
	})
	if err != nil {
		return nil, svcerrors.Internal("failed to create order", err)
	}
	s.metrics.RecordOrder(string(order.GatewayFourthWall), string(order.StatusPending))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": o.ID,
		"cart_id":  cartID,
		"lines":    len(lines),
	}).Info("merch checkout started")

	q := url.Values{"cartId": {cartID}, "cartCurrency": {strings.ToUpper(currency)}}
	return &CheckoutResult{OrderID: o.ID, CheckoutURL: s.storefront + "/checkout/?" + q.Encode()}, nil
}

// ===== Webhooks =====

// verify checks the base64 HMAC-SHA256 signature of payload.
func (s *Service) verify(payload []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(payload)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature)))
}

// HandleWebhook marks the merch order for a placed FourthWall order paid.
// It returns the affected order ID, or "" when the event was ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) (string, error) {
	if !s.verify(payload, headers.Get(SignatureHeader)) {
		s.logger.LogSecurityEvent(ctx, "webhook_rejected", map[string]interface{}{"gateway": order.GatewayFourthWall})
		return "", svcerrors.Unauthorized("invalid webhook signature")
	}
	doc := gjson.ParseBytes(payload)
	if doc.Get("type").String() != "ORDER_PLACED" {
		return "", nil
	}
	data := doc.Get("data")
	cartID := data.Get("cartId").String()
	if cartID == "" {
		return "", svcerrors.InvalidInput("ORDER_PLACED without cartId")
	}

	o, err := s.orders.GetOrderByGatewayRef(ctx, order.GatewayFourthWall, cartID)
	if stderrors.Is(err, storage.ErrNotFound) {
		s.logger.WithContext(ctx).WithField("cart_id", cartID).Warn("fourthwall order for unknown cart")
		return "", nil
	}
	if err != nil {
		return "", svcerrors.Internal("failed to load order", err)
	}

	if _, err := s.orders.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return o.ID, nil
		}
		return "", svcerrors.Internal("failed to mark order paid", err)
	}
	s.metrics.RecordOrder(string(order.GatewayFourthWall), string(order.StatusPaid))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":      o.ID,
		"fourthwall_id": data.Get("id").String(),
	}).Info("merch order paid")
	return o.ID, nil
}

// ===== Shipping labels =====

// LabelRequest describes a shipment.
type LabelRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	LabelURL       string `json:"label_url"`
	Address        string `json:"address"`
}

// CreateLabel records a shipment for a paid merch order and marks the
// order fulfilled. Further labels may be added to a fulfilled order.
func (s *Service) CreateLabel(ctx context.Context, orderID string, req LabelRequest) (order.ShippingLabel, error) {
	req.Carrier = strings.TrimSpace(req.Carrier)
	req.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
	req.Address = strings.TrimSpace(req.Address)
	if req.Carrier == "" || req.TrackingNumber == "" || req.Address == "" {
		return order.ShippingLabel{}, svcerrors.InvalidInput("carrier, tracking_number and address are required")
	}
	if req.LabelURL != "" {
		if u, err := url.Parse(req.LabelURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") {
			return order.ShippingLabel{}, svcerrors.InvalidFormat("label_url", "http(s) URL")
		}
	}

	o, err := s.orders.GetOrder(ctx, orderID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return order.ShippingLabel{}, svcerrors.NotFound("order", orderID)
	}
	if err != nil {
		return order.ShippingLabel{}, svcerrors.Internal("failed to load order", err)
	}
	if o.Kind != order.KindMerch {
		return order.ShippingLabel{}, svcerrors.Conflict("labels apply to merch orders only")
	}
	if o.Status != order.StatusPaid && o.Status != order.StatusFulfilled {
		return order.ShippingLabel{}, svcerrors.Conflict("order is not paid").WithDetails("status", string(o.Status))
	}

	label, err := s.orders.CreateLabel(ctx, order.ShippingLabel{
		OrderID:        o.ID,
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		LabelURL:       req.LabelURL,
		Address:        req.Address,
	})
	if err != nil {
		return order.ShippingLabel{}, svcerrors.Internal("failed to create label", err)
	}

	if o.Status == order.StatusPaid {
		_, err := s.orders.TransitionOrder(ctx, o.ID, order.StatusPaid, order.StatusFulfilled)
		if err != nil && !stderrors.Is(err, storage.ErrConflict) {
			return label, svcerrors.Internal("failed to mark order fulfilled", err)
		}
		if err == nil {
			s.metrics.RecordOrder(string(o.Gateway), string(order.StatusFulfilled))
		}
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": o.ID,
		"carrier":  label.Carrier,
	}).Info("shipping label created")
	return label, nil
}

// ListLabels returns the labels of an order.
func (s *Service) ListLabels(ctx context.Context, orderID string) ([]order.ShippingLabel, error) {
	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, svcerrors.NotFound("order", orderID)
		}
		return nil, svcerrors.Internal("failed to load order", err)
	}
	labels, err := s.orders.ListLabels(ctx, orderID)
	if err != nil {
		return nil, svcerrors.Internal("failed to list labels", err)
	}
	return labels, nil
}
