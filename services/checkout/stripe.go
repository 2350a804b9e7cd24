package checkout

import (
	"context"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	stripeclient "github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/tidwall/gjson"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
)

// StripeGateway creates Checkout Sessions and verifies Stripe webhooks.
type StripeGateway struct {
	api           *stripeclient.API
	webhookSecret string
}

// NewStripe creates the gateway. backendURL overrides the API host and is
// empty outside tests.
func NewStripe(cfg config.StripeConfig, backendURL string) *StripeGateway {
	var backends *stripe.Backends
	if backendURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(backendURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	return &StripeGateway{
		api:           stripeclient.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *StripeGateway) Name() order.Gateway { return order.GatewayStripe }

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		transient := true
		if se, ok := err.(*stripe.Error); ok {
			transient = svcerrors.TransientStatus(se.HTTPStatusCode)
		}
		return Session{}, svcerrors.Upstream("stripe", transient, err)
	}
	return Session{Ref: sess.ID, RedirectURL: sess.URL}, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	if g.webhookSecret == "" {
		return WebhookEvent{}, &ErrSignature{Gateway: order.GatewayStripe, Reason: "webhook secret not configured"}
	}
	event, err := webhook.ConstructEventWithOptions(payload, headers.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, &ErrSignature{Gateway: order.GatewayStripe, Reason: err.Error()}
	}

	obj := gjson.ParseBytes(event.Data.Raw)
	ev := WebhookEvent{
		Type:        EventIgnored,
		Raw:         string(event.Type),
		OrderID:     obj.Get("client_reference_id").String(),
		GatewayRef:  obj.Get("id").String(),
		AmountCents: obj.Get("amount_total").Int(),
	}
	if ev.OrderID == "" {
		ev.OrderID = obj.Get("metadata.order_id").String()
	}

	switch event.Type {
	case "checkout.session.completed":
		if obj.Get("payment_status").String() == "paid" {
			ev.Type = EventPaid
		}
	case "checkout.session.async_payment_succeeded":
		ev.Type = EventPaid
	case "checkout.session.async_payment_failed":
		ev.Type = EventFailed
	case "checkout.session.expired":
		ev.Type = EventExpired
	}
	return ev, nil
}
