package checkout

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
)

// PayPalWebhookHeader carries the shared webhook secret.
const PayPalWebhookHeader = "X-Webhook-Secret"

// PayPalGateway uses the Orders v2 API.
type PayPalGateway struct {
	api           *httputil.Client
	oauth         *httputil.Client
	clientID      string
	clientSecret  string
	webhookSecret string
	now           func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewPayPal creates the gateway.
func NewPayPal(cfg config.PayPalConfig) *PayPalGateway {
	g := &PayPalGateway{
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
	}
	g.oauth = httputil.NewClient(httputil.ClientConfig{Service: "paypal", BaseURL: cfg.BaseURL, Timeout: 15 * time.Second})
	g.api = httputil.NewClient(httputil.ClientConfig{Service: "paypal", BaseURL: cfg.BaseURL, Auth: g.authorize})
	return g
}

func (g *PayPalGateway) Name() order.Gateway { return order.GatewayPayPal }

// accessToken returns a cached client-credentials token, refreshing it a
// minute before expiry.
func (g *PayPalGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && g.now().Before(g.expires) {
		return g.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(g.clientID + ":" + g.clientSecret))
	var raw []byte
	err := g.oauth.DoJSON(ctx, http.MethodPost, "/v1/oauth2/token",
		url.Values{"grant_type": {"client_credentials"}}.Encode(), &raw,
		map[string]string{
			"Authorization": "Basic " + basic,
			"Content-Type":  "application/x-www-form-urlencoded",
		})
	if err != nil {
		return "", err
	}
	res := gjson.ParseBytes(raw)
	token := res.Get("access_token").String()
	if token == "" {
		return "", svcerrors.Upstream("paypal", false, fmt.Errorf("token response without access_token"))
	}
	ttl := time.Duration(res.Get("expires_in").Int()) * time.Second
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	g.token = token
	g.expires = g.now().Add(ttl)
	return token, nil
}

func (g *PayPalGateway) authorize(ctx context.Context, req *http.Request) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (g *PayPalGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": req.OrderID,
			"custom_id":    req.OrderID,
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         formatAmount(req.AmountCents),
			},
		}},
		"application_context": map[string]string{
			"brand_name":  "ANOINT Array",
			"user_action": "PAY_NOW",
			"return_url":  req.SuccessURL,
			"cancel_url":  req.CancelURL,
		},
	}
	var raw []byte
	if err := g.api.DoJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &raw,
		map[string]string{"PayPal-Request-Id": req.OrderID}); err != nil {
		return Session{}, err
	}
	res := gjson.ParseBytes(raw)
	approve := res.Get(`links.#(rel=="approve").href`).String()
	if approve == "" {
		approve = res.Get(`links.#(rel=="payer-action").href`).String()
	}
	if approve == "" {
		return Session{}, svcerrors.Upstream("paypal", false, fmt.Errorf("order %s has no approve link", res.Get("id").String()))
	}
	return Session{Ref: res.Get("id").String(), RedirectURL: approve}, nil
}

// Capture captures an approved order. A repeated capture is not an error.
func (g *PayPalGateway) Capture(ctx context.Context, ref string) error {
	err := g.api.DoJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(ref)+"/capture", map[string]string{}, nil,
		map[string]string{"PayPal-Request-Id": "capture-" + ref})
	if se := svcerrors.GetServiceError(err); se != nil && se.Details["status"] == http.StatusUnprocessableEntity {
		return nil
	}
	return err
}

func (g *PayPalGateway) ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	if g.webhookSecret == "" {
		return WebhookEvent{}, &ErrSignature{Gateway: order.GatewayPayPal, Reason: "webhook secret not configured"}
	}
	got := headers.Get(PayPalWebhookHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(g.webhookSecret)) != 1 {
		return WebhookEvent{}, &ErrSignature{Gateway: order.GatewayPayPal, Reason: "secret mismatch"}
	}
	if !gjson.ValidBytes(payload) {
		return WebhookEvent{}, svcerrors.InvalidInput("webhook body is not JSON")
	}

	doc := gjson.ParseBytes(payload)
	resource := doc.Get("resource")
	ev := WebhookEvent{Type: EventIgnored, Raw: doc.Get("event_type").String()}
	switch ev.Raw {
	case "CHECKOUT.ORDER.APPROVED":
		ev.Type = EventApproved
		ev.GatewayRef = resource.Get("id").String()
		ev.OrderID = resource.Get("purchase_units.0.custom_id").String()
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED":
		ev.Type = EventPaid
		if ev.Raw == "PAYMENT.CAPTURE.DENIED" {
			ev.Type = EventFailed
		}
		ev.GatewayRef = resource.Get("supplementary_data.related_ids.order_id").String()
		ev.OrderID = resource.Get("custom_id").String()
		ev.AmountCents = parseAmount(resource.Get("amount.value").String())
	}
	return ev, nil
}
