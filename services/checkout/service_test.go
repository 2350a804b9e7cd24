package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/memory"
	"github.com/anoint-array/platform/services/downloads"
	"github.com/anoint-array/platform/services/marketing"
	"github.com/anoint-array/platform/services/sealarray"
)

const stripeSecret = "whsec_test"

type fakeGateway struct {
	name    order.Gateway
	fail    error
	created int
}

func (g *fakeGateway) Name() order.Gateway { return g.name }

func (g *fakeGateway) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	if g.fail != nil {
		return Session{}, g.fail
	}
	g.created++
	return Session{Ref: "ref-" + req.OrderID, RedirectURL: "https://pay.example.com/" + req.OrderID}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, _ http.Header) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, &ErrSignature{Gateway: g.name, Reason: "bad payload"}
	}
	return ev, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []marketing.Message
}

func (n *recordingNotifier) Enqueue(msg marketing.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return true
}

func (n *recordingNotifier) messages() []marketing.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]marketing.Message(nil), n.msgs...)
}

type flakyArtist struct {
	inner *sealarray.Service
	fail  atomic.Bool
}

func (a *flakyArtist) Generate(ctx context.Context, orderID, name, birthDate string, size int) (*sealarray.Artifact, error) {
	if a.fail.Load() {
		return nil, errors.New("renderer unavailable")
	}
	return a.inner.Generate(ctx, orderID, name, birthDate, size)
}

// gatedArtist holds every Generate call until it is released.
type gatedArtist struct {
	inner   Artist
	entered chan string
	release chan struct{}
}

func (a *gatedArtist) Generate(ctx context.Context, orderID, name, birthDate string, size int) (*sealarray.Artifact, error) {
	a.entered <- orderID
	<-a.release
	return a.inner.Generate(ctx, orderID, name, birthDate, size)
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	objects  *memory.Objects
	notifier *recordingNotifier
	artist   *flakyArtist
	fake     *fakeGateway
}

func newFixture(t *testing.T, extra ...Gateway) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		objects:  memory.NewObjects(),
		notifier: &recordingNotifier{},
		fake:     &fakeGateway{name: order.GatewayCrypto},
	}
	f.artist = &flakyArtist{inner: sealarray.New(f.objects, logging.NewDiscard())}

	grants, err := downloads.New(downloads.Config{
		Settings: config.DownloadsConfig{SigningSecret: "secret"},
		Bundle:   config.DefaultCatalog().Bundle,
		BaseURL:  "https://shop.example.com",
		Grants:   f.store,
		Objects:  f.objects,
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)

	catalog := config.DefaultCatalog()
	for i := range catalog.Tiers {
		catalog.Tiers[i].ImageSize = 256
	}

	gateways := append([]Gateway{f.fake}, extra...)
	svc, err := New(Config{
		Orders:   f.store,
		Catalog:  catalog,
		Gateways: gateways,
		Artist:   f.artist,
		Issuer:   grants,
		Notifier: f.notifier,
		BaseURL:  "https://shop.example.com/",
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) start(t *testing.T, gw order.Gateway) *StartResult {
	t.Helper()
	res, err := f.svc.StartSealArrayCheckout(context.Background(), StartRequest{
		UserID:    "user-1",
		Email:     "buyer@example.com",
		Tier:      "basic",
		Gateway:   gw,
		Name:      "Ada Lovelace",
		BirthDate: "1990-07-15",
	})
	require.NoError(t, err)
	return res
}

func fakeEvent(t *testing.T, ev WebhookEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func stripeHeaders(payload []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := hmacHex([]byte(stripeSecret), []byte(ts+"."+string(payload)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, sig))
	return h
}

func stripeSessionEvent(eventType, orderID, sessionID, paymentStatus string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": %q,
		"data": {"object": {
			"id": %q,
			"object": "checkout.session",
			"client_reference_id": %q,
			"payment_status": %q,
			"amount_total": %d,
			"metadata": {"order_id": %q}
		}}
	}`, eventType, sessionID, orderID, paymentStatus, amount, orderID))
}

func TestStartCreatesPendingOrder(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, order.GatewayCrypto)

	assert.Equal(t, "https://pay.example.com/"+res.OrderID, res.RedirectURL)
	o, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.KindSealArray, o.Kind)
	assert.Equal(t, int64(1700), o.AmountCents)
	assert.Equal(t, "ref-"+o.ID, o.GatewayRef)
	assert.Equal(t, "Ada Lovelace", o.CustomerName)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := StartRequest{UserID: "u", Email: "a@b.co", Tier: "basic", Gateway: order.GatewayCrypto, Name: "Ada", BirthDate: "1990-07-15"}

	cases := map[string]func(r *StartRequest){
		"no user":         func(r *StartRequest) { r.UserID = "" },
		"unknown tier":    func(r *StartRequest) { r.Tier = "platinum" },
		"unknown gateway": func(r *StartRequest) { r.Gateway = order.GatewayPayPal },
		"bad birth date":  func(r *StartRequest) { r.BirthDate = "15/07/1990" },
		"empty name":      func(r *StartRequest) { r.Name = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := f.svc.StartSealArrayCheckout(ctx, req)
			require.Error(t, err)
			assert.Less(t, svcerrors.HTTPStatus(err), 500)
		})
	}

	orders, err := f.store.ListOrders(ctx, storage.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStartMarksOrderFailedWhenSessionFails(t *testing.T) {
	f := newFixture(t)
	f.fake.fail = svcerrors.Upstream("crypto", true, errors.New("timeout"))

	_, err := f.svc.StartSealArrayCheckout(context.Background(), StartRequest{
		UserID: "u", Tier: "basic", Gateway: order.GatewayCrypto, Name: "Ada", BirthDate: "1990-07-15",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, svcerrors.HTTPStatus(err))

	orders, err := f.store.ListOrders(context.Background(), storage.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusFailed, orders[0].Status)
}

func TestStripeWebhookFulfillsOnce(t *testing.T) {
	stripeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","client_reference_id":%q}`,
			r.PostForm.Get("client_reference_id"))
	}))
	defer stripeAPI.Close()

	f := newFixture(t, NewStripe(config.StripeConfig{SecretKey: "sk_test_x", WebhookSecret: stripeSecret}, stripeAPI.URL))
	ctx := context.Background()
	res := f.start(t, order.GatewayStripe)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", res.RedirectURL)

	payload := stripeSessionEvent("checkout.session.completed", res.OrderID, "cs_test_1", "paid", 1700)
	out, err := f.svc.HandleWebhook(ctx, order.GatewayStripe, payload, stripeHeaders(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionFulfilled, out.Action)

	o, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfilled, o.Status)
	assert.Equal(t, sealarray.ArtifactPath(o.ID), o.ArtifactPath)
	_, err = f.objects.Get(ctx, storage.BucketSealArrays, o.ArtifactPath)
	require.NoError(t, err)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "buyer@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].Text, "https://shop.example.com/api/downloads/")

	// Gateways retry deliveries; the replay must not issue a second grant.
	again, err := f.svc.HandleWebhook(ctx, order.GatewayStripe, payload, stripeHeaders(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, again.Action)

	grants, err := f.store.ListGrants(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Len(t, f.notifier.messages(), 1)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, NewStripe(config.StripeConfig{SecretKey: "sk", WebhookSecret: stripeSecret}, "http://127.0.0.1:1"))
	payload := stripeSessionEvent("checkout.session.completed", "o1", "cs_1", "paid", 1700)
	headers := stripeHeaders(payload)

	_, err := f.svc.HandleWebhook(context.Background(), order.GatewayStripe, append(payload, ' '), headers)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, svcerrors.HTTPStatus(err))
}

func TestStripeUnpaidCompletionIsIgnored(t *testing.T) {
	gw := NewStripe(config.StripeConfig{WebhookSecret: stripeSecret}, "")
	payload := stripeSessionEvent("checkout.session.completed", "o1", "cs_1", "unpaid", 1700)
	ev, err := gw.ParseWebhook(payload, stripeHeaders(payload))
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Type)

	payload = stripeSessionEvent("checkout.session.expired", "o1", "cs_1", "unpaid", 1700)
	ev, err = gw.ParseWebhook(payload, stripeHeaders(payload))
	require.NoError(t, err)
	assert.Equal(t, EventExpired, ev.Type)
	assert.Equal(t, "o1", ev.OrderID)
}

func TestWebhookUnknownGateway(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.HandleWebhook(context.Background(), order.GatewayPayPal, []byte(`{}`), http.Header{})
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))
}

func TestWebhookAmountMismatchLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, order.GatewayCrypto)

	out, err := f.svc.HandleWebhook(context.Background(), order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventPaid, OrderID: res.OrderID, AmountCents: 100}), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionMismatched, out.Action)

	o, _ := f.store.GetOrder(context.Background(), res.OrderID)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestWebhookLooksUpByGatewayRef(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, order.GatewayCrypto)

	out, err := f.svc.HandleWebhook(context.Background(), order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventExpired, GatewayRef: "ref-" + res.OrderID}), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionCancelled, out.Action)

	o, _ := f.store.GetOrder(context.Background(), res.OrderID)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

func TestWebhookUnknownOrderIsIgnored(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.HandleWebhook(context.Background(), order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventPaid, OrderID: "missing"}), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, out.Action)
}

func TestFailedFulfillmentCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, order.GatewayCrypto)

	f.artist.fail.Store(true)
	out, err := f.svc.HandleWebhook(ctx, order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventPaid, OrderID: res.OrderID}), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionPaid, out.Action)

	o, _ := f.store.GetOrder(ctx, res.OrderID)
	assert.Equal(t, order.StatusPaid, o.Status)

	_, err = f.svc.RetryFulfillment(ctx, res.OrderID)
	require.Error(t, err)

	f.artist.fail.Store(false)
	fulfilled, err := f.svc.RetryFulfillment(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfilled, fulfilled.Status)

	_, err = f.svc.RetryFulfillment(ctx, res.OrderID)
	assert.Equal(t, http.StatusConflict, svcerrors.HTTPStatus(err))
}

func TestOverlappingRetriesIssueOneGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, order.GatewayCrypto)

	f.artist.fail.Store(true)
	_, err := f.svc.HandleWebhook(ctx, order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventPaid, OrderID: res.OrderID}), nil)
	require.NoError(t, err)
	f.artist.fail.Store(false)

	gate := &gatedArtist{inner: f.artist, entered: make(chan string, 2), release: make(chan struct{})}
	f.svc.artist = gate

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.svc.RetryFulfillment(ctx, res.OrderID)
			results <- err
		}()
	}
	// Both retries are past the paid check before either renders.
	<-gate.entered
	<-gate.entered

	gate.release <- struct{}{}
	first := <-results
	gate.release <- struct{}{}
	second := <-results

	require.NoError(t, first)
	require.Error(t, second)
	assert.Equal(t, http.StatusConflict, svcerrors.HTTPStatus(second))

	o, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfilled, o.Status)
	assert.Equal(t, sealarray.ArtifactPath(o.ID), o.ArtifactPath)

	grants, err := f.store.ListGrants(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Len(t, f.notifier.messages(), 1)
}

func TestFulfillmentDoesNotUndoRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, order.GatewayCrypto)

	f.artist.fail.Store(true)
	_, err := f.svc.HandleWebhook(ctx, order.GatewayCrypto,
		fakeEvent(t, WebhookEvent{Type: EventPaid, OrderID: res.OrderID}), nil)
	require.NoError(t, err)
	f.artist.fail.Store(false)

	gate := &gatedArtist{inner: f.artist, entered: make(chan string, 1), release: make(chan struct{})}
	f.svc.artist = gate

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RetryFulfillment(ctx, res.OrderID)
		done <- err
	}()
	<-gate.entered
	_, err = f.store.TransitionOrder(ctx, res.OrderID, order.StatusPaid, order.StatusRefunded)
	require.NoError(t, err)
	gate.release <- struct{}{}

	assert.Equal(t, http.StatusConflict, svcerrors.HTTPStatus(<-done))
	o, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, o.Status)
	grants, err := f.store.ListGrants(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestPayPalApprovalCapturesAndCompletionFulfills(t *testing.T) {
	var captured atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/oauth2/token":
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "client", user)
			assert.Equal(t, "secret", pass)
			io.WriteString(w, `{"access_token":"tok","expires_in":3600}`)
		case "/v2/checkout/orders":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))
			io.WriteString(w, `{"id":"PP-1","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.example.com/approve/PP-1"}]}`)
		case "/v2/checkout/orders/PP-1/capture":
			captured.Add(1)
			io.WriteString(w, `{"id":"PP-1","status":"COMPLETED"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	pp := NewPayPal(config.PayPalConfig{ClientID: "client", ClientSecret: "secret", BaseURL: api.URL, WebhookSecret: "hook"})
	f := newFixture(t, pp)
	ctx := context.Background()
	res := f.start(t, order.GatewayPayPal)
	assert.Equal(t, "https://paypal.example.com/approve/PP-1", res.RedirectURL)

	headers := http.Header{}
	headers.Set(PayPalWebhookHeader, "hook")

	approved := []byte(fmt.Sprintf(`{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"PP-1","purchase_units":[{"custom_id":%q}]}}`, res.OrderID))
	out, err := f.svc.HandleWebhook(ctx, order.GatewayPayPal, approved, headers)
	require.NoError(t, err)
	assert.Equal(t, ActionCaptured, out.Action)
	assert.Equal(t, int32(1), captured.Load())

	completed := []byte(fmt.Sprintf(`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":%q,"amount":{"value":"17.00","currency_code":"USD"},"supplementary_data":{"related_ids":{"order_id":"PP-1"}}}}`, res.OrderID))
	out, err = f.svc.HandleWebhook(ctx, order.GatewayPayPal, completed, headers)
	require.NoError(t, err)
	assert.Equal(t, ActionFulfilled, out.Action)

	headers.Set(PayPalWebhookHeader, "wrong")
	_, err = f.svc.HandleWebhook(ctx, order.GatewayPayPal, completed, headers)
	assert.Equal(t, http.StatusUnauthorized, svcerrors.HTTPStatus(err))
}

func TestCryptoGateway(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-CC-Api-Key"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "17.00", body["local_price"].(map[string]interface{})["amount"])
		io.WriteString(w, `{"data":{"code":"CHG1","hosted_url":"https://commerce.example.com/charges/CHG1"}}`)
	}))
	defer api.Close()

	gw := NewCrypto(config.CryptoConfig{APIKey: "key", BaseURL: api.URL, WebhookSecret: "shh"})
	sess, err := gw.CreateSession(context.Background(), SessionRequest{OrderID: "o1", AmountCents: 1700, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, Session{Ref: "CHG1", RedirectURL: "https://commerce.example.com/charges/CHG1"}, sess)

	payload := []byte(`{"event":{"type":"charge:confirmed","data":{"code":"CHG1","metadata":{"order_id":"o1"},"pricing":{"local":{"amount":"17.00","currency":"USD"}}}}}`)
	headers := http.Header{}
	headers.Set(CryptoSignatureHeader, hmacHex([]byte("shh"), payload))
	ev, err := gw.ParseWebhook(payload, headers)
	require.NoError(t, err)
	assert.Equal(t, WebhookEvent{Type: EventPaid, Raw: "charge:confirmed", OrderID: "o1", GatewayRef: "CHG1", AmountCents: 1700}, ev)

	headers.Set(CryptoSignatureHeader, "00")
	_, err = gw.ParseWebhook(payload, headers)
	var sigErr *ErrSignature
	assert.ErrorAs(t, err, &sigErr)
}

func TestUserOrdersAreScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, order.GatewayCrypto)

	o, err := f.svc.GetUserOrder(ctx, "user-1", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, o.ID)

	_, err = f.svc.GetUserOrder(ctx, "user-2", res.OrderID)
	assert.Equal(t, http.StatusNotFound, svcerrors.HTTPStatus(err))

	mine, err := f.svc.ListUserOrders(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := f.svc.ListUserOrders(ctx, "user-2", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestAmounts(t *testing.T) {
	assert.Equal(t, "17.00", formatAmount(1700))
	assert.Equal(t, "0.05", formatAmount(5))
	assert.Equal(t, int64(1700), parseAmount("17.00"))
	assert.Equal(t, int64(1750), parseAmount("17.5"))
	assert.Equal(t, int64(1700), parseAmount("17"))
	assert.Equal(t, int64(-1), parseAmount("17.005"))
	assert.Equal(t, int64(-1), parseAmount("abc"))
	assert.Equal(t, int64(-1), parseAmount(""))
}
