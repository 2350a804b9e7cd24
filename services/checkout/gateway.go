package checkout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/anoint-array/platform/internal/domain/order"
)

// SessionRequest describes a payment to collect.
type SessionRequest struct {
	OrderID     string
	Email       string
	Description string
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// Session is a hosted payment page.
type Session struct {
	Ref         string `json:"ref"`
	RedirectURL string `json:"redirect_url"`
}

// EventType classifies a gateway webhook.
type EventType string

const (
	EventPaid     EventType = "paid"
	EventApproved EventType = "approved"
	EventFailed   EventType = "failed"
	EventExpired  EventType = "expired"
	EventIgnored  EventType = "ignored"
)

// WebhookEvent is a verified, normalized gateway notification.
type WebhookEvent struct {
	Type        EventType
	Raw         string
	OrderID     string
	GatewayRef  string
	AmountCents int64
}

// Gateway is a payment provider.
type Gateway interface {
	Name() order.Gateway
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	// ParseWebhook verifies the payload's authenticity and normalizes it.
	ParseWebhook(payload []byte, headers http.Header) (WebhookEvent, error)
}

// Capturer is implemented by gateways that need an explicit capture after
// the buyer approves the payment.
type Capturer interface {
	Capture(ctx context.Context, ref string) error
}

// ErrSignature is returned when a webhook fails verification.
type ErrSignature struct {
	Gateway order.Gateway
	Reason  string
}

func (e *ErrSignature) Error() string {
	return fmt.Sprintf("%s webhook rejected: %s", e.Gateway, e.Reason)
}

// formatAmount renders cents as a decimal string, e.g. 1700 -> "17.00".
func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// parseAmount is the inverse of formatAmount. It returns -1 for malformed
// input.
func parseAmount(s string) int64 {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" || len(frac) > 2 {
		return -1
	}
	for len(frac) < 2 {
		frac += "0"
	}
	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return -1
		}
		cents = cents*10 + int64(r-'0')
	}
	return cents
}

func hmacHex(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHexMAC compares a hex HMAC-SHA256 signature in constant time.
func verifyHexMAC(secret, payload []byte, signature string) bool {
	want := hmacHex(secret, payload)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
