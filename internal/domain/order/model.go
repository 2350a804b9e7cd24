package order

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes seal array purchases from merchandise.
type Kind string

const (
	KindSealArray Kind = "seal_array"
	KindMerch     Kind = "merch"
)

// Gateway names the payment or fulfillment provider that owns an order.
type Gateway string

const (
	GatewayStripe     Gateway = "stripe"
	GatewayPayPal     Gateway = "paypal"
	GatewayCrypto     Gateway = "crypto"
	GatewayFourthWall Gateway = "fourthwall"
)

// Valid reports whether g is a known gateway.
func (g Gateway) Valid() bool {
	switch g {
	case GatewayStripe, GatewayPayPal, GatewayCrypto, GatewayFourthWall:
		return true
	}
	return false
}

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusPaid, StatusFulfilled, StatusCancelled, StatusRefunded, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Final reports whether no further transition is allowed out of s.
func (s Status) Final() bool {
	switch s {
	case StatusFulfilled, StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusFulfilled, StatusRefunded},
}

// CanTransition reports whether an order may move from one status to
// another. Any non-final status may move to failed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return !from.Final()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// LineItem is one merchandise line.
type LineItem struct {
	SKU        string `json:"sku"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// LineItems is stored as a JSON column.
type LineItems []LineItem

// Value implements driver.Valuer.
func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *LineItems) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported line items type %T", src)
	}
}

// Order is a purchase of a seal array or merchandise.
type Order struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Email        string    `json:"email" db:"email"`
	Kind         Kind      `json:"kind" db:"kind"`
	Tier         string    `json:"tier,omitempty" db:"tier"`
	Items        LineItems `json:"items,omitempty" db:"items"`
	AmountCents  int64     `json:"amount_cents" db:"amount_cents"`
	Currency     string    `json:"currency" db:"currency"`
	Gateway      Gateway   `json:"gateway" db:"gateway"`
	GatewayRef   string    `json:"gateway_ref,omitempty" db:"gateway_ref"`
	Status       Status    `json:"status" db:"status"`
	CustomerName string    `json:"customer_name,omitempty" db:"customer_name"`
	BirthDate    string    `json:"birth_date,omitempty" db:"birth_date"`
	ArtifactPath string    `json:"artifact_path,omitempty" db:"artifact_path"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Transition moves the order to status to, enforcing the lifecycle table.
func (o *Order) Transition(to Status) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// IsPaid reports whether payment has been captured, whatever happened after.
func (o *Order) IsPaid() bool {
	return o.Status == StatusPaid || o.Status == StatusFulfilled || o.Status == StatusRefunded
}

// ShippingLabel records a merchandise shipment.
type ShippingLabel struct {
	ID             string    `json:"id" db:"id"`
	OrderID        string    `json:"order_id" db:"order_id"`
	Carrier        string    `json:"carrier" db:"carrier"`
	TrackingNumber string    `json:"tracking_number" db:"tracking_number"`
	LabelURL       string    `json:"label_url,omitempty" db:"label_url"`
	Address        string    `json:"address" db:"address"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
