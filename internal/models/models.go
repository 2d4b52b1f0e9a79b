package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of delivery dates
const DateLayout = "2006-01-02"

// Slot bounds: one hourly delivery period per hour of the day
const (
	MinSlot = 1
	MaxSlot = 24
)

// Side is the direction of an order, stored upper-case
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("must be BUY or SELL, got %q", s)}
}

// ValidSlot reports whether slot is one of the 24 hourly periods
func ValidSlot(slot int) bool {
	return slot >= MinSlot && slot <= MaxSlot
}

// ValidationError is returned when an order or request is malformed
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Order is a single bid or offer for one delivery slot. Orders are never
// mutated once written to the ledger.
type Order struct {
	ID           int64
	KeyID        int64
	SubmittedAt  time.Time
	DeliveryDate time.Time
	Slot         int
	Side         Side
	Volume       float64
	Price        float64
}

// OrderInput is an order as received from a client, before validation
type OrderInput struct {
	DeliveryDate time.Time
	Slot         int
	Side         string
	Volume       float64
	Price        float64
}

// Build validates the input and returns a normalized order owned by keyID.
// The order ID stays zero until the ledger assigns one.
func (in OrderInput) Build(keyID int64, submittedAt time.Time) (Order, error) {
	side, err := ParseSide(in.Side)
	if err != nil {
		return Order{}, err
	}
	if !ValidSlot(in.Slot) {
		return Order{}, &ValidationError{Field: "hour_ID", Reason: fmt.Sprintf("must be between %d and %d, got %d", MinSlot, MaxSlot, in.Slot)}
	}
	if in.DeliveryDate.IsZero() {
		return Order{}, &ValidationError{Field: "applying_date", Reason: "required"}
	}
	if !finite(in.Volume) {
		return Order{}, &ValidationError{Field: "volume", Reason: "must be a finite number"}
	}
	if in.Volume <= 0 {
		return Order{}, &ValidationError{Field: "volume", Reason: "must be positive"}
	}
	if !finite(in.Price) {
		return Order{}, &ValidationError{Field: "price", Reason: "must be a finite number"}
	}

	return Order{
		KeyID:        keyID,
		SubmittedAt:  submittedAt,
		DeliveryDate: Date(in.DeliveryDate),
		Slot:         in.Slot,
		Side:         side,
		Volume:       in.Volume,
		Price:        in.Price,
	}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ReferencePrice is the market index for one (date, slot)
type ReferencePrice struct {
	Date   time.Time
	Slot   int
	Price  float64
	Volume float64
}

// ImbalancePrice is the settlement imbalance price for one (date, slot)
type ImbalancePrice struct {
	Date  time.Time
	Slot  int
	Price float64
}

// PricedOrder is a ledger row joined with the market index of its slot.
// ReferencePrice is nil when no market index is stored for that slot.
type PricedOrder struct {
	Order
	ReferencePrice *float64
}

// OrderStatus is an order decorated with the reference price of its slot.
// Accepted is nil while no reference price is known.
type OrderStatus struct {
	Order
	ReferencePrice *float64
	Accepted       *bool
}

// ClearsAt reports whether the order clears against the reference price:
// sellers at or below it, buyers at or above it.
func (o Order) ClearsAt(referencePrice float64) bool {
	if o.Side == Sell {
		return o.Price <= referencePrice
	}
	return o.Price >= referencePrice
}

// NewOrderStatus decorates an order with its acceptance. A nil reference
// price leaves acceptance unknown.
func NewOrderStatus(o Order, referencePrice *float64) OrderStatus {
	status := OrderStatus{Order: o, ReferencePrice: referencePrice}
	if referencePrice != nil {
		accepted := o.ClearsAt(*referencePrice)
		status.Accepted = &accepted
	}
	return status
}

// Date truncates t to its calendar date at midnight UTC
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}
