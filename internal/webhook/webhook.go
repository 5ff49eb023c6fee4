// Package webhook verifies Stripe webhook deliveries and parses the
// fulfillment intent embedded in checkout-session metadata.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v74"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
)

// EventCheckoutCompleted is the only event type that triggers fulfillment.
const EventCheckoutCompleted = "checkout.session.completed"

// Kind identifies one of the three fulfillment routines. The metadata values
// are the ones the storefront embeds when creating the checkout session.
type Kind string

const (
	KindBoost   Kind = "boost"
	KindTokens  Kind = "gettoni"
	KindProduct Kind = "product"
)

// ErrMalformedEvent marks an event with a recognized fulfillment tag whose
// payload is unusable. Retrying a malformed event cannot fix it, so callers
// acknowledge it instead of surfacing a retryable failure.
var ErrMalformedEvent = errors.New("malformed fulfillment event")

// Verifier checks webhook signatures against the operator-configured secret.
type Verifier struct {
	secret string
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// VerifyAndParse verifies the Stripe-Signature header against the raw body
// and returns the attested event. No fulfillment logic may run on an event
// that did not pass through here.
func (v *Verifier) VerifyAndParse(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("signature verification failed: %w", err)
	}

	return event, nil
}

// Fulfillment is the closed union of the three purchase kinds. A value is
// produced once, at the dispatch boundary, after the event is verified.
type Fulfillment interface {
	Kind() Kind
	EventID() string
}

// BoostPurchase activates a temporary score multiplier for a user.
type BoostPurchase struct {
	ID            string
	UserID        string
	Multiplier    float64
	DurationHours int
	AmountCents   int64
}

func (BoostPurchase) Kind() Kind        { return KindBoost }
func (p BoostPurchase) EventID() string { return p.ID }

// TokenPurchase credits a partner's token balance.
type TokenPurchase struct {
	ID          string
	PartnerID   string
	Quantity    int64
	AmountCents int64
}

func (TokenPurchase) Kind() Kind        { return KindTokens }
func (p TokenPurchase) EventID() string { return p.ID }

// ProductPurchase creates a paid order for a physical marketplace item.
type ProductPurchase struct {
	ID              string
	UserID          string
	ItemID          string
	AmountCents     int64
	PaymentIntentID string
}

func (ProductPurchase) Kind() Kind        { return KindProduct }
func (p ProductPurchase) EventID() string { return p.ID }

// ParseFulfillment inspects a verified event and returns the fulfillment it
// requests. Events of an irrelevant type, or checkout sessions without a
// recognized metadata tag, return (nil, nil): they are acknowledged without
// side effects. A recognized tag with unusable fields returns
// ErrMalformedEvent.
func ParseFulfillment(event stripe.Event) (Fulfillment, error) {
	if event.Type != EventCheckoutCompleted {
		return nil, nil
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data object", ErrMalformedEvent)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch Kind(session.Metadata["type"]) {
	case KindBoost:
		return parseBoost(event.ID, session)
	case KindTokens:
		return parseTokens(event.ID, session)
	case KindProduct:
		return parseProduct(event.ID, session)
	default:
		return nil, nil
	}
}

func parseBoost(eventID string, session stripe.CheckoutSession) (Fulfillment, error) {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: boost event without user reference", ErrMalformedEvent)
	}

	multiplier, err := strconv.ParseFloat(session.Metadata["multiplier"], 64)
	if err != nil || multiplier <= 1 {
		return nil, fmt.Errorf("%w: invalid multiplier %q", ErrMalformedEvent, session.Metadata["multiplier"])
	}

	hours, err := strconv.Atoi(session.Metadata["duration_hours"])
	if err != nil || hours <= 0 {
		return nil, fmt.Errorf("%w: invalid duration_hours %q", ErrMalformedEvent, session.Metadata["duration_hours"])
	}

	return BoostPurchase{
		ID:            eventID,
		UserID:        userID,
		Multiplier:    multiplier,
		DurationHours: hours,
		AmountCents:   session.AmountTotal,
	}, nil
}

func parseTokens(eventID string, session stripe.CheckoutSession) (Fulfillment, error) {
	partnerID := session.ClientReferenceID
	if partnerID == "" {
		partnerID = session.Metadata["partner_id"]
	}
	if partnerID == "" {
		return nil, fmt.Errorf("%w: gettoni event without partner reference", ErrMalformedEvent)
	}

	quantity, err := strconv.ParseInt(session.Metadata["quantity"], 10, 64)
	if err != nil || quantity <= 0 {
		return nil, fmt.Errorf("%w: invalid quantity %q", ErrMalformedEvent, session.Metadata["quantity"])
	}

	return TokenPurchase{
		ID:          eventID,
		PartnerID:   partnerID,
		Quantity:    quantity,
		AmountCents: session.AmountTotal,
	}, nil
}

func parseProduct(eventID string, session stripe.CheckoutSession) (Fulfillment, error) {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: product event without user reference", ErrMalformedEvent)
	}

	itemID := session.Metadata["product_id"]
	if itemID == "" {
		return nil, fmt.Errorf("%w: product event without product_id", ErrMalformedEvent)
	}

	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("%w: product event without payment intent", ErrMalformedEvent)
	}

	return ProductPurchase{
		ID:              eventID,
		UserID:          userID,
		ItemID:          itemID,
		AmountCents:     session.AmountTotal,
		PaymentIntentID: session.PaymentIntent.ID,
	}, nil
}
