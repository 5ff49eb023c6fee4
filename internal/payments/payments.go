// Package payments creates provider-hosted checkout sessions for the three
// purchase kinds the club sells.
package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"puglia-club-api/internal/webhook"
)

// Session is the subset of the provider's session object the SPA needs to
// redirect the buyer.
type Session struct {
	ID  string
	URL string
}

// SessionRequest describes a checkout session to create. Metadata carries the
// fulfillment tag the webhook later dispatches on.
type SessionRequest struct {
	Kind        webhook.Kind
	Reference   string // client_reference_id: user or partner ID
	Description string
	AmountCents int64
	Metadata    map[string]string
}

// CheckoutClient is implemented by the real Stripe client and by test fakes.
type CheckoutClient interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// StripeClient creates checkout sessions against the Stripe API.
type StripeClient struct {
	api        *client.API
	successURL string
	cancelURL  string
}

// NewStripeClient builds a client from the operator's secret API key.
func NewStripeClient(apiKey, successURL, cancelURL string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)

	return &StripeClient{
		api:        api,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// CreateSession creates a one-off payment session with the fulfillment
// metadata embedded, so the completed-checkout webhook can route it.
func (c *StripeClient) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(req.Reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyEUR)),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}

	params.AddMetadata("type", string(req.Kind))
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return Session{ID: sess.ID, URL: sess.URL}, nil
}
