package service

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"puglia-club-api/internal/database"
	"puglia-club-api/internal/events"
	"puglia-club-api/internal/features"
	"puglia-club-api/internal/webhook"
)

// Outcome classifies what a verified webhook delivery produced. Everything
// except a retryable store failure is acknowledged to the provider with 200,
// so it never re-sends events that cannot be fixed by retrying.
type Outcome int

const (
	// OutcomeIgnored: irrelevant event type or unrecognized fulfillment tag.
	OutcomeIgnored Outcome = iota
	// OutcomeFulfilled: the fulfillment routine committed its writes.
	OutcomeFulfilled
	// OutcomeDuplicate: the event ID was already claimed by a prior delivery.
	OutcomeDuplicate
	// OutcomeUnfulfillable: malformed payload, unknown actor, or sold-out
	// item. Permanent; acknowledged without side effects.
	OutcomeUnfulfillable
)

// FulfillmentService routes verified payment events to the single fulfillment
// routine their metadata tag names.
type FulfillmentService struct {
	db     *database.DB
	flags  *features.Manager
	events *events.Manager
	logger *zap.Logger
}

// NewFulfillmentService creates a FulfillmentService with its dependencies injected.
func NewFulfillmentService(db *database.DB, flags *features.Manager, eventBus *events.Manager, logger *zap.Logger) *FulfillmentService {
	return &FulfillmentService{
		db:     db,
		flags:  flags,
		events: eventBus,
		logger: logger.Named("fulfillment"),
	}
}

// HandleEvent dispatches one verified event. A non-nil error is always a
// retryable store failure; every permanent condition is folded into the
// returned Outcome.
func (s *FulfillmentService) HandleEvent(ctx context.Context, event stripe.Event) (Outcome, error) {
	fulfillment, err := webhook.ParseFulfillment(event)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedEvent) {
			s.logger.Error("unfulfillable webhook event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			return OutcomeUnfulfillable, nil
		}
		return OutcomeIgnored, err
	}
	if fulfillment == nil {
		s.logger.Debug("webhook event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return OutcomeIgnored, nil
	}

	now := time.Now().UTC()

	switch f := fulfillment.(type) {
	case webhook.BoostPurchase:
		return s.activateBoost(ctx, f, now)
	case webhook.TokenPurchase:
		return s.creditTokens(ctx, f, now)
	case webhook.ProductPurchase:
		return s.createOrder(ctx, f, now)
	default:
		return OutcomeIgnored, nil
	}
}

func (s *FulfillmentService) activateBoost(ctx context.Context, f webhook.BoostPurchase, now time.Time) (Outcome, error) {
	stack := s.flags.IsEnabled(features.FeatureBoostStacking)
	duration := time.Duration(f.DurationHours) * time.Hour

	expiresAt, err := s.db.ActivateBoost(ctx, f.ID, f.UserID, f.Multiplier, duration, stack, now)
	if err != nil {
		return s.classify(f.EventID(), string(f.Kind()), err)
	}

	s.logger.Info("boost activated",
		zap.String("event_id", f.ID),
		zap.String("user_id", f.UserID),
		zap.Float64("multiplier", f.Multiplier),
		zap.Time("expires_at", expiresAt),
	)
	s.events.PublishBoostActivated(ctx, f.UserID, f.Multiplier, expiresAt)

	return OutcomeFulfilled, nil
}

func (s *FulfillmentService) creditTokens(ctx context.Context, f webhook.TokenPurchase, now time.Time) (Outcome, error) {
	err := s.db.CreditPartnerTokens(ctx, f.ID, f.PartnerID, f.Quantity, now)
	if err != nil {
		return s.classify(f.EventID(), string(f.Kind()), err)
	}

	s.logger.Info("partner tokens credited",
		zap.String("event_id", f.ID),
		zap.String("partner_id", f.PartnerID),
		zap.Int64("quantity", f.Quantity),
	)
	s.events.PublishTokensCredited(ctx, f.PartnerID, f.Quantity)

	return OutcomeFulfilled, nil
}

func (s *FulfillmentService) createOrder(ctx context.Context, f webhook.ProductPurchase, now time.Time) (Outcome, error) {
	order, err := s.db.CreateMarketOrder(ctx, f.ID, f.UserID, f.ItemID, f.AmountCents, f.PaymentIntentID, now)
	if err != nil {
		return s.classify(f.EventID(), string(f.Kind()), err)
	}

	s.logger.Info("market order created",
		zap.String("event_id", f.ID),
		zap.String("order_id", order.ID),
		zap.String("user_id", f.UserID),
		zap.String("item_id", f.ItemID),
	)
	s.events.PublishOrderCreated(ctx, order)

	return OutcomeFulfilled, nil
}

// classify maps a routine failure onto the webhook response contract:
// duplicates and permanent conditions are acknowledged, anything else is
// retryable and surfaces as an error.
func (s *FulfillmentService) classify(eventID, kind string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, database.ErrDuplicateEvent):
		s.logger.Info("duplicate webhook delivery ignored",
			zap.String("event_id", eventID),
			zap.String("kind", kind),
		)
		return OutcomeDuplicate, nil
	case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrOutOfStock):
		s.logger.Error("webhook event cannot be fulfilled",
			zap.String("event_id", eventID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return OutcomeUnfulfillable, nil
	default:
		return OutcomeIgnored, err
	}
}
