package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"puglia-club-api/internal/cache"
	"puglia-club-api/internal/database"
	"puglia-club-api/internal/events"
	"puglia-club-api/internal/features"
	"puglia-club-api/internal/models"
	"puglia-club-api/internal/payments"
	"puglia-club-api/internal/validation"
	"puglia-club-api/internal/webhook"
)

// PIN lockout policy: five failures for the same user/partner pair within
// the window refuse further attempts until the window passes.
const (
	pinMaxAttempts   = 5
	pinLockoutWindow = 15 * time.Minute
)

// Fixed price list for provider-hosted purchases.
const (
	boostPriceCents = 499
	tokenPriceCents = 100
)

const leaderboardLimit = 20

// ClubService provides the club's business logic: PIN visits, missions,
// plans, the leaderboard, and checkout-session creation.
type ClubService struct {
	db             *database.DB
	cache          cache.Cache
	flags          *features.Manager
	events         *events.Manager
	checkout       payments.CheckoutClient
	logger         *zap.Logger
	leaderboardTTL time.Duration
}

// NewClubService creates a ClubService with its dependencies injected.
func NewClubService(db *database.DB, c cache.Cache, flags *features.Manager, eventBus *events.Manager, checkout payments.CheckoutClient, logger *zap.Logger) *ClubService {
	return &ClubService{
		db:             db,
		cache:          c,
		flags:          flags,
		events:         eventBus,
		checkout:       checkout,
		logger:         logger.Named("club"),
		leaderboardTTL: time.Minute,
	}
}

// SetLeaderboardTTL overrides how long a cached leaderboard stays fresh.
func (s *ClubService) SetLeaderboardTTL(ttl time.Duration) {
	if ttl > 0 {
		s.leaderboardTTL = ttl
	}
}

// GetUser returns a club member's profile.
func (s *ClubService) GetUser(ctx context.Context, userID string) (models.User, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.User{}, err
	}

	return s.db.GetUser(ctx, userID)
}

// UserTransactions returns a user's audit history, newest first.
func (s *ClubService) UserTransactions(ctx context.Context, userID string, limit int) ([]models.TransactionEntry, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return nil, err
	}

	return s.db.ListUserTransactions(ctx, userID, limit)
}

// ListMarketItems returns the marketplace catalog.
func (s *ClubService) ListMarketItems(ctx context.Context) ([]models.MarketItem, error) {
	return s.db.ListMarketItems(ctx)
}

// ValidateVisit checks a venue PIN for a user. Wrong PINs, lockouts, and
// already-unlocked cards are business outcomes reported in the response;
// only infrastructure failures and unknown actors become errors.
func (s *ClubService) ValidateVisit(ctx context.Context, req models.ValidateVisitRequest) (models.ValidateVisitResponse, error) {
	if err := validation.ValidateID(req.UserID, "user_id"); err != nil {
		return models.ValidateVisitResponse{}, err
	}
	if err := validation.ValidateID(req.PartnerID, "partner_id"); err != nil {
		return models.ValidateVisitResponse{}, err
	}
	if err := validation.ValidatePIN(req.PIN); err != nil {
		return models.ValidateVisitResponse{}, err
	}

	now := time.Now().UTC()
	earned, err := s.db.ValidateVisit(ctx, req.UserID, req.PartnerID, req.PIN,
		pinMaxAttempts, pinLockoutWindow, now)
	switch {
	case err == nil:
		s.logger.Info("visit validated",
			zap.String("user_id", req.UserID),
			zap.String("partner_id", req.PartnerID),
			zap.Int64("earned", earned),
		)
		s.events.PublishVisitValidated(ctx, req.UserID, req.PartnerID, earned)
		return models.ValidateVisitResponse{
			Success:        true,
			Message:        "Visita confermata!",
			EarnedDesideri: earned,
		}, nil
	case errors.Is(err, database.ErrWrongPIN):
		return models.ValidateVisitResponse{
			Success: false,
			Message: "PIN errato. Riprova.",
		}, nil
	case errors.Is(err, database.ErrVisitLocked):
		return models.ValidateVisitResponse{
			Success: false,
			Message: "Troppi tentativi falliti. Riprova più tardi.",
		}, nil
	case errors.Is(err, database.ErrAlreadyUnlocked):
		return models.ValidateVisitResponse{
			Success: true,
			Message: "Hai già sbloccato questo partner.",
		}, nil
	default:
		return models.ValidateVisitResponse{}, err
	}
}

// CompleteMission awards a mission's points once per user, with any active
// boost applied.
func (s *ClubService) CompleteMission(ctx context.Context, userID, missionID string) (models.CompleteMissionResponse, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.CompleteMissionResponse{}, err
	}
	if err := validation.ValidateID(missionID, "mission_id"); err != nil {
		return models.CompleteMissionResponse{}, err
	}

	earned, err := s.db.CompleteMission(ctx, userID, missionID, time.Now().UTC())
	if err != nil {
		return models.CompleteMissionResponse{}, err
	}

	s.logger.Info("mission completed",
		zap.String("user_id", userID),
		zap.String("mission_id", missionID),
		zap.Int64("earned", earned),
	)
	s.events.PublishMissionCompleted(ctx, userID, missionID, earned)

	return models.CompleteMissionResponse{EarnedDesideri: earned}, nil
}

// PurchasePlan deducts a concierge plan's point cost from the user's balance.
func (s *ClubService) PurchasePlan(ctx context.Context, planID string, req models.PurchasePlanRequest) (models.PurchasePlanResponse, error) {
	if err := validation.ValidateID(planID, "plan_id"); err != nil {
		return models.PurchasePlanResponse{}, err
	}
	if err := validation.ValidateID(req.UserID, "user_id"); err != nil {
		return models.PurchasePlanResponse{}, err
	}

	remaining, err := s.db.PurchasePlan(ctx, req.UserID, planID, req.PaymentRef, time.Now().UTC())
	if err != nil {
		return models.PurchasePlanResponse{}, err
	}

	s.logger.Info("plan purchased",
		zap.String("user_id", req.UserID),
		zap.String("plan_id", planID),
	)

	return models.PurchasePlanResponse{
		Success:         true,
		RemainingPoints: remaining,
	}, nil
}

// Leaderboard returns the monthly top users, served from cache when the
// caching flag is on.
func (s *ClubService) Leaderboard(ctx context.Context) (models.LeaderboardResponse, error) {
	useCache := s.cache != nil && s.flags.IsEnabled(features.FeatureCacheEnabled)

	if useCache {
		var cached models.LeaderboardResponse
		if err := cache.GetJSON(ctx, s.cache, cache.KeyLeaderboard, &cached); err == nil {
			return cached, nil
		}
	}

	entries, err := s.db.Leaderboard(ctx, leaderboardLimit)
	if err != nil {
		return models.LeaderboardResponse{}, err
	}

	response := models.LeaderboardResponse{Entries: entries}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, cache.KeyLeaderboard, response, s.leaderboardTTL); err != nil {
			s.logger.Warn("failed to cache leaderboard", zap.Error(err))
		}
	}

	return response, nil
}

// CreateCheckout builds a provider checkout session for one of the three
// purchase kinds, embedding the metadata the webhook dispatcher expects.
func (s *ClubService) CreateCheckout(ctx context.Context, req models.CheckoutRequest) (models.CheckoutResponse, error) {
	sessionReq, err := s.buildSessionRequest(ctx, req)
	if err != nil {
		return models.CheckoutResponse{}, err
	}

	session, err := s.checkout.CreateSession(ctx, sessionReq)
	if err != nil {
		return models.CheckoutResponse{}, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("kind", req.Kind),
	)

	return models.CheckoutResponse{
		SessionID: session.ID,
		URL:       session.URL,
	}, nil
}

func (s *ClubService) buildSessionRequest(ctx context.Context, req models.CheckoutRequest) (payments.SessionRequest, error) {
	switch webhook.Kind(req.Kind) {
	case webhook.KindBoost:
		if err := validation.ValidateID(req.UserID, "user_id"); err != nil {
			return payments.SessionRequest{}, err
		}
		if err := validation.ValidateBoost(req.Multiplier, req.DurationHours); err != nil {
			return payments.SessionRequest{}, err
		}
		return payments.SessionRequest{
			Kind:        webhook.KindBoost,
			Reference:   req.UserID,
			Description: fmt.Sprintf("Boost punti x%g (%d ore)", req.Multiplier, req.DurationHours),
			AmountCents: boostPriceCents,
			Metadata: map[string]string{
				"multiplier":     fmt.Sprintf("%g", req.Multiplier),
				"duration_hours": fmt.Sprintf("%d", req.DurationHours),
			},
		}, nil

	case webhook.KindTokens:
		if err := validation.ValidateID(req.PartnerID, "partner_id"); err != nil {
			return payments.SessionRequest{}, err
		}
		if err := validation.ValidateQuantity(req.Quantity); err != nil {
			return payments.SessionRequest{}, err
		}
		return payments.SessionRequest{
			Kind:        webhook.KindTokens,
			Reference:   req.PartnerID,
			Description: fmt.Sprintf("%d gettoni partner", req.Quantity),
			AmountCents: req.Quantity * tokenPriceCents,
			Metadata: map[string]string{
				"partner_id": req.PartnerID,
				"quantity":   fmt.Sprintf("%d", req.Quantity),
			},
		}, nil

	case webhook.KindProduct:
		if err := validation.ValidateID(req.UserID, "user_id"); err != nil {
			return payments.SessionRequest{}, err
		}
		if err := validation.ValidateID(req.ItemID, "item_id"); err != nil {
			return payments.SessionRequest{}, err
		}
		item, err := s.db.GetMarketItem(ctx, req.ItemID)
		if err != nil {
			return payments.SessionRequest{}, err
		}
		if item.Stock <= 0 {
			return payments.SessionRequest{}, fmt.Errorf("item %s: %w", req.ItemID, database.ErrOutOfStock)
		}
		return payments.SessionRequest{
			Kind:        webhook.KindProduct,
			Reference:   req.UserID,
			Description: item.Name,
			AmountCents: item.PriceCents,
			Metadata: map[string]string{
				"product_id": item.ID,
			},
		}, nil

	default:
		return payments.SessionRequest{}, &validation.ValidationError{
			Field:   "kind",
			Message: "must be one of boost, gettoni, product",
		}
	}
}
