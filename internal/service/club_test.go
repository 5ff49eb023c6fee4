package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"puglia-club-api/internal/cache"
	"puglia-club-api/internal/database"
	"puglia-club-api/internal/events"
	"puglia-club-api/internal/features"
	"puglia-club-api/internal/models"
	"puglia-club-api/internal/payments"
	"puglia-club-api/internal/validation"
)

// fakeCheckout records the last session request and returns a canned session.
type fakeCheckout struct {
	lastRequest payments.SessionRequest
	err         error
}

func (f *fakeCheckout) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	f.lastRequest = req
	if f.err != nil {
		return payments.Session{}, f.err
	}
	return payments.Session{ID: "cs_test_1", URL: "https://checkout.test/cs_test_1"}, nil
}

func setupClub(t *testing.T) (*ClubService, *database.DB, *fakeCheckout, *features.Manager) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "club_test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, false, "")
	flags.Register(features.FeatureBoostStacking, false, "")

	checkout := &fakeCheckout{}
	svc := NewClubService(db, cache.NewInMemoryCache(), flags, events.NewManager(false), checkout, zap.NewNop())
	return svc, db, checkout, flags
}

func seedVisit(t *testing.T, db *database.DB, userID string, boost float64, boostUntil *time.Time) {
	t.Helper()
	ctx := context.Background()

	user := models.User{ID: userID, DisplayName: "Tester", BoostMultiplier: boost, BoostExpiresAt: boostUntil}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.CreatePartner(ctx, models.Partner{
		ID: "partner-1", Name: "Trattoria del Porto", PIN: "1234", VisitPoints: 10, Active: true,
	}); err != nil {
		t.Fatalf("Failed to create partner: %v", err)
	}
}

func TestValidateVisit_Success(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	seedVisit(t, db, "user-1", 1, nil)

	resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
		UserID: "user-1", PartnerID: "partner-1", PIN: "1234",
	})
	if err != nil {
		t.Fatalf("ValidateVisit failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Expected success, got %q", resp.Message)
	}
	if resp.EarnedDesideri != 10 {
		t.Errorf("Expected 10 desideri, got %d", resp.EarnedDesideri)
	}

	user, err := db.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.Points != 10 || user.MonthlyPoints != 10 {
		t.Errorf("Expected balances 10/10, got %d/%d", user.Points, user.MonthlyPoints)
	}

	partner, err := db.GetPartner(ctx, "partner-1")
	if err != nil {
		t.Fatalf("Failed to load partner: %v", err)
	}
	if partner.VisitCount != 1 {
		t.Errorf("Expected visit_count 1, got %d", partner.VisitCount)
	}
}

func TestValidateVisit_BoostApplied(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(time.Hour)
	seedVisit(t, db, "user-2", 2.0, &until)

	resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
		UserID: "user-2", PartnerID: "partner-1", PIN: "1234",
	})
	if err != nil {
		t.Fatalf("ValidateVisit failed: %v", err)
	}
	if resp.EarnedDesideri != 20 {
		t.Errorf("Expected boosted 20 desideri, got %d", resp.EarnedDesideri)
	}
}

func TestValidateVisit_ExpiredBoostNotApplied(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(-time.Hour)
	seedVisit(t, db, "user-3", 2.0, &until)

	resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
		UserID: "user-3", PartnerID: "partner-1", PIN: "1234",
	})
	if err != nil {
		t.Fatalf("ValidateVisit failed: %v", err)
	}
	if resp.EarnedDesideri != 10 {
		t.Errorf("Expected unboosted 10 desideri, got %d", resp.EarnedDesideri)
	}
}

func TestValidateVisit_WrongPIN(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	seedVisit(t, db, "user-4", 1, nil)

	resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
		UserID: "user-4", PartnerID: "partner-1", PIN: "9999",
	})
	if err != nil {
		t.Fatalf("ValidateVisit failed: %v", err)
	}
	if resp.Success {
		t.Fatal("Expected failure for wrong PIN")
	}

	user, err := db.GetUser(ctx, "user-4")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.Points != 0 {
		t.Errorf("Expected no points awarded, got %d", user.Points)
	}
}

func TestValidateVisit_LockoutAfterRepeatedFailures(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	seedVisit(t, db, "user-5", 1, nil)

	for i := 0; i < pinMaxAttempts; i++ {
		resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
			UserID: "user-5", PartnerID: "partner-1", PIN: "0000",
		})
		if err != nil {
			t.Fatalf("Attempt %d failed: %v", i, err)
		}
		if resp.Success {
			t.Fatalf("Attempt %d unexpectedly succeeded", i)
		}
	}

	// Even the correct PIN is refused while locked out.
	resp, err := svc.ValidateVisit(ctx, models.ValidateVisitRequest{
		UserID: "user-5", PartnerID: "partner-1", PIN: "1234",
	})
	if err != nil {
		t.Fatalf("ValidateVisit failed: %v", err)
	}
	if resp.Success {
		t.Fatal("Expected lockout to refuse correct PIN")
	}
	if !strings.Contains(resp.Message, "tentativi") {
		t.Errorf("Expected lockout message, got %q", resp.Message)
	}
}

func TestValidateVisit_AlreadyUnlocked(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()
	seedVisit(t, db, "user-6", 1, nil)

	req := models.ValidateVisitRequest{UserID: "user-6", PartnerID: "partner-1", PIN: "1234"}
	if _, err := svc.ValidateVisit(ctx, req); err != nil {
		t.Fatalf("First validation failed: %v", err)
	}

	resp, err := svc.ValidateVisit(ctx, req)
	if err != nil {
		t.Fatalf("Second validation failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("Expected already-unlocked to report success")
	}
	if resp.EarnedDesideri != 0 {
		t.Errorf("Expected no points on repeat unlock, got %d", resp.EarnedDesideri)
	}

	user, err := db.GetUser(ctx, "user-6")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.Points != 10 {
		t.Errorf("Expected points awarded once, got %d", user.Points)
	}
}

func TestValidateVisit_InvalidPINFormat(t *testing.T) {
	svc, _, _, _ := setupClub(t)

	_, err := svc.ValidateVisit(context.Background(), models.ValidateVisitRequest{
		UserID: "user-1", PartnerID: "partner-1", PIN: "12ab",
	})

	var vErr *validation.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestCompleteMission_AwardsOnce(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, models.User{ID: "user-7", DisplayName: "Giulia"}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.CreateMission(ctx, models.Mission{ID: "mission-1", Title: "Prima visita", Points: 50, Active: true}); err != nil {
		t.Fatalf("Failed to create mission: %v", err)
	}

	resp, err := svc.CompleteMission(ctx, "user-7", "mission-1")
	if err != nil {
		t.Fatalf("CompleteMission failed: %v", err)
	}
	if resp.EarnedDesideri != 50 {
		t.Errorf("Expected 50 desideri, got %d", resp.EarnedDesideri)
	}

	if _, err := svc.CompleteMission(ctx, "user-7", "mission-1"); !errors.Is(err, database.ErrAlreadyCompleted) {
		t.Fatalf("Expected ErrAlreadyCompleted, got %v", err)
	}

	user, err := db.GetUser(ctx, "user-7")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.Points != 50 {
		t.Errorf("Expected points awarded once, got %d", user.Points)
	}
}

func TestCompleteMission_BoostApplied(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour)
	if err := db.CreateUser(ctx, models.User{ID: "user-8", DisplayName: "Nico", BoostMultiplier: 2, BoostExpiresAt: &until}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.CreateMission(ctx, models.Mission{ID: "mission-2", Title: "Condividi", Points: 25, Active: true}); err != nil {
		t.Fatalf("Failed to create mission: %v", err)
	}

	resp, err := svc.CompleteMission(ctx, "user-8", "mission-2")
	if err != nil {
		t.Fatalf("CompleteMission failed: %v", err)
	}
	if resp.EarnedDesideri != 50 {
		t.Errorf("Expected boosted 50 desideri, got %d", resp.EarnedDesideri)
	}
}

func TestPurchasePlan_DeductsPoints(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, models.User{ID: "user-9", DisplayName: "Rita", Points: 300}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.CreateDailyPlan(ctx, models.DailyPlan{ID: "plan-1", Title: "Giornata in barca", CostPoints: 200, Active: true}); err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}

	resp, err := svc.PurchasePlan(ctx, "plan-1", models.PurchasePlanRequest{UserID: "user-9"})
	if err != nil {
		t.Fatalf("PurchasePlan failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("Expected success")
	}
	if resp.RemainingPoints != 100 {
		t.Errorf("Expected 100 remaining, got %d", resp.RemainingPoints)
	}
}

func TestPurchasePlan_InsufficientPoints(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, models.User{ID: "user-10", DisplayName: "Pino", Points: 50}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.CreateDailyPlan(ctx, models.DailyPlan{ID: "plan-2", Title: "Tour dei trulli", CostPoints: 200, Active: true}); err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}

	_, err := svc.PurchasePlan(ctx, "plan-2", models.PurchasePlanRequest{UserID: "user-10"})
	if !errors.Is(err, database.ErrInsufficientPoints) {
		t.Fatalf("Expected ErrInsufficientPoints, got %v", err)
	}

	user, err := db.GetUser(ctx, "user-10")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.Points != 50 {
		t.Errorf("Expected balance unchanged at 50, got %d", user.Points)
	}
}

func TestLeaderboard_RankOrder(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	for _, u := range []models.User{
		{ID: "user-lo", DisplayName: "Lo", MonthlyPoints: 10},
		{ID: "user-hi", DisplayName: "Hi", MonthlyPoints: 90},
		{ID: "user-mid", DisplayName: "Mid", MonthlyPoints: 40},
	} {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}

	resp, err := svc.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(resp.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(resp.Entries))
	}
	if resp.Entries[0].UserID != "user-hi" || resp.Entries[0].Rank != 1 {
		t.Errorf("Expected user-hi at rank 1, got %+v", resp.Entries[0])
	}
	if resp.Entries[2].UserID != "user-lo" || resp.Entries[2].Rank != 3 {
		t.Errorf("Expected user-lo at rank 3, got %+v", resp.Entries[2])
	}
}

func TestLeaderboard_ServedFromCache(t *testing.T) {
	svc, db, _, flags := setupClub(t)
	flags.Enable(features.FeatureCacheEnabled)
	ctx := context.Background()

	if err := db.CreateUser(ctx, models.User{ID: "user-11", DisplayName: "Ugo", MonthlyPoints: 5}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	first, err := svc.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("First query failed: %v", err)
	}

	// A user added after the first query is invisible until the TTL passes.
	if err := db.CreateUser(ctx, models.User{ID: "user-12", DisplayName: "Vito", MonthlyPoints: 99}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	second, err := svc.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("Second query failed: %v", err)
	}
	if len(second.Entries) != len(first.Entries) {
		t.Errorf("Expected cached result with %d entries, got %d", len(first.Entries), len(second.Entries))
	}
}

func TestCreateCheckout_Boost(t *testing.T) {
	svc, _, checkout, _ := setupClub(t)

	resp, err := svc.CreateCheckout(context.Background(), models.CheckoutRequest{
		Kind: "boost", UserID: "user-42", Multiplier: 2, DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateCheckout failed: %v", err)
	}
	if resp.SessionID != "cs_test_1" {
		t.Errorf("Expected session cs_test_1, got %s", resp.SessionID)
	}

	if checkout.lastRequest.Reference != "user-42" {
		t.Errorf("Expected reference user-42, got %s", checkout.lastRequest.Reference)
	}
	if checkout.lastRequest.Metadata["multiplier"] != "2" {
		t.Errorf("Expected multiplier metadata \"2\", got %q", checkout.lastRequest.Metadata["multiplier"])
	}
	if checkout.lastRequest.Metadata["duration_hours"] != "24" {
		t.Errorf("Expected duration metadata \"24\", got %q", checkout.lastRequest.Metadata["duration_hours"])
	}
	if checkout.lastRequest.AmountCents != boostPriceCents {
		t.Errorf("Expected amount %d, got %d", boostPriceCents, checkout.lastRequest.AmountCents)
	}
}

func TestCreateCheckout_ProductOutOfStock(t *testing.T) {
	svc, db, _, _ := setupClub(t)
	ctx := context.Background()

	if err := db.CreateMarketItem(ctx, models.MarketItem{ID: "item-1", Name: "Taralli", PriceCents: 800, Stock: 0}); err != nil {
		t.Fatalf("Failed to create item: %v", err)
	}

	_, err := svc.CreateCheckout(ctx, models.CheckoutRequest{
		Kind: "product", UserID: "user-1", ItemID: "item-1",
	})
	if !errors.Is(err, database.ErrOutOfStock) {
		t.Fatalf("Expected ErrOutOfStock, got %v", err)
	}
}

func TestCreateCheckout_UnknownKind(t *testing.T) {
	svc, _, _, _ := setupClub(t)

	_, err := svc.CreateCheckout(context.Background(), models.CheckoutRequest{Kind: "giftcard"})

	var vErr *validation.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}
