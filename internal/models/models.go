package models

import "time"

// Transaction type tags recorded in the audit log.
const (
	TxnBoostPurchase   = "boost_acquisto"
	TxnTokenPurchase   = "acquisto_gettoni"
	TxnProductPurchase = "acquisto_prodotto"
	TxnPartnerVisit    = "visita_partner"
	TxnMissionComplete = "missione_completata"
	TxnPlanPurchase    = "acquisto_piano"
)

// User represents a club member with a running points balance and an
// optional temporary score multiplier.
type User struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"display_name"`
	Points          int64      `json:"points"`
	MonthlyPoints   int64      `json:"monthly_points"`
	BoostMultiplier float64    `json:"boost_multiplier"`
	BoostExpiresAt  *time.Time `json:"boost_expires_at,omitempty"`
	Role            string     `json:"role"`
}

// BoostActive reports whether the user's multiplier applies at the given time.
func (u User) BoostActive(now time.Time) bool {
	return u.BoostMultiplier > 1 && u.BoostExpiresAt != nil && now.Before(*u.BoostExpiresAt)
}

// Partner represents a venue that sponsors missions and accepts visits.
// The PIN is never serialized in responses.
type Partner struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PIN          string `json:"-"`
	TokenBalance int64  `json:"token_balance"`
	VisitPoints  int64  `json:"visit_points"`
	Active       bool   `json:"active"`
	Verified     bool   `json:"verified"`
	VisitCount   int64  `json:"visit_count"`
}

// TransactionEntry is an immutable audit-log record. Entries are only ever
// appended, never updated or deleted.
type TransactionEntry struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	UserID          *string   `json:"user_id,omitempty"`
	PartnerID       *string   `json:"partner_id,omitempty"`
	Points          int64     `json:"points"`
	EffectivePoints int64     `json:"effective_points"`
	Note            string    `json:"note"`
	CreatedAt       time.Time `json:"created_at"`
}

// MarketItem is a marketplace catalog entry with a stock counter.
type MarketItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Stock      int64  `json:"stock"`
}

// MarketOrder is created once per successful physical-product purchase.
type MarketOrder struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ItemID          string    `json:"item_id"`
	Status          string    `json:"status"`
	PaymentMethod   string    `json:"payment_method"`
	PricePaidCents  int64     `json:"price_paid_cents"`
	PaymentIntentID string    `json:"payment_intent_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Mission is a point-earning task users complete once each.
type Mission struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Points int64  `json:"points"`
	Active bool   `json:"active"`
}

// DailyPlan is a concierge travel plan purchasable with points.
type DailyPlan struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	CostPoints int64  `json:"cost_points"`
	Active     bool   `json:"active"`
}

// LeaderboardEntry is one rank-ordered row of the monthly leaderboard.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	MonthlyPoints int64  `json:"monthly_points"`
}

// LeaderboardResponse is the payload of GET /leaderboard.
type LeaderboardResponse struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// ValidateVisitRequest is the request body for POST /visits/validate.
type ValidateVisitRequest struct {
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id"`
	PIN       string `json:"pin"`
}

// ValidateVisitResponse mirrors the contract the keypad UI expects.
type ValidateVisitResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	EarnedDesideri int64  `json:"earned_desideri,omitempty"`
}

// CompleteMissionResponse reports the points awarded for a completed mission.
type CompleteMissionResponse struct {
	EarnedDesideri int64 `json:"earned_desideri"`
}

// PurchasePlanRequest is the request body for POST /plans/{plan_id}/purchase.
type PurchasePlanRequest struct {
	UserID     string `json:"user_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

// PurchasePlanResponse reports the outcome of a plan purchase.
type PurchasePlanResponse struct {
	Success         bool  `json:"success"`
	RemainingPoints int64 `json:"remaining_points"`
}

// CheckoutRequest is the request body for POST /checkout. Only the fields
// relevant to the requested kind need to be set.
type CheckoutRequest struct {
	Kind          string  `json:"kind"` // boost | gettoni | product
	UserID        string  `json:"user_id,omitempty"`
	PartnerID     string  `json:"partner_id,omitempty"`
	ItemID        string  `json:"item_id,omitempty"`
	Multiplier    float64 `json:"multiplier,omitempty"`
	DurationHours int     `json:"duration_hours,omitempty"`
	Quantity      int64   `json:"quantity,omitempty"`
}

// CheckoutResponse carries the provider-hosted checkout session reference.
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// WebhookAck is the acknowledgement body returned to the payment provider.
type WebhookAck struct {
	Received bool `json:"received"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
