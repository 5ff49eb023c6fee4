package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"puglia-club-api/internal/database"
	"puglia-club-api/internal/models"
	"puglia-club-api/internal/service"
	"puglia-club-api/internal/validation"
	"puglia-club-api/internal/webhook"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	club        *service.ClubService
	fulfillment *service.FulfillmentService
	verifier    *webhook.Verifier
	logger      *zap.Logger
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB, webhook and API bodies are small
	}
}

// NewHandler creates a new handler instance.
func NewHandler(club *service.ClubService, fulfillment *service.FulfillmentService, verifier *webhook.Verifier, logger *zap.Logger) *Handler {
	return NewHandlerWithOptions(club, fulfillment, verifier, logger, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(club *service.ClubService, fulfillment *service.FulfillmentService, verifier *webhook.Verifier, logger *zap.Logger, opts NewHandlerOptions) *Handler {
	return &Handler{
		club:        club,
		fulfillment: fulfillment,
		verifier:    verifier,
		logger:      logger.Named("http"),
		maxBodySize: opts.MaxBodySize,
	}
}

// GetUser handles GET /users/{user_id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))

	user, err := h.club.GetUser(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, user)
}

// GetUserTransactions handles GET /users/{user_id}/transactions
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	entries, err := h.club.UserTransactions(r.Context(), userID, limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.TransactionEntry{}
	}

	h.respondJSON(w, http.StatusOK, entries)
}

// ListMarketItems handles GET /market/items
func (h *Handler) ListMarketItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.club.ListMarketItems(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.MarketItem{}
	}

	h.respondJSON(w, http.StatusOK, items)
}

// GetLeaderboard handles GET /leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	response, err := h.club.Leaderboard(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if response.Entries == nil {
		response.Entries = []models.LeaderboardEntry{}
	}

	h.respondJSON(w, http.StatusOK, response)
}

// ValidateVisit handles POST /visits/validate
func (h *Handler) ValidateVisit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.ValidateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.UserID = validation.SanitizeString(req.UserID)
	req.PartnerID = validation.SanitizeString(req.PartnerID)
	req.PIN = validation.SanitizeString(req.PIN)

	response, err := h.club.ValidateVisit(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// CompleteMission handles POST /users/{user_id}/missions/{mission_id}/complete
func (h *Handler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))
	missionID := validation.SanitizeString(chi.URLParam(r, "mission_id"))

	response, err := h.club.CompleteMission(r.Context(), userID, missionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// PurchasePlan handles POST /plans/{plan_id}/purchase
func (h *Handler) PurchasePlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	planID := validation.SanitizeString(chi.URLParam(r, "plan_id"))

	var req models.PurchasePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.UserID = validation.SanitizeString(req.UserID)
	req.PaymentRef = validation.SanitizeString(req.PaymentRef)

	response, err := h.club.PurchasePlan(r.Context(), planID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// CreateCheckout handles POST /checkout
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.Kind = validation.SanitizeString(req.Kind)
	req.UserID = validation.SanitizeString(req.UserID)
	req.PartnerID = validation.SanitizeString(req.PartnerID)
	req.ItemID = validation.SanitizeString(req.ItemID)

	response, err := h.club.CreateCheckout(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, response)
}

// respondServiceError maps service-layer errors onto HTTP status codes.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrAlreadyCompleted),
		errors.Is(err, database.ErrInsufficientPoints),
		errors.Is(err, database.ErrOutOfStock):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
