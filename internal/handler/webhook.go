package handler

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"puglia-club-api/internal/models"
)

// SignatureHeader carries the payment provider's HMAC signature.
const SignatureHeader = "Stripe-Signature"

// StripeWebhook handles POST /webhooks/stripe.
//
// The body is read raw before any parsing because the signature covers the
// exact bytes on the wire. Verification fails closed: no fulfillment logic
// runs, and no store access happens, unless the signature checks out.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := h.verifier.VerifyAndParse(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Every non-error outcome is acknowledged identically.
	if _, err := h.fulfillment.HandleEvent(r.Context(), event); err != nil {
		// Retryable store failure: a 500 makes the provider re-deliver,
		// which is safe because the event claim rolled back with the writes.
		h.logger.Error("webhook fulfillment failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusInternalServerError, "fulfillment failed")
		return
	}

	h.respondJSON(w, http.StatusOK, models.WebhookAck{Received: true})
}
