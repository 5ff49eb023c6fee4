package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v74"
)

const testSecret = "whsec_test_secret"

// signPayload computes the provider's v1 signature header:
// t={timestamp},v1=HMAC-SHA256(secret, "{timestamp}.{payload}").
func signPayload(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEventPayload(eventID, sessionJSON string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2022-11-15",
		"type": "checkout.session.completed",
		"data": {"object": %s}
	}`, eventID, sessionJSON))
}

func sessionEvent(t *testing.T, eventID, sessionJSON string) stripe.Event {
	t.Helper()
	return stripe.Event{
		ID:   eventID,
		Type: EventCheckoutCompleted,
		Data: &stripe.EventData{Raw: json.RawMessage(sessionJSON)},
	}
}

func TestVerifyAndParse_ValidSignature(t *testing.T) {
	payload := checkoutEventPayload("evt_valid", `{"id":"cs_1","client_reference_id":"user-1","amount_total":499,"metadata":{}}`)
	header := signPayload(payload, testSecret, time.Now().Unix())

	v := NewVerifier(testSecret)
	event, err := v.VerifyAndParse(payload, header)
	if err != nil {
		t.Fatalf("VerifyAndParse failed: %v", err)
	}

	if event.ID != "evt_valid" {
		t.Errorf("Expected event ID evt_valid, got %s", event.ID)
	}
	if event.Type != EventCheckoutCompleted {
		t.Errorf("Expected type %s, got %s", EventCheckoutCompleted, event.Type)
	}
}

func TestVerifyAndParse_WrongSecret(t *testing.T) {
	payload := checkoutEventPayload("evt_wrong_secret", `{"id":"cs_1","metadata":{}}`)
	header := signPayload(payload, "whsec_other_secret", time.Now().Unix())

	v := NewVerifier(testSecret)
	if _, err := v.VerifyAndParse(payload, header); err == nil {
		t.Fatal("Expected verification to fail with wrong secret")
	}
}

func TestVerifyAndParse_MissingHeader(t *testing.T) {
	payload := checkoutEventPayload("evt_no_header", `{"id":"cs_1","metadata":{}}`)

	v := NewVerifier(testSecret)
	if _, err := v.VerifyAndParse(payload, ""); err == nil {
		t.Fatal("Expected verification to fail without signature header")
	}
}

func TestVerifyAndParse_TamperedBody(t *testing.T) {
	payload := checkoutEventPayload("evt_tampered", `{"id":"cs_1","amount_total":499,"metadata":{}}`)
	header := signPayload(payload, testSecret, time.Now().Unix())

	tampered := checkoutEventPayload("evt_tampered", `{"id":"cs_1","amount_total":1,"metadata":{}}`)

	v := NewVerifier(testSecret)
	if _, err := v.VerifyAndParse(tampered, header); err == nil {
		t.Fatal("Expected verification to fail for tampered body")
	}
}

func TestParseFulfillment_Boost(t *testing.T) {
	event := sessionEvent(t, "evt_boost",
		`{"id":"cs_1","client_reference_id":"user-42","amount_total":499,
		  "metadata":{"type":"boost","multiplier":"2.0","duration_hours":"24"}}`)

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("ParseFulfillment failed: %v", err)
	}

	boost, ok := fulfillment.(BoostPurchase)
	if !ok {
		t.Fatalf("Expected BoostPurchase, got %T", fulfillment)
	}
	if boost.UserID != "user-42" {
		t.Errorf("Expected user-42, got %s", boost.UserID)
	}
	if boost.Multiplier != 2.0 {
		t.Errorf("Expected multiplier 2.0, got %v", boost.Multiplier)
	}
	if boost.DurationHours != 24 {
		t.Errorf("Expected 24 hours, got %d", boost.DurationHours)
	}
	if boost.EventID() != "evt_boost" {
		t.Errorf("Expected event ID evt_boost, got %s", boost.EventID())
	}
}

func TestParseFulfillment_Tokens(t *testing.T) {
	event := sessionEvent(t, "evt_tokens",
		`{"id":"cs_2","amount_total":5000,
		  "metadata":{"type":"gettoni","partner_id":"partner-7","quantity":"50"}}`)

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("ParseFulfillment failed: %v", err)
	}

	tokens, ok := fulfillment.(TokenPurchase)
	if !ok {
		t.Fatalf("Expected TokenPurchase, got %T", fulfillment)
	}
	if tokens.PartnerID != "partner-7" {
		t.Errorf("Expected partner-7, got %s", tokens.PartnerID)
	}
	if tokens.Quantity != 50 {
		t.Errorf("Expected quantity 50, got %d", tokens.Quantity)
	}
}

func TestParseFulfillment_Product(t *testing.T) {
	event := sessionEvent(t, "evt_product",
		`{"id":"cs_3","client_reference_id":"user-9","amount_total":2500,
		  "payment_intent":"pi_123",
		  "metadata":{"type":"product","product_id":"item-1"}}`)

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("ParseFulfillment failed: %v", err)
	}

	product, ok := fulfillment.(ProductPurchase)
	if !ok {
		t.Fatalf("Expected ProductPurchase, got %T", fulfillment)
	}
	if product.ItemID != "item-1" {
		t.Errorf("Expected item-1, got %s", product.ItemID)
	}
	if product.PaymentIntentID != "pi_123" {
		t.Errorf("Expected pi_123, got %s", product.PaymentIntentID)
	}
}

func TestParseFulfillment_IrrelevantEventType(t *testing.T) {
	event := stripe.Event{
		ID:   "evt_refund",
		Type: "charge.refunded",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if fulfillment != nil {
		t.Fatalf("Expected nil fulfillment, got %T", fulfillment)
	}
}

func TestParseFulfillment_UnknownTag(t *testing.T) {
	event := sessionEvent(t, "evt_unknown",
		`{"id":"cs_4","metadata":{"type":"subscription"}}`)

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if fulfillment != nil {
		t.Fatalf("Expected nil fulfillment, got %T", fulfillment)
	}
}

func TestParseFulfillment_AbsentTag(t *testing.T) {
	event := sessionEvent(t, "evt_no_tag", `{"id":"cs_5","metadata":{}}`)

	fulfillment, err := ParseFulfillment(event)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if fulfillment != nil {
		t.Fatalf("Expected nil fulfillment, got %T", fulfillment)
	}
}

func TestParseFulfillment_InvalidMultiplier(t *testing.T) {
	event := sessionEvent(t, "evt_bad_boost",
		`{"id":"cs_6","client_reference_id":"user-1",
		  "metadata":{"type":"boost","multiplier":"banana","duration_hours":"24"}}`)

	_, err := ParseFulfillment(event)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("Expected ErrMalformedEvent, got %v", err)
	}
}

func TestParseFulfillment_BoostWithoutUser(t *testing.T) {
	event := sessionEvent(t, "evt_no_user",
		`{"id":"cs_7","metadata":{"type":"boost","multiplier":"2","duration_hours":"24"}}`)

	_, err := ParseFulfillment(event)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("Expected ErrMalformedEvent, got %v", err)
	}
}

func TestParseFulfillment_ProductWithoutPaymentIntent(t *testing.T) {
	event := sessionEvent(t, "evt_no_intent",
		`{"id":"cs_8","client_reference_id":"user-1",
		  "metadata":{"type":"product","product_id":"item-1"}}`)

	_, err := ParseFulfillment(event)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("Expected ErrMalformedEvent, got %v", err)
	}
}

func TestParseFulfillment_TokensNonPositiveQuantity(t *testing.T) {
	event := sessionEvent(t, "evt_zero_tokens",
		`{"id":"cs_9","metadata":{"type":"gettoni","partner_id":"partner-1","quantity":"0"}}`)

	_, err := ParseFulfillment(event)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("Expected ErrMalformedEvent, got %v", err)
	}
}
