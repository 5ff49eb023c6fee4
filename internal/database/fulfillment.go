package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"puglia-club-api/internal/models"
)

// claimEvent records the provider's event ID inside the caller's transaction.
// The claim commits together with the fulfillment writes, so a redelivery of
// the same event finds the row and is ignored, while a rolled-back fulfillment
// releases the claim for the provider's retry.
func claimEvent(tx *sql.Tx, eventID, kind string, now time.Time) error {
	res, err := tx.Exec(`INSERT OR IGNORE INTO webhook_events (id, kind, received_at)
		VALUES (?, ?, ?)`, eventID, kind, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to claim webhook event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect event claim: %w", err)
	}
	if n == 0 {
		return ErrDuplicateEvent
	}

	return nil
}

// ActivateBoost writes the multiplier and its expiry onto the user record and
// appends a zero-delta audit entry, all in one transaction keyed by the
// webhook event ID. With stack=false an active boost is overwritten; with
// stack=true the new duration extends from the current expiry instead.
func (db *DB) ActivateBoost(ctx context.Context, eventID, userID string, multiplier float64, duration time.Duration, stack bool, now time.Time) (time.Time, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimEvent(tx, eventID, "boost", now); err != nil {
		return time.Time{}, err
	}

	base := now
	if stack {
		var expiresAtStr sql.NullString
		err := tx.QueryRow(`SELECT boost_expires_at FROM users WHERE id = ?`, userID).
			Scan(&expiresAtStr)
		if err == sql.ErrNoRows {
			return time.Time{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to read current boost: %w", err)
		}
		if expiresAtStr.Valid {
			if current, perr := time.Parse(time.RFC3339, expiresAtStr.String); perr == nil && current.After(now) {
				base = current
			}
		}
	}
	expiresAt := base.Add(duration)

	res, err := tx.Exec(`UPDATE users SET boost_multiplier = ?, boost_expires_at = ?
		WHERE id = ?`, multiplier, expiresAt.UTC().Format(time.RFC3339), userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to activate boost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	note := fmt.Sprintf("Boost x%s attivo per %d ore",
		strconv.FormatFloat(multiplier, 'f', -1, 64), int(duration.Hours()))
	entry := models.TransactionEntry{
		Type:      models.TxnBoostPurchase,
		UserID:    &userID,
		Note:      note,
		CreatedAt: now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return expiresAt, nil
}

// CreditPartnerTokens adds the purchased quantity to the partner's token
// balance with a single atomic increment. The balance is never read back and
// rewritten, so concurrent deliveries cannot lose an update.
func (db *DB) CreditPartnerTokens(ctx context.Context, eventID, partnerID string, quantity int64, now time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimEvent(tx, eventID, "gettoni", now); err != nil {
		return err
	}

	res, err := tx.Exec(`UPDATE partners SET token_balance = token_balance + ?
		WHERE id = ?`, quantity, partnerID)
	if err != nil {
		return fmt.Errorf("failed to credit tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("partner %s: %w", partnerID, ErrNotFound)
	}

	entry := models.TransactionEntry{
		Type:            models.TxnTokenPurchase,
		PartnerID:       &partnerID,
		Points:          quantity,
		EffectivePoints: quantity,
		Note:            fmt.Sprintf("Acquisto di %d gettoni", quantity),
		CreatedAt:       now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CreateMarketOrder decrements the item's stock and records the paid order in
// one transaction. The decrement is conditional on stock remaining, so the
// counter can never go negative and at most one order wins the last unit.
func (db *DB) CreateMarketOrder(ctx context.Context, eventID, userID, itemID string, pricePaidCents int64, paymentIntentID string, now time.Time) (models.MarketOrder, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimEvent(tx, eventID, "product", now); err != nil {
		return models.MarketOrder{}, err
	}

	res, err := tx.Exec(`UPDATE market_items SET stock = stock - 1
		WHERE id = ? AND stock > 0`, itemID)
	if err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to decrement stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM market_items WHERE id = ?`, itemID).Scan(&exists); err != nil {
			return models.MarketOrder{}, fmt.Errorf("failed to check item: %w", err)
		}
		if exists == 0 {
			return models.MarketOrder{}, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}
		return models.MarketOrder{}, fmt.Errorf("item %s: %w", itemID, ErrOutOfStock)
	}

	order := models.MarketOrder{
		ID:              uuid.New().String(),
		UserID:          userID,
		ItemID:          itemID,
		Status:          "paid",
		PaymentMethod:   "stripe",
		PricePaidCents:  pricePaidCents,
		PaymentIntentID: paymentIntentID,
		CreatedAt:       now.UTC(),
	}

	_, err = tx.Exec(`INSERT INTO market_orders (
		id, user_id, item_id, status, payment_method, price_paid_cents, payment_intent_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.UserID,
		order.ItemID,
		order.Status,
		order.PaymentMethod,
		order.PricePaidCents,
		order.PaymentIntentID,
		order.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to insert order: %w", err)
	}

	entry := models.TransactionEntry{
		Type:      models.TxnProductPurchase,
		UserID:    &userID,
		Note:      fmt.Sprintf("Ordine prodotto %s", itemID),
		CreatedAt: now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return models.MarketOrder{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return order, nil
}

// GetOrderByPaymentIntent looks up an order by its provider payment reference.
func (db *DB) GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (models.MarketOrder, error) {
	var order models.MarketOrder
	var createdAtStr string

	err := db.conn.QueryRowContext(ctx, `SELECT id, user_id, item_id, status,
		payment_method, price_paid_cents, payment_intent_id, created_at
		FROM market_orders WHERE payment_intent_id = ?`, paymentIntentID).Scan(
		&order.ID,
		&order.UserID,
		&order.ItemID,
		&order.Status,
		&order.PaymentMethod,
		&order.PricePaidCents,
		&order.PaymentIntentID,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return models.MarketOrder{}, fmt.Errorf("order for %s: %w", paymentIntentID, ErrNotFound)
	}
	if err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to query order: %w", err)
	}

	order.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return models.MarketOrder{}, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return order, nil
}
