package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"puglia-club-api/internal/models"
)

// CreateUser inserts a new club member.
func (db *DB) CreateUser(ctx context.Context, user models.User) error {
	if user.BoostMultiplier == 0 {
		user.BoostMultiplier = 1
	}
	if user.Role == "" {
		user.Role = "member"
	}

	var expiresAt interface{}
	if user.BoostExpiresAt != nil {
		expiresAt = user.BoostExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := db.conn.ExecContext(ctx, `INSERT INTO users (
		id, display_name, points, monthly_points, boost_multiplier, boost_expires_at, role
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.DisplayName, user.Points, user.MonthlyPoints,
		user.BoostMultiplier, expiresAt, user.Role)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// GetUser returns a single club member by ID.
func (db *DB) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	var expiresAtStr sql.NullString

	err := db.conn.QueryRowContext(ctx, `SELECT id, display_name, points,
		monthly_points, boost_multiplier, boost_expires_at, role
		FROM users WHERE id = ?`, userID).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Points,
		&user.MonthlyPoints,
		&user.BoostMultiplier,
		&expiresAtStr,
		&user.Role,
	)
	if err == sql.ErrNoRows {
		return models.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to query user: %w", err)
	}

	if expiresAtStr.Valid {
		t, err := time.Parse(time.RFC3339, expiresAtStr.String)
		if err != nil {
			return models.User{}, fmt.Errorf("failed to parse boost_expires_at: %w", err)
		}
		user.BoostExpiresAt = &t
	}

	return user, nil
}

// CreatePartner inserts a new venue.
func (db *DB) CreatePartner(ctx context.Context, partner models.Partner) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO partners (
		id, name, pin, token_balance, visit_points, active, verified, visit_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		partner.ID, partner.Name, partner.PIN, partner.TokenBalance,
		partner.VisitPoints, partner.Active, partner.Verified, partner.VisitCount)
	if err != nil {
		return fmt.Errorf("failed to insert partner: %w", err)
	}

	return nil
}

// GetPartner returns a single venue by ID.
func (db *DB) GetPartner(ctx context.Context, partnerID string) (models.Partner, error) {
	var partner models.Partner

	err := db.conn.QueryRowContext(ctx, `SELECT id, name, pin, token_balance,
		visit_points, active, verified, visit_count
		FROM partners WHERE id = ?`, partnerID).Scan(
		&partner.ID,
		&partner.Name,
		&partner.PIN,
		&partner.TokenBalance,
		&partner.VisitPoints,
		&partner.Active,
		&partner.Verified,
		&partner.VisitCount,
	)
	if err == sql.ErrNoRows {
		return models.Partner{}, fmt.Errorf("partner %s: %w", partnerID, ErrNotFound)
	}
	if err != nil {
		return models.Partner{}, fmt.Errorf("failed to query partner: %w", err)
	}

	return partner, nil
}

// CreateMarketItem inserts a catalog entry.
func (db *DB) CreateMarketItem(ctx context.Context, item models.MarketItem) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO market_items (id, name, price_cents, stock)
		VALUES (?, ?, ?, ?)`, item.ID, item.Name, item.PriceCents, item.Stock)
	if err != nil {
		return fmt.Errorf("failed to insert market item: %w", err)
	}

	return nil
}

// GetMarketItem returns a catalog entry by ID.
func (db *DB) GetMarketItem(ctx context.Context, itemID string) (models.MarketItem, error) {
	var item models.MarketItem

	err := db.conn.QueryRowContext(ctx, `SELECT id, name, price_cents, stock
		FROM market_items WHERE id = ?`, itemID).Scan(
		&item.ID, &item.Name, &item.PriceCents, &item.Stock)
	if err == sql.ErrNoRows {
		return models.MarketItem{}, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return models.MarketItem{}, fmt.Errorf("failed to query market item: %w", err)
	}

	return item, nil
}

// ListMarketItems returns the full catalog.
func (db *DB) ListMarketItems(ctx context.Context) ([]models.MarketItem, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, price_cents, stock
		FROM market_items ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query market items: %w", err)
	}
	defer rows.Close()

	var items []models.MarketItem
	for rows.Next() {
		var item models.MarketItem
		if err := rows.Scan(&item.ID, &item.Name, &item.PriceCents, &item.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan market item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market items: %w", err)
	}

	return items, nil
}

// CreateMission inserts a mission.
func (db *DB) CreateMission(ctx context.Context, mission models.Mission) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO missions (id, title, points, active)
		VALUES (?, ?, ?, ?)`, mission.ID, mission.Title, mission.Points, mission.Active)
	if err != nil {
		return fmt.Errorf("failed to insert mission: %w", err)
	}

	return nil
}

// CreateDailyPlan inserts a concierge plan.
func (db *DB) CreateDailyPlan(ctx context.Context, plan models.DailyPlan) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO daily_plans (id, title, cost_points, active)
		VALUES (?, ?, ?, ?)`, plan.ID, plan.Title, plan.CostPoints, plan.Active)
	if err != nil {
		return fmt.Errorf("failed to insert daily plan: %w", err)
	}

	return nil
}

// Leaderboard returns the top users by monthly points, rank-ordered.
func (db *DB) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT id, display_name, monthly_points
		FROM users ORDER BY monthly_points DESC, display_name LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []models.LeaderboardEntry
	for rows.Next() {
		var entry models.LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.DisplayName, &entry.MonthlyPoints); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entry.Rank = len(entries) + 1
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leaderboard: %w", err)
	}

	return entries, nil
}

// effectivePoints applies the user's boost multiplier, read inside the same
// transaction as the award, so the invariant "multiplier counts only while
// now < expiry" holds even if the boost changes concurrently.
func effectivePoints(tx *sql.Tx, userID string, points int64, now time.Time) (int64, error) {
	var multiplier float64
	var expiresAtStr sql.NullString

	err := tx.QueryRow(`SELECT boost_multiplier, boost_expires_at FROM users WHERE id = ?`,
		userID).Scan(&multiplier, &expiresAtStr)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read boost: %w", err)
	}

	if multiplier > 1 && expiresAtStr.Valid {
		if expiresAt, perr := time.Parse(time.RFC3339, expiresAtStr.String); perr == nil && now.Before(expiresAt) {
			return int64(math.Round(float64(points) * multiplier)), nil
		}
	}

	return points, nil
}

// ValidateVisit checks a venue PIN for a user. Wrong PINs are recorded as
// attempts; once maxAttempts failures accumulate within the lockout window,
// further attempts are refused until the window passes. A correct PIN unlocks
// the partner card once and awards the venue's visit points with the user's
// active boost applied.
func (db *DB) ValidateVisit(ctx context.Context, userID, partnerID, pin string, maxAttempts int, window time.Duration, now time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	windowStart := now.Add(-window).UTC().Format(time.RFC3339)
	var failures int
	err = tx.QueryRow(`SELECT COUNT(*) FROM pin_attempts
		WHERE user_id = ? AND partner_id = ? AND attempted_at >= ?`,
		userID, partnerID, windowStart).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("failed to count PIN attempts: %w", err)
	}
	if failures >= maxAttempts {
		return 0, ErrVisitLocked
	}

	var storedPIN string
	var visitPoints int64
	err = tx.QueryRow(`SELECT pin, visit_points FROM partners WHERE id = ? AND active = 1`,
		partnerID).Scan(&storedPIN, &visitPoints)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("partner %s: %w", partnerID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query partner: %w", err)
	}

	if pin != storedPIN {
		_, err = tx.Exec(`INSERT INTO pin_attempts (user_id, partner_id, attempted_at)
			VALUES (?, ?, ?)`, userID, partnerID, now.UTC().Format(time.RFC3339))
		if err != nil {
			return 0, fmt.Errorf("failed to record PIN attempt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return 0, ErrWrongPIN
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO unlocked_cards (user_id, partner_id, unlocked_at)
		VALUES (?, ?, ?)`, userID, partnerID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to unlock card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrAlreadyUnlocked
	}

	earned, err := effectivePoints(tx, userID, visitPoints, now)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`UPDATE users SET points = points + ?, monthly_points = monthly_points + ?
		WHERE id = ?`, earned, earned, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to award visit points: %w", err)
	}

	_, err = tx.Exec(`UPDATE partners SET visit_count = visit_count + 1 WHERE id = ?`, partnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment visit count: %w", err)
	}

	// A successful unlock resets the attempt counter for this pair.
	_, err = tx.Exec(`DELETE FROM pin_attempts WHERE user_id = ? AND partner_id = ?`,
		userID, partnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear PIN attempts: %w", err)
	}

	entry := models.TransactionEntry{
		Type:            models.TxnPartnerVisit,
		UserID:          &userID,
		PartnerID:       &partnerID,
		Points:          visitPoints,
		EffectivePoints: earned,
		Note:            fmt.Sprintf("Visita confermata presso %s", partnerID),
		CreatedAt:       now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return earned, nil
}

// CompleteMission awards a mission's points to a user once. A repeat
// completion is refused by the primary key on (user_id, mission_id).
func (db *DB) CompleteMission(ctx context.Context, userID, missionID string, now time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var points int64
	err = tx.QueryRow(`SELECT points FROM missions WHERE id = ? AND active = 1`,
		missionID).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query mission: %w", err)
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO mission_completions (user_id, mission_id, completed_at)
		VALUES (?, ?, ?)`, userID, missionID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to record completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrAlreadyCompleted
	}

	earned, err := effectivePoints(tx, userID, points, now)
	if err != nil {
		return 0, err
	}

	res, err = tx.Exec(`UPDATE users SET points = points + ?, monthly_points = monthly_points + ?
		WHERE id = ?`, earned, earned, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to award mission points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	entry := models.TransactionEntry{
		Type:            models.TxnMissionComplete,
		UserID:          &userID,
		Points:          points,
		EffectivePoints: earned,
		Note:            fmt.Sprintf("Missione %s completata", missionID),
		CreatedAt:       now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return earned, nil
}

// PurchasePlan deducts the plan's point cost with a conditional update, so a
// balance can never go negative, then records the purchase and the audit row.
// Returns the remaining balance.
func (db *DB) PurchasePlan(ctx context.Context, userID, planID, paymentRef string, now time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cost int64
	err = tx.QueryRow(`SELECT cost_points FROM daily_plans WHERE id = ? AND active = 1`,
		planID).Scan(&cost)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query plan: %w", err)
	}

	res, err := tx.Exec(`UPDATE users SET points = points - ?
		WHERE id = ? AND points >= ?`, cost, userID, cost)
	if err != nil {
		return 0, fmt.Errorf("failed to deduct points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check user: %w", err)
		}
		if exists == 0 {
			return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return 0, ErrInsufficientPoints
	}

	var ref interface{}
	if paymentRef != "" {
		ref = paymentRef
	}
	_, err = tx.Exec(`INSERT INTO plan_purchases (id, user_id, plan_id, payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, planID, ref, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to record plan purchase: %w", err)
	}

	entry := models.TransactionEntry{
		Type:            models.TxnPlanPurchase,
		UserID:          &userID,
		Points:          -cost,
		EffectivePoints: -cost,
		Note:            fmt.Sprintf("Acquisto piano %s", planID),
		CreatedAt:       now.UTC(),
	}
	if err := appendTransaction(tx, entry); err != nil {
		return 0, err
	}

	var remaining int64
	if err := tx.QueryRow(`SELECT points FROM users WHERE id = ?`, userID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return remaining, nil
}
