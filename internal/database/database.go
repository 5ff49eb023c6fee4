package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"puglia-club-api/internal/models"
)

// Store-level sentinel errors. Callers match them with errors.Is to decide
// on a response status.
var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateEvent     = errors.New("webhook event already processed")
	ErrOutOfStock         = errors.New("item out of stock")
	ErrInsufficientPoints = errors.New("insufficient points balance")
	ErrAlreadyCompleted   = errors.New("mission already completed")
	ErrAlreadyUnlocked    = errors.New("partner card already unlocked")
	ErrWrongPIN           = errors.New("wrong PIN")
	ErrVisitLocked        = errors.New("too many failed PIN attempts")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; funneling all statements through one
	// connection avoids SQLITE_BUSY under concurrent webhook deliveries.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			points INTEGER NOT NULL DEFAULT 0,
			monthly_points INTEGER NOT NULL DEFAULT 0,
			boost_multiplier REAL NOT NULL DEFAULT 1,
			boost_expires_at TEXT,
			role TEXT NOT NULL DEFAULT 'member',
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS partners (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			pin TEXT NOT NULL,
			token_balance INTEGER NOT NULL DEFAULT 0,
			visit_points INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			verified INTEGER NOT NULL DEFAULT 0,
			visit_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT,
			partner_id TEXT,
			points INTEGER NOT NULL DEFAULT 0,
			effective_points INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS market_items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price_cents INTEGER NOT NULL,
			stock INTEGER NOT NULL DEFAULT 0,
			CHECK (stock >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS market_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			price_paid_cents INTEGER NOT NULL,
			payment_intent_id TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			received_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pin_attempts (
			user_id TEXT NOT NULL,
			partner_id TEXT NOT NULL,
			attempted_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unlocked_cards (
			user_id TEXT NOT NULL,
			partner_id TEXT NOT NULL,
			unlocked_at TEXT NOT NULL,
			PRIMARY KEY (user_id, partner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			points INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS mission_completions (
			user_id TEXT NOT NULL,
			mission_id TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (user_id, mission_id)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_plans (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			cost_points INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS plan_purchases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			payment_ref TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_user_id ON transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_partner_id ON transactions(partner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_txn_created_at ON transactions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pin_attempts_pair ON pin_attempts(user_id, partner_id, attempted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_users_monthly_points ON users(monthly_points)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// appendTransaction inserts an audit-log row inside an existing transaction.
// The audit trail is append-only; nothing in this package updates or deletes
// rows from the transactions table.
func appendTransaction(tx *sql.Tx, entry models.TransactionEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(`INSERT INTO transactions (
		id, type, user_id, partner_id, points, effective_points, note, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Type,
		entry.UserID,
		entry.PartnerID,
		entry.Points,
		entry.EffectivePoints,
		entry.Note,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// ListUserTransactions returns the user's audit entries, newest first.
func (db *DB) ListUserTransactions(ctx context.Context, userID string, limit int) ([]models.TransactionEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT id, type, user_id, partner_id,
		points, effective_points, note, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListTransactions returns the most recent audit entries across all actors.
func (db *DB) ListTransactions(ctx context.Context, limit int) ([]models.TransactionEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT id, type, user_id, partner_id,
		points, effective_points, note, created_at
		FROM transactions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.TransactionEntry, error) {
	var entries []models.TransactionEntry
	for rows.Next() {
		var entry models.TransactionEntry
		var createdAtStr string

		err := rows.Scan(
			&entry.ID,
			&entry.Type,
			&entry.UserID,
			&entry.PartnerID,
			&entry.Points,
			&entry.EffectivePoints,
			&entry.Note,
			&createdAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HasProcessedEvent reports whether a webhook event ID has already been claimed.
func (db *DB) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query webhook events: %w", err)
	}
	return n > 0, nil
}
