package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/metrics"
	"github.com/mvetter/keymint/internal/money"
)

// Transaction categories recorded by Adjust. Free-form categories are
// accepted; these are the ones the engine itself writes.
const (
	CategoryPurchase    = "purchase"
	CategoryAdminAdd    = "admin_add"
	CategoryAdminRemove = "admin_remove"
)

// User is a row of the users table.
type User struct {
	ID             string
	Username       string
	Balance        money.Cents
	TotalSpent     money.Cents
	TotalEarned    money.Cents
	IsReseller     bool
	CommissionRate float64
	ResellerCode   string
	CreatedAt      time.Time
	LastActivity   time.Time
}

// Transaction is an immutable row of the append-only transaction log.
type Transaction struct {
	ID          int64
	UserID      string
	Amount      money.Cents
	Category    string
	Description string
	CreatedAt   time.Time
}

// Ledger maintains per-user balances, cumulative totals, and the
// transaction log. Balance, totals, and the log row change together in
// one transaction under the per-user lock — never independently.
type Ledger struct {
	db        *sql.DB
	userLocks *keyedMutex
}

// CreateUserIfAbsent inserts a user row if none exists. Existing rows
// are untouched apart from a last-activity bump.
func (l *Ledger) CreateUserIfAbsent(userID, username string) error {
	if strings.TrimSpace(userID) == "" {
		return kmerrors.Invalid("create_user", userID, "empty user id")
	}

	now := time.Now().Unix()
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO users (user_id, username, created_at, last_activity) VALUES (?, ?, ?, ?)`,
		userID, username, now, now)
	if err != nil {
		return kmerrors.WrapPersistence("create_user", userID, err)
	}

	_, err = l.db.Exec(
		`UPDATE users SET last_activity = ? WHERE user_id = ?`, now, userID)
	if err != nil {
		return kmerrors.WrapPersistence("create_user", userID, err)
	}
	return nil
}

// Get returns the user row for userID.
func (l *Ledger) Get(userID string) (*User, error) {
	row := l.db.QueryRow(
		`SELECT user_id, username, balance, total_spent, total_earned,
		        is_reseller, commission_rate, COALESCE(reseller_code, ''),
		        created_at, last_activity
		 FROM users WHERE user_id = ?`, userID)

	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, kmerrors.NotFound("get_user", userID)
	}
	if err != nil {
		return nil, kmerrors.WrapPersistence("get_user", userID, err)
	}
	return u, nil
}

// TouchActivity bumps the user's last-activity timestamp.
func (l *Ledger) TouchActivity(userID string) error {
	_, err := l.db.Exec(
		`UPDATE users SET last_activity = ? WHERE user_id = ?`,
		time.Now().Unix(), userID)
	if err != nil {
		return kmerrors.WrapPersistence("touch_activity", userID, err)
	}
	return nil
}

// Adjust applies a signed balance change, updates the cumulative
// totals, and appends the transaction row, all in one database
// transaction under the per-user lock. There is no balance floor here;
// callers that must not overdraw use DebitIfSufficient.
func (l *Ledger) Adjust(userID string, amount money.Cents, category, description string) error {
	if amount == 0 {
		return kmerrors.Invalid("adjust_balance", userID, "zero amount")
	}

	unlock := l.userLocks.Lock(userID)
	defer unlock()

	return l.adjustLocked(userID, amount, category, description)
}

// DebitIfSufficient debits amount only when the current balance covers
// it, with the check and the debit in one per-user critical section.
func (l *Ledger) DebitIfSufficient(userID string, amount money.Cents, category, description string) error {
	if amount <= 0 {
		return kmerrors.Invalid("debit_balance", userID, "amount must be positive")
	}

	unlock := l.userLocks.Lock(userID)
	defer unlock()

	var balance int64
	err := l.db.QueryRow(`SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return kmerrors.NotFound("debit_balance", userID)
	}
	if err != nil {
		return kmerrors.WrapPersistence("debit_balance", userID, err)
	}
	if money.Cents(balance) < amount {
		return kmerrors.New(kmerrors.ErrorTypeBalance, "debit_balance", userID,
			fmt.Errorf("%w: have %s, need %s", kmerrors.ErrInsufficientBalance,
				money.Cents(balance), amount))
	}

	return l.adjustLocked(userID, -amount, category, description)
}

// adjustLocked requires the caller to hold the user's lock.
func (l *Ledger) adjustLocked(userID string, amount money.Cents, category, description string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return kmerrors.WrapPersistence("adjust_balance", userID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE users SET balance = balance + ? WHERE user_id = ?`,
		int64(amount), userID)
	if err != nil {
		return kmerrors.WrapPersistence("adjust_balance", userID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return kmerrors.NotFound("adjust_balance", userID)
	}

	if amount > 0 {
		_, err = tx.Exec(`UPDATE users SET total_earned = total_earned + ? WHERE user_id = ?`,
			int64(amount), userID)
	} else {
		_, err = tx.Exec(`UPDATE users SET total_spent = total_spent + ? WHERE user_id = ?`,
			int64(-amount), userID)
	}
	if err != nil {
		return kmerrors.WrapPersistence("adjust_balance", userID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO transactions (user_id, amount, category, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, int64(amount), category, description, time.Now().Unix())
	if err != nil {
		return kmerrors.WrapPersistence("adjust_balance", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return kmerrors.WrapPersistence("adjust_balance", userID, err)
	}

	metrics.BalanceAdjustments.WithLabelValues(category).Inc()
	log.Info().
		Str("user", userID).
		Str("amount", amount.String()).
		Str("category", category).
		Msg("Balance adjusted")
	return nil
}

// Recent returns the user's transactions, newest first.
func (l *Ledger) Recent(userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.Query(
		`SELECT id, user_id, amount, category, description, created_at
		 FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, kmerrors.WrapPersistence("recent_transactions", userID, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var amount, created int64
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &t.Category, &t.Description, &created); err != nil {
			return nil, kmerrors.WrapPersistence("recent_transactions", userID, err)
		}
		t.Amount = money.Cents(amount)
		t.CreatedAt = time.Unix(created, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// MakeReseller flags the user as a reseller with the given commission
// rate and assigns a fresh unique reseller code.
func (l *Ledger) MakeReseller(userID string, rate float64) (string, error) {
	if rate < 0 || rate > 1 {
		return "", kmerrors.Invalid("make_reseller", userID, "commission rate outside [0,1]")
	}

	// Retry on the off chance a generated code collides.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateResellerCode()
		if err != nil {
			return "", kmerrors.WrapPersistence("make_reseller", userID, err)
		}

		res, err := l.db.Exec(
			`UPDATE users SET is_reseller = 1, commission_rate = ?, reseller_code = ? WHERE user_id = ?`,
			rate, code, userID)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return "", kmerrors.WrapPersistence("make_reseller", userID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return "", kmerrors.NotFound("make_reseller", userID)
		}

		log.Info().Str("user", userID).Float64("rate", rate).Msg("User promoted to reseller")
		return code, nil
	}
	return "", kmerrors.WrapPersistence("make_reseller", userID,
		fmt.Errorf("could not generate a unique reseller code"))
}

// Search matches users by id or username substring, most recently
// active first.
func (l *Ledger) Search(query string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"

	rows, err := l.db.Query(
		`SELECT user_id, username, balance, total_spent, total_earned,
		        is_reseller, commission_rate, COALESCE(reseller_code, ''),
		        created_at, last_activity
		 FROM users
		 WHERE user_id LIKE ? OR username LIKE ?
		 ORDER BY last_activity DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, kmerrors.WrapPersistence("search_users", query, err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, kmerrors.WrapPersistence("search_users", query, err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var balance, spent, earned, created, active int64
	var isReseller int
	if err := row.Scan(&u.ID, &u.Username, &balance, &spent, &earned,
		&isReseller, &u.CommissionRate, &u.ResellerCode, &created, &active); err != nil {
		return nil, err
	}
	u.Balance = money.Cents(balance)
	u.TotalSpent = money.Cents(spent)
	u.TotalEarned = money.Cents(earned)
	u.IsReseller = isReseller != 0
	u.CreatedAt = time.Unix(created, 0)
	u.LastActivity = time.Unix(active, 0)
	return &u, nil
}

const resellerCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateResellerCode() (string, error) {
	var sb strings.Builder
	sb.WriteString("RSL")
	for i := 0; i < 8; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(resellerCodeAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(resellerCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
