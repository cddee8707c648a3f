package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
)

// License is a time-bounded access grant. Its id is the redeemed key
// string. ExpiresAt is fixed at creation and never recomputed; the
// Active flag is a denormalized hint only flipped by the sweeper or an
// explicit delete — authoritative expiry is always expires_at vs now.
type License struct {
	ID          string
	UserID      string
	ProductID   string
	ProductName string
	Hwid        string
	HwidLimit   int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedBy   string
	Active      bool
}

// Expired reports whether the license is past its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Licenses stores license rows and their hardware-binding reset
// history. It knows nothing about the key inventory; returning a
// deleted license's key to stock is the caller's composition.
type Licenses struct {
	db *sql.DB
}

// Create inserts a license identified by an already-redeemed key.
// Expiry is computed here, once, from the supplied duration.
func (s *Licenses) Create(licenseID, userID, productID, productName string, durationDays int, createdBy string, hwidLimit int) (*License, error) {
	if strings.TrimSpace(licenseID) == "" {
		return nil, kmerrors.Invalid("create_license", licenseID, "empty license id")
	}
	if durationDays <= 0 {
		return nil, kmerrors.Invalid("create_license", licenseID, "duration must be positive")
	}
	if hwidLimit <= 0 {
		hwidLimit = 1
	}

	now := time.Now()
	expires := now.Add(time.Duration(durationDays) * 24 * time.Hour)

	_, err := s.db.Exec(
		`INSERT INTO licenses (license_id, user_id, product_id, product_name, hwid_limit, created_at, expires_at, created_by, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		licenseID, userID, productID, productName, hwidLimit, now.Unix(), expires.Unix(), createdBy)
	if err != nil {
		return nil, kmerrors.WrapPersistence("create_license", licenseID, err)
	}

	log.Info().
		Str("license", licenseID).
		Str("user", userID).
		Str("product", productID).
		Time("expires", expires).
		Msg("License created")

	return &License{
		ID:          licenseID,
		UserID:      userID,
		ProductID:   productID,
		ProductName: productName,
		HwidLimit:   hwidLimit,
		CreatedAt:   now,
		ExpiresAt:   expires,
		CreatedBy:   createdBy,
		Active:      true,
	}, nil
}

// Get returns the license with the given id.
func (s *Licenses) Get(licenseID string) (*License, error) {
	row := s.db.QueryRow(selectLicense+` WHERE license_id = ?`, licenseID)
	lic, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, kmerrors.NotFound("get_license", licenseID)
	}
	if err != nil {
		return nil, kmerrors.WrapPersistence("get_license", licenseID, err)
	}
	return lic, nil
}

// ListForUser returns the user's licenses, newest created first.
// Unless includeExpired is set, only licenses whose expires_at is in
// the future are returned; the is_active flag is deliberately not
// consulted here since it may lag a sweep.
func (s *Licenses) ListForUser(userID string, includeExpired bool) ([]License, error) {
	query := selectLicense + ` WHERE user_id = ?`
	args := []any{userID}
	if !includeExpired {
		query += ` AND expires_at > ?`
		args = append(args, time.Now().Unix())
	}
	query += ` ORDER BY created_at DESC, license_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, kmerrors.WrapPersistence("list_licenses", userID, err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// Delete removes the license row for licenseID owned by userID. The
// caller is responsible for returning the key to the product's pool.
func (s *Licenses) Delete(licenseID, userID string) (*License, error) {
	lic, err := s.Get(licenseID)
	if err != nil {
		return nil, err
	}
	if lic.UserID != userID {
		return nil, kmerrors.NotFound("delete_license", licenseID)
	}

	res, err := s.db.Exec(`DELETE FROM licenses WHERE license_id = ? AND user_id = ?`, licenseID, userID)
	if err != nil {
		return nil, kmerrors.WrapPersistence("delete_license", licenseID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, kmerrors.NotFound("delete_license", licenseID)
	}

	log.Info().Str("license", licenseID).Str("user", userID).Msg("License deleted")
	return lic, nil
}

// ResetHwid clears the hardware binding and appends a reset record, in
// one transaction. Expiry is untouched.
func (s *Licenses) ResetHwid(licenseID, userID, resetBy, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return kmerrors.WrapPersistence("reset_hwid", licenseID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE licenses SET hwid = NULL WHERE license_id = ? AND user_id = ?`,
		licenseID, userID)
	if err != nil {
		return kmerrors.WrapPersistence("reset_hwid", licenseID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return kmerrors.NotFound("reset_hwid", licenseID)
	}

	_, err = tx.Exec(
		`INSERT INTO hwid_resets (license_id, user_id, reset_by, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		licenseID, userID, resetBy, reason, time.Now().Unix())
	if err != nil {
		return kmerrors.WrapPersistence("reset_hwid", licenseID, err)
	}

	if err := tx.Commit(); err != nil {
		return kmerrors.WrapPersistence("reset_hwid", licenseID, err)
	}

	log.Info().Str("license", licenseID).Str("resetBy", resetBy).Msg("HWID reset")
	return nil
}

// HwidResetCount returns how many resets the user accrued within the
// window ending now. Informational only; no limit is enforced here.
func (s *Licenses) HwidResetCount(userID string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).Unix()
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM hwid_resets WHERE user_id = ? AND created_at >= ?`,
		userID, cutoff).Scan(&count)
	if err != nil {
		return 0, kmerrors.WrapPersistence("hwid_reset_count", userID, err)
	}
	return count, nil
}

// Search matches licenses by id or product id substring, newest first.
func (s *Licenses) Search(query string, limit int) ([]License, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"

	rows, err := s.db.Query(
		selectLicense+` WHERE license_id LIKE ? OR product_id LIKE ?
		 ORDER BY created_at DESC, license_id LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, kmerrors.WrapPersistence("search_licenses", query, err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// SweepExpired flips is_active off for licenses past expiry and
// returns how many rows changed. Idempotent: a second sweep with no
// newly expired licenses changes zero rows.
func (s *Licenses) SweepExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE licenses SET is_active = 0 WHERE is_active = 1 AND expires_at <= ?`,
		now.Unix())
	if err != nil {
		return 0, kmerrors.WrapPersistence("sweep_expired", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, kmerrors.WrapPersistence("sweep_expired", "", err)
	}
	return int(affected), nil
}

// CountActive counts licenses whose expiry is in the future.
func (s *Licenses) CountActive(now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM licenses WHERE expires_at > ?`, now.Unix()).Scan(&count)
	if err != nil {
		return 0, kmerrors.WrapPersistence("count_active", "", err)
	}
	return count, nil
}

const selectLicense = `SELECT license_id, user_id, product_id, product_name,
	COALESCE(hwid, ''), hwid_limit, created_at, expires_at, created_by, is_active
	FROM licenses`

func scanLicense(row rowScanner) (*License, error) {
	var lic License
	var created, expires int64
	var active int
	if err := row.Scan(&lic.ID, &lic.UserID, &lic.ProductID, &lic.ProductName,
		&lic.Hwid, &lic.HwidLimit, &created, &expires, &lic.CreatedBy, &active); err != nil {
		return nil, err
	}
	lic.CreatedAt = time.Unix(created, 0)
	lic.ExpiresAt = time.Unix(expires, 0)
	lic.Active = active != 0
	return &lic, nil
}

func collectLicenses(rows *sql.Rows) ([]License, error) {
	var out []License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, kmerrors.WrapPersistence("scan_license", "", err)
		}
		out = append(out, *lic)
	}
	return out, rows.Err()
}
