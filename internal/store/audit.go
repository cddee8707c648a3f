package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
)

// AuditEntry records one privileged operation. Rows are append-only
// and never deleted by this engine.
type AuditEntry struct {
	ID            int64
	AdminID       string
	Action        string
	TargetUser    string
	TargetLicense string
	Details       string
	CreatedAt     time.Time
}

// AuditLog is the append-only record of privileged operations.
type AuditLog struct {
	db *sql.DB
}

// Append records a privileged operation.
func (a *AuditLog) Append(entry AuditEntry) error {
	if strings.TrimSpace(entry.AdminID) == "" || strings.TrimSpace(entry.Action) == "" {
		return kmerrors.Invalid("audit_append", entry.AdminID, "admin id and action are required")
	}

	_, err := a.db.Exec(
		`INSERT INTO admin_logs (admin_id, action, target_user, target_license, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AdminID, entry.Action, entry.TargetUser, entry.TargetLicense, entry.Details,
		time.Now().Unix())
	if err != nil {
		return kmerrors.WrapPersistence("audit_append", entry.AdminID, err)
	}

	log.Debug().
		Str("admin", entry.AdminID).
		Str("action", entry.Action).
		Str("targetUser", entry.TargetUser).
		Msg("Audit entry appended")
	return nil
}

// Recent returns the newest entries, newest first.
func (a *AuditLog) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.db.Query(
		`SELECT id, admin_id, action, target_user, target_license, details, created_at
		 FROM admin_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, kmerrors.WrapPersistence("audit_recent", "", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.AdminID, &e.Action, &e.TargetUser, &e.TargetLicense, &e.Details, &created); err != nil {
			return nil, kmerrors.WrapPersistence("audit_recent", "", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
