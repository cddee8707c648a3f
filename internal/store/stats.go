package store

import (
	"fmt"
	"time"

	"github.com/mvetter/keymint/internal/money"
)

// Stats aggregates storefront totals for the operator view.
type Stats struct {
	TotalUsers      int         `json:"totalUsers"`
	TotalResellers  int         `json:"totalResellers"`
	ActiveLicenses  int         `json:"activeLicenses"`
	TotalLicenses   int         `json:"totalLicenses"`
	MonthlyLicenses int         `json:"monthlyLicenses"`
	TotalRevenue    money.Cents `json:"totalRevenue"`
	MonthlyRevenue  money.Cents `json:"monthlyRevenue"`
}

// Stats computes the aggregate totals at now.
func (s *Store) Stats(now time.Time) (*Stats, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Unix()

	var st Stats
	queries := []struct {
		dest *int
		sql  string
		args []any
	}{
		{&st.TotalUsers, `SELECT COUNT(*) FROM users`, nil},
		{&st.TotalResellers, `SELECT COUNT(*) FROM users WHERE is_reseller = 1`, nil},
		{&st.ActiveLicenses, `SELECT COUNT(*) FROM licenses WHERE expires_at > ?`, []any{now.Unix()}},
		{&st.TotalLicenses, `SELECT COUNT(*) FROM licenses`, nil},
		{&st.MonthlyLicenses, `SELECT COUNT(*) FROM licenses WHERE created_at >= ?`, []any{monthStart}},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}

	var total, monthly int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions WHERE category = ?`,
		CategoryPurchase).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("stats revenue query: %w", err)
	}
	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions WHERE category = ? AND created_at >= ?`,
		CategoryPurchase, monthStart).Scan(&monthly)
	if err != nil {
		return nil, fmt.Errorf("stats monthly revenue query: %w", err)
	}

	st.TotalRevenue = money.Cents(total)
	st.MonthlyRevenue = money.Cents(monthly)
	return &st, nil
}
