package store

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/metrics"
	"github.com/mvetter/keymint/internal/money"
)

func TestCreateUserIfAbsent(t *testing.T) {
	l := newTestStore(t).Ledger()

	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))
	require.NoError(t, l.CreateUserIfAbsent("u1", "someone else"))

	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username, "second create does not overwrite")
	assert.Equal(t, money.Cents(0), u.Balance)
	assert.False(t, u.IsReseller)

	assert.ErrorIs(t, l.CreateUserIfAbsent("", "x"), kmerrors.ErrInvalidInput)
}

func TestGetUnknownUser(t *testing.T) {
	l := newTestStore(t).Ledger()

	_, err := l.Get("ghost")
	assert.ErrorIs(t, err, kmerrors.ErrNotFound)
}

func TestAdjustUpdatesBalanceTotalsAndLog(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	require.NoError(t, l.Adjust("u1", 1000, CategoryAdminAdd, "initial credit"))
	require.NoError(t, l.Adjust("u1", -300, CategoryPurchase, "bought something"))

	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(700), u.Balance)
	assert.Equal(t, money.Cents(1000), u.TotalEarned)
	assert.Equal(t, money.Cents(300), u.TotalSpent)

	txs, err := l.Recent("u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, money.Cents(-300), txs[0].Amount, "newest first")
	assert.Equal(t, CategoryPurchase, txs[0].Category)
	assert.Equal(t, money.Cents(1000), txs[1].Amount)
}

func TestAdjustUnknownUser(t *testing.T) {
	l := newTestStore(t).Ledger()

	err := l.Adjust("ghost", 100, CategoryAdminAdd, "")
	assert.ErrorIs(t, err, kmerrors.ErrNotFound)
}

func TestAdjustRejectsZero(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	assert.ErrorIs(t, l.Adjust("u1", 0, CategoryAdminAdd, ""), kmerrors.ErrInvalidInput)
}

func TestDebitIfSufficient(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))
	require.NoError(t, l.Adjust("u1", 500, CategoryAdminAdd, ""))

	require.NoError(t, l.DebitIfSufficient("u1", 500, CategoryPurchase, "exact balance"))

	err := l.DebitIfSufficient("u1", 1, CategoryPurchase, "overdraw")
	assert.ErrorIs(t, err, kmerrors.ErrInsufficientBalance)

	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(0), u.Balance)

	txs, err := l.Recent("u1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2, "failed debit leaves no transaction")
}

func TestDebitIfSufficientConcurrentNeverOverdraws(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))
	require.NoError(t, l.Adjust("u1", 100, CategoryAdminAdd, ""))

	const attempts = 5
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			results <- l.DebitIfSufficient("u1", 30, CategoryPurchase, "concurrent")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, kmerrors.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 3, succeeded, "only three 30-cent debits fit in 100")

	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(10), u.Balance)
}

func TestMakeReseller(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	code, err := l.MakeReseller("u1", 0.25)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "RSL"))
	assert.Len(t, code, 11)

	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.True(t, u.IsReseller)
	assert.Equal(t, 0.25, u.CommissionRate)
	assert.Equal(t, code, u.ResellerCode)
}

func TestMakeResellerValidation(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	_, err := l.MakeReseller("u1", 1.5)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)

	_, err = l.MakeReseller("u1", -0.1)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)

	_, err = l.MakeReseller("ghost", 0.2)
	assert.ErrorIs(t, err, kmerrors.ErrNotFound)
}

func TestSearchUsers(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("1001", "alice"))
	require.NoError(t, l.CreateUserIfAbsent("1002", "bob"))
	require.NoError(t, l.CreateUserIfAbsent("2001", "alicia"))

	byName, err := l.Search("alic", 10)
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byID, err := l.Search("100", 10)
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	limited, err := l.Search("", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCreateUserIfAbsentBumpsActivity(t *testing.T) {
	s := newTestStore(t)
	l := s.Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	// Push the user's activity into the past, then revisit.
	_, err := s.db.Exec(`UPDATE users SET last_activity = last_activity - 3600 WHERE user_id = 'u1'`)
	require.NoError(t, err)
	stale, err := l.Get("u1")
	require.NoError(t, err)

	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))
	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.True(t, u.LastActivity.After(stale.LastActivity),
		"revisiting an existing user advances last_activity")
}

func TestTouchActivity(t *testing.T) {
	s := newTestStore(t)
	l := s.Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	_, err := s.db.Exec(`UPDATE users SET last_activity = last_activity - 3600 WHERE user_id = 'u1'`)
	require.NoError(t, err)
	stale, err := l.Get("u1")
	require.NoError(t, err)

	require.NoError(t, l.TouchActivity("u1"))
	u, err := l.Get("u1")
	require.NoError(t, err)
	assert.True(t, u.LastActivity.After(stale.LastActivity))
}

func TestAdjustCountsByCategory(t *testing.T) {
	l := newTestStore(t).Ledger()
	require.NoError(t, l.CreateUserIfAbsent("u1", "alice"))

	before := testutil.ToFloat64(metrics.BalanceAdjustments.WithLabelValues(CategoryAdminAdd))
	require.NoError(t, l.Adjust("u1", 500, CategoryAdminAdd, "credit"))
	after := testutil.ToFloat64(metrics.BalanceAdjustments.WithLabelValues(CategoryAdminAdd))
	assert.Equal(t, 1.0, after-before)
}
