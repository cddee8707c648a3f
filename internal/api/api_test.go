package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvetter/keymint/internal/catalog"
	"github.com/mvetter/keymint/internal/inventory"
	"github.com/mvetter/keymint/internal/money"
	"github.com/mvetter/keymint/internal/purchase"
	"github.com/mvetter/keymint/internal/store"
	"github.com/mvetter/keymint/internal/sweeper"
)

const testToken = "test-admin-token"

const testCatalog = `
products:
  - id: proxy30
    name: Proxy 30 Days
    price_cents: 500
    duration_days: 30
`

type env struct {
	store  *store.Store
	inv    *inventory.Inventory
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	inv, err := inventory.New(filepath.Join(dir, "keys"))
	require.NoError(t, err)

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o600))
	cat, err := catalog.Load(catalogPath)
	require.NoError(t, err)

	journal, err := purchase.OpenJournal(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	coord := purchase.NewCoordinator(inv, cat, st.Ledger(), st.Licenses(), st.Audit(), nil, journal)
	sw := sweeper.New(st.Licenses(), time.Minute)

	srv := httptest.NewServer(NewServer(st, inv, cat, coord, sw, testToken).Router())
	t.Cleanup(srv.Close)

	return &env{store: st, inv: inv, server: srv}
}

func (e *env) request(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *env) seedReseller(t *testing.T, id string, balance money.Cents, rate float64) {
	t.Helper()
	require.NoError(t, e.store.Ledger().CreateUserIfAbsent(id, id))
	require.NoError(t, e.store.Ledger().Adjust(id, balance, store.CategoryAdminAdd, "seed"))
	_, err := e.store.Ledger().MakeReseller(id, rate)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestGetUser(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodGet, "/api/users/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, e.store.Ledger().CreateUserIfAbsent("alice", "alice"))
	resp = e.request(t, http.MethodGet, "/api/users/alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	u := decode[userResponse](t, resp)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, money.Cents(0), u.Balance)
}

func TestPurchaseRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.seedReseller(t, "seller", 1000, 0.1)
	require.NoError(t, e.inv.Stock("proxy30", "PXY-001"))

	resp := e.request(t, http.MethodPost, "/api/purchase", purchaseRequest{
		BuyerID: "seller", BuyerName: "seller", ProductID: "proxy30",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	receipt := decode[purchase.Receipt](t, resp)
	assert.Equal(t, "PXY-001", receipt.LicenseID)
	assert.Equal(t, money.Cents(450), receipt.Price)
	assert.Equal(t, money.Cents(550), receipt.BalanceAfter)

	// The buyer was also the recipient, so the license shows up for them.
	resp = e.request(t, http.MethodGet, "/api/users/seller/licenses", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	licenses := decode[[]licenseResponse](t, resp)
	require.Len(t, licenses, 1)
	assert.Equal(t, "PXY-001", licenses[0].ID)

	resp = e.request(t, http.MethodGet, "/api/users/seller/transactions", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txs := decode[[]transactionResponse](t, resp)
	require.NotEmpty(t, txs)
	assert.Equal(t, money.Cents(-450), txs[0].Amount)
}

func TestPurchaseErrorStatuses(t *testing.T) {
	e := newEnv(t)
	e.seedReseller(t, "broke", 10, 0.1)
	require.NoError(t, e.inv.Stock("proxy30", "PXY-001"))

	resp := e.request(t, http.MethodPost, "/api/purchase", purchaseRequest{
		BuyerID: "broke", ProductID: "proxy30",
	}, "")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	e.seedReseller(t, "rich", 10000, 0.1)
	resp = e.request(t, http.MethodPost, "/api/purchase", purchaseRequest{
		BuyerID: "rich", ProductID: "nope",
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Drain the single key, then hit empty stock.
	resp = e.request(t, http.MethodPost, "/api/purchase", purchaseRequest{
		BuyerID: "rich", ProductID: "proxy30",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.request(t, http.MethodPost, "/api/purchase", purchaseRequest{
		BuyerID: "rich", ProductID: "proxy30",
	}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminRequiresToken(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodGet, "/api/admin/stats", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/api/admin/stats", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/api/admin/stats", nil, testToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdjustBalance(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/api/admin/balance", balanceRequest{
		AdminID: "admin", UserID: "bob", Username: "bob", Amount: 1500, Reason: "topup",
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	u := decode[userResponse](t, resp)
	assert.Equal(t, money.Cents(1500), u.Balance)

	resp = e.request(t, http.MethodGet, "/api/admin/audit", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]auditResponse](t, resp)
	require.NotEmpty(t, entries)
	assert.Equal(t, "add_balance", entries[0].Action)
}

func TestStockAndProducts(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/api/admin/keys", stockRequest{
		AdminID: "admin", ProductID: "nope", Keys: []string{"X-1"},
	}, testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "stocking an uncataloged product is rejected")

	resp = e.request(t, http.MethodPost, "/api/admin/keys", stockRequest{
		AdminID: "admin", ProductID: "proxy30", Keys: []string{"PXY-001", "PXY-002"},
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]int](t, resp)
	assert.Equal(t, 2, result["added"])
	assert.Equal(t, 2, result["stock"])

	resp = e.request(t, http.MethodGet, "/api/products", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	products := decode[[]productResponse](t, resp)
	require.Len(t, products, 1)
	assert.Equal(t, 2, products[0].Stock)
}

func TestStockContinuesPastDuplicates(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.inv.Stock("proxy30", "PXY-001"))

	resp := e.request(t, http.MethodPost, "/api/admin/keys", stockRequest{
		AdminID: "admin", ProductID: "proxy30", Keys: []string{"PXY-002", "PXY-001", "PXY-003"},
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, "a duplicate mid-batch is not fatal")
	result := decode[map[string]int](t, resp)
	assert.Equal(t, 2, result["added"])
	assert.Equal(t, 1, result["skipped"])
	assert.Equal(t, 3, result["stock"])

	// Replaying the whole batch adds nothing and still succeeds.
	resp = e.request(t, http.MethodPost, "/api/admin/keys", stockRequest{
		AdminID: "admin", ProductID: "proxy30", Keys: []string{"PXY-002", "PXY-001", "PXY-003"},
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decode[map[string]int](t, resp)
	assert.Equal(t, 0, result["added"])
	assert.Equal(t, 3, result["skipped"])
	assert.Equal(t, 3, result["stock"])
}

func TestGrantAndRevoke(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.inv.Stock("proxy30", "PXY-001"))

	resp := e.request(t, http.MethodPost, "/api/admin/licenses", grantRequest{
		AdminID: "admin", UserID: "carol", Username: "carol", ProductID: "proxy30",
	}, testToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	lic := decode[licenseResponse](t, resp)
	assert.Equal(t, "PXY-001", lic.ID)

	resp = e.request(t, http.MethodDelete, "/api/admin/licenses/PXY-001", revokeRequest{
		AdminID: "admin", UserID: "carol",
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	count, err := e.inv.Count("proxy30")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "revoked key returns to the pool")
}

func TestResetHwid(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.inv.Stock("proxy30", "PXY-001"))

	resp := e.request(t, http.MethodPost, "/api/admin/licenses", grantRequest{
		AdminID: "admin", UserID: "dave", Username: "dave", ProductID: "proxy30",
	}, testToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.request(t, http.MethodPost, "/api/admin/licenses/PXY-001/reset-hwid", resetHwidRequest{
		AdminID: "admin", UserID: "dave", Reason: "new machine",
	}, testToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.request(t, http.MethodPost, "/api/admin/licenses/PXY-404/reset-hwid", resetHwidRequest{
		AdminID: "admin", UserID: "dave",
	}, testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSweepEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/api/admin/sweep", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]int](t, resp)
	assert.Equal(t, 0, result["swept"])
}
