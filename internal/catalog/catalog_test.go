package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
)

const sampleCatalog = `
products:
  - id: vallifetime
    name: Valorant LifeTime License
    price_cents: 49500
    duration_days: 365
    key_prefix: VAL-LT-
  - id: val1month
    name: Valorant 1 Month License
    price_cents: 28500
    duration_days: 30
    key_prefix: VAL-1M-
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	require.Equal(t, 2, c.Len())

	p, err := c.Get("vallifetime")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(49500), p.PriceCents)
	assert.Equal(t, 365, p.DurationDays)
	assert.Equal(t, "VAL-LT-", p.KeyPrefix)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "val1month", list[0].ID, "list is sorted by id")
}

func TestGetUnknownProduct(t *testing.T) {
	c, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, kmerrors.ErrNotFound)
}

func TestLoadRejectsBadProducts(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "products: []\n"},
		{"zero price", "products:\n  - id: a1\n    name: A\n    price_cents: 0\n    duration_days: 7\n"},
		{"zero duration", "products:\n  - id: a1\n    name: A\n    price_cents: 100\n    duration_days: 0\n"},
		{"missing name", "products:\n  - id: a1\n    price_cents: 100\n    duration_days: 7\n"},
		{"duplicate id", "products:\n  - id: a1\n    name: A\n    price_cents: 100\n    duration_days: 7\n  - id: a1\n    name: B\n    price_cents: 200\n    duration_days: 30\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeCatalog(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	c, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{{{{"), 0o600))
	require.Error(t, c.Reload())

	// Previous product set survives the failed reload.
	assert.Equal(t, 2, c.Len())
}
