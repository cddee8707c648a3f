package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name           string
		base           money.Cents
		rate           float64
		wantPrice      money.Cents
		wantCommission money.Cents
	}{
		{"twenty percent", 49500, 0.20, 39600, 9900},
		{"zero rate", 10000, 0, 10000, 0},
		{"full rate", 10000, 1, 0, 10000},
		{"odd cents round", 999, 0.33, 669, 330},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Compute(tt.base, tt.rate)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, q.Price)
			assert.Equal(t, tt.wantCommission, q.Commission)
		})
	}
}

func TestComputeConservesBase(t *testing.T) {
	for _, base := range []money.Cents{1, 99, 101, 4995, 49500} {
		for _, rate := range []float64{0, 0.1, 1.0 / 3, 0.5, 0.99, 1} {
			q, err := Compute(base, rate)
			require.NoError(t, err)
			assert.Equal(t, base, q.Price+q.Commission,
				"base %d rate %f", base, rate)
			assert.GreaterOrEqual(t, q.Price, money.Cents(0))
			assert.GreaterOrEqual(t, q.Commission, money.Cents(0))
		}
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := Compute(10000, -0.01)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)

	_, err = Compute(10000, 1.01)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)

	_, err = Compute(0, 0.2)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)

	_, err = Compute(-100, 0.2)
	assert.ErrorIs(t, err, kmerrors.ErrInvalidInput)
}
