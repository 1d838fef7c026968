package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outcomelab/settled/internal/domain"
)

func TestFeeTierMultipliers(t *testing.T) {
	const amount = int64(1_000_000)
	const rate = int64(200) // 2%

	cases := []struct {
		name string
		tier domain.ReputationTier
		want int64
	}{
		{"none pays full rate", domain.TierNone, 20_000},
		{"basic pays full rate", domain.TierBasic, 20_000},
		{"pro pays 75%", domain.TierPro, 15_000},
		{"institutional pays 50%", domain.TierInstitutional, 10_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fee(amount, rate, tc.tier)
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFeeEdges(t *testing.T) {
	got, err := Fee(0, 200, domain.TierNone)
	assert.NoError(t, err)
	assert.Zero(t, got)

	// Amounts too small to yield a fee round to zero, never negative.
	got, err = Fee(49, 200, domain.TierNone)
	assert.NoError(t, err)
	assert.Zero(t, got)

	_, err = Fee(-1, 200, domain.TierNone)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = Fee(1, -1, domain.TierNone)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
