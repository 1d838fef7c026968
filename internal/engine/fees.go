package engine

import "github.com/outcomelab/settled/internal/domain"

// Commission multipliers per creator tier, in bps of the base rate.
// None and Basic pay the full rate.
const (
	multBasicBps         = 10_000
	multProBps           = 7_500
	multInstitutionalBps = 5_000

	bpsDenominator = 10_000
)

func tierMultiplierBps(t domain.ReputationTier) int64 {
	switch t {
	case domain.TierPro:
		return multProBps
	case domain.TierInstitutional:
		return multInstitutionalBps
	default:
		return multBasicBps
	}
}

// Fee computes amount * rateBps * tierMultiplier / 10^8, rounding down.
// It is pure: tier and rate in, commission out.
func Fee(amount, rateBps int64, tier domain.ReputationTier) (int64, error) {
	if amount < 0 || rateBps < 0 {
		return 0, domain.ErrInvalidAmount
	}
	scaled, err := mulDiv(amount, rateBps, bpsDenominator)
	if err != nil {
		return 0, err
	}
	return mulDiv(scaled, tierMultiplierBps(tier), bpsDenominator)
}
