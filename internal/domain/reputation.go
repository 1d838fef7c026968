package domain

import "github.com/ethereum/go-ethereum/common"

// ReputationTier is the admin-assigned standing of a market creator. It
// controls the creation-deposit requirement and scales the commission rate.
type ReputationTier string

const (
	TierNone          ReputationTier = "none"
	TierBasic         ReputationTier = "basic"
	TierPro           ReputationTier = "pro"
	TierInstitutional ReputationTier = "institutional"
)

// Privileged reports whether the tier creates markets without locking a
// deposit (Pro and above).
func (t ReputationTier) Privileged() bool {
	return t == TierPro || t == TierInstitutional
}

// CreatorReputation is the persisted per-creator tier record.
type CreatorReputation struct {
	Account   common.Address `json:"account"`
	Tier      ReputationTier `json:"tier"`
	UpdatedAt uint64         `json:"updated_at"`
}
