package model

// TrustTier is the configured reliability class of a source. It is assigned by
// configuration per source and never inferred from a payload.
type TrustTier string

const (
	TierFirstPartyVerified TrustTier = "first_party_verified"
	TierProviderVerified   TrustTier = "provider_verified"
	TierProviderUnverified TrustTier = "provider_unverified"
	TierInferred           TrustTier = "inferred"
)

// Tiers lists every known trust tier from most to least trusted.
var Tiers = []TrustTier{
	TierFirstPartyVerified,
	TierProviderVerified,
	TierProviderUnverified,
	TierInferred,
}

// Valid reports whether t is a known tier.
func (t TrustTier) Valid() bool {
	for _, k := range Tiers {
		if t == k {
			return true
		}
	}
	return false
}

// Verified reports whether values from this tier may be marked verified.
func (t TrustTier) Verified() bool {
	return t == TierFirstPartyVerified || t == TierProviderVerified
}

// Bonus returns the score bonus the tier adds on top of the match strength.
func (t TrustTier) Bonus() int {
	switch t {
	case TierFirstPartyVerified:
		return 30
	case TierProviderVerified:
		return 20
	case TierProviderUnverified:
		return 10
	default:
		return 0
	}
}
