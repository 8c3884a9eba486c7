package model

// MatchBasis names what an observation matched an entity on.
type MatchBasis string

const (
	BasisVerifiedEmail   MatchBasis = "exact-verified-email"
	BasisLinkedIn        MatchBasis = "exact-linkedin"
	BasisEmail           MatchBasis = "exact-email"
	BasisNameCompany     MatchBasis = "fuzzy-name+company"
	BasisNameEmailDomain MatchBasis = "email-domain+name"
	BasisNew             MatchBasis = "new-entity"
)

// MatchCandidate is the result of comparing one observation with one entity.
// Candidates are never persisted outside a run's audit output.
type MatchCandidate struct {
	ObservationID string     `json:"observation_id"`
	EntityID      string     `json:"entity_id"`
	Basis         MatchBasis `json:"basis"`
	Tier          int        `json:"tier"`
	Strength      float64    `json:"strength"`
	Ambiguous     bool       `json:"ambiguous,omitempty"`
	Score         int        `json:"score,omitempty"`
}

// AutoMergeable reports whether the candidate came from one of the exact
// identifier tiers (1-3).
func (c MatchCandidate) AutoMergeable() bool {
	return c.Tier >= 1 && c.Tier <= 3
}
