package model

import "time"

// ReviewKind distinguishes the two reasons a human decision is needed.
type ReviewKind string

const (
	ReviewAmbiguousMatch ReviewKind = "ambiguous_match"
	ReviewDuplicatePair  ReviewKind = "duplicate_pair"
)

// ReviewStatus is the lifecycle of a review item.
type ReviewStatus string

const (
	ReviewOpen      ReviewStatus = "open"
	ReviewResolved  ReviewStatus = "resolved"
	ReviewDismissed ReviewStatus = "dismissed"
)

// ReviewItem is a match the engine refused to decide on its own.
type ReviewItem struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Kind             ReviewKind       `json:"kind"`
	ObservationID    string           `json:"observation_id,omitempty"`
	EntityIDs        []string         `json:"entity_ids"`
	Candidates       []MatchCandidate `json:"candidates"`
	Reason           string           `json:"reason"`
	Status           ReviewStatus     `json:"status"`
	Resolution       string           `json:"resolution,omitempty"`
	ResolvedEntityID string           `json:"resolved_entity_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// Open reports whether the item still needs a decision.
func (r *ReviewItem) Open() bool {
	return r.Status == ReviewOpen
}
