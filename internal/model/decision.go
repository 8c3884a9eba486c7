package model

import (
	"slices"
	"time"
)

// MergeAction is what the merge engine decided for one field.
type MergeAction string

const (
	ActionFill      MergeAction = "fill"
	ActionOverwrite MergeAction = "overwrite"
	ActionReject    MergeAction = "reject"
	ActionUnion     MergeAction = "union"
)

// MergeDecision is the merge engine's output for one field.
type MergeDecision struct {
	Field      FieldKey    `json:"field"`
	Action     MergeAction `json:"action"`
	OldValue   string      `json:"old_value,omitempty"`
	NewValue   string      `json:"new_value,omitempty"`
	Source     string      `json:"source,omitempty"`
	Confidence int         `json:"confidence"`
	Verified   bool        `json:"verified"`
	Reason     string      `json:"reason"`
	// Tags holds the resulting tag set for union decisions.
	Tags []string `json:"tags,omitempty"`
}

// Changes reports whether applying the decision alters the entity.
func (d MergeDecision) Changes() bool {
	return d.Action != ActionReject
}

// Patch is the set of decisions produced for one observation against one
// entity.
type Patch struct {
	ObservationID string          `json:"observation_id"`
	Decisions     []MergeDecision `json:"decisions"`
	// BaseVersion is the entity version the decisions were computed against.
	// Stores refuse the patch when the entity has moved on. Zero skips the
	// check.
	BaseVersion int `json:"base_version,omitempty"`
}

// Applied returns the decisions that change the entity.
func (p Patch) Applied() []MergeDecision {
	var out []MergeDecision
	for _, d := range p.Decisions {
		if d.Changes() {
			out = append(out, d)
		}
	}
	return out
}

// AuditEntry records one applied decision in an entity's history.
type AuditEntry struct {
	EntityID      string        `json:"entity_id"`
	ObservationID string        `json:"observation_id"`
	Decision      MergeDecision `json:"decision"`
	AppliedAt     time.Time     `json:"applied_at"`
}

// ApplyPatch applies p to e in place and returns the audit entries for the
// decisions that changed a field. Rejected decisions leave no history. The
// version is bumped only when something changed.
func ApplyPatch(e *Entity, p Patch, now time.Time) []AuditEntry {
	if e.Fields == nil {
		e.Fields = make(map[FieldKey]Field)
	}

	var audit []AuditEntry
	for _, d := range p.Decisions {
		switch d.Action {
		case ActionFill, ActionOverwrite:
			e.Fields[d.Field] = Field{
				Value:      d.NewValue,
				Source:     d.Source,
				Confidence: d.Confidence,
				Verified:   d.Verified,
				UpdatedAt:  now,
			}
		case ActionUnion:
			e.Tags = slices.Clone(d.Tags)
		default:
			continue
		}
		audit = append(audit, AuditEntry{
			EntityID:      e.ID,
			ObservationID: p.ObservationID,
			Decision:      d,
			AppliedAt:     now,
		})
	}

	linked := false
	if p.ObservationID != "" && !slices.Contains(e.ObservationIDs, p.ObservationID) {
		e.ObservationIDs = append(e.ObservationIDs, p.ObservationID)
		linked = true
	}

	if len(audit) > 0 || linked {
		e.Version++
		e.UpdatedAt = now
	}
	return audit
}
