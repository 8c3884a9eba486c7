package resolver

import (
	"time"

	"github.com/sells-group/entity-resolver/internal/events"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// State is a step of the resolution state machine.
type State string

const (
	StateReceived         State = "received"
	StateNormalized       State = "normalized"
	StateMatched          State = "matched"
	StateScored           State = "scored"
	StateMergeDecided     State = "merge_decided"
	StateApplied          State = "applied"
	StateFlaggedForReview State = "flagged_for_review"
	StateRejected         State = "rejected"
)

// Terminal reports whether no further transition follows. Normalized is
// terminal only for malformed observations, MergeDecided only in dry runs.
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateFlaggedForReview, StateRejected, StateNormalized, StateMergeDecided:
		return true
	default:
		return false
	}
}

// Action is what the resolution did to the entity store.
type Action string

const (
	ActionNone   Action = ""
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionReview Action = "review"
)

// Outcome is the result of resolving one observation.
type Outcome struct {
	ObservationID string                 `json:"observation_id" yaml:"observation_id"`
	TenantID      string                 `json:"tenant_id" yaml:"tenant_id"`
	Source        string                 `json:"source,omitempty" yaml:"source,omitempty"`
	State         State                  `json:"state" yaml:"state"`
	Action        Action                 `json:"action,omitempty" yaml:"action,omitempty"`
	EntityID      string                 `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Score         int                    `json:"score,omitempty" yaml:"score,omitempty"`
	Candidates    []model.MatchCandidate `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Decisions     []model.MergeDecision  `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	ReviewID      string                 `json:"review_id,omitempty" yaml:"review_id,omitempty"`
	// Requeued is set when the observation was kept for a later replay.
	Requeued bool          `json:"requeued,omitempty" yaml:"requeued,omitempty"`
	Err      error         `json:"-" yaml:"-"`
	Duration time.Duration `json:"-" yaml:"-"`
}

func (o Outcome) reject(err error) Outcome {
	o.State = StateRejected
	o.Action = ActionNone
	o.Err = err
	return o
}

// Malformed reports whether resolution halted at Normalized.
func (o Outcome) Malformed() bool {
	return o.State == StateNormalized && o.Err != nil
}

// ErrorKind classifies a rejection as transient or permanent.
func (o Outcome) ErrorKind() resilience.ErrorKind {
	if o.Err == nil {
		return ""
	}
	return resilience.ClassifyError(o.Err)
}

// AppliedCount is the number of decisions that changed the entity.
func (o Outcome) AppliedCount() int {
	n := 0
	for _, d := range o.Decisions {
		if d.Changes() {
			n++
		}
	}
	return n
}

// Event converts the outcome into a published event. Updates that changed
// nothing produce no event.
func (o Outcome) Event(now time.Time) (events.Event, bool) {
	ev := events.Event{
		TenantID:      o.TenantID,
		ObservationID: o.ObservationID,
		EntityID:      o.EntityID,
		Score:         o.Score,
		At:            now,
	}
	if len(o.Candidates) > 0 {
		ev.Basis = string(o.Candidates[0].Basis)
	}
	switch o.State {
	case StateApplied:
		if o.Action == ActionCreate {
			ev.Type = events.EntityCreated
			return ev, true
		}
		if o.AppliedCount() == 0 {
			return ev, false
		}
		ev.Type = events.EntityUpdated
	case StateFlaggedForReview:
		ev.Type = events.ReviewFlagged
		for _, c := range o.Candidates {
			ev.Related = append(ev.Related, c.EntityID)
		}
	case StateRejected, StateNormalized:
		ev.Type = events.ObservationFail
		if o.Err != nil {
			ev.Reason = o.Err.Error()
		}
	default:
		return ev, false
	}
	return ev, true
}
