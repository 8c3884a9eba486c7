// Package score turns a match candidate and its source's trust tier into a
// 0-100 confidence.
package score

import (
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

const (
	// strengthWeight scales a 0-1 match strength into base points.
	strengthWeight = 70
	// ambiguityPenalty is subtracted when the normalizer flagged the
	// observation as uncertain.
	ambiguityPenalty = 15
)

// Breakdown explains how a score was reached.
type Breakdown struct {
	Base    int `json:"base"`
	Bonus   int `json:"bonus"`
	Penalty int `json:"penalty"`
	Score   int `json:"score"`
}

// Compute scores c for a source of the given tier. It has no side effects
// other than a debug log line.
func Compute(c model.MatchCandidate, tier model.TrustTier) Breakdown {
	b := Breakdown{
		Base:  int(math.Round(c.Strength * strengthWeight)),
		Bonus: tier.Bonus(),
	}
	if c.Ambiguous {
		b.Penalty = ambiguityPenalty
	}
	b.Score = clamp(b.Base+b.Bonus-b.Penalty, 0, 100)

	zap.L().Debug("score: computed",
		zap.String("observation_id", c.ObservationID),
		zap.String("entity_id", c.EntityID),
		zap.String("basis", string(c.Basis)),
		zap.Float64("strength", c.Strength),
		zap.String("tier", string(tier)),
		zap.Int("base", b.Base),
		zap.Int("bonus", b.Bonus),
		zap.Int("penalty", b.Penalty),
		zap.Int("score", b.Score),
	)
	return b
}

// Score returns only the final number of Compute.
func Score(c model.MatchCandidate, tier model.TrustTier) int {
	return Compute(c, tier).Score
}

// ForCreate scores the values of an observation that creates a new entity.
// Nothing was matched, so the observation vouches for itself at full
// strength.
func ForCreate(obs *model.Normalized) int {
	return Score(model.MatchCandidate{
		ObservationID: obs.ObservationID,
		Basis:         model.BasisNew,
		Strength:      1.0,
		Ambiguous:     obs.Ambiguous(),
	}, obs.Tier)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
