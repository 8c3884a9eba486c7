// Package merge decides, field by field, whether an observation's values may
// change an entity.
package merge

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

// VerifiedMargin is how many points an incoming verified value must beat a
// stored verified value by before it may replace it.
const VerifiedMargin = 10

// Decide returns one decision per field present in obs, plus a tag decision
// when obs carries tags. It reads e and obs only; nothing is mutated.
// confidence is the match confidence from the scorer.
func Decide(e *model.Entity, obs *model.Normalized, confidence int) []model.MergeDecision {
	var out []model.MergeDecision
	for _, k := range model.FieldKeys {
		v := obs.Get(k)
		if v == "" {
			continue
		}
		conf, verified := incoming(obs, k, confidence)
		d := decideField(k, e.Get(k), v, conf, verified)
		d.Source = obs.Source
		out = append(out, d)
	}
	if len(obs.Tags) > 0 {
		d := decideTags(e.Tags, obs.Tags, confidence)
		d.Source = obs.Source
		out = append(out, d)
	}

	for _, d := range out {
		zap.L().Debug("merge: decision",
			zap.String("entity_id", e.ID),
			zap.String("observation_id", obs.ObservationID),
			zap.String("field", string(d.Field)),
			zap.String("action", string(d.Action)),
			zap.Int("confidence", d.Confidence),
			zap.Bool("verified", d.Verified),
			zap.String("reason", d.Reason),
		)
	}
	return out
}

// incoming returns the confidence and verified flag an observed value
// carries. Re-observed values (entity snapshots) can never claim more than
// they had originally.
func incoming(obs *model.Normalized, k model.FieldKey, confidence int) (int, bool) {
	verified := obs.Tier.Verified()
	if p, ok := obs.Provenance[k]; ok {
		confidence = min(confidence, p.Confidence)
		verified = verified && p.Verified
	}
	return confidence, verified
}

func decideField(k model.FieldKey, stored model.Field, value string, conf int, verified bool) model.MergeDecision {
	d := model.MergeDecision{
		Field:    k,
		OldValue: stored.Value,
		NewValue: value,
	}

	reject := func(reason string) model.MergeDecision {
		d.Action = model.ActionReject
		d.Confidence = stored.Confidence
		d.Verified = stored.Verified
		d.Reason = reason
		return d
	}
	accept := func(action model.MergeAction, c int, v bool, reason string) model.MergeDecision {
		d.Action = action
		d.Confidence = c
		d.Verified = v
		d.Reason = reason
		return d
	}

	switch {
	case stored.Empty():
		return accept(model.ActionFill, conf, verified, "field empty")

	case stored.Verified:
		if verified && conf > stored.Confidence+VerifiedMargin {
			return accept(model.ActionOverwrite, conf, true,
				fmt.Sprintf("verified source %d exceeds verified %d by more than %d", conf, stored.Confidence, VerifiedMargin))
		}
		if stored.Value == value {
			return reject("unchanged")
		}
		if !verified {
			return reject(fmt.Sprintf("verified value protected from unverified source (%d vs %d)", conf, stored.Confidence))
		}
		return reject(fmt.Sprintf("verified value protected: %d does not exceed %d by more than %d", conf, stored.Confidence, VerifiedMargin))

	case stored.Value == value:
		if conf > stored.Confidence || verified {
			return accept(model.ActionOverwrite, max(conf, stored.Confidence), verified,
				fmt.Sprintf("same value reinforced (%d, verified=%t)", max(conf, stored.Confidence), verified))
		}
		return reject("unchanged")

	case conf >= stored.Confidence:
		return accept(model.ActionOverwrite, conf, verified,
			fmt.Sprintf("incoming confidence %d >= stored %d", conf, stored.Confidence))

	default:
		return reject(fmt.Sprintf("incoming confidence %d < stored %d", conf, stored.Confidence))
	}
}
