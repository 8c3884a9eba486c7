package merge

import (
	"slices"
	"strings"

	"github.com/sells-group/entity-resolver/internal/model"
)

// RemovedPrefix marks a tag as explicitly removed. An entity holding
// "removed:customer" drops "customer" and never takes it back from a later
// observation.
const RemovedPrefix = "removed:"

// decideTags unions incoming tags into current. Tags are never removed except
// by an explicit removed: marker.
func decideTags(current, incoming []string, confidence int) model.MergeDecision {
	result := slices.Clone(current)
	for _, tag := range incoming {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if target, ok := strings.CutPrefix(tag, RemovedPrefix); ok {
			result = slices.DeleteFunc(result, func(t string) bool { return t == target })
			if !slices.Contains(result, tag) {
				result = append(result, tag)
			}
			continue
		}
		if slices.Contains(result, RemovedPrefix+tag) || slices.Contains(result, tag) {
			continue
		}
		result = append(result, tag)
	}

	d := model.MergeDecision{
		Field:      model.FieldTags,
		OldValue:   strings.Join(current, ","),
		NewValue:   strings.Join(result, ","),
		Confidence: confidence,
	}
	if slices.Equal(result, current) {
		d.Action = model.ActionReject
		d.Reason = "tags unchanged"
		return d
	}
	d.Action = model.ActionUnion
	d.Tags = result
	d.Reason = "tag union"
	return d
}
