package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/entity-resolver/internal/model"
)

func TestDecideTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		current  []string
		incoming []string
		action   model.MergeAction
		want     []string
	}{
		{"union", []string{"lead"}, []string{"vip", "lead"}, model.ActionUnion, []string{"lead", "vip"}},
		{"nothing new", []string{"lead", "vip"}, []string{"VIP"}, model.ActionReject, nil},
		{"removal marker drops tag", []string{"customer", "vip"}, []string{"removed:customer"}, model.ActionUnion, []string{"vip", "removed:customer"}},
		{"marker suppresses re-add", []string{"removed:customer"}, []string{"customer", "partner"}, model.ActionUnion, []string{"removed:customer", "partner"}},
		{"suppressed only", []string{"removed:customer"}, []string{"customer"}, model.ActionReject, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decideTags(tt.current, tt.incoming, 50)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, model.FieldTags, d.Field)
			if tt.action == model.ActionUnion {
				assert.Equal(t, tt.want, d.Tags)
			}
		})
	}
}

func TestDecide_IncludesTags(t *testing.T) {
	t.Parallel()

	obs := observation(model.TierInferred, nil)
	obs.Tags = []string{"prospect"}
	ds := Decide(&model.Entity{}, obs, 42)
	d := decisionFor(t, ds, model.FieldTags)
	assert.Equal(t, model.ActionUnion, d.Action)
	assert.Equal(t, []string{"prospect"}, d.Tags)
}
