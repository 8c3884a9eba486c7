package export

import (
	"math"
	"time"

	"github.com/sells-group/entity-resolver/internal/model"
)

// FieldQuality is how well one field is populated across live entities.
type FieldQuality struct {
	Field    model.FieldKey `json:"field" yaml:"field"`
	Present  int            `json:"present" yaml:"present"`
	Verified int            `json:"verified" yaml:"verified"`
	// Coverage is Present over live entities, in percent.
	Coverage float64 `json:"coverage" yaml:"coverage"`
	// VerifiedShare is Verified over Present, in percent.
	VerifiedShare float64 `json:"verified_share" yaml:"verified_share"`
	AvgConfidence float64 `json:"avg_confidence" yaml:"avg_confidence"`
}

// QualityReport summarizes field completeness for one tenant.
type QualityReport struct {
	TenantID    string         `json:"tenant_id" yaml:"tenant_id"`
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
	Entities    int            `json:"entities" yaml:"entities"`
	Tombstoned  int            `json:"tombstoned" yaml:"tombstoned"`
	Tagged      int            `json:"tagged" yaml:"tagged"`
	Fields      []FieldQuality `json:"fields" yaml:"fields"`
}

// Quality computes field completeness over entities. Tombstoned entities
// are counted but excluded from the shares.
func Quality(tenantID string, entities []*model.Entity, now time.Time) QualityReport {
	rep := QualityReport{TenantID: tenantID, GeneratedAt: now}
	fields := make([]FieldQuality, len(model.FieldKeys))
	confidence := make([]int, len(model.FieldKeys))
	for i, k := range model.FieldKeys {
		fields[i].Field = k
	}

	for _, e := range entities {
		if e.TenantID != tenantID {
			continue
		}
		if e.Tombstoned() {
			rep.Tombstoned++
			continue
		}
		rep.Entities++
		if len(e.Tags) > 0 {
			rep.Tagged++
		}
		for i, k := range model.FieldKeys {
			f := e.Get(k)
			if f.Empty() {
				continue
			}
			fields[i].Present++
			confidence[i] += f.Confidence
			if f.Verified {
				fields[i].Verified++
			}
		}
	}

	for i := range fields {
		fields[i].Coverage = percent(fields[i].Present, rep.Entities)
		fields[i].VerifiedShare = percent(fields[i].Verified, fields[i].Present)
		if fields[i].Present > 0 {
			fields[i].AvgConfidence = round1(float64(confidence[i]) / float64(fields[i].Present))
		}
	}
	rep.Fields = fields
	return rep
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return round1(100 * float64(n) / float64(of))
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
