package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/entity-resolver/internal/model"
)

var (
	reviewHeader = []string{
		"Review ID", "Kind", "Status", "Tenant", "Observation ID",
		"Entity IDs", "Candidates", "Reason", "Created At", "Resolution",
	}
	candidateHeader = []string{"Review ID", "Entity ID", "Basis", "Tier", "Strength", "Score"}
)

// WriteReviewXLSX writes review items to a workbook with a "Reviews" sheet
// and a "Candidates" sheet holding one row per candidate.
func WriteReviewXLSX(path string, items []model.ReviewItem) error {
	f := xlsx.NewFile()
	reviews, err := f.AddSheet("Reviews")
	if err != nil {
		return eris.Wrap(err, "export: add reviews sheet")
	}
	candidates, err := f.AddSheet("Candidates")
	if err != nil {
		return eris.Wrap(err, "export: add candidates sheet")
	}

	addStrings(reviews.AddRow(), reviewHeader...)
	addStrings(candidates.AddRow(), candidateHeader...)

	for _, it := range items {
		addStrings(reviews.AddRow(),
			it.ID,
			string(it.Kind),
			string(it.Status),
			it.TenantID,
			it.ObservationID,
			strings.Join(it.EntityIDs, ", "),
			CandidateSummary(it.Candidates),
			it.Reason,
			it.CreatedAt.UTC().Format(time.RFC3339),
			it.Resolution,
		)
		for _, c := range it.Candidates {
			row := candidates.AddRow()
			addStrings(row, it.ID, c.EntityID, string(c.Basis))
			row.AddCell().SetInt(c.Tier)
			row.AddCell().SetFloat(c.Strength)
			row.AddCell().SetInt(c.Score)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

// CandidateSummary renders candidates as "entity (basis, tier N, score S)"
// joined by semicolons.
func CandidateSummary(cands []model.MatchCandidate) string {
	parts := make([]string, len(cands))
	for i, c := range cands {
		parts[i] = fmt.Sprintf("%s (%s, tier %d, score %d)", c.EntityID, c.Basis, c.Tier, c.Score)
	}
	return strings.Join(parts, "; ")
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
