package export

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/pkg/notion"
)

// NotionReviewKey is the database property review pages are keyed on.
const NotionReviewKey = "Review ID"

// NotionSink mirrors review items into a Notion database so reviewers can
// work the queue there. Items are upserted by review ID.
type NotionSink struct {
	db notion.Database
}

// NewNotionSink returns a sink writing to db.
func NewNotionSink(db notion.Database) *NotionSink {
	return &NotionSink{db: db}
}

// Export upserts every item and returns how many pages were created and
// updated. It stops at the first failure.
func (s *NotionSink) Export(ctx context.Context, items []model.ReviewItem) (created, updated int, err error) {
	for _, it := range items {
		isNew, err := notion.Upsert(ctx, s.db, NotionReviewKey, it.ID, reviewProperties(it))
		if err != nil {
			return created, updated, eris.Wrapf(err, "export: notion review %s", it.ID)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	zap.L().Info("export: reviews synced to notion",
		zap.Int("created", created),
		zap.Int("updated", updated),
	)
	return created, updated, nil
}

func reviewProperties(it model.ReviewItem) notionapi.Properties {
	top := 0
	for _, c := range it.Candidates {
		top = max(top, c.Score)
	}
	props := notionapi.Properties{
		"Name":        notion.Title(reviewTitle(it)),
		"Kind":        notion.Select(string(it.Kind)),
		"Status":      notion.Select(string(it.Status)),
		"Tenant":      notion.Text(it.TenantID),
		"Observation": notion.Text(it.ObservationID),
		"Entities":    notion.Text(strings.Join(it.EntityIDs, ", ")),
		"Candidates":  notion.Text(CandidateSummary(it.Candidates)),
		"Reason":      notion.Text(it.Reason),
		"Top Score":   notion.Number(float64(top)),
		"Created":     notion.Date(it.CreatedAt),
	}
	if it.Resolution != "" {
		props["Resolution"] = notion.Text(it.Resolution)
	}
	return props
}

func reviewTitle(it model.ReviewItem) string {
	switch it.Kind {
	case model.ReviewDuplicatePair:
		return "Duplicate: " + strings.Join(it.EntityIDs, " / ")
	default:
		return "Ambiguous match for " + it.ObservationID
	}
}
