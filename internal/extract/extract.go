// Package extract turns free text, such as email signatures and meeting
// notes, into Observations. Extracted facts are guesses, so every
// Observation carries the inferred trust tier.
package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Extractor pulls raw contact attributes out of one block of text. Keys are
// raw attribute names the normalizer understands.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string) (map[string]string, error)
}

// Options stamps the Observations built from extracted attributes.
type Options struct {
	TenantID string
	// Source defaults to "extract:<extractor name>".
	Source string
	Now    func() time.Time
}

var blankLines = regexp.MustCompile(`\n[ \t]*\n`)

// SplitBlocks splits text into paragraphs separated by blank lines, one
// signature or note per paragraph.
func SplitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, b := range blankLines.Split(text, -1) {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Observations runs ex over every block of text. Blocks that yield nothing
// are skipped; an extractor error stops the run and returns what was built
// so far.
func Observations(ctx context.Context, ex Extractor, text string, opts Options) ([]model.Observation, error) {
	if opts.TenantID == "" {
		return nil, eris.New("extract: tenant is required")
	}
	source := opts.Source
	if source == "" {
		source = "extract:" + ex.Name()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	blocks := SplitBlocks(text)
	var out []model.Observation
	for i, block := range blocks {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "extract: context cancelled")
		}
		raw, err := ex.Extract(ctx, block)
		if err != nil {
			return out, eris.Wrapf(err, "extract: block %d", i)
		}
		if len(raw) == 0 {
			zap.L().Debug("extract: nothing found", zap.Int("block", i), zap.String("extractor", ex.Name()))
			continue
		}
		out = append(out, model.Observation{
			TenantID:    opts.TenantID,
			Source:      source,
			Tier:        model.TierInferred,
			Raw:         raw,
			RetrievedAt: now(),
		})
	}

	zap.L().Info("extract: built observations",
		zap.String("extractor", ex.Name()),
		zap.Int("blocks", len(blocks)),
		zap.Int("observations", len(out)),
	)
	return out, nil
}
