// Package ingest reads Observations from CSV, JSON and XLSX exports.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Format is an input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Options stamps every Observation read from one input. Source and Tier
// describe the export as a whole; trust tiers are never inferred from
// content.
type Options struct {
	TenantID    string
	Source      string
	Tier        model.TrustTier
	RetrievedAt time.Time

	// Format overrides detection from the file extension.
	Format Format
	// Delimiter is the CSV field separator. Default ','.
	Delimiter rune
	// SheetName selects an XLSX sheet. Default is the first sheet.
	SheetName string
}

func (o Options) validate() error {
	if o.TenantID == "" {
		return eris.New("ingest: tenant is required")
	}
	if o.Source == "" {
		return eris.New("ingest: source is required")
	}
	if !o.Tier.Valid() {
		return eris.Errorf("ingest: unknown trust tier %q", o.Tier)
	}
	return nil
}

// DetectFormat maps a file extension to a Format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("ingest: cannot detect format of %s", path)
}

// ReadFile reads every Observation in the file at path.
func ReadFile(ctx context.Context, path string, opts Options) ([]model.Observation, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return nil, err
		}
	}
	if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}

	var (
		out []model.Observation
		err error
	)
	switch format {
	case FormatXLSX:
		out, err = ReadXLSX(ctx, path, opts)
	case FormatCSV, FormatJSON:
		f, oerr := os.Open(path)
		if oerr != nil {
			return nil, eris.Wrapf(oerr, "ingest: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		if format == FormatCSV {
			out, err = Collect(StreamCSV(ctx, f, opts))
		} else {
			out, err = Collect(StreamJSON(ctx, f, opts))
		}
	default:
		return nil, eris.Errorf("ingest: unsupported format %q", format)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}

	zap.L().Info("ingest: read observations",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.String("source", opts.Source),
		zap.String("tier", string(opts.Tier)),
		zap.Int("observations", len(out)),
	)
	return out, nil
}

// Collect drains a stream, returning what was read before the first error.
func Collect(obsCh <-chan model.Observation, errCh <-chan error) ([]model.Observation, error) {
	var out []model.Observation
	for o := range obsCh {
		out = append(out, o)
	}
	for err := range errCh {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// observation builds an Observation from one record. Blank values are
// dropped; a record with nothing left yields false.
func observation(raw map[string]string, opts Options) (model.Observation, bool) {
	clean := make(map[string]string, len(raw))
	for k, v := range raw {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return model.Observation{}, false
	}
	at := opts.RetrievedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return model.Observation{
		TenantID:    opts.TenantID,
		Source:      opts.Source,
		Tier:        opts.Tier,
		Raw:         clean,
		RetrievedAt: at,
	}, true
}

// record zips a header row with a data row. Cells beyond the header are
// ignored. For repeated column names the first non-blank cell wins.
func record(header, row []string) map[string]string {
	raw := make(map[string]string, len(header))
	for i, h := range header {
		if i >= len(row) {
			break
		}
		if strings.TrimSpace(raw[h]) == "" {
			raw[h] = row[i]
		}
	}
	return raw
}

// cleanHeader trims header cells and strips a UTF-8 byte order mark that
// spreadsheet exports prepend to the first column.
func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}
