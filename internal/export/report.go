// Package export renders run reports and hands the review queue to people:
// as a spreadsheet, a Notion database, or JSON/YAML documents.
package export

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Format is a document rendering format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks a format from a file extension. Anything that is not
// .yaml or .yml is JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Write renders v to w. YAML output keeps the JSON field names and order.
func Write(w io.Writer, v any, format Format) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: marshal json")
	}

	switch format {
	case FormatJSON, "":
		body = append(body, '\n')
		if _, err := w.Write(body); err != nil {
			return eris.Wrap(err, "export: write json")
		}
		return nil
	case FormatYAML:
		// JSON is YAML, so the node tree keeps key order; only the flow
		// style and quoting need resetting.
		var doc yaml.Node
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return eris.Wrap(err, "export: convert to yaml")
		}
		blockStyle(&doc)
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return eris.Wrap(err, "export: encode yaml")
		}
		if err := enc.Close(); err != nil {
			return eris.Wrap(err, "export: encode yaml")
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return eris.Wrap(err, "export: write yaml")
		}
		return nil
	}
	return eris.Errorf("export: unknown format %q", format)
}

// WriteFile renders v to path, choosing the format from the extension.
func WriteFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(f, v, FormatFor(path)); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	return nil
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
