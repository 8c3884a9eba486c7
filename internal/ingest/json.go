package ingest

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
)

// StreamJSON decodes a JSON array of flat objects, one Observation per
// element. Scalars are rendered as strings and arrays of scalars are joined
// with commas, so a "tags" array becomes a tag list. Nested objects are
// skipped. Both channels are closed when processing completes.
func StreamJSON(ctx context.Context, r io.Reader, opts Options) (<-chan model.Observation, <-chan error) {
	obsCh := make(chan model.Observation, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(obsCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		// Expect opening bracket
		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for i := 0; decoder.More(); i++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item map[string]any
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrapf(err, "json: decode element %d", i)
				return
			}

			obs, ok := observation(flatten(item), opts)
			if !ok {
				continue
			}

			select {
			case obsCh <- obs:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		// Consume closing bracket
		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return obsCh, errCh
}

func flatten(item map[string]any) map[string]string {
	raw := make(map[string]string, len(item))
	for k, v := range item {
		if s, ok := scalar(v); ok {
			raw[k] = s
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		parts := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := scalar(e); ok && s != "" {
				parts = append(parts, s)
			}
		}
		raw[k] = strings.Join(parts, ",")
	}
	return raw
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", true
	}
	return "", false
}
