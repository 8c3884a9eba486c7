package ingest

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
)

// StreamCSV reads a headed CSV export and sends one Observation per data
// row. Column names are passed through as raw attribute names; the
// normalizer maps CRM-specific spellings. Both channels are closed when
// processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts Options) (<-chan model.Observation, <-chan error) {
	obsCh := make(chan model.Observation, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(obsCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1 // allow variable fields

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		header = cleanHeader(header)

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			obs, ok := observation(record(header, row), opts)
			if !ok {
				continue
			}

			select {
			case obsCh <- obs:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return obsCh, errCh
}
