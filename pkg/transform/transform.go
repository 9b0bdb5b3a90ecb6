// Package transform turns downloaded bulk read archives into one dataset.
//
// Each payload is a zip archive holding a single CSV file. The header row is
// required; column names are normalized with NormalizeColumn. Payloads that
// cannot be read are logged and skipped, the remaining ones are concatenated
// by column name.
package transform

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptyArchive is returned for a zip archive without entries.
	ErrEmptyArchive = errors.New("archive has no entries")

	// ErrMissingHeader is returned for a CSV file without a header row.
	ErrMissingHeader = errors.New("csv has no header row")
)

// Transformer converts payloads into a Dataset.
type Transformer struct {
	logger zerolog.Logger
}

// New creates a transformer. A nil logger uses the transform component logger.
func New(logger *zerolog.Logger) *Transformer {
	l := logging.NewLogger(logging.ComponentTransform)
	if logger != nil {
		l = *logger
	}
	return &Transformer{logger: l}
}

// Transform parses every payload and concatenates the results. It never
// fails: unreadable payloads are skipped, and no usable payload yields an
// empty dataset.
func (t *Transformer) Transform(payloads []extract.Payload) *Dataset {
	if len(payloads) == 0 {
		t.logger.Warn().Msg("No payloads to transform")
		return &Dataset{}
	}

	parts := make([]*Dataset, 0, len(payloads))
	for i, p := range payloads {
		ds, err := ParsePayload(p.Data)
		if err != nil {
			transformPayloadsTotal.WithLabelValues("skipped").Inc()
			t.logger.Error().
				Err(err).
				Str("job_id", p.JobID).
				Int("page", p.Seq).
				Msg("Payload could not be parsed, skipping")
			continue
		}

		transformPayloadsTotal.WithLabelValues("parsed").Inc()
		t.logger.Debug().
			Str("job_id", p.JobID).
			Int("page", p.Seq).
			Int("rows", ds.Len()).
			Msgf("Payload %d/%d parsed", i+1, len(payloads))
		parts = append(parts, ds)
	}

	if len(parts) == 0 {
		t.logger.Error().Int("payloads", len(payloads)).Msg("No payload could be parsed")
		return &Dataset{}
	}

	out := Concat(parts...)
	transformRowsTotal.Add(float64(out.Len()))

	t.logger.Info().
		Int("payloads", len(parts)).
		Int("columns", len(out.Columns)).
		Int("rows", out.Len()).
		Msg("Transform finished")

	return out
}

// ParsePayload reads the first CSV file of a zip archive.
func ParsePayload(data []byte) (*Dataset, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, ErrEmptyArchive
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zr.File[0].Name, err)
	}
	defer f.Close()

	ds, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", zr.File[0].Name, err)
	}
	return ds, nil
}

// ParseCSV reads a CSV stream with a header row. Every record must have as
// many fields as the header.
func ParseCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	ds := &Dataset{Columns: NormalizeColumns(header)}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		ds.Rows = append(ds.Rows, record)
	}
	return ds, nil
}
