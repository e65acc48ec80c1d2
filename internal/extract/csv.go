package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

// CSVParser renders rows as text so a CSV supporting document can be matched
// like any other: cells joined by a space, one row per line.
type CSVParser struct{}

func (p *CSVParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	options := parser.GetCommonOptions(&parser.Options{}, opts...)
	rows, err := ReadRows(reader)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells := make([]string, 0, len(row))
		for _, c := range row {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " "))
		}
	}
	meta := map[string]any{}
	for k, v := range options.ExtraMeta {
		meta[k] = v
	}
	if options.URI != "" {
		meta[MetaSource] = options.URI
	}
	return []*schema.Document{{ID: options.URI, Content: strings.Join(lines, "\n"), MetaData: meta}}, nil
}

// RowError reports the first structurally malformed CSV record.
// Record is its 1-based position among records, Line the physical line.
type RowError struct {
	Record int
	Line   int
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("csv line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ReadRows reads every record, tolerating ragged rows. A leading UTF-8 BOM is dropped.
func ReadRows(reader io.Reader) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return rows, &RowError{Record: len(rows) + 1, Line: perr.StartLine, Err: perr.Err}
			}
			return rows, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
