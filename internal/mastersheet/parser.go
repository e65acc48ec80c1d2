package mastersheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"dealcheck/internal/extract"
)

const (
	MimeJSON = "application/json"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const (
	colEntity   = "entity"
	colField    = "field"
	colExpected = "expectedvalue"
)

// ParseError reports a master sheet that cannot be read. Row is the 1-based
// data row (the header is row 0).
type ParseError struct {
	Row int
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("master sheet parse error at row %d: %v", e.Row, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser turns an uploaded master sheet into a Mapping.
type Parser struct {
	extractor *extract.Extractor
}

func NewParser(extractor *extract.Extractor) *Parser {
	return &Parser{extractor: extractor}
}

// Parse dispatches on the declared type: JSON and XLSX are read directly,
// CSV as rows, and prose formats line by line after text extraction.
func (p *Parser) Parse(ctx context.Context, data []byte, mimeType, fileName string) (*Mapping, error) {
	mt := extract.NormalizeMime(mimeType)
	ext := strings.ToLower(filepath.Ext(fileName))
	undeclared := mt == "" || mt == "application/octet-stream"
	switch {
	case mt == MimeJSON || (undeclared && ext == ".json"):
		return ParseJSON(data)
	case mt == MimeXLSX || (undeclared && ext == ".xlsx"):
		return ParseXLSX(bytes.NewReader(data))
	}

	out := p.extractor.Extract(ctx, data, mimeType, fileName)
	if errors.Is(out.Err, extract.ErrRowSource) {
		return ParseCSV(bytes.NewReader(data))
	}
	if out.Err != nil {
		if extract.IsUnsupported(out.Err) {
			return nil, out.Err
		}
		return nil, &ParseError{Row: 0, Err: out.Err}
	}
	return ParseText(out.Text)
}

// ParseCSV reads a header row naming Entity, Field and ExpectedValue, then data rows.
func ParseCSV(r io.Reader) (*Mapping, error) {
	records, err := extract.ReadRows(r)
	if err != nil {
		var rowErr *extract.RowError
		if errors.As(err, &rowErr) {
			return nil, &ParseError{Row: rowErr.Record - 1, Err: rowErr.Err}
		}
		return nil, &ParseError{Row: 0, Err: err}
	}
	return ParseRecords(records)
}

// ParseXLSX reads the first worksheet with the same header rules as CSV.
func ParseXLSX(r io.Reader) (*Mapping, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &ParseError{Row: 0, Err: fmt.Errorf("open xlsx: %w", err)}
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return NewMapping(), nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &ParseError{Row: 0, Err: fmt.Errorf("read sheet %s: %w", sheets[0], err)}
	}
	return ParseRecords(rows)
}

// ParseText treats each non-blank line as one record; tab-separated lines
// (flattened tables) split on tabs, anything else is read as CSV.
func ParseText(text string) (*Mapping, error) {
	var records [][]string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Contains(line, "\t") {
			records = append(records, strings.Split(line, "\t"))
			continue
		}
		r := csv.NewReader(strings.NewReader(line))
		r.FieldsPerRecord = -1
		rec, err := r.Read()
		if err != nil {
			return nil, &ParseError{Row: len(records), Err: err}
		}
		records = append(records, rec)
	}
	return ParseRecords(records)
}

// ParseRecords applies the header to data records. Empty input is an empty mapping.
func ParseRecords(records [][]string) (*Mapping, error) {
	m := NewMapping()
	if len(records) == 0 {
		return m, nil
	}
	idx, err := headerIndex(records[0])
	if err != nil {
		return nil, &ParseError{Row: 0, Err: err}
	}
	for _, rec := range records[1:] {
		m.Set(cell(rec, idx[colEntity]), cell(rec, idx[colField]), cell(rec, idx[colExpected]))
	}
	return m, nil
}

func headerIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, 3)
	for i, h := range header {
		name := normalizeHeader(h)
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	var missing []string
	for _, col := range []string{colEntity, colField, colExpected} {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "")
	return strings.ReplaceAll(h, "_", "")
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// ParseJSON accepts either an object of "Entity:Field" keys or an array of
// row objects with Entity, Field and ExpectedValue members. Object key order is kept.
func ParseJSON(data []byte) (*Mapping, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, &ParseError{Row: 0, Err: fmt.Errorf("decode json: %w", err)}
	}
	m := NewMapping()
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, &ParseError{Row: m.Len() + 1, Err: fmt.Errorf("decode json key: %w", err)}
			}
			key, _ := keyTok.(string)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, &ParseError{Row: m.Len() + 1, Err: fmt.Errorf("decode json value: %w", err)}
			}
			entity, field, ok := SplitKey(key)
			if !ok {
				continue
			}
			if value, ok := scalar(raw); ok {
				m.Set(entity, field, value)
			}
		}
	case json.Delim('['):
		row := 0
		for dec.More() {
			row++
			var obj map[string]json.RawMessage
			if err := dec.Decode(&obj); err != nil {
				return nil, &ParseError{Row: row, Err: fmt.Errorf("decode json row: %w", err)}
			}
			fields := make(map[string]string, len(obj))
			for k, v := range obj {
				if s, ok := scalar(v); ok {
					fields[normalizeHeader(k)] = s
				}
			}
			m.Set(fields[colEntity], fields[colField], fields[colExpected])
		}
	default:
		return nil, &ParseError{Row: 0, Err: errors.New("json master sheet must be an object or an array")}
	}
	if _, err := dec.Token(); err != nil {
		return nil, &ParseError{Row: m.Len() + 1, Err: fmt.Errorf("decode json: %w", err)}
	}
	return m, nil
}

func scalar(raw json.RawMessage) (string, bool) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
