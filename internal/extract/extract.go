package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

// Outcome is the tagged result of one extraction: Err is nil on success.
type Outcome struct {
	Format      Format
	Text        string
	PageCount   int
	FailedPages []int
	Err         error
}

// OK reports whether text was produced.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Extractor dispatches raw bytes to the parser registered for their format.
type Extractor struct {
	parsers map[Format]parser.Parser
	byExt   parser.Parser
}

// New builds an extractor with the PDF, DOCX, CSV and plain text parsers.
func New(ctx context.Context) (*Extractor, error) {
	pdfParser := &PDFParser{}
	docxParser := &DOCXParser{}
	csvParser := &CSVParser{}
	text := parser.TextParser{}
	byExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".pdf":  pdfParser,
			".docx": docxParser,
			".csv":  csvParser,
			".txt":  text,
			".md":   text,
		},
		FallbackParser: text,
	})
	if err != nil {
		return nil, fmt.Errorf("init extension parser: %w", err)
	}
	return &Extractor{
		parsers: map[Format]parser.Parser{
			FormatPDF:  pdfParser,
			FormatDOCX: docxParser,
			FormatCSV:  csvParser,
			FormatText: text,
		},
		byExt: byExt,
	}, nil
}

// Extract produces prose text. CSV input is reported with ErrRowSource so the
// caller can read it as rows instead.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType, fileName string) Outcome {
	format, err := Detect(mimeType, fileName)
	if err != nil {
		return Outcome{Err: err}
	}
	if format == FormatCSV {
		return Outcome{Format: format, Err: ErrRowSource}
	}
	return e.run(ctx, format, data, mimeType, fileName)
}

// ExtractDocument is Extract for supporting documents: CSV rows are rendered as text.
func (e *Extractor) ExtractDocument(ctx context.Context, data []byte, mimeType, fileName string) Outcome {
	format, err := Detect(mimeType, fileName)
	if err != nil {
		return Outcome{Err: err}
	}
	return e.run(ctx, format, data, mimeType, fileName)
}

func (e *Extractor) run(ctx context.Context, format Format, data []byte, mimeType, fileName string) Outcome {
	p, ok := e.parsers[format]
	uri := fileName
	mt := NormalizeMime(mimeType)
	if mt == "" || mt == "application/octet-stream" {
		// undeclared type: let the extension parser pick by name
		p, ok = e.byExt, true
		uri = strings.ToLower(fileName)
	}
	if !ok {
		return Outcome{Format: format, Err: &UnsupportedFormatError{MimeType: mimeType}}
	}
	docs, err := p.Parse(ctx, bytes.NewReader(data),
		parser.WithURI(uri),
		parser.WithExtraMeta(map[string]any{"format": string(format)}),
	)
	if err != nil {
		return Outcome{Format: format, Err: fmt.Errorf("extract %s: %w", format, err)}
	}
	return assemble(format, docs)
}

func assemble(format Format, docs []*schema.Document) Outcome {
	out := Outcome{Format: format}
	parts := make([]string, 0, len(docs))
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		if format == FormatPDF {
			out.PageCount++
			if _, failed := doc.MetaData[MetaPageError]; failed {
				page := i + 1
				if n, ok := doc.MetaData[MetaPage].(int); ok {
					page = n
				}
				out.FailedPages = append(out.FailedPages, page)
				continue
			}
		}
		text := strings.ToValidUTF8(doc.Content, "�")
		if format == FormatPDF {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
		}
		parts = append(parts, text)
	}
	out.Text = strings.Join(parts, " ")
	return out
}

// IsUnsupported reports whether err carries an UnsupportedFormatError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedFormatError
	return errors.As(err, &ue)
}
