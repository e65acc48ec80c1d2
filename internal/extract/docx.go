package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

const docxBodyPart = "word/document.xml"

// DOCXParser reads the body text of a WordprocessingML package.
// Paragraphs become lines; a table row becomes one line of tab-separated cells.
type DOCXParser struct{}

func (p *DOCXParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	options := parser.GetCommonOptions(&parser.Options{}, opts...)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBodyPart {
			body = f
			break
		}
	}
	if body == nil {
		return nil, errors.New("open docx: missing " + docxBodyPart)
	}
	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	text, err := docxText(ctx, rc)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{}
	for k, v := range options.ExtraMeta {
		meta[k] = v
	}
	if options.URI != "" {
		meta[MetaSource] = options.URI
	}
	return []*schema.Document{{ID: options.URI, Content: text, MetaData: meta}}, nil
}

type docxWalker struct {
	lines []string
	// one entry per open paragraph; text box paragraphs nest inside body ones
	paras []*strings.Builder
	inT   bool
	// one entry per open table cell, innermost last
	cells []*strings.Builder
	rows  [][]string
	// depth inside mc:Fallback, whose content repeats the mc:Choice content
	skip int
}

func docxText(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	w := &docxWalker{}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if w.skip > 0 || t.Name.Local == "Fallback" {
				w.skip++
				continue
			}
			w.start(t.Name.Local)
		case xml.EndElement:
			if w.skip > 0 {
				w.skip--
				continue
			}
			w.end(t.Name.Local)
		case xml.CharData:
			if para := w.para(); w.inT && para != nil {
				para.Write(t)
			}
		}
	}
	return strings.TrimSpace(strings.Join(w.lines, "\n")), nil
}

func (w *docxWalker) para() *strings.Builder {
	if n := len(w.paras); n > 0 {
		return w.paras[n-1]
	}
	return nil
}

func (w *docxWalker) start(name string) {
	switch name {
	case "p":
		w.paras = append(w.paras, &strings.Builder{})
	case "t":
		w.inT = true
	case "tab":
		if para := w.para(); para != nil {
			para.WriteByte('\t')
		}
	case "br", "cr":
		if para := w.para(); para != nil {
			para.WriteByte('\n')
		}
	case "tr":
		w.rows = append(w.rows, nil)
	case "tc":
		w.cells = append(w.cells, &strings.Builder{})
	}
}

func (w *docxWalker) end(name string) {
	switch name {
	case "t":
		w.inT = false
	case "p":
		n := len(w.paras)
		if n == 0 {
			return
		}
		text := w.paras[n-1].String()
		w.paras = w.paras[:n-1]
		if n := len(w.cells); n > 0 {
			cell := w.cells[n-1]
			if cell.Len() > 0 && text != "" {
				cell.WriteByte(' ')
			}
			cell.WriteString(text)
			return
		}
		w.lines = append(w.lines, text)
	case "tc":
		n := len(w.cells)
		if n == 0 {
			return
		}
		text := strings.TrimSpace(w.cells[n-1].String())
		w.cells = w.cells[:n-1]
		if r := len(w.rows); r > 0 {
			w.rows[r-1] = append(w.rows[r-1], text)
		}
	case "tr":
		r := len(w.rows)
		if r == 0 {
			return
		}
		row := strings.Join(w.rows[r-1], "\t")
		w.rows = w.rows[:r-1]
		if n := len(w.cells); n > 0 {
			// nested table: fold the row into the enclosing cell
			cell := w.cells[n-1]
			if cell.Len() > 0 {
				cell.WriteByte(' ')
			}
			cell.WriteString(row)
			return
		}
		w.lines = append(w.lines, row)
	}
}
