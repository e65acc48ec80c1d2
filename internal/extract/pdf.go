package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/ledongthuc/pdf"
)

const (
	MetaSource    = "source"
	MetaPage      = "page"
	MetaPageError = "page_error"
)

// PDFParser emits one document per page. A page that cannot be read is still
// emitted, empty, with MetaPageError set.
type PDFParser struct{}

func (p *PDFParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) (docs []*schema.Document, err error) {
	options := parser.GetCommonOptions(&parser.Options{}, opts...)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	total := r.NumPage()
	if total <= 0 {
		return nil, errors.New("open pdf: document has no pages")
	}

	docs = make([]*schema.Document, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta := map[string]any{MetaPage: i}
		for k, v := range options.ExtraMeta {
			meta[k] = v
		}
		if options.URI != "" {
			meta[MetaSource] = options.URI
		}
		text, pageErr := pageText(r, i)
		if pageErr != nil {
			meta[MetaPageError] = pageErr.Error()
		}
		docs = append(docs, &schema.Document{
			ID:       fmt.Sprintf("%s#page=%d", options.URI, i),
			Content:  text,
			MetaData: meta,
		})
	}
	return docs, nil
}

func pageText(r *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("page %d: %v", num, rec)
		}
	}()
	page := r.Page(num)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d: object not found", num)
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("page %d: %w", num, err)
	}
	return strings.TrimSpace(text), nil
}
