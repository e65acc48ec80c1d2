// Package extracttest builds small but structurally valid PDF and DOCX files for tests.
package extracttest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"
)

// TextStream returns a content stream that draws each line with the F1 font.
func TextStream(lines ...string) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString("BT /F1 12 Tf 72 720 Td (")
		b.WriteString(escapePDF(line))
		b.WriteString(") Tj ET\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// BrokenStream is a content stream whose text operator has the wrong arity.
const BrokenStream = "BT /F1 12 Tf (a) (b) ' ET"

func escapePDF(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

// PDF assembles a document whose page tree declares declaredPages pages and
// holds one page per content stream. Declaring more pages than streams leaves
// the extra page numbers unresolvable.
func PDF(declaredPages int, contents ...string) []byte {
	var (
		buf     bytes.Buffer
		offsets []int
	)
	buf.WriteString("%PDF-1.4\n")
	write := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	fontObj := 3 + 2*len(contents)
	kids := make([]string, 0, len(contents))
	for i := range contents {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+2*i))
	}
	write("<< /Type /Catalog /Pages 2 0 R >>")
	write(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), declaredPages))
	for i, c := range contents {
		write(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", fontObj, 4+2*i))
		write(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(c), c))
	}
	write("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// TextPDF is a PDF with one text page per entry.
func TextPDF(pages ...string) []byte {
	contents := make([]string, len(pages))
	for i, p := range pages {
		contents[i] = TextStream(p)
	}
	return PDF(len(pages), contents...)
}

// Row is one table row of a DOCX body.
type Row []string

// DOCX packages a body made of paragraphs (string) and tables ([]Row).
func DOCX(blocks ...any) []byte {
	var body strings.Builder
	for _, blk := range blocks {
		switch v := blk.(type) {
		case string:
			body.WriteString(paragraph(v))
		case []Row:
			body.WriteString("<w:tbl>")
			for _, row := range v {
				body.WriteString("<w:tr>")
				for _, cell := range row {
					body.WriteString("<w:tc>")
					body.WriteString(paragraph(cell))
					body.WriteString("</w:tc>")
				}
				body.WriteString("</w:tr>")
			}
			body.WriteString("</w:tbl>")
		}
	}
	doc := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body.String() +
		`<w:sectPr/></w:body></w:document>`
	return Zip(map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`,
		"word/document.xml":   doc,
	})
}

// paragraph renders text as runs, turning tab characters into <w:tab/>.
func paragraph(text string) string {
	var b strings.Builder
	b.WriteString("<w:p>")
	for i, part := range strings.Split(text, "\t") {
		b.WriteString("<w:r>")
		if i > 0 {
			b.WriteString("<w:tab/>")
		}
		b.WriteString(`<w:t xml:space="preserve">`)
		b.WriteString(html.EscapeString(part))
		b.WriteString("</w:t></w:r>")
	}
	b.WriteString("</w:p>")
	return b.String()
}

// Zip writes the named parts into an archive in sorted order.
func Zip(parts map[string]string) []byte {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write([]byte(parts[name])); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
