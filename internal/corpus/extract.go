package corpus

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ExtractText returns the plain text of a stored document.
func (s *Store) ExtractText(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return extractFile(ctx, s.pdf, doc.ID, doc.Path, FormatOf(doc.Filename))
}

// ExtractFile extracts text from the file at path according to format,
// using pdftotext from PATH for PDFs. id only labels errors.
func ExtractFile(ctx context.Context, id, path string, format Format) (string, error) {
	return extractFile(ctx, NewPDFExtractor(""), id, path, format)
}

func extractFile(ctx context.Context, pdf *PDFExtractor, id, path string, format Format) (string, error) {
	fail := func(err error) error {
		return &ExtractError{DocID: id, Format: string(format), Err: err}
	}

	switch format {
	case FormatText, FormatMarkdown:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fail(fmt.Errorf("%w: %v", ErrExtraction, err))
		}
		data = bytes.TrimPrefix(data, utf8BOM)
		if !utf8.Valid(data) {
			return "", fail(fmt.Errorf("%w: file is not valid UTF-8", ErrExtraction))
		}
		return string(data), nil

	case FormatDocx:
		text, err := extractDocx(path)
		if err != nil {
			return "", fail(fmt.Errorf("%w: %v", ErrExtraction, err))
		}
		return text, nil

	case FormatPDF:
		text, err := pdf.Extract(ctx, path)
		switch {
		case errors.Is(err, ErrPDFToolNotFound):
			return "", fail(fmt.Errorf("%w: %w", ErrUnsupportedFormat, err))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return "", err
		case err != nil:
			return "", fail(fmt.Errorf("%w: %v", ErrExtraction, err))
		}
		return text, nil

	case FormatDoc:
		return "", fail(fmt.Errorf("%w: no text extractor for .%s", ErrUnsupportedFormat, format))

	default:
		return "", fail(fmt.Errorf("%w: .%s", ErrUnsupportedFormat, format))
	}
}

// extractDocx reads paragraph text from word/document.xml.
func extractDocx(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read document.xml: %w", err)
		}
		return parseDocumentXML(content)
	}
	return "", fmt.Errorf("word/document.xml not found")
}

type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

func parseDocumentXML(content []byte) (string, error) {
	var doc documentXML
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", fmt.Errorf("parse document.xml: %w", err)
	}

	var b strings.Builder
	for i, p := range doc.Body.Paragraphs {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, r := range p.Runs {
			for _, t := range r.Text {
				b.WriteString(t.Content)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
