package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Payload is a raw file handed to a parser.
type Payload struct {
	Path string
	Data []byte
}

type ParsedDocument struct {
	Title          string
	DocumentNumber string
	SourceURL      string
	Text           string
}

type DocumentParser interface {
	Parse(ctx context.Context, payload Payload) (ParsedDocument, error)
}

func parserFor(format Format) (DocumentParser, error) {
	switch format {
	case FormatMarkdown:
		return markdownParser{}, nil
	case FormatText:
		return textParser{}, nil
	case FormatPDF:
		return pdfParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload Payload) (ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	return describe(content, ExtractTitle(content, baseName(payload.Path))), nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload Payload) (ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(payload.Path)
	}
	return describe(content, title), nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload Payload) (ParsedDocument, error) {
	doc, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return ParsedDocument{}, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(payload.Path)
	}
	return describe(content, title), nil
}

func describe(content, title string) ParsedDocument {
	return ParsedDocument{
		Title:          title,
		DocumentNumber: ExtractDocumentNumber(content),
		SourceURL:      ExtractSourceURL(content),
		Text:           content,
	}
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncateRunes(trimmed, maxTitleRunes)
		}
	}
	return ""
}
