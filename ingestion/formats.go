// Package ingestion parses regulation files, splits them into chunks, embeds
// the chunks and replaces each document's chunk set atomically in the store.
package ingestion

import (
	"path/filepath"
	"sort"
	"strings"
)

// Format names a supported regulation file type.
type Format string

const (
	FormatUnknown  Format = ""
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatPDF      Format = "pdf"
)

var formatByExtension = map[string]Format{
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".txt":      FormatText,
	".pdf":      FormatPDF,
}

// DetectFormat maps a file extension (case-insensitive) to its Format.
func DetectFormat(path string) Format {
	return formatByExtension[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions lists the extensions picked up by IngestDirectory.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(formatByExtension))
	for ext := range formatByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
