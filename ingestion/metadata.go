package ingestion

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxTitleRunes = 200

var (
	documentNumberPattern = regexp.MustCompile(`(?:№|(?i:No\.))\s*([0-9][0-9A-Za-zА-ЯЄІЇҐа-яєіїґ/\-]*)`)
	sourceURLPattern      = regexp.MustCompile(`(?im)^\s*(?:source|джерело|url)\s*:\s*(https?://\S+)`)
	articlePatterns       = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:стаття|ст\.|article)\s*\d+(?:\.\d+)*`),
		regexp.MustCompile(`(?i)(?:пункт|п\.)\s*\d+(?:\.\d+)*`),
		regexp.MustCompile(`(?i)(?:розділ|section)\s*\d+`),
	}
	spaces = regexp.MustCompile(`\s+`)
)

// ExtractTitle returns the first markdown heading, else the first non-empty
// line, else fallback.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				return truncateRunes(title, maxTitleRunes)
			}
		}
	}
	if line := firstNonEmptyLine(content); line != "" {
		return line
	}
	return fallback
}

// ExtractDocumentNumber finds the registration number of an order or
// regulation, e.g. "№ 123" or "No. 45-ОД".
func ExtractDocumentNumber(content string) string {
	m := documentNumberPattern.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimRight(m[1], "-/")
}

// ExtractSourceURL reads a "Source: https://..." line, if present.
func ExtractSourceURL(content string) string {
	m := sourceURLPattern.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ExtractArticleNumber returns the first article, item or section reference
// in text, with whitespace normalized.
func ExtractArticleNumber(text string) string {
	for _, pattern := range articlePatterns {
		if m := pattern.FindString(text); m != "" {
			return spaces.ReplaceAllString(strings.TrimSpace(m), " ")
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
