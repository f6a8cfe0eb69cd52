package ingestion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const paragraphSeparator = "\n\n"

// ChunkText splits content into chunks of at most size runes (a single
// oversized sentence is cut by runes). Paragraphs are kept whole where they
// fit; the trailing paragraphs of a chunk, up to overlap runes, are repeated
// at the start of the next one.
func ChunkText(content string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	chunks := make([]string, 0)
	current := make([]string, 0)
	currentLen := 0

	for _, unit := range splitUnits(content, size) {
		unitLen := utf8.RuneCountInString(unit)
		if len(current) > 0 && currentLen+len(paragraphSeparator)+unitLen > size {
			chunks = append(chunks, strings.Join(current, paragraphSeparator))
			current, currentLen = overlapTail(current, overlap)
		}
		if len(current) > 0 {
			currentLen += len(paragraphSeparator)
		}
		current = append(current, unit)
		currentLen += unitLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, paragraphSeparator))
	}
	return chunks
}

func overlapTail(units []string, overlap int) ([]string, int) {
	if overlap <= 0 {
		return make([]string, 0), 0
	}
	total := 0
	start := len(units)
	for i := len(units) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(units[i])
		if total > 0 {
			n += len(paragraphSeparator)
		}
		if total+n > overlap {
			break
		}
		total += n
		start = i
	}
	return append(make([]string, 0, len(units)-start), units[start:]...), total
}

// splitUnits breaks content into paragraphs, and paragraphs longer than size
// into sentences, and sentences longer than size into rune windows.
func splitUnits(content string, size int) []string {
	units := make([]string, 0)
	for _, paragraph := range strings.Split(content, paragraphSeparator) {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) <= size {
			units = append(units, p)
			continue
		}
		for _, sentence := range splitSentences(p) {
			if utf8.RuneCountInString(sentence) <= size {
				units = append(units, sentence)
				continue
			}
			runes := []rune(sentence)
			for start := 0; start < len(runes); start += size {
				end := min(start+size, len(runes))
				units = append(units, strings.TrimSpace(string(runes[start:end])))
			}
		}
	}
	return units
}

func splitSentences(text string) []string {
	sentences := make([]string, 0)
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// articleNumbers assigns every chunk the first article reference it
// contains, or the nearest one from an earlier chunk.
func articleNumbers(chunks []string) []string {
	out := make([]string, len(chunks))
	last := ""
	for i, text := range chunks {
		found := ExtractArticleNumber(text)
		if found == "" {
			found = last
		}
		out[i] = found
		if latest := lastArticle(text); latest != "" {
			last = latest
		}
	}
	return out
}

func lastArticle(text string) string {
	for _, pattern := range articlePatterns {
		if matches := pattern.FindAllString(text, -1); len(matches) > 0 {
			return spaces.ReplaceAllString(strings.TrimSpace(matches[len(matches)-1]), " ")
		}
	}
	return ""
}
