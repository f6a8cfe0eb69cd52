package pipeline

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/9MpulS/RAG-Asistent/sgr"
)

// Assembler maps validated fragment ids back to citations using the
// structured context that was fed to generation.
type Assembler struct {
	excerptLength int
}

func NewAssembler(excerptLength int) *Assembler {
	return &Assembler{excerptLength: excerptLength}
}

// Assemble returns one citation per id in used. Citations whose marker
// ("[rank]") occurs in answer come first, in order of first occurrence; the
// rest follow by rank. Ids missing from sc are skipped.
func (a *Assembler) Assemble(answer string, used []string, sc sgr.StructuredContext) []Citation {
	byID := make(map[string]sgr.LabeledFragment, len(sc.Items))
	for _, item := range sc.Items {
		byID[item.Fragment.ChunkID] = item
	}

	type placed struct {
		citation Citation
		position int
	}
	out := make([]placed, 0, len(used))
	seen := make(map[string]struct{}, len(used))
	for _, id := range used {
		item, ok := byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		f := item.Fragment
		position := strings.Index(answer, sgr.CitationMarker(f.Rank))
		if position < 0 {
			position = len(answer) + 1
		}
		out = append(out, placed{
			position: position,
			citation: Citation{
				DocumentID:     f.DocumentID,
				DocumentTitle:  f.DocumentTitle,
				DocumentNumber: f.DocumentNumber,
				SourceURL:      f.SourceURL,
				ArticleNumber:  f.ArticleNumber,
				ChunkID:        f.ChunkID,
				Excerpt:        Excerpt(f.Text, a.excerptLength),
				Rank:           f.Rank,
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].position != out[j].position {
			return out[i].position < out[j].position
		}
		return out[i].citation.Rank < out[j].citation.Rank
	})

	citations := make([]Citation, len(out))
	for i, p := range out {
		citations[i] = p.citation
	}
	return citations
}

// Excerpt shortens text to at most limit runes plus an ellipsis. A
// non-positive limit keeps the whole text.
func Excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

// StripMarkers removes the inline markers of ranks from answer, together with
// the space in front of each.
func StripMarkers(answer string, ranks []int) string {
	for _, rank := range ranks {
		marker := sgr.CitationMarker(rank)
		answer = strings.ReplaceAll(answer, " "+marker, "")
		answer = strings.ReplaceAll(answer, marker, "")
	}
	return answer
}
