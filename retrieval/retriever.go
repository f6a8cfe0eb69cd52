package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/logging"
)

type Options struct {
	MaxTopK       int
	MinSimilarity float64
	// DedupWindow is the largest sequence index gap at which two chunks of
	// the same document are merged into one fragment. Zero disables merging.
	DedupWindow int
}

// Result is the outcome of one Retrieve call.
type Result struct {
	Fragments     []Fragment
	RequestedTopK int
	EffectiveTopK int
	Clamped       bool
	// Considered counts raw store candidates before deduplication.
	Considered int
}

type Retriever struct {
	store  ChunkStore
	opts   Options
	logger *log.Logger
}

func NewRetriever(store ChunkStore, opts Options, logger *log.Logger) *Retriever {
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = 20
	}
	if opts.DedupWindow < 0 {
		opts.DedupWindow = 0
	}
	return &Retriever{store: store, opts: opts, logger: logging.OrDefault(logger)}
}

// ValidateFilter rejects a filter the store could never satisfy, such as a
// blank or malformed document id. Errors wrap ErrInvalidFilter.
func (r *Retriever) ValidateFilter(filter Filter) error {
	if v, ok := r.store.(FilterValidator); ok {
		return v.ValidateFilter(filter)
	}
	return filter.Validate()
}

// ClampTopK maps topK into [1, max]. Anything outside the range, including
// zero and negative values, becomes max and is reported as clamped.
func ClampTopK(topK, max int) (int, bool) {
	if topK < 1 || topK > max {
		return max, true
	}
	return topK, false
}

// Retrieve returns at most topK (after clamping) fragments ordered by
// descending score, ties broken by ascending sequence index. An empty result
// is not an error.
func (r *Retriever) Retrieve(ctx context.Context, vector []float32, topK int, filter Filter) (Result, error) {
	if r.store == nil {
		return Result{}, fmt.Errorf("chunk store is not configured")
	}

	effective, clamped := ClampTopK(topK, r.opts.MaxTopK)
	result := Result{RequestedTopK: topK, EffectiveTopK: effective, Clamped: clamped}
	if clamped {
		r.logger.Warn().Int("requested_top_k", topK).Int("effective_top_k", effective).Msg("top_k clamped")
	}

	// Merging can fold several candidates into one fragment. Start with enough
	// to fill topK when nothing merges and widen the search until topK
	// fragments survive or the store has nothing more to give.
	fetch := effective * (2*r.opts.DedupWindow + 1)
	var (
		candidates []Candidate
		fragments  []Fragment
	)
	for {
		batch, err := r.store.Search(ctx, vector, fetch, r.opts.MinSimilarity, filter)
		if err != nil {
			return result, fmt.Errorf("vector search: %w", err)
		}
		candidates = batch
		fragments = Deduplicate(candidates, r.opts.DedupWindow)
		if len(fragments) >= effective || len(candidates) < fetch {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r.logger.Debug().
			Int("fetched", len(candidates)).
			Int("fragments", len(fragments)).
			Int("next_fetch", fetch*2).
			Msg("widening vector search")
		fetch *= 2
	}
	result.Considered = len(candidates)

	SortFragments(fragments)
	if len(fragments) > effective {
		fragments = fragments[:effective]
	}
	for i := range fragments {
		fragments[i].Rank = i + 1
	}
	result.Fragments = fragments

	r.logger.Debug().
		Int("candidates", len(candidates)).
		Int("fragments", len(fragments)).
		Int("top_k", effective).
		Msg("retrieval complete")

	return result, nil
}

// Deduplicate drops repeated chunk ids and merges chunks of one document whose
// sequence indexes are at most window apart. A merged fragment keeps the
// maximum score and spans the whole run.
func Deduplicate(candidates []Candidate, window int) []Fragment {
	byDocument := make(map[string][]Candidate)
	order := make([]string, 0)
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		if _, dup := seen[candidate.Chunk.ID]; dup {
			continue
		}
		seen[candidate.Chunk.ID] = struct{}{}
		docID := candidate.Chunk.DocumentID
		if _, ok := byDocument[docID]; !ok {
			order = append(order, docID)
		}
		byDocument[docID] = append(byDocument[docID], candidate)
	}

	fragments := make([]Fragment, 0, len(seen))
	for _, docID := range order {
		group := byDocument[docID]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Chunk.SequenceIndex < group[j].Chunk.SequenceIndex
		})

		run := []Candidate{group[0]}
		for _, candidate := range group[1:] {
			last := run[len(run)-1]
			if window > 0 && candidate.Chunk.SequenceIndex-last.Chunk.SequenceIndex <= window {
				run = append(run, candidate)
				continue
			}
			fragments = append(fragments, mergeRun(run))
			run = []Candidate{candidate}
		}
		fragments = append(fragments, mergeRun(run))
	}
	return fragments
}

func mergeRun(run []Candidate) Fragment {
	first, last := run[0], run[len(run)-1]
	best := first
	texts := make([]string, 0, len(run))
	ids := make([]string, 0, len(run))
	tokens := 0
	for _, candidate := range run {
		if candidate.Score > best.Score {
			best = candidate
		}
		texts = append(texts, strings.TrimSpace(candidate.Chunk.Text))
		ids = append(ids, candidate.Chunk.ID)
		tokens += candidate.Chunk.TokenCount
	}

	article := best.Chunk.ArticleNumber
	if article == "" {
		article = first.Chunk.ArticleNumber
	}

	return Fragment{
		ChunkID:        best.Chunk.ID,
		ChunkIDs:       ids,
		DocumentID:     first.Chunk.DocumentID,
		DocumentTitle:  first.Document.Title,
		DocumentNumber: first.Document.DocumentNumber,
		SourceURL:      first.Document.SourceURL,
		ArticleNumber:  article,
		SequenceStart:  first.Chunk.SequenceIndex,
		SequenceEnd:    last.Chunk.SequenceIndex,
		Text:           strings.Join(texts, "\n"),
		TokenCount:     tokens,
		Score:          best.Score,
	}
}

// SortFragments orders by descending score, then ascending sequence index.
// Document and chunk ids settle the remaining ties so output is deterministic.
func SortFragments(fragments []Fragment) {
	sort.SliceStable(fragments, func(i, j int) bool {
		a, b := fragments[i], fragments[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SequenceStart != b.SequenceStart {
			return a.SequenceStart < b.SequenceStart
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkID < b.ChunkID
	})
}
