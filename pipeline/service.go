// Package pipeline answers a student's question: it validates the query, runs
// the intent pass, embeds and retrieves, structures the context, generates a
// grounded answer and assembles citations. Every stage runs under a bounded
// retry policy and a per-stage timeout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/config"
	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/retrieval"
	"github.com/9MpulS/RAG-Asistent/sgr"
)

type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, vector []float32, topK int, filter retrieval.Filter) (retrieval.Result, error)
	ValidateFilter(filter retrieval.Filter) error
}

// Structurer runs the two schema-guided reasoning passes.
type Structurer interface {
	Intent(ctx context.Context, query string) (sgr.Intent, error)
	StructureContext(ctx context.Context, intent sgr.Intent, fragments []retrieval.Fragment) (sgr.StructuredContext, error)
}

type Generator interface {
	Generate(ctx context.Context, sc sgr.StructuredContext) (sgr.Draft, error)
}

// ChunkChecker reports which chunk ids still exist in the store.
type ChunkChecker interface {
	ExistingChunks(ctx context.Context, ids []string) (map[string]bool, error)
}

type Dependencies struct {
	Embedder   Embedder
	Retriever  Retriever
	Structurer Structurer
	Generator  Generator
	Chunks     ChunkChecker
}

type Options struct {
	MaxQueryTokens int
	StageTimeout   time.Duration
	ExcerptLength  int
	Retry          RetryPolicy
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxQueryTokens: cfg.Embeddings.MaxQueryTokens,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		ExcerptLength:  cfg.Pipeline.ExcerptLength,
		Retry:          RetryPolicyFromConfig(cfg.Pipeline.Retry),
	}
}

// Service is safe for concurrent use; per-query state lives on the stack of
// AnswerQuery.
type Service struct {
	deps      Dependencies
	opts      Options
	assembler *Assembler
	logger    *log.Logger
}

func NewService(deps Dependencies, opts Options, logger *log.Logger) (*Service, error) {
	switch {
	case deps.Embedder == nil:
		return nil, fmt.Errorf("query embedder is not configured")
	case deps.Retriever == nil:
		return nil, fmt.Errorf("retriever is not configured")
	case deps.Structurer == nil:
		return nil, fmt.Errorf("reasoning structurer is not configured")
	case deps.Generator == nil:
		return nil, fmt.Errorf("answer generator is not configured")
	case deps.Chunks == nil:
		return nil, fmt.Errorf("chunk store is not configured")
	}
	return &Service{
		deps:      deps,
		opts:      opts,
		assembler: NewAssembler(opts.ExcerptLength),
		logger:    logging.OrDefault(logger),
	}, nil
}

// AnswerQuery runs the whole pipeline for one question. A returned error is
// always a *Error.
func (s *Service) AnswerQuery(ctx context.Context, req Request) (QueryResult, error) {
	queryID := uuid.NewString()
	result := QueryResult{QueryID: queryID, RequestedTopK: req.TopK, Citations: []Citation{}}
	started := time.Now()

	s.enter(queryID, StateValidating)
	query := strings.TrimSpace(req.Query)
	if err := ValidateQuery(query, s.opts.MaxQueryTokens); err != nil {
		return s.fail(queryID, &Error{Kind: KindValidation, Stage: StateValidating, Attempts: 1, Err: err})
	}
	if err := s.deps.Retriever.ValidateFilter(req.DocumentFilter); err != nil {
		return s.fail(queryID, &Error{Kind: KindValidation, Stage: StateValidating, Attempts: 1, Err: err})
	}

	s.enter(queryID, StateStructuringIntent)
	intent, err := stage(ctx, s, StateStructuringIntent, classifyReasoning, func(ctx context.Context) (sgr.Intent, error) {
		return s.deps.Structurer.Intent(ctx, query)
	})
	if err != nil {
		return s.fail(queryID, err)
	}
	result.NormalizedQuery = intent.NormalizedQuery

	if !intent.Answerable() {
		s.enter(queryID, StateShortCircuit)
		result.AnswerText = OutOfScopeAnswer
		return s.done(queryID, started, result)
	}
	result.Answerable = true

	s.enter(queryID, StateEmbedding)
	text := intent.NormalizedQuery
	if ValidateQuery(text, s.opts.MaxQueryTokens) != nil {
		text = query
	}
	vector, err := stage(ctx, s, StateEmbedding, classifyEmbedding, func(ctx context.Context) ([]float32, error) {
		return s.deps.Embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return s.fail(queryID, err)
	}

	s.enter(queryID, StateRetrieving)
	retrieved, err := stage(ctx, s, StateRetrieving, classifyRetrieval, func(ctx context.Context) (retrieval.Result, error) {
		return s.deps.Retriever.Retrieve(ctx, vector, req.TopK, req.DocumentFilter)
	})
	if err != nil {
		return s.fail(queryID, err)
	}
	result.RawFragmentsConsidered = retrieved.Considered
	result.EffectiveTopK = retrieved.EffectiveTopK
	result.TopKClamped = retrieved.Clamped
	if retrieved.Clamped {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("top_k %d is out of range and was clamped to %d", req.TopK, retrieved.EffectiveTopK))
	}
	if len(retrieved.Fragments) == 0 {
		return s.noContext(queryID, started, result, "no fragments above the similarity threshold")
	}

	s.enter(queryID, StateStructuringContext)
	sc, err := stage(ctx, s, StateStructuringContext, classifyReasoning, func(ctx context.Context) (sgr.StructuredContext, error) {
		return s.deps.Structurer.StructureContext(ctx, intent, retrieved.Fragments)
	})
	if err != nil {
		return s.fail(queryID, err)
	}
	result.ReasoningPath = sc.ReasoningPath
	if len(sc.Included()) == 0 {
		return s.noContext(queryID, started, result, "every retrieved fragment was excluded")
	}

	s.enter(queryID, StateGenerating)
	draft, err := stage(ctx, s, StateGenerating, classifyReasoning, func(ctx context.Context) (sgr.Draft, error) {
		return s.deps.Generator.Generate(ctx, sc)
	})
	if err != nil {
		return s.fail(queryID, err)
	}

	s.enter(queryID, StateAssemblingCitations)
	used, ungrounded := s.ground(queryID, draft.FragmentsUsed, sc, &result)
	citations := s.assembler.Assemble(draft.AnswerText, used, sc)
	citations, stale, err := s.dropStale(ctx, queryID, citations, &result)
	if err != nil {
		return s.fail(queryID, err)
	}

	result.AnswerText = strings.TrimSpace(StripMarkers(draft.AnswerText, append(ungrounded, stale...)))
	result.Citations = citations
	return s.done(queryID, started, result)
}

// ground drops every used id that was not part of the included context. It
// also returns the ranks of dropped ids that name an excluded fragment, whose
// markers must not survive in the answer.
func (s *Service) ground(queryID string, used []string, sc sgr.StructuredContext, result *QueryResult) ([]string, []int) {
	allowed := make(map[string]struct{})
	for _, item := range sc.Included() {
		allowed[item.Fragment.ChunkID] = struct{}{}
	}
	ranks := make(map[string]int, len(sc.Items))
	for _, item := range sc.Items {
		ranks[item.Fragment.ChunkID] = item.Fragment.Rank
	}

	valid := make([]string, 0, len(used))
	var dropped []int
	for _, id := range used {
		if _, ok := allowed[id]; ok {
			valid = append(valid, id)
			continue
		}
		if rank, ok := ranks[id]; ok {
			dropped = append(dropped, rank)
		}
		violation := &Error{Kind: KindGroundingViolation, Stage: StateAssemblingCitations, Attempts: 1,
			Err: fmt.Errorf("fragment %q was not in the generation context", id)}
		s.logger.Warn().
			Str("query_id", queryID).
			Str("chunk_id", id).
			Err(violation).
			Msg("dropping ungrounded citation")
		result.DegradedGrounding = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("dropped citation of unknown fragment %q", id))
	}
	return valid, dropped
}

// dropStale removes citations whose chunks were replaced while the query ran
// and returns the ranks it removed.
func (s *Service) dropStale(ctx context.Context, queryID string, citations []Citation, result *QueryResult) ([]Citation, []int, error) {
	if len(citations) == 0 {
		return citations, nil, nil
	}
	ids := make([]string, len(citations))
	for i, c := range citations {
		ids[i] = c.ChunkID
	}

	existing, err := stage(ctx, s, StateAssemblingCitations, fixedKind(KindVectorSearch), func(ctx context.Context) (map[string]bool, error) {
		return s.deps.Chunks.ExistingChunks(ctx, ids)
	})
	if err != nil {
		return nil, nil, err
	}

	kept := citations[:0]
	var dropped []int
	for _, c := range citations {
		if existing[c.ChunkID] {
			kept = append(kept, c)
			continue
		}
		dropped = append(dropped, c.Rank)
		s.logger.Warn().
			Str("query_id", queryID).
			Str("chunk_id", c.ChunkID).
			Str("document_id", c.DocumentID).
			Msg("dropping citation of a chunk replaced during the query")
		result.DegradedGrounding = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("document %q was reprocessed during the query; citation of chunk %q dropped", c.DocumentTitle, c.ChunkID))
	}
	return kept, dropped, nil
}

func (s *Service) noContext(queryID string, started time.Time, result QueryResult, reason string) (QueryResult, error) {
	s.logger.Info().Str("query_id", queryID).Str("reason", reason).Msg("no relevant context")
	result.NoContext = true
	result.AnswerText = NoContextAnswer
	result.Citations = []Citation{}
	return s.done(queryID, started, result)
}

func (s *Service) done(queryID string, started time.Time, result QueryResult) (QueryResult, error) {
	s.enter(queryID, StateDone)
	s.logger.Info().
		Str("query_id", queryID).
		Bool("answerable", result.Answerable).
		Bool("no_context", result.NoContext).
		Bool("degraded_grounding", result.DegradedGrounding).
		Int("citations", len(result.Citations)).
		Dur("elapsed", time.Since(started)).
		Msg("query answered")
	return result, nil
}

func (s *Service) fail(queryID string, err error) (QueryResult, error) {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = &Error{Kind: KindGenerationProvider, Stage: StateFailed, Attempts: 1, Err: err}
	}
	s.enter(queryID, StateFailed)
	s.logger.Error().
		Str("query_id", queryID).
		Str("stage", pe.Stage.String()).
		Str("kind", pe.Kind.String()).
		Int("attempts", pe.Attempts).
		Err(pe.Err).
		Msg("query failed")
	return QueryResult{}, pe
}

func (s *Service) enter(queryID string, state State) {
	s.logger.Debug().Str("query_id", queryID).Str("stage", state.String()).Msg("pipeline state")
}

func classifyEmbedding(err error) Kind {
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	return KindEmbeddingProvider
}

func classifyReasoning(err error) Kind {
	if errors.Is(err, sgr.ErrSchemaViolation) {
		return KindSchemaViolation
	}
	return KindGenerationProvider
}

func classifyRetrieval(err error) Kind {
	if errors.Is(err, retrieval.ErrInvalidFilter) {
		return KindValidation
	}
	return KindVectorSearch
}

func fixedKind(kind Kind) func(error) Kind {
	return func(error) Kind { return kind }
}

var (
	_ Embedder     = (*QueryEmbedder)(nil)
	_ Retriever    = (*retrieval.Retriever)(nil)
	_ Structurer   = (*sgr.Reasoner)(nil)
	_ Generator    = (*sgr.Generator)(nil)
	_ ChunkChecker = (retrieval.ChunkStore)(nil)
)
