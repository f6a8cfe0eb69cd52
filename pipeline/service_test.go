package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/retrieval"
	"github.com/9MpulS/RAG-Asistent/sgr"
)

const stipendQuestion = "Які умови отримання стипендії?"

type fakeEmbedder struct {
	vector []float32
	errs   []error
	delay  time.Duration
	calls  atomic.Int32
	texts  []string
	mu     sync.Mutex
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.texts = append(f.texts, query)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	return f.vector, nil
}

type fakeStructurer struct {
	answerable   bool
	intentErr    error
	contextErr   error
	exclude      map[string]bool
	onContext    func()
	intentCalls  atomic.Int32
	contextCalls atomic.Int32
}

func (f *fakeStructurer) Intent(_ context.Context, query string) (sgr.Intent, error) {
	f.intentCalls.Add(1)
	if f.intentErr != nil {
		return sgr.Intent{}, f.intentErr
	}
	answerable := f.answerable
	return sgr.Intent{NormalizedQuery: "умови отримання стипендії", KeyTerms: []string{"стипендія"}, IsAnswerable: &answerable}, nil
}

func (f *fakeStructurer) StructureContext(_ context.Context, intent sgr.Intent, fragments []retrieval.Fragment) (sgr.StructuredContext, error) {
	f.contextCalls.Add(1)
	if f.onContext != nil {
		f.onContext()
	}
	if f.contextErr != nil {
		return sgr.StructuredContext{}, f.contextErr
	}
	sc := sgr.StructuredContext{NormalizedQuery: intent.NormalizedQuery, ReasoningPath: "перевірено фрагменти"}
	for _, frag := range fragments {
		include := !f.exclude[frag.ChunkID]
		label := sgr.LabelDirect
		if !include {
			label = sgr.LabelIrrelevant
		}
		sc.Items = append(sc.Items, sgr.LabeledFragment{Fragment: frag, Label: label, Include: include})
	}
	return sc, nil
}

// fakeGenerator cites every included fragment plus any extra ids, and
// mentions them in the answer in reverse rank order.
type fakeGenerator struct {
	extra  []string
	suffix string
	errs   []error
	calls  atomic.Int32
}

func (f *fakeGenerator) Generate(_ context.Context, sc sgr.StructuredContext) (sgr.Draft, error) {
	n := int(f.calls.Add(1))
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return sgr.Draft{}, f.errs[n-1]
	}
	included := sc.Included()
	draft := sgr.Draft{AnswerText: "Відповідь:"}
	for i := len(included) - 1; i >= 0; i-- {
		draft.AnswerText += " " + sgr.CitationMarker(included[i].Fragment.Rank)
	}
	for _, item := range included {
		draft.FragmentsUsed = append(draft.FragmentsUsed, item.Fragment.ChunkID)
	}
	draft.FragmentsUsed = append(draft.FragmentsUsed, f.extra...)
	draft.AnswerText += f.suffix
	return draft, nil
}

// unit returns a 2-d unit vector whose cosine with (1, 0) is cos.
func unit(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func seedStore(t *testing.T) *retrieval.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := retrieval.NewMemoryStore(2)
	require.NoError(t, store.ReplaceDocumentChunks(ctx,
		retrieval.Document{ID: "stipend", Title: "Положення про стипендіальне забезпечення", DocumentNumber: "123"},
		[]retrieval.Chunk{{ID: "stipend-1", DocumentID: "stipend", SequenceIndex: 0, ArticleNumber: "Стаття 5",
			Text: "Академічна стипендія призначається студентам за результатами рейтингу успішності.", Embedding: unit(0.85), TokenCount: 12}},
	))
	require.NoError(t, store.ReplaceDocumentChunks(ctx,
		retrieval.Document{ID: "dorm", Title: "Правила проживання у гуртожитку"},
		[]retrieval.Chunk{{ID: "dorm-1", DocumentID: "dorm", SequenceIndex: 0,
			Text: "Поселення у гуртожиток здійснюється за ордером.", Embedding: unit(0.12), TokenCount: 8}},
	))
	return store
}

type harness struct {
	store      retrieval.ChunkStore
	embedder   *fakeEmbedder
	structurer *fakeStructurer
	generator  *fakeGenerator
	opts       Options
}

func newHarness(store retrieval.ChunkStore) *harness {
	return &harness{
		store:      store,
		embedder:   &fakeEmbedder{vector: []float32{1, 0}},
		structurer: &fakeStructurer{answerable: true},
		generator:  &fakeGenerator{},
		opts: Options{
			MaxQueryTokens: 512,
			StageTimeout:   time.Second,
			ExcerptLength:  40,
			Retry:          RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		},
	}
}

func (h *harness) service(t *testing.T) *Service {
	t.Helper()
	retriever := retrieval.NewRetriever(h.store, retrieval.Options{MaxTopK: 20, MinSimilarity: 0.3, DedupWindow: 1}, logging.Discard())
	svc, err := NewService(Dependencies{
		Embedder:   h.embedder,
		Retriever:  retriever,
		Structurer: h.structurer,
		Generator:  h.generator,
		Chunks:     h.store,
	}, h.opts, logging.Discard())
	require.NoError(t, err)
	return svc
}

func TestAnswerQueryStipendScenario(t *testing.T) {
	h := newHarness(seedStore(t))

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)

	assert.True(t, result.Answerable)
	assert.False(t, result.NoContext)
	assert.False(t, result.DegradedGrounding)
	assert.Equal(t, "умови отримання стипендії", result.NormalizedQuery)
	assert.Equal(t, "перевірено фрагменти", result.ReasoningPath)
	assert.Equal(t, 1, result.RawFragmentsConsidered)
	assert.NotEmpty(t, result.QueryID)

	require.Len(t, result.Citations, 1)
	c := result.Citations[0]
	assert.Equal(t, "stipend", c.DocumentID)
	assert.Equal(t, "stipend-1", c.ChunkID)
	assert.Equal(t, "123", c.DocumentNumber)
	assert.Equal(t, "Стаття 5", c.ArticleNumber)
	assert.Equal(t, 1, c.Rank)
	assert.Equal(t, "Академічна стипендія призначається студе...", c.Excerpt)

	assert.Equal(t, []string{"умови отримання стипендії"}, h.embedder.texts)
}

func TestAnswerQueryShortCircuitsOffTopic(t *testing.T) {
	h := newHarness(seedStore(t))
	h.structurer.answerable = false

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: "Яка сьогодні погода?", TopK: 5})
	require.NoError(t, err)

	assert.False(t, result.Answerable)
	assert.Equal(t, OutOfScopeAnswer, result.AnswerText)
	assert.Empty(t, result.Citations)
	assert.NotNil(t, result.Citations)
	assert.Zero(t, h.generator.calls.Load())
	assert.Zero(t, h.embedder.calls.Load())
	assert.Zero(t, h.structurer.contextCalls.Load())
}

func TestAnswerQueryNoContextIsNotAnError(t *testing.T) {
	h := newHarness(seedStore(t))
	h.embedder.vector = []float32{-1, 0}

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	assert.True(t, result.NoContext)
	assert.Equal(t, NoContextAnswer, result.AnswerText)
	assert.Empty(t, result.Citations)
	assert.Zero(t, h.structurer.contextCalls.Load())
	assert.Zero(t, h.generator.calls.Load())
}

func TestAnswerQueryAllExcludedIsNoContext(t *testing.T) {
	h := newHarness(seedStore(t))
	h.structurer.exclude = map[string]bool{"stipend-1": true}

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	assert.True(t, result.NoContext)
	assert.Zero(t, h.generator.calls.Load())
}

func TestAnswerQueryDropsUngroundedCitations(t *testing.T) {
	h := newHarness(seedStore(t))
	h.generator.extra = []string{"invented-chunk", "dorm-1"}

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)

	assert.True(t, result.DegradedGrounding)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "stipend-1", result.Citations[0].ChunkID)
	assert.Len(t, result.Warnings, 2)
}

func TestAnswerQueryCitationsAreIdempotent(t *testing.T) {
	store := seedStore(t)
	require.NoError(t, store.ReplaceDocumentChunks(context.Background(),
		retrieval.Document{ID: "exams", Title: "Положення про екзамени"},
		[]retrieval.Chunk{{ID: "exams-1", DocumentID: "exams", Text: "Рейтинг формується за сесією.", Embedding: unit(0.7)}},
	))
	h := newHarness(store)
	svc := h.service(t)

	first, err := svc.AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	second, err := svc.AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)

	require.Len(t, first.Citations, 2)
	assert.Equal(t, first.Citations, second.Citations)
	assert.NotEqual(t, first.QueryID, second.QueryID)
	// The fake answer mentions [2] before [1].
	assert.Equal(t, "exams-1", first.Citations[0].ChunkID)
	assert.Equal(t, "stipend-1", first.Citations[1].ChunkID)
}

func TestAnswerQueryReportsClampedTopK(t *testing.T) {
	h := newHarness(seedStore(t))

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 1000})
	require.NoError(t, err)
	assert.True(t, result.TopKClamped)
	assert.Equal(t, 1000, result.RequestedTopK)
	assert.Equal(t, 20, result.EffectiveTopK)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "clamped to 20")
}

func TestAnswerQueryValidation(t *testing.T) {
	h := newHarness(seedStore(t))
	h.opts.MaxQueryTokens = 5
	svc := h.service(t)

	for _, query := range []string{"", "   ", "дуже довге запитання про умови призначення академічної стипендії студентам"} {
		_, err := svc.AnswerQuery(context.Background(), Request{Query: query, TopK: 5})
		require.Error(t, err, query)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, KindValidation, KindOf(err))
	}
	assert.Zero(t, h.structurer.intentCalls.Load())
}

func TestAnswerQueryRetriesEmbedding(t *testing.T) {
	h := newHarness(seedStore(t))
	h.embedder.errs = []error{errors.New("connection reset"), errors.New("503")}

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	assert.Len(t, result.Citations, 1)
	assert.EqualValues(t, 3, h.embedder.calls.Load())
}

func TestAnswerQueryEmbeddingRetriesAreBounded(t *testing.T) {
	h := newHarness(seedStore(t))
	down := errors.New("provider down")
	h.embedder.errs = []error{down, down, down, down, down}

	_, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindEmbeddingProvider, pe.Kind)
	assert.Equal(t, StateEmbedding, pe.Stage)
	assert.Equal(t, 3, pe.Attempts)
	assert.ErrorIs(t, err, down)
	assert.EqualValues(t, 3, h.embedder.calls.Load())
	assert.Zero(t, h.generator.calls.Load())
}

func TestAnswerQuerySchemaViolationIsNotRetriedByOrchestrator(t *testing.T) {
	h := newHarness(seedStore(t))
	h.structurer.contextErr = &sgr.ViolationError{Schema: sgr.ContextSchemaName, Reason: "missing reasoning_path"}

	_, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
	assert.ErrorIs(t, err, sgr.ErrSchemaViolation)
	assert.EqualValues(t, 1, h.structurer.contextCalls.Load())
	assert.Zero(t, h.generator.calls.Load())
}

func TestAnswerQueryRetriesGenerationProvider(t *testing.T) {
	h := newHarness(seedStore(t))
	h.generator.errs = []error{fmt.Errorf("%w: 502", sgr.ErrProvider)}

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	assert.Len(t, result.Citations, 1)
	assert.EqualValues(t, 2, h.generator.calls.Load())
}

func TestAnswerQueryStageTimeoutDiscardsLateResult(t *testing.T) {
	h := newHarness(seedStore(t))
	h.embedder.delay = 200 * time.Millisecond
	h.opts.StageTimeout = 20 * time.Millisecond
	h.opts.Retry.MaxAttempts = 2

	_, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.Error(t, err)
	assert.Equal(t, KindEmbeddingProvider, KindOf(err))
	assert.ErrorIs(t, err, errStageTimeout)
	assert.EqualValues(t, 2, h.embedder.calls.Load())
	assert.Zero(t, h.generator.calls.Load())
}

func TestAnswerQueryOverallDeadline(t *testing.T) {
	h := newHarness(seedStore(t))
	h.embedder.delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.service(t).AnswerQuery(ctx, Request{Query: stipendQuestion, TopK: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, KindOf(err).HTTPStatus())
	assert.EqualValues(t, 1, h.embedder.calls.Load())
}

func TestAnswerQueryStopsAfterCancellation(t *testing.T) {
	h := newHarness(seedStore(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.structurer.onContext = cancel

	_, err := h.service(t).AnswerQuery(ctx, Request{Query: stipendQuestion, TopK: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, h.generator.calls.Load())
}

// reprocessingStore replaces the stipend document right after the first
// search, as a concurrent ingestion would.
type reprocessingStore struct {
	*retrieval.MemoryStore
	once sync.Once
}

func (s *reprocessingStore) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter retrieval.Filter) ([]retrieval.Candidate, error) {
	out, err := s.MemoryStore.Search(ctx, vector, limit, minScore, filter)
	s.once.Do(func() {
		_ = s.MemoryStore.ReplaceDocumentChunks(ctx,
			retrieval.Document{ID: "stipend", Title: "Положення про стипендіальне забезпечення"},
			[]retrieval.Chunk{{ID: "stipend-v2-1", DocumentID: "stipend", Text: "Нова редакція.", Embedding: unit(0.9)}},
		)
	})
	return out, err
}

func TestAnswerQueryNeverCitesReplacedChunks(t *testing.T) {
	store := &reprocessingStore{MemoryStore: seedStore(t)}
	h := newHarness(store)

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)

	assert.True(t, result.DegradedGrounding)
	assert.Empty(t, result.Citations)
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, "Відповідь:", result.AnswerText)

	existing, err := store.ExistingChunks(context.Background(), []string{"stipend-1", "stipend-v2-1"})
	require.NoError(t, err)
	assert.False(t, existing["stipend-1"])
	assert.True(t, existing["stipend-v2-1"])
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{}, Options{}, nil)
	require.Error(t, err)
}

func TestAnswerQueryRejectsBlankFilterBeforeProviders(t *testing.T) {
	h := newHarness(seedStore(t))

	_, err := h.service(t).AnswerQuery(context.Background(), Request{
		Query:          stipendQuestion,
		TopK:           5,
		DocumentFilter: retrieval.Filter{DocumentIDs: []string{"stipend", " "}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, retrieval.ErrInvalidFilter)
	assert.Equal(t, http.StatusBadRequest, KindOf(err).HTTPStatus())
	assert.Zero(t, h.structurer.intentCalls.Load())
	assert.Zero(t, h.embedder.calls.Load())
}

func TestAnswerQueryRejectsMalformedPostgresFilter(t *testing.T) {
	h := newHarness(seedStore(t))
	retriever := retrieval.NewRetriever(retrieval.NewPostgresStore(nil, 2), retrieval.Options{MaxTopK: 20}, logging.Discard())
	svc, err := NewService(Dependencies{
		Embedder:   h.embedder,
		Retriever:  retriever,
		Structurer: h.structurer,
		Generator:  h.generator,
		Chunks:     h.store,
	}, h.opts, logging.Discard())
	require.NoError(t, err)

	_, err = svc.AnswerQuery(context.Background(), Request{
		Query:          stipendQuestion,
		TopK:           5,
		DocumentFilter: retrieval.Filter{DocumentIDs: []string{"not-a-uuid"}},
	})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Equal(t, StateValidating, pe.Stage)
	assert.Zero(t, h.structurer.intentCalls.Load())
	assert.Zero(t, h.embedder.calls.Load())
}

// filterRejectingStore fails every search with an invalid filter error, as a
// store with stricter id rules than the retriever checks would.
type filterRejectingStore struct {
	*retrieval.MemoryStore
	searches atomic.Int32
}

func (s *filterRejectingStore) Search(context.Context, []float32, int, float64, retrieval.Filter) ([]retrieval.Candidate, error) {
	s.searches.Add(1)
	return nil, fmt.Errorf("%w: unknown id format", retrieval.ErrInvalidFilter)
}

func TestAnswerQueryInvalidFilterFromStoreIsNotRetried(t *testing.T) {
	store := &filterRejectingStore{MemoryStore: seedStore(t)}
	h := newHarness(struct{ retrieval.ChunkStore }{store})

	_, err := h.service(t).AnswerQuery(context.Background(), Request{
		Query:          stipendQuestion,
		TopK:           5,
		DocumentFilter: retrieval.Filter{DocumentIDs: []string{"stipend"}},
	})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Equal(t, StateRetrieving, pe.Stage)
	assert.Equal(t, 1, pe.Attempts)
	assert.EqualValues(t, 1, store.searches.Load())
}

func TestAnswerQueryStripsMarkersOfUngroundedFragments(t *testing.T) {
	store := seedStore(t)
	require.NoError(t, store.ReplaceDocumentChunks(context.Background(),
		retrieval.Document{ID: "exams", Title: "Положення про сесію"},
		[]retrieval.Chunk{{ID: "exams-1", DocumentID: "exams", Text: "Сесія триває два тижні.", Embedding: unit(0.7)}},
	))
	h := newHarness(store)
	h.structurer.exclude = map[string]bool{"exams-1": true}
	h.generator.extra = []string{"exams-1"}
	h.generator.suffix = " [2]"

	result, err := h.service(t).AnswerQuery(context.Background(), Request{Query: stipendQuestion, TopK: 5})
	require.NoError(t, err)
	require.Len(t, result.Citations, 1)
	assert.True(t, result.DegradedGrounding)
	assert.Equal(t, "Відповідь: [1]", result.AnswerText)
}

func TestAnswerQueryConcurrentWithReprocessing(t *testing.T) {
	ctx := context.Background()
	doc := retrieval.Document{ID: "stipend", Title: "Положення про стипендіальне забезпечення"}
	version := func(v int) []retrieval.Chunk {
		prefix := fmt.Sprintf("v%d", v)
		return []retrieval.Chunk{
			{ID: prefix + "-a", DocumentID: doc.ID, SequenceIndex: 0, Text: "Стипендія, редакція " + prefix, Embedding: unit(0.9)},
			{ID: prefix + "-b", DocumentID: doc.ID, SequenceIndex: 5, Text: "Рейтинг, редакція " + prefix, Embedding: unit(0.8)},
		}
	}
	store := retrieval.NewMemoryStore(2)
	require.NoError(t, store.ReplaceDocumentChunks(ctx, doc, version(0)))
	svc := newHarness(store).service(t)

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for v := 1; ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := store.ReplaceDocumentChunks(ctx, doc, version(v)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	const workers, perWorker = 12, 8
	results := make(chan QueryResult, workers*perWorker)
	errs := make(chan error, workers*perWorker)
	var readers sync.WaitGroup
	for w := 0; w < workers; w++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < perWorker; i++ {
				res, err := svc.AnswerQuery(ctx, Request{Query: stipendQuestion, TopK: 5})
				if err != nil {
					errs <- err
					continue
				}
				results <- res
			}
		}()
	}
	readers.Wait()
	close(stop)
	writer.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("query failed: %v", err)
	}

	seenIDs := make(map[string]struct{})
	for res := range results {
		_, dup := seenIDs[res.QueryID]
		assert.False(t, dup, "query id %s reused", res.QueryID)
		seenIDs[res.QueryID] = struct{}{}

		versions := make(map[string]struct{})
		ranks := make(map[int]struct{})
		for _, c := range res.Citations {
			v, _, _ := strings.Cut(c.ChunkID, "-")
			versions[v] = struct{}{}
			ranks[c.Rank] = struct{}{}
		}
		assert.LessOrEqual(t, len(versions), 1, "citations mix chunk-set versions: %+v", res.Citations)
		if !res.DegradedGrounding {
			assert.Len(t, res.Citations, 2)
		}
		for _, rank := range []int{1, 2} {
			if strings.Contains(res.AnswerText, sgr.CitationMarker(rank)) {
				assert.Contains(t, ranks, rank, "answer %q keeps a marker without citation", res.AnswerText)
			}
		}
	}
	assert.Len(t, seenIDs, workers*perWorker)
}
