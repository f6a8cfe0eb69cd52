// Package sgr implements schema-guided reasoning: the intent pass before
// retrieval, the context pass after it, and grounded answer generation. Every
// provider response is decoded into a fixed Go type and validated before use.
package sgr

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/llm"
	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/retrieval"
)

// maxSchemaAttempts is the first call plus exactly one stricter retry.
const maxSchemaAttempts = 2

// LabeledFragment is a retrieved fragment annotated by the context pass.
type LabeledFragment struct {
	Fragment  retrieval.Fragment
	Label     string
	Include   bool
	Reasoning string
}

// StructuredContext is the per-query output of the context pass. Items keep
// the retrieval rank order.
type StructuredContext struct {
	NormalizedQuery string
	KeyTerms        []string
	Items           []LabeledFragment
	ReasoningPath   string
	Confidence      float64
}

// Included returns the fragments marked "include", in rank order.
func (c StructuredContext) Included() []LabeledFragment {
	out := make([]LabeledFragment, 0, len(c.Items))
	for _, item := range c.Items {
		if item.Include {
			out = append(out, item)
		}
	}
	return out
}

// Reasoner runs the intent and context passes.
type Reasoner struct {
	client   llm.StructuredClient
	validate *validator.Validate
	logger   *log.Logger
}

func NewReasoner(client llm.StructuredClient, logger *log.Logger) *Reasoner {
	return &Reasoner{client: client, validate: validator.New(), logger: logging.OrDefault(logger)}
}

// Intent normalizes the raw query and decides whether the corpus can answer it.
func (r *Reasoner) Intent(ctx context.Context, query string) (Intent, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: intentSystemPrompt},
		{Role: llm.RoleUser, Content: intentUserPrompt(query)},
	}
	intent, err := structured(ctx, r.client, r.validate, r.logger, intentSchema, messages, nil)
	if err != nil {
		return Intent{}, err
	}
	intent.KeyTerms = dedupeStrings(intent.KeyTerms)
	return intent, nil
}

// StructureContext labels every fragment and decides which ones reach
// generation. Every input fragment must be assessed exactly once.
func (r *Reasoner) StructureContext(ctx context.Context, intent Intent, fragments []retrieval.Fragment) (StructuredContext, error) {
	sc := StructuredContext{
		NormalizedQuery: intent.NormalizedQuery,
		KeyTerms:        append([]string(nil), intent.KeyTerms...),
	}
	if len(fragments) == 0 {
		return sc, nil
	}

	known := make(map[string]struct{}, len(fragments))
	for _, f := range fragments {
		known[f.ChunkID] = struct{}{}
	}

	check := func(a *ContextAssessment) error {
		seen := make(map[string]struct{}, len(a.Fragments))
		for _, item := range a.Fragments {
			if _, ok := known[item.FragmentID]; !ok {
				return fmt.Errorf("unknown fragment_id %q", item.FragmentID)
			}
			if _, dup := seen[item.FragmentID]; dup {
				return fmt.Errorf("fragment_id %q assessed twice", item.FragmentID)
			}
			seen[item.FragmentID] = struct{}{}
		}
		if len(seen) != len(known) {
			return fmt.Errorf("%d of %d fragments were not assessed", len(known)-len(seen), len(known))
		}
		return nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: contextSystemPrompt},
		{Role: llm.RoleUser, Content: contextUserPrompt(intent, fragments)},
	}
	assessment, err := structured(ctx, r.client, r.validate, r.logger, contextSchema, messages, check)
	if err != nil {
		return StructuredContext{}, err
	}

	byID := make(map[string]FragmentAssessment, len(assessment.Fragments))
	for _, item := range assessment.Fragments {
		byID[item.FragmentID] = item
	}

	sc.ReasoningPath = assessment.ReasoningPath
	sc.Confidence = assessment.Confidence
	sc.Items = make([]LabeledFragment, 0, len(fragments))
	for _, f := range fragments {
		item := byID[f.ChunkID]
		sc.Items = append(sc.Items, LabeledFragment{
			Fragment:  f,
			Label:     item.Relevance,
			Include:   item.Decision == DecisionInclude,
			Reasoning: item.Reasoning,
		})
	}
	sort.SliceStable(sc.Items, func(i, j int) bool {
		return sc.Items[i].Fragment.Rank < sc.Items[j].Fragment.Rank
	})
	return sc, nil
}

// Generator produces the grounded answer from the included fragments.
type Generator struct {
	client   llm.StructuredClient
	validate *validator.Validate
	logger   *log.Logger
}

func NewGenerator(client llm.StructuredClient, logger *log.Logger) *Generator {
	return &Generator{client: client, validate: validator.New(), logger: logging.OrDefault(logger)}
}

// Generate answers from sc.Included() only. fragments_used is returned as the
// provider reported it (deduplicated); grounding is checked by the caller.
func (g *Generator) Generate(ctx context.Context, sc StructuredContext) (Draft, error) {
	included := sc.Included()
	if len(included) == 0 {
		return Draft{}, fmt.Errorf("no included fragments to generate from")
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: answerSystemPrompt},
		{Role: llm.RoleUser, Content: answerUserPrompt(sc.NormalizedQuery, included)},
	}
	draft, err := structured(ctx, g.client, g.validate, g.logger, answerSchema, messages, nil)
	if err != nil {
		return Draft{}, err
	}
	draft.FragmentsUsed = dedupeStrings(draft.FragmentsUsed)
	return draft, nil
}

// structured performs one schema-constrained call, retrying exactly once with
// a stricter prompt when the output does not conform.
func structured[T any](
	ctx context.Context,
	client llm.StructuredClient,
	validate *validator.Validate,
	logger *log.Logger,
	schema llm.Schema,
	messages []llm.Message,
	check func(*T) error,
) (T, error) {
	var zero T
	if client == nil {
		return zero, fmt.Errorf("%w: structured client is not configured", ErrProvider)
	}

	var last Result[T]
	var raw string
	for attempt := 1; attempt <= maxSchemaAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := client.GenerateStructured(ctx, messages, schema)
		if err != nil {
			return zero, fmt.Errorf("%w: %s: %w", ErrProvider, schema.Name, err)
		}
		raw = out

		last = Decode(out, validate, check)
		if last.Conforming() {
			return last.Value, nil
		}

		logger.Warn().
			Str("schema", schema.Name).
			Int("attempt", attempt).
			Str("violation", last.Violation).
			Msg("structured output rejected")

		messages = append(append([]llm.Message(nil), messages...),
			llm.Message{Role: llm.RoleAssistant, Content: out},
			llm.Message{Role: llm.RoleUser, Content: strictRetryPrompt(schema.Name, last.Violation)},
		)
	}

	return zero, &ViolationError{Schema: schema.Name, Reason: last.Violation, Raw: raw}
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
