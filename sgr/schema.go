package sgr

import (
	"sort"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/9MpulS/RAG-Asistent/llm"
)

// Relevance labels assigned by the context pass.
const (
	LabelDirect      = "direct"
	LabelBackground  = "background"
	LabelConflicting = "conflicting"
	LabelIrrelevant  = "irrelevant"

	DecisionInclude = "include"
	DecisionExclude = "exclude"
)

// Intent is the output of the pre-retrieval pass.
type Intent struct {
	NormalizedQuery      string   `json:"normalized_query" validate:"required"`
	KeyTerms             []string `json:"key_terms" validate:"required,max=16,dive,required"`
	IsAnswerable         *bool    `json:"is_answerable_from_corpus" validate:"required"`
	Intent               string   `json:"intent"`
	ExpectedDocumentType string   `json:"expected_document_type"`
	Confidence           float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// Answerable reports is_answerable_from_corpus; a missing value is false.
func (i Intent) Answerable() bool {
	return i.IsAnswerable != nil && *i.IsAnswerable
}

type FragmentAssessment struct {
	FragmentID string `json:"fragment_id" validate:"required"`
	Relevance  string `json:"relevance" validate:"required,oneof=direct background conflicting irrelevant"`
	Decision   string `json:"decision" validate:"required,oneof=include exclude"`
	Reasoning  string `json:"reasoning"`
}

type ContextAssessment struct {
	Fragments     []FragmentAssessment `json:"fragments" validate:"required,dive"`
	ReasoningPath string               `json:"reasoning_path" validate:"required"`
	Confidence    float64              `json:"confidence" validate:"gte=0,lte=1"`
}

// Draft is the output of answer generation, before grounding checks.
type Draft struct {
	AnswerText    string   `json:"answer_text" validate:"required"`
	FragmentsUsed []string `json:"fragments_used" validate:"required,dive,required"`
	Confidence    float64  `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning     string   `json:"reasoning"`
}

func object(props map[string]jsonschema.Definition) *jsonschema.Definition {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	sort.Strings(required)
	return &jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           props,
		Required:             required,
		AdditionalProperties: false,
	}
}

var (
	unitInterval = jsonschema.Definition{Type: jsonschema.Number, Description: "0..1"}

	intentSchema = llm.Schema{
		Name:        "query_intent",
		Description: "Normalized intent of a student's question about university regulations",
		Definition: object(map[string]jsonschema.Definition{
			"normalized_query":          {Type: jsonschema.String, Description: "The question rewritten as a clear standalone search query"},
			"key_terms":                 {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
			"is_answerable_from_corpus": {Type: jsonschema.Boolean, Description: "False when the question is unrelated to university regulations"},
			"intent":                    {Type: jsonschema.String},
			"expected_document_type":    {Type: jsonschema.String, Description: "regulation, order, instruction, or empty"},
			"confidence":                unitInterval,
		}),
	}

	contextSchema = llm.Schema{
		Name:        "context_assessment",
		Description: "Relevance label and include/exclude decision for every retrieved fragment",
		Definition: object(map[string]jsonschema.Definition{
			"fragments": {
				Type: jsonschema.Array,
				Items: object(map[string]jsonschema.Definition{
					"fragment_id": {Type: jsonschema.String},
					"relevance":   {Type: jsonschema.String, Enum: []string{LabelDirect, LabelBackground, LabelConflicting, LabelIrrelevant}},
					"decision":    {Type: jsonschema.String, Enum: []string{DecisionInclude, DecisionExclude}},
					"reasoning":   {Type: jsonschema.String},
				}),
			},
			"reasoning_path": {Type: jsonschema.String},
			"confidence":     unitInterval,
		}),
	}

	answerSchema = llm.Schema{
		Name:        "grounded_answer",
		Description: "Answer text plus the fragment ids it relies on",
		Definition: object(map[string]jsonschema.Definition{
			"answer_text":    {Type: jsonschema.String},
			"fragments_used": {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
			"confidence":     unitInterval,
			"reasoning":      {Type: jsonschema.String},
		}),
	}
)

// Schema names, exported so providers and tests can route on them.
var (
	IntentSchemaName  = intentSchema.Name
	ContextSchemaName = contextSchema.Name
	AnswerSchemaName  = answerSchema.Name
)
