package pipeline

import (
	"github.com/9MpulS/RAG-Asistent/retrieval"
)

// Fixed answers for results that were not generated.
const (
	OutOfScopeAnswer = "Вибачте, це запитання не стосується нормативних документів університету, тому я не можу відповісти на нього на їх основі."
	NoContextAnswer  = "На жаль, я не знайшов релевантної інформації в документах для відповіді на ваш запит."
)

// Request is the input of AnswerQuery. TopK outside [1, MaxTopK] is clamped.
type Request struct {
	Query          string
	TopK           int
	DocumentFilter retrieval.Filter
}

type Citation struct {
	DocumentID     string `json:"document_id"`
	DocumentTitle  string `json:"document_title"`
	DocumentNumber string `json:"document_number,omitempty"`
	SourceURL      string `json:"source_url,omitempty"`
	ArticleNumber  string `json:"article_number,omitempty"`
	ChunkID        string `json:"chunk_id"`
	Excerpt        string `json:"excerpt"`
	Rank           int    `json:"rank"`
}

// QueryResult is a successful answer. Answerable is false for short-circuited
// off-topic queries, NoContext is set when nothing relevant was found; in both
// cases AnswerText is a fixed message and Citations is empty.
type QueryResult struct {
	QueryID                string     `json:"query_id"`
	AnswerText             string     `json:"answer_text"`
	Citations              []Citation `json:"citations"`
	RawFragmentsConsidered int        `json:"raw_fragments_considered"`
	Answerable             bool       `json:"answerable"`
	NoContext              bool       `json:"no_context"`
	DegradedGrounding      bool       `json:"degraded_grounding"`
	TopKClamped            bool       `json:"top_k_clamped"`
	RequestedTopK          int        `json:"requested_top_k"`
	EffectiveTopK          int        `json:"effective_top_k"`
	NormalizedQuery        string     `json:"normalized_query,omitempty"`
	ReasoningPath          string     `json:"reasoning_path,omitempty"`
	Warnings               []string   `json:"warnings,omitempty"`
}
