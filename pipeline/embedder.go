package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/9MpulS/RAG-Asistent/embeddings"
)

// QueryEmbedder turns query text into a single vector of the configured
// dimension.
type QueryEmbedder struct {
	embedder  embeddings.Embedder
	dimension int
	maxTokens int
}

func NewQueryEmbedder(embedder embeddings.Embedder, dimension, maxTokens int) *QueryEmbedder {
	return &QueryEmbedder{embedder: embedder, dimension: dimension, maxTokens: maxTokens}
}

// ValidateQuery rejects empty queries and queries above the token limit.
// The returned error matches ErrValidation.
func ValidateQuery(query string, maxTokens int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is empty", ErrValidation)
	}
	if maxTokens > 0 {
		if tokens := embeddings.EstimateTokens(query); tokens > maxTokens {
			return fmt.Errorf("%w: query is about %d tokens, limit is %d", ErrValidation, tokens, maxTokens)
		}
	}
	return nil
}

func (q *QueryEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	query = strings.TrimSpace(query)
	if err := ValidateQuery(query, q.maxTokens); err != nil {
		return nil, err
	}
	if q.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}

	vectors, err := q.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}
	if err := embeddings.CheckDimension(vectors, q.dimension); err != nil {
		return nil, err
	}
	return vectors[0], nil
}
