package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/9MpulS/RAG-Asistent/config"
)

// ErrDimensionMismatch is returned when a provider yields a vector whose
// length differs from the configured process-wide dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// CheckDimension verifies every vector has exactly dimension entries.
// A non-positive dimension disables the check.
func CheckDimension(vectors [][]float32, dimension int) error {
	if dimension <= 0 {
		return nil
	}
	for i, vec := range vectors {
		if len(vec) != dimension {
			return fmt.Errorf("%w: vector %d has %d values, expected %d", ErrDimensionMismatch, i, len(vec), dimension)
		}
	}
	return nil
}

// EstimateTokens approximates the provider token count of text: words plus
// punctuation runs, with long words counted as several tokens.
func EstimateTokens(text string) int {
	tokens := 0
	for _, field := range strings.FieldsFunc(text, unicode.IsSpace) {
		runes := []rune(field)
		letters := 0
		for _, r := range runes {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				letters++
				continue
			}
			tokens++
		}
		if letters > 0 {
			tokens += (letters + 5) / 6
		}
	}
	return tokens
}
