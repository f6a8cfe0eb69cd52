// Package retrieval holds the chunk store contracts, their Postgres and
// in-memory implementations, and the Retriever that ranks and deduplicates
// similarity search results.
package retrieval

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDimensionMismatch = errors.New("chunk embedding dimension mismatch")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrInvalidChunk      = errors.New("invalid chunk")
	// ErrInvalidFilter marks a document filter the caller must correct.
	ErrInvalidFilter = errors.New("invalid document filter")
)

type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	DocumentNumber string    `json:"document_number,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	SourcePath     string    `json:"source_path,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	// ChunkCount is filled by reads; writers ignore it.
	ChunkCount int `json:"chunk_count"`
}

// Page bounds a document listing.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps Offset to >= 0 and Limit to [1, MaxPageLimit], using
// DefaultPageLimit for a non-positive limit.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Chunk is an immutable fragment of exactly one Document.
type Chunk struct {
	ID            string
	DocumentID    string
	SequenceIndex int
	ArticleNumber string
	Text          string
	Embedding     []float32
	TokenCount    int
}

// Candidate is a raw similarity hit as returned by a ChunkStore.
type Candidate struct {
	Chunk    Chunk
	Document Document
	Score    float64
}

// Fragment is a ranked, deduplicated retrieval result. When adjacent chunks
// of one document were merged, ChunkIDs lists all of them in sequence order
// and ChunkID is the best scoring member.
type Fragment struct {
	ChunkID        string
	ChunkIDs       []string
	DocumentID     string
	DocumentTitle  string
	DocumentNumber string
	SourceURL      string
	ArticleNumber  string
	SequenceStart  int
	SequenceEnd    int
	Text           string
	TokenCount     int
	Score          float64
	Rank           int
}

// Filter restricts a search to the listed documents. The zero value matches all.
type Filter struct {
	DocumentIDs []string
}

func (f Filter) Empty() bool {
	return len(f.DocumentIDs) == 0
}

// Validate rejects blank document ids.
func (f Filter) Validate() error {
	for i, id := range f.DocumentIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: document id %d is blank", ErrInvalidFilter, i)
		}
	}
	return nil
}

func (f Filter) allows(documentID string) bool {
	if f.Empty() {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}
