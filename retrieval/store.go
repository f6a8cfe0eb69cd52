package retrieval

import (
	"context"
	"fmt"
	"math"
)

// ChunkStore is the read side used while answering queries.
type ChunkStore interface {
	// Search returns up to limit candidates whose similarity to vector is at
	// least minScore, ordered by descending score. A single call observes one
	// consistent version of every document's chunk set.
	Search(ctx context.Context, vector []float32, limit int, minScore float64, filter Filter) ([]Candidate, error)
	// ExistingChunks reports which of ids are still present in the store.
	ExistingChunks(ctx context.Context, ids []string) (map[string]bool, error)
}

// FilterValidator is implemented by stores whose document ids have a fixed
// shape, so malformed filters are rejected before any search runs.
type FilterValidator interface {
	ValidateFilter(filter Filter) error
}

// DocumentWriter is the reprocessing hook used by ingestion.
type DocumentWriter interface {
	// ReplaceDocumentChunks upserts doc and atomically swaps its whole chunk
	// set: readers see either the previous set or chunks, never a mix.
	ReplaceDocumentChunks(ctx context.Context, doc Document, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	GetDocument(ctx context.Context, documentID string) (Document, error)
	DocumentBySourcePath(ctx context.Context, path string) (Document, error)
	// ListDocuments returns one page, newest first, and the total count.
	ListDocuments(ctx context.Context, page Page) ([]Document, int, error)
}

// Store is implemented by both PostgresStore and MemoryStore.
type Store interface {
	ChunkStore
	DocumentWriter
}

// validateChunks enforces ownership, dimensionality and unique positions
// before a chunk set is accepted.
func validateChunks(doc Document, chunks []Chunk, dimension int) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidChunk)
	}
	seen := make(map[int]struct{}, len(chunks))
	ids := make(map[string]struct{}, len(chunks))
	for i := range chunks {
		chunk := &chunks[i]
		if chunk.ID == "" {
			return fmt.Errorf("%w: chunk %d has no id", ErrInvalidChunk, i)
		}
		if chunk.DocumentID != doc.ID {
			return fmt.Errorf("%w: chunk %s belongs to %q, not %q", ErrInvalidChunk, chunk.ID, chunk.DocumentID, doc.ID)
		}
		if dimension > 0 && len(chunk.Embedding) != dimension {
			return fmt.Errorf("%w: chunk %s has %d values, expected %d", ErrDimensionMismatch, chunk.ID, len(chunk.Embedding), dimension)
		}
		if _, dup := seen[chunk.SequenceIndex]; dup {
			return fmt.Errorf("%w: duplicate sequence index %d", ErrInvalidChunk, chunk.SequenceIndex)
		}
		if _, dup := ids[chunk.ID]; dup {
			return fmt.Errorf("%w: duplicate chunk id %s", ErrInvalidChunk, chunk.ID)
		}
		seen[chunk.SequenceIndex] = struct{}{}
		ids[chunk.ID] = struct{}{}
	}
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
