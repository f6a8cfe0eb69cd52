package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the corpus in process memory and searches it by brute
// force cosine similarity. Replacing a document's chunks swaps a single slice
// under the write lock, so searches never observe a partial chunk set.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	documents map[string]Document
	chunks    map[string][]Chunk
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		documents: make(map[string]Document),
		chunks:    make(map[string][]Chunk),
	}
}

func (s *MemoryStore) ReplaceDocumentChunks(_ context.Context, doc Document, chunks []Chunk) error {
	if err := validateChunks(doc, chunks, s.dimension); err != nil {
		return err
	}

	replacement := make([]Chunk, len(chunks))
	for i, chunk := range chunks {
		chunk.Embedding = append([]float32(nil), chunk.Embedding...)
		replacement[i] = chunk
	}
	sort.Slice(replacement, func(i, j int) bool {
		return replacement[i].SequenceIndex < replacement[j].SequenceIndex
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.documents[doc.ID]; ok && !existing.CreatedAt.IsZero() {
		doc.CreatedAt = existing.CreatedAt
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.ChunkCount = 0
	s.documents[doc.ID] = doc
	s.chunks[doc.ID] = replacement
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[documentID]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	delete(s.documents, documentID)
	delete(s.chunks, documentID)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	doc.ChunkCount = len(s.chunks[documentID])
	return doc, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, page Page) ([]Document, int, error) {
	page = page.Normalize()

	s.mu.RLock()
	docs := make([]Document, 0, len(s.documents))
	for id, doc := range s.documents {
		doc.ChunkCount = len(s.chunks[id])
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})

	total := len(docs)
	if page.Offset >= total {
		return []Document{}, total, nil
	}
	end := min(page.Offset+page.Limit, total)
	return docs[page.Offset:end], total, nil
}

func (s *MemoryStore) DocumentBySourcePath(_ context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, doc := range s.documents {
		if doc.SourcePath != "" && doc.SourcePath == path {
			doc.ChunkCount = len(s.chunks[id])
			return doc, nil
		}
	}
	return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
}

// Chunks returns a copy of the current chunk set of a document.
func (s *MemoryStore) Chunks(documentID string) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Chunk(nil), s.chunks[documentID]...)
}

func (s *MemoryStore) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter Filter) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d values, expected %d", ErrDimensionMismatch, len(vector), s.dimension)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Candidate{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Candidate, 0, limit)
	for docID, chunks := range s.chunks {
		if !filter.allows(docID) {
			continue
		}
		doc := s.documents[docID]
		for _, chunk := range chunks {
			score := CosineSimilarity(vector, chunk.Embedding)
			if score < minScore {
				continue
			}
			hit := chunk
			hit.Embedding = nil
			results = append(results, Candidate{Chunk: hit, Document: doc, Score: score})
		}
	}

	sortCandidates(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ValidateFilter accepts any non-blank id; unknown ids simply match nothing.
func (s *MemoryStore) ValidateFilter(filter Filter) error {
	return filter.Validate()
}

func (s *MemoryStore) ExistingChunks(_ context.Context, ids []string) (map[string]bool, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, chunks := range s.chunks {
		for _, chunk := range chunks {
			if _, ok := wanted[chunk.ID]; ok {
				wanted[chunk.ID] = true
			}
		}
	}
	return wanted, nil
}

func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.SequenceIndex != b.Chunk.SequenceIndex {
			return a.Chunk.SequenceIndex < b.Chunk.SequenceIndex
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID < b.Chunk.DocumentID
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ FilterValidator = (*MemoryStore)(nil)
)
