package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/config"
	"github.com/9MpulS/RAG-Asistent/embeddings"
	"github.com/9MpulS/RAG-Asistent/knowledge"
	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/retrieval"
)

const defaultBatchSize = 32

// ErrNoSourceFile is returned when a stored document has no source file to
// reprocess from.
var ErrNoSourceFile = errors.New("document has no source file")

// GraphSync mirrors stored documents into a graph database.
type GraphSync interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	DeleteDocument(ctx context.Context, documentID string) error
}

type Options struct {
	Dimension    int
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Dimension:    cfg.Embeddings.Dimension,
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
		BatchSize:    defaultBatchSize,
	}
}

// Status is the outcome of ingesting one file.
type Status string

const (
	StatusIngested  Status = "ingested"
	StatusUnchanged Status = "unchanged"
	StatusEmpty     Status = "empty"
	StatusFailed    Status = "failed"
)

type FileResult struct {
	Path       string `json:"path"`
	DocumentID string `json:"document_id,omitempty"`
	Status     Status `json:"status"`
	Chunks     int    `json:"chunks"`
	Error      string `json:"error,omitempty"`
}

type Report struct {
	Files []FileResult `json:"files"`
}

func (r Report) Count(status Status) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

type Service struct {
	store    retrieval.DocumentWriter
	graph    GraphSync
	embedder embeddings.Embedder
	opts     Options
	logger   *log.Logger
}

// NewService wires ingestion. graph may be nil.
func NewService(store retrieval.DocumentWriter, graph GraphSync, embedder embeddings.Embedder, opts Options, logger *log.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Service{
		store:    store,
		graph:    graph,
		embedder: embedder,
		opts:     opts,
		logger:   logging.OrDefault(logger),
	}
}

// IngestDirectory ingests every supported file under dir. A failing file is
// reported and does not stop the others.
func (s *Service) IngestDirectory(ctx context.Context, dir string) (Report, error) {
	if s.embedder == nil {
		return Report{}, fmt.Errorf("embedder not configured")
	}
	if s.store == nil {
		return Report{}, fmt.Errorf("document store not configured")
	}
	if _, err := os.Stat(dir); err != nil {
		return Report{}, fmt.Errorf("data directory: %w", err)
	}

	paths := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && DetectFormat(path) != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return Report{}, fmt.Errorf("walk data directory: %w", err)
	}

	report := Report{Files: make([]FileResult, 0, len(paths))}
	if len(paths) == 0 {
		s.logger.Warn().Str("dir", dir).Strs("extensions", SupportedExtensions()).Msg("no supported documents found")
		return report, nil
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := s.IngestFile(ctx, dir, path)
		if err != nil {
			s.logger.Error().Str("path", res.Path).Err(err).Msg("ingest failed")
			res.Status = StatusFailed
			res.Error = err.Error()
		}
		report.Files = append(report.Files, res)
	}

	s.logger.Info().
		Str("dir", dir).
		Int("ingested", report.Count(StatusIngested)).
		Int("unchanged", report.Count(StatusUnchanged)).
		Int("failed", report.Count(StatusFailed)).
		Msg("ingestion finished")
	return report, nil
}

// IngestFile (re)processes one file. Unchanged content is skipped; changed
// content keeps its document id and gets a whole new chunk set.
func (s *Service) IngestFile(ctx context.Context, root, path string) (FileResult, error) {
	return s.ingestFile(ctx, root, path, false)
}

// ReprocessDocument rebuilds the chunk set of one stored document from its
// source file under root, even when the file content is unchanged.
func (s *Service) ReprocessDocument(ctx context.Context, root, documentID string) (FileResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return FileResult{DocumentID: documentID, Status: StatusFailed}, err
	}
	if doc.SourcePath == "" {
		return FileResult{DocumentID: documentID, Status: StatusFailed},
			fmt.Errorf("%w: document %s", ErrNoSourceFile, documentID)
	}

	path := filepath.Join(root, filepath.FromSlash(doc.SourcePath))
	res, err := s.ingestFile(ctx, root, path, true)
	if err != nil {
		res.Status = StatusFailed
		return res, err
	}
	s.logger.Info().Str("document_id", documentID).Str("path", doc.SourcePath).Int("chunks", res.Chunks).Msg("document reprocessed")
	return res, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (retrieval.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, page retrieval.Page) ([]retrieval.Document, int, error) {
	return s.store.ListDocuments(ctx, page)
}

func (s *Service) ingestFile(ctx context.Context, root, path string, force bool) (FileResult, error) {
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)
	res := FileResult{Path: relPath}

	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("read file: %w", err)
	}
	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])

	docID := uuid.NewString()
	existing, err := s.store.DocumentBySourcePath(ctx, relPath)
	switch {
	case err == nil:
		docID = existing.ID
		if !force && existing.ContentHash == hashHex {
			res.DocumentID = docID
			res.Status = StatusUnchanged
			s.logger.Debug().Str("path", relPath).Msg("document unchanged")
			return res, nil
		}
	case !errors.Is(err, retrieval.ErrDocumentNotFound):
		return res, fmt.Errorf("look up document: %w", err)
	}
	res.DocumentID = docID

	parser, err := parserFor(DetectFormat(path))
	if err != nil {
		return res, err
	}
	parsed, err := parser.Parse(ctx, Payload{Path: path, Data: data})
	if err != nil {
		return res, fmt.Errorf("parse %s: %w", relPath, err)
	}

	texts := ChunkText(parsed.Text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(texts) == 0 {
		res.Status = StatusEmpty
		s.logger.Warn().Str("path", relPath).Msg("skip empty document")
		return res, nil
	}

	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return res, err
	}

	doc := retrieval.Document{
		ID:             docID,
		Title:          parsed.Title,
		DocumentNumber: parsed.DocumentNumber,
		SourceURL:      parsed.SourceURL,
		SourcePath:     relPath,
		ContentHash:    hashHex,
	}
	articles := articleNumbers(texts)
	chunks := make([]retrieval.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = retrieval.Chunk{
			ID:            uuid.NewString(),
			DocumentID:    docID,
			SequenceIndex: i,
			ArticleNumber: articles[i],
			Text:          text,
			Embedding:     vectors[i],
			TokenCount:    embeddings.EstimateTokens(text),
		}
	}

	if err := s.store.ReplaceDocumentChunks(ctx, doc, chunks); err != nil {
		return res, fmt.Errorf("replace chunks: %w", err)
	}
	res.Status = StatusIngested
	res.Chunks = len(chunks)

	if s.graph != nil {
		if err := s.graph.SyncDocument(ctx, graphDocument(doc, chunks)); err != nil {
			return res, fmt.Errorf("sync knowledge graph: %w", err)
		}
	}

	s.logger.Info().
		Str("path", relPath).
		Str("document_id", docID).
		Str("title", doc.Title).
		Int("chunks", len(chunks)).
		Msg("document ingested")
	return res, nil
}

// DeleteDocument removes a document and its chunks from the store and the graph.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if s.graph != nil {
		if err := s.graph.DeleteDocument(ctx, documentID); err != nil {
			return fmt.Errorf("delete from knowledge graph: %w", err)
		}
	}
	return nil
}

// embed batches texts and rejects any vector of the wrong dimension, so a
// mismatched chunk never reaches the store.
func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(texts))
		batch, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("generate embeddings: %w", err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", end-start, len(batch))
		}
		if err := embeddings.CheckDimension(batch, s.opts.Dimension); err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func graphDocument(doc retrieval.Document, chunks []retrieval.Chunk) knowledge.Document {
	out := knowledge.Document{
		ID:             doc.ID,
		Title:          doc.Title,
		DocumentNumber: doc.DocumentNumber,
		SourcePath:     doc.SourcePath,
		SourceURL:      doc.SourceURL,
		SHA:            doc.ContentHash,
		Chunks:         make([]knowledge.Chunk, len(chunks)),
	}
	for i, c := range chunks {
		out.Chunks[i] = knowledge.Chunk{ID: c.ID, SequenceIndex: c.SequenceIndex, ArticleNumber: c.ArticleNumber, Text: c.Text}
	}
	return out
}

var _ GraphSync = (*knowledge.Graph)(nil)
