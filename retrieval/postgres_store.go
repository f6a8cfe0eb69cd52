package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
}

func NewPostgresStore(pool *pgxpool.Pool, dimension int) *PostgresStore {
	return &PostgresStore{pool: pool, dimension: dimension}
}

// ValidateFilter rejects ids that are not UUIDs, the shape of every stored
// document id.
func (s *PostgresStore) ValidateFilter(filter Filter) error {
	_, err := filterIDs(filter)
	return err
}

// Search runs in a read-only transaction so the HNSW search width set with
// SET LOCAL ends with it and never leaks to the next user of the connection.
func (s *PostgresStore) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter Filter) (_ []Candidate, err error) {
	ids, err := filterIDs(filter)
	if err != nil {
		return nil, err
	}
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d values, expected %d", ErrDimensionMismatch, len(vector), s.dimension)
	}
	if limit <= 0 {
		return []Candidate{}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin search tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(limit))); err != nil {
		return nil, fmt.Errorf("set hnsw ef_search: %w", err)
	}

	args := []any{pgvector.NewVector(vector), limit, minScore}
	where := []string{"1 - (rc.embedding <=> $1::vector) >= $3"}
	if len(ids) > 0 {
		args = append(args, ids)
		where = append(where, "rc.document_id = ANY($4)")
	}

	rows, err := tx.Query(ctx, `
        SELECT
            rc.id::text,
            rc.document_id::text,
            rc.sequence_index,
            COALESCE(rc.article_number, ''),
            rc.content,
            rc.token_count,
            rd.title,
            COALESCE(rd.document_number, ''),
            COALESCE(rd.source_url, ''),
            rd.created_at,
            1 - (rc.embedding <=> $1::vector) AS similarity
        FROM rag_chunks rc
        JOIN rag_documents rd ON rd.id = rc.document_id
        WHERE `+strings.Join(where, " AND ")+`
        ORDER BY rc.embedding <=> $1::vector, rc.sequence_index
        LIMIT $2
    `, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}

	results := make([]Candidate, 0, limit)
	for rows.Next() {
		var item Candidate
		if scanErr := rows.Scan(
			&item.Chunk.ID,
			&item.Chunk.DocumentID,
			&item.Chunk.SequenceIndex,
			&item.Chunk.ArticleNumber,
			&item.Chunk.Text,
			&item.Chunk.TokenCount,
			&item.Document.Title,
			&item.Document.DocumentNumber,
			&item.Document.SourceURL,
			&item.Document.CreatedAt,
			&item.Score,
		); scanErr != nil {
			rows.Close()
			err = fmt.Errorf("scan similar chunk: %w", scanErr)
			return nil, err
		}
		item.Document.ID = item.Chunk.DocumentID
		results = append(results, item)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("read similar chunks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit search tx: %w", err)
	}

	sortCandidates(results)
	return results, nil
}

func efSearch(limit int) int {
	return max(limit*4, 40)
}

func filterIDs(filter Filter) ([]uuid.UUID, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.Empty() {
		return nil, nil
	}
	ids, err := parseUUIDs(filter.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return ids, nil
}

func (s *PostgresStore) ExistingChunks(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	for _, id := range ids {
		found[id] = false
	}
	if len(ids) == 0 {
		return found, nil
	}

	parsed, err := parseUUIDs(ids)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, "SELECT id::text FROM rag_chunks WHERE id = ANY($1)", parsed)
	if err != nil {
		return nil, fmt.Errorf("query existing chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// ReplaceDocumentChunks runs in one transaction; concurrent readers at READ
// COMMITTED see the old chunk set until commit and the new one after.
func (s *PostgresStore) ReplaceDocumentChunks(ctx context.Context, doc Document, chunks []Chunk) (err error) {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if err := validateChunks(doc, chunks, s.dimension); err != nil {
		return err
	}
	docID, err := uuid.Parse(doc.ID)
	if err != nil {
		return fmt.Errorf("%w: document id %q: %v", ErrInvalidChunk, doc.ID, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO rag_documents (id, source_path, title, document_number, source_url, sha256, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET source_path = EXCLUDED.source_path,
		    title = EXCLUDED.title,
		    document_number = EXCLUDED.document_number,
		    source_url = EXCLUDED.source_url,
		    sha256 = EXCLUDED.sha256,
		    updated_at = NOW()
	`, docID, doc.SourcePath, doc.Title, doc.DocumentNumber, doc.SourceURL, doc.ContentHash); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", docID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range chunks {
		chunk := &chunks[i]
		chunkID, parseErr := uuid.Parse(chunk.ID)
		if parseErr != nil {
			err = fmt.Errorf("%w: chunk id %q: %v", ErrInvalidChunk, chunk.ID, parseErr)
			return err
		}
		batch.Queue(`
			INSERT INTO rag_chunks (id, document_id, sequence_index, article_number, content, token_count, embedding, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NOW())
		`, chunkID, docID, chunk.SequenceIndex, chunk.ArticleNumber, chunk.Text, chunk.TokenCount, pgvector.NewVector(chunk.Embedding))
	}
	if batch.Len() > 0 {
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	docID, err := uuid.Parse(documentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM rag_documents WHERE id = $1", docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	docID, err := uuid.Parse(documentID)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return s.queryDocument(ctx, "WHERE rd.id = $1", docID)
}

func (s *PostgresStore) DocumentBySourcePath(ctx context.Context, path string) (Document, error) {
	return s.queryDocument(ctx, "WHERE rd.source_path = $1", path)
}

const documentColumns = `
	rd.id::text, rd.title, COALESCE(rd.document_number, ''), COALESCE(rd.source_url, ''),
	COALESCE(rd.source_path, ''), rd.sha256, rd.created_at,
	(SELECT COUNT(*) FROM rag_chunks rc WHERE rc.document_id = rd.id)`

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.DocumentNumber, &doc.SourceURL, &doc.SourcePath,
		&doc.ContentHash, &doc.CreatedAt, &doc.ChunkCount)
	return doc, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context, page Page) ([]Document, int, error) {
	page = page.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_documents").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+`
		FROM rag_documents rd
		ORDER BY rd.created_at DESC, rd.id
		OFFSET $1 LIMIT $2`, page.Offset, page.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, page.Limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("read documents: %w", err)
	}
	return docs, total, nil
}

func (s *PostgresStore) queryDocument(ctx context.Context, where string, arg any) (Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM rag_documents rd `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: %v", ErrDocumentNotFound, arg)
		}
		return Document{}, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(values))
	for _, value := range values {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", value, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var (
	_ Store           = (*PostgresStore)(nil)
	_ FilterValidator = (*PostgresStore)(nil)
)
