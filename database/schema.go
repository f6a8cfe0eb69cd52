package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureRAGSchema creates the documents/chunks tables. The embedding column is
// sized to dimension, so chunks of any other dimensionality are rejected by
// Postgres at insert time.
func EnsureRAGSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_documents (
			id UUID PRIMARY KEY,
			source_path TEXT UNIQUE,
			title TEXT NOT NULL,
			document_number TEXT,
			source_url TEXT,
			sha256 TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
			sequence_index INT NOT NULL,
			article_number TEXT,
			content TEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, sequence_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_documents_number ON rag_documents(document_number)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id, sequence_index)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING hnsw (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// TruncateRAG removes every document and chunk.
func TruncateRAG(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, "TRUNCATE rag_chunks, rag_documents"); err != nil {
		return fmt.Errorf("truncate postgres tables: %w", err)
	}
	return nil
}
