// Package knowledge mirrors ingested regulations into Neo4j as a
// Document -> Chunk graph with NEXT edges between consecutive chunks.
package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID             string
	Title          string
	DocumentNumber string
	SourcePath     string
	SourceURL      string
	SHA            string
	Chunks         []Chunk
}

type Chunk struct {
	ID            string
	SequenceIndex int
	ArticleNumber string
	Text          string
}

// Graph writes to Neo4j. A nil *Graph is valid and does nothing, so callers
// can run without a graph database.
type Graph struct {
	driver neo4j.DriverWithContext
}

// NewGraph returns nil when driver is nil.
func NewGraph(driver neo4j.DriverWithContext) *Graph {
	if driver == nil {
		return nil
	}
	return &Graph{driver: driver}
}

// SyncDocument replaces the document's chunk nodes in one write transaction.
func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	if g == nil {
		return nil
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.title = $title,
			    d.document_number = $number,
			    d.source_path = $path,
			    d.source_url = $url,
			    d.sha256 = $sha,
			    d.updated_at = datetime()
		`, documentParams(doc)); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		if len(doc.Chunks) == 0 {
			return nil, nil
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})
			UNWIND $chunks AS row
			CREATE (c:Chunk {id: row.id})
			SET c.sequence_index = row.sequence_index,
			    c.article_number = row.article_number,
			    c.text = row.text
			MERGE (d)-[:HAS_CHUNK {order: row.sequence_index}]->(c)
		`, map[string]any{"id": doc.ID, "chunks": chunkRows(doc)}); err != nil {
			return nil, fmt.Errorf("create chunk nodes: %w", err)
		}

		if pairs := nextPairs(doc); len(pairs) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $pairs AS pair
				MATCH (a:Chunk {id: pair.from}), (b:Chunk {id: pair.to})
				MERGE (a)-[:NEXT]->(b)
			`, map[string]any{"pairs": pairs}); err != nil {
				return nil, fmt.Errorf("link consecutive chunks: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// DeleteDocument removes the document node and its chunks.
func (g *Graph) DeleteDocument(ctx context.Context, documentID string) error {
	if g == nil {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})
			OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c, d
		`, map[string]any{"id": documentID}); err != nil {
			return nil, fmt.Errorf("delete document %s: %w", documentID, err)
		}
		return nil, nil
	})
	return err
}

// Purge removes every Document and Chunk node.
func (g *Graph) Purge(ctx context.Context) error {
	if g == nil {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, `MATCH (n) WHERE n:Document OR n:Chunk DETACH DELETE n`, nil); err != nil {
		return fmt.Errorf("purge graph: %w", err)
	}
	return nil
}

func documentParams(doc Document) map[string]any {
	return map[string]any{
		"id":     doc.ID,
		"title":  doc.Title,
		"number": doc.DocumentNumber,
		"path":   doc.SourcePath,
		"url":    doc.SourceURL,
		"sha":    doc.SHA,
	}
}

func chunkRows(doc Document) []map[string]any {
	rows := make([]map[string]any, 0, len(doc.Chunks))
	for _, c := range sortedChunks(doc) {
		rows = append(rows, map[string]any{
			"id":             c.ID,
			"sequence_index": c.SequenceIndex,
			"article_number": c.ArticleNumber,
			"text":           c.Text,
		})
	}
	return rows
}

// nextPairs links each chunk to the following one in sequence order.
func nextPairs(doc Document) []map[string]any {
	chunks := sortedChunks(doc)
	if len(chunks) < 2 {
		return nil
	}
	pairs := make([]map[string]any, 0, len(chunks)-1)
	for i := 1; i < len(chunks); i++ {
		pairs = append(pairs, map[string]any{"from": chunks[i-1].ID, "to": chunks[i].ID})
	}
	return pairs
}

func sortedChunks(doc Document) []Chunk {
	chunks := append([]Chunk(nil), doc.Chunks...)
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].SequenceIndex < chunks[j].SequenceIndex
	})
	return chunks
}
