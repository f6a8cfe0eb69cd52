package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/config"
	"github.com/9MpulS/RAG-Asistent/database"
	"github.com/9MpulS/RAG-Asistent/embeddings"
	"github.com/9MpulS/RAG-Asistent/ingestion"
	"github.com/9MpulS/RAG-Asistent/knowledge"
	"github.com/9MpulS/RAG-Asistent/llm"
	"github.com/9MpulS/RAG-Asistent/pipeline"
	"github.com/9MpulS/RAG-Asistent/retrieval"
	"github.com/9MpulS/RAG-Asistent/sgr"
)

// app holds the long-lived connections shared by every command.
type app struct {
	cfg    config.Config
	logger *log.Logger
	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
	store  *retrieval.PostgresStore
	graph  *knowledge.Graph
}

func openApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	if err := database.EnsureRAGSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("neo4j connection: %w", err)
	}
	if driver == nil {
		logger.Info().Msg("NEO4J_URI not set, graph mirror disabled")
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		driver: driver,
		store:  retrieval.NewPostgresStore(pool, cfg.Embeddings.Dimension),
		graph:  knowledge.NewGraph(driver),
	}, nil
}

func (a *app) close(ctx context.Context) {
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("close neo4j driver")
		}
	}
	a.pool.Close()
}

func (a *app) queryService() (*pipeline.Service, error) {
	embedder, err := embeddings.NewEmbedder(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	retriever := retrieval.NewRetriever(a.store, retrieval.Options{
		MaxTopK:       a.cfg.Pipeline.MaxTopK,
		MinSimilarity: a.cfg.Pipeline.SimilarityThreshold,
		DedupWindow:   a.cfg.Pipeline.DedupWindow,
	}, a.logger)

	return pipeline.NewService(pipeline.Dependencies{
		Embedder:   pipeline.NewQueryEmbedder(embedder, a.cfg.Embeddings.Dimension, a.cfg.Embeddings.MaxQueryTokens),
		Retriever:  retriever,
		Structurer: sgr.NewReasoner(client, a.logger),
		Generator:  sgr.NewGenerator(client, a.logger),
		Chunks:     a.store,
	}, pipeline.OptionsFromConfig(a.cfg), a.logger)
}

func (a *app) ingestionService() (*ingestion.Service, error) {
	embedder, err := embeddings.NewEmbedder(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	var graph ingestion.GraphSync
	if a.graph != nil {
		graph = a.graph
	}
	return ingestion.NewService(a.store, graph, embedder, ingestion.OptionsFromConfig(a.cfg), a.logger), nil
}

func (a *app) clear(ctx context.Context) error {
	if err := database.TruncateRAG(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info().Msg("cleared Postgres rag_documents and rag_chunks")
	if err := a.graph.Purge(ctx); err != nil {
		return fmt.Errorf("clear neo4j: %w", err)
	}
	return nil
}
