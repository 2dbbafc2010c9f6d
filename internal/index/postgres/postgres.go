// Package postgres provides a durable vector index backed by
// PostgreSQL with the pgvector extension.
//
// It is a drop-in alternative to the in-memory index for deployments
// that want nearest-neighbour search to survive restarts without a
// warm-up pass. The pgvector extension must be available in the target
// database; [New] installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/semem/internal/index"
)

// Compile-time interface check.
var _ index.Index = (*Index)(nil)

// ddl returns the schema DDL with the embedding dimension substituted.
// The dimension is baked into the column type at creation time;
// changing it later requires a manual schema migration.
func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embeddings (
    id         TEXT         PRIMARY KEY,
    embedding  vector(%d)   NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embeddings_embedding
    ON embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Index is the pgvector-backed vector index. All methods are safe for
// concurrent use; the underlying [pgxpool.Pool] bounds connections.
type Index struct {
	pool *pgxpool.Pool
}

// New connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and ensures the embeddings table and its
// HNSW index exist.
//
// dimensions must match the output dimension of the configured
// embedding model (e.g. 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small).
func New(ctx context.Context, dsn string, dimensions int) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres index: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns
	// scan into and insert from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres index: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: migrate: %w", err)
	}

	return &Index{pool: pool}, nil
}

// Add implements [index.Index]. An existing row with the same id is
// replaced.
func (i *Index) Add(ctx context.Context, id string, vec []float32) error {
	const q = `
		INSERT INTO embeddings (id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`

	if _, err := i.pool.Exec(ctx, q, id, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres index: add %s: %w", id, err)
	}
	return nil
}

// Remove implements [index.Index]. Removing an unknown id is not an
// error.
func (i *Index) Remove(ctx context.Context, id string) error {
	if _, err := i.pool.Exec(ctx, `DELETE FROM embeddings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres index: remove %s: %w", id, err)
	}
	return nil
}

// Search implements [index.Index]. Cosine distance from the <=> operator
// is converted to similarity so scores match the in-memory index.
func (i *Index) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}

	const q = `
		SELECT id, embedding <=> $1 AS distance
		FROM   embeddings
		ORDER  BY distance, id
		LIMIT  $2`

	rows, err := i.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("postgres index: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (index.Hit, error) {
		var (
			hit      index.Hit
			distance float64
		)
		if err := row.Scan(&hit.ID, &distance); err != nil {
			return index.Hit{}, err
		}
		hit.Score = 1 - distance
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres index: scan rows: %w", err)
	}
	return hits, nil
}

// Count implements [index.Index].
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.pool.QueryRow(ctx, `SELECT count(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres index: count: %w", err)
	}
	return n, nil
}

// Close releases all connections held by the pool.
func (i *Index) Close() {
	i.pool.Close()
}
