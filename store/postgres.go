package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samthor/blocksync/block"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	blocks JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores each document as a row holding its blocks as JSONB.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the given database URL and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the documents table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Load(ctx context.Context, id string) (doc block.Document, err error) {
	var raw []byte
	err = p.pool.QueryRow(ctx, `SELECT blocks FROM documents WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, ErrNotFound
	} else if err != nil {
		return doc, fmt.Errorf("load %q: %w", id, err)
	}

	doc.ID = id
	if err := json.Unmarshal(raw, &doc.Blocks); err != nil {
		return doc, fmt.Errorf("decode %q: %w", id, err)
	}
	return doc, nil
}

func (p *Postgres) Save(ctx context.Context, doc block.Document) error {
	raw, err := json.Marshal(nonNilBlocks(doc.Blocks))
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO documents (id, blocks, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET blocks = EXCLUDED.blocks, updated_at = EXCLUDED.updated_at`,
		doc.ID, raw)
	if err != nil {
		return fmt.Errorf("save %q: %w", doc.ID, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func nonNilBlocks(blocks []block.Block) []block.Block {
	if blocks == nil {
		return []block.Block{}
	}
	return blocks
}
