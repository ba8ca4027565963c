package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// Postgres stores documents as JSONB rows in the documents table.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres constructs the Postgres-backed store.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type documentRow struct {
	ID   string         `db:"id"`
	Data types.JSONText `db:"data"`
}

// Get returns a single document.
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	const query = `SELECT id, data FROM documents WHERE collection = $1 AND id = $2`
	var row documentRow
	if err := p.db.GetContext(ctx, &row, query, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return row.document()
}

// GetAll returns every document in the collection.
func (p *Postgres) GetAll(ctx context.Context, collection string) ([]Document, error) {
	const query = `SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`
	var rows []documentRow
	if err := p.db.SelectContext(ctx, &rows, query, collection); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return toDocuments(rows)
}

// Query returns documents containing every filter field via JSONB containment.
func (p *Postgres) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if len(filter) == 0 {
		return p.GetAll(ctx, collection)
	}
	payload, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	const query = `SELECT id, data FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY id`
	var rows []documentRow
	if err := p.db.SelectContext(ctx, &rows, query, collection, types.JSONText(payload)); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	return toDocuments(rows)
}

// Set upserts the whole document.
func (p *Postgres) Set(ctx context.Context, collection, id string, doc Document) error {
	payload, err := json.Marshal(withID(cloneShallow(doc), id))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	const query = `INSERT INTO documents (collection, id, data, updated_at)
        VALUES ($1, $2, $3::jsonb, $4)
        ON CONFLICT (collection, id) DO UPDATE
        SET data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at`
	if _, err := p.db.ExecContext(ctx, query, collection, id, types.JSONText(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges top-level fields into an existing document.
func (p *Postgres) Update(ctx context.Context, collection, id string, fields Document) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	const query = `UPDATE documents SET data = data || $3::jsonb, updated_at = $4 WHERE collection = $1 AND id = $2`
	res, err := p.db.ExecContext(ctx, query, collection, id, types.JSONText(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r documentRow) document() (Document, error) {
	var doc Document
	if err := r.Data.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", r.ID, err)
	}
	return withID(doc, r.ID), nil
}

func toDocuments(rows []documentRow) ([]Document, error) {
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
