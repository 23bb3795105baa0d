package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-books/internal/platform/db"
)

// Record is a persisted reconciled entity.
type Record struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Data       Data      `json:"data"`
	Meta       Meta      `json:"meta"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository loads and stores reconciled records.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, entityType, entityID string) (Record, error)
}

// TxRepository is the locked read-modify-write used by merges.
type TxRepository interface {
	// LockOrCreate returns the record locked for update, creating an empty
	// one when none exists.
	LockOrCreate(ctx context.Context, entityType, entityID string) (Record, error)
	Save(ctx context.Context, rec Record) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (r *pgRepository) Get(ctx context.Context, entityType, entityID string) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT entity_type, entity_id, data, meta, updated_at
FROM reconciled_records WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockOrCreate(ctx context.Context, entityType, entityID string) (Record, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO reconciled_records (entity_type, entity_id, data, meta)
VALUES ($1, $2, '{}'::jsonb, '{}'::jsonb) ON CONFLICT (entity_type, entity_id) DO NOTHING`, entityType, entityID); err != nil {
		return Record{}, err
	}
	return scanRecord(t.tx.QueryRow(ctx, `SELECT entity_type, entity_id, data, meta, updated_at
FROM reconciled_records WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`, entityType, entityID))
}

func (t *pgTx) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE reconciled_records SET data = $3::jsonb, meta = $4::jsonb, updated_at = NOW()
WHERE entity_type = $1 AND entity_id = $2`, rec.EntityType, rec.EntityID, string(data), string(meta))
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var data, meta []byte
	if err := row.Scan(&rec.EntityType, &rec.EntityID, &data, &meta, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	rec.Data = Data{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec.Data); err != nil {
		return Record{}, err
	}
	rec.Meta = Meta{}
	if err := json.Unmarshal(meta, &rec.Meta); err != nil {
		return Record{}, err
	}
	return rec, nil
}
