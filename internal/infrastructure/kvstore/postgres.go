// Package kvstore provides concrete ports.KVStore implementations: an
// in-memory one (memory.go) and this Postgres-backed one, grounded on the
// teacher's sqlx-based repository style
// (internal/infrastructure/repositories/security_stores.go) generalized
// from per-query domain repositories to a single generic
// (namespace, key) -> jsonb table, per §6's "Persisted layouts" contract.
package kvstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/rail-service/erasure_service/internal/domain/ports"
)

// Postgres implements ports.KVStore against a single kv_entries table.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	const query = `SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2`
	var value []byte
	err := p.db.QueryRowContext(ctx, query, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, namespace, key string, value []byte) error {
	const query = `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := p.db.ExecContext(ctx, query, namespace, key, value)
	return err
}

func (p *Postgres) SetIfAbsent(ctx context.Context, namespace, key string, value []byte) (bool, error) {
	const query = `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query, namespace, key, value)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *Postgres) Delete(ctx context.Context, namespace, key string) error {
	const query = `DELETE FROM kv_entries WHERE namespace = $1 AND key = $2`
	_, err := p.db.ExecContext(ctx, query, namespace, key)
	return err
}

func (p *Postgres) ListByNamespace(ctx context.Context, namespace string) ([]ports.Entry, error) {
	const query = `SELECT key, value FROM kv_entries WHERE namespace = $1 ORDER BY key`
	rows, err := p.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.Entry
	for rows.Next() {
		var e ports.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ ports.KVStore = (*Postgres)(nil)
