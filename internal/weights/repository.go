package weights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
)

// Repository persists weight rows.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	List(ctx context.Context, scope Scope, status Status) ([]Weight, error)
	UpsertDrafts(ctx context.Context, scope Scope, entries []Entry, author string, at time.Time) error
	// LockScope serialises writers of one scope until the transaction ends.
	LockScope(ctx context.Context, scope Scope) error
	// ReplacePublished swaps the published rows of a scope for copies of its
	// drafts and returns how many rows were published.
	ReplacePublished(ctx context.Context, scope Scope, author string, at time.Time, batch uuid.UUID) (int64, error)
	Delete(ctx context.Context, scope Scope, statuses []Status) (int64, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres backed weight repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

// scopeClause matches every column of the composite scope key starting at $1.
const scopeClause = `entity_kind = $1 AND root_id = $2 AND cost_center_id = $3
	AND account_code = $4 AND period_start = $5 AND period_end = $6`

func scopeArgs(s Scope) []interface{} {
	p := s.Period()
	return []interface{}{string(s.EntityKind), s.RootID, s.costCenter(), s.AccountCode, p.Start, p.End}
}

const listQuery = `
SELECT node_id, level, weight::text, status, updated_by, updated_at,
       published_by, published_at, publish_batch
FROM allocation_weights
WHERE ` + scopeClause + ` AND status = $7
ORDER BY node_id`

func (r *repository) List(ctx context.Context, scope Scope, status Status) ([]Weight, error) {
	rows, err := r.db.Query(ctx, listQuery, append(scopeArgs(scope), string(status))...)
	if err != nil {
		return nil, fmt.Errorf("weights: list: %w", err)
	}
	defer rows.Close()

	var out []Weight
	for rows.Next() {
		var (
			w           Weight
			level       string
			raw         string
			st          string
			publishedBy *string
			batch       *uuid.UUID
		)
		if err := rows.Scan(&w.NodeID, &level, &raw, &st, &w.UpdatedBy, &w.UpdatedAt, &publishedBy, &w.PublishedAt, &batch); err != nil {
			return nil, fmt.Errorf("weights: scan: %w", err)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("weights: parse weight %q: %w", raw, err)
		}
		w.Scope = scope
		w.Level = orgtree.Level(level)
		w.Value = value
		w.Status = Status(st)
		if publishedBy != nil {
			w.PublishedBy = *publishedBy
		}
		w.Batch = batch
		out = append(out, w)
	}
	return out, rows.Err()
}

const upsertDraftQuery = `
INSERT INTO allocation_weights (entity_kind, root_id, cost_center_id, account_code, period_start, period_end,
                                node_id, level, weight, status, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, 'draft', $10, $11)
ON CONFLICT (entity_kind, root_id, cost_center_id, account_code, period_start, period_end, node_id, status)
DO UPDATE SET level = EXCLUDED.level, weight = EXCLUDED.weight,
              updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

func (r *repository) UpsertDrafts(ctx context.Context, scope Scope, entries []Entry, author string, at time.Time) error {
	batch := &pgx.Batch{}
	base := scopeArgs(scope)
	for _, e := range entries {
		args := append(append([]interface{}{}, base...), e.NodeID, string(e.Level), e.Weight.String(), author, at)
		batch.Queue(upsertDraftQuery, args...)
	}
	results := r.db.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("weights: upsert draft node %d: %w", entries[i].NodeID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("weights: close batch: %w", err)
	}
	return nil
}

func (r *repository) LockScope(ctx context.Context, scope Scope) error {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope.Key()); err != nil {
		return fmt.Errorf("weights: advisory lock: %w", err)
	}
	return nil
}

const deletePublishedQuery = `DELETE FROM allocation_weights WHERE ` + scopeClause + ` AND status = 'published'`

const copyDraftsQuery = `
INSERT INTO allocation_weights (entity_kind, root_id, cost_center_id, account_code, period_start, period_end,
                                node_id, level, weight, status, updated_by, updated_at,
                                published_by, published_at, publish_batch)
SELECT entity_kind, root_id, cost_center_id, account_code, period_start, period_end,
       node_id, level, weight, 'published', updated_by, updated_at,
       $7, $8, $9
FROM allocation_weights
WHERE ` + scopeClause + ` AND status = 'draft'`

func (r *repository) ReplacePublished(ctx context.Context, scope Scope, author string, at time.Time, batch uuid.UUID) (int64, error) {
	args := scopeArgs(scope)
	if _, err := r.db.Exec(ctx, deletePublishedQuery, args...); err != nil {
		return 0, fmt.Errorf("weights: clear published: %w", err)
	}
	tag, err := r.db.Exec(ctx, copyDraftsQuery, append(args, author, at, batch)...)
	if err != nil {
		return 0, fmt.Errorf("weights: copy drafts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repository) Delete(ctx context.Context, scope Scope, statuses []Status) (int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `DELETE FROM allocation_weights WHERE ` + scopeClause + ` AND status = ANY($7)`
	tag, err := r.db.Exec(ctx, query, append(scopeArgs(scope), names)...)
	if err != nil {
		return 0, fmt.Errorf("weights: delete %s: %w", strings.Join(names, ","), err)
	}
	return tag.RowsAffected(), nil
}
