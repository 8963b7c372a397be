package orgtree

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the organization directory from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a directory repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UNION (not UNION ALL) stops the recursion if the stored parent chain loops.
const subtreeQuery = `
WITH RECURSIVE subtree AS (
	SELECT id, name, level, parent_id, ledger_id
	FROM org_nodes
	WHERE entity_kind = $1 AND id = $2
	UNION
	SELECT n.id, n.name, n.level, n.parent_id, n.ledger_id
	FROM org_nodes n
	JOIN subtree s ON n.parent_id = s.id
	WHERE n.entity_kind = $1
)
SELECT id, name, level, parent_id, ledger_id FROM subtree`

// GetSubtree returns the root and every node below it. An empty result means
// the root does not exist; the loader reports that as not found.
func (r *Repository) GetSubtree(ctx context.Context, kind EntityKind, rootID int64) ([]Node, error) {
	rows, err := r.pool.Query(ctx, subtreeQuery, string(kind), rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]Node, 0)
	for rows.Next() {
		var (
			n      Node
			level  string
			parent *int64
			ledger *int64
		)
		if err := rows.Scan(&n.ID, &n.Name, &level, &parent, &ledger); err != nil {
			return nil, err
		}
		n.Level = Level(level)
		n.ParentID = parent
		n.LedgerID = ledger
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}
