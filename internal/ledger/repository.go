package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
)

// Repository reads recorded entries and targets from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var entryTables = map[Nature]string{
	NatureRevenue: "ledger_revenues",
	NatureExpense: "ledger_expenses",
}

const entriesQuery = `
SELECT ledger_id, entry_date, amount::text, cost_center_id, COALESCE(account_code, '')
FROM %s
WHERE ledger_id = ANY($1)
  AND entry_date BETWEEN $2 AND $3
  AND ($4::bigint IS NULL OR cost_center_id = $4)
  AND ($5 = '' OR account_code = $5)
ORDER BY entry_date, id`

// QueryEntries returns entries of one nature for the ledgers within the period.
func (r *Repository) QueryEntries(ctx context.Context, ledgerIDs []int64, period Period, filter Filter, nature Nature) ([]Entry, error) {
	table, ok := entryTables[nature]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown nature %q", nature)
	}
	if len(ledgerIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(entriesQuery, table),
		ledgerIDs, period.Start, period.End, filter.CostCenterID, filter.AccountCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			date   time.Time
			amount string
			cc     *int64
		)
		if err := rows.Scan(&e.LedgerID, &date, &amount, &cc, &e.AccountCode); err != nil {
			return nil, err
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse amount %q: %w", amount, err)
		}
		e.Date = date
		e.CostCenterID = cc
		e.Nature = nature
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

const targetsQuery = `
SELECT entity_id, year, month, nature, amount::text
FROM financial_targets
WHERE entity_kind = $1
  AND entity_id = ANY($2)
  AND (year * 100 + month) BETWEEN $3 AND $4
ORDER BY entity_id, year, month, nature`

// QueryTargets returns the targets of the entities for every month the period touches.
func (r *Repository) QueryTargets(ctx context.Context, kind orgtree.EntityKind, entityIDs []int64, period Period) ([]Target, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	from, to := period.MonthBounds()
	rows, err := r.pool.Query(ctx, targetsQuery, string(kind), entityIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]Target, 0)
	for rows.Next() {
		var (
			t      Target
			month  int
			nature string
			amount string
		)
		if err := rows.Scan(&t.EntityID, &t.Year, &month, &nature, &amount); err != nil {
			return nil, err
		}
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse target %q: %w", amount, err)
		}
		t.EntityKind = kind
		t.Month = time.Month(month)
		t.Nature = Nature(nature)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}
