// Package aggregate computes realized amounts per node from ledger entries.
//
// Aggregation is leaf-level: a node only sees the entries of its own ledger.
// Subtree and level figures are sums over the per-node result so they can be
// recomputed without another ledger read.
package aggregate

import (
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
)

// Realized maps node ids to their realized revenue and expense.
type Realized map[int64]ledger.Amounts

// Aggregate sums the entries matching the period and filter per node. Every
// node of the tree is present in the result; nodes without a ledger, or whose
// ledger has no matching entries, carry zeros.
func Aggregate(tree *orgtree.Tree, entries []ledger.Entry, period ledger.Period, filter ledger.Filter) (Realized, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	perLedger := make(map[int64]ledger.Amounts)
	for _, e := range entries {
		if !e.Nature.Valid() || !period.Contains(e.Date) || !filter.Matches(e) {
			continue
		}
		cur := perLedger[e.LedgerID]
		perLedger[e.LedgerID] = cur.With(e.Nature, cur.Get(e.Nature).Add(e.Amount))
	}

	out := make(Realized, tree.Len())
	for _, n := range tree.Nodes() {
		if !n.HasLedger() {
			out[n.ID] = ledger.Amounts{}
			continue
		}
		out[n.ID] = perLedger[*n.LedgerID]
	}
	return out, nil
}

// Subtree sums the figures of a node and all of its descendants.
func Subtree(tree *orgtree.Tree, figures map[int64]ledger.Amounts, nodeID int64) ledger.Amounts {
	var total ledger.Amounts
	for _, id := range tree.Subtree(nodeID) {
		total = total.Add(figures[id])
	}
	return total
}

// LevelTotal is the sum of the figures of every node tagged with one level.
type LevelTotal struct {
	Level   orgtree.Level
	Nodes   int
	Amounts ledger.Amounts
}

// ByLevel sums figures per level, ordered top down.
func ByLevel(tree *orgtree.Tree, figures map[int64]ledger.Amounts) []LevelTotal {
	levels := tree.Levels()
	idx := make(map[orgtree.Level]int, len(levels))
	out := make([]LevelTotal, len(levels))
	for i, l := range levels {
		idx[l] = i
		out[i].Level = l
	}
	for _, n := range tree.Nodes() {
		i := idx[n.Level]
		out[i].Nodes++
		out[i].Amounts = out[i].Amounts.Add(figures[n.ID])
	}
	return out
}

// Total sums the figures of every node in the tree.
func Total(tree *orgtree.Tree, figures map[int64]ledger.Amounts) ledger.Amounts {
	return Subtree(tree, figures, tree.Root().ID)
}
