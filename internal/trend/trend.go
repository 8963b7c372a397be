// Package trend buckets realized entries and explicit targets by month.
package trend

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// DefaultMaxNodes bounds the per-node series of one build.
const DefaultMaxNodes = 10

// Point is one month of a series. Months without entries or targets are
// never emitted.
type Point struct {
	Month           string          `json:"month"`
	Realized        ledger.Amounts  `json:"realized"`
	Target          ledger.Amounts  `json:"target"`
	RealizedBalance decimal.Decimal `json:"realized_balance"`
	TargetBalance   decimal.Decimal `json:"target_balance"`
}

// Series is a monthly line for one dimension of the report.
type Series struct {
	Level  orgtree.Level `json:"level,omitempty"`
	NodeID int64         `json:"node_id,omitempty"`
	Name   string        `json:"name,omitempty"`
	Points []Point       `json:"points"`
}

// Input feeds one build.
type Input struct {
	Tree    *orgtree.Tree
	Period  ledger.Period
	Filter  ledger.Filter
	Entries []ledger.Entry
	Targets []ledger.Target
	// Nodes selects the per-node series. Unknown ids and ids beyond MaxNodes
	// are reported in Result.Ignored.
	Nodes    []int64
	MaxNodes int
}

// Result groups the series of one build.
type Result struct {
	Tree    []Point  `json:"tree"`
	Levels  []Series `json:"levels"`
	Nodes   []Series `json:"nodes"`
	Ignored []int64  `json:"ignored,omitempty"`
}

type cell struct {
	realized ledger.Amounts
	target   ledger.Amounts
}

type buckets map[int64]map[string]*cell

func (b buckets) at(nodeID int64, month string) *cell {
	months, ok := b[nodeID]
	if !ok {
		months = make(map[string]*cell)
		b[nodeID] = months
	}
	c, ok := months[month]
	if !ok {
		c = &cell{}
		months[month] = c
	}
	return c
}

// Build computes the whole-tree, per-level and per-node series.
func Build(in Input) (Result, error) {
	if err := in.Period.Validate(); err != nil {
		return Result{}, err
	}
	b := make(buckets)
	for _, e := range in.Entries {
		if !e.Nature.Valid() || !in.Period.Contains(e.Date) || !in.Filter.Matches(e) {
			continue
		}
		month := shared.MonthOf(e.Date)
		for _, id := range in.Tree.NodesForLedger(e.LedgerID) {
			c := b.at(id, month)
			c.realized = c.realized.With(e.Nature, c.realized.Get(e.Nature).Add(e.Amount))
		}
	}
	for _, t := range in.Targets {
		if !t.Nature.Valid() || !in.Period.ContainsMonth(t.Year, t.Month) {
			continue
		}
		if _, ok := in.Tree.Node(t.EntityID); !ok {
			continue
		}
		c := b.at(t.EntityID, t.MonthKey())
		c.target = c.target.With(t.Nature, c.target.Get(t.Nature).Add(t.Amount))
	}

	all := make([]int64, 0, in.Tree.Len())
	byLevel := make(map[orgtree.Level][]int64)
	for _, n := range in.Tree.Nodes() {
		all = append(all, n.ID)
		byLevel[n.Level] = append(byLevel[n.Level], n.ID)
	}

	res := Result{
		Tree:   b.series(all),
		Levels: make([]Series, 0, len(byLevel)),
		Nodes:  []Series{},
	}
	for _, level := range in.Tree.Levels() {
		res.Levels = append(res.Levels, Series{Level: level, Points: b.series(byLevel[level])})
	}

	limit := in.MaxNodes
	if limit <= 0 {
		limit = DefaultMaxNodes
	}
	seen := make(map[int64]bool, len(in.Nodes))
	for _, id := range in.Nodes {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := in.Tree.Node(id)
		if !ok || len(res.Nodes) >= limit {
			res.Ignored = append(res.Ignored, id)
			continue
		}
		res.Nodes = append(res.Nodes, Series{Level: n.Level, NodeID: n.ID, Name: n.Name, Points: b.series([]int64{id})})
	}
	return res, nil
}

// series merges the buckets of the given nodes into month order.
func (b buckets) series(nodes []int64) []Point {
	merged := make(map[string]*cell)
	for _, id := range nodes {
		for month, c := range b[id] {
			m, ok := merged[month]
			if !ok {
				m = &cell{}
				merged[month] = m
			}
			m.realized = m.realized.Add(c.realized)
			m.target = m.target.Add(c.target)
		}
	}
	months := make([]string, 0, len(merged))
	for month := range merged {
		months = append(months, month)
	}
	sort.Strings(months)

	out := make([]Point, 0, len(months))
	for _, month := range months {
		c := merged[month]
		out = append(out, Point{
			Month:           month,
			Realized:        c.realized,
			Target:          c.target,
			RealizedBalance: c.realized.Balance(),
			TargetBalance:   c.target.Balance(),
		})
	}
	return out
}
