package trend

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

func ptr(v int64) *int64 { return &v }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(m time.Month, d int) time.Time { return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC) }

func fixture(t *testing.T) *orgtree.Tree {
	t.Helper()
	tree, err := orgtree.Build(orgtree.KindChurch, 1, []orgtree.Node{
		{ID: 1, Name: "HQ", Level: "headquarters", LedgerID: ptr(100)},
		{ID: 2, Name: "East", Level: "region", ParentID: ptr(1), LedgerID: ptr(200)},
		{ID: 3, Name: "West", Level: "region", ParentID: ptr(1), LedgerID: ptr(300)},
	})
	require.NoError(t, err)
	return tree
}

func TestBuildOmitsEmptyMonths(t *testing.T) {
	tree := fixture(t)
	res, err := Build(Input{
		Tree:   tree,
		Period: ledger.NewPeriod(day(1, 1), day(4, 30)),
		Entries: []ledger.Entry{
			{LedgerID: 200, Date: day(1, 10), Amount: dec("50"), Nature: ledger.NatureRevenue},
			{LedgerID: 300, Date: day(1, 12), Amount: dec("20"), Nature: ledger.NatureExpense},
			{LedgerID: 300, Date: day(3, 2), Amount: dec("40"), Nature: ledger.NatureRevenue},
		},
		Targets: []ledger.Target{
			{EntityKind: orgtree.KindChurch, EntityID: 1, Year: 2025, Month: time.March, Nature: ledger.NatureRevenue, Amount: dec("500")},
			{EntityKind: orgtree.KindChurch, EntityID: 1, Year: 2025, Month: time.June, Nature: ledger.NatureRevenue, Amount: dec("900")},
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Tree, 2)
	require.Equal(t, "2025-01", res.Tree[0].Month)
	require.Equal(t, "30", res.Tree[0].RealizedBalance.String())
	require.Equal(t, "2025-03", res.Tree[1].Month)
	require.Equal(t, "500", res.Tree[1].TargetBalance.String(), "June target lies outside the range")

	require.Len(t, res.Levels, 2)
	require.Equal(t, orgtree.Level("headquarters"), res.Levels[0].Level)
	require.Len(t, res.Levels[0].Points, 1)
	require.Equal(t, "2025-03", res.Levels[0].Points[0].Month)
	require.Len(t, res.Levels[1].Points, 2)
}

func TestBuildCapsNodeSeries(t *testing.T) {
	tree := fixture(t)
	res, err := Build(Input{
		Tree:     tree,
		Period:   ledger.NewPeriod(day(1, 1), day(1, 31)),
		Entries:  []ledger.Entry{{LedgerID: 200, Date: day(1, 3), Amount: dec("5"), Nature: ledger.NatureRevenue}},
		Nodes:    []int64{2, 2, 99, 3, 1},
		MaxNodes: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	require.Equal(t, int64(2), res.Nodes[0].NodeID)
	require.Equal(t, "East", res.Nodes[0].Name)
	require.Len(t, res.Nodes[0].Points, 1)
	require.Equal(t, int64(3), res.Nodes[1].NodeID)
	require.Empty(t, res.Nodes[1].Points)
	require.Equal(t, []int64{99, 1}, res.Ignored)
}

func TestBuildAppliesFilter(t *testing.T) {
	tree := fixture(t)
	cc := int64(9)
	res, err := Build(Input{
		Tree:   tree,
		Period: ledger.NewPeriod(day(1, 1), day(1, 31)),
		Filter: ledger.Filter{CostCenterID: &cc},
		Entries: []ledger.Entry{
			{LedgerID: 200, Date: day(1, 3), Amount: dec("5"), Nature: ledger.NatureRevenue},
		},
	})
	require.NoError(t, err)
	require.Empty(t, res.Tree)
}

func TestBuildInvalidPeriod(t *testing.T) {
	_, err := Build(Input{Tree: fixture(t), Period: ledger.NewPeriod(day(3, 1), day(1, 1))})
	require.ErrorIs(t, err, shared.ErrInvalidPeriod)
}
