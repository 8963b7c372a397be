package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/distribution"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/trend"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
)

// Request describes one report build.
type Request struct {
	EntityKind   orgtree.EntityKind `validate:"required"`
	RootID       int64              `validate:"gt=0"`
	From         time.Time          `validate:"required"`
	To           time.Time          `validate:"required"`
	CostCenterID *int64             `validate:"omitempty,gt=0"`
	AccountCode  string             `validate:"max=64"`
	Mode         distribution.Mode
	// WeightStatus picks drafts or published weights in weighted mode.
	WeightStatus weights.Status
	// Override stands in for a missing root target, per nature.
	Override   map[ledger.Nature]decimal.Decimal
	TrendNodes []int64
}

// Period returns the requested range truncated to days.
func (r Request) Period() ledger.Period {
	return ledger.NewPeriod(r.From, r.To)
}

// Filter returns the optional ledger filters of the request.
func (r Request) Filter() ledger.Filter {
	return ledger.Filter{CostCenterID: r.CostCenterID, AccountCode: r.AccountCode}
}

// WeightScope is the weight scope matching the request's filters.
func (r Request) WeightScope() weights.Scope {
	return weights.Scope{
		EntityKind:   r.EntityKind,
		RootID:       r.RootID,
		CostCenterID: r.CostCenterID,
		AccountCode:  r.AccountCode,
		PeriodStart:  r.From,
		PeriodEnd:    r.To,
	}
}

// Figures is a revenue, expense and balance triple.
type Figures struct {
	Revenue decimal.Decimal `json:"revenue"`
	Expense decimal.Decimal `json:"expense"`
	Balance decimal.Decimal `json:"balance"`
}

func figures(a ledger.Amounts) Figures {
	return Figures{Revenue: a.Revenue, Expense: a.Expense, Balance: a.Balance()}
}

// diff is realized minus target for every figure.
func diff(realized, target ledger.Amounts) Figures {
	return Figures{
		Revenue: realized.Revenue.Sub(target.Revenue),
		Expense: realized.Expense.Sub(target.Expense),
		Balance: realized.Balance().Sub(target.Balance()),
	}
}

// Row carries the figures of one node.
type Row struct {
	NodeID     int64                `json:"node_id"`
	Name       string               `json:"name"`
	Level      orgtree.Level        `json:"level"`
	LevelIndex int                  `json:"level_index"`
	ParentID   *int64               `json:"parent_id,omitempty"`
	ParentName string               `json:"parent_name,omitempty"`
	LedgerID   *int64               `json:"ledger_id,omitempty"`
	Realized   Figures              `json:"realized"`
	Target     Figures              `json:"target"`
	Diff       Figures              `json:"diff"`
	Sources    distribution.Sources `json:"target_sources"`
}

// LevelTotal sums the rows of one level.
type LevelTotal struct {
	Level    orgtree.Level `json:"level"`
	Nodes    int           `json:"nodes"`
	Realized Figures       `json:"realized"`
	Target   Figures       `json:"target"`
	Diff     Figures       `json:"diff"`
}

// Total covers the whole tree. Its target is the root's target.
type Total struct {
	Realized Figures `json:"realized"`
	Target   Figures `json:"target"`
	Diff     Figures `json:"diff"`
}

// Report is the outcome of a build. An invalid period yields a report with
// InvalidPeriod set, the reason in Issues and no rows.
type Report struct {
	EntityKind    orgtree.EntityKind         `json:"entity_kind"`
	RootID        int64                      `json:"root_id"`
	From          string                     `json:"from"`
	To            string                     `json:"to"`
	Mode          distribution.Mode          `json:"mode"`
	WeightStatus  weights.Status             `json:"weight_status,omitempty"`
	InvalidPeriod bool                       `json:"invalid_period"`
	Issues        []string                   `json:"issues,omitempty"`
	Rows          []Row                      `json:"rows"`
	LevelTotals   []LevelTotal               `json:"level_totals"`
	Total         Total                      `json:"total"`
	Unallocated   []distribution.Unallocated `json:"unallocated"`
	Trend         trend.Result               `json:"trend"`
	Warnings      []string                   `json:"warnings,omitempty"`
}
