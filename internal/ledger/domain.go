package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Nature separates revenue from expense amounts.
type Nature string

const (
	// NatureRevenue marks income.
	NatureRevenue Nature = "revenue"
	// NatureExpense marks spending.
	NatureExpense Nature = "expense"
)

// Natures lists both natures in report order.
var Natures = []Nature{NatureRevenue, NatureExpense}

// Valid reports whether n is a known nature.
func (n Nature) Valid() bool {
	return n == NatureRevenue || n == NatureExpense
}

// Entry is one recorded revenue or expense. Entries are read-only here.
type Entry struct {
	LedgerID     int64           `json:"ledger_id"`
	Date         time.Time       `json:"date"`
	Amount       decimal.Decimal `json:"amount"`
	Nature       Nature          `json:"nature"`
	CostCenterID *int64          `json:"cost_center_id,omitempty"`
	AccountCode  string          `json:"account_code,omitempty"`
}

// Target is an explicit goal for one entity, one calendar month and one nature.
type Target struct {
	EntityKind orgtree.EntityKind `json:"entity_kind"`
	EntityID   int64              `json:"entity_id"`
	Year       int                `json:"year"`
	Month      time.Month         `json:"month"`
	Nature     Nature             `json:"nature"`
	Amount     decimal.Decimal    `json:"amount"`
}

// MonthKey returns the YYYY-MM bucket of the target.
func (t Target) MonthKey() string {
	return shared.MonthKey(t.Year, t.Month)
}

// Period is an inclusive date range.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod truncates both bounds to whole days.
func NewPeriod(start, end time.Time) Period {
	return Period{Start: shared.TruncateDay(start), End: shared.TruncateDay(end)}
}

// Validate rejects ranges whose start falls after their end.
func (p Period) Validate() error {
	if p.Start.After(p.End) {
		return fmt.Errorf("%w: start %s after end %s", shared.ErrInvalidPeriod,
			p.Start.Format(shared.DateLayout), p.End.Format(shared.DateLayout))
	}
	return nil
}

// Contains reports whether the day of t lies within the period.
func (p Period) Contains(t time.Time) bool {
	d := shared.TruncateDay(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// ContainsMonth reports whether the calendar month overlaps the period.
func (p Period) ContainsMonth(year int, month time.Month) bool {
	key := year*100 + int(month)
	return key >= monthOrdinal(p.Start) && key <= monthOrdinal(p.End)
}

// MonthBounds returns the first and last month of the period as YYYYMM ordinals.
func (p Period) MonthBounds() (int, int) {
	return monthOrdinal(p.Start), monthOrdinal(p.End)
}

func monthOrdinal(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// Filter narrows entries by cost center and account code.
type Filter struct {
	CostCenterID *int64
	AccountCode  string
}

// Matches reports whether the entry passes the filter.
func (f Filter) Matches(e Entry) bool {
	if f.CostCenterID != nil {
		if e.CostCenterID == nil || *e.CostCenterID != *f.CostCenterID {
			return false
		}
	}
	if f.AccountCode != "" && e.AccountCode != f.AccountCode {
		return false
	}
	return true
}

// Reader is the ledger and target store consumed by the engine.
type Reader interface {
	QueryEntries(ctx context.Context, ledgerIDs []int64, period Period, filter Filter, nature Nature) ([]Entry, error)
	QueryTargets(ctx context.Context, kind orgtree.EntityKind, entityIDs []int64, period Period) ([]Target, error)
}
