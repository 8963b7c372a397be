// Package distribution pushes a root target down an organizational tree.
//
// Each nature is distributed on its own. At every parent the explicit targets
// of the children are subtracted from the parent's target and the rest is
// split among the children without an explicit target. Splits are exact: the
// shares are rounded to a fixed number of decimal places with the largest
// remainder method so they always add up to the amount being split.
package distribution

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// DefaultPrecision is the number of decimal places of derived targets.
const DefaultPrecision int32 = 2

// divisionGuard adds digits to intermediate quotients before flooring.
const divisionGuard int32 = 12

var one = decimal.NewFromInt(1)

// Engine is stateless apart from its rounding precision.
type Engine struct {
	precision int32
}

// NewEngine constructs an engine. Negative precision falls back to the default.
func NewEngine(precision int32) *Engine {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return &Engine{precision: precision}
}

// Distribute computes derived targets. The input is never modified.
func (e *Engine) Distribute(in Input) (Result, error) {
	if in.Tree == nil {
		return Result{}, fmt.Errorf("%w: distribution: tree required", shared.ErrValidation)
	}
	switch in.Mode {
	case ModeEqual, ModePerChildCount, ModeWeighted:
	default:
		return Result{}, fmt.Errorf("%w: distribution: unknown mode %q", shared.ErrValidation, in.Mode)
	}
	if in.Mode == ModeWeighted {
		for id, w := range in.Weights {
			if w.IsNegative() {
				return Result{}, fmt.Errorf("%w: node %d weight %s", shared.ErrInvalidWeight, id, w)
			}
		}
	}

	res := Result{
		Targets: make(map[int64]ledger.Amounts, in.Tree.Len()),
		Sources: make(map[int64]Sources, in.Tree.Len()),
	}
	root := in.Tree.Root().ID
	for _, n := range ledger.Natures {
		t, origin := e.rootTarget(in, n)
		e.assign(&res, root, n, t, origin)
		e.walk(in, &res, root, n, t)
	}
	pos := make(map[int64]int, in.Tree.Len())
	for i, n := range in.Tree.Nodes() {
		pos[n.ID] = i
	}
	sort.SliceStable(res.Unallocated, func(i, j int) bool {
		return pos[res.Unallocated[i].NodeID] < pos[res.Unallocated[j].NodeID]
	})
	return res, nil
}

func (e *Engine) rootTarget(in Input, n ledger.Nature) (decimal.Decimal, Origin) {
	root := in.Tree.Root().ID
	if v, ok := in.Explicit.Lookup(root, n); ok {
		return clamp(v), OriginExplicit
	}
	if v, ok := in.Override[n]; ok {
		return clamp(v), OriginOverride
	}
	return decimal.Zero, OriginDerived
}

func (e *Engine) assign(res *Result, id int64, n ledger.Nature, v decimal.Decimal, o Origin) {
	res.Targets[id] = res.Targets[id].With(n, v)
	res.Sources[id] = res.Sources[id].with(n, o)
}

// walk splits the target of parent among its children and recurses.
func (e *Engine) walk(in Input, res *Result, parent int64, n ledger.Nature, target decimal.Decimal) {
	children := in.Tree.Children(parent)
	if len(children) == 0 {
		return
	}

	committed := decimal.Zero
	var eligible []int64
	var weights []decimal.Decimal
	for _, c := range children {
		if v, ok := in.Explicit.Lookup(c.ID, n); ok {
			committed = committed.Add(clamp(v))
			continue
		}
		eligible = append(eligible, c.ID)
		weights = append(weights, e.weight(in, c.ID))
	}

	remainder := clamp(target.Sub(committed))
	shares := split(remainder, weights, e.precision)
	if remainder.IsPositive() {
		switch {
		case len(eligible) == 0:
			res.Unallocated = append(res.Unallocated, Unallocated{NodeID: parent, Nature: n, Amount: remainder, Reason: ReasonExplicitCommitments})
		case sum(weights).IsZero():
			res.Unallocated = append(res.Unallocated, Unallocated{NodeID: parent, Nature: n, Amount: remainder, Reason: ReasonZeroWeights})
		}
	}

	derived := make(map[int64]decimal.Decimal, len(eligible))
	for i, id := range eligible {
		derived[id] = shares[i]
	}
	for _, c := range children {
		v, origin := derived[c.ID], OriginDerived
		if x, ok := in.Explicit.Lookup(c.ID, n); ok {
			v, origin = clamp(x), OriginExplicit
		}
		e.assign(res, c.ID, n, v, origin)
		e.walk(in, res, c.ID, n, v)
	}
}

func (e *Engine) weight(in Input, id int64) decimal.Decimal {
	if in.Mode != ModeWeighted {
		return one
	}
	if w, ok := in.Weights[id]; ok {
		return w
	}
	return one
}

// split divides total in proportion to weights. Shares are floored to places
// and the leftover units go to the largest fractional parts first, so the
// shares add up to total exactly whenever some weight is positive.
func split(total decimal.Decimal, weights []decimal.Decimal, places int32) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	for i := range out {
		out[i] = decimal.Zero
	}
	s := sum(weights)
	if len(weights) == 0 || !s.IsPositive() || !total.IsPositive() {
		return out
	}

	type part struct {
		idx  int
		frac decimal.Decimal
	}
	parts := make([]part, 0, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		if !w.IsPositive() {
			continue
		}
		exact := total.Mul(w).DivRound(s, places+divisionGuard)
		floor := exact.RoundFloor(places)
		out[i] = floor
		allocated = allocated.Add(floor)
		parts = append(parts, part{idx: i, frac: exact.Sub(floor)})
	}
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].frac.GreaterThan(parts[j].frac)
	})

	unit := decimal.New(1, -places)
	left := total.Sub(allocated)
	for k := 0; left.GreaterThanOrEqual(unit); k++ {
		i := parts[k%len(parts)].idx
		out[i] = out[i].Add(unit)
		left = left.Sub(unit)
	}
	if !left.IsZero() {
		// Sub-unit residue only appears when total itself is finer than places.
		i := parts[0].idx
		out[i] = out[i].Add(left)
	}
	return out
}

func sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
