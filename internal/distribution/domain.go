package distribution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Mode selects how a parent's remainder is split among children.
type Mode string

const (
	// ModeEqual gives every eligible child the same share.
	ModeEqual Mode = "equal"
	// ModePerChildCount divides the remainder by the number of eligible children.
	ModePerChildCount Mode = "per_child_count"
	// ModeWeighted splits in proportion to published or draft weights.
	ModeWeighted Mode = "weighted"
)

// ParseMode accepts the wire names of the allocation modes. Empty means equal.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeEqual):
		return ModeEqual, nil
	case string(ModePerChildCount), "per-child-count":
		return ModePerChildCount, nil
	case string(ModeWeighted):
		return ModeWeighted, nil
	default:
		return "", fmt.Errorf("%w: unknown allocation mode %q", shared.ErrValidation, raw)
	}
}

// Origin tells where a node's target came from.
type Origin string

const (
	OriginExplicit Origin = "explicit"
	OriginOverride Origin = "override"
	OriginDerived  Origin = "derived"
)

// Sources records the origin of each nature's target for one node.
type Sources struct {
	Revenue Origin `json:"revenue"`
	Expense Origin `json:"expense"`
}

func (s Sources) with(n ledger.Nature, o Origin) Sources {
	if n == ledger.NatureExpense {
		s.Expense = o
	} else {
		s.Revenue = o
	}
	return s
}

// Explicit holds the explicit targets of nodes, per nature. A nature missing
// from a node's map means the node has no explicit target for it.
type Explicit map[int64]map[ledger.Nature]decimal.Decimal

// Lookup returns the explicit target of a node for one nature.
func (e Explicit) Lookup(nodeID int64, n ledger.Nature) (decimal.Decimal, bool) {
	v, ok := e[nodeID][n]
	return v, ok
}

// Set records an explicit target, adding to any existing value.
func (e Explicit) Set(nodeID int64, n ledger.Nature, v decimal.Decimal) {
	m, ok := e[nodeID]
	if !ok {
		m = make(map[ledger.Nature]decimal.Decimal, len(ledger.Natures))
		e[nodeID] = m
	}
	m[n] = m[n].Add(v)
}

// ExplicitFromTargets sums target rows per node and nature. Rows for nodes
// outside the tree and rows with an unknown nature are skipped.
func ExplicitFromTargets(tree *orgtree.Tree, targets []ledger.Target) Explicit {
	out := make(Explicit)
	for _, t := range targets {
		if !t.Nature.Valid() {
			continue
		}
		if _, ok := tree.Node(t.EntityID); !ok {
			continue
		}
		out.Set(t.EntityID, t.Nature, t.Amount)
	}
	return out
}

// Input is everything one distribution run needs.
type Input struct {
	Tree     *orgtree.Tree
	Explicit Explicit
	// Override replaces a missing root target per nature.
	Override map[ledger.Nature]decimal.Decimal
	Mode     Mode
	// Weights is only consulted in weighted mode. Missing nodes weigh 1.
	Weights map[int64]decimal.Decimal
}

// Unallocated is a part of a parent's target no child absorbed.
type Unallocated struct {
	NodeID int64           `json:"node_id"`
	Nature ledger.Nature   `json:"nature"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

const (
	// ReasonExplicitCommitments is used when every child carries an explicit target.
	ReasonExplicitCommitments = "parent target exceeds children's explicit commitments"
	// ReasonZeroWeights is used when every eligible child weighs zero.
	ReasonZeroWeights = "eligible children carry zero weight"
)

// Result holds the derived targets of every node in the tree.
type Result struct {
	Targets     map[int64]ledger.Amounts
	Sources     map[int64]Sources
	Unallocated []Unallocated
}
