package orgtree

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// EntityKind names a hierarchy shape. Every kind shares the same tree model and
// only differs in the labels of its levels.
type EntityKind string

const (
	// KindChurch is the ecclesiastical hierarchy.
	KindChurch EntityKind = "church"
	// KindConvention is the convention hierarchy.
	KindConvention EntityKind = "convention"
	// KindCollege is the academic hierarchy.
	KindCollege EntityKind = "college"
)

// Level tags one tier of a hierarchy.
type Level string

// Scheme lists the levels of an entity kind from the top down.
type Scheme struct {
	Kind   EntityKind
	Levels []Level
}

// Index returns the position of the level inside the scheme, or -1.
func (s Scheme) Index(level Level) int {
	for i, l := range s.Levels {
		if l == level {
			return i
		}
	}
	return -1
}

var defaultSchemes = map[EntityKind]Scheme{
	KindChurch: {
		Kind:   KindChurch,
		Levels: []Level{"headquarters", "region", "sector", "congregation"},
	},
	KindConvention: {
		Kind:   KindConvention,
		Levels: []Level{"national", "state", "regional", "local"},
	},
	KindCollege: {
		Kind:   KindCollege,
		Levels: []Level{"institution", "campus", "faculty", "course"},
	},
}

// SchemeFor resolves the level ordering for a kind.
func SchemeFor(kind EntityKind) (Scheme, error) {
	scheme, ok := defaultSchemes[kind]
	if !ok {
		return Scheme{}, fmt.Errorf("%w: orgtree: unknown entity kind %q", shared.ErrValidation, kind)
	}
	return scheme, nil
}

// Node is one organizational unit as supplied by the directory.
type Node struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Level    Level  `json:"level"`
	ParentID *int64 `json:"parent_id,omitempty"`
	LedgerID *int64 `json:"ledger_id,omitempty"`
}

// HasLedger reports whether the node draws from a financial ledger.
func (n Node) HasLedger() bool {
	return n.LedgerID != nil && *n.LedgerID > 0
}

// ErrMalformedTree indicates a cycle or a level that does not follow its parent.
var ErrMalformedTree = fmt.Errorf("%w: orgtree: malformed tree", shared.ErrValidation)
