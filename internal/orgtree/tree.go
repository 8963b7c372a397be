package orgtree

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Tree is an immutable, validated view of the subtree below a root node.
type Tree struct {
	kind     EntityKind
	scheme   Scheme
	rootID   int64
	nodes    map[int64]Node
	children map[int64][]int64
	order    []int64
	byLedger map[int64][]int64
}

// Build validates the supplied nodes and assembles the subtree reachable from
// rootID. Nodes that are not reachable from the root are ignored.
func Build(kind EntityKind, rootID int64, nodes []Node) (*Tree, error) {
	scheme, err := SchemeFor(kind)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		index[n.ID] = n
	}
	root, ok := index[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: orgtree: root %d", shared.ErrNotFound, rootID)
	}
	if scheme.Index(root.Level) < 0 {
		return nil, fmt.Errorf("%w: root %d has unknown level %q", ErrMalformedTree, rootID, root.Level)
	}

	byParent := make(map[int64][]Node)
	for _, n := range nodes {
		if n.ParentID == nil || n.ID == rootID {
			continue
		}
		byParent[*n.ParentID] = append(byParent[*n.ParentID], n)
	}

	t := &Tree{
		kind:     kind,
		scheme:   scheme,
		rootID:   rootID,
		nodes:    map[int64]Node{rootID: root},
		children: make(map[int64][]int64),
		byLedger: make(map[int64][]int64),
	}

	// Depth-first preorder keeps parents ahead of their children in t.order.
	var visit func(id int64) error
	visit = func(id int64) error {
		t.order = append(t.order, id)
		parent := t.nodes[id]
		if parent.HasLedger() {
			t.byLedger[*parent.LedgerID] = append(t.byLedger[*parent.LedgerID], id)
		}
		kids := byParent[id]
		sort.SliceStable(kids, func(i, j int) bool {
			if kids[i].Name != kids[j].Name {
				return kids[i].Name < kids[j].Name
			}
			return kids[i].ID < kids[j].ID
		})
		parentIdx := scheme.Index(parent.Level)
		for _, kid := range kids {
			if _, seen := t.nodes[kid.ID]; seen {
				return fmt.Errorf("%w: node %d reached twice", ErrMalformedTree, kid.ID)
			}
			if scheme.Index(kid.Level) != parentIdx+1 {
				return fmt.Errorf("%w: node %d level %q under %q", ErrMalformedTree, kid.ID, kid.Level, parent.Level)
			}
			t.nodes[kid.ID] = kid
			t.children[id] = append(t.children[id], kid.ID)
		}
		for _, kid := range kids {
			if err := visit(kid.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(rootID); err != nil {
		return nil, err
	}
	return t, nil
}

// Kind returns the entity kind of the tree.
func (t *Tree) Kind() EntityKind { return t.kind }

// Scheme returns the level ordering of the tree's entity kind.
func (t *Tree) Scheme() Scheme { return t.scheme }

// Root returns the root node.
func (t *Tree) Root() Node { return t.nodes[t.rootID] }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.order) }

// Node looks up a node by id.
func (t *Tree) Node(id int64) (Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Parent returns the parent of a node when it lies inside the tree.
func (t *Tree) Parent(id int64) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok || n.ParentID == nil || id == t.rootID {
		return Node{}, false
	}
	p, ok := t.nodes[*n.ParentID]
	return p, ok
}

// Children returns the direct children of a node ordered by name then id.
func (t *Tree) Children(id int64) []Node {
	ids := t.children[id]
	out := make([]Node, len(ids))
	for i, cid := range ids {
		out[i] = t.nodes[cid]
	}
	return out
}

// Nodes returns every node in depth-first preorder.
func (t *Tree) Nodes() []Node {
	out := make([]Node, len(t.order))
	for i, id := range t.order {
		out[i] = t.nodes[id]
	}
	return out
}

// Subtree returns the ids of a node and all of its descendants in preorder.
func (t *Tree) Subtree(id int64) []int64 {
	if _, ok := t.nodes[id]; !ok {
		return nil
	}
	var out []int64
	var walk func(int64)
	walk = func(n int64) {
		out = append(out, n)
		for _, c := range t.children[n] {
			walk(c)
		}
	}
	walk(id)
	return out
}

// Levels returns the levels present in the tree, top down.
func (t *Tree) Levels() []Level {
	present := make(map[Level]bool)
	for _, n := range t.nodes {
		present[n.Level] = true
	}
	out := make([]Level, 0, len(present))
	for _, l := range t.scheme.Levels {
		if present[l] {
			out = append(out, l)
		}
	}
	return out
}

// LevelIndex returns the position of a level in the tree's scheme.
func (t *Tree) LevelIndex(level Level) int { return t.scheme.Index(level) }

// LedgerIDs returns the distinct ledger ids referenced by the tree, ascending.
func (t *Tree) LedgerIDs() []int64 {
	out := make([]int64, 0, len(t.byLedger))
	for id := range t.byLedger {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NodesForLedger returns the nodes drawing from a ledger in preorder.
func (t *Tree) NodesForLedger(ledgerID int64) []int64 {
	return t.byLedger[ledgerID]
}
