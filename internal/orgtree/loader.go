package orgtree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Directory is the organization directory owning hierarchy CRUD.
type Directory interface {
	GetSubtree(ctx context.Context, kind EntityKind, rootID int64) ([]Node, error)
}

// Loader fetches and validates subtrees.
type Loader struct {
	dir     Directory
	timeout time.Duration
}

// NewLoader wires a directory with the read timeout applied to every fetch.
func NewLoader(dir Directory, timeout time.Duration) *Loader {
	return &Loader{dir: dir, timeout: timeout}
}

// Load returns the validated tree below rootID.
func (l *Loader) Load(ctx context.Context, kind EntityKind, rootID int64) (*Tree, error) {
	if l == nil || l.dir == nil {
		return nil, errors.New("orgtree: loader not initialised")
	}
	if _, err := SchemeFor(kind); err != nil {
		return nil, err
	}
	if rootID <= 0 {
		return nil, fmt.Errorf("%w: orgtree: root id required", shared.ErrValidation)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	nodes, err := l.dir.GetSubtree(ctx, kind, rootID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: orgtree: load subtree %d: %v", shared.ErrUpstreamUnavailable, rootID, err)
	}
	return Build(kind, rootID, nodes)
}
