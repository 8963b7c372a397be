// Package weights stores allocation weights under a draft/publish lifecycle.
//
// Drafts are edited freely. Publishing copies the whole draft set of a scope
// into published rows in one transaction, so readers only ever see one
// complete published version of a scope.
package weights

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Status distinguishes editable drafts from the published version.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Statuses lists every status.
var Statuses = []Status{StatusDraft, StatusPublished}

// ParseStatus reads a status from its wire name. Empty means published.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StatusPublished:
		return StatusPublished, nil
	case StatusDraft:
		return StatusDraft, nil
	default:
		return "", fmt.Errorf("%w: unknown weight status %q", shared.ErrValidation, raw)
	}
}

// Scope identifies one independent set of weights. Two scopes are equal only
// when every field matches.
type Scope struct {
	EntityKind   orgtree.EntityKind `json:"entity_kind" validate:"required"`
	RootID       int64              `json:"root_id" validate:"required,gt=0"`
	CostCenterID *int64             `json:"cost_center_id,omitempty" validate:"omitempty,gt=0"`
	AccountCode  string             `json:"account_code,omitempty" validate:"max=64"`
	PeriodStart  time.Time          `json:"period_start" validate:"required"`
	PeriodEnd    time.Time          `json:"period_end" validate:"required"`
}

// Validate checks the entity kind and the period.
func (s Scope) Validate() error {
	if _, err := orgtree.SchemeFor(s.EntityKind); err != nil {
		return err
	}
	if s.RootID <= 0 {
		return fmt.Errorf("%w: root id required", shared.ErrValidation)
	}
	if s.CostCenterID != nil && *s.CostCenterID <= 0 {
		return fmt.Errorf("%w: cost center id must be positive", shared.ErrValidation)
	}
	return s.Period().Validate()
}

// Period returns the scope's date range truncated to days.
func (s Scope) Period() ledger.Period {
	return ledger.NewPeriod(s.PeriodStart, s.PeriodEnd)
}

// Key renders the scope canonically for lock names and cache keys.
func (s Scope) Key() string {
	p := s.Period()
	return strings.Join([]string{
		string(s.EntityKind),
		strconv.FormatInt(s.RootID, 10),
		"cc" + strconv.FormatInt(s.costCenter(), 10),
		"acct" + s.AccountCode,
		p.Start.Format(shared.DateLayout),
		p.End.Format(shared.DateLayout),
	}, ":")
}

// costCenter maps "no cost center" to 0, the stored sentinel.
func (s Scope) costCenter() int64 {
	if s.CostCenterID == nil {
		return 0
	}
	return *s.CostCenterID
}

// Entry is one weight submitted for a draft.
type Entry struct {
	NodeID int64           `json:"node_id" validate:"required,gt=0"`
	Level  orgtree.Level   `json:"level" validate:"max=64"`
	Weight decimal.Decimal `json:"weight"`
}

// Weight is a stored weight row.
type Weight struct {
	Scope       Scope           `json:"-"`
	NodeID      int64           `json:"node_id"`
	Level       orgtree.Level   `json:"level,omitempty"`
	Value       decimal.Decimal `json:"weight"`
	Status      Status          `json:"status"`
	UpdatedBy   string          `json:"updated_by"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PublishedBy string          `json:"published_by,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Batch       *uuid.UUID      `json:"batch,omitempty"`
}

// Values flattens weights into the node to weight map the engine consumes.
func Values(ws map[int64]Weight) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(ws))
	for id, w := range ws {
		out[id] = w.Value
	}
	return out
}

// PublishResult describes a completed publish.
type PublishResult struct {
	Batch       uuid.UUID `json:"batch"`
	Count       int64     `json:"count"`
	PublishedBy string    `json:"published_by"`
	PublishedAt time.Time `json:"published_at"`
	Attempts    int       `json:"attempts"`
}
