package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-targets/internal/distribution"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
)

func ptr(v int64) *int64 { return &v }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(m time.Month, d int) time.Time { return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC) }

type stubTrees struct {
	nodes []orgtree.Node
	err   error
}

func (s stubTrees) Load(_ context.Context, kind orgtree.EntityKind, rootID int64) (*orgtree.Tree, error) {
	if s.err != nil {
		return nil, s.err
	}
	return orgtree.Build(kind, rootID, s.nodes)
}

type stubLedger struct {
	mu        sync.Mutex
	entries   []ledger.Entry
	targets   []ledger.Target
	err       error
	entryRuns int
}

func (s *stubLedger) QueryEntries(_ context.Context, ledgerIDs []int64, period ledger.Period, filter ledger.Filter, nature ledger.Nature) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryRuns++
	if s.err != nil {
		return nil, s.err
	}
	wanted := make(map[int64]bool, len(ledgerIDs))
	for _, id := range ledgerIDs {
		wanted[id] = true
	}
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.Nature == nature && wanted[e.LedgerID] && period.Contains(e.Date) && filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubLedger) QueryTargets(_ context.Context, _ orgtree.EntityKind, _ []int64, period ledger.Period) ([]ledger.Target, error) {
	var out []ledger.Target
	for _, t := range s.targets {
		if period.ContainsMonth(t.Year, t.Month) {
			out = append(out, t)
		}
	}
	return out, nil
}

type stubWeights struct {
	values map[int64]weights.Weight
	scopes []weights.Scope
}

func (s *stubWeights) Get(_ context.Context, scope weights.Scope, _ weights.Status) (map[int64]weights.Weight, error) {
	s.scopes = append(s.scopes, scope)
	return s.values, nil
}

// HQ(1) -> A(2), B(3), C(4)
func scenarioNodes() []orgtree.Node {
	return []orgtree.Node{
		{ID: 1, Name: "HQ", Level: "headquarters", LedgerID: ptr(10)},
		{ID: 4, Name: "C", Level: "region", ParentID: ptr(1), LedgerID: ptr(40)},
		{ID: 2, Name: "A", Level: "region", ParentID: ptr(1), LedgerID: ptr(20)},
		{ID: 3, Name: "B", Level: "region", ParentID: ptr(1)},
	}
}

func scenarioLedger() *stubLedger {
	return &stubLedger{
		entries: []ledger.Entry{
			{LedgerID: 20, Date: day(1, 10), Amount: dec("150"), Nature: ledger.NatureRevenue},
			{LedgerID: 20, Date: day(2, 10), Amount: dec("30"), Nature: ledger.NatureExpense},
			{LedgerID: 40, Date: day(2, 12), Amount: dec("700"), Nature: ledger.NatureRevenue},
		},
		targets: []ledger.Target{
			{EntityKind: orgtree.KindChurch, EntityID: 1, Year: 2025, Month: time.January, Nature: ledger.NatureRevenue, Amount: dec("600")},
			{EntityKind: orgtree.KindChurch, EntityID: 1, Year: 2025, Month: time.February, Nature: ledger.NatureRevenue, Amount: dec("400")},
			{EntityKind: orgtree.KindChurch, EntityID: 2, Year: 2025, Month: time.January, Nature: ledger.NatureRevenue, Amount: dec("200")},
		},
	}
}

func weightedRequest() Request {
	return Request{
		EntityKind: orgtree.KindChurch,
		RootID:     1,
		From:       day(1, 1),
		To:         day(3, 31),
		Mode:       distribution.ModeWeighted,
		TrendNodes: []int64{4},
	}
}

func newService(led *stubLedger, ws WeightReader, cache *Cache) *Service {
	return NewService(stubTrees{nodes: scenarioNodes()}, led, ws, cache, Config{UpstreamTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func rowByID(t *testing.T, rep Report, id int64) Row {
	t.Helper()
	for _, r := range rep.Rows {
		if r.NodeID == id {
			return r
		}
	}
	t.Fatalf("row %d missing", id)
	return Row{}
}

func TestBuildReportWeightedScenario(t *testing.T) {
	ws := &stubWeights{values: map[int64]weights.Weight{
		3: {NodeID: 3, Value: dec("1")},
		4: {NodeID: 4, Value: dec("3")},
	}}
	svc := newService(scenarioLedger(), ws, nil)

	rep, err := svc.BuildReport(context.Background(), weightedRequest())
	require.NoError(t, err)
	require.False(t, rep.InvalidPeriod)
	require.Equal(t, weights.StatusPublished, rep.WeightStatus)
	require.Len(t, ws.scopes, 1)
	require.Equal(t, int64(1), ws.scopes[0].RootID)

	require.Len(t, rep.Rows, 4)
	require.Equal(t, []int64{1, 2, 3, 4}, []int64{rep.Rows[0].NodeID, rep.Rows[1].NodeID, rep.Rows[2].NodeID, rep.Rows[3].NodeID})

	a, b, c := rowByID(t, rep, 2), rowByID(t, rep, 3), rowByID(t, rep, 4)
	require.Equal(t, "200", a.Target.Revenue.String())
	require.Equal(t, "200", b.Target.Revenue.String())
	require.Equal(t, "600", c.Target.Revenue.String())
	require.Equal(t, distribution.OriginExplicit, a.Sources.Revenue)
	require.Equal(t, distribution.OriginDerived, c.Sources.Revenue)
	require.Equal(t, "HQ", c.ParentName)

	require.Equal(t, "-50", a.Diff.Revenue.String())
	require.Equal(t, "120", a.Realized.Balance.String())
	require.Equal(t, "100", c.Diff.Revenue.String())
	require.True(t, b.Realized.Revenue.IsZero())

	require.Len(t, rep.LevelTotals, 2)
	require.Equal(t, "1000", rep.LevelTotals[1].Target.Revenue.String())
	require.Equal(t, "850", rep.LevelTotals[1].Realized.Revenue.String())
	require.Equal(t, "1000", rep.Total.Target.Revenue.String())
	require.Equal(t, "820", rep.Total.Realized.Balance.String())

	require.Len(t, rep.Trend.Tree, 2)
	require.Equal(t, "2025-01", rep.Trend.Tree[0].Month)
	require.Len(t, rep.Trend.Nodes, 1)
	require.Equal(t, int64(4), rep.Trend.Nodes[0].NodeID)
	require.Empty(t, rep.Unallocated)
	require.Empty(t, rep.Warnings)
}

func TestBuildReportInvalidPeriod(t *testing.T) {
	led := scenarioLedger()
	svc := newService(led, nil, nil)
	req := weightedRequest()
	req.From, req.To = day(3, 1), day(1, 1)

	rep, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)
	require.True(t, rep.InvalidPeriod)
	require.Empty(t, rep.Rows)
	require.Len(t, rep.Issues, 1)
	require.Zero(t, led.entryRuns)
}

func TestBuildReportZeroEntryLedger(t *testing.T) {
	svc := newService(&stubLedger{}, nil, nil)
	req := weightedRequest()
	req.Mode = distribution.ModeEqual

	rep, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)
	for _, row := range rep.Rows {
		require.True(t, row.Realized.Revenue.IsZero())
		require.True(t, row.Realized.Expense.IsZero())
	}
}

func TestBuildReportIsIdempotent(t *testing.T) {
	svc := newService(scenarioLedger(), &stubWeights{}, nil)
	req := weightedRequest()

	first, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)

	for _, pair := range [][2]interface{}{{first.Rows, second.Rows}, {first.Trend, second.Trend}} {
		a, err := json.Marshal(pair[0])
		require.NoError(t, err)
		b, err := json.Marshal(pair[1])
		require.NoError(t, err)
		require.Equal(t, string(a), string(b))
	}
	require.Len(t, first.Warnings, 1, "weighted mode without weights is flagged")
}

func TestBuildReportModeLeavesRealizedUntouched(t *testing.T) {
	svc := newService(scenarioLedger(), &stubWeights{}, nil)
	req := weightedRequest()
	weighted, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)

	req.Mode = distribution.ModeEqual
	equal, err := svc.BuildReport(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, equal.WeightStatus)

	for i := range weighted.Rows {
		require.True(t, weighted.Rows[i].Realized.Revenue.Equal(equal.Rows[i].Realized.Revenue))
		require.True(t, weighted.Rows[i].Realized.Expense.Equal(equal.Rows[i].Realized.Expense))
	}
}

func TestBuildReportUpstreamFailure(t *testing.T) {
	svc := newService(&stubLedger{err: errors.New("connection refused")}, nil, nil)
	_, err := svc.BuildReport(context.Background(), weightedRequest())
	require.ErrorIs(t, err, shared.ErrUpstreamUnavailable)
}

func TestBuildReportTreeNotFound(t *testing.T) {
	svc := NewService(stubTrees{err: shared.ErrNotFound}, scenarioLedger(), nil, nil, Config{}, nil)
	_, err := svc.BuildReport(context.Background(), weightedRequest())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBuildReportValidation(t *testing.T) {
	svc := newService(scenarioLedger(), nil, nil)
	ctx := context.Background()

	req := weightedRequest()
	req.RootID = 0
	_, err := svc.BuildReport(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = weightedRequest()
	req.EntityKind = "guild"
	_, err = svc.BuildReport(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = weightedRequest()
	req.Mode = "lottery"
	_, err = svc.BuildReport(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestBuildReportCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	led := scenarioLedger()
	svc := newService(led, &stubWeights{}, cache)
	ctx := context.Background()
	req := weightedRequest()

	first, err := svc.BuildReport(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, led.entryRuns)

	second, err := svc.BuildReport(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, led.entryRuns, "second build is served from cache")
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	require.JSONEq(t, string(a), string(b))

	require.NoError(t, cache.Bump(ctx))
	_, err = svc.BuildReport(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 4, led.entryRuns)
}

func TestBuildReportCacheOutageFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := newService(scenarioLedger(), &stubWeights{}, NewCache(client, time.Minute))
	mr.Close()

	rep, err := svc.BuildReport(context.Background(), weightedRequest())
	require.NoError(t, err)
	require.Len(t, rep.Rows, 4)
}

type gatedLedger struct {
	*stubLedger
	started chan struct{}
	release chan struct{}
}

func (g *gatedLedger) QueryEntries(ctx context.Context, ledgerIDs []int64, period ledger.Period, filter ledger.Filter, nature ledger.Nature) ([]ledger.Entry, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.stubLedger.QueryEntries(ctx, ledgerIDs, period, filter, nature)
}

func TestBuildReportSharedBuildSurvivesCallerCancel(t *testing.T) {
	led := &gatedLedger{stubLedger: scenarioLedger(), started: make(chan struct{}, 8), release: make(chan struct{})}
	svc := NewService(stubTrees{nodes: scenarioNodes()}, led, nil, nil, Config{UpstreamTimeout: 5 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := weightedRequest()
	req.Mode = distribution.ModeEqual

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.BuildReport(firstCtx, req)
		firstErr <- err
	}()
	<-led.started

	type result struct {
		rep Report
		err error
	}
	second := make(chan result, 1)
	go func() {
		rep, err := svc.BuildReport(context.Background(), req)
		second <- result{rep, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(led.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.rep.Rows, 4)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never returned")
	}
}

// draftRepo keeps draft weights in memory for one scope.
type draftRepo struct {
	mu     sync.Mutex
	drafts map[int64]weights.Weight
}

func (r *draftRepo) WithTx(ctx context.Context, fn func(context.Context, weights.Repository) error) error {
	return fn(ctx, r)
}

func (r *draftRepo) List(_ context.Context, _ weights.Scope, status weights.Status) ([]weights.Weight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != weights.StatusDraft {
		return nil, nil
	}
	out := make([]weights.Weight, 0, len(r.drafts))
	for _, w := range r.drafts {
		out = append(out, w)
	}
	return out, nil
}

func (r *draftRepo) UpsertDrafts(_ context.Context, scope weights.Scope, entries []weights.Entry, author string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.drafts[e.NodeID] = weights.Weight{Scope: scope, NodeID: e.NodeID, Level: e.Level, Value: e.Weight, Status: weights.StatusDraft, UpdatedBy: author, UpdatedAt: at}
	}
	return nil
}

func (r *draftRepo) LockScope(context.Context, weights.Scope) error { return nil }

func (r *draftRepo) ReplacePublished(context.Context, weights.Scope, string, time.Time, uuid.UUID) (int64, error) {
	return 0, nil
}

func (r *draftRepo) Delete(context.Context, weights.Scope, []weights.Status) (int64, error) {
	return 0, nil
}

func TestDraftEditsReachCachedSimulation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	weightService := weights.NewService(&draftRepo{drafts: map[int64]weights.Weight{}}, nil, cache, weights.Config{}, logger)
	svc := NewService(stubTrees{nodes: scenarioNodes()}, scenarioLedger(), weightService, cache, Config{UpstreamTimeout: time.Second}, logger)
	ctx := context.Background()
	req := weightedRequest()
	req.WeightStatus = weights.StatusDraft

	draft := func(b, c int64) []weights.Entry {
		return []weights.Entry{
			{NodeID: 3, Level: "region", Weight: decimal.NewFromInt(b)},
			{NodeID: 4, Level: "region", Weight: decimal.NewFromInt(c)},
		}
	}

	require.NoError(t, weightService.SaveDraft(ctx, req.WeightScope(), draft(1, 3), "planner"))
	rep, err := svc.BuildReport(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "200", rowByID(t, rep, 3).Target.Revenue.String())
	require.Equal(t, "600", rowByID(t, rep, 4).Target.Revenue.String())

	require.NoError(t, weightService.SaveDraft(ctx, req.WeightScope(), draft(3, 1), "planner"))
	rep, err = svc.BuildReport(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "600", rowByID(t, rep, 3).Target.Revenue.String())
	require.Equal(t, "200", rowByID(t, rep, 4).Target.Revenue.String())
}

func TestZeroTTLDisablesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, 0)
	require.False(t, cache.Enabled())
	led := scenarioLedger()
	svc := newService(led, &stubWeights{}, cache)
	ctx := context.Background()

	_, err := svc.BuildReport(ctx, weightedRequest())
	require.NoError(t, err)
	_, err = svc.BuildReport(ctx, weightedRequest())
	require.NoError(t, err)
	require.Equal(t, 4, led.entryRuns, "every build reads the ledger")
	require.Empty(t, mr.Keys())

	require.NoError(t, cache.Bump(ctx))
}
