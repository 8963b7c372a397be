package weights

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

type memoryRepo struct {
	rows map[string]map[Status]map[int64]Weight

	// replaceErrs is consumed one error per ReplacePublished call.
	replaceErrs []error
	replaceRuns int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[string]map[Status]map[int64]Weight)}
}

func (m *memoryRepo) snapshot() map[string]map[Status]map[int64]Weight {
	out := make(map[string]map[Status]map[int64]Weight, len(m.rows))
	for k, byStatus := range m.rows {
		out[k] = make(map[Status]map[int64]Weight, len(byStatus))
		for st, ws := range byStatus {
			cp := make(map[int64]Weight, len(ws))
			for id, w := range ws {
				cp[id] = w
			}
			out[k][st] = cp
		}
	}
	return out
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	saved := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.rows = saved
		return err
	}
	return nil
}

func (m *memoryRepo) bucket(scope Scope, status Status) map[int64]Weight {
	byStatus, ok := m.rows[scope.Key()]
	if !ok {
		byStatus = make(map[Status]map[int64]Weight)
		m.rows[scope.Key()] = byStatus
	}
	ws, ok := byStatus[status]
	if !ok {
		ws = make(map[int64]Weight)
		byStatus[status] = ws
	}
	return ws
}

func (m *memoryRepo) List(_ context.Context, scope Scope, status Status) ([]Weight, error) {
	var out []Weight
	for _, w := range m.rows[scope.Key()][status] {
		out = append(out, w)
	}
	return out, nil
}

func (m *memoryRepo) UpsertDrafts(_ context.Context, scope Scope, entries []Entry, author string, at time.Time) error {
	ws := m.bucket(scope, StatusDraft)
	for _, e := range entries {
		ws[e.NodeID] = Weight{Scope: scope, NodeID: e.NodeID, Level: e.Level, Value: e.Weight, Status: StatusDraft, UpdatedBy: author, UpdatedAt: at}
	}
	return nil
}

func (m *memoryRepo) LockScope(context.Context, Scope) error { return nil }

func (m *memoryRepo) ReplacePublished(_ context.Context, scope Scope, author string, at time.Time, batch uuid.UUID) (int64, error) {
	m.replaceRuns++
	published := m.bucket(scope, StatusPublished)
	for id := range published {
		delete(published, id)
	}
	var n int64
	for id, w := range m.bucket(scope, StatusDraft) {
		w.Status = StatusPublished
		w.PublishedBy = author
		publishedAt := at
		w.PublishedAt = &publishedAt
		b := batch
		w.Batch = &b
		published[id] = w
		n++
	}
	if len(m.replaceErrs) > 0 {
		err := m.replaceErrs[0]
		m.replaceErrs = m.replaceErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (m *memoryRepo) Delete(_ context.Context, scope Scope, statuses []Status) (int64, error) {
	var n int64
	for _, st := range statuses {
		ws := m.rows[scope.Key()][st]
		n += int64(len(ws))
		delete(m.rows[scope.Key()], st)
	}
	return n, nil
}

type countingCache struct{ bumps int }

func (c *countingCache) Bump(context.Context) error {
	c.bumps++
	return nil
}

func testScope() Scope {
	return Scope{
		EntityKind:  orgtree.KindConvention,
		RootID:      7,
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func newTestService(t *testing.T, repo Repository) (*Service, *redislock.Client, *countingCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redislock.New(client)
	cache := &countingCache{}
	svc := NewService(repo, locker, cache, Config{LockWait: 200 * time.Millisecond, Retries: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC) }
	return svc, locker, cache
}

func entries(pairs ...int64) []Entry {
	out := make([]Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Entry{NodeID: pairs[i], Level: "state", Weight: decimal.NewFromInt(pairs[i+1])})
	}
	return out
}

func TestDraftIsolation(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, cache := newTestService(t, repo)
	ctx := context.Background()
	scope := testScope()

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 1, 2, 3), "alice"))
	res, err := svc.Publish(ctx, scope, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Count)
	require.Equal(t, 2, cache.bumps)

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 5, 3, 9), "bob"))

	published, err := svc.Get(ctx, scope, StatusPublished)
	require.NoError(t, err)
	require.Len(t, published, 2)
	require.True(t, published[1].Value.Equal(decimal.NewFromInt(1)))
	require.True(t, published[2].Value.Equal(decimal.NewFromInt(3)))
	require.Equal(t, "alice", published[1].PublishedBy)
	require.Equal(t, res.Batch, *published[1].Batch)

	drafts, err := svc.Get(ctx, scope, StatusDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	require.True(t, drafts[1].Value.Equal(decimal.NewFromInt(5)))

	res, err = svc.Publish(ctx, scope, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Count)
	published, err = svc.Get(ctx, scope, StatusPublished)
	require.NoError(t, err)
	require.Len(t, published, 3)
	require.Equal(t, "bob", published[3].PublishedBy)
}

func TestSaveDraftRejectsNegativeWeight(t *testing.T) {
	svc, _, _ := newTestService(t, newMemoryRepo())
	err := svc.SaveDraft(context.Background(), testScope(), []Entry{{NodeID: 1, Weight: decimal.NewFromInt(-2)}}, "alice")
	require.ErrorIs(t, err, shared.ErrInvalidWeight)
}

func TestSaveDraftValidation(t *testing.T) {
	svc, _, _ := newTestService(t, newMemoryRepo())
	ctx := context.Background()

	require.ErrorIs(t, svc.SaveDraft(ctx, testScope(), entries(1, 1), " "), shared.ErrValidation)
	require.ErrorIs(t, svc.SaveDraft(ctx, testScope(), nil, "alice"), shared.ErrValidation)
	require.ErrorIs(t, svc.SaveDraft(ctx, testScope(), entries(1, 1, 1, 2), "alice"), shared.ErrValidation)
	require.ErrorIs(t, svc.SaveDraft(ctx, testScope(), []Entry{{NodeID: 0, Weight: decimal.NewFromInt(1)}}, "alice"), shared.ErrValidation)

	bad := testScope()
	bad.PeriodStart, bad.PeriodEnd = bad.PeriodEnd, bad.PeriodStart
	require.ErrorIs(t, svc.SaveDraft(ctx, bad, entries(1, 1), "alice"), shared.ErrInvalidPeriod)
}

func TestSaveDraftBumpsReportCache(t *testing.T) {
	svc, _, cache := newTestService(t, newMemoryRepo())
	ctx := context.Background()

	require.NoError(t, svc.SaveDraft(ctx, testScope(), entries(1, 1, 2, 3), "alice"))
	require.Equal(t, 1, cache.bumps)
	require.NoError(t, svc.SaveDraft(ctx, testScope(), entries(1, 3, 2, 1), "alice"))
	require.Equal(t, 2, cache.bumps)

	require.ErrorIs(t, svc.SaveDraft(ctx, testScope(), entries(1, 1, 1, 1), "alice"), shared.ErrValidation)
	require.Equal(t, 2, cache.bumps)
}

func TestSaveDraftRejectsForeignLevel(t *testing.T) {
	svc, _, cache := newTestService(t, newMemoryRepo())
	err := svc.SaveDraft(context.Background(), testScope(), []Entry{{NodeID: 1, Level: "campus", Weight: decimal.NewFromInt(1)}}, "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, cache.bumps)
}

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

func conventionNodes() []orgtree.Node {
	root := int64(7)
	return []orgtree.Node{
		{ID: 7, Name: "National", Level: "national"},
		{ID: 1, Name: "North", Level: "state", ParentID: &root},
		{ID: 2, Name: "South", Level: "state", ParentID: &root},
	}
}

func TestSaveDraftChecksNodesAgainstTree(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(t, repo)
	svc.WithTreeLoader(stubTrees{nodes: conventionNodes()})
	ctx := context.Background()
	scope := testScope()

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 1, 2, 3), "alice"))

	err := svc.SaveDraft(ctx, scope, entries(1, 1, 99, 3), "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, err.Error(), "node 99")

	err = svc.SaveDraft(ctx, scope, []Entry{{NodeID: 1, Level: "local", Weight: decimal.NewFromInt(1)}}, "alice")
	require.ErrorIs(t, err, shared.ErrValidation)

	svc.WithTreeLoader(stubTrees{err: shared.ErrNotFound})
	require.ErrorIs(t, svc.SaveDraft(ctx, scope, entries(1, 1), "alice"), shared.ErrNotFound)

	drafts, err := svc.Get(ctx, scope, StatusDraft)
	require.NoError(t, err)
	require.True(t, drafts[2].Value.Equal(decimal.NewFromInt(3)))
}

func TestDeleteMissingScope(t *testing.T) {
	svc, _, cache := newTestService(t, newMemoryRepo())
	n, err := svc.Delete(context.Background(), testScope())
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Zero(t, n)
	require.Zero(t, cache.bumps)
}

func TestPublishWithoutDrafts(t *testing.T) {
	svc, _, cache := newTestService(t, newMemoryRepo())
	_, err := svc.Publish(context.Background(), testScope(), "alice")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Zero(t, cache.bumps)
}

func TestPublishRetriesSerializationFailures(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(t, repo)
	ctx := context.Background()
	scope := testScope()
	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 2), "alice"))

	repo.replaceErrs = []error{&pgconn.PgError{Code: "40001"}, nil}
	res, err := svc.Publish(ctx, scope, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 2, repo.replaceRuns)
}

func TestPublishFailureLeavesPreviousVersion(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(t, repo)
	ctx := context.Background()
	scope := testScope()

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 1, 2, 1), "alice"))
	_, err := svc.Publish(ctx, scope, "alice")
	require.NoError(t, err)

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 4, 2, 6), "bob"))
	repo.replaceErrs = []error{errors.New("disk full")}
	_, err = svc.Publish(ctx, scope, "bob")
	require.ErrorIs(t, err, shared.ErrPartialPublishPrevented)
	require.Equal(t, 2, repo.replaceRuns, "non retryable failures are not retried")

	published, err := svc.Get(ctx, scope, StatusPublished)
	require.NoError(t, err)
	for _, w := range published {
		require.True(t, w.Value.Equal(decimal.NewFromInt(1)))
		require.Equal(t, "alice", w.PublishedBy)
	}
}

func TestPublishHeldLock(t *testing.T) {
	repo := newMemoryRepo()
	svc, locker, _ := newTestService(t, repo)
	ctx := context.Background()
	scope := testScope()
	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 1), "alice"))

	lock, err := locker.Obtain(ctx, shared.WeightScopeLockKey(scope.Key()), time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	_, err = svc.Publish(ctx, scope, "bob")
	require.ErrorIs(t, err, shared.ErrPartialPublishPrevented)
	require.Zero(t, repo.replaceRuns)
}

func TestDeleteIsScoped(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(t, repo)
	ctx := context.Background()
	scope := testScope()
	cc := int64(3)
	other := scope
	other.CostCenterID = &cc

	require.NoError(t, svc.SaveDraft(ctx, scope, entries(1, 1), "alice"))
	require.NoError(t, svc.SaveDraft(ctx, other, entries(1, 2), "alice"))
	_, err := svc.Publish(ctx, scope, "alice")
	require.NoError(t, err)

	n, err := svc.Delete(ctx, scope, StatusDraft)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	published, err := svc.Get(ctx, scope, StatusPublished)
	require.NoError(t, err)
	require.Len(t, published, 1)

	n, err = svc.Delete(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	kept, err := svc.Get(ctx, other, StatusDraft)
	require.NoError(t, err)
	require.Len(t, kept, 1)
}

func TestScopeKeyDistinguishesFilters(t *testing.T) {
	a := testScope()
	b := testScope()
	b.AccountCode = "3.1"
	require.NotEqual(t, a.Key(), b.Key())
	require.Equal(t, "convention:7:cc0:acct:2025-01-01:2025-12-31", a.Key())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("")
	require.NoError(t, err)
	require.Equal(t, StatusPublished, st)
	st, err = ParseStatus("DRAFT")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, st)
	_, err = ParseStatus("archived")
	require.ErrorIs(t, err, shared.ErrValidation)
}
