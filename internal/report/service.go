// Package report assembles target reports from the tree, ledger, targets and
// weights of one request.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-targets/internal/aggregate"
	"github.com/odyssey-erp/odyssey-targets/internal/distribution"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
	"github.com/odyssey-erp/odyssey-targets/internal/trend"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
)

// TreeLoader loads the organizational subtree below a root.
type TreeLoader interface {
	Load(ctx context.Context, kind orgtree.EntityKind, rootID int64) (*orgtree.Tree, error)
}

// WeightReader returns the weights of a scope.
type WeightReader interface {
	Get(ctx context.Context, scope weights.Scope, status weights.Status) (map[int64]weights.Weight, error)
}

// Config tunes report builds.
type Config struct {
	UpstreamTimeout time.Duration
	Precision       int32
	TrendMaxNodes   int
}

// Service builds reports.
type Service struct {
	trees    TreeLoader
	ledger   ledger.Reader
	weights  WeightReader
	cache    *Cache
	engine   *distribution.Engine
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewService wires the report facade. cache may be nil.
func NewService(trees TreeLoader, reader ledger.Reader, weightReader WeightReader, cache *Cache, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 5 * time.Second
	}
	if cfg.TrendMaxNodes <= 0 {
		cfg.TrendMaxNodes = trend.DefaultMaxNodes
	}
	return &Service{
		trees:    trees,
		ledger:   reader,
		weights:  weightReader,
		cache:    cache,
		engine:   distribution.NewEngine(cfg.Precision),
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// BuildReport computes the report for req. A start date after the end date
// is not an error: the report comes back empty with InvalidPeriod set.
func (s *Service) BuildReport(ctx context.Context, req Request) (Report, error) {
	req, err := s.normalize(req)
	if err != nil {
		return Report{}, err
	}
	if err := req.Period().Validate(); err != nil {
		return invalidPeriodReport(req, err), nil
	}

	key := requestKey(req)
	cacheKey, err := s.cache.BuildKey(ctx, key)
	if err != nil {
		s.logger.Warn("report cache unavailable", slog.Any("error", err))
		return s.buildShared(ctx, key, req)
	}

	var rep Report
	hit, err := s.cache.FetchJSON(ctx, cacheKey, &rep, func(ctx context.Context) (interface{}, error) {
		return s.buildShared(ctx, key, req)
	})
	if err != nil {
		if isDomainError(err) {
			return Report{}, err
		}
		s.logger.Warn("report cache unavailable", slog.String("key", cacheKey), slog.Any("error", err))
		return s.buildShared(ctx, key, req)
	}
	if s.cache.enabled() {
		recordCache(string(req.EntityKind), hit)
	}
	return rep, nil
}

func (s *Service) normalize(req Request) (Request, error) {
	if err := s.validate.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if _, err := orgtree.SchemeFor(req.EntityKind); err != nil {
		return req, err
	}
	if req.Mode == "" {
		req.Mode = distribution.ModeEqual
	}
	if _, err := distribution.ParseMode(string(req.Mode)); err != nil {
		return req, err
	}
	if req.Mode == distribution.ModeWeighted {
		if req.WeightStatus == "" {
			req.WeightStatus = weights.StatusPublished
		}
		if req.WeightStatus != weights.StatusDraft && req.WeightStatus != weights.StatusPublished {
			return req, fmt.Errorf("%w: unknown weight status %q", shared.ErrValidation, req.WeightStatus)
		}
	} else {
		req.WeightStatus = ""
	}
	for n, v := range req.Override {
		if !n.Valid() {
			return req, fmt.Errorf("%w: unknown nature %q", shared.ErrValidation, n)
		}
		if v.IsNegative() {
			return req, fmt.Errorf("%w: negative %s override", shared.ErrValidation, n)
		}
	}
	return req, nil
}

func invalidPeriodReport(req Request, cause error) Report {
	return Report{
		EntityKind:    req.EntityKind,
		RootID:        req.RootID,
		From:          req.From.Format(shared.DateLayout),
		To:            req.To.Format(shared.DateLayout),
		Mode:          req.Mode,
		WeightStatus:  req.WeightStatus,
		InvalidPeriod: true,
		Issues:        []string{cause.Error()},
		Rows:          []Row{},
		LevelTotals:   []LevelTotal{},
		Unallocated:   []distribution.Unallocated{},
		Trend:         trend.Result{Tree: []trend.Point{}, Levels: []trend.Series{}, Nodes: []trend.Series{}},
	}
}

// buildShared collapses concurrent builds of the same request into one. The
// shared build outlives any single caller; each caller still gives up on its
// own context.
func (s *Service) buildShared(ctx context.Context, key string, req Request) (Report, error) {
	buildCtx := context.WithoutCancel(ctx)
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(buildCtx, s.cfg.UpstreamTimeout)
		defer cancel()
		return s.build(ctx, req)
	})
	select {
	case <-ctx.Done():
		return Report{}, fmt.Errorf("%w: report: %w", shared.ErrUpstreamUnavailable, ctx.Err())
	case res := <-resultChan:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

type inputs struct {
	tree     *orgtree.Tree
	revenue  []ledger.Entry
	expense  []ledger.Entry
	targets  []ledger.Target
	weights  map[int64]weights.Weight
	weighted bool
}

func (s *Service) load(ctx context.Context, req Request) (inputs, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	tree, err := s.trees.Load(ctx, req.EntityKind, req.RootID)
	if err != nil {
		return inputs{}, err
	}
	in := inputs{tree: tree, weighted: req.Mode == distribution.ModeWeighted}
	period := req.Period()
	filter := req.Filter()
	ledgerIDs := tree.LedgerIDs()
	nodeIDs := make([]int64, 0, tree.Len())
	for _, n := range tree.Nodes() {
		nodeIDs = append(nodeIDs, n.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := s.ledger.QueryEntries(gctx, ledgerIDs, period, filter, ledger.NatureRevenue)
		if err != nil {
			return upstream("revenue entries", err)
		}
		in.revenue = entries
		return nil
	})
	g.Go(func() error {
		entries, err := s.ledger.QueryEntries(gctx, ledgerIDs, period, filter, ledger.NatureExpense)
		if err != nil {
			return upstream("expense entries", err)
		}
		in.expense = entries
		return nil
	})
	g.Go(func() error {
		targets, err := s.ledger.QueryTargets(gctx, req.EntityKind, nodeIDs, period)
		if err != nil {
			return upstream("targets", err)
		}
		in.targets = targets
		return nil
	})
	if in.weighted && s.weights != nil {
		g.Go(func() error {
			ws, err := s.weights.Get(gctx, req.WeightScope(), req.WeightStatus)
			if err != nil {
				return upstream("weights", err)
			}
			in.weights = ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return inputs{}, err
	}
	return in, nil
}

func upstream(what string, err error) error {
	if errors.Is(err, shared.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: report: %s: %w", shared.ErrUpstreamUnavailable, what, err)
}

func (s *Service) build(ctx context.Context, req Request) (Report, error) {
	start := s.now()
	defer func() {
		observeBuild(string(req.EntityKind), string(req.Mode), s.now().Sub(start))
	}()

	in, err := s.load(ctx, req)
	if err != nil {
		return Report{}, err
	}
	period := req.Period()
	filter := req.Filter()
	entries := make([]ledger.Entry, 0, len(in.revenue)+len(in.expense))
	entries = append(entries, in.revenue...)
	entries = append(entries, in.expense...)

	realized, err := aggregate.Aggregate(in.tree, entries, period, filter)
	if err != nil {
		return Report{}, err
	}
	dist, err := s.engine.Distribute(distribution.Input{
		Tree:     in.tree,
		Explicit: distribution.ExplicitFromTargets(in.tree, in.targets),
		Override: req.Override,
		Mode:     req.Mode,
		Weights:  weights.Values(in.weights),
	})
	if err != nil {
		return Report{}, err
	}
	series, err := trend.Build(trend.Input{
		Tree:     in.tree,
		Period:   period,
		Filter:   filter,
		Entries:  entries,
		Targets:  in.targets,
		Nodes:    req.TrendNodes,
		MaxNodes: s.cfg.TrendMaxNodes,
	})
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		EntityKind:   req.EntityKind,
		RootID:       req.RootID,
		From:         period.Start.Format(shared.DateLayout),
		To:           period.End.Format(shared.DateLayout),
		Mode:         req.Mode,
		WeightStatus: req.WeightStatus,
		Rows:         buildRows(in.tree, realized, dist),
		LevelTotals:  levelTotals(in.tree, realized, dist.Targets),
		Unallocated:  dist.Unallocated,
		Trend:        series,
	}
	if rep.Unallocated == nil {
		rep.Unallocated = []distribution.Unallocated{}
	}
	root := in.tree.Root().ID
	total := aggregate.Total(in.tree, realized)
	rep.Total = Total{
		Realized: figures(total),
		Target:   figures(dist.Targets[root]),
		Diff:     diff(total, dist.Targets[root]),
	}
	if in.weighted && len(in.weights) == 0 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("no %s weights for this scope, every child weighs 1", req.WeightStatus))
	}
	if len(series.Ignored) > 0 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("trend limited to %d nodes, %d ignored", s.cfg.TrendMaxNodes, len(series.Ignored)))
	}
	return rep, nil
}

func buildRows(tree *orgtree.Tree, realized aggregate.Realized, dist distribution.Result) []Row {
	nodes := tree.Nodes()
	rows := make([]Row, 0, len(nodes))
	for _, n := range nodes {
		row := Row{
			NodeID:     n.ID,
			Name:       n.Name,
			Level:      n.Level,
			LevelIndex: tree.LevelIndex(n.Level),
			LedgerID:   n.LedgerID,
			Realized:   figures(realized[n.ID]),
			Target:     figures(dist.Targets[n.ID]),
			Diff:       diff(realized[n.ID], dist.Targets[n.ID]),
			Sources:    dist.Sources[n.ID],
		}
		if p, ok := tree.Parent(n.ID); ok {
			id := p.ID
			row.ParentID = &id
			row.ParentName = p.Name
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].LevelIndex != rows[j].LevelIndex {
			return rows[i].LevelIndex < rows[j].LevelIndex
		}
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].NodeID < rows[j].NodeID
	})
	return rows
}

func levelTotals(tree *orgtree.Tree, realized aggregate.Realized, targets map[int64]ledger.Amounts) []LevelTotal {
	actual := aggregate.ByLevel(tree, realized)
	goal := aggregate.ByLevel(tree, targets)
	out := make([]LevelTotal, len(actual))
	for i := range actual {
		out[i] = LevelTotal{
			Level:    actual[i].Level,
			Nodes:    actual[i].Nodes,
			Realized: figures(actual[i].Amounts),
			Target:   figures(goal[i].Amounts),
			Diff:     diff(actual[i].Amounts, goal[i].Amounts),
		}
	}
	return out
}

func isDomainError(err error) bool {
	for _, target := range []error{
		shared.ErrNotFound,
		shared.ErrValidation,
		shared.ErrUpstreamUnavailable,
		shared.ErrInvalidWeight,
		shared.ErrInvalidPeriod,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
