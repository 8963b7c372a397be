package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// Locker obtains distributed locks. *redislock.Client satisfies it.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Invalidator drops cached reports after weights change.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// TreeLoader resolves the subtree a scope's weights apply to.
type TreeLoader interface {
	Load(ctx context.Context, kind orgtree.EntityKind, rootID int64) (*orgtree.Tree, error)
}

// Config tunes the service.
type Config struct {
	ReadTimeout time.Duration
	LockTTL     time.Duration
	LockWait    time.Duration
	Retries     int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	return c
}

const lockBackoff = 100 * time.Millisecond

// Service implements the weight lifecycle.
type Service struct {
	repo     Repository
	locker   Locker
	cache    Invalidator
	trees    TreeLoader
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the weight service. locker and cache may be nil; without a
// locker publishes rely on the database advisory lock alone.
func NewService(repo Repository, locker Locker, cache Invalidator, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		cache:    cache,
		cfg:      cfg.withDefaults(),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithTreeLoader makes SaveDraft reject nodes outside the scope's subtree.
func (s *Service) WithTreeLoader(trees TreeLoader) *Service {
	s.trees = trees
	return s
}

// Get returns the weights of a scope keyed by node id.
func (s *Service) Get(ctx context.Context, scope Scope, status Status) (map[int64]Weight, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if status != StatusDraft && status != StatusPublished {
		return nil, fmt.Errorf("%w: unknown weight status %q", shared.ErrValidation, status)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	rows, err := s.repo.List(ctx, scope, status)
	if err != nil {
		return nil, fmt.Errorf("%w: weights: %w", shared.ErrUpstreamUnavailable, err)
	}
	out := make(map[int64]Weight, len(rows))
	for _, w := range rows {
		out[w.NodeID] = w
	}
	return out, nil
}

// SaveDraft writes or overwrites draft weights. Published rows are untouched.
func (s *Service) SaveDraft(ctx context.Context, scope Scope, entries []Entry, author string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return fmt.Errorf("%w: author required", shared.ErrValidation)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: at least one weight required", shared.ErrValidation)
	}
	scheme, err := orgtree.SchemeFor(scope.EntityKind)
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if err := s.validate.Struct(e); err != nil {
			return fmt.Errorf("%w: %v", shared.ErrValidation, err)
		}
		if e.Weight.IsNegative() {
			return fmt.Errorf("%w: node %d weight %s", shared.ErrInvalidWeight, e.NodeID, e.Weight)
		}
		if e.Level != "" && scheme.Index(e.Level) < 0 {
			return fmt.Errorf("%w: level %q is not a %s level", shared.ErrValidation, e.Level, scope.EntityKind)
		}
		if _, dup := seen[e.NodeID]; dup {
			return fmt.Errorf("%w: node %d listed twice", shared.ErrValidation, e.NodeID)
		}
		seen[e.NodeID] = struct{}{}
	}
	if err := s.checkNodes(ctx, scope, entries); err != nil {
		return err
	}

	at := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.UpsertDrafts(ctx, scope, entries, author, at)
	})
	if err != nil {
		return fmt.Errorf("%w: weights: save draft: %w", shared.ErrUpstreamUnavailable, err)
	}
	s.bump(ctx, scope)
	s.logger.Info("weights draft saved", slog.String("scope", scope.Key()), slog.Int("entries", len(entries)), slog.String("author", author))
	return nil
}

// checkNodes requires every entry to name a node below the scope root, tagged
// with that node's level when a level is given.
func (s *Service) checkNodes(ctx context.Context, scope Scope, entries []Entry) error {
	if s.trees == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	tree, err := s.trees.Load(ctx, scope.EntityKind, scope.RootID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		n, ok := tree.Node(e.NodeID)
		if !ok {
			return fmt.Errorf("%w: node %d is not below root %d", shared.ErrValidation, e.NodeID, scope.RootID)
		}
		if e.Level != "" && e.Level != n.Level {
			return fmt.Errorf("%w: node %d is a %s, not a %s", shared.ErrValidation, e.NodeID, n.Level, e.Level)
		}
	}
	return nil
}

func (s *Service) bump(ctx context.Context, scope Scope) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("report cache bump failed", slog.String("scope", scope.Key()), slog.Any("error", err))
	}
}

// Publish replaces the published weights of a scope with its drafts in one
// transaction. Concurrent publishes of the same scope are serialised.
func (s *Service) Publish(ctx context.Context, scope Scope, author string) (PublishResult, error) {
	if err := scope.Validate(); err != nil {
		return PublishResult{}, err
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return PublishResult{}, fmt.Errorf("%w: author required", shared.ErrValidation)
	}

	start := s.now()
	res, err := s.publish(ctx, scope, author)
	outcome := "success"
	switch {
	case errors.Is(err, shared.ErrNotFound):
		outcome = "empty"
	case err != nil:
		outcome = "failure"
	}
	observePublish(string(scope.EntityKind), outcome, s.now().Sub(start))
	if err != nil {
		return PublishResult{}, err
	}

	s.bump(ctx, scope)
	s.logger.Info("weights published",
		slog.String("scope", scope.Key()),
		slog.String("batch", res.Batch.String()),
		slog.Int64("count", res.Count),
		slog.Int("attempts", res.Attempts),
	)
	return res, nil
}

func (s *Service) publish(ctx context.Context, scope Scope, author string) (PublishResult, error) {
	key := shared.WeightScopeLockKey(scope.Key())
	if s.locker != nil {
		retries := int(s.cfg.LockWait / lockBackoff)
		lock, err := s.locker.Obtain(ctx, key, s.cfg.LockTTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(lockBackoff), retries),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			return PublishResult{}, fmt.Errorf("%w: scope %s is being published", shared.ErrPartialPublishPrevented, scope.Key())
		}
		if err != nil {
			return PublishResult{}, fmt.Errorf("%w: weights: obtain lock: %w", shared.ErrUpstreamUnavailable, err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Warn("weights lock release failed", slog.String("key", key), slog.Any("error", err))
			}
		}()
	}

	res := PublishResult{Batch: uuid.New(), PublishedBy: author, PublishedAt: s.now().UTC()}
	var err error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		res.Attempts = attempt + 1
		err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			if err := repo.LockScope(ctx, scope); err != nil {
				return err
			}
			n, err := repo.ReplacePublished(ctx, scope, author, res.PublishedAt, res.Batch)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: no draft weights for scope %s", shared.ErrNotFound, scope.Key())
			}
			res.Count = n
			return nil
		})
		if err == nil || errors.Is(err, shared.ErrNotFound) || !db.IsRetryable(err) {
			break
		}
		s.logger.Warn("weights publish retry", slog.String("scope", scope.Key()), slog.Int("attempt", res.Attempts), slog.Any("error", err))
	}
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, shared.ErrNotFound):
		return PublishResult{}, err
	default:
		return PublishResult{}, fmt.Errorf("%w: scope %s: %w", shared.ErrPartialPublishPrevented, scope.Key(), err)
	}
}

// Delete removes the rows of exactly one scope. Without statuses both drafts
// and published rows go. A scope with no matching rows is NotFound.
func (s *Service) Delete(ctx context.Context, scope Scope, statuses ...Status) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = Statuses
	}
	for _, st := range statuses {
		if st != StatusDraft && st != StatusPublished {
			return 0, fmt.Errorf("%w: unknown weight status %q", shared.ErrValidation, st)
		}
	}
	var n int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.LockScope(ctx, scope); err != nil {
			return err
		}
		var err error
		n, err = repo.Delete(ctx, scope, statuses)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: weights: delete: %w", shared.ErrUpstreamUnavailable, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no weights for scope %s", shared.ErrNotFound, scope.Key())
	}
	s.bump(ctx, scope)
	s.logger.Info("weights deleted", slog.String("scope", scope.Key()), slog.Int64("rows", n))
	return n, nil
}
