package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-targets/internal/distribution"
	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/report"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReportBuilder builds (and caches) target reports.
type ReportBuilder interface {
	BuildReport(ctx context.Context, req report.Request) (report.Report, error)
}

// ReportWarmupJob precomputes year-to-date reports for configured roots so the
// first dashboard hit after a publish or a cache bump is served from Redis.
type ReportWarmupJob struct {
	Reports ReportBuilder
	Roots   []WarmupRoot
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
	clock   func() time.Time
}

// NewReportWarmupJob wires dependencies for the warmup handler.
func NewReportWarmupJob(reports ReportBuilder, roots []WarmupRoot, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportWarmupJob {
	return &ReportWarmupJob{
		Reports: reports,
		Roots:   roots,
		Logger:  logger,
		Metrics: metrics,
		Timeout: 20 * time.Second,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes warmup tasks.
func (j *ReportWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reports == nil {
		return errors.New("report warmup: handler not configured")
	}
	var payload ReportWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("report warmup: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	roots := payload.Roots
	if len(roots) == 0 {
		roots = j.Roots
	}

	tracker := j.metrics().Track(TaskReportWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if len(roots) == 0 {
		logger.Info("no roots configured for warmup")
		return nil
	}

	now := j.now()
	modes := []distribution.Mode{distribution.ModeEqual}
	if payload.Weighted {
		modes = append(modes, distribution.ModeWeighted)
	}

	var errs []error
	warmed := 0
	for _, root := range roots {
		for _, mode := range modes {
			err := j.warm(ctx, root, mode, now)
			switch {
			case err == nil:
				warmed++
				j.metrics().AddWarmed(string(root.Kind), 1)
			case errors.Is(err, shared.ErrNotFound):
				logger.Warn("warmup root not found", slog.String("kind", string(root.Kind)), slog.Int64("root_id", root.RootID))
			default:
				logger.Error("warm report", slog.String("kind", string(root.Kind)), slog.Int64("root_id", root.RootID), slog.String("mode", string(mode)), slog.Any("error", err))
				errs = append(errs, err)
			}
			if ctx.Err() != nil {
				resultErr = ctx.Err()
				return resultErr
			}
		}
	}

	logger.Info("completed report warmup", slog.Int("reports", warmed), slog.Duration("duration", time.Since(now)))
	resultErr = errors.Join(errs...)
	return resultErr
}

func (j *ReportWarmupJob) warm(ctx context.Context, root WarmupRoot, mode distribution.Mode, now time.Time) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	from, to := yearToDate(now)
	_, err := j.Reports.BuildReport(ctx, report.Request{
		EntityKind: root.Kind,
		RootID:     root.RootID,
		From:       from,
		To:         to,
		Mode:       mode,
	})
	return err
}

// yearToDate returns January 1st through the day of now.
func yearToDate(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	from := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return from, to
}

func (j *ReportWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportWarmup))
	}
	return slog.Default().With(slog.String("job", TaskReportWarmup))
}

func (j *ReportWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReportWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
