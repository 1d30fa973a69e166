package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/metrics"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/ruleengine"
	"github.com/vitalpath/journey/internal/store"
	"github.com/vitalpath/journey/internal/validation"
)

// Repository is the slice of the store the service writes through.
type Repository interface {
	store.ProgressionRepository
	ListStages(ctx context.Context, codes ...string) ([]journey.Stage, error)
	InstantiateJourney(ctx context.Context, userID string, source journey.Source, stageCodes []string) (int, error)
}

// Invalidator drops a user's cached read model after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Options tunes the service. Zero durations and lookback fall back to defaults.
type Options struct {
	Policy              Policy
	DefaultLookbackDays int
	MetricsTimeout      time.Duration
	CompletionTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Policy == (Policy{}) {
		o.Policy = DefaultPolicy()
	}
	if o.DefaultLookbackDays <= 0 {
		o.DefaultLookbackDays = 7
	}
	if o.MetricsTimeout <= 0 {
		o.MetricsTimeout = 2 * time.Second
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 5 * time.Second
	}
	return o
}

// Service is the completion orchestrator. It is safe for concurrent use and
// holds no per-user state; every guarantee comes from the store transaction.
type Service struct {
	repo     Repository
	provider metrics.Provider
	cache    Invalidator
	opts     Options
}

// NewService wires the orchestrator. cache may be nil.
func NewService(repo Repository, provider metrics.Provider, cache Invalidator, opts Options) *Service {
	validation.AssertImplemented(repo, "progression repository")
	validation.AssertImplemented(provider, "metrics provider")

	opts = opts.withDefaults()
	if err := opts.Policy.Validate(); err != nil {
		panic(fmt.Sprintf("progression: %v", err))
	}
	return &Service{repo: repo, provider: provider, cache: cache, opts: opts}
}

// CompleteRequest names the task instance a user wants to complete.
type CompleteRequest struct {
	UserID          string
	StageInstanceID string
	TaskInstanceID  string
	Note            string
}

// CompleteResult is the outcome of a successful completion call.
type CompleteResult struct {
	AlreadyCompleted bool
	PointsAwarded    int
	StageCompleted   bool
	UnlockedNext     bool
	// StageStatus is empty when a concurrent request completed the task
	// first, since the status read before the race may be stale.
	StageStatus journey.Status
}

// CompleteTask checks, in order: the task exists under the named stage
// (ErrNotFound), the stage belongs to the caller (ErrForbidden), the stage is
// unlocked (ErrStageLocked) and the task is still open (AlreadyCompleted).
// It then re-evaluates the task condition on freshly fetched metrics
// (*ConditionsNotMetError) and runs the complete-and-cascade transaction.
// Timeouts and aborted transactions return ErrUnavailable with nothing committed.
func (s *Service) CompleteTask(ctx context.Context, req CompleteRequest) (res *CompleteResult, err error) {
	ctx, span := observability.Tracer().Start(ctx, "progression.CompleteTask")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opts.CompletionTimeout)
	defer cancel()

	log := logger.WithTrace(ctx, logger.FromContext(ctx)).With(
		slog.String("user_id", req.UserID),
		slog.String("task_instance_id", req.TaskInstanceID),
	)

	defer func() {
		label := outcomeLabel(err)
		if err == nil && res.AlreadyCompleted {
			label = "already_completed"
		}
		observability.CompletionsTotal.WithLabelValues(label).Inc()
		span.SetAttributes(attribute.String("journey.outcome", label))
		if err != nil && !isUserError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
		}
	}()

	if _, perr := uuid.Parse(req.TaskInstanceID); perr != nil {
		return nil, ErrNotFound
	}
	if _, perr := uuid.Parse(req.StageInstanceID); perr != nil {
		return nil, ErrNotFound
	}

	detail, err := s.repo.GetTaskDetail(ctx, req.TaskInstanceID)
	if err != nil {
		return nil, fromStore("load task", err)
	}
	if detail.Task.UserStageID != req.StageInstanceID {
		return nil, ErrNotFound
	}
	if detail.Stage.UserID != req.UserID || detail.Task.UserID != req.UserID {
		return nil, ErrForbidden
	}
	if detail.Stage.Status == journey.StatusLocked {
		return nil, ErrStageLocked
	}
	if detail.Task.IsCompleted {
		return &CompleteResult{AlreadyCompleted: true, StageStatus: detail.Stage.Status}, nil
	}

	windows := mergeWindows(detail.Condition.Windows(), detail.StageRequirements.Windows())
	m, err := s.fetchMetrics(ctx, req.UserID, windows)
	if err != nil {
		return nil, err
	}

	if !detail.Condition.IsZero() {
		eval := ruleengine.Evaluate(detail.Condition, m)
		if !eval.Met {
			return nil, &ConditionsNotMetError{Rules: eval.UnmetRules}
		}
	}

	derive := func(st store.StageState) (store.StageUpdate, error) {
		d := s.opts.Policy.Derive(StageInput{
			Current:       st.Stage.Status,
			PointsCurrent: st.Stage.PointsCurrent,
			PointsTotal:   st.Stage.PointsTotal,
			First:         st.Stage.Position == 0,
			PrevCompleted: st.PrevCompleted,
		}, ruleengine.Evaluate(detail.StageRequirements, m))
		return store.StageUpdate{Status: d.Status, Progress: d.Progress}, nil
	}

	outcome, err := s.repo.CompleteTask(ctx, store.CompletionParams{
		UserID:      req.UserID,
		UserStageID: req.StageInstanceID,
		UserTaskID:  req.TaskInstanceID,
		Note:        req.Note,
		Reason:      "task:" + detail.Task.TaskCode,
	}, derive)
	if err != nil {
		return nil, unavailable("complete task", err)
	}

	if outcome.AlreadyCompleted {
		// Lost the race to a concurrent request; the winner invalidates and
		// the stage status read above may already be out of date.
		log.Info("task completed concurrently")
		return &CompleteResult{AlreadyCompleted: true}, nil
	}

	observability.PointsAwardedTotal.Add(float64(outcome.PointsAwarded))
	s.invalidate(ctx, log, req.UserID)

	log.Info("task completed",
		slog.Int("points_awarded", outcome.PointsAwarded),
		slog.String("stage_status", string(outcome.StageStatus)),
		slog.Bool("stage_completed", outcome.StageCompleted),
		slog.Bool("unlocked_next", outcome.UnlockedNext),
	)

	return &CompleteResult{
		PointsAwarded:  outcome.PointsAwarded,
		StageCompleted: outcome.StageCompleted,
		UnlockedNext:   outcome.UnlockedNext,
		StageStatus:    outcome.StageStatus,
	}, nil
}

// Refresh re-derives every stage of the user's active set against fresh
// metrics and persists the forward transitions. A stage completed by the
// refresh makes the next position reachable within the same pass.
func (s *Service) Refresh(ctx context.Context, userID string) ([]store.StageChange, error) {
	ctx, span := observability.Tracer().Start(ctx, "progression.Refresh")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opts.CompletionTimeout)
	defer cancel()

	log := logger.WithTrace(ctx, logger.FromContext(ctx)).With(slog.String("user_id", userID))

	templates, err := s.repo.ListStages(ctx)
	if err != nil {
		return nil, fromStore("load stages", err)
	}
	reqs := make(map[int64]ruleengine.Requirements, len(templates))
	var windows []int
	for _, st := range templates {
		reqs[st.ID] = st.Requirements
		windows = mergeWindows(windows, st.Requirements.Windows())
	}

	// Metrics are fetched before the stage rows are locked.
	m, err := s.fetchMetrics(ctx, userID, windows)
	if err != nil {
		return nil, err
	}

	plan := func(stages []journey.UserStage) ([]store.StageChange, error) {
		var changes []store.StageChange
		prevCompleted := false
		for _, st := range stages {
			d := s.opts.Policy.Derive(StageInput{
				Current:       st.Status,
				PointsCurrent: st.PointsCurrent,
				PointsTotal:   st.PointsTotal,
				First:         st.Position == 0,
				PrevCompleted: prevCompleted,
			}, ruleengine.Evaluate(reqs[st.StageID], m))

			// Progress only moves forward between status changes.
			if d.Status != st.Status || d.Progress > st.Progress+1e-9 {
				changes = append(changes, store.StageChange{
					UserStageID: st.ID,
					From:        st.Status,
					To:          d.Status,
					Progress:    d.Progress,
				})
			}
			prevCompleted = d.Status == journey.StatusCompleted
		}
		return changes, nil
	}

	applied, err := s.repo.AdvanceStages(ctx, userID, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return nil, unavailable("refresh", err)
	}

	span.SetAttributes(attribute.Int("journey.changes", len(applied)))
	if len(applied) > 0 {
		s.invalidate(ctx, log, userID)
		log.Info("journey refreshed", slog.Int("changes", len(applied)))
	}
	return applied, nil
}

// Instantiate creates the user's stage instances for a selection. Existing
// stages are kept, so repeating a selection is a no-op. Returns how many
// stages were created.
func (s *Service) Instantiate(ctx context.Context, userID string, source journey.Source, stageCodes []string) (int, error) {
	ctx, span := observability.Tracer().Start(ctx, "progression.Instantiate")
	defer span.End()

	if !source.Valid() {
		return 0, fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, source)
	}
	if source == journey.SourcePersonalized && len(stageCodes) == 0 {
		return 0, fmt.Errorf("%w: personalized selection needs at least one stage code", ErrInvalidRequest)
	}

	created, err := s.repo.InstantiateJourney(ctx, userID, source, stageCodes)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return 0, unavailable("instantiate", err)
		}
		return 0, fromStore("instantiate", err)
	}

	if created > 0 {
		log := logger.WithTrace(ctx, logger.FromContext(ctx))
		s.invalidate(ctx, log, userID)
		log.Info("journey instantiated",
			slog.String("user_id", userID),
			slog.String("source", string(source)),
			slog.Int("stages_created", created),
		)
	}
	return created, nil
}

// fetchMetrics loads the default window plus every explicit window the rules
// ask for, in parallel, under MetricsTimeout. Any failure fails closed.
func (s *Service) fetchMetrics(ctx context.Context, userID string, windows []int) (ruleengine.Windowed, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.MetricsTimeout)
	defer cancel()

	lookbacks := []int{s.opts.DefaultLookbackDays}
	for _, w := range windows {
		if w > 0 && !slices.Contains(lookbacks, w) {
			lookbacks = append(lookbacks, w)
		}
	}

	results := make([]ruleengine.Values, len(lookbacks))
	g, gctx := errgroup.WithContext(ctx)
	for i, days := range lookbacks {
		g.Go(func() error {
			values, err := s.provider.GetMetrics(gctx, userID, days)
			if err != nil {
				return fmt.Errorf("lookback %dd: %w", days, err)
			}
			results[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.MetricsFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return ruleengine.Windowed{}, unavailable("fetch metrics", err)
	}
	observability.MetricsFetchDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())

	out := ruleengine.Windowed{Default: results[0], ByWindow: make(map[int]ruleengine.Values, len(lookbacks))}
	for i, days := range lookbacks {
		out.ByWindow[days] = results[i]
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, log *slog.Logger, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		// The L1 copy is already gone; peers fall back to their TTL.
		log.Warn("cache invalidation failed", slog.String("error", err.Error()))
	}
}

// isUserError reports outcomes that are caller mistakes, not service faults.
func isUserError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrStageLocked) || errors.Is(err, ErrConditionsNotMet) ||
		errors.Is(err, ErrInvalidRequest)
}

// mergeWindows returns the distinct non-default windows of a and b.
func mergeWindows(a, b []int) []int {
	out := slices.Clone(a)
	for _, w := range b {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}
