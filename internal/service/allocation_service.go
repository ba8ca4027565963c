package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/dto"
	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
	"github.com/noah-isme/elective-api/pkg/logger"
)

const summaryCachePrefix = "allocation:summary:"

type packageReader interface {
	FindByID(ctx context.Context, id string) (*models.Package, error)
}

type runStore interface {
	Save(ctx context.Context, run *models.AllocationRun) error
	FindByID(ctx context.Context, id string) (*models.AllocationRun, error)
	ListByPackage(ctx context.Context, packageID string) ([]models.AllocationRun, error)
}

type runLocker interface {
	TryAcquire(ctx context.Context, packageID string) (func(context.Context) error, bool, error)
}

type failureEnqueuer interface {
	EnqueueFailures(ctx context.Context, runID string, failures []models.PersistenceFailure) (int, error)
}

// AllocationServiceConfig holds tunables for allocation runs.
type AllocationServiceConfig struct {
	SummaryCacheTTL time.Duration
}

// AllocationService orchestrates allocation runs and exposes their reports.
type AllocationService struct {
	packages   packageReader
	tracker    *CapacityTracker
	collector  *PreferenceCollector
	persister  *ResultPersister
	runs       runStore
	lock       runLocker
	cache      *CacheService
	metrics    *MetricsService
	reconciler failureEnqueuer
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        AllocationServiceConfig
	now        func() time.Time
	newID      func() string
}

// NewAllocationService constructs the service.
func NewAllocationService(
	packages packageReader,
	tracker *CapacityTracker,
	collector *PreferenceCollector,
	persister *ResultPersister,
	runs runStore,
	lock runLocker,
	cache *CacheService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg AllocationServiceConfig,
) *AllocationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = 5 * time.Minute
	}
	return &AllocationService{
		packages:  packages,
		tracker:   tracker,
		collector: collector,
		persister: persister,
		runs:      runs,
		lock:      lock,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// UseReconciler wires the queue that replays failed writes.
func (s *AllocationService) UseReconciler(reconciler failureEnqueuer) {
	s.reconciler = reconciler
}

// Run allocates one package end to end. Package, course and preference problems are
// returned before anything is written; per-record write failures are reported in the summary.
// The run keeps going when the caller's context is cancelled.
func (s *AllocationService) Run(ctx context.Context, req dto.RunAllocationRequest) (*models.RunSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	ctx = context.WithoutCancel(ctx)

	run, err := s.runLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	runLogger := logger.ForRun(s.logger, run.ID, run.PackageID)

	summary := run.Summary()
	key := summaryCacheKey(run.PackageID)
	_ = s.cache.Invalidate(ctx, key)
	_ = s.cache.Set(ctx, key, summary, s.cfg.SummaryCacheTTL)

	// replays take the package lock, so they are queued once it is released
	if failures := run.UnresolvedFailures(); len(failures) > 0 && s.reconciler != nil {
		if queued, err := s.reconciler.EnqueueFailures(ctx, run.ID, failures); err != nil {
			runLogger.Error("failed to enqueue reconciliation", zap.Int("queued", queued), zap.Error(err))
		}
	}

	duration := run.FinishedAt.Sub(run.StartedAt)
	s.metrics.ObserveRun(run, duration)
	runLogger.Info("allocation run finished",
		zap.Int("allocated", summary.AllocatedCount),
		zap.Int("unallocated", summary.UnallocatedCount),
		zap.Int("failures", len(summary.Failures)),
		zap.Int("stale_enrollments", len(summary.StaleEnrollments)),
		zap.Duration("duration", duration),
	)
	return &summary, nil
}

// runLocked matches, persists and stores the run while holding the package lock.
func (s *AllocationService) runLocked(ctx context.Context, req dto.RunAllocationRequest) (*models.AllocationRun, error) {
	release, acquired, err := s.lock.TryAcquire(ctx, req.PackageID)
	if err != nil {
		s.metrics.ObserveRunOutcome(RunOutcomeError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire allocation lock")
	}
	if !acquired {
		s.metrics.ObserveRunOutcome(RunOutcomeRejected)
		return nil, appErrors.Clone(appErrors.ErrRunInProgress, "")
	}
	defer func() {
		if err := release(ctx); err != nil {
			s.logger.Warn("failed to release allocation lock", zap.String("package_id", req.PackageID), zap.Error(err))
		}
	}()

	started := s.now().UTC()
	run, pkg, table, err := s.match(ctx, req.PackageID)
	if err != nil {
		outcome := RunOutcomeRejected
		if appErrors.FromError(err).Status >= 500 {
			outcome = RunOutcomeError
		}
		s.metrics.ObserveRunOutcome(outcome)
		return nil, err
	}

	run.ID = s.newID()
	run.TriggeredBy = req.TriggeredBy
	run.StartedAt = started
	run.AcademicYear = AcademicPeriodAt(started).Year

	s.persister.Persist(ctx, run, Catalog{Package: pkg, Courses: table.Courses()})
	run.FinishedAt = s.now().UTC()

	if err := s.runs.Save(ctx, run); err != nil {
		logger.ForRun(s.logger, run.ID, pkg.ID).Error("failed to save allocation run", zap.Error(err))
		s.metrics.ObserveRunOutcome(RunOutcomeError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "allocation finished but the run report could not be saved")
	}
	return run, nil
}

// match loads inputs and runs the engine. It performs no writes.
func (s *AllocationService) match(ctx context.Context, packageID string) (*models.AllocationRun, *models.Package, *CapacityTable, error) {
	pkg, err := s.packages.FindByID(ctx, packageID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil, nil, appErrors.Clone(appErrors.ErrPackageNotFound, fmt.Sprintf("package %s not found", packageID))
		}
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load package")
	}

	table, err := s.tracker.Build(ctx, pkg)
	if err != nil {
		return nil, nil, nil, err
	}

	students, err := s.collector.Collect(ctx, pkg.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	result := Allocate(students, table)
	run := &models.AllocationRun{
		PackageID:        pkg.ID,
		PackageName:      pkg.Name,
		Allocated:        result.Allocated,
		Unallocated:      result.Unallocated,
		Courses:          table.Rows(),
		Failures:         []models.PersistenceFailure{},
		StaleEnrollments: []models.StaleEnrollment{},
	}
	return run, pkg, table, nil
}

// GetRun returns a stored run report.
func (s *AllocationService) GetRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "allocation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load allocation run")
	}
	return run, nil
}

// ListRuns returns the runs of a package, newest first.
func (s *AllocationService) ListRuns(ctx context.Context, packageID string) ([]models.AllocationRun, error) {
	runs, err := s.runs.ListByPackage(ctx, packageID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list allocation runs")
	}
	return runs, nil
}

// LatestSummary returns the summary of the newest run and whether it was served from cache.
func (s *AllocationService) LatestSummary(ctx context.Context, packageID string) (*models.RunSummary, bool, error) {
	key := summaryCacheKey(packageID)
	var cached models.RunSummary
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, true, nil
	}

	runs, err := s.ListRuns(ctx, packageID)
	if err != nil {
		return nil, false, err
	}
	if len(runs) == 0 {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, "package has no allocation runs")
	}
	summary := runs[0].Summary()
	_ = s.cache.Set(ctx, key, summary, s.cfg.SummaryCacheTTL)
	return &summary, false, nil
}

// Reconcile queues every unresolved failure of the run again and returns how many were queued.
func (s *AllocationService) Reconcile(ctx context.Context, runID string) (int, error) {
	if s.reconciler == nil {
		return 0, appErrors.Clone(appErrors.ErrInternal, "reconciliation is not configured")
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	failures := run.UnresolvedFailures()
	if len(failures) == 0 {
		return 0, nil
	}
	queued, err := s.reconciler.EnqueueFailures(ctx, run.ID, failures)
	if err != nil {
		return queued, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue reconciliation")
	}
	return queued, nil
}

func summaryCacheKey(packageID string) string {
	return summaryCachePrefix + packageID
}
