package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
	"github.com/noah-isme/elective-api/pkg/jobs"
)

// JobTypeReconcile replays one failed allocation write.
const JobTypeReconcile = "allocation.reconcile"

// Reconcile job results used as metric labels.
const (
	ReconcileResolved   = "resolved"
	ReconcileFailed     = "failed"
	ReconcileExhausted  = "exhausted"
	ReconcileSkipped    = "skipped"
	ReconcileSuperseded = "superseded"
)

// ReconcilePayload identifies the failure to replay.
type ReconcilePayload struct {
	RunID   string
	Failure models.PersistenceFailure
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// ReconciliationService replays failed persistence steps from the stored run document.
// Only failures of the package's latest run are replayed, under the same per-package
// lock allocation runs take.
type ReconciliationService struct {
	runs      runStore
	packages  packageReader
	courses   courseReader
	persister *ResultPersister
	lock      runLocker
	cache     *CacheService
	metrics   *MetricsService
	queue     jobEnqueuer
	logger    *zap.Logger
	now       func() time.Time

	// guards read-modify-write of run documents across workers
	mu sync.Mutex
}

// NewReconciliationService constructs the service. Call UseQueue before enqueuing.
func NewReconciliationService(runs runStore, packages packageReader, courses courseReader, persister *ResultPersister, lock runLocker, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationService{
		runs:      runs,
		packages:  packages,
		courses:   courses,
		persister: persister,
		lock:      lock,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// UseQueue attaches the queue the failures are pushed to.
func (s *ReconciliationService) UseQueue(queue jobEnqueuer) {
	s.queue = queue
}

// EnqueueFailures pushes one job per failure and returns how many were accepted.
func (s *ReconciliationService) EnqueueFailures(ctx context.Context, runID string, failures []models.PersistenceFailure) (int, error) {
	if s.queue == nil {
		return 0, errors.New("reconciliation queue not configured")
	}
	queued := 0
	for _, failure := range failures {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		job := jobs.Job{Type: JobTypeReconcile, Payload: ReconcilePayload{RunID: runID, Failure: failure}}
		if err := s.queue.Enqueue(job); err != nil {
			return queued, fmt.Errorf("enqueue %s: %w", failure.Key(), err)
		}
		queued++
	}
	s.logger.Info("reconciliation queued", zap.String("run_id", runID), zap.Int("jobs", queued))
	return queued, nil
}

// Handle is the queue handler. Returning an error lets the queue retry the job.
func (s *ReconciliationService) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(ReconcilePayload)
	if !ok {
		s.logger.Error("unexpected reconcile payload", zap.String("job_id", job.ID), zap.Any("payload", job.Payload))
		return nil
	}
	key := payload.Failure.Key()

	run, err := s.loadRun(ctx, payload.RunID)
	if err != nil || run == nil {
		return err
	}
	if !isOpen(run, key) {
		s.metrics.ObserveReconcile(ReconcileSkipped)
		return nil
	}

	release, acquired, err := s.lock.TryAcquire(ctx, run.PackageID)
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", run.PackageID, err)
	}
	if !acquired {
		return appErrors.Clone(appErrors.ErrRunInProgress, "package "+run.PackageID+" is being allocated")
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release allocation lock", zap.String("package_id", run.PackageID), zap.Error(err))
		}
	}()

	// state may have moved while waiting for the lock
	run, err = s.loadRun(ctx, payload.RunID)
	if err != nil || run == nil {
		return err
	}
	if !isOpen(run, key) {
		s.metrics.ObserveReconcile(ReconcileSkipped)
		return nil
	}

	latest, err := s.latestRunID(ctx, run.PackageID)
	if err != nil {
		return err
	}
	if latest != run.ID {
		if err := s.closeFailure(ctx, run.ID, key, nil, true); err != nil {
			return err
		}
		s.metrics.ObserveReconcile(ReconcileSuperseded)
		s.logger.Info("reconcile skipped, run superseded",
			zap.String("run_id", run.ID),
			zap.String("latest_run_id", latest),
			zap.String("kind", string(payload.Failure.Kind)),
			zap.String("record_id", payload.Failure.RecordID),
		)
		return nil
	}

	stale, err := s.replay(ctx, run, payload.Failure)
	if err != nil {
		s.metrics.ObserveReconcile(ReconcileFailed)
		return err
	}
	if err := s.closeFailure(ctx, run.ID, key, stale, false); err != nil {
		return err
	}
	s.metrics.ObserveReconcile(ReconcileResolved)
	s.logger.Info("allocation write reconciled",
		zap.String("run_id", run.ID),
		zap.String("kind", string(payload.Failure.Kind)),
		zap.String("record_id", payload.Failure.RecordID),
		zap.Int("attempt", job.Attempt+1),
	)
	return nil
}

// loadRun returns nil without error when the run document is gone.
func (s *ReconciliationService) loadRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.logger.Warn("reconcile target run missing", zap.String("run_id", runID))
			s.metrics.ObserveReconcile(ReconcileSkipped)
			return nil, nil
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

func (s *ReconciliationService) latestRunID(ctx context.Context, packageID string) (string, error) {
	runs, err := s.runs.ListByPackage(ctx, packageID)
	if err != nil {
		return "", fmt.Errorf("list runs of %s: %w", packageID, err)
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[0].ID, nil
}

// OnExhausted logs failures the queue gave up on. They stay unresolved on the run.
func (s *ReconciliationService) OnExhausted(job jobs.Job, err error) {
	s.metrics.ObserveReconcile(ReconcileExhausted)
	fields := []zap.Field{zap.String("job_id", job.ID), zap.Int("attempts", job.Attempt), zap.Error(err)}
	if payload, ok := job.Payload.(ReconcilePayload); ok {
		fields = append(fields,
			zap.String("run_id", payload.RunID),
			zap.String("kind", string(payload.Failure.Kind)),
			zap.String("record_id", payload.Failure.RecordID),
		)
	}
	s.logger.Error("reconciliation gave up", fields...)
}

func (s *ReconciliationService) replay(ctx context.Context, run *models.AllocationRun, failure models.PersistenceFailure) (*models.StaleEnrollment, error) {
	switch failure.Kind {
	case models.FailurePackage:
		return nil, s.persister.PersistPackage(ctx, run)
	case models.FailureCourse:
		courseID := failure.CourseID
		if courseID == "" {
			courseID = failure.RecordID
		}
		return nil, s.persister.PersistRoster(ctx, run, courseID)
	case models.FailureStudent:
		allocated, ok := findAllocated(run, failure.StudentID)
		if !ok {
			return nil, nil
		}
		return s.persister.PersistStudent(ctx, run, allocated)
	case models.FailureHistory:
		allocated, ok := findAllocated(run, failure.StudentID)
		if !ok {
			return nil, nil
		}
		catalog, err := s.catalogFor(ctx, run.PackageID, allocated.CourseID)
		if err != nil {
			return nil, err
		}
		return nil, s.persister.PersistHistory(ctx, run, allocated, catalog)
	case models.FailureUnallocated:
		return nil, s.persister.PersistUnallocated(ctx, run, failure.StudentID)
	default:
		s.logger.Warn("unknown failure kind", zap.String("kind", string(failure.Kind)))
		return nil, nil
	}
}

func (s *ReconciliationService) catalogFor(ctx context.Context, packageID, courseID string) (Catalog, error) {
	catalog := Catalog{Courses: map[string]*models.Course{}}
	pkg, err := s.packages.FindByID(ctx, packageID)
	switch {
	case err == nil:
		catalog.Package = pkg
	case !errors.Is(err, docstore.ErrNotFound):
		return catalog, fmt.Errorf("load package %s: %w", packageID, err)
	}
	course, err := s.courses.FindByID(ctx, courseID)
	switch {
	case err == nil:
		catalog.Courses[courseID] = course
	case !errors.Is(err, docstore.ErrNotFound):
		return catalog, fmt.Errorf("load course %s: %w", courseID, err)
	}
	return catalog, nil
}

// closeFailure marks the failure resolved, or superseded when it will never be replayed.
func (s *ReconciliationService) closeFailure(ctx context.Context, runID, key string, stale *models.StaleEnrollment, superseded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("reload run %s: %w", runID, err)
	}
	resolvedAt := s.now().UTC()
	for i := range run.Failures {
		if run.Failures[i].Key() != key || !run.Failures[i].Open() {
			continue
		}
		if superseded {
			run.Failures[i].Superseded = true
		} else {
			run.Failures[i].Resolved = true
		}
		run.Failures[i].ResolvedAt = &resolvedAt
	}
	if stale != nil && !hasStale(run, stale.StudentID) {
		run.StaleEnrollments = append(run.StaleEnrollments, *stale)
	}
	if err := s.runs.Save(ctx, run); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	_ = s.cache.Invalidate(ctx, summaryCacheKey(run.PackageID))
	return nil
}

func isOpen(run *models.AllocationRun, key string) bool {
	for _, failure := range run.Failures {
		if failure.Key() == key {
			return failure.Open()
		}
	}
	return false
}

func findAllocated(run *models.AllocationRun, studentID string) (models.AllocatedStudent, bool) {
	for _, allocated := range run.Allocated {
		if allocated.StudentID == studentID {
			return allocated, true
		}
	}
	return models.AllocatedStudent{}, false
}

func hasStale(run *models.AllocationRun, studentID string) bool {
	for _, stale := range run.StaleEnrollments {
		if stale.StudentID == studentID {
			return true
		}
	}
	return false
}
