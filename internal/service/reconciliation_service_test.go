package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/repository"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
	"github.com/noah-isme/elective-api/pkg/jobs"
)

func newReconciler(f *allocationFixture, metrics *MetricsService) *ReconciliationService {
	recon := NewReconciliationService(f.runs, f.packages, f.courses, f.persister, f.lock, nil, metrics, nil)
	recon.now = func() time.Time { return fixedNow.Add(time.Hour) }
	return recon
}

func TestReconcileHandleReplaysStudentWrite(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 2})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.store.failN(repository.CollectionStudents, "S1", 1)

	summary := runPackage(t, f, "P")
	require.Len(t, summary.Failures, 1)
	assert.Empty(t, f.student(t, "S1").EnrolledCourses)

	recon := newReconciler(f, nil)
	err := recon.Handle(ctx, jobs.Job{ID: "job-1", Type: JobTypeReconcile, Payload: ReconcilePayload{RunID: summary.RunID, Failure: summary.Failures[0]}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, f.student(t, "S1").EnrolledCourses)
	run, err := f.svc.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.Len(t, run.Failures, 1)
	assert.True(t, run.Failures[0].Resolved)
	require.NotNil(t, run.Failures[0].ResolvedAt)
	assert.True(t, run.Failures[0].ResolvedAt.Equal(fixedNow.Add(time.Hour)))
	assert.Empty(t, run.UnresolvedFailures())

	// A resolved failure is not replayed again.
	f.store.failN(repository.CollectionStudents, "S1", -1)
	require.NoError(t, recon.Handle(ctx, jobs.Job{ID: "job-2", Payload: ReconcilePayload{RunID: summary.RunID, Failure: summary.Failures[0]}}))
}

func TestReconcileHandleReplaysEveryKind(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1, credits: 5})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.seedStudent(t, "S2", 7, "P", "A")
	f.store.failN(repository.CollectionPackages, "P", 1)
	f.store.failN(repository.CollectionCourses, "A", 1)
	f.store.failN(repository.CollectionAcademicHistory, "S1", 1)
	f.store.failN(repository.CollectionStudents, "S2", 1)

	summary := runPackage(t, f, "P")
	require.Len(t, summary.Failures, 4)

	recon := newReconciler(f, nil)
	for i, failure := range summary.Failures {
		err := recon.Handle(ctx, jobs.Job{ID: fmt.Sprintf("job-%d", i), Payload: ReconcilePayload{RunID: summary.RunID, Failure: failure}})
		require.NoError(t, err, failure.Key())
	}

	run, err := f.svc.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Empty(t, run.UnresolvedFailures())

	pkg, err := f.packages.FindByID(ctx, "P")
	require.NoError(t, err)
	assert.True(t, pkg.Processed)
	assert.Equal(t, []string{"S1"}, rosterIDs(f.course(t, "A").EnrolledStudents))
	history := f.history(t, "S1")
	require.Len(t, history.Years, 1)
	assert.Equal(t, 5, history.Years[0].Courses[0].Credits)
	assert.Equal(t, 3, history.Years[0].StudyYear)
	assert.Equal(t, models.AllocationStatusUnallocated, f.student(t, "S2").AllocationStatus)
}

func TestReconcileHandleLeavesNewerRunUntouched(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1}, courseSeed{id: "B", name: "Databases", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A", "B")
	f.store.failN(repository.CollectionPackages, "P", 1)
	f.store.failN(repository.CollectionCourses, "A", 1)

	first := runPackage(t, f, "P")
	require.Len(t, first.Failures, 2)

	f.seedStudent(t, "S2", 10, "P", "A")
	second := runPackage(t, f, "P")
	require.Empty(t, second.Failures)
	require.Equal(t, []string{"S2"}, rosterIDs(f.course(t, "A").EnrolledStudents))
	require.Equal(t, []string{"S1"}, rosterIDs(f.course(t, "B").EnrolledStudents))

	metrics := NewMetricsService()
	recon := newReconciler(f, metrics)
	for i, failure := range first.Failures {
		err := recon.Handle(ctx, jobs.Job{ID: fmt.Sprintf("job-%d", i), Payload: ReconcilePayload{RunID: first.RunID, Failure: failure}})
		require.NoError(t, err, failure.Key())
	}

	assert.Equal(t, []string{"S2"}, rosterIDs(f.course(t, "A").EnrolledStudents))
	assert.Equal(t, []string{"S1"}, rosterIDs(f.course(t, "B").EnrolledStudents))
	pkg, err := f.packages.FindByID(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, second.RunID, pkg.LastRunID)
	assert.Equal(t, 2, pkg.AllocatedCount)

	run, err := f.svc.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Empty(t, run.UnresolvedFailures())
	for _, failure := range run.Failures {
		assert.True(t, failure.Superseded, failure.Key())
		assert.False(t, failure.Resolved, failure.Key())
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.reconciled.WithLabelValues(ReconcileSuperseded)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.reconciled.WithLabelValues(ReconcileResolved)))
}

func TestReconcileHandleWaitsForPackageLock(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 2})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.store.failN(repository.CollectionStudents, "S1", 1)

	summary := runPackage(t, f, "P")
	require.Len(t, summary.Failures, 1)
	job := jobs.Job{ID: "job-1", Payload: ReconcilePayload{RunID: summary.RunID, Failure: summary.Failures[0]}}

	release, acquired, err := f.lock.TryAcquire(ctx, "P")
	require.NoError(t, err)
	require.True(t, acquired)

	recon := newReconciler(f, nil)
	err = recon.Handle(ctx, job)
	assert.ErrorIs(t, err, appErrors.ErrRunInProgress)
	assert.Empty(t, f.student(t, "S1").EnrolledCourses)

	require.NoError(t, release(ctx))
	require.NoError(t, recon.Handle(ctx, job))
	assert.Equal(t, []string{"A"}, f.student(t, "S1").EnrolledCourses)
}

func TestReconcileHandleSkipsMissingRunAndBadPayload(t *testing.T) {
	f := newAllocationFixture(t)
	recon := newReconciler(f, nil)

	assert.NoError(t, recon.Handle(context.Background(), jobs.Job{ID: "x", Payload: "garbage"}))
	assert.NoError(t, recon.Handle(context.Background(), jobs.Job{ID: "y", Payload: ReconcilePayload{RunID: "gone"}}))
}

func TestReconcileThroughQueueRetriesUntilResolved(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.seedStudent(t, "S2", 7, "P", "A")
	// run write + first replay fail; the retry succeeds
	f.store.failN(repository.CollectionAcademicHistory, "S1", 2)
	// never succeeds
	f.store.failN(repository.CollectionStudents, "S2", -1)

	metrics := NewMetricsService()
	recon := newReconciler(f, metrics)
	queue := jobs.NewQueue("reconcile", recon.Handle, jobs.QueueConfig{
		Workers:     2,
		MaxRetries:  2,
		RetryDelay:  5 * time.Millisecond,
		OnExhausted: recon.OnExhausted,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)
	defer queue.Stop()
	recon.UseQueue(queue)
	f.svc.UseReconciler(recon)

	summary := runPackage(t, f, "P")
	require.Len(t, summary.Failures, 2)

	require.Eventually(t, func() bool {
		run, err := f.svc.GetRun(context.Background(), summary.RunID)
		if err != nil {
			return false
		}
		unresolved := run.UnresolvedFailures()
		return len(unresolved) == 1 && unresolved[0].Key() == "unallocated:S2"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.reconciled.WithLabelValues(ReconcileExhausted)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconciled.WithLabelValues(ReconcileResolved)))
	assert.Len(t, f.history(t, "S1").Years, 1)
}
