package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/elective-api/internal/dto"
	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/repository"
	"github.com/noah-isme/elective-api/pkg/docstore"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
)

type enqueuerStub struct {
	runID    string
	failures []models.PersistenceFailure
}

func (e *enqueuerStub) EnqueueFailures(ctx context.Context, runID string, failures []models.PersistenceFailure) (int, error) {
	e.runID = runID
	e.failures = append(e.failures, failures...)
	return len(failures), nil
}

func runPackage(t *testing.T, f *allocationFixture, packageID string) *models.RunSummary {
	t.Helper()
	summary, err := f.svc.Run(context.Background(), dto.RunAllocationRequest{PackageID: packageID, TriggeredBy: "admin-1"})
	require.NoError(t, err)
	return summary
}

func TestAllocationRunRankPointsIntoSubmittedList(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1}, courseSeed{id: "B", name: "Databases", capacity: 1})
	f.seedStudent(t, "S0", 10, "P", "A")
	submitted := []string{"A", "", "A", "B"}
	f.seedStudent(t, "S1", 9, "P", submitted...)

	summary := runPackage(t, f, "P")

	run, err := f.svc.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, run.Allocated, 2)
	placed := run.Allocated[1]
	assert.Equal(t, "S1", placed.StudentID)
	assert.Equal(t, "B", placed.CourseID)
	assert.Equal(t, 4, placed.Rank)
	assert.Equal(t, placed.CourseID, submitted[placed.Rank-1])
}

func TestAllocationRunContestedSeats(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1, credits: 5}, courseSeed{id: "B", name: "Databases", capacity: 1, credits: 4})
	f.seedStudent(t, "S1", 9, "P", "A", "B")
	f.seedStudent(t, "S2", 7, "P", "A", "B")

	summary := runPackage(t, f, "P")
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.AllocatedCount)
	assert.Zero(t, summary.UnallocatedCount)
	assert.Equal(t, 2, summary.TotalCourses)
	assert.Empty(t, summary.Failures)
	for _, row := range summary.Courses {
		assert.Zero(t, row.RemainingCapacity)
	}

	run, err := f.svc.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", run.TriggeredBy)
	assert.Equal(t, "2025-2026", run.AcademicYear)
	require.Len(t, run.Allocated, 2)
	assert.Equal(t, models.AllocatedStudent{StudentID: "S1", Name: "Student S1", RegistrationNumber: "REG-S1", Media: run.Allocated[0].Media, CourseID: "A", CourseName: "Compilers", Rank: 1}, run.Allocated[0])
	assert.Equal(t, "B", run.Allocated[1].CourseID)
	assert.Equal(t, 2, run.Allocated[1].Rank)

	assert.Equal(t, []string{"S1"}, rosterIDs(f.course(t, "A").EnrolledStudents))
	assert.Equal(t, []string{"S2"}, rosterIDs(f.course(t, "B").EnrolledStudents))

	s1 := f.student(t, "S1")
	assert.Equal(t, []string{"A"}, s1.EnrolledCourses)
	assert.Equal(t, "P", s1.AllocatedPackage)
	assert.Equal(t, models.AllocationStatusAllocated, s1.AllocationStatus)

	history := f.history(t, "S1")
	require.Len(t, history.Years, 1)
	bucket := history.Years[0]
	assert.Equal(t, "2025-2026", bucket.AcademicYear)
	assert.Equal(t, 3, bucket.StudyYear)
	assert.Equal(t, 1, bucket.Semester)
	require.Len(t, bucket.Courses, 1)
	assert.Equal(t, models.HistoryEntry{
		CourseID: "A", Name: "Compilers", Credits: 5, Grade: 0,
		Status: models.HistoryStatusPending, Instructor: "Prof. Compilers",
	}, bucket.Courses[0])

	pkg, err := f.packages.FindByID(context.Background(), "P")
	require.NoError(t, err)
	assert.True(t, pkg.Processed)
	require.NotNil(t, pkg.ProcessedAt)
	assert.True(t, pkg.ProcessedAt.Equal(fixedNow))
	assert.Equal(t, 2, pkg.AllocatedCount)
	assert.Zero(t, pkg.UnallocatedCount)
	assert.Equal(t, 2, pkg.TotalCourses)
	assert.Equal(t, "run-1", pkg.LastRunID)
	require.Len(t, pkg.Courses, 2)
	assert.Equal(t, 1, pkg.Courses[0].Capacity.Value)
	assert.Equal(t, 0, *pkg.Courses[0].RemainingCapacity)
	assert.Equal(t, []string{"S1"}, rosterIDs(pkg.Courses[0].EnrolledStudents))
}

func TestAllocationRunUnallocatedStudent(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1}, courseSeed{id: "B", name: "Databases", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.seedStudent(t, "S2", 7, "P", "A")

	summary := runPackage(t, f, "P")
	assert.Equal(t, 1, summary.AllocatedCount)
	assert.Equal(t, 1, summary.UnallocatedCount)

	s2 := f.student(t, "S2")
	assert.Equal(t, models.AllocationStatusUnallocated, s2.AllocationStatus)
	assert.Equal(t, "P", s2.AllocatedPackage)
	assert.Empty(t, s2.EnrolledCourses)
	assert.Empty(t, f.history(t, "S2").Years)
	assert.Empty(t, f.course(t, "B").EnrolledStudents)
}

func TestAllocationRunNoCourses(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3)
	f.seedStudent(t, "S1", 9, "P", "A")

	_, err := f.svc.Run(context.Background(), dto.RunAllocationRequest{PackageID: "P"})
	assert.ErrorIs(t, err, appErrors.ErrNoCourses)
	assert.Zero(t, f.store.writeCount())
}

func TestAllocationRunNoPreferencesWritesNothing(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 2})
	f.seedStudent(t, "S1", 9, "OTHER", "A")

	_, err := f.svc.Run(context.Background(), dto.RunAllocationRequest{PackageID: "P"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNoPreferences)
	assert.Equal(t, 422, appErrors.FromError(err).Status)
	assert.Zero(t, f.store.writeCount())

	runs, err := f.svc.ListRuns(context.Background(), "P")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestAllocationRunPackageNotFound(t *testing.T) {
	f := newAllocationFixture(t)

	_, err := f.svc.Run(context.Background(), dto.RunAllocationRequest{PackageID: "missing"})
	assert.ErrorIs(t, err, appErrors.ErrPackageNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestAllocationRunValidation(t *testing.T) {
	f := newAllocationFixture(t)

	_, err := f.svc.Run(context.Background(), dto.RunAllocationRequest{})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAllocationRunDefaultCapacity(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 2, courseSeed{id: "C", name: "Ethics"})
	for i := 0; i < 31; i++ {
		f.seedStudent(t, fmt.Sprintf("s%02d", i), float64(i%10), "P", "C")
	}

	summary := runPackage(t, f, "P")
	assert.Equal(t, 30, summary.AllocatedCount)
	assert.Equal(t, 1, summary.UnallocatedCount)
	require.Len(t, summary.Courses, 1)
	assert.Equal(t, 30, summary.Courses[0].TotalCapacity)
	assert.Len(t, f.course(t, "C").EnrolledStudents, 30)
}

func TestAllocationRunMandatoryCourseIsUncapped(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 2, courseSeed{id: "M", name: "Seminar", capacity: 1, mandatory: true, semester: 2})
	f.seedStudent(t, "S1", 9, "P", "M")
	f.seedStudent(t, "S2", 8, "P", "M")
	f.seedStudent(t, "S3", 7, "P", "M")

	summary := runPackage(t, f, "P")
	assert.Equal(t, 3, summary.AllocatedCount)
	assert.True(t, summary.Courses[0].Unlimited)

	history := f.history(t, "S3")
	require.Len(t, history.Years, 1)
	assert.Equal(t, 2, history.Years[0].Semester)
	assert.True(t, history.Years[0].Courses[0].Mandatory)
}

func TestAllocationRerunIsIdempotent(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1}, courseSeed{id: "B", name: "Databases", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A", "B")
	f.seedStudent(t, "S2", 7, "P", "A", "B")

	first := runPackage(t, f, "P")
	second := runPackage(t, f, "P")

	assert.Equal(t, first.AllocatedCount, second.AllocatedCount)
	assert.Equal(t, first.Courses, second.Courses)
	assert.Empty(t, second.StaleEnrollments)

	assert.Equal(t, []string{"S1"}, rosterIDs(f.course(t, "A").EnrolledStudents))
	assert.Equal(t, []string{"S2"}, rosterIDs(f.course(t, "B").EnrolledStudents))
	assert.Equal(t, []string{"A"}, f.student(t, "S1").EnrolledCourses)

	history := f.history(t, "S1")
	require.Len(t, history.Years, 1)
	assert.Len(t, history.Years[0].Courses, 1)

	pkg, err := f.packages.FindByID(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, 2, pkg.AllocatedCount)
	assert.Equal(t, "run-2", pkg.LastRunID)
	assert.Len(t, pkg.Courses[0].EnrolledStudents, 1)

	runs, err := f.svc.ListRuns(context.Background(), "P")
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestAllocationRunReportsStaleEnrollment(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1}, courseSeed{id: "B", name: "Databases", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")
	require.NoError(t, f.seed.Update(context.Background(), repository.CollectionStudents, "S1", docstore.Document{
		"enrolledCourses": []interface{}{"OUTSIDE", "B"},
	}))

	summary := runPackage(t, f, "P")
	require.Len(t, summary.StaleEnrollments, 1)
	assert.Equal(t, models.StaleEnrollment{StudentID: "S1", AssignedCourse: "A", PreviousCourses: []string{"B"}}, summary.StaleEnrollments[0])
	assert.Equal(t, []string{"OUTSIDE", "B", "A"}, f.student(t, "S1").EnrolledCourses)
}

func TestAllocationRunContinuesPastWriteFailures(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 2})
	f.seedStudent(t, "S1", 9, "P", "A")
	f.seedStudent(t, "S2", 8, "P", "A")
	f.seedStudent(t, "S3", 7, "P", "A")
	f.store.failN(repository.CollectionStudents, "S2", -1)
	f.store.failN(repository.CollectionAcademicHistory, "S1", -1)
	f.store.failN(repository.CollectionStudents, "S3", -1)

	reconciler := &enqueuerStub{}
	f.svc.UseReconciler(reconciler)

	summary := runPackage(t, f, "P")
	assert.Equal(t, 2, summary.AllocatedCount)
	assert.Equal(t, 1, summary.UnallocatedCount)

	keys := make([]string, 0, len(summary.Failures))
	for _, failure := range summary.Failures {
		keys = append(keys, failure.Key())
		assert.Contains(t, failure.Error, "failed to write")
	}
	assert.Equal(t, []string{"history:S1", "student:S2", "unallocated:S3"}, keys)
	assert.Equal(t, []string{"S1", "S2", "S3"}, summary.FailedStudentIDs)

	assert.Equal(t, []string{"A"}, f.student(t, "S1").EnrolledCourses)
	assert.Len(t, f.history(t, "S2").Years, 1)
	assert.Equal(t, []string{"S1", "S2"}, rosterIDs(f.course(t, "A").EnrolledStudents))

	assert.Equal(t, summary.RunID, reconciler.runID)
	assert.Len(t, reconciler.failures, 3)
}

func TestAllocationRunRejectedWhileLocked(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")

	release, ok, err := f.lock.TryAcquire(context.Background(), "P")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Run(context.Background(), dto.RunAllocationRequest{PackageID: "P"})
	assert.ErrorIs(t, err, appErrors.ErrRunInProgress)
	assert.Equal(t, 409, appErrors.FromError(err).Status)

	require.NoError(t, release(context.Background()))
	runPackage(t, f, "P")

	_, ok, err = f.lock.TryAcquire(context.Background(), "P")
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after the run")
}

func TestAllocationRunIgnoresCallerCancellation(t *testing.T) {
	f := newAllocationFixture(t)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.svc.Run(ctx, dto.RunAllocationRequest{PackageID: "P"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AllocatedCount)
}

func TestAllocationLatestSummaryAndRuns(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.LatestSummary(ctx, "P")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")
	runPackage(t, f, "P")
	runPackage(t, f, "P")

	latest, hit, err := f.svc.LatestSummary(ctx, "P")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "run-2", latest.RunID)

	_, err = f.svc.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAllocationLatestSummaryServedFromCache(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	repo := newMemoryCacheRepo()
	f.svc.cache = NewCacheService(repo, nil, 0, nil, true)
	f.seedPackage(t, "P", 3, courseSeed{id: "A", name: "Compilers", capacity: 1})
	f.seedStudent(t, "S1", 9, "P", "A")

	first := runPackage(t, f, "P")
	assert.Equal(t, 5*time.Minute, repo.ttls["allocation:summary:P"])

	latest, hit, err := f.svc.LatestSummary(ctx, "P")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first.RunID, latest.RunID)

	second := runPackage(t, f, "P")
	latest, hit, err = f.svc.LatestSummary(ctx, "P")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, second.RunID, latest.RunID)
}

func TestAllocationReconcileRequeuesUnresolved(t *testing.T) {
	f := newAllocationFixture(t)
	ctx := context.Background()
	require.NoError(t, f.runs.Save(ctx, &models.AllocationRun{
		ID: "run-x", PackageID: "P", StartedAt: fixedNow,
		Failures: []models.PersistenceFailure{
			{Kind: models.FailureStudent, RecordID: "S1", StudentID: "S1"},
			{Kind: models.FailureCourse, RecordID: "A", CourseID: "A", Resolved: true},
		},
	}))

	_, err := f.svc.Reconcile(ctx, "run-x")
	assert.ErrorIs(t, err, appErrors.ErrInternal)

	reconciler := &enqueuerStub{}
	f.svc.UseReconciler(reconciler)
	queued, err := f.svc.Reconcile(ctx, "run-x")
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, "student:S1", reconciler.failures[0].Key())

	_, err = f.svc.Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
