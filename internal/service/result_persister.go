package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/repository"
	"github.com/noah-isme/elective-api/pkg/docstore"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
)

type packageWriter interface {
	ApplyAllocation(ctx context.Context, id string, result models.Package) error
}

type rosterWriter interface {
	ReplaceRoster(ctx context.Context, id string, roster []models.EnrolledStudent) error
}

type studentWriter interface {
	FindByID(ctx context.Context, id string) (*models.StudentRecord, error)
	UpdateAllocation(ctx context.Context, id, packageID string, status models.AllocationStatus, enrolledCourses []string) error
}

type historyStore interface {
	AppendEntry(ctx context.Context, studentID string, key models.HistoryBucket, entry models.HistoryEntry) (bool, error)
}

// Catalog carries the package and course documents used to fill transcript entries.
type Catalog struct {
	Package *models.Package
	Courses map[string]*models.Course
}

func (c Catalog) course(id string) *models.Course {
	if c.Courses == nil {
		return nil
	}
	return c.Courses[id]
}

// ResultPersister writes a run's outcome back to packages, courses, students and transcripts.
// Every step is an idempotent upsert so failed records can be replayed from the run document.
type ResultPersister struct {
	packages  packageWriter
	courses   rosterWriter
	students  studentWriter
	histories historyStore
	logger    *zap.Logger
}

// NewResultPersister constructs the persister.
func NewResultPersister(packages packageWriter, courses rosterWriter, students studentWriter, histories historyStore, logger *zap.Logger) *ResultPersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultPersister{packages: packages, courses: courses, students: students, histories: histories, logger: logger}
}

// Persist runs the four steps in order: package, course rosters, allocated students with
// their transcripts, unallocated students. Individual write failures are appended to
// run.Failures and never abort the batch.
func (p *ResultPersister) Persist(ctx context.Context, run *models.AllocationRun, catalog Catalog) {
	if err := p.PersistPackage(ctx, run); err != nil {
		p.recordFailure(run, models.PersistenceFailure{Kind: models.FailurePackage, RecordID: run.PackageID}, repository.CollectionPackages, err)
	}

	for _, row := range run.Courses {
		if err := p.PersistRoster(ctx, run, row.CourseID); err != nil {
			p.recordFailure(run, models.PersistenceFailure{Kind: models.FailureCourse, RecordID: row.CourseID, CourseID: row.CourseID}, repository.CollectionCourses, err)
		}
	}

	for _, allocated := range run.Allocated {
		stale, err := p.PersistStudent(ctx, run, allocated)
		if err != nil {
			p.recordFailure(run, models.PersistenceFailure{
				Kind: models.FailureStudent, RecordID: allocated.StudentID, StudentID: allocated.StudentID, CourseID: allocated.CourseID,
			}, repository.CollectionStudents, err)
		}
		if stale != nil {
			p.logger.Warn("student holds stale enrollment from previous run",
				zap.String("student_id", stale.StudentID),
				zap.String("assigned_course", stale.AssignedCourse),
				zap.Strings("previous_courses", stale.PreviousCourses),
			)
			run.StaleEnrollments = append(run.StaleEnrollments, *stale)
		}

		if err := p.PersistHistory(ctx, run, allocated, catalog); err != nil {
			p.recordFailure(run, models.PersistenceFailure{
				Kind: models.FailureHistory, RecordID: allocated.StudentID, StudentID: allocated.StudentID, CourseID: allocated.CourseID,
			}, repository.CollectionAcademicHistory, err)
		}
	}

	for _, unallocated := range run.Unallocated {
		if err := p.PersistUnallocated(ctx, run, unallocated.StudentID); err != nil {
			p.recordFailure(run, models.PersistenceFailure{
				Kind: models.FailureUnallocated, RecordID: unallocated.StudentID, StudentID: unallocated.StudentID,
			}, repository.CollectionStudents, err)
		}
	}
}

// PersistPackage merges the final course table and counters into the package document.
func (p *ResultPersister) PersistPackage(ctx context.Context, run *models.AllocationRun) error {
	processedAt := run.StartedAt
	courses := make([]models.PackageCourse, 0, len(run.Courses))
	for _, row := range run.Courses {
		course := models.PackageCourse{
			ID:               row.CourseID,
			Name:             row.Name,
			EnrolledStudents: rosterOf(row),
		}
		if !row.Unlimited {
			remaining := row.RemainingCapacity
			course.Capacity = models.NewFlexInt(row.TotalCapacity)
			course.RemainingCapacity = &remaining
		}
		courses = append(courses, course)
	}

	return p.packages.ApplyAllocation(ctx, run.PackageID, models.Package{
		Courses:          courses,
		ProcessedAt:      &processedAt,
		AllocatedCount:   len(run.Allocated),
		UnallocatedCount: len(run.Unallocated),
		TotalCourses:     len(run.Courses),
		LastRunID:        run.ID,
	})
}

// PersistRoster overwrites one course roster with its final state.
func (p *ResultPersister) PersistRoster(ctx context.Context, run *models.AllocationRun, courseID string) error {
	for _, row := range run.Courses {
		if row.CourseID == courseID {
			return p.courses.ReplaceRoster(ctx, courseID, rosterOf(row))
		}
	}
	return appErrors.Clone(appErrors.ErrNotFound, "course "+courseID+" is not part of run "+run.ID)
}

// PersistStudent records the assignment on the student profile. It reports, without
// removing them, other courses of this package the student still holds from an earlier run.
func (p *ResultPersister) PersistStudent(ctx context.Context, run *models.AllocationRun, allocated models.AllocatedStudent) (*models.StaleEnrollment, error) {
	student, err := p.students.FindByID(ctx, allocated.StudentID)
	if err != nil {
		return nil, err
	}

	packageCourses := make(map[string]struct{}, len(run.Courses))
	for _, row := range run.Courses {
		packageCourses[row.CourseID] = struct{}{}
	}

	enrolled := make([]string, 0, len(student.EnrolledCourses)+1)
	var previous []string
	present := false
	for _, courseID := range student.EnrolledCourses {
		enrolled = append(enrolled, courseID)
		if courseID == allocated.CourseID {
			present = true
			continue
		}
		if _, ok := packageCourses[courseID]; ok {
			previous = append(previous, courseID)
		}
	}
	if !present {
		enrolled = append(enrolled, allocated.CourseID)
	}

	var stale *models.StaleEnrollment
	if len(previous) > 0 {
		stale = &models.StaleEnrollment{StudentID: allocated.StudentID, AssignedCourse: allocated.CourseID, PreviousCourses: previous}
	}

	if err := p.students.UpdateAllocation(ctx, allocated.StudentID, run.PackageID, models.AllocationStatusAllocated, enrolled); err != nil {
		return stale, err
	}
	return stale, nil
}

// PersistHistory adds a pending transcript entry for the assigned course unless the matching
// year and semester bucket already lists it.
func (p *ResultPersister) PersistHistory(ctx context.Context, run *models.AllocationRun, allocated models.AllocatedStudent, catalog Catalog) error {
	course := catalog.course(allocated.CourseID)
	period := AcademicPeriodAt(run.StartedAt)
	if run.AcademicYear != "" {
		period.Year = run.AcademicYear
	}
	key := models.HistoryBucket{AcademicYear: period.Year, Semester: period.Semester}
	entry := models.HistoryEntry{
		CourseID: allocated.CourseID,
		Name:     allocated.CourseName,
		Status:   models.HistoryStatusPending,
	}
	if course != nil {
		if course.Semester.Set && course.Semester.Value > 0 {
			key.Semester = course.Semester.Value
		}
		if course.Year.Set {
			key.StudyYear = course.Year.Value
		}
		if entry.Name == "" {
			entry.Name = course.Name
		}
		entry.Credits = course.Credits.Value
		entry.Instructor = course.Instructor
		entry.Mandatory = course.Mandatory
	}
	if key.StudyYear == 0 && catalog.Package != nil && catalog.Package.Year.Set {
		key.StudyYear = catalog.Package.Year.Value
	}

	_, err := p.histories.AppendEntry(ctx, allocated.StudentID, key, entry)
	return err
}

// PersistUnallocated marks a student as not placed in the package. Enrollments and
// transcripts are left alone.
func (p *ResultPersister) PersistUnallocated(ctx context.Context, run *models.AllocationRun, studentID string) error {
	return p.students.UpdateAllocation(ctx, studentID, run.PackageID, models.AllocationStatusUnallocated, nil)
}

func (p *ResultPersister) recordFailure(run *models.AllocationRun, failure models.PersistenceFailure, collection string, err error) {
	wrapped := appErrors.PersistenceWrite(err, collection, failure.RecordID)
	failure.Error = wrapped.Error()
	run.Failures = append(run.Failures, failure)

	fields := []zap.Field{
		zap.String("kind", string(failure.Kind)),
		zap.String("record_id", failure.RecordID),
		zap.Error(err),
	}
	if errors.Is(err, docstore.ErrNotFound) {
		fields = append(fields, zap.Bool("missing_document", true))
	}
	p.logger.Error("allocation write failed", fields...)
}

func rosterOf(row models.CourseSeats) []models.EnrolledStudent {
	if row.Enrolled == nil {
		return []models.EnrolledStudent{}
	}
	return append([]models.EnrolledStudent{}, row.Enrolled...)
}
