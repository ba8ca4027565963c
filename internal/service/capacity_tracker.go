package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
)

// DefaultCourseCapacity applies when a package lists a course without a capacity.
const DefaultCourseCapacity = 30

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// CapacityTable is the run-local working table of seats, in package order.
// It is owned by a single run and never shared.
type CapacityTable struct {
	order   []string
	seats   map[string]*models.CourseSeats
	details map[string]*models.Course
}

func newCapacityTable() *CapacityTable {
	return &CapacityTable{seats: make(map[string]*models.CourseSeats), details: make(map[string]*models.Course)}
}

// Lookup returns the mutable seat row for a course.
func (t *CapacityTable) Lookup(courseID string) (*models.CourseSeats, bool) {
	row, ok := t.seats[courseID]
	return row, ok
}

// Course returns the course document loaded for the row, when one exists.
func (t *CapacityTable) Course(courseID string) *models.Course {
	return t.details[courseID]
}

// Courses returns the loaded course documents keyed by id.
func (t *CapacityTable) Courses() map[string]*models.Course {
	return t.details
}

// Len returns the number of courses in the table.
func (t *CapacityTable) Len() int {
	return len(t.order)
}

// Rows returns a copy of the table in package order.
func (t *CapacityTable) Rows() []models.CourseSeats {
	rows := make([]models.CourseSeats, 0, len(t.order))
	for _, id := range t.order {
		row := *t.seats[id]
		row.Enrolled = append([]models.EnrolledStudent{}, row.Enrolled...)
		rows = append(rows, row)
	}
	return rows
}

func (t *CapacityTable) add(row models.CourseSeats, course *models.Course) bool {
	if _, dup := t.seats[row.CourseID]; dup {
		return false
	}
	t.order = append(t.order, row.CourseID)
	t.seats[row.CourseID] = &row
	if course != nil {
		t.details[row.CourseID] = course
	}
	return true
}

// CapacityTracker turns a package's course membership into a capacity table.
type CapacityTracker struct {
	courses         courseReader
	defaultCapacity int
	logger          *zap.Logger
}

// NewCapacityTracker constructs the tracker. A non-positive default falls back to 30 seats.
func NewCapacityTracker(courses courseReader, defaultCapacity int, logger *zap.Logger) *CapacityTracker {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultCourseCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapacityTracker{courses: courses, defaultCapacity: defaultCapacity, logger: logger}
}

// Build creates the table with remaining capacity equal to total capacity and empty rosters.
// Mandatory courses are uncapped.
func (t *CapacityTracker) Build(ctx context.Context, pkg *models.Package) (*CapacityTable, error) {
	table := newCapacityTable()
	for _, ref := range pkg.Courses {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			continue
		}

		course, err := t.loadCourse(ctx, pkg.ID, id)
		if err != nil {
			return nil, err
		}

		row := models.CourseSeats{CourseID: id, Name: ref.Name, Enrolled: []models.EnrolledStudent{}}
		if row.Name == "" && course != nil {
			row.Name = course.Name
		}
		switch {
		case course != nil && course.Mandatory:
			row.Unlimited = true
		case ref.Capacity.Set && ref.Capacity.Value > 0:
			row.TotalCapacity = ref.Capacity.Value
		default:
			row.TotalCapacity = t.defaultCapacity
		}
		row.RemainingCapacity = row.TotalCapacity

		if !table.add(row, course) {
			t.logger.Warn("duplicate course in package ignored", zap.String("package_id", pkg.ID), zap.String("course_id", id))
		}
	}

	if table.Len() == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoCourses, "")
	}
	return table, nil
}

func (t *CapacityTracker) loadCourse(ctx context.Context, packageID, courseID string) (*models.Course, error) {
	if t.courses == nil {
		return nil, nil
	}
	course, err := t.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			t.logger.Warn("package references missing course document", zap.String("package_id", packageID), zap.String("course_id", courseID))
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course "+courseID)
	}
	return course, nil
}
