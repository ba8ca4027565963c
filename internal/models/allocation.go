package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FailureKind names the record type whose write failed during result persistence.
type FailureKind string

// Persistence failure kinds, one per persister step.
const (
	FailurePackage     FailureKind = "package"
	FailureCourse      FailureKind = "course"
	FailureStudent     FailureKind = "student"
	FailureHistory     FailureKind = "history"
	FailureUnallocated FailureKind = "unallocated"
)

// CourseSeats is one row of the capacity table. Unlimited rows belong to mandatory courses.
type CourseSeats struct {
	CourseID          string            `json:"courseId"`
	Name              string            `json:"name"`
	TotalCapacity     int               `json:"totalCapacity"`
	RemainingCapacity int               `json:"remainingCapacity"`
	Unlimited         bool              `json:"unlimited"`
	Enrolled          []EnrolledStudent `json:"enrolled"`
}

// HasSeat reports whether another student fits.
func (c *CourseSeats) HasSeat() bool {
	return c.Unlimited || c.RemainingCapacity > 0
}

// AllocatedStudent records a successful match and the preference rank it was made at (1-indexed).
type AllocatedStudent struct {
	StudentID          string          `json:"studentId"`
	Name               string          `json:"name"`
	RegistrationNumber string          `json:"registrationNumber"`
	Media              decimal.Decimal `json:"media"`
	CourseID           string          `json:"courseId"`
	CourseName         string          `json:"courseName"`
	Rank               int             `json:"rank"`
}

// UnallocatedStudent keeps the submitted preferences for diagnostics.
type UnallocatedStudent struct {
	StudentID          string          `json:"studentId"`
	Name               string          `json:"name"`
	RegistrationNumber string          `json:"registrationNumber"`
	Media              decimal.Decimal `json:"media"`
	Preferences        []string        `json:"preferences"`
}

// PersistenceFailure is a per-record write failure kept for reconciliation.
type PersistenceFailure struct {
	Kind       FailureKind `json:"kind"`
	RecordID   string      `json:"recordId"`
	StudentID  string      `json:"studentId,omitempty"`
	CourseID   string      `json:"courseId,omitempty"`
	Error      string      `json:"error"`
	Resolved   bool        `json:"resolved"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	// Superseded failures belong to a run that is no longer the package's latest.
	// They are closed without being replayed.
	Superseded bool        `json:"superseded,omitempty"`
}

// Key identifies the failure inside a run.
func (f PersistenceFailure) Key() string {
	return string(f.Kind) + ":" + f.RecordID
}

// Open reports whether the failure still awaits reconciliation.
func (f PersistenceFailure) Open() bool {
	return !f.Resolved && !f.Superseded
}

// StaleEnrollment flags a student who still holds courses of this package from a previous run
// that differ from the newly assigned one. Nothing is removed automatically.
type StaleEnrollment struct {
	StudentID       string   `json:"studentId"`
	AssignedCourse  string   `json:"assignedCourse"`
	PreviousCourses []string `json:"previousCourses"`
}

// AllocationRun is the stored report of one allocation run.
type AllocationRun struct {
	ID               string               `json:"id"`
	PackageID        string               `json:"packageId"`
	PackageName      string               `json:"packageName"`
	TriggeredBy      string               `json:"triggeredBy"`
	AcademicYear     string               `json:"academicYear"`
	StartedAt        time.Time            `json:"startedAt"`
	FinishedAt       time.Time            `json:"finishedAt"`
	Allocated        []AllocatedStudent   `json:"allocated"`
	Unallocated      []UnallocatedStudent `json:"unallocated"`
	Courses          []CourseSeats        `json:"courses"`
	Failures         []PersistenceFailure `json:"failures"`
	StaleEnrollments []StaleEnrollment    `json:"staleEnrollments"`
}

// RunSummary is what the triggering caller receives.
type RunSummary struct {
	RunID            string               `json:"runId"`
	PackageID        string               `json:"packageId"`
	AllocatedCount   int                  `json:"allocatedCount"`
	UnallocatedCount int                  `json:"unallocatedCount"`
	TotalCourses     int                  `json:"totalCourses"`
	Courses          []CourseSeats        `json:"courses"`
	Failures         []PersistenceFailure `json:"failures,omitempty"`
	FailedStudentIDs []string             `json:"failedStudentIds,omitempty"`
	StaleEnrollments []StaleEnrollment    `json:"staleEnrollments,omitempty"`
	StartedAt        time.Time            `json:"startedAt"`
	FinishedAt       time.Time            `json:"finishedAt"`
}

// Summary condenses a run into the caller-facing summary.
func (r *AllocationRun) Summary() RunSummary {
	summary := RunSummary{
		RunID:            r.ID,
		PackageID:        r.PackageID,
		AllocatedCount:   len(r.Allocated),
		UnallocatedCount: len(r.Unallocated),
		TotalCourses:     len(r.Courses),
		Courses:          r.Courses,
		StaleEnrollments: r.StaleEnrollments,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
	seen := make(map[string]struct{})
	for _, failure := range r.Failures {
		if !failure.Open() {
			continue
		}
		summary.Failures = append(summary.Failures, failure)
		if failure.StudentID == "" {
			continue
		}
		if _, ok := seen[failure.StudentID]; ok {
			continue
		}
		seen[failure.StudentID] = struct{}{}
		summary.FailedStudentIDs = append(summary.FailedStudentIDs, failure.StudentID)
	}
	return summary
}

// UnresolvedFailures returns failures still awaiting reconciliation.
func (r *AllocationRun) UnresolvedFailures() []PersistenceFailure {
	var out []PersistenceFailure
	for _, failure := range r.Failures {
		if failure.Open() {
			out = append(out, failure)
		}
	}
	return out
}
