package models

// HistoryStatusPending marks a transcript entry that has not been graded yet.
const HistoryStatusPending = "neevaluat"

// AcademicHistory is the per-student transcript, keyed by student id.
type AcademicHistory struct {
	ID        string          `json:"id"`
	StudentID string          `json:"studentId"`
	Years     []HistoryBucket `json:"years"`
}

// HistoryBucket groups course entries for one academic year, study year and semester.
type HistoryBucket struct {
	AcademicYear string         `json:"academicYear"`
	StudyYear    int            `json:"studyYear"`
	Semester     int            `json:"semester"`
	Courses      []HistoryEntry `json:"courses"`
}

// HistoryEntry is one course line in a transcript. Grade 0 means not evaluated.
type HistoryEntry struct {
	CourseID   string    `json:"courseId"`
	Name       string    `json:"name"`
	Credits    int       `json:"credits"`
	Grade      FlexFloat `json:"grade"`
	Status     string    `json:"status"`
	Instructor string    `json:"instructor"`
	Mandatory  bool      `json:"mandatory"`
}

// HasCourse reports whether the bucket already lists the course.
func (b HistoryBucket) HasCourse(courseID string) bool {
	for _, entry := range b.Courses {
		if entry.CourseID == courseID {
			return true
		}
	}
	return false
}
