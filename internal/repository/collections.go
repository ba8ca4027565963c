package repository

// Document collections.
const (
	CollectionPackages        = "packages"
	CollectionCourses         = "courses"
	CollectionStudents        = "students"
	CollectionAcademicHistory = "academic_history"
	CollectionAllocationRuns  = "allocation_runs"
)
