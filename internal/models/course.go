package models

// Course is a subject owned independently of packages.
type Course struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Faculty          string            `json:"faculty"`
	Specialization   string            `json:"specialization"`
	Year             FlexInt           `json:"year"`
	Semester         FlexInt           `json:"semester"`
	Credits          FlexInt           `json:"credits"`
	Mandatory        bool              `json:"mandatory"`
	Capacity         FlexInt           `json:"capacity"`
	Instructor       string            `json:"instructor"`
	EnrolledStudents []EnrolledStudent `json:"enrolledStudents"`
}

// EnrolledStudent is a roster entry on a course.
type EnrolledStudent struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	RegistrationNumber string `json:"registrationNumber"`
}
