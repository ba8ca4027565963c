package models

import "github.com/shopspring/decimal"

// AllocationStatus is the post-run state recorded on a student.
type AllocationStatus string

// Allocation statuses as stored in student documents.
const (
	AllocationStatusAllocated   AllocationStatus = "alocat"
	AllocationStatusUnallocated AllocationStatus = "nealocat"
)

// StudentRecord is a student document. Preferences may be present in any of the
// historical layouts: PackagePreferences, PreferenceEntries, or PreferredPackage + Preferences.
type StudentRecord struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	RegistrationNumber string              `json:"registrationNumber"`
	Media              decimal.Decimal     `json:"media"`
	PackagePreferences map[string][]string `json:"packagePreferences,omitempty"`
	PreferenceEntries  []PreferenceEntry   `json:"preferenceEntries,omitempty"`
	PreferredPackage   string              `json:"preferredPackage,omitempty"`
	Preferences        []string            `json:"preferences,omitempty"`
	AllocatedPackage   string              `json:"allocatedPackage,omitempty"`
	AllocationStatus   AllocationStatus    `json:"allocationStatus,omitempty"`
	EnrolledCourses    []string            `json:"enrolledCourses,omitempty"`
}

// PreferenceEntry is one ranked choice in the flat-list layout.
type PreferenceEntry struct {
	PackageID string  `json:"packageId"`
	CourseID  string  `json:"courseId"`
	Rank      FlexInt `json:"rank"`
}

// StudentPreference is a student eligible for allocation in one package.
type StudentPreference struct {
	StudentID          string          `json:"studentId"`
	Name               string          `json:"name"`
	RegistrationNumber string          `json:"registrationNumber"`
	Media              decimal.Decimal `json:"media"`
	CourseIDs          []string        `json:"preferences"`
	// Ranks[i] is the 1-based position CourseIDs[i] held in the submitted list.
	Ranks              []int           `json:"ranks,omitempty"`
	Layout             string          `json:"layout"`
}
