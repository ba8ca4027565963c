package models

import "time"

// Package is an administrator-defined bundle of optional courses offered to one cohort.
type Package struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Faculty          string          `json:"faculty"`
	Specialization   string          `json:"specialization"`
	Year             FlexInt         `json:"year"`
	Courses          []PackageCourse `json:"courses"`
	EnrollmentStart  *time.Time      `json:"enrollmentStart,omitempty"`
	EnrollmentEnd    *time.Time      `json:"enrollmentEnd,omitempty"`
	Processed        bool            `json:"processed"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
	AllocatedCount   int             `json:"allocatedCount"`
	UnallocatedCount int             `json:"unallocatedCount"`
	TotalCourses     int             `json:"totalCourses"`
	LastRunID        string          `json:"lastRunId,omitempty"`
}

// PackageCourse is the lightweight course reference embedded in a package.
type PackageCourse struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Capacity          FlexInt           `json:"capacity"`
	RemainingCapacity *int              `json:"remainingCapacity,omitempty"`
	EnrolledStudents  []EnrolledStudent `json:"enrolledStudents,omitempty"`
}
