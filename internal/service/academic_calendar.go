package service

import (
	"fmt"
	"time"
)

// AcademicPeriod is the academic year label and semester a date falls into.
type AcademicPeriod struct {
	Year     string
	Semester int
}

// AcademicPeriodAt derives the period from the calendar month: the academic year starts in
// September, so earlier months belong to the second semester of the previous year pair.
func AcademicPeriodAt(t time.Time) AcademicPeriod {
	year := t.Year()
	if t.Month() < time.September {
		return AcademicPeriod{Year: fmt.Sprintf("%d-%d", year-1, year), Semester: 2}
	}
	return AcademicPeriod{Year: fmt.Sprintf("%d-%d", year, year+1), Semester: 1}
}
