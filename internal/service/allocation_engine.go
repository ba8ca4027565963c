package service

import (
	"sort"

	"github.com/noah-isme/elective-api/internal/models"
)

// AllocationResult is the engine output handed to the persister.
type AllocationResult struct {
	Allocated   []models.AllocatedStudent
	Unallocated []models.UnallocatedStudent
	Table       *CapacityTable
}

// Allocate matches students to courses greedily in merit order. Higher media goes first,
// equal media falls back to ascending student id. Each student takes the first preferred
// course that still has a seat, or ends up unallocated with their preferences kept.
// The table is mutated in place.
func Allocate(students []models.StudentPreference, table *CapacityTable) AllocationResult {
	ordered := make([]models.StudentPreference, len(students))
	copy(ordered, students)
	sort.SliceStable(ordered, func(i, j int) bool {
		if cmp := ordered[i].Media.Cmp(ordered[j].Media); cmp != 0 {
			return cmp > 0
		}
		return ordered[i].StudentID < ordered[j].StudentID
	})

	result := AllocationResult{
		Allocated:   make([]models.AllocatedStudent, 0, len(ordered)),
		Unallocated: make([]models.UnallocatedStudent, 0),
		Table:       table,
	}

	for _, student := range ordered {
		if assigned, ok := placeStudent(student, table); ok {
			result.Allocated = append(result.Allocated, assigned)
			continue
		}
		result.Unallocated = append(result.Unallocated, models.UnallocatedStudent{
			StudentID:          student.StudentID,
			Name:               student.Name,
			RegistrationNumber: student.RegistrationNumber,
			Media:              student.Media,
			Preferences:        append([]string(nil), student.CourseIDs...),
		})
	}
	return result
}

func placeStudent(student models.StudentPreference, table *CapacityTable) (models.AllocatedStudent, bool) {
	for idx, courseID := range student.CourseIDs {
		row, ok := table.Lookup(courseID)
		if !ok || !row.HasSeat() {
			continue
		}
		if !row.Unlimited {
			row.RemainingCapacity--
		}
		row.Enrolled = append(row.Enrolled, models.EnrolledStudent{
			ID:                 student.StudentID,
			Name:               student.Name,
			RegistrationNumber: student.RegistrationNumber,
		})
		return models.AllocatedStudent{
			StudentID:          student.StudentID,
			Name:               student.Name,
			RegistrationNumber: student.RegistrationNumber,
			Media:              student.Media,
			CourseID:           courseID,
			CourseName:         row.Name,
			Rank:               submittedRank(student, idx),
		}, true
	}
	return models.AllocatedStudent{}, false
}

func submittedRank(student models.StudentPreference, idx int) int {
	if idx < len(student.Ranks) {
		return student.Ranks[idx]
	}
	return idx + 1
}
