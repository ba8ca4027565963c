package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexIntDecodesLegacyShapes(t *testing.T) {
	var course PackageCourse
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","capacity":"25"}`), &course))
	assert.Equal(t, NewFlexInt(25), course.Capacity)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","capacity":40}`), &course))
	assert.Equal(t, 40, course.Capacity.Value)

	course = PackageCourse{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","capacity":null}`), &course))
	assert.False(t, course.Capacity.Set)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","capacity":""}`), &course))
	assert.False(t, course.Capacity.Set)

	assert.Error(t, json.Unmarshal([]byte(`{"capacity":"many"}`), &course))
}

func TestFlexFloatDecodesTextGrades(t *testing.T) {
	var entry HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(`{"courseId":"A","grade":"9.50"}`), &entry))
	assert.Equal(t, FlexFloat(9.5), entry.Grade)

	require.NoError(t, json.Unmarshal([]byte(`{"courseId":"A","grade":7}`), &entry))
	assert.Equal(t, FlexFloat(7), entry.Grade)

	require.NoError(t, json.Unmarshal([]byte(`{"courseId":"A","grade":""}`), &entry))
	assert.Zero(t, entry.Grade)

	raw, err := json.Marshal(HistoryEntry{CourseID: "A", Grade: 8.25})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"grade":8.25`)

	assert.Error(t, json.Unmarshal([]byte(`{"grade":"absent"}`), &entry))
}

func TestRunSummaryCollectsUnresolvedFailures(t *testing.T) {
	run := AllocationRun{
		ID:          "run-1",
		PackageID:   "pkg-1",
		Allocated:   []AllocatedStudent{{StudentID: "s1"}, {StudentID: "s2"}},
		Unallocated: []UnallocatedStudent{{StudentID: "s3"}},
		Courses:     []CourseSeats{{CourseID: "A"}, {CourseID: "B"}},
		Failures: []PersistenceFailure{
			{Kind: FailureStudent, RecordID: "s1", StudentID: "s1"},
			{Kind: FailureHistory, RecordID: "s1", StudentID: "s1"},
			{Kind: FailureCourse, RecordID: "B", CourseID: "B"},
			{Kind: FailureStudent, RecordID: "s2", StudentID: "s2", Resolved: true},
			{Kind: FailurePackage, RecordID: "pkg-1", Superseded: true},
		},
	}

	summary := run.Summary()
	assert.Equal(t, 2, summary.AllocatedCount)
	assert.Equal(t, 1, summary.UnallocatedCount)
	assert.Equal(t, 2, summary.TotalCourses)
	assert.Len(t, summary.Failures, 3)
	assert.Equal(t, []string{"s1"}, summary.FailedStudentIDs)
	assert.Len(t, run.UnresolvedFailures(), 3)
}

func TestCourseSeatsHasSeat(t *testing.T) {
	assert.True(t, (&CourseSeats{RemainingCapacity: 1}).HasSeat())
	assert.False(t, (&CourseSeats{RemainingCapacity: 0}).HasSeat())
	assert.True(t, (&CourseSeats{Unlimited: true}).HasSeat())
}
