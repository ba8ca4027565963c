package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

// AcademicHistoryRepository stores one transcript document per student, keyed by student id.
type AcademicHistoryRepository struct {
	store docstore.Store
}

// NewAcademicHistoryRepository constructs the repository.
func NewAcademicHistoryRepository(store docstore.Store) *AcademicHistoryRepository {
	return &AcademicHistoryRepository{store: store}
}

// AppendEntry adds entry to the bucket matching the academic year, study year and semester
// of key, creating the bucket when needed. It writes only the years field, so transcript
// fields and entry fields the model does not know about are kept. It reports false when
// the bucket already lists the course.
func (r *AcademicHistoryRepository) AppendEntry(ctx context.Context, studentID string, key models.HistoryBucket, entry models.HistoryEntry) (bool, error) {
	doc, err := r.store.Get(ctx, CollectionAcademicHistory, studentID)
	missing := errors.Is(err, docstore.ErrNotFound)
	if err != nil && !missing {
		return false, err
	}
	raw, err := docstore.Encode(entry)
	if err != nil {
		return false, err
	}

	years, _ := doc["years"].([]interface{})
	var bucket map[string]interface{}
	for _, item := range years {
		if candidate, ok := item.(map[string]interface{}); ok && sameBucket(candidate, key) {
			bucket = candidate
			break
		}
	}
	if bucket == nil {
		bucket = map[string]interface{}{
			"academicYear": key.AcademicYear,
			"studyYear":    key.StudyYear,
			"semester":     key.Semester,
			"courses":      []interface{}{},
		}
		years = append(years, bucket)
	}

	courses, _ := bucket["courses"].([]interface{})
	for _, item := range courses {
		if existing, ok := item.(map[string]interface{}); ok && fmt.Sprint(existing["courseId"]) == entry.CourseID {
			return false, nil
		}
	}
	bucket["courses"] = append(courses, map[string]interface{}(raw))

	if missing {
		return true, r.store.Set(ctx, CollectionAcademicHistory, studentID, docstore.Document{"studentId": studentID, "years": years})
	}
	return true, r.store.Update(ctx, CollectionAcademicHistory, studentID, docstore.Document{"years": years})
}

func sameBucket(raw map[string]interface{}, key models.HistoryBucket) bool {
	if fmt.Sprint(raw["academicYear"]) != key.AcademicYear {
		return false
	}
	return flexIntValue(raw["studyYear"]) == key.StudyYear && flexIntValue(raw["semester"]) == key.Semester
}

// flexIntValue reads a stored number or numeric string; unreadable values count as 0.
func flexIntValue(v interface{}) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	var n models.FlexInt
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n.Value
}
