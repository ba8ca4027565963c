package repository

import (
	"context"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

// CourseRepository reads course documents and overwrites their rosters.
type CourseRepository struct {
	store docstore.Store
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(store docstore.Store) *CourseRepository {
	return &CourseRepository{store: store}
}

// FindByID returns a course; docstore.ErrNotFound when missing.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	doc, err := r.store.Get(ctx, CollectionCourses, id)
	if err != nil {
		return nil, err
	}
	var course models.Course
	if err := docstore.Decode(doc, &course); err != nil {
		return nil, err
	}
	if course.ID == "" {
		course.ID = id
	}
	return &course, nil
}

// ReplaceRoster overwrites the enrolled-student list of a course.
func (r *CourseRepository) ReplaceRoster(ctx context.Context, id string, roster []models.EnrolledStudent) error {
	if roster == nil {
		roster = []models.EnrolledStudent{}
	}
	fields, err := docstore.Encode(map[string]interface{}{"enrolledStudents": roster})
	if err != nil {
		return err
	}
	return r.store.Update(ctx, CollectionCourses, id, fields)
}
