package repository

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

// StudentRepository reads student documents and writes allocation outcomes.
type StudentRepository struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(store docstore.Store, logger *zap.Logger) *StudentRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentRepository{store: store, logger: logger}
}

// ListAll returns every decodable student record. Malformed documents are logged and skipped.
func (r *StudentRepository) ListAll(ctx context.Context) ([]models.StudentRecord, error) {
	docs, err := r.store.GetAll(ctx, CollectionStudents)
	if err != nil {
		return nil, err
	}
	students := make([]models.StudentRecord, 0, len(docs))
	for _, doc := range docs {
		var student models.StudentRecord
		if err := docstore.Decode(doc, &student); err != nil {
			r.logger.Warn("skipping malformed student document", zap.String("student_id", doc.ID()), zap.Error(err))
			continue
		}
		if student.ID == "" {
			student.ID = doc.ID()
		}
		students = append(students, student)
	}
	return students, nil
}

// FindByID returns a student; docstore.ErrNotFound when missing.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.StudentRecord, error) {
	doc, err := r.store.Get(ctx, CollectionStudents, id)
	if err != nil {
		return nil, err
	}
	var student models.StudentRecord
	if err := docstore.Decode(doc, &student); err != nil {
		return nil, err
	}
	if student.ID == "" {
		student.ID = id
	}
	return &student, nil
}

// UpdateAllocation merges the allocation outcome into the student document.
// A nil enrolledCourses leaves the enrollment list untouched.
func (r *StudentRepository) UpdateAllocation(ctx context.Context, id, packageID string, status models.AllocationStatus, enrolledCourses []string) error {
	patch := map[string]interface{}{
		"allocatedPackage": packageID,
		"allocationStatus": status,
	}
	if enrolledCourses != nil {
		patch["enrolledCourses"] = enrolledCourses
	}
	fields, err := docstore.Encode(patch)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, CollectionStudents, id, fields)
}
