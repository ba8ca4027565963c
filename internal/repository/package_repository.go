package repository

import (
	"context"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

// PackageRepository reads and updates package documents.
type PackageRepository struct {
	store docstore.Store
}

// NewPackageRepository constructs the repository.
func NewPackageRepository(store docstore.Store) *PackageRepository {
	return &PackageRepository{store: store}
}

// FindByID returns a package; docstore.ErrNotFound when missing.
func (r *PackageRepository) FindByID(ctx context.Context, id string) (*models.Package, error) {
	doc, err := r.store.Get(ctx, CollectionPackages, id)
	if err != nil {
		return nil, err
	}
	var pkg models.Package
	if err := docstore.Decode(doc, &pkg); err != nil {
		return nil, err
	}
	if pkg.ID == "" {
		pkg.ID = id
	}
	return &pkg, nil
}

// ApplyAllocation merges the post-run fields into the package document.
func (r *PackageRepository) ApplyAllocation(ctx context.Context, id string, result models.Package) error {
	fields, err := docstore.Encode(map[string]interface{}{
		"courses":          result.Courses,
		"processed":        true,
		"processedAt":      result.ProcessedAt,
		"allocatedCount":   result.AllocatedCount,
		"unallocatedCount": result.UnallocatedCount,
		"totalCourses":     result.TotalCourses,
		"lastRunId":        result.LastRunID,
	})
	if err != nil {
		return err
	}
	return r.store.Update(ctx, CollectionPackages, id, fields)
}
