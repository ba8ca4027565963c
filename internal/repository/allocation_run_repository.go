package repository

import (
	"context"
	"sort"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

// AllocationRunRepository stores allocation run reports.
type AllocationRunRepository struct {
	store docstore.Store
}

// NewAllocationRunRepository constructs the repository.
func NewAllocationRunRepository(store docstore.Store) *AllocationRunRepository {
	return &AllocationRunRepository{store: store}
}

// Save overwrites the run document.
func (r *AllocationRunRepository) Save(ctx context.Context, run *models.AllocationRun) error {
	doc, err := docstore.Encode(run)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, CollectionAllocationRuns, run.ID, doc)
}

// FindByID returns a run; docstore.ErrNotFound when missing.
func (r *AllocationRunRepository) FindByID(ctx context.Context, id string) (*models.AllocationRun, error) {
	doc, err := r.store.Get(ctx, CollectionAllocationRuns, id)
	if err != nil {
		return nil, err
	}
	var run models.AllocationRun
	if err := docstore.Decode(doc, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListByPackage returns runs of a package, newest first.
func (r *AllocationRunRepository) ListByPackage(ctx context.Context, packageID string) ([]models.AllocationRun, error) {
	docs, err := r.store.Query(ctx, CollectionAllocationRuns, docstore.Filter{"packageId": packageID})
	if err != nil {
		return nil, err
	}
	runs := make([]models.AllocationRun, 0, len(docs))
	for _, doc := range docs {
		var run models.AllocationRun
		if err := docstore.Decode(doc, &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}
