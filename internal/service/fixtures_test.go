package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/repository"
	"github.com/noah-isme/elective-api/pkg/docstore"
)

var fixedNow = time.Date(2025, time.October, 6, 10, 0, 0, 0, time.UTC)

var errWriteRefused = errors.New("write refused")

// faultyStore counts writes and refuses the ones registered with failOn.
type faultyStore struct {
	docstore.Store

	mu     sync.Mutex
	failOn map[string]int
	writes int
}

func newFaultyStore(inner docstore.Store) *faultyStore {
	return &faultyStore{Store: inner, failOn: map[string]int{}}
}

// failN refuses the next n writes to the document; n < 0 refuses forever.
func (f *faultyStore) failN(collection, id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[collection+"/"+id] = n
}

func (f *faultyStore) refuse(collection, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + id
	remaining, ok := f.failOn[key]
	if !ok || remaining == 0 {
		return false
	}
	if remaining > 0 {
		f.failOn[key] = remaining - 1
	}
	return true
}

func (f *faultyStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *faultyStore) Set(ctx context.Context, collection, id string, doc docstore.Document) error {
	if f.refuse(collection, id) {
		return errWriteRefused
	}
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return f.Store.Set(ctx, collection, id, doc)
}

func (f *faultyStore) Update(ctx context.Context, collection, id string, fields docstore.Document) error {
	if f.refuse(collection, id) {
		return errWriteRefused
	}
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return f.Store.Update(ctx, collection, id, fields)
}

type allocationFixture struct {
	seed      *docstore.Memory
	store     *faultyStore
	lock      *repository.MemoryRunLock
	packages  *repository.PackageRepository
	courses   *repository.CourseRepository
	students  *repository.StudentRepository
	histories *repository.AcademicHistoryRepository
	runs      *repository.AllocationRunRepository
	persister *ResultPersister
	svc       *AllocationService
}

func newAllocationFixture(t *testing.T) *allocationFixture {
	t.Helper()
	seed := docstore.NewMemory()
	store := newFaultyStore(seed)

	f := &allocationFixture{
		seed:      seed,
		store:     store,
		lock:      repository.NewMemoryRunLock(),
		packages:  repository.NewPackageRepository(store),
		courses:   repository.NewCourseRepository(store),
		students:  repository.NewStudentRepository(store, nil),
		histories: repository.NewAcademicHistoryRepository(store),
		runs:      repository.NewAllocationRunRepository(store),
	}
	f.persister = NewResultPersister(f.packages, f.courses, f.students, f.histories, nil)
	f.svc = NewAllocationService(
		f.packages,
		NewCapacityTracker(f.courses, 0, nil),
		NewPreferenceCollector(f.students, nil),
		f.persister,
		f.runs,
		f.lock,
		nil,
		nil,
		nil,
		nil,
		AllocationServiceConfig{},
	)
	tick := 0
	f.svc.now = func() time.Time {
		now := fixedNow.Add(time.Duration(tick) * time.Minute)
		tick++
		return now
	}
	seq := 0
	f.svc.newID = func() string {
		seq++
		return fmt.Sprintf("run-%d", seq)
	}
	return f
}

type courseSeed struct {
	id        string
	name      string
	capacity  interface{}
	mandatory bool
	year      int
	semester  int
	credits   int
}

func (f *allocationFixture) seedPackage(t *testing.T, id string, year int, courses ...courseSeed) {
	t.Helper()
	ctx := context.Background()
	refs := make([]interface{}, 0, len(courses))
	for _, c := range courses {
		ref := map[string]interface{}{"id": c.id, "name": c.name}
		if c.capacity != nil {
			ref["capacity"] = c.capacity
		}
		refs = append(refs, ref)

		doc := docstore.Document{
			"name":             c.name,
			"mandatory":        c.mandatory,
			"credits":          c.credits,
			"instructor":       "Prof. " + c.name,
			"enrolledStudents": []interface{}{},
		}
		if c.year > 0 {
			doc["year"] = c.year
		}
		if c.semester > 0 {
			doc["semester"] = c.semester
		}
		require.NoError(t, f.seed.Set(ctx, repository.CollectionCourses, c.id, doc))
	}
	require.NoError(t, f.seed.Set(ctx, repository.CollectionPackages, id, docstore.Document{
		"name":    "Package " + id,
		"faculty": "FMI",
		"year":    year,
		"courses": refs,
	}))
}

func (f *allocationFixture) seedStudent(t *testing.T, id string, media float64, packageID string, prefs ...string) {
	t.Helper()
	list := make([]interface{}, 0, len(prefs))
	for _, p := range prefs {
		list = append(list, p)
	}
	require.NoError(t, f.seed.Set(context.Background(), repository.CollectionStudents, id, docstore.Document{
		"name":               "Student " + id,
		"registrationNumber": "REG-" + id,
		"media":              media,
		"packagePreferences": map[string]interface{}{packageID: list},
	}))
}

func (f *allocationFixture) student(t *testing.T, id string) *models.StudentRecord {
	t.Helper()
	student, err := f.students.FindByID(context.Background(), id)
	require.NoError(t, err)
	return student
}

func (f *allocationFixture) course(t *testing.T, id string) *models.Course {
	t.Helper()
	course, err := f.courses.FindByID(context.Background(), id)
	require.NoError(t, err)
	return course
}

func (f *allocationFixture) history(t *testing.T, studentID string) *models.AcademicHistory {
	t.Helper()
	var history models.AcademicHistory
	doc, err := f.seed.Get(context.Background(), repository.CollectionAcademicHistory, studentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return &history
	}
	require.NoError(t, err)
	require.NoError(t, docstore.Decode(doc, &history))
	return &history
}

func rosterIDs(roster []models.EnrolledStudent) []string {
	ids := make([]string, 0, len(roster))
	for _, s := range roster {
		ids = append(ids, s.ID)
	}
	return ids
}
