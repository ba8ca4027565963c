package service

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/models"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
)

// Preference layouts, in the order they are tried.
const (
	LayoutByPackageMap         = "byPackageMap"
	LayoutByFlatList           = "byFlatList"
	LayoutByPrefPackageAndList = "byPrefPackageAndList"
)

type studentLister interface {
	ListAll(ctx context.Context) ([]models.StudentRecord, error)
}

// preferenceLayout extracts a student's ranked course ids for a package from one
// historical document shape, with the 1-based rank each id was submitted at.
// An empty result means the layout does not apply.
type preferenceLayout struct {
	name    string
	extract func(student models.StudentRecord, packageID string) ([]string, []int)
}

var preferenceLayouts = []preferenceLayout{
	{name: LayoutByPackageMap, extract: fromPackageMap},
	{name: LayoutByFlatList, extract: fromFlatList},
	{name: LayoutByPrefPackageAndList, extract: fromPreferredPackage},
}

// PreferenceCollector gathers the students who ranked courses of a package.
type PreferenceCollector struct {
	students studentLister
	logger   *zap.Logger
}

// NewPreferenceCollector constructs the collector.
func NewPreferenceCollector(students studentLister, logger *zap.Logger) *PreferenceCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceCollector{students: students, logger: logger}
}

// Collect returns every student with a non-empty preference list for the package.
// Output order is the store's scan order; the engine re-sorts by merit.
func (c *PreferenceCollector) Collect(ctx context.Context, packageID string) ([]models.StudentPreference, error) {
	records, err := c.students.ListAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}

	var out []models.StudentPreference
	layoutCounts := make(map[string]int, len(preferenceLayouts))
	for _, record := range records {
		courseIDs, ranks, layout := ExtractPreferences(record, packageID)
		if len(courseIDs) == 0 {
			continue
		}
		layoutCounts[layout]++
		out = append(out, models.StudentPreference{
			StudentID:          record.ID,
			Name:               record.Name,
			RegistrationNumber: record.RegistrationNumber,
			Media:              record.Media,
			CourseIDs:          courseIDs,
			Ranks:              ranks,
			Layout:             layout,
		})
	}

	c.logger.Debug("preferences collected",
		zap.String("package_id", packageID),
		zap.Int("students_scanned", len(records)),
		zap.Int("students_with_preferences", len(out)),
		zap.Any("layouts", layoutCounts),
	)

	if len(out) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoPreferences, "")
	}
	return out, nil
}

// ExtractPreferences returns the first non-empty preference list found for the package, the
// submitted rank of each id and the name of the layout it came from.
func ExtractPreferences(student models.StudentRecord, packageID string) ([]string, []int, string) {
	for _, layout := range preferenceLayouts {
		if ids, ranks := normalizeCourseIDs(layout.extract(student, packageID)); len(ids) > 0 {
			return ids, ranks, layout.name
		}
	}
	return nil, nil, ""
}

func fromPackageMap(student models.StudentRecord, packageID string) ([]string, []int) {
	if student.PackagePreferences == nil {
		return nil, nil
	}
	ids := student.PackagePreferences[packageID]
	return ids, positions(len(ids))
}

// fromFlatList records the stored rank. Unranked entries are numbered after the highest one.
func fromFlatList(student models.StudentRecord, packageID string) ([]string, []int) {
	var entries []models.PreferenceEntry
	maxRank := 0
	for _, entry := range student.PreferenceEntries {
		if entry.PackageID != packageID {
			continue
		}
		entries = append(entries, entry)
		if entry.Rank.Set && entry.Rank.Value > maxRank {
			maxRank = entry.Rank.Value
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return rankOf(entries[i]) < rankOf(entries[j])
	})
	ids := make([]string, 0, len(entries))
	ranks := make([]int, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.CourseID)
		if entry.Rank.Set {
			ranks = append(ranks, entry.Rank.Value)
			continue
		}
		maxRank++
		ranks = append(ranks, maxRank)
	}
	return ids, ranks
}

// Entries without a rank sort after ranked ones, keeping their stored order.
func rankOf(entry models.PreferenceEntry) int {
	if !entry.Rank.Set {
		return int(^uint(0) >> 1)
	}
	return entry.Rank.Value
}

func fromPreferredPackage(student models.StudentRecord, packageID string) ([]string, []int) {
	if student.PreferredPackage != packageID {
		return nil, nil
	}
	return student.Preferences, positions(len(student.Preferences))
}

func positions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// normalizeCourseIDs trims ids, drops blanks and keeps the first occurrence of duplicates.
// Each kept id carries its submitted rank along.
func normalizeCourseIDs(ids []string, ranks []int) ([]string, []int) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ids))
	outIDs := make([]string, 0, len(ids))
	outRanks := make([]int, 0, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		outIDs = append(outIDs, id)
		rank := i + 1
		if i < len(ranks) {
			rank = ranks[i]
		}
		outRanks = append(outRanks, rank)
	}
	return outIDs, outRanks
}
