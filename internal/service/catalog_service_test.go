package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
)

type memoryCacheRepo struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{data: map[string][]byte{}}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryCacheRepo) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type fakeSettingsStore struct {
	mu       sync.Mutex
	settings models.Settings
	gets     int32
	seeded   *models.Settings
}

func (f *fakeSettingsStore) Get(ctx context.Context) (*models.Settings, error) {
	atomic.AddInt32(&f.gets, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := f.settings
	return &snapshot, nil
}

func (f *fakeSettingsStore) AddSubject(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.settings.Subjects {
		if s == name {
			return repository.ErrDuplicate
		}
	}
	f.settings.Subjects = append(f.settings.Subjects, name)
	return nil
}

func (f *fakeSettingsStore) RemoveSubject(ctx context.Context, name string) error {
	return sql.ErrNoRows
}

func (f *fakeSettingsStore) AddGrade(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.Grades = append(f.settings.Grades, name)
	return nil
}

func (f *fakeSettingsStore) RemoveGrade(ctx context.Context, name string) error { return nil }

func (f *fakeSettingsStore) AddClassroom(ctx context.Context, room *models.Classroom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.settings.Classes {
		if c.Grade == room.Grade && c.Name == room.Name {
			return repository.ErrDuplicate
		}
	}
	room.ID = "room-new"
	f.settings.Classes = append(f.settings.Classes, *room)
	return nil
}

func (f *fakeSettingsStore) RemoveClassroom(ctx context.Context, id string) error {
	if id == "missing" {
		return sql.ErrNoRows
	}
	return nil
}

func (f *fakeSettingsStore) SeedDefaults(ctx context.Context, defaults models.Settings) error {
	f.seeded = &defaults
	return nil
}

type fakeLessonStore struct {
	lessons  []models.Lesson
	replaced []models.Lesson
}

func (f *fakeLessonStore) List(ctx context.Context) ([]models.Lesson, error) { return f.lessons, nil }

func (f *fakeLessonStore) Replace(ctx context.Context, lessons []models.Lesson) error {
	f.replaced = lessons
	f.lessons = lessons
	return nil
}

func newTestCatalogService() (*CatalogService, *fakeSettingsStore, *fakeLessonStore, *fakeRoster) {
	settings := &fakeSettingsStore{settings: models.Settings{
		Subjects: []string{"Toán"},
		Grades:   []string{"Khối 6"},
		Classes:  []models.Classroom{{ID: "c1", Grade: "Khối 6", Name: "6A1"}},
	}}
	lessons := &fakeLessonStore{lessons: []models.Lesson{
		{ID: "L1", Subject: "Toán", Grade: "Khối 6", Week: 1, Period: 1, Name: "Phân số"},
		{ID: "L2", Subject: "Toán", Grade: "Khối 7", Week: 1, Period: 1, Name: "Tỉ lệ"},
	}}
	audit := &fakeRoster{}
	cache := NewCacheService(newMemoryCacheRepo(), NewMetricsService(), time.Minute, zap.NewNop(), true)
	svc := NewCatalogService(settings, lessons, audit, cache, nil, zap.NewNop(), time.Minute)
	return svc, settings, lessons, audit
}

func TestCatalogServiceSnapshotIsCached(t *testing.T) {
	svc, settings, _, _ := newTestCatalogService()

	first, hit, err := svc.Catalog(context.Background())
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"Khối 6", "Khối 7"}, first.Grades)
	assert.Equal(t, 2, first.LessonCount)

	second, hit, err := svc.Catalog(context.Background())
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first.Grades, second.Grades)
	assert.Equal(t, int32(1), atomic.LoadInt32(&settings.gets))

	require.NoError(t, svc.AddGrade(context.Background(), models.TaxonomyRequest{Name: " Khối 8 "}, "admin"))
	third, hit, err := svc.Catalog(context.Background())
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Contains(t, third.Grades, "Khối 8")
}

func TestCatalogServiceWithoutCache(t *testing.T) {
	settings := &fakeSettingsStore{settings: models.Settings{Grades: []string{"Khối 6"}}}
	svc := NewCatalogService(settings, &fakeLessonStore{}, nil, nil, nil, nil, 0)

	for i := 0; i < 2; i++ {
		catalog, hit, err := svc.Catalog(context.Background())
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, []string{"Khối 6"}, catalog.Grades)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&settings.gets))
}

func TestCatalogServiceImportLessonsReusesIDs(t *testing.T) {
	svc, _, lessons, audit := newTestCatalogService()

	got, err := svc.ImportLessons(context.Background(), models.LessonImportRequest{Rows: [][]interface{}{
		{"Toán", "Khối 6", 1.0, 1.0, "Phân số"},
		{"Toán", "Khối 8", "2", "3", "Hàm số"},
		{"bad"},
	}}, "admin")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "L1", got[0].ID)
	assert.NotEmpty(t, got[1].ID)
	assert.NotEqual(t, "L2", got[1].ID)
	assert.Equal(t, 2, got[1].Week)
	assert.Equal(t, 3, got[1].Period)
	assert.Equal(t, got, lessons.replaced)
	require.Len(t, audit.audits, 1)
	assert.Equal(t, models.AuditActionCatalogImport, audit.audits[0].Action)
}

func TestCatalogServiceImportLessonsValidation(t *testing.T) {
	svc, _, lessons, _ := newTestCatalogService()

	_, err := svc.ImportLessons(context.Background(), models.LessonImportRequest{}, "")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.ImportLessons(context.Background(), models.LessonImportRequest{Rows: [][]interface{}{{"x", "y"}}}, "")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.ImportLessons(context.Background(), models.LessonImportRequest{Rows: [][]interface{}{{"", "Khối 6", 1, 1, "A"}}}, "")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Nil(t, lessons.replaced)
}

func TestCatalogServiceTaxonomyErrors(t *testing.T) {
	svc, _, _, _ := newTestCatalogService()
	ctx := context.Background()

	err := svc.AddSubject(ctx, models.TaxonomyRequest{Name: "Toán"}, "")
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	err = svc.RemoveSubject(ctx, models.TaxonomyRequest{Name: "Không có"}, "")
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	err = svc.AddSubject(ctx, models.TaxonomyRequest{Name: "   "}, "")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	err = svc.RemoveClassroom(ctx, "missing", "")
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCatalogServiceAddClassroom(t *testing.T) {
	svc, _, _, _ := newTestCatalogService()
	ctx := context.Background()

	room, err := svc.AddClassroom(ctx, models.ClassroomRequest{Grade: "Khối 6", Name: "6A2"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "room-new", room.ID)

	_, err = svc.AddClassroom(ctx, models.ClassroomRequest{Grade: "Khối 6", Name: "6A1"}, "admin")
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	_, err = svc.AddClassroom(ctx, models.ClassroomRequest{Grade: "Khối 12", Name: "12A1"}, "admin")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCatalogServiceSeedDefaults(t *testing.T) {
	svc, settings, _, _ := newTestCatalogService()
	require.NoError(t, svc.SeedDefaults(context.Background()))
	require.NotNil(t, settings.seeded)
	assert.Equal(t, []string{"Khối 6", "Khối 7", "Khối 8", "Khối 9"}, settings.seeded.Grades)
	assert.Len(t, settings.seeded.Classes, 5)
}
