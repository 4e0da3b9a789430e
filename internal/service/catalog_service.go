package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/lesson-draw-api/internal/draw"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
)

const catalogCacheKey = "catalog:snapshot"

// DefaultSettings is the taxonomy seeded into an empty database.
var DefaultSettings = models.Settings{
	Subjects: []string{"Toán", "Khoa học tự nhiên", "Lịch sử & Địa lí", "Tin Học", "Ngữ Văn", "Mĩ thuật", "Âm nhạc", "Tiếng Anh", "GDCD", "Giáo dục thể chất", "Công nghệ", "HĐTN-HN"},
	Grades:   []string{"Khối 6", "Khối 7", "Khối 8", "Khối 9"},
	Classes: []models.Classroom{
		{Grade: "Khối 6", Name: "6A1"},
		{Grade: "Khối 6", Name: "6A2"},
		{Grade: "Khối 7", Name: "7A1"},
		{Grade: "Khối 8", Name: "8A1"},
		{Grade: "Khối 9", Name: "9A1"},
	},
}

type settingsStore interface {
	Get(ctx context.Context) (*models.Settings, error)
	AddSubject(ctx context.Context, name string) error
	RemoveSubject(ctx context.Context, name string) error
	AddGrade(ctx context.Context, name string) error
	RemoveGrade(ctx context.Context, name string) error
	AddClassroom(ctx context.Context, room *models.Classroom) error
	RemoveClassroom(ctx context.Context, id string) error
	SeedDefaults(ctx context.Context, defaults models.Settings) error
}

type lessonStore interface {
	List(ctx context.Context) ([]models.Lesson, error)
	Replace(ctx context.Context, lessons []models.Lesson) error
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CatalogService owns the lesson catalog and the subject/grade/classroom
// taxonomy, and serves a cached snapshot of both to the draw screen.
type CatalogService struct {
	settings  settingsStore
	lessons   lessonStore
	audit     auditWriter
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	ttl       time.Duration
	group     singleflight.Group
	now       func() time.Time
}

// NewCatalogService constructs a CatalogService. cache may be nil.
func NewCatalogService(settings settingsStore, lessons lessonStore, audit auditWriter, cache *CacheService, validate *validator.Validate, logger *zap.Logger, ttl time.Duration) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &CatalogService{
		settings:  settings,
		lessons:   lessons,
		audit:     audit,
		cache:     cache,
		validator: validate,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Catalog returns the draw-screen snapshot. The boolean reports a cache hit.
// Concurrent misses share a single database load.
func (s *CatalogService) Catalog(ctx context.Context) (*models.Catalog, bool, error) {
	var cached models.Catalog
	if hit, err := s.cache.Get(ctx, catalogCacheKey, &cached); err == nil && hit {
		return &cached, true, nil
	}

	v, err, _ := s.group.Do(catalogCacheKey, func() (interface{}, error) {
		catalog, err := s.loadCatalog(ctx)
		if err != nil {
			return nil, err
		}
		_ = s.cache.Set(ctx, catalogCacheKey, catalog, s.ttl)
		return catalog, nil
	})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load catalog")
	}
	return v.(*models.Catalog), false, nil
}

func (s *CatalogService) loadCatalog(ctx context.Context) (*models.Catalog, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	lessons, err := s.lessons.List(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Catalog{
		Subjects:    settings.Subjects,
		Grades:      draw.KnownGrades(settings.Grades, lessons),
		Classes:     settings.Classes,
		LessonCount: len(lessons),
		GeneratedAt: s.now().UTC(),
	}, nil
}

// InvalidateCatalog drops the cached snapshot.
func (s *CatalogService) InvalidateCatalog(ctx context.Context) {
	_ = s.cache.Invalidate(ctx, catalogCacheKey)
}

// Settings returns the taxonomy.
func (s *CatalogService) Settings(ctx context.Context) (*models.Settings, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settings")
	}
	return settings, nil
}

// Lessons returns the full catalog.
func (s *CatalogService) Lessons(ctx context.Context) ([]models.Lesson, error) {
	lessons, err := s.lessons.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lessons")
	}
	return lessons, nil
}

// ImportLessons replaces the catalog with the given rows. Lessons identical
// to an existing one keep its id, so recorded draws stay linked.
func (s *CatalogService) ImportLessons(ctx context.Context, req models.LessonImportRequest, actorID string) ([]models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson import payload")
	}
	lessons := parseLessonRows(req.Rows)
	if len(lessons) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no lesson row has the five required columns")
	}
	for _, l := range lessons {
		if l.Subject == "" || l.Grade == "" || l.Name == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "lesson rows need subject, grade and name")
		}
	}

	existing, err := s.lessons.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lessons")
	}
	assignLessonIDs(lessons, existing)

	if err := s.lessons.Replace(ctx, lessons); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to replace lessons")
	}
	s.InvalidateCatalog(ctx)
	s.record(ctx, actorID, models.AuditActionCatalogImport, "lessons", map[string]int{"lessons": len(lessons)})
	s.logger.Info("lesson catalog replaced", zap.Int("lessons", len(lessons)))
	return lessons, nil
}

// AddSubject adds a subject to the taxonomy.
func (s *CatalogService) AddSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return s.mutateName(ctx, req, actorID, "subject", "add", s.settings.AddSubject)
}

// RemoveSubject removes a subject from the taxonomy.
func (s *CatalogService) RemoveSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return s.mutateName(ctx, req, actorID, "subject", "remove", s.settings.RemoveSubject)
}

// AddGrade adds a grade to the taxonomy.
func (s *CatalogService) AddGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return s.mutateName(ctx, req, actorID, "grade", "add", s.settings.AddGrade)
}

// RemoveGrade removes a grade and its classrooms.
func (s *CatalogService) RemoveGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return s.mutateName(ctx, req, actorID, "grade", "remove", s.settings.RemoveGrade)
}

func (s *CatalogService) mutateName(ctx context.Context, req models.TaxonomyRequest, actorID, kind, op string, apply func(context.Context, string) error) error {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid "+kind)
	}
	if err := apply(ctx, req.Name); err != nil {
		return settingsError(err, kind)
	}
	s.InvalidateCatalog(ctx)
	s.record(ctx, actorID, models.AuditActionSettings, kind, map[string]string{"op": op, "name": req.Name})
	return nil
}

// AddClassroom adds a classroom to an existing grade.
func (s *CatalogService) AddClassroom(ctx context.Context, req models.ClassroomRequest, actorID string) (*models.Classroom, error) {
	req.Grade = strings.TrimSpace(req.Grade)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid classroom")
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settings")
	}
	if !settings.HasGrade(req.Grade) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown grade "+req.Grade)
	}

	room := &models.Classroom{Grade: req.Grade, Name: req.Name}
	if err := s.settings.AddClassroom(ctx, room); err != nil {
		return nil, settingsError(err, "classroom")
	}
	s.InvalidateCatalog(ctx)
	s.record(ctx, actorID, models.AuditActionSettings, "classroom", room)
	return room, nil
}

// RemoveClassroom deletes a classroom by id.
func (s *CatalogService) RemoveClassroom(ctx context.Context, id, actorID string) error {
	if err := s.settings.RemoveClassroom(ctx, id); err != nil {
		return settingsError(err, "classroom")
	}
	s.InvalidateCatalog(ctx)
	s.record(ctx, actorID, models.AuditActionSettings, "classroom", map[string]string{"op": "remove", "id": id})
	return nil
}

// SeedDefaults fills empty taxonomy tables with DefaultSettings.
func (s *CatalogService) SeedDefaults(ctx context.Context) error {
	if err := s.settings.SeedDefaults(ctx, DefaultSettings); err != nil {
		return err
	}
	s.InvalidateCatalog(ctx)
	return nil
}

func (s *CatalogService) record(ctx context.Context, actorID, action, resource string, values interface{}) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
	entry := &models.AuditLog{Action: action, Resource: resource, NewValues: payload}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func settingsError(err error, kind string) error {
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		return appErrors.Clone(appErrors.ErrConflict, kind+" already exists")
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, kind+" not found")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update "+kind)
	}
}
