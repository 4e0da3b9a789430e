package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/repository"
	"github.com/noah-isme/lesson-draw-api/pkg/config"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
	"github.com/noah-isme/lesson-draw-api/pkg/jobs"
)

const maxPullBody = 16 << 20

type syncImporter interface {
	ReplaceAll(ctx context.Context, set repository.ImportSet) error
}

type syncRosterReader interface {
	ListAll(ctx context.Context) ([]models.User, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type syncLessonReader interface {
	List(ctx context.Context) ([]models.Lesson, error)
}

type syncEnqueuer interface {
	TryEnqueue(job jobs.Job) error
}

type catalogInvalidator interface {
	InvalidateCatalog(ctx context.Context)
}

// SyncService pulls the roster and catalog from the spreadsheet script and
// mirrors local changes back to it.
type SyncService struct {
	cfg       config.SyncConfig
	bootstrap config.BootstrapConfig
	loc       *time.Location
	client    *http.Client
	importer  syncImporter
	users     syncRosterReader
	lessons   syncLessonReader
	queue     syncEnqueuer
	catalog   catalogInvalidator
	metrics   *MetricsService
	logger    *zap.Logger
	hasher    func(string) (string, error)
	now       func() time.Time
}

// NewSyncService constructs a SyncService. Push delivery starts once a queue is attached.
func NewSyncService(cfg config.SyncConfig, bootstrap config.BootstrapConfig, loc *time.Location, importer syncImporter, users syncRosterReader, lessons syncLessonReader, metrics *MetricsService, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.ScriptURL = strings.TrimSpace(cfg.ScriptURL)
	return &SyncService{
		cfg:       cfg,
		bootstrap: bootstrap,
		loc:       loc,
		client:    &http.Client{Timeout: timeout},
		importer:  importer,
		users:     users,
		lessons:   lessons,
		metrics:   metrics,
		logger:    logger,
		hasher:    HashPassword,
		now:       time.Now,
	}
}

// AttachQueue sets the queue used for push delivery.
func (s *SyncService) AttachQueue(q syncEnqueuer) {
	s.queue = q
}

// AttachCatalog registers the cache to invalidate after a pull.
func (s *SyncService) AttachCatalog(c catalogInvalidator) {
	s.catalog = c
}

// Enabled reports whether a script endpoint is configured.
func (s *SyncService) Enabled() bool {
	return s != nil && s.cfg.Enabled()
}

// Pull fetches the sheet and replaces roster, lessons and (when present)
// classrooms in one transaction.
func (s *SyncService) Pull(ctx context.Context, actorID string) (*models.SyncSummary, error) {
	if !s.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "sync endpoint is not configured")
	}

	payload, err := s.fetch(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSyncFailed.Code, appErrors.ErrSyncFailed.Status, appErrors.ErrSyncFailed.Message)
	}
	if payload.Users == nil || payload.Lessons == nil {
		return nil, appErrors.Clone(appErrors.ErrSyncFailed, "script response is missing users or lessons")
	}

	existingUsers, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	existingLessons, err := s.lessons.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lessons")
	}

	set, summary, err := s.buildImport(payload, existingUsers, existingLessons)
	if err != nil {
		return nil, err
	}

	if err := s.importer.ReplaceAll(ctx, set); err != nil {
		s.logger.Error("sync import failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store synchronized data")
	}
	if s.catalog != nil {
		s.catalog.InvalidateCatalog(ctx)
	}

	s.logger.Info("sync pull completed",
		zap.Int("users", summary.Users),
		zap.Int("lessons", summary.Lessons),
		zap.Int("classes", summary.Classes),
		zap.Int("linked_draws", summary.LinkedDraws),
		zap.Int("kept_draws", summary.KeptDraws),
	)
	newValues, _ := json.Marshal(summary)
	entry := &models.AuditLog{Action: models.AuditActionSyncPull, Resource: "sync", NewValues: newValues}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if err := s.users.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record sync audit log", zap.Error(err))
	}
	return summary, nil
}

func (s *SyncService) fetch(ctx context.Context) (*models.SyncPullPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ScriptURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("pull request: received status %d", resp.StatusCode)
	}

	var payload models.SyncPullPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPullBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &payload, nil
}

// buildImport turns sheet rows into an import set. Existing ids are kept for
// users matched by email and lessons matched by all five fields.
func (s *SyncService) buildImport(payload *models.SyncPullPayload, existingUsers []models.User, existingLessons []models.Lesson) (repository.ImportSet, *models.SyncSummary, error) {
	now := s.now().In(s.loc)

	lessons := parseLessonRows(payload.Lessons)
	classes := parseClassRows(payload.Classes)
	rows := parseUserRows(payload.Users, s.loc, now)

	if len(rows) == 0 && len(lessons) == 0 {
		return repository.ImportSet{}, nil, appErrors.Clone(appErrors.ErrSyncFailed, "script returned no users and no lessons")
	}

	byKey := assignLessonIDs(lessons, existingLessons)
	lessonIDs := make(map[string]struct{}, len(lessons))
	for _, l := range lessons {
		lessonIDs[l.ID] = struct{}{}
	}

	existingByEmail := make(map[string]models.User, len(existingUsers))
	for _, u := range existingUsers {
		existingByEmail[strings.ToLower(u.Email)] = u
	}

	summary := &models.SyncSummary{Lessons: len(lessons), Classes: len(classes), PulledAt: now.UTC()}
	users := make([]models.User, 0, len(rows)+1)
	seen := make(map[string]struct{}, len(rows))
	hasAdmin := false
	for _, row := range rows {
		u := row.user
		key := strings.ToLower(u.Email)
		if key == "" {
			s.logger.Warn("skipping roster row without email", zap.String("name", u.FullName))
			continue
		}
		if _, dup := seen[key]; dup {
			s.logger.Warn("skipping duplicate roster email", zap.String("email", u.Email))
			continue
		}
		seen[key] = struct{}{}

		if prev, ok := existingByEmail[key]; ok {
			u.ID = prev.ID
			u.CreatedAt = prev.CreatedAt
		} else {
			u.ID = uuid.NewString()
		}
		hash, err := s.hasher(row.password)
		if err != nil {
			return repository.ImportSet{}, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
		}
		u.PasswordHash = hash

		if row.drawn != nil {
			if id, ok := byKey[lessonKey(*row.drawn)]; ok {
				u.DrawnLessonID = &id
				summary.LinkedDraws++
			}
		}
		if prev, ok := existingByEmail[key]; ok && prev.HasDrawn && !u.HasDrawn {
			keepLocalDraw(&u, prev, lessonIDs)
			summary.KeptDraws++
		}
		if u.Role == models.RoleAdmin {
			hasAdmin = true
		}
		users = append(users, u)
	}

	if !hasAdmin {
		admins, err := s.fallbackAdmins(existingUsers, seen, now)
		if err != nil {
			return repository.ImportSet{}, nil, err
		}
		users = append(admins, users...)
	}
	summary.Users = len(users)

	return repository.ImportSet{Users: users, Lessons: lessons, Classes: classes}, summary, nil
}

// fallbackAdmins keeps the current administrators when the sheet has none,
// or creates the bootstrap administrator when there are none at all.
func (s *SyncService) fallbackAdmins(existing []models.User, taken map[string]struct{}, now time.Time) ([]models.User, error) {
	var admins []models.User
	for _, u := range existing {
		if u.Role != models.RoleAdmin {
			continue
		}
		if _, ok := taken[strings.ToLower(u.Email)]; ok {
			continue
		}
		admins = append(admins, u)
	}
	if len(admins) > 0 {
		return admins, nil
	}

	email := s.bootstrap.AdminEmail
	if _, ok := taken[strings.ToLower(email)]; ok || email == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "sheet has no administrator and the bootstrap email is already used")
	}
	hash, err := s.hasher(s.bootstrap.AdminPassword)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	return []models.User{{
		ID:            uuid.NewString(),
		Email:         email,
		PasswordHash:  hash,
		FullName:      "Quản Trị Viên (Mặc định)",
		Role:          models.RoleAdmin,
		DrawStartTime: now,
		DrawEndTime:   now,
	}}, nil
}

// MirrorDraw queues an updateDraw push.
func (s *SyncService) MirrorDraw(user models.User, lesson models.Lesson, className string, at time.Time) {
	s.enqueue(models.SyncActionUpdateDraw, models.SyncDrawPush{
		Action: models.SyncActionUpdateDraw,
		Email:  user.Email,
		Lesson: models.SyncLesson{
			ID:      lesson.ID,
			Subject: lesson.Subject,
			Grade:   lesson.Grade,
			Week:    lesson.Week,
			Period:  lesson.Period,
			Name:    lesson.Name,
		},
		ClassName: className,
		Timestamp: at.In(s.loc).Format("15:04:05 02/01/2006"),
	})
}

// MirrorUser queues an addUser or updateUser push.
func (s *SyncService) MirrorUser(user models.User, created bool) {
	action := models.SyncActionUpdateUser
	if created {
		action = models.SyncActionAddUser
	}
	s.enqueue(action, models.SyncUserPush{Action: action, Data: s.toSyncUser(user)})
}

func (s *SyncService) toSyncUser(u models.User) models.SyncUser {
	out := models.SyncUser{
		ID:               u.ID,
		Name:             u.FullName,
		Email:            u.Email,
		Role:             string(u.Role),
		SubjectGroup:     u.SubjectGroup,
		DrawStartTime:    formatSheetTime(u.DrawStartTime, s.loc),
		DrawEndTime:      formatSheetTime(u.DrawEndTime, s.loc),
		HasDrawn:         u.HasDrawn,
		ForceSingleGrade: u.ForceSingleGrade,
	}
	if u.DrawnLessonID != nil {
		out.DrawnLessonID = *u.DrawnLessonID
	}
	if u.DrawnClass != nil {
		out.DrawnClass = *u.DrawnClass
	}
	return out
}

func (s *SyncService) enqueue(action string, payload interface{}) {
	if !s.Enabled() || s.queue == nil {
		return
	}
	job := jobs.Job{ID: uuid.NewString(), Type: action, Payload: payload}
	if err := s.queue.TryEnqueue(job); err != nil {
		s.metrics.ObserveSyncPush(action, err)
		s.logger.Warn("sync push dropped", zap.String("action", action), zap.Error(err))
	}
}

// HandleJob delivers one queued push. It is the queue's handler.
func (s *SyncService) HandleJob(ctx context.Context, job jobs.Job) error {
	err := s.Push(ctx, job.Payload)
	s.metrics.ObserveSyncPush(job.Type, err)
	return err
}

// Push posts payload to the script endpoint.
func (s *SyncService) Push(ctx context.Context, payload interface{}) error {
	if !s.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ScriptURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New("push request: received status " + resp.Status)
	}
	return nil
}
