package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/draw"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
)

type drawStore interface {
	WithDrawTx(ctx context.Context, teacherID string, fn func(repository.DrawTx) error) error
}

type drawUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type drawLessonReader interface {
	FindByID(ctx context.Context, id string) (*models.Lesson, error)
}

// syncMirror receives committed changes for best-effort delivery to the sync endpoint.
type syncMirror interface {
	MirrorDraw(user models.User, lesson models.Lesson, className string, at time.Time)
	MirrorUser(user models.User, created bool)
}

// DrawServiceConfig tunes the draw boundary.
type DrawServiceConfig struct {
	TxTimeout time.Duration
	Now       func() time.Time
}

// DrawService runs draws and resets against the roster.
type DrawService struct {
	store     drawStore
	users     drawUserReader
	lessons   drawLessonReader
	engine    *draw.Engine
	mirror    syncMirror
	metrics   *MetricsService
	logger    *zap.Logger
	txTimeout time.Duration
	now       func() time.Time
	locks     *keyedMutex
}

// NewDrawService constructs a DrawService.
func NewDrawService(store drawStore, users drawUserReader, lessons drawLessonReader, engine *draw.Engine, mirror syncMirror, metrics *MetricsService, logger *zap.Logger, cfg DrawServiceConfig) *DrawService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = draw.NewEngine()
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DrawService{
		store:     store,
		users:     users,
		lessons:   lessons,
		engine:    engine,
		mirror:    mirror,
		metrics:   metrics,
		logger:    logger,
		txTimeout: cfg.TxTimeout,
		now:       cfg.Now,
		locks:     newKeyedMutex(),
	}
}

// Draw assigns a lesson and classroom to the teacher. A nil error with
// Available=false means nothing is left for the selected grades.
func (s *DrawService) Draw(ctx context.Context, teacherID string, grades []string) (*models.DrawResult, error) {
	started := s.now()

	unlock, err := s.locks.Lock(ctx, teacherID)
	if err != nil {
		s.metrics.ObserveDraw(DrawOutcomeUnavailable, draw.TierNone.String(), s.now().Sub(started))
		return nil, appErrors.Wrap(err, appErrors.ErrDrawUnavailable.Code, appErrors.ErrDrawUnavailable.Status, appErrors.ErrDrawUnavailable.Message)
	}
	defer unlock()

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var (
		result   *models.DrawResult
		decision draw.Decision
		teacher  *models.User
	)
	err = s.store.WithDrawTx(txCtx, teacherID, func(tx repository.DrawTx) error {
		t, err := tx.Teacher(txCtx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
			}
			return fmt.Errorf("load teacher: %w", err)
		}
		teacher = t

		if t.HasDrawn {
			return appErrors.Clone(appErrors.ErrAlreadyDrawn, "")
		}
		now := s.now()
		if !t.InWindow(now) {
			return appErrors.Clone(appErrors.ErrOutsideWindow, fmt.Sprintf("draw window is %s to %s",
				t.DrawStartTime.Format(time.RFC3339), t.DrawEndTime.Format(time.RFC3339)))
		}

		lessons, err := tx.Lessons(txCtx)
		if err != nil {
			return err
		}
		settings, err := tx.Settings(txCtx)
		if err != nil {
			return err
		}
		selected, err := draw.NormalizeGrades(grades, draw.KnownGrades(settings.Grades, lessons), t.MaxGrades())
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}

		roster, err := tx.DrawnRoster(txCtx)
		if err != nil {
			return err
		}

		d, ok := s.engine.Select(t, selected, draw.Snapshot{
			Lessons: lessons,
			Classes: settings.Classes,
			Roster:  roster,
		})
		decision = d
		if !ok {
			result = &models.DrawResult{Available: false}
			return nil
		}

		if err := tx.RecordDraw(txCtx, d.Lesson.ID, d.ClassName); err != nil {
			if errors.Is(err, repository.ErrDrawStateChanged) {
				return appErrors.Clone(appErrors.ErrAlreadyDrawn, "")
			}
			return err
		}
		lesson := d.Lesson
		drawnAt := now.UTC()
		result = &models.DrawResult{Available: true, Lesson: &lesson, ClassName: d.ClassName, DrawnAt: &drawnAt}
		return nil
	})
	elapsed := s.now().Sub(started)

	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			s.metrics.ObserveDraw(outcomeFor(appErr), draw.TierNone.String(), elapsed)
			return nil, appErr
		}
		s.metrics.ObserveDraw(DrawOutcomeUnavailable, draw.TierNone.String(), elapsed)
		s.logger.Error("draw transaction failed", zap.String("teacher_id", teacherID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrDrawUnavailable.Code, appErrors.ErrDrawUnavailable.Status, appErrors.ErrDrawUnavailable.Message)
	}

	if !result.Available {
		s.metrics.ObserveDraw(DrawOutcomeNotAvailable, draw.TierNone.String(), elapsed)
		s.logger.Info("no lesson available", zap.String("teacher_id", teacherID), zap.Strings("grades", grades))
		return result, nil
	}

	s.metrics.ObserveDraw(DrawOutcomeSuccess, decision.Tier.String(), elapsed)
	s.logger.Info("lesson drawn",
		zap.String("teacher_id", teacherID),
		zap.String("lesson_id", result.Lesson.ID),
		zap.String("class", result.ClassName),
		zap.String("tier", decision.Tier.String()),
	)

	s.audit(ctx, teacherID, models.AuditActionDraw, nil, result)
	if s.mirror != nil {
		s.mirror.MirrorDraw(*teacher, *result.Lesson, result.ClassName, *result.DrawnAt)
	}
	return result, nil
}

// Reset clears the teacher's draw so they can draw again.
func (s *DrawService) Reset(ctx context.Context, teacherID, actorID string) error {
	unlock, err := s.locks.Lock(ctx, teacherID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrDrawUnavailable.Code, appErrors.ErrDrawUnavailable.Status, appErrors.ErrDrawUnavailable.Message)
	}
	defer unlock()

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var before models.User
	err = s.store.WithDrawTx(txCtx, teacherID, func(tx repository.DrawTx) error {
		t, err := tx.Teacher(txCtx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
			}
			return fmt.Errorf("load teacher: %w", err)
		}
		before = *t
		return tx.ClearDraw(txCtx)
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		s.logger.Error("reset transaction failed", zap.String("teacher_id", teacherID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrDrawUnavailable.Code, appErrors.ErrDrawUnavailable.Status, "reset could not be recorded, please retry")
	}

	s.logger.Info("draw reset", zap.String("teacher_id", teacherID), zap.String("actor_id", actorID))
	after := before
	after.ClearDraw()
	s.audit(ctx, actorID, models.AuditActionDrawReset, drawSnapshot(before), drawSnapshot(after))
	if s.mirror != nil {
		s.mirror.MirrorUser(after, false)
	}
	return nil
}

// Current returns the teacher's recorded draw and window.
func (s *DrawService) Current(ctx context.Context, teacherID string) (*models.DrawStatus, error) {
	user, err := s.users.FindByID(ctx, teacherID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}

	status := &models.DrawStatus{
		HasDrawn:         user.HasDrawn,
		DrawStartTime:    user.DrawStartTime,
		DrawEndTime:      user.DrawEndTime,
		ForceSingleGrade: user.ForceSingleGrade,
		SubjectGroup:     user.SubjectGroup,
	}
	if !user.HasDrawn {
		return status, nil
	}
	if user.DrawnClass != nil {
		status.ClassName = *user.DrawnClass
	}
	if user.DrawnLessonID != nil {
		lesson, err := s.lessons.FindByID(ctx, *user.DrawnLessonID)
		switch {
		case err == nil:
			status.Lesson = lesson
		case errors.Is(err, sql.ErrNoRows):
			s.logger.Warn("drawn lesson no longer in catalog", zap.String("teacher_id", teacherID), zap.String("lesson_id", *user.DrawnLessonID))
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load drawn lesson")
		}
	}
	return status, nil
}

func (s *DrawService) audit(ctx context.Context, actorID, action string, oldValues, newValues interface{}) {
	if s.users == nil {
		return
	}
	entry := &models.AuditLog{Action: action, Resource: "draw"}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if oldValues != nil {
		entry.OldValues, _ = json.Marshal(oldValues)
	}
	if newValues != nil {
		entry.NewValues, _ = json.Marshal(newValues)
	}
	if err := s.users.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record draw audit log", zap.String("action", action), zap.Error(err))
	}
}

func drawSnapshot(u models.User) map[string]interface{} {
	return map[string]interface{}{
		"user_id":         u.ID,
		"has_drawn":       u.HasDrawn,
		"drawn_lesson_id": u.DrawnLessonID,
		"drawn_class":     u.DrawnClass,
	}
}

func outcomeFor(err *appErrors.Error) string {
	switch err.Code {
	case appErrors.ErrAlreadyDrawn.Code:
		return DrawOutcomeAlreadyDrawn
	case appErrors.ErrOutsideWindow.Code:
		return DrawOutcomeOutsideWindow
	case appErrors.ErrNotFound.Code:
		return DrawOutcomeNotFound
	case appErrors.ErrValidation.Code:
		return DrawOutcomeInvalid
	default:
		return DrawOutcomeUnavailable
	}
}

// keyedMutex serializes work per key inside this process.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

type keyedSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*keyedSlot)}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keyedSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			k.release(key, slot)
		}, nil
	case <-ctx.Done():
		k.release(key, slot)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, slot *keyedSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}
