package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

const lessonColumns = `id, subject, grade, week, period, name`

// LessonRepository manages the lesson catalog.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository creates a new LessonRepository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

// List returns the catalog ordered for display.
func (r *LessonRepository) List(ctx context.Context) ([]models.Lesson, error) {
	return listLessons(ctx, r.db)
}

// FindByID returns a lesson by id.
func (r *LessonRepository) FindByID(ctx context.Context, id string) (*models.Lesson, error) {
	var lesson models.Lesson
	if err := r.db.GetContext(ctx, &lesson, `SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &lesson, nil
}

// Replace swaps the whole catalog in one transaction under the draw lock.
// Lessons keeping their id survive, so draws pointing at them stay linked.
func (r *LessonRepository) Replace(ctx context.Context, lessons []models.Lesson) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace lessons: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, DrawLockKey); err != nil {
		return fmt.Errorf("acquire draw lock: %w", err)
	}
	if err := replaceLessons(ctx, tx, lessons); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace lessons: %w", err)
	}
	return nil
}

func listLessons(ctx context.Context, q sqlx.QueryerContext) ([]models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons ORDER BY grade ASC, subject ASC, week ASC, period ASC, name ASC`
	var lessons []models.Lesson
	if err := sqlx.SelectContext(ctx, q, &lessons, query); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

func replaceLessons(ctx context.Context, tx sqlx.ExtContext, lessons []models.Lesson) error {
	ids := make([]string, 0, len(lessons))
	for i := range lessons {
		if lessons[i].ID == "" {
			lessons[i].ID = uuid.NewString()
		}
		ids = append(ids, lessons[i].ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lessons WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		return fmt.Errorf("prune lessons: %w", err)
	}

	const upsert = `INSERT INTO lessons (id, subject, grade, week, period, name) VALUES (:id, :subject, :grade, :week, :period, :name)
ON CONFLICT (id) DO UPDATE SET subject = EXCLUDED.subject, grade = EXCLUDED.grade, week = EXCLUDED.week, period = EXCLUDED.period, name = EXCLUDED.name`
	for i := range lessons {
		if _, err := sqlx.NamedExecContext(ctx, tx, upsert, lessons[i]); err != nil {
			return fmt.Errorf("upsert lesson %s: %w", lessons[i].ID, err)
		}
	}
	return nil
}
