package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

// ImportSet is a full roster and catalog pulled from the sync endpoint.
// Classes are only replaced when non-empty.
type ImportSet struct {
	Users   []models.User
	Lessons []models.Lesson
	Classes []models.Classroom
}

// ImportRepository replaces roster and catalog atomically.
type ImportRepository struct {
	db *sqlx.DB
}

// NewImportRepository creates a new ImportRepository.
func NewImportRepository(db *sqlx.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

// ReplaceAll swaps lessons, classrooms and users in one transaction under the
// draw lock. Users are upserted by id; users missing from the set are removed.
// A user already drawn locally stays drawn when the incoming row is not.
func (r *ImportRepository) ReplaceAll(ctx context.Context, set ImportSet) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, DrawLockKey); err != nil {
		return fmt.Errorf("acquire draw lock: %w", err)
	}

	if err := replaceLessons(ctx, tx, set.Lessons); err != nil {
		return err
	}
	if len(set.Classes) > 0 {
		if err := replaceClassrooms(ctx, tx, set.Classes); err != nil {
			return err
		}
	}
	if err := replaceUsers(ctx, tx, set.Users); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func replaceUsers(ctx context.Context, tx sqlx.ExtContext, users []models.User) error {
	now := time.Now().UTC()
	ids := make([]string, 0, len(users))
	for i := range users {
		if users[i].ID == "" {
			users[i].ID = uuid.NewString()
		}
		if users[i].CreatedAt.IsZero() {
			users[i].CreatedAt = now
		}
		users[i].UpdatedAt = now
		ids = append(ids, users[i].ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		return fmt.Errorf("prune users: %w", err)
	}

	const upsert = `INSERT INTO users (id, email, password_hash, full_name, role, subject_group, draw_start_time, draw_end_time, has_drawn, drawn_lesson_id, drawn_class, force_single_grade, created_at, updated_at)
VALUES (:id, :email, :password_hash, :full_name, :role, :subject_group, :draw_start_time, :draw_end_time, :has_drawn, :drawn_lesson_id, :drawn_class, :force_single_grade, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, password_hash = EXCLUDED.password_hash, full_name = EXCLUDED.full_name, role = EXCLUDED.role,
subject_group = EXCLUDED.subject_group, draw_start_time = EXCLUDED.draw_start_time, draw_end_time = EXCLUDED.draw_end_time,
has_drawn = users.has_drawn OR EXCLUDED.has_drawn,
drawn_lesson_id = CASE WHEN users.has_drawn AND NOT EXCLUDED.has_drawn THEN users.drawn_lesson_id ELSE EXCLUDED.drawn_lesson_id END,
drawn_class = CASE WHEN users.has_drawn AND NOT EXCLUDED.has_drawn THEN users.drawn_class ELSE EXCLUDED.drawn_class END,
force_single_grade = EXCLUDED.force_single_grade, updated_at = EXCLUDED.updated_at`
	for i := range users {
		if _, err := sqlx.NamedExecContext(ctx, tx, upsert, users[i]); err != nil {
			return fmt.Errorf("upsert user %s: %w", users[i].Email, err)
		}
	}
	return nil
}
