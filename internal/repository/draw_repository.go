package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

// DrawLockKey is the advisory lock serializing draw decisions across instances.
const DrawLockKey int64 = 7_310_421_001

// ErrDrawStateChanged is returned when the compare-and-swap write finds the
// teacher already drawn.
var ErrDrawStateChanged = errors.New("draw state changed concurrently")

// DrawTx is the view of the database a single draw or reset works against.
// All reads happen under the draw lock inside one transaction.
type DrawTx interface {
	// Teacher returns the locked teacher row, or sql.ErrNoRows.
	Teacher(ctx context.Context) (*models.User, error)
	// DrawnRoster returns the other users currently holding a draw.
	DrawnRoster(ctx context.Context) ([]models.User, error)
	Lessons(ctx context.Context) ([]models.Lesson, error)
	Settings(ctx context.Context) (*models.Settings, error)
	// RecordDraw flips has_drawn and stores the result in one statement.
	RecordDraw(ctx context.Context, lessonID, className string) error
	// ClearDraw drops the teacher's draw result.
	ClearDraw(ctx context.Context) error
}

// DrawRepository opens draw transactions.
type DrawRepository struct {
	db *sqlx.DB
}

// NewDrawRepository creates a new DrawRepository.
func NewDrawRepository(db *sqlx.DB) *DrawRepository {
	return &DrawRepository{db: db}
}

// WithDrawTx runs fn inside a transaction holding the global draw lock and a
// row lock on the teacher. The transaction commits only when fn returns nil.
func (r *DrawRepository) WithDrawTx(ctx context.Context, teacherID string, fn func(DrawTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin draw tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, DrawLockKey); err != nil {
		return fmt.Errorf("acquire draw lock: %w", err)
	}

	if err := fn(&drawTx{tx: tx, teacherID: teacherID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit draw tx: %w", err)
	}
	return nil
}

type drawTx struct {
	tx        *sqlx.Tx
	teacherID string
}

func (d *drawTx) Teacher(ctx context.Context) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	var user models.User
	if err := d.tx.GetContext(ctx, &user, query, d.teacherID); err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *drawTx) DrawnRoster(ctx context.Context) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE has_drawn = TRUE AND drawn_lesson_id IS NOT NULL AND id <> $1`
	var users []models.User
	if err := d.tx.SelectContext(ctx, &users, query, d.teacherID); err != nil {
		return nil, fmt.Errorf("load drawn roster: %w", err)
	}
	return users, nil
}

func (d *drawTx) Lessons(ctx context.Context) ([]models.Lesson, error) {
	return listLessons(ctx, d.tx)
}

func (d *drawTx) Settings(ctx context.Context) (*models.Settings, error) {
	return loadSettings(ctx, d.tx)
}

func (d *drawTx) RecordDraw(ctx context.Context, lessonID, className string) error {
	const query = `UPDATE users SET has_drawn = TRUE, drawn_lesson_id = $2, drawn_class = $3, updated_at = $4 WHERE id = $1 AND has_drawn = FALSE`
	res, err := d.tx.ExecContext(ctx, query, d.teacherID, lessonID, className, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record draw: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record draw: %w", err)
	}
	if n == 0 {
		return ErrDrawStateChanged
	}
	return nil
}

func (d *drawTx) ClearDraw(ctx context.Context) error {
	const query = `UPDATE users SET has_drawn = FALSE, drawn_lesson_id = NULL, drawn_class = NULL, updated_at = $2 WHERE id = $1`
	res, err := d.tx.ExecContext(ctx, query, d.teacherID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear draw: %w", err)
	}
	return expectAffected(res, "clear draw")
}
