package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("duplicate record")

// taxonomy tables share the (name, position) shape.
const (
	tableSubjects = "subjects"
	tableGrades   = "grades"
)

// SettingsRepository stores the subject/grade/classroom taxonomy.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get loads the full taxonomy.
func (r *SettingsRepository) Get(ctx context.Context) (*models.Settings, error) {
	return loadSettings(ctx, r.db)
}

// AddSubject appends a subject; ErrDuplicate when it already exists.
func (r *SettingsRepository) AddSubject(ctx context.Context, name string) error {
	return r.addName(ctx, tableSubjects, name)
}

// RemoveSubject deletes a subject; sql.ErrNoRows when absent.
func (r *SettingsRepository) RemoveSubject(ctx context.Context, name string) error {
	return r.removeName(ctx, tableSubjects, name)
}

// AddGrade appends a grade; ErrDuplicate when it already exists.
func (r *SettingsRepository) AddGrade(ctx context.Context, name string) error {
	return r.addName(ctx, tableGrades, name)
}

// RemoveGrade deletes a grade and its classrooms; sql.ErrNoRows when absent.
func (r *SettingsRepository) RemoveGrade(ctx context.Context, name string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove grade: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM grades WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("remove grade: %w", err)
	}
	if err := expectAffected(res, "remove grade"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM classrooms WHERE grade = $1`, name); err != nil {
		return fmt.Errorf("remove grade classrooms: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove grade: %w", err)
	}
	return nil
}

// AddClassroom inserts a classroom; ErrDuplicate when the grade already has that name.
func (r *SettingsRepository) AddClassroom(ctx context.Context, room *models.Classroom) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	const query = `INSERT INTO classrooms (id, grade, name) VALUES (:id, :grade, :name) ON CONFLICT (grade, name) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, room)
	if err != nil {
		return fmt.Errorf("add classroom: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("add classroom: %w", err)
	} else if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// RemoveClassroom deletes a classroom by id; sql.ErrNoRows when absent.
func (r *SettingsRepository) RemoveClassroom(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM classrooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove classroom: %w", err)
	}
	return expectAffected(res, "remove classroom")
}

// SeedDefaults fills each empty taxonomy table from defaults. Tables that
// already hold rows are left alone.
func (r *SettingsRepository) SeedDefaults(ctx context.Context, defaults models.Settings) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed settings: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []struct {
		name   string
		values []string
	}{{tableSubjects, defaults.Subjects}, {tableGrades, defaults.Grades}} {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table.name); err != nil {
			return fmt.Errorf("count %s: %w", table.name, err)
		}
		if count > 0 {
			continue
		}
		for i, v := range table.values {
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+table.name+` (name, position) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, v, i+1); err != nil {
				return fmt.Errorf("seed %s: %w", table.name, err)
			}
		}
	}

	var rooms int
	if err := tx.GetContext(ctx, &rooms, `SELECT COUNT(*) FROM classrooms`); err != nil {
		return fmt.Errorf("count classrooms: %w", err)
	}
	if rooms == 0 {
		if err := replaceClassrooms(ctx, tx, defaults.Classes); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed settings: %w", err)
	}
	return nil
}

func (r *SettingsRepository) addName(ctx context.Context, table, name string) error {
	query := `INSERT INTO ` + table + ` (name, position) SELECT $1, COALESCE(MAX(position), 0) + 1 FROM ` + table + ` ON CONFLICT (name) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("add %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("add %s: %w", table, err)
	} else if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *SettingsRepository) removeName(ctx context.Context, table, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("remove %s: %w", table, err)
	}
	return expectAffected(res, "remove "+table)
}

func loadSettings(ctx context.Context, q sqlx.QueryerContext) (*models.Settings, error) {
	settings := &models.Settings{Subjects: []string{}, Grades: []string{}, Classes: []models.Classroom{}}
	if err := sqlx.SelectContext(ctx, q, &settings.Subjects, `SELECT name FROM subjects ORDER BY position ASC, name ASC`); err != nil {
		return nil, fmt.Errorf("load subjects: %w", err)
	}
	if err := sqlx.SelectContext(ctx, q, &settings.Grades, `SELECT name FROM grades ORDER BY position ASC, name ASC`); err != nil {
		return nil, fmt.Errorf("load grades: %w", err)
	}
	classes, err := listClassrooms(ctx, q)
	if err != nil {
		return nil, err
	}
	settings.Classes = classes
	return settings, nil
}

func listClassrooms(ctx context.Context, q sqlx.QueryerContext) ([]models.Classroom, error) {
	classes := []models.Classroom{}
	if err := sqlx.SelectContext(ctx, q, &classes, `SELECT id, grade, name FROM classrooms ORDER BY grade ASC, name ASC`); err != nil {
		return nil, fmt.Errorf("load classrooms: %w", err)
	}
	return classes, nil
}

func replaceClassrooms(ctx context.Context, tx sqlx.ExtContext, classes []models.Classroom) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM classrooms`); err != nil {
		return fmt.Errorf("clear classrooms: %w", err)
	}
	const insert = `INSERT INTO classrooms (id, grade, name) VALUES (:id, :grade, :name) ON CONFLICT (grade, name) DO NOTHING`
	for i := range classes {
		if classes[i].ID == "" {
			classes[i].ID = uuid.NewString()
		}
		if _, err := sqlx.NamedExecContext(ctx, tx, insert, classes[i]); err != nil {
			return fmt.Errorf("insert classroom %s: %w", classes[i].Name, err)
		}
	}
	return nil
}
