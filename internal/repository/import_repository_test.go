package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

func TestImportReplaceAll(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewImportRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec("DELETE FROM lessons").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO lessons").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM classrooms").WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("INSERT INTO classrooms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users WHERE NOT").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	set := ImportSet{
		Lessons: []models.Lesson{{ID: "l1", Subject: "Toán", Grade: "Khối 6", Week: 1, Period: 1, Name: "Phân số"}},
		Classes: []models.Classroom{{Grade: "Khối 6", Name: "6A1"}},
		Users:   []models.User{sampleTeacher("t1")},
	}
	require.NoError(t, repo.ReplaceAll(context.Background(), set))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportKeepsClassroomsWhenEmpty(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewImportRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec("DELETE FROM lessons").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM users WHERE NOT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO users").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := repo.ReplaceAll(context.Background(), ImportSet{Users: []models.User{sampleTeacher("t1")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t1@school.edu.vn")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportUpsertKeepsLocalDraw(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewImportRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec("DELETE FROM lessons").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM users WHERE NOT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("has_drawn = users.has_drawn OR EXCLUDED.has_drawn") + "[\\s\\S]*" +
		regexp.QuoteMeta("drawn_lesson_id = CASE WHEN users.has_drawn AND NOT EXCLUDED.has_drawn THEN users.drawn_lesson_id") + "[\\s\\S]*" +
		regexp.QuoteMeta("drawn_class = CASE WHEN users.has_drawn AND NOT EXCLUDED.has_drawn THEN users.drawn_class")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceAll(context.Background(), ImportSet{Users: []models.User{sampleTeacher("t1")}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
