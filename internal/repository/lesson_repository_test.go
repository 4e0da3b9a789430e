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

func TestListLessons(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	rows := sqlmock.NewRows([]string{"id", "subject", "grade", "week", "period", "name"}).
		AddRow("l1", "Toán", "Khối 6", 1, 1, "Phân số").
		AddRow("l2", "Toán", "Khối 6", 1, 2, "Số thập phân")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject, grade, week, period, name FROM lessons ORDER BY grade ASC")).WillReturnRows(rows)

	lessons, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, lessons, 2)
	assert.Equal(t, models.SlotSignature{Subject: "Toán", Grade: "Khối 6", Week: 1, Period: 2}, lessons[1].Signature())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceLessonsKeepsIDs(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM lessons WHERE NOT (id = ANY($1))")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO lessons").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lessons").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lessons := []models.Lesson{
		{ID: "keep", Subject: "Toán", Grade: "Khối 6", Week: 1, Period: 1, Name: "Phân số"},
		{Subject: "Toán", Grade: "Khối 7", Week: 2, Period: 1, Name: "Tỉ lệ thức"},
	}
	require.NoError(t, repo.Replace(context.Background(), lessons))
	assert.Equal(t, "keep", lessons[0].ID)
	assert.NotEmpty(t, lessons[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceLessonsRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec("DELETE FROM lessons").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO lessons").WillReturnError(errors.New("check violation"))
	mock.ExpectRollback()

	err := repo.Replace(context.Background(), []models.Lesson{{ID: "x", Subject: "Toán", Grade: "Khối 6", Week: 0, Period: 1, Name: "bad"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert lesson x")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceLessonsFailsWithoutDrawLock(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).WithArgs(DrawLockKey).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err := repo.Replace(context.Background(), []models.Lesson{{ID: "l1", Subject: "Toán", Grade: "Khối 6", Week: 1, Period: 1, Name: "Phân số"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire draw lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}
