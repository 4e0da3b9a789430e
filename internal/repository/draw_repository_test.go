package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectDrawLock(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).WithArgs(DrawLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestWithDrawTxRecordsDraw(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDrawRepository(db)

	teacher := sampleTeacher("t1")
	other := sampleTeacher("t2")
	other.HasDrawn = true
	lessonID, class := "l1", "6A1"
	other.DrawnLessonID, other.DrawnClass = &lessonID, &class

	expectDrawLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1 FOR UPDATE")).WithArgs("t1").WillReturnRows(userRows(teacher))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE has_drawn = TRUE AND drawn_lesson_id IS NOT NULL AND id <> $1")).WithArgs("t1").WillReturnRows(userRows(other))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET has_drawn = TRUE, drawn_lesson_id = $2, drawn_class = $3, updated_at = $4 WHERE id = $1 AND has_drawn = FALSE")).
		WithArgs("t1", "l2", "6A2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithDrawTx(context.Background(), "t1", func(tx DrawTx) error {
		got, err := tx.Teacher(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID)

		roster, err := tx.DrawnRoster(context.Background())
		require.NoError(t, err)
		require.Len(t, roster, 1)
		assert.Equal(t, "l1", *roster[0].DrawnLessonID)

		return tx.RecordDraw(context.Background(), "l2", "6A2")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDrawTxCompareAndSwapLoses(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDrawRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec("UPDATE users SET has_drawn = TRUE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithDrawTx(context.Background(), "t1", func(tx DrawTx) error {
		return tx.RecordDraw(context.Background(), "l1", "6A1")
	})
	assert.ErrorIs(t, err, ErrDrawStateChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDrawTxLockFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDrawRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnError(errors.New("canceling statement due to statement timeout"))
	mock.ExpectRollback()

	called := false
	err := repo.WithDrawTx(context.Background(), "t1", func(tx DrawTx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDrawTxClearDraw(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDrawRepository(db)

	expectDrawLock(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET has_drawn = FALSE, drawn_lesson_id = NULL, drawn_class = NULL")).
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithDrawTx(context.Background(), "t1", func(tx DrawTx) error {
		return tx.ClearDraw(context.Background())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
