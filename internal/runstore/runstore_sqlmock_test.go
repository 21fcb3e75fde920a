package runstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// These exercise failure paths that are awkward to trigger against a real
// sqlite connection, such as a mid-query driver error.

func TestGetProject_PropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, public_key, created_at FROM projects").
		WithArgs("proj-1").
		WillReturnError(errors.New("connection reset"))

	s := New(db)
	_, err = s.GetProject(context.Background(), "proj-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProject_PropagatesCountQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM runs").
		WithArgs("proj-1").
		WillReturnError(errors.New("disk I/O error"))

	s := New(db)
	err = s.DeleteProject(context.Background(), "proj-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProject_SucceedsWhenNoDependentRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM runs").
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM projects").
		WithArgs("proj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	err = s.DeleteProject(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
