package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPostgres_LoadAndRecord(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS replied_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT post_id FROM replied_posts")).
		WillReturnRows(sqlmock.NewRows([]string{"post_id"}).AddRow("A").AddRow("B"))

	l, err := OpenPostgres(ctx, db, time.Second)
	require.NoError(t, err)
	assert.True(t, l.Contains("A"))
	assert.Equal(t, 2, l.Len())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO replied_posts (post_id) VALUES ($1) ON CONFLICT (post_id) DO NOTHING")).
		WithArgs("C").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, l.Record(ctx, "C"))
	assert.True(t, l.Contains("C"))

	// duplicate is a no-op
	require.NoError(t, l.Record(ctx, "C"))

	mock.ExpectClose()
	require.NoError(t, l.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadFailureIsStorageError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS replied_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT post_id FROM replied_posts")).
		WillReturnError(errors.New("permission denied"))

	_, err := OpenPostgres(context.Background(), db, time.Second)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "postgres", storageErr.Backend)
	assert.Equal(t, "load", storageErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordFailure(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS replied_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT post_id FROM replied_posts")).
		WillReturnRows(sqlmock.NewRows([]string{"post_id"}))

	l, err := OpenPostgres(ctx, db, time.Second)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO replied_posts")).
		WithArgs("Z").
		WillReturnError(errors.New("disk full"))

	err = l.Record(ctx, "Z")
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.False(t, l.Contains("Z"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
