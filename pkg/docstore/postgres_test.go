package docstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectDocumentQuery = "SELECT id, data, version, deleted FROM documents WHERE collection = $1 AND id = $2"
	updateDocumentQuery = "UPDATE documents SET data = $3, version = version + 1, updated_at = $5 WHERE collection = $1 AND id = $2 AND version = $4 AND NOT deleted"
	insertDocumentQuery = "INSERT INTO documents (collection, id, data, version, deleted, updated_at) VALUES ($1, $2, $3, $4::bigint + 1, FALSE, $5) " +
		"ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, version = EXCLUDED.version, deleted = FALSE, updated_at = EXCLUDED.updated_at " +
		"WHERE documents.deleted AND documents.version = $4"
	deleteDocumentQuery = "UPDATE documents SET data = '{}', version = version + 1, deleted = TRUE, updated_at = $4 WHERE collection = $1 AND id = $2 AND version = $3 AND NOT deleted"
)

var documentColumns = []string{"id", "data", "version", "deleted"}

func newStoreMock(t *testing.T, opts Options) (*PostgresStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresStore(sqlx.NewDb(db, "sqlmock"), opts), mock, func() { db.Close() }
}

func documentRows(id, data string, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(documentColumns).AddRow(id, []byte(data), version, false)
}

func tombstoneRows(id string, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(documentColumns).AddRow(id, []byte(`{}`), version, true)
}

func incrementStudents(ctx context.Context, tx Tx) error {
	snap, err := tx.Get(ctx, courseRef)
	if err != nil {
		return err
	}
	students, _ := snap.Int("students")
	return tx.Update(courseRef, map[string]interface{}{"students": students + 1, "enrolledStudents": ArrayUnion("s2")})
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnRows(documentRows("c1", `{"students":4,"enrolledStudents":["s1"]}`, 7))

	snap, err := store.Get(context.Background(), courseRef)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, int64(7), snap.Version)
	students, _ := snap.Int("students")
	assert.Equal(t, int64(4), students)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetMissing(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "ghost").
		WillReturnRows(sqlmock.NewRows(documentColumns))

	snap, err := store.Get(context.Background(), Ref{Collection: "courses", ID: "ghost"})
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTransactionUpdate(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnRows(documentRows("c1", `{"students":1,"enrolledStudents":["s1"]}`, 3))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(updateDocumentQuery)).
		WithArgs("courses", "c1", `{"enrolledStudents":["s1","s2"],"students":2}`, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.RunTransaction(context.Background(), incrementStudents))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTransactionRetriesOnStaleVersion(t *testing.T) {
	attempts := 0
	store, mock, cleanup := newStoreMock(t, Options{OnConflict: func(int) { attempts++ }})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnRows(documentRows("c1", `{"students":1}`, 3))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(updateDocumentQuery)).
		WithArgs("courses", "c1", sqlmock.AnyArg(), int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnRows(documentRows("c1", `{"students":2}`, 4))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(updateDocumentQuery)).
		WithArgs("courses", "c1", `{"enrolledStudents":["s2"],"students":3}`, int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.RunTransaction(context.Background(), incrementStudents))
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTransactionInsertAndDelete(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, mock, cleanup := newStoreMock(t, Options{Clock: func() time.Time { return now }})
	defer cleanup()

	enrollment := Ref{Collection: "enrollments", ID: "e1"}
	stale := Ref{Collection: "enrollments", ID: "e0"}

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("enrollments", "e1").
		WillReturnRows(sqlmock.NewRows(documentColumns))
	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("enrollments", "e0").
		WillReturnRows(documentRows("e0", `{"courseId":"c1"}`, 2))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertDocumentQuery)).
		WithArgs("enrollments", "e1", `{"courseId":"c1","createdAt":"2026-03-01T09:00:00Z","studentId":"s1"}`, int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteDocumentQuery)).
		WithArgs("enrollments", "e0", int64(2), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.Get(ctx, enrollment); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, stale); err != nil {
			return err
		}
		if err := tx.Set(enrollment, map[string]interface{}{"studentId": "s1", "courseId": "c1", "createdAt": ServerTimestamp()}); err != nil {
			return err
		}
		return tx.Delete(stale)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTombstoneKeepsVersion(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, mock, cleanup := newStoreMock(t, Options{Clock: func() time.Time { return now }})
	defer cleanup()

	enrollment := Ref{Collection: "enrollments", ID: "e1"}

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("enrollments", "e1").
		WillReturnRows(tombstoneRows("e1", 2))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertDocumentQuery)).
		WithArgs("enrollments", "e1", `{"courseId":"c1","studentId":"s1"}`, int64(2), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		snap, err := tx.Get(ctx, enrollment)
		if err != nil {
			return err
		}
		if snap.Exists {
			return errors.New("tombstone reported as existing")
		}
		return tx.Set(enrollment, map[string]interface{}{"studentId": "s1", "courseId": "c1"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetTombstone(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnRows(tombstoneRows("c1", 5))

	snap, err := store.Get(context.Background(), courseRef)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Nil(t, snap.Data)
	assert.Equal(t, int64(5), snap.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreReadOnlyTransactionSkipsCommit(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "ghost").
		WillReturnRows(sqlmock.NewRows(documentColumns))

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.Get(ctx, Ref{Collection: "courses", ID: "ghost"})
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUnavailable(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentQuery)).
		WithArgs("courses", "c1").
		WillReturnError(errors.New("connection refused"))

	err := store.RunTransaction(context.Background(), incrementStudents)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreQuery(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	rows := sqlmock.NewRows(documentColumns).
		AddRow("e1", []byte(`{"courseId":"c1","studentId":"s1"}`), int64(1), false).
		AddRow("e2", []byte(`{"courseId":"c1","studentId":"s2"}`), int64(1), false)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, data, version, deleted FROM documents WHERE collection = $1 AND NOT deleted AND data->>$2 = $3 ORDER BY id")).
		WithArgs("enrollments", "courseId", "c1").
		WillReturnRows(rows)

	docs, err := store.Query(context.Background(), "enrollments", "courseId", "c1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "s2", docs[1].String("studentId"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	store, mock, cleanup := newStoreMock(t, Options{})
	defer cleanup()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER TABLE documents ADD COLUMN IF NOT EXISTS deleted").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
