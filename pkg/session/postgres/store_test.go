package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/gatehouse/pkg/session"
)

const pgTestGrace = time.Minute

var selectColumns = []string{"payload", "next_token", "deletion_time"}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Config{RotationGrace: pgTestGrace}, nil), mock
}

func TestGet_ExistingRow(t *testing.T) {
	store, mock := newTestStore(t)
	tok := session.GenerateToken()

	mock.ExpectQuery("SELECT payload, next_token, deletion_time FROM sessions").
		WithArgs(tok).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow([]byte(`{"db":"main"}`), nil, nil))

	sess, err := store.Get(context.Background(), tok, false)
	require.NoError(t, err)
	assert.Equal(t, tok, sess.Token())
	assert.Equal(t, "main", sess.Database())
	assert.False(t, sess.IsNew())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_MissingRow(t *testing.T) {
	store, mock := newTestStore(t)
	tok := session.GenerateToken()

	mock.ExpectQuery("SELECT payload, next_token, deletion_time FROM sessions").
		WithArgs(tok).
		WillReturnRows(sqlmock.NewRows(selectColumns))

	sess, err := store.Get(context.Background(), tok, true)
	require.NoError(t, err)
	assert.True(t, sess.IsNew())
	assert.Equal(t, tok, sess.Token())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_MalformedTokenSkipsDatabase(t *testing.T) {
	store, mock := newTestStore(t)

	sess, err := store.Get(context.Background(), "../../etc/passwd", false)
	require.NoError(t, err)
	assert.True(t, sess.IsNew())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_FollowsRotationPointer(t *testing.T) {
	store, mock := newTestStore(t)
	old := session.GenerateToken()
	next := session.SuccessorToken(old)

	mock.ExpectQuery("SELECT payload, next_token, deletion_time FROM sessions").
		WithArgs(old).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow([]byte(`{}`), next, time.Now().Add(pgTestGrace)))
	mock.ExpectQuery("SELECT payload, next_token, deletion_time FROM sessions").
		WithArgs(next).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow([]byte(`{"uid":9}`), nil, nil))

	sess, err := store.Get(context.Background(), old, false)
	require.NoError(t, err)
	assert.Equal(t, next, sess.Token())
	uid, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(9), uid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Upsert(t *testing.T) {
	store, mock := newTestStore(t)
	sess := session.New(session.GenerateToken())
	sess.SetDatabase("main")

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), sess))
	assert.False(t, sess.Dirty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_DBError(t *testing.T) {
	store, mock := newTestStore(t)
	sess := session.New(session.GenerateToken())

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("connection refused"))

	assert.Error(t, store.Save(context.Background(), sess))
}

func TestRotate_Hard(t *testing.T) {
	store, mock := newTestStore(t)
	sess := session.New(session.GenerateToken())
	old := sess.Token()

	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Rotate(context.Background(), sess, false))
	assert.NotEqual(t, old, sess.Token())
	assert.NotEqual(t, old[:session.TokenPrefixLen], sess.Token()[:session.TokenPrefixLen])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotate_SoftClaimsPointer(t *testing.T) {
	store, mock := newTestStore(t)
	sess := session.New(session.GenerateToken())
	old := sess.Token()

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Rotate(context.Background(), sess, true))
	assert.Equal(t, old[:session.TokenPrefixLen], sess.Token()[:session.TokenPrefixLen])
	assert.NotEqual(t, old, sess.Token())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotate_SoftLoserAdoptsWinner(t *testing.T) {
	store, mock := newTestStore(t)
	sess := session.New(session.GenerateToken())
	old := sess.Token()
	winner := session.SuccessorToken(old)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Pointer already claimed by a concurrent request.
	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT next_token FROM sessions").
		WithArgs(old).
		WillReturnRows(sqlmock.NewRows([]string{"next_token"}).AddRow(winner))
	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Rotate(context.Background(), sess, true))
	assert.Equal(t, winner, sess.Token())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVacuum(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sessions WHERE updated_at").
		WillReturnResult(sqlmock.NewResult(0, 4))

	assert.NoError(t, store.Vacuum(context.Background(), 24*time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFromIdentifiers_SkipsMalformed(t *testing.T) {
	store, mock := newTestStore(t)
	tok := session.GenerateToken()

	// Only the well-formed prefix reaches the database.
	mock.ExpectExec("DELETE FROM sessions WHERE token LIKE").
		WithArgs(tok[:session.TokenPrefixLen] + "%").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeleteFromIdentifiers(context.Background(),
		[]string{"%", "../x", tok[:session.TokenPrefixLen]})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingIdentifiers(t *testing.T) {
	store, mock := newTestStore(t)
	present := session.GenerateToken()
	absent := session.GenerateToken()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(present[:session.TokenPrefixLen] + "%").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(absent[:session.TokenPrefixLen] + "%").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	missing, err := store.MissingIdentifiers(context.Background(), []string{
		present[:session.TokenPrefixLen],
		absent[:session.TokenPrefixLen],
	})
	require.NoError(t, err)
	assert.Equal(t, []string{absent[:session.TokenPrefixLen]}, missing)
}
