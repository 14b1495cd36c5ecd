package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBeginner opens owned sessions on a sqlmock database and remembers them
type mockBeginner struct {
	db       *sql.DB
	sessions []*Session
	err      error
}

func (m *mockBeginner) BeginSession(ctx context.Context) (*Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	sess := newSession(tx, true)
	m.sessions = append(m.sessions, sess)
	return sess, nil
}

func newMockBeginner(t *testing.T) (*mockBeginner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &mockBeginner{db: db}, mock
}

func TestWithSession_OwnedCommitsOnce(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE last_alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithSession(context.Background(), begin, nil, func(s *Session) error {
		_, err := s.ExecContext(context.Background(), "UPDATE last_alerts SET status = 'firing'")
		return err
	})
	require.NoError(t, err)

	require.Len(t, begin.sessions, 1)
	assert.True(t, begin.sessions[0].Owned())
	assert.Equal(t, 1, begin.sessions[0].CloseCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSession_OwnedRollsBackOnError(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := WithSession(context.Background(), begin, nil, func(*Session) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, begin.sessions[0].CloseCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSession_OwnedRollsBackOnPanic(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = WithSession(context.Background(), begin, nil, func(*Session) error { panic("kaboom") })
	})

	assert.Equal(t, 1, begin.sessions[0].CloseCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSession_CommitFailureStillClosesOnce(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := WithSession(context.Background(), begin, nil, func(*Session) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit session")
	assert.Equal(t, 1, begin.sessions[0].CloseCount())
}

func TestWithSession_BeginFailurePropagates(t *testing.T) {
	begin, _ := newMockBeginner(t)
	begin.err = errors.New("pool exhausted")

	called := false
	err := WithSession(context.Background(), begin, nil, func(*Session) error {
		called = true
		return nil
	})
	assert.EqualError(t, err, "pool exhausted")
	assert.False(t, called)
}

func TestWithSession_BorrowedIsNeverFinished(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	tx, err := begin.db.Begin()
	require.NoError(t, err)
	borrowed := NewSession(tx)

	boom := errors.New("boom")
	err = WithSession(context.Background(), begin, borrowed, func(s *Session) error {
		assert.Same(t, borrowed, s)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.False(t, borrowed.Owned())
	assert.False(t, borrowed.Closed(), "Borrowed session must not be rolled back")
	assert.Empty(t, begin.sessions, "No session should have been begun")
	// Neither commit nor rollback was issued
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_SavepointReleasesOnSuccess(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO audit_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))

	sess, err := begin.BeginSession(context.Background())
	require.NoError(t, err)

	err = sess.Savepoint(context.Background(), func() error {
		_, err := sess.ExecContext(context.Background(), "INSERT INTO audit_records DEFAULT VALUES")
		return err
	})
	require.NoError(t, err)
	assert.False(t, sess.Closed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_SavepointRollsBackOnlyItsWork(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(errors.New("constraint"))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))

	sess, err := begin.BeginSession(context.Background())
	require.NoError(t, err)

	err = sess.Savepoint(context.Background(), func() error {
		_, err := sess.ExecContext(context.Background(), "INSERT INTO audit_records DEFAULT VALUES")
		return err
	})
	require.Error(t, err)
	assert.False(t, sess.Closed(), "Savepoint failure must not finish the session")

	require.NoError(t, sess.Savepoint(context.Background(), func() error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_FinishTwiceFails(t *testing.T) {
	begin, mock := newMockBeginner(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	sess, err := begin.BeginSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.commit())
	assert.ErrorIs(t, sess.rollback(), ErrSessionClosed)
	assert.Equal(t, 1, sess.CloseCount())
}
