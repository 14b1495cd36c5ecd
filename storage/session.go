package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *Session
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SessionBeginner opens owned sessions
type SessionBeginner interface {
	BeginSession(ctx context.Context) (*Session, error)
}

// ErrSessionClosed is returned when a finished session is used again
var ErrSessionClosed = errors.New("session already closed")

// Session is a unit of work over one transaction. An owned session is finished by
// WithSession; a borrowed session (NewSession) belongs to the caller and is never
// committed, rolled back or closed by this package. A Session is not safe for
// concurrent use.
type Session struct {
	tx    *sql.Tx
	owned bool

	mu         sync.Mutex
	closes     int
	savepoints int
}

// NewSession wraps a caller-owned transaction as a borrowed session
func NewSession(tx *sql.Tx) *Session {
	return newSession(tx, false)
}

func newSession(tx *sql.Tx, owned bool) *Session {
	return &Session{tx: tx, owned: owned}
}

// Owned reports whether the session is finished by WithSession
func (s *Session) Owned() bool { return s.owned }

// Closed reports whether the session has been finished
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// CloseCount reports how many times the session was finished
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

// Savepoint runs fn inside a savepoint. Statements run by fn reach the transaction
// immediately; if fn fails only its own statements are rolled back and the session
// stays usable.
func (s *Session) Savepoint(ctx context.Context, fn func() error) error {
	s.savepoints++
	name := fmt.Sprintf("sp_%d", s.savepoints)

	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint (original error: %w, rollback error: %v)", err, rbErr)
		}
		_, _ = s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (s *Session) commit() error {
	if s.Closed() {
		return ErrSessionClosed
	}
	err := s.tx.Commit()
	s.markClosed()
	return err
}

func (s *Session) rollback() error {
	if s.Closed() {
		return ErrSessionClosed
	}
	err := s.tx.Rollback()
	s.markClosed()
	return err
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

// WithSession runs fn in a session. When sess is non-nil it is borrowed: fn runs on it
// and nothing is committed or closed. Otherwise a session is begun from begin and
// finished exactly once: committed when fn succeeds, rolled back when fn fails or
// panics (the panic is re-raised after the rollback).
func WithSession(ctx context.Context, begin SessionBeginner, sess *Session, fn func(*Session) error) (err error) {
	if sess != nil {
		return fn(sess)
	}

	owned, err := begin.BeginSession(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = owned.rollback()
			panic(p)
		}
	}()

	if err := fn(owned); err != nil {
		if rbErr := owned.rollback(); rbErr != nil {
			return fmt.Errorf("failed to roll back session (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := owned.commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}
