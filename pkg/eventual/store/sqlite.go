package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// SQLiteStore opens units of work against a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens the database at path. ":memory:" gives a private in-memory
// database held on a single connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs each statement outside any unit of work.
func (s *SQLiteStore) Migrate(ctx context.Context, statements ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB returns the underlying handle for reads outside a unit of work.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Begin opens a session. No transaction is started until the first write.
func (s *SQLiteStore) Begin(_ context.Context) (*SQLSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return &SQLSession{db: s.db}, nil
}

// Opener adapts Begin to uow.Opener.
func (s *SQLiteStore) Opener() uow.Opener {
	return func(ctx context.Context) (uow.Session, error) {
		return s.Begin(ctx)
	}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// SQLSession is a unit of work over one lazily started transaction. After a
// commit the next write starts a new transaction, so a background scope can
// commit once per notification.
type SQLSession struct {
	Tracker

	db      *sql.DB
	mu      sync.Mutex
	tx      *sql.Tx
	changed int64
}

var _ uow.Session = (*SQLSession)(nil)

func (s *SQLSession) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	s.changed = 0
	return tx, nil
}

// Exec runs a write inside the session transaction and counts affected rows.
func (s *SQLSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil {
		s.changed += n
	}
	return res, nil
}

// QueryRow reads through the open transaction when there is one, so a session
// sees its own uncommitted writes.
func (s *SQLSession) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx.QueryRowContext(ctx, query, args...)
	}
	return s.db.QueryRowContext(ctx, query, args...)
}

// Commit commits the open transaction and reports whether any row changed.
func (s *SQLSession) Commit(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return false, nil
	}
	tx, changed := s.tx, s.changed
	s.tx, s.changed = nil, 0
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return changed > 0, nil
}

// Rollback discards the open transaction, if any.
func (s *SQLSession) Rollback(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return
	}
	tx := s.tx
	s.tx, s.changed = nil, 0
	// ErrTxDone means the driver already aborted it.
	_ = tx.Rollback()
}
