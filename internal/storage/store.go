package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/peerdrop/peerdrop/internal/storage/migrations"
)

// MemoryPath selects a purely in-memory database.
const MemoryPath = ":memory:"

// Store is the single logical storage handle. All operations are
// serialised; every externally observable event is written here before
// it is emitted.
//
// A failing operation is retried once. If it still fails the store
// swaps itself for an in-memory database and keeps servicing requests
// without durability; the onLost callback fires exactly once so the
// engine can surface RuntimeError(DbLost).
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	log    *slog.Logger
	path   string
	lost   bool
	onLost func()
}

// New opens (or creates) the database at path and migrates it to the
// latest schema. onLost may be nil.
func New(path string, log *slog.Logger, onLost func()) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log, path: path, onLost: onLost}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The store serialises all access itself; a single connection
	// avoids table-lock contention inside sqlite.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Lost reports whether durability has been lost and the store is
// running in memory.
func (s *Store) Lost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// run executes op under the store lock with the retry and in-memory
// fallback policy. Domain errors (ErrNotFound, ErrTerminalState, …)
// are returned as-is and never trigger the fallback.
func (s *Store) run(name string, op func(db *sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := op(s.db)
	if err == nil || isDomainErr(err) {
		return err
	}

	s.log.Warn("storage operation failed, retrying", "op", name, "error", err)
	err = op(s.db)
	if err == nil || isDomainErr(err) {
		return err
	}

	if !s.lost {
		s.log.Error("storage lost, switching to in-memory store", "op", name, "error", err)
		mem, memErr := open(MemoryPath)
		if memErr != nil {
			return fmt.Errorf("storage lost and fallback failed: %w", memErr)
		}
		s.db.Close()
		s.db = mem
		s.lost = true
		if s.onLost != nil {
			s.onLost()
		}
		// Best effort: replay the operation against the fresh store.
		if rerr := op(s.db); rerr == nil || isDomainErr(rerr) {
			return rerr
		}
	}
	return err
}

func isDomainErr(err error) bool {
	for _, domain := range []error{ErrNotFound, ErrEmptyTransfer, ErrTerminalState, ErrNonMonotonic, ErrDuplicate} {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}
