package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx so action queries can run
// both standalone and inside an execution transaction.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store is the data access layer for actions, indexing rules and
// lifecycle events.
type Store struct {
	db *DB
}

// NewStore creates a new Store with the given DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// ExecuteTx runs fn inside a transaction on the write connection.
// The write pool is capped at one connection, so transactions started
// here are fully serialized against each other; this is the isolation
// guarantee the action executor depends on.
func (s *Store) ExecuteTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Write.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// txKey carries an open write transaction through a context.
type txKey struct{}

// WithTx returns a context that routes store writes onto tx. The write
// pool holds a single connection, so a write issued while a transaction
// is open on that pool waits on itself forever; anything performing
// store writes from inside ExecuteTx must receive a context built here.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// writer returns the querier a write should run on: the transaction
// carried by ctx when present, the write pool otherwise.
func (s *Store) writer(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.db.Write
}

// ReadDB returns the read database connection for queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

// Close closes the underlying databases.
func (s *Store) Close() error {
	return s.db.Close()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func setNullableString(target **string, src sql.NullString) {
	if src.Valid {
		*target = &src.String
	}
}
