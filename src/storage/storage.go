// Package storage is the durable ledger of the treasury: the wallet, the
// outputs it owns, transaction records, per-user withdrawal counters and the
// aggregate balance.
//
// Two drivers are supported. SQLite ("sqlite3") is the default; Postgres is
// used through the pgx stdlib driver ("pgx"). All mutations that have to be
// serialized against each other run inside Storage.Exclusive.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ledgerLockID is the Postgres advisory lock key of the exclusive section.
const ledgerLockID = 0x74726573

var (
	ErrWalletExists = errors.New("a treasury wallet already exists")
	ErrNoWallet     = errors.New("no treasury wallet")
	ErrNotFound     = errors.New("not found")
)

// DataIntegrityError is returned when the stored aggregate balance does not
// match the sum of the unspent outputs.
type DataIntegrityError struct {
	Stored   uint64
	Computed uint64
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("stored balance %d differs from unspent outputs %d", e.Stored, e.Computed)
}

func IsErrorDataIntegrity(err error) bool {
	var target *DataIntegrityError
	return errors.As(err, &target)
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type dialect struct {
	driver string
}

// rebind rewrites `?` placeholders into `$n` for Postgres.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ledger holds the queries shared by Storage and LedgerTx.
type ledger struct {
	q querier
	d dialect
}

func (l *ledger) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return l.q.ExecContext(ctx, l.d.rebind(query), args...)
}

func (l *ledger) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return l.q.QueryContext(ctx, l.d.rebind(query), args...)
}

func (l *ledger) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return l.q.QueryRowContext(ctx, l.d.rebind(query), args...)
}

// Storage is the ledger store. Methods called on Storage directly run outside
// of the exclusive section and see committed state only.
type Storage struct {
	ledger
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// LedgerTx is the view of the ledger inside an exclusive section.
type LedgerTx struct {
	ledger
}

// NewStorage opens the database and creates missing tables.
func NewStorage(driver, dsn string) (*Storage, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s database", driver)
	}
	if driver == DriverSQLite {
		// one writer; readers wait for the exclusive section instead of
		// failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	s := &Storage{
		ledger: ledger{q: db, d: dialect{driver: driver}},
		db:     db,
		driver: driver,
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	params := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params
}

func (s *Storage) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "could not create schema")
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Driver is the name of the database driver in use.
func (s *Storage) Driver() string {
	return s.driver
}

// Exclusive runs fn in a database transaction that is serialized against
// every other exclusive section, in this process and in others sharing the
// database. fn's writes are committed together if it returns nil and rolled
// back otherwise. fn must only use the passed LedgerTx.
func (s *Storage) Exclusive(ctx context.Context, fn func(tx *LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin ledger transaction")
	}
	tx := &LedgerTx{ledger{q: dbtx, d: s.d}}

	if s.driver == DriverPostgres {
		if _, err := tx.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, ledgerLockID); err != nil {
			_ = dbtx.Rollback()
			return errors.Wrap(err, "could not acquire ledger lock")
		}
	}

	if err := fn(tx); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed (%s)", rbErr)
		}
		return err
	}

	if err := dbtx.Commit(); err != nil {
		return errors.Wrap(err, "could not commit ledger transaction")
	}
	return nil
}
