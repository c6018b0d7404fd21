package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
)

type Connection interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Stmt(string) *sql.Stmt
}

type DB struct {
	stmts map[string]*sql.Stmt
	*sql.DB
}

type Tx struct {
	*sql.Tx
	*DB
}

var ErrMigrate = fmt.Errorf("schema needs to be rebuilt")

var driverIndex = 0
var driverMu sync.Mutex

// New opens the database at name, runs each pragma on every new connection,
// applies missing migrations and prepares stmts. Prepared statements are
// looked up by key in Exec/Query, so callers can pass either a key or raw SQL.
func New(name string, migrations []string, stmts map[string]string, pragmas ...string) (*DB, error) {
	d := &DB{stmts: map[string]*sql.Stmt{}}
	driverMu.Lock()
	driver := fmt.Sprintf("sqlite3-qtdb-%d", driverIndex)
	driverIndex++
	sql.Register(driver, &sqlite3.SQLiteDriver{ConnectHook: func(c *sqlite3.SQLiteConn) error {
		for _, p := range pragmas {
			if _, err := c.Exec(p, nil); err != nil {
				return fmt.Errorf("failed to apply %q: %w", p, err)
			}
		}
		return nil
	}})
	driverMu.Unlock()
	db, err := sql.Open(driver, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	if strings.Contains(name, ":memory:") || strings.Contains(name, "mode=memory") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	d.DB = db
	if err := d.Migrate(context.Background(), migrations); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	for k, sql := range stmts {
		stmt, err := db.Prepare(sql)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to prepare %q: %w", k, err), d.Close())
		}
		d.stmts[k] = stmt
	}
	return d, nil
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	return &Tx{tx, db}, err
}

func (db *DB) Stmt(k string) *sql.Stmt {
	return db.stmts[k]
}

func (tx *Tx) Stmt(k string) *sql.Stmt {
	if stmt := tx.DB.Stmt(k); stmt != nil {
		return tx.Tx.StmtContext(context.Background(), stmt)
	}
	return nil
}

// RunInTx commits if f returns nil and rolls back otherwise.
func (db *DB) RunInTx(ctx context.Context, f func(*Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := f(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Join(err, fmt.Errorf("failed to rollback: %w", rErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	errs := []error{}
	for _, stmt := range db.stmts {
		errs = append(errs, stmt.Close())
	}
	return errors.Join(append(errs, db.DB.Close())...)
}

func (db *DB) Migrate(ctx context.Context, migrations []string) error {
	if migrations == nil {
		return nil
	}
	return db.RunInTx(ctx, func(tx *Tx) error {
		if _, _, err := Exec(ctx, tx, `CREATE TABLE IF NOT EXISTS _migrations (sql TEXT)`); err != nil {
			return fmt.Errorf("failed to create _migrations table: %w", err)
		}
		applied, err := Query(ctx, tx, "SELECT sql FROM _migrations ORDER BY rowid", ScanString)
		if err != nil {
			return fmt.Errorf("failed to query _migrations: %w", err)
		}
		if len(applied) > len(migrations) {
			return fmt.Errorf("%w: %d migrations applied, %d known", ErrMigrate, len(applied), len(migrations))
		}
		for i := range applied {
			if migrations[i] != applied[i] {
				return fmt.Errorf("%w: migration %d changed", ErrMigrate, i)
			}
		}
		for _, stmt := range migrations[len(applied):] {
			if _, _, err := Exec(ctx, tx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %q: %w", stmt, err)
			}
			if _, _, err := Exec(ctx, tx, "INSERT INTO _migrations (sql) VALUES (?)", stmt); err != nil {
				return fmt.Errorf("failed to record migration %q: %w", stmt, err)
			}
		}
		return nil
	})
}
