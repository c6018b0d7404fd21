package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNoResults = fmt.Errorf("empty results")

// Scanner scans the current row. *sql.Rows satisfies it.
type Scanner interface {
	Scan(dest ...any) error
}

func Exec(ctx context.Context, c Connection, q string, args ...any) (id, count int64, err error) {
	var result sql.Result
	if stmt := c.Stmt(q); stmt != nil {
		result, err = stmt.ExecContext(ctx, args...)
	} else {
		result, err = c.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return 0, 0, err
	}
	id, idErr := result.LastInsertId()
	count, countErr := result.RowsAffected()
	return id, count, errors.Join(idErr, countErr)
}

func Query[T any](ctx context.Context, c Connection, q string, scan func(Scanner) (T, error), args ...any) ([]T, error) {
	vs := []T{}
	err := Each(ctx, c, q, func(s Scanner) error {
		v, err := scan(s)
		vs = append(vs, v)
		return err
	}, args...)
	return vs, err
}

func QueryOne[T any](ctx context.Context, c Connection, q string, scan func(Scanner) (T, error), args ...any) (T, error) {
	vs, err := Query(ctx, c, q, scan, args...)
	if err != nil {
		return *new(T), err
	} else if len(vs) == 0 {
		return *new(T), ErrNoResults
	}
	return vs[0], nil
}

func Each(ctx context.Context, c Connection, q string, f func(Scanner) error, args ...any) error {
	var rows *sql.Rows
	var err error
	if stmt := c.Stmt(q); stmt != nil {
		rows, err = stmt.QueryContext(ctx, args...)
	} else {
		rows, err = c.QueryContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := f(rows); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil
}

func ScanString(s Scanner) (v string, err error) { return v, s.Scan(&v) }
func ScanInt(s Scanner) (v int64, err error) {
	n := sql.NullInt64{}
	err = s.Scan(&n)
	return n.Int64, err
}
