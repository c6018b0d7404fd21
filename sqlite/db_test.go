package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

var docsSQL = []string{
	`CREATE TABLE docs (id INTEGER PRIMARY KEY, title TEXT)`,
	`INSERT INTO docs (title) VALUES ('doc one'), ('doc two')`,
}

func TestMigrate(t *testing.T) {
	ctx, path := context.Background(), filepath.Join(t.TempDir(), "db.sqlite")
	db, err := New(path, docsSQL, nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	t.Run("reopen applies nothing twice", func(t *testing.T) {
		db, err := New(path, docsSQL, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		titles, err := Query(ctx, db, "SELECT title FROM docs ORDER BY id", ScanString)
		if err != nil || len(titles) != 2 || titles[0] != "doc one" {
			t.Fatalf("unexpected docs %v %v", titles, err)
		}
	})
	t.Run("appends new migrations", func(t *testing.T) {
		db, err := New(path, append(docsSQL, `ALTER TABLE docs ADD COLUMN body TEXT`), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		if _, _, err := Exec(ctx, db, "UPDATE docs SET body = 'x'"); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("rejects changed migrations", func(t *testing.T) {
		_, err := New(path, []string{`CREATE TABLE other (id)`}, nil)
		if !errors.Is(err, ErrMigrate) {
			t.Fatalf("expected ErrMigrate, got %v", err)
		}
	})
}

func TestStmtAndTx(t *testing.T) {
	ctx := context.Background()
	db, err := New(":memory:", docsSQL, map[string]string{
		"insert": "INSERT INTO docs (title) VALUES (?)",
		"count":  "SELECT count(*) FROM docs",
	}, "PRAGMA foreign_keys = ON")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	t.Run("prepared stmt by key", func(t *testing.T) {
		id, n, err := Exec(ctx, db, "insert", "doc three")
		if err != nil || id != 3 || n != 1 {
			t.Fatalf("got id=%d n=%d err=%v", id, n, err)
		}
	})
	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.RunInTx(ctx, func(tx *Tx) error {
			if _, _, err := Exec(ctx, tx, "insert", "doc four"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if n, err := QueryOne(ctx, db, "count", ScanInt); err != nil || n != 3 {
			t.Fatalf("expected rollback to keep 3 docs, got %d %v", n, err)
		}
	})
	t.Run("commit", func(t *testing.T) {
		err := db.RunInTx(ctx, func(tx *Tx) error {
			_, _, err := Exec(ctx, tx, "insert", "doc four")
			return err
		})
		if n, qErr := QueryOne(ctx, db, "count", ScanInt); err != nil || qErr != nil || n != 4 {
			t.Fatalf("expected 4 docs, got %d %v %v", n, err, qErr)
		}
	})
	t.Run("no results", func(t *testing.T) {
		if _, err := QueryOne(ctx, db, "SELECT title FROM docs WHERE id = -1", ScanString); !errors.Is(err, ErrNoResults) {
			t.Fatalf("expected ErrNoResults, got %v", err)
		}
	})
}
