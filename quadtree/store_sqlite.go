package quadtree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/sqlite"
)

var sqliteMigrations = []string{
	`CREATE TABLE meta (
       id INTEGER PRIMARY KEY CHECK (id = 1),
       xmin REAL NOT NULL, ymin REAL NOT NULL, xmax REAL NOT NULL, ymax REAL NOT NULL,
       max_items INTEGER NOT NULL,
       max_depth INTEGER NOT NULL,
       lazy_split INTEGER NOT NULL,
       root INTEGER NOT NULL)`,
	`CREATE TABLE nodes (
       id INTEGER PRIMARY KEY,
       parent INTEGER REFERENCES nodes(id),
       depth INTEGER NOT NULL,
       count INTEGER, -- NULL for branches
       xmin REAL NOT NULL, ymin REAL NOT NULL, xmax REAL NOT NULL, ymax REAL NOT NULL)`,
	`CREATE INDEX nodes_parent ON nodes (parent, ymin, xmin)`,
	`CREATE TABLE items (
       id INTEGER PRIMARY KEY,
       payload TEXT NOT NULL,
       xmin REAL NOT NULL, ymin REAL NOT NULL, xmax REAL NOT NULL, ymax REAL NOT NULL)`,
	`CREATE TABLE links (
       node INTEGER NOT NULL REFERENCES nodes(id),
       item INTEGER NOT NULL REFERENCES items(id),
       PRIMARY KEY (node, item)) WITHOUT ROWID`,
}

const nodeColumns = `id, parent, depth, count, xmin, ymin, xmax, ymax`

var sqliteStmts = map[string]string{
	"node.insert":   `INSERT INTO nodes (parent, depth, count, xmin, ymin, xmax, ymax) VALUES (?, ?, 0, ?, ?, ?, ?)`,
	"node.get":      `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`,
	"node.children": `SELECT ` + nodeColumns + ` FROM nodes WHERE parent = ? ORDER BY ymin, xmin`,
	"node.childIDs": `SELECT id FROM nodes WHERE parent = ? ORDER BY ymin, xmin`,
	"node.count":    `UPDATE nodes SET count = ? WHERE id = ? AND count IS NOT NULL`,
	"node.branch":   `UPDATE nodes SET count = NULL WHERE id = ? AND count IS NOT NULL`,
	"node.maxDepth": `SELECT coalesce(max(depth), 0) FROM nodes`,
	"item.insert":   `INSERT INTO items (payload, xmin, ymin, xmax, ymax) VALUES (?, ?, ?, ?, ?)`,
	"item.count":    `SELECT count(*) FROM items`,
	"link.insert":   `INSERT INTO links (node, item) VALUES (?, ?)`,
	"link.items": `SELECT items.id, items.payload, items.xmin, items.ymin, items.xmax, items.ymax
                   FROM links JOIN items ON items.id = links.item
                   WHERE links.node = ? ORDER BY items.id`,
	"link.clear": `DELETE FROM links WHERE node = ?`,
	"meta.get":   `SELECT xmin, ymin, xmax, ymax, max_items, max_depth, lazy_split, root FROM meta WHERE id = 1`,
	"meta.save": `INSERT OR REPLACE INTO meta (id, xmin, ymin, xmax, ymax, max_items, max_depth, lazy_split, root)
                  VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
}

type sqliteStore struct {
	sqliteTxn
	db *sqlite.DB
}

type sqliteTxn struct{ c sqlite.Connection }

// OpenSQLite opens (and migrates) the SQLite database at dsn as a Store.
// Branches are stored as nodes with a NULL count.
func OpenSQLite(dsn string) (Store, error) {
	db, err := sqlite.New(dsn, sqliteMigrations, sqliteStmts, "PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return &sqliteStore{sqliteTxn{db}, db}, nil
}

func (s *sqliteStore) RunInTxn(ctx context.Context, f func(Txn) error) error {
	return s.db.RunInTx(ctx, func(tx *sqlite.Tx) error { return f(sqliteTxn{tx}) })
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func scanNode(s sqlite.Scanner) (*Node, error) {
	n, parent, count := &Node{}, sql.NullInt64{}, sql.NullInt64{}
	err := s.Scan(&n.ID, &parent, &n.Depth, &count, &n.Extent.XMin, &n.Extent.YMin, &n.Extent.XMax, &n.Extent.YMax)
	n.Parent = NodeID(parent.Int64)
	if count.Valid {
		n.State = Leaf{int(count.Int64)}
	} else {
		n.State = Branch{}
	}
	return n, err
}

func scanItem(s sqlite.Scanner) (i Item, err error) {
	return i, s.Scan(&i.ID, &i.Payload, &i.BBox.XMin, &i.BBox.YMin, &i.BBox.XMax, &i.BBox.YMax)
}

func scanNodeID(s sqlite.Scanner) (id NodeID, err error) { return id, s.Scan(&id) }

// resolve fills in the child ids of branches. It runs after the rows of the
// node query are closed, as in-memory databases only have one connection.
func (t sqliteTxn) resolve(ctx context.Context, n *Node) error {
	if n.IsLeaf() {
		return nil
	}
	ids, err := sqlite.Query(ctx, t.c, "node.childIDs", scanNodeID, n.ID)
	if err != nil {
		return err
	} else if len(ids) != 4 {
		return fmt.Errorf("%w: node %d has %d children", ErrCorrupt, n.ID, len(ids))
	}
	n.State = Branch{[4]NodeID(ids)}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sqlite.ErrNoResults) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

func (t sqliteTxn) CreateNode(ctx context.Context, parent NodeID, depth int, extent geo.BBox) (NodeID, error) {
	p := sql.NullInt64{Int64: int64(parent), Valid: parent != 0}
	id, _, err := sqlite.Exec(ctx, t.c, "node.insert", p, depth, extent.XMin, extent.YMin, extent.XMax, extent.YMax)
	return NodeID(id), err
}

func (t sqliteTxn) Node(ctx context.Context, id NodeID) (*Node, error) {
	n, err := sqlite.QueryOne(ctx, t.c, "node.get", scanNode, id)
	if err != nil {
		return nil, notFound(err, "node %d", id)
	}
	return n, t.resolve(ctx, n)
}

func (t sqliteTxn) Children(ctx context.Context, id NodeID) ([4]*Node, error) {
	ns, err := sqlite.Query(ctx, t.c, "node.children", scanNode, id)
	if err != nil {
		return [4]*Node{}, err
	} else if len(ns) != 4 {
		return [4]*Node{}, fmt.Errorf("%w: node %d has %d children", ErrCorrupt, id, len(ns))
	}
	for _, n := range ns {
		if err := t.resolve(ctx, n); err != nil {
			return [4]*Node{}, err
		}
	}
	return [4]*Node(ns), nil
}

func (t sqliteTxn) SetCount(ctx context.Context, id NodeID, count int) error {
	return t.update(ctx, "node.count", id, count, id)
}

func (t sqliteTxn) MarkBranch(ctx context.Context, id NodeID) error {
	ids, err := sqlite.Query(ctx, t.c, "node.childIDs", scanNodeID, id)
	if err != nil {
		return err
	} else if len(ids) != 4 {
		return fmt.Errorf("%w: node %d has %d children", ErrCorrupt, id, len(ids))
	}
	return t.update(ctx, "node.branch", id, id)
}

// update runs a statement that must change exactly one leaf.
func (t sqliteTxn) update(ctx context.Context, stmt string, id NodeID, args ...any) error {
	_, count, err := sqlite.Exec(ctx, t.c, stmt, args...)
	if err != nil {
		return err
	} else if count != 1 {
		return fmt.Errorf("%w: node %d is missing or a branch", ErrCorrupt, id)
	}
	return nil
}

func (t sqliteTxn) CreateItem(ctx context.Context, payload string, bbox geo.BBox) (ItemID, error) {
	id, _, err := sqlite.Exec(ctx, t.c, "item.insert", payload, bbox.XMin, bbox.YMin, bbox.XMax, bbox.YMax)
	return ItemID(id), err
}

func (t sqliteTxn) LinkItem(ctx context.Context, node NodeID, item ItemID) error {
	_, _, err := sqlite.Exec(ctx, t.c, "link.insert", node, item)
	return err
}

func (t sqliteTxn) ItemsOf(ctx context.Context, node NodeID) ([]Item, error) {
	return sqlite.Query(ctx, t.c, "link.items", scanItem, node)
}

func (t sqliteTxn) ClearLinks(ctx context.Context, node NodeID) error {
	_, _, err := sqlite.Exec(ctx, t.c, "link.clear", node)
	return err
}

func (t sqliteTxn) ItemCount(ctx context.Context) (int, error) {
	n, err := sqlite.QueryOne(ctx, t.c, "item.count", sqlite.ScanInt)
	return int(n), err
}

func (t sqliteTxn) MaxDepth(ctx context.Context) (int, error) {
	n, err := sqlite.QueryOne(ctx, t.c, "node.maxDepth", sqlite.ScanInt)
	return int(n), err
}

func (t sqliteTxn) LoadMeta(ctx context.Context) (Meta, error) {
	m, err := sqlite.QueryOne(ctx, t.c, "meta.get", func(s sqlite.Scanner) (m Meta, err error) {
		e := &m.Extent
		return m, s.Scan(&e.XMin, &e.YMin, &e.XMax, &e.YMax, &m.MaxItems, &m.MaxDepth, &m.LazySplit, &m.Root)
	})
	if err != nil {
		return Meta{}, notFound(err, "meta")
	}
	return m, nil
}

func (t sqliteTxn) SaveMeta(ctx context.Context, m Meta) error {
	e := m.Extent
	_, _, err := sqlite.Exec(ctx, t.c, "meta.save", e.XMin, e.YMin, e.XMax, e.YMax, m.MaxItems, m.MaxDepth, m.LazySplit, m.Root)
	return err
}
