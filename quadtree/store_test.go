package quadtree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/kv"
	"github.com/stretchr/testify/require"
)

var backends = []struct {
	name string
	open func(t *testing.T, dir string) Store
}{
	{"memory", func(t *testing.T, _ string) Store { return NewKVStore(kv.NewMemory()) }},
	{"leveldb", func(t *testing.T, dir string) Store {
		db, err := kv.NewLevelDB(filepath.Join(dir, "leveldb"))
		require.NoError(t, err)
		return NewKVStore(db)
	}},
	{"sqlite", func(t *testing.T, dir string) Store {
		s, err := OpenSQLite(filepath.Join(dir, "index.db"))
		require.NoError(t, err)
		return s
	}},
	{"sqlite-memory", func(t *testing.T, _ string) Store {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		return s
	}},
}

// eachStore runs f once per backend with a fresh store that is closed on
// cleanup.
func eachStore(t *testing.T, f func(*testing.T, Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			t.Cleanup(func() { s.Close() })
			f(t, s)
		})
	}
}

func TestStoreNodes(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		re, ctx := require.New(t), context.Background()
		_, err := s.Node(ctx, 42)
		re.ErrorIs(err, ErrNotFound)

		root, err := s.CreateNode(ctx, 0, 0, geo.World)
		re.NoError(err)
		n, err := s.Node(ctx, root)
		re.NoError(err)
		re.Equal(&Node{ID: root, Extent: geo.World, State: Leaf{}}, n)
		re.True(n.IsLeaf())

		_, err = s.Children(ctx, root)
		re.ErrorIs(err, ErrCorrupt)
		re.ErrorIs(s.MarkBranch(ctx, root), ErrCorrupt)

		// created out of order, returned in quadrant order
		extents, ids := geo.World.Split(), [4]NodeID{}
		for _, i := range []int{3, 0, 2, 1} {
			ids[i], err = s.CreateNode(ctx, root, 1, extents[i])
			re.NoError(err)
		}
		children, err := s.Children(ctx, root)
		re.NoError(err)
		for i, c := range children {
			re.Equal(ids[i], c.ID, "quadrant %s", geo.Quadrant(i+1))
			re.Equal(extents[i], c.Extent)
			re.Equal(root, c.Parent)
			re.Equal(1, c.Depth)
		}

		re.NoError(s.SetCount(ctx, root, 3))
		n, err = s.Node(ctx, root)
		re.NoError(err)
		re.Equal(3, n.Count())

		re.NoError(s.MarkBranch(ctx, root))
		n, err = s.Node(ctx, root)
		re.NoError(err)
		re.False(n.IsLeaf())
		re.Equal(Branch{ids}, n.State)
		re.Equal(-1, n.Count())
		re.ErrorIs(s.SetCount(ctx, root, 1), ErrCorrupt)
		re.ErrorIs(s.MarkBranch(ctx, root), ErrCorrupt)

		depth, err := s.MaxDepth(ctx)
		re.NoError(err)
		re.Equal(1, depth)
	})
}

func TestStoreItems(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		re, ctx := require.New(t), context.Background()
		count, err := s.ItemCount(ctx)
		re.NoError(err)
		re.Equal(0, count)

		node, err := s.CreateNode(ctx, 0, 0, geo.World)
		re.NoError(err)
		items := []Item{}
		for i, b := range []geo.BBox{{XMin: 0, YMin: 0, XMax: 1, YMax: 1}, {XMin: -5, YMin: -5, XMax: -5, YMax: -5}, {XMin: -180, YMin: -90, XMax: 180, YMax: 90}} {
			id, err := s.CreateItem(ctx, fmt.Sprint("item-", i), b)
			re.NoError(err)
			items = append(items, Item{id, fmt.Sprint("item-", i), b})
		}
		re.NoError(s.LinkItem(ctx, node, items[2].ID))
		re.NoError(s.LinkItem(ctx, node, items[0].ID))
		linked, err := s.ItemsOf(ctx, node)
		re.NoError(err)
		re.Equal([]Item{items[0], items[2]}, linked)

		count, err = s.ItemCount(ctx)
		re.NoError(err)
		re.Equal(3, count)

		re.NoError(s.ClearLinks(ctx, node))
		linked, err = s.ItemsOf(ctx, node)
		re.NoError(err)
		re.Empty(linked)
	})
}

func TestStoreMeta(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		re, ctx := require.New(t), context.Background()
		_, err := s.LoadMeta(ctx)
		re.ErrorIs(err, ErrNotFound)
		m := Meta{Config{geo.BBox{XMin: -1, YMin: -2, XMax: 3, YMax: 4.5}, 7, 3, true}, 1}
		re.NoError(s.SaveMeta(ctx, m))
		loaded, err := s.LoadMeta(ctx)
		re.NoError(err)
		re.Equal(m, loaded)
		m.Root = 2
		re.NoError(s.SaveMeta(ctx, m))
		loaded, err = s.LoadMeta(ctx)
		re.NoError(err)
		re.Equal(m, loaded)
	})
}

func TestStoreTxn(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		re, ctx := require.New(t), context.Background()
		errAbort := fmt.Errorf("abort")
		err := s.RunInTxn(ctx, func(txn Txn) error {
			id, err := txn.CreateNode(ctx, 0, 0, geo.World)
			re.NoError(err)
			_, err = txn.CreateItem(ctx, "a", geo.BBox{})
			re.NoError(err)
			re.NoError(txn.LinkItem(ctx, id, 1))
			items, err := txn.ItemsOf(ctx, id)
			re.NoError(err)
			re.Len(items, 1)
			return errAbort
		})
		re.ErrorIs(err, errAbort)
		count, err := s.ItemCount(ctx)
		re.NoError(err)
		re.Equal(0, count)

		id := NodeID(0)
		re.NoError(s.RunInTxn(ctx, func(txn Txn) (err error) {
			id, err = txn.CreateNode(ctx, 0, 0, geo.World)
			return err
		}))
		n, err := s.Node(ctx, id)
		re.NoError(err)
		re.Equal(geo.World, n.Extent)
	})
}
