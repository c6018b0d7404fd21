package quadtree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/ops"
)

type Index struct {
	Config
	Metrics *ops.M
	Tracer  *ops.T
	root    NodeID
	store   Store
	mu      sync.RWMutex
}

// Build creates a new index with a single empty root leaf covering c.Extent.
func Build(ctx context.Context, s Store, c Config) (*Index, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	x := &Index{Config: c, store: s}
	err := s.RunInTxn(ctx, func(txn Txn) error {
		if _, err := txn.LoadMeta(ctx); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		root, err := txn.CreateNode(ctx, 0, 0, c.Extent)
		if err != nil {
			return fmt.Errorf("failed to create root: %w", err)
		}
		x.root = root
		return txn.SaveMeta(ctx, Meta{Config: c, Root: root})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	slog.InfoContext(ctx, "quadtree: built", "extent", c.Extent, "maxItems", c.MaxItems, "maxDepth", c.MaxDepth)
	return x, nil
}

// Open loads the index persisted in s. It returns ErrNotFound if s is empty.
func Open(ctx context.Context, s Store) (*Index, error) {
	m, err := s.LoadMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	} else if err := m.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: stored config: %w", ErrCorrupt, err)
	} else if m.Root == 0 {
		return nil, fmt.Errorf("%w: no root", ErrCorrupt)
	}
	slog.InfoContext(ctx, "quadtree: opened", "extent", m.Extent, "root", m.Root)
	return &Index{Config: m.Config, root: m.Root, store: s}, nil
}

func (x *Index) Root() NodeID { return x.root }

func (x *Index) Insert(ctx context.Context, payload string, bbox geo.BBox) (ItemID, error) {
	if err := x.checkInsert(bbox); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	id := ItemID(0)
	err := x.store.RunInTxn(ctx, func(txn Txn) (err error) {
		id, err = x.insertItem(ctx, txn, payload, bbox)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert %q: %w", payload, err)
	}
	return id, nil
}

// InsertAll inserts es in a single transaction. Either all entries are
// inserted or none.
func (x *Index) InsertAll(ctx context.Context, es []Entry) error {
	for i, e := range es {
		if err := x.checkInsert(e.BBox); err != nil {
			return fmt.Errorf("entry %d (%q): %w", i, e.Payload, err)
		}
	}
	ctx, span := x.Tracer.Start(ctx, "quadtree.InsertAll")
	defer span.Close()
	span.Set("entries", fmt.Sprint(len(es)))
	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.store.RunInTxn(ctx, func(txn Txn) error {
		for _, e := range es {
			if err := ctx.Err(); err != nil {
				return err
			} else if _, err := x.insertItem(ctx, txn, e.Payload, e.BBox); err != nil {
				return fmt.Errorf("failed to insert %q: %w", e.Payload, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "quadtree: bulk insert", "entries", len(es))
	return nil
}

func (x *Index) checkInsert(bbox geo.BBox) error {
	if err := validBBox(bbox); err != nil {
		return err
	} else if !x.Extent.Contains(bbox) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfExtent, bbox, x.Extent)
	}
	return nil
}

func (x *Index) insertItem(ctx context.Context, txn Txn, payload string, bbox geo.BBox) (ItemID, error) {
	id, err := txn.CreateItem(ctx, payload, bbox)
	if err != nil {
		return 0, fmt.Errorf("failed to create item: %w", err)
	}
	root, err := txn.Node(ctx, x.root)
	if err != nil {
		return 0, fmt.Errorf("failed to load root: %w", err)
	}
	if err := x.insert(ctx, txn, root, Item{id, payload, bbox}); err != nil {
		return 0, err
	}
	x.Metrics.Counter("quadtree_inserts", 1)
	return id, nil
}

func (x *Index) insert(ctx context.Context, txn Txn, n *Node, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch s := n.State.(type) {
	case Leaf:
		if err := txn.LinkItem(ctx, n.ID, item.ID); err != nil {
			return fmt.Errorf("failed to link item %d to node %d: %w", item.ID, n.ID, err)
		}
		n.State = Leaf{s.Count + 1}
		if err := txn.SetCount(ctx, n.ID, s.Count+1); err != nil {
			return fmt.Errorf("failed to update count of node %d: %w", n.ID, err)
		}
		x.Metrics.Counter("quadtree_links", 1)
		if x.overfull(n) {
			return x.split(ctx, txn, n)
		}
		return nil
	case Branch:
		cx, cy := n.Extent.Center()
		for _, q := range item.BBox.Quadrants(cx, cy) {
			child, err := txn.Node(ctx, s.Children[q-1])
			if err != nil {
				return fmt.Errorf("failed to load %s child of node %d: %w", q, n.ID, err)
			} else if err := x.insert(ctx, txn, child, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: node %d has unknown state %T", ErrCorrupt, n.ID, n.State)
	}
}

func (x *Index) overfull(n *Node) bool {
	return n.Count() > x.MaxItems && n.Depth < x.MaxDepth
}

// split turns leaf n into a branch and moves its items into four new leaves.
// Unless LazySplit is set, children that are still overfull are split right
// away.
func (x *Index) split(ctx context.Context, txn Txn, n *Node) error {
	start := time.Now()
	children, ids := [4]*Node{}, [4]NodeID{}
	for i, extent := range n.Extent.Split() {
		id, err := txn.CreateNode(ctx, n.ID, n.Depth+1, extent)
		if err != nil {
			return fmt.Errorf("failed to create child of node %d: %w", n.ID, err)
		}
		children[i] = &Node{ID: id, Parent: n.ID, Depth: n.Depth + 1, Extent: extent, State: Leaf{}}
		ids[i] = id
	}
	items, err := txn.ItemsOf(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("failed to read items of node %d: %w", n.ID, err)
	}
	counts := [4]int{}
	cx, cy := n.Extent.Center()
	for _, item := range items {
		for _, q := range item.BBox.Quadrants(cx, cy) {
			if err := txn.LinkItem(ctx, ids[q-1], item.ID); err != nil {
				return fmt.Errorf("failed to link item %d to node %d: %w", item.ID, ids[q-1], err)
			}
			counts[q-1]++
		}
	}
	links := 0
	for i, c := range children {
		if err := txn.SetCount(ctx, c.ID, counts[i]); err != nil {
			return fmt.Errorf("failed to update count of node %d: %w", c.ID, err)
		}
		c.State, links = Leaf{counts[i]}, links+counts[i]
	}
	if err := txn.ClearLinks(ctx, n.ID); err != nil {
		return fmt.Errorf("failed to clear links of node %d: %w", n.ID, err)
	} else if err := txn.MarkBranch(ctx, n.ID); err != nil {
		return fmt.Errorf("failed to mark node %d as branch: %w", n.ID, err)
	}
	n.State = Branch{ids}
	x.Metrics.Counter("quadtree_splits", 1)
	x.Metrics.Counter("quadtree_links", int64(links-len(items)))
	slog.DebugContext(ctx, "quadtree: split", "node", n.ID, "depth", n.Depth, "items", len(items),
		"counts", counts, "took", time.Since(start))
	if x.LazySplit {
		return nil
	}
	for _, c := range children {
		if x.overfull(c) {
			if err := x.split(ctx, txn, c); err != nil {
				return err
			}
		}
	}
	return nil
}
