package quadtree

import (
	"context"
	"fmt"
)

type Stats struct {
	Items    int `json:"items"`
	Nodes    int `json:"nodes"`
	Leaves   int `json:"leaves"`
	Branches int `json:"branches"`
	Links    int `json:"links"`
	MaxDepth int `json:"maxDepth"`
	// MaxBucket is the item count of the fullest leaf.
	MaxBucket int `json:"maxBucket"`
	// Saturated counts leaves at MaxDepth holding more than MaxItems.
	Saturated int `json:"saturated"`
}

func (x *Index) Stats(ctx context.Context) (Stats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := Stats{}
	err := x.walk(ctx, x.Extent, func(n *Node, _ []NodeID) error {
		s.Nodes++
		s.MaxDepth = max(s.MaxDepth, n.Depth)
		if !n.IsLeaf() {
			s.Branches++
			return nil
		}
		c := n.Count()
		s.Leaves, s.Links, s.MaxBucket = s.Leaves+1, s.Links+c, max(s.MaxBucket, c)
		if c > x.MaxItems && n.Depth >= x.MaxDepth {
			s.Saturated++
		}
		return nil
	})
	if err != nil {
		return s, err
	}
	s.Items, err = x.store.ItemCount(ctx)
	return s, err
}

// Validate walks the whole tree and checks its structural invariants: children
// partition their parent, branches hold no links, leaf counts match their
// links, no leaf is left overfull and every item is reachable.
func (x *Index) Validate(ctx context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	linked := map[ItemID]bool{}
	err := x.walk(ctx, x.Extent, func(n *Node, path []NodeID) error {
		if len(path) == 1 && (n.Parent != 0 || n.Depth != 0 || n.Extent != x.Extent) {
			return fmt.Errorf("%w: root %d: parent %d depth %d extent %v", ErrCorrupt, n.ID, n.Parent, n.Depth, n.Extent)
		} else if n.Depth > x.MaxDepth {
			return fmt.Errorf("%w: node %d: depth %d > %d", ErrCorrupt, n.ID, n.Depth, x.MaxDepth)
		}
		items, err := x.store.ItemsOf(ctx, n.ID)
		if err != nil {
			return err
		}
		switch s := n.State.(type) {
		case Leaf:
			return x.validateLeaf(n, s, items, linked)
		case Branch:
			return x.validateBranch(ctx, n, items)
		default:
			return fmt.Errorf("%w: node %d: unknown state %T", ErrCorrupt, n.ID, n.State)
		}
	})
	if err != nil {
		return err
	}
	count, err := x.store.ItemCount(ctx)
	if err != nil {
		return err
	} else if count != len(linked) {
		return fmt.Errorf("%w: %d items but %d reachable", ErrCorrupt, count, len(linked))
	}
	return nil
}

func (x *Index) validateLeaf(n *Node, s Leaf, items []Item, linked map[ItemID]bool) error {
	if s.Count != len(items) {
		return fmt.Errorf("%w: leaf %d: count %d != %d links", ErrCorrupt, n.ID, s.Count, len(items))
	} else if !x.LazySplit && x.overfull(n) {
		return fmt.Errorf("%w: leaf %d: %d items at depth %d", ErrCorrupt, n.ID, s.Count, n.Depth)
	}
	for _, item := range items {
		if !n.Extent.Intersects(item.BBox) {
			return fmt.Errorf("%w: leaf %d: item %d %v outside of %v", ErrCorrupt, n.ID, item.ID, item.BBox, n.Extent)
		}
		linked[item.ID] = true
	}
	return nil
}

func (x *Index) validateBranch(ctx context.Context, n *Node, items []Item) error {
	if len(items) != 0 {
		return fmt.Errorf("%w: branch %d: %d links", ErrCorrupt, n.ID, len(items))
	}
	children, err := x.store.Children(ctx, n.ID)
	if err != nil {
		return err
	}
	ids, extents := n.State.(Branch).Children, n.Extent.Split()
	for i, c := range children {
		if c.ID != ids[i] {
			return fmt.Errorf("%w: branch %d: child %d is %d, not %d", ErrCorrupt, n.ID, i, c.ID, ids[i])
		} else if c.Parent != n.ID || c.Depth != n.Depth+1 {
			return fmt.Errorf("%w: node %d: parent %d depth %d under %d", ErrCorrupt, c.ID, c.Parent, c.Depth, n.ID)
		} else if c.Extent != extents[i] {
			return fmt.Errorf("%w: node %d: extent %v, want %v", ErrCorrupt, c.ID, c.Extent, extents[i])
		}
	}
	return nil
}
