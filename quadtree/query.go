package quadtree

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/niklasfasching/qtdb/geo"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

type visit struct {
	id   NodeID
	path []NodeID
}

// Intersect returns all items whose bbox overlaps bbox, each exactly once and
// ordered by id.
func (x *Index) Intersect(ctx context.Context, bbox geo.BBox) ([]Item, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.intersect(ctx, bbox)
}

func (x *Index) intersect(ctx context.Context, bbox geo.BBox) ([]Item, error) {
	ms, err := x.intersectPaths(ctx, bbox)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(ms))
	for i, m := range ms {
		items[i] = m.Item
	}
	return items, nil
}

// IntersectPaths is Intersect plus the depth and root-to-leaf path of the
// first leaf each item was found through.
func (x *Index) IntersectPaths(ctx context.Context, bbox geo.BBox) ([]Match, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.intersectPaths(ctx, bbox)
}

func (x *Index) intersectPaths(ctx context.Context, bbox geo.BBox) ([]Match, error) {
	if err := validBBox(bbox); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := x.Tracer.Start(ctx, "quadtree.Intersect")
	defer span.Close()
	seen, ms, candidates := map[ItemID]bool{}, []Match{}, 0
	err := x.walk(ctx, bbox, func(n *Node, path []NodeID) error {
		if !n.IsLeaf() {
			return nil
		}
		items, err := x.store.ItemsOf(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("failed to read items of node %d: %w", n.ID, err)
		}
		candidates += len(items)
		for _, item := range items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			if bbox.Intersects(item.BBox) {
				ms = append(ms, Match{item, n.Depth, path})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ms, func(a, b Match) int { return cmp.Compare(a.ID, b.ID) })
	span.Set("candidates", fmt.Sprint(candidates))
	span.Set("matches", fmt.Sprint(len(ms)))
	x.Metrics.Counter("quadtree_queries", 1)
	x.Metrics.Counter("quadtree_candidates", int64(candidates))
	x.Metrics.Hist("quadtree_query_us", time.Since(start).Microseconds(), "op=%s", "intersect")
	return ms, nil
}

// Nodes returns every node a query for bbox visits, in visiting order.
func (x *Index) Nodes(ctx context.Context, bbox geo.BBox) ([]*Node, error) {
	if err := validBBox(bbox); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	ns := []*Node{}
	err := x.walk(ctx, bbox, func(n *Node, _ []NodeID) error {
		ns = append(ns, n)
		return nil
	})
	return ns, err
}

// IntersectAll runs one Intersect per bbox concurrently. The i-th result
// belongs to the i-th bbox.
func (x *Index) IntersectAll(ctx context.Context, bboxes []geo.BBox) ([][]Item, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	results := make([][]Item, len(bboxes))
	for i, bbox := range bboxes {
		g.Go(func() (err error) {
			results[i], err = x.intersect(gctx, bbox)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.ItemCount(ctx)
}

func (x *Index) MaxDepthReached(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.MaxDepth(ctx)
}

// walk visits all nodes overlapping bbox depth first, children in quadrant
// order. Subtrees of nodes that do not overlap bbox are skipped.
func (x *Index) walk(ctx context.Context, bbox geo.BBox, f func(*Node, []NodeID) error) error {
	stack := []visit{{x.root, nil}}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := x.store.Node(ctx, v.id)
		if err != nil {
			return fmt.Errorf("failed to load node %d: %w", v.id, err)
		} else if !n.Extent.Intersects(bbox) {
			continue
		}
		path := append(slices.Clip(v.path), n.ID)
		if err := f(n, path); err != nil {
			return err
		}
		if b, ok := n.State.(Branch); ok {
			for i := len(b.Children) - 1; i >= 0; i-- {
				stack = append(stack, visit{b.Children[i], path})
			}
		}
	}
	return nil
}
