// Package quadtree is a region quadtree over axis-aligned bounding boxes whose
// nodes, items and node-item links live in a pluggable Store.
//
// Items are linked into every leaf whose quadrant they overlap, so a box that
// straddles a split line is reachable from several leaves. Queries walk the
// tree top-down, prune nodes whose extent does not overlap the query box and
// deduplicate the items of the surviving leaves.
package quadtree

import (
	"context"
	"fmt"

	"github.com/niklasfasching/qtdb/geo"
)

type NodeID uint64
type ItemID uint64

// State is either Leaf or Branch.
type State interface{ isState() }

type Leaf struct{ Count int }

// Branch children are indexed by quadrant-1 (SW, SE, NW, NE).
type Branch struct{ Children [4]NodeID }

type Node struct {
	ID     NodeID
	Parent NodeID
	Depth  int
	Extent geo.BBox
	State  State
}

type Item struct {
	ID      ItemID
	Payload string
	BBox    geo.BBox
}

type Entry struct {
	Payload string
	BBox    geo.BBox
}

// Match is an Item plus the leaf it was found through.
type Match struct {
	Item
	Depth int
	Path  []NodeID
}

type Config struct {
	Extent   geo.BBox
	MaxItems int
	MaxDepth int
	// LazySplit defers splitting a freshly split child that is already over
	// MaxItems until the next insert reaches it.
	LazySplit bool
}

// Meta is the persisted header of an index.
type Meta struct {
	Config
	Root NodeID
}

// Txn is what the index needs from a storage backend.
type Txn interface {
	CreateNode(ctx context.Context, parent NodeID, depth int, extent geo.BBox) (NodeID, error)
	Node(ctx context.Context, id NodeID) (*Node, error)
	// Children returns the children of a branch ordered by (ymin, xmin), i.e.
	// indexed by quadrant-1.
	Children(ctx context.Context, id NodeID) ([4]*Node, error)
	SetCount(ctx context.Context, id NodeID, count int) error
	MarkBranch(ctx context.Context, id NodeID) error

	CreateItem(ctx context.Context, payload string, bbox geo.BBox) (ItemID, error)
	LinkItem(ctx context.Context, node NodeID, item ItemID) error
	ItemsOf(ctx context.Context, node NodeID) ([]Item, error)
	ClearLinks(ctx context.Context, node NodeID) error

	ItemCount(ctx context.Context) (int, error)
	MaxDepth(ctx context.Context) (int, error)
	LoadMeta(ctx context.Context) (Meta, error)
	SaveMeta(ctx context.Context, m Meta) error
}

type Store interface {
	Txn
	// RunInTxn runs f atomically: either everything f wrote is committed or
	// nothing is.
	RunInTxn(ctx context.Context, f func(Txn) error) error
	Close() error
}

var (
	ErrInvalidConfig = fmt.Errorf("invalid config")
	ErrInvalidBBox   = fmt.Errorf("invalid bbox")
	ErrOutOfExtent   = fmt.Errorf("bbox outside of index extent")
	ErrNotFound      = fmt.Errorf("not found")
	ErrExists        = fmt.Errorf("index already exists")
	ErrCorrupt       = fmt.Errorf("corrupt index")
)

var DefaultConfig = Config{Extent: geo.World, MaxItems: 10, MaxDepth: 20}

func (Leaf) isState()   {}
func (Branch) isState() {}

func (n *Node) IsLeaf() bool {
	_, ok := n.State.(Leaf)
	return ok
}

// Count is the number of items linked to a leaf and -1 for a branch.
func (n *Node) Count() int {
	if l, ok := n.State.(Leaf); ok {
		return l.Count
	}
	return -1
}

func (c Config) Validate() error {
	if !c.Extent.Finite() {
		return fmt.Errorf("%w: extent %v must be finite", ErrInvalidConfig, c.Extent)
	} else if !c.Extent.Valid() || c.Extent.Width() <= 0 || c.Extent.Height() <= 0 {
		return fmt.Errorf("%w: extent %v must have positive width and height", ErrInvalidConfig, c.Extent)
	} else if c.MaxItems <= 0 {
		return fmt.Errorf("%w: MaxItems must be positive, not %d", ErrInvalidConfig, c.MaxItems)
	} else if c.MaxDepth < 0 {
		return fmt.Errorf("%w: MaxDepth must not be negative, not %d", ErrInvalidConfig, c.MaxDepth)
	}
	return nil
}

func validBBox(b geo.BBox) error {
	if !b.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidBBox, b)
	}
	return nil
}
