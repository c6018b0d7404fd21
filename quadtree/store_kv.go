package quadtree

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/kv"
	"golang.org/x/exp/slices"
)

// Key layout. Ids are zero padded so prefix scans return them in id order.
//
//	meta                      Meta
//	seq/node, seq/item        last assigned id
//	maxdepth                  deepest node created
//	node/<id>                 kvNode
//	child/<parent>/<child>    empty
//	item/<id>                 kvItem
//	link/<node>/<item>        empty
const (
	metaKey     = "meta"
	nodeSeqKey  = "seq/node"
	itemSeqKey  = "seq/item"
	maxDepthKey = "maxdepth"
)

type kvStore struct {
	kvTxn
	base kv.Base
}

type kvTxn struct{ txn kv.Txn }

type kvNode struct {
	Parent   NodeID     `json:"parent,omitempty"`
	Depth    int        `json:"depth"`
	Extent   geo.BBox   `json:"extent"`
	Count    *int       `json:"count,omitempty"`
	Children *[4]NodeID `json:"children,omitempty"`
}

type kvItem struct {
	Payload string   `json:"payload"`
	BBox    geo.BBox `json:"bbox"`
}

type kvMeta struct {
	Extent    geo.BBox `json:"extent"`
	MaxItems  int      `json:"maxItems"`
	MaxDepth  int      `json:"maxDepth"`
	LazySplit bool     `json:"lazySplit,omitempty"`
	Root      NodeID   `json:"root"`
}

// NewKVStore stores the index in an ordered key-value store.
func NewKVStore(base kv.Base) Store {
	return &kvStore{kvTxn{base}, base}
}

func (s *kvStore) RunInTxn(ctx context.Context, f func(Txn) error) error {
	return s.base.RunInTxn(ctx, func(txn kv.Txn) error { return f(kvTxn{txn}) })
}

func (s *kvStore) Close() error { return s.base.Close() }

func nodeKey(id NodeID) []byte             { return []byte(fmt.Sprintf("node/%020d", id)) }
func childPrefix(id NodeID) []byte         { return []byte(fmt.Sprintf("child/%020d/", id)) }
func childKey(parent, child NodeID) []byte { return fmt.Appendf(childPrefix(parent), "%020d", child) }
func itemKey(id ItemID) []byte             { return []byte(fmt.Sprintf("item/%020d", id)) }
func linkPrefix(id NodeID) []byte          { return []byte(fmt.Sprintf("link/%020d/", id)) }
func linkKey(node NodeID, item ItemID) []byte {
	return fmt.Appendf(linkPrefix(node), "%020d", item)
}

// keyID parses the id following prefix in k.
func keyID(k, prefix []byte) (uint64, error) {
	id, err := strconv.ParseUint(string(bytes.TrimPrefix(k, prefix)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key %q: %w", ErrCorrupt, k, err)
	}
	return id, nil
}

func (t kvTxn) get(key []byte, v any) error {
	bs, err := t.txn.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return err
	}
	return json.Unmarshal(bs, v)
}

func (t kvTxn) put(key []byte, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Put(key, bs)
}

func (t kvTxn) getUint(key string) (uint64, error) {
	bs, err := t.txn.Get([]byte(key))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(bs), 10, 64)
}

func (t kvTxn) putUint(key string, v uint64) error {
	return t.txn.Put([]byte(key), strconv.AppendUint(nil, v, 10))
}

func (t kvTxn) next(seqKey string) (uint64, error) {
	id, err := t.getUint(seqKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", seqKey, err)
	}
	return id + 1, t.putUint(seqKey, id+1)
}

func (t kvTxn) CreateNode(ctx context.Context, parent NodeID, depth int, extent geo.BBox) (NodeID, error) {
	id, err := t.next(nodeSeqKey)
	if err != nil {
		return 0, err
	}
	n := NodeID(id)
	if err := t.put(nodeKey(n), kvNode{Parent: parent, Depth: depth, Extent: extent, Count: new(int)}); err != nil {
		return 0, err
	}
	if parent != 0 {
		if err := t.txn.Put(childKey(parent, n), nil); err != nil {
			return 0, err
		}
	}
	if d, err := t.getUint(maxDepthKey); err != nil {
		return 0, err
	} else if uint64(depth) > d {
		return n, t.putUint(maxDepthKey, uint64(depth))
	}
	return n, nil
}

func (t kvTxn) Node(ctx context.Context, id NodeID) (*Node, error) {
	kn := kvNode{}
	if err := t.get(nodeKey(id), &kn); err != nil {
		return nil, err
	}
	n := &Node{ID: id, Parent: kn.Parent, Depth: kn.Depth, Extent: kn.Extent}
	if kn.Count != nil {
		n.State = Leaf{*kn.Count}
	} else if kn.Children != nil {
		n.State = Branch{*kn.Children}
	} else {
		return nil, fmt.Errorf("%w: node %d is neither leaf nor branch", ErrCorrupt, id)
	}
	return n, nil
}

func (t kvTxn) Children(ctx context.Context, id NodeID) ([4]*Node, error) {
	ids := []NodeID{}
	prefix := childPrefix(id)
	err := t.txn.Scan(prefix, func(k, _ []byte) error {
		child, err := keyID(k, prefix)
		ids = append(ids, NodeID(child))
		return err
	})
	if err != nil {
		return [4]*Node{}, err
	}
	ns := make([]*Node, len(ids))
	for i, child := range ids {
		if ns[i], err = t.Node(ctx, child); err != nil {
			return [4]*Node{}, err
		}
	}
	return orderChildren(id, ns)
}

// orderChildren sorts ns by (ymin, xmin), which puts the child covering
// quadrant q at index q-1.
func orderChildren(parent NodeID, ns []*Node) ([4]*Node, error) {
	if len(ns) != 4 {
		return [4]*Node{}, fmt.Errorf("%w: node %d has %d children", ErrCorrupt, parent, len(ns))
	}
	slices.SortFunc(ns, func(a, b *Node) int {
		return cmp.Or(cmp.Compare(a.Extent.YMin, b.Extent.YMin), cmp.Compare(a.Extent.XMin, b.Extent.XMin))
	})
	return [4]*Node(ns), nil
}

func (t kvTxn) SetCount(ctx context.Context, id NodeID, count int) error {
	kn := kvNode{}
	if err := t.get(nodeKey(id), &kn); err != nil {
		return err
	} else if kn.Count == nil {
		return fmt.Errorf("%w: node %d is a branch", ErrCorrupt, id)
	}
	kn.Count = &count
	return t.put(nodeKey(id), kn)
}

func (t kvTxn) MarkBranch(ctx context.Context, id NodeID) error {
	kn := kvNode{}
	if err := t.get(nodeKey(id), &kn); err != nil {
		return err
	} else if kn.Count == nil {
		return fmt.Errorf("%w: node %d is already a branch", ErrCorrupt, id)
	}
	children, err := t.Children(ctx, id)
	if err != nil {
		return err
	}
	ids := [4]NodeID{}
	for i, c := range children {
		ids[i] = c.ID
	}
	kn.Count, kn.Children = nil, &ids
	return t.put(nodeKey(id), kn)
}

func (t kvTxn) CreateItem(ctx context.Context, payload string, bbox geo.BBox) (ItemID, error) {
	id, err := t.next(itemSeqKey)
	if err != nil {
		return 0, err
	}
	return ItemID(id), t.put(itemKey(ItemID(id)), kvItem{payload, bbox})
}

func (t kvTxn) LinkItem(ctx context.Context, node NodeID, item ItemID) error {
	return t.txn.Put(linkKey(node, item), nil)
}

func (t kvTxn) ItemsOf(ctx context.Context, node NodeID) ([]Item, error) {
	ids := []ItemID{}
	prefix := linkPrefix(node)
	err := t.txn.Scan(prefix, func(k, _ []byte) error {
		id, err := keyID(k, prefix)
		ids = append(ids, ItemID(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(ids))
	for i, id := range ids {
		ki := kvItem{}
		if err := t.get(itemKey(id), &ki); err != nil {
			return nil, err
		}
		items[i] = Item{id, ki.Payload, ki.BBox}
	}
	return items, nil
}

func (t kvTxn) ClearLinks(ctx context.Context, node NodeID) error {
	keys := [][]byte{}
	err := t.txn.Scan(linkPrefix(node), func(k, _ []byte) error {
		keys = append(keys, bytes.Clone(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t kvTxn) ItemCount(ctx context.Context) (int, error) {
	n, err := t.getUint(itemSeqKey)
	return int(n), err
}

func (t kvTxn) MaxDepth(ctx context.Context) (int, error) {
	n, err := t.getUint(maxDepthKey)
	return int(n), err
}

func (t kvTxn) LoadMeta(ctx context.Context) (Meta, error) {
	km := kvMeta{}
	if err := t.get([]byte(metaKey), &km); err != nil {
		return Meta{}, err
	}
	return Meta{Config{km.Extent, km.MaxItems, km.MaxDepth, km.LazySplit}, km.Root}, nil
}

func (t kvTxn) SaveMeta(ctx context.Context, m Meta) error {
	return t.put([]byte(metaKey), kvMeta{m.Extent, m.MaxItems, m.MaxDepth, m.LazySplit, m.Root})
}
