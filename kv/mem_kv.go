package kv

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/google/btree"
)

type memoryKV struct {
	mu    sync.RWMutex
	txnMu sync.Mutex
	tree  *btree.BTreeG[memoryKVItem]
}

type memoryKVItem struct {
	key   string
	value []byte
}

// memTxn works on a copy-on-write clone of the committed tree.
type memTxn struct {
	tree *btree.BTreeG[memoryKVItem]
}

// NewMemory returns an in-memory Base backed by a B-tree.
func NewMemory() Base {
	return &memoryKV{tree: btree.NewG(32, func(a, b memoryKVItem) bool { return a.key < b.key })}
}

func (kv *memoryKV) Get(key []byte) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return get(kv.tree, key)
}

func (kv *memoryKV) Put(key, value []byte) error {
	return kv.RunInTxn(context.Background(), func(txn Txn) error { return txn.Put(key, value) })
}

func (kv *memoryKV) Delete(key []byte) error {
	return kv.RunInTxn(context.Background(), func(txn Txn) error { return txn.Delete(key) })
}

func (kv *memoryKV) Scan(prefix []byte, f func(k, v []byte) error) error {
	kv.mu.RLock()
	tree := kv.tree
	kv.mu.RUnlock()
	// tree is never mutated after commit; writers work on clones
	return scan(tree, prefix, f)
}

func (kv *memoryKV) RunInTxn(ctx context.Context, f func(Txn) error) error {
	kv.txnMu.Lock()
	defer kv.txnMu.Unlock()
	kv.mu.Lock()
	clone := kv.tree.Clone()
	kv.mu.Unlock()
	if err := f(&memTxn{clone}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	kv.tree = clone
	kv.mu.Unlock()
	return nil
}

func (kv *memoryKV) Close() error { return nil }

func (txn *memTxn) Get(key []byte) ([]byte, error) { return get(txn.tree, key) }

func (txn *memTxn) Put(key, value []byte) error {
	txn.tree.ReplaceOrInsert(memoryKVItem{string(key), bytes.Clone(value)})
	return nil
}

func (txn *memTxn) Delete(key []byte) error {
	txn.tree.Delete(memoryKVItem{key: string(key)})
	return nil
}

func (txn *memTxn) Scan(prefix []byte, f func(k, v []byte) error) error {
	return scan(txn.tree, prefix, f)
}

func get(tree *btree.BTreeG[memoryKVItem], key []byte) ([]byte, error) {
	item, ok := tree.Get(memoryKVItem{key: string(key)})
	if !ok {
		return nil, ErrNotFound
	}
	return item.value, nil
}

func scan(tree *btree.BTreeG[memoryKVItem], prefix []byte, f func(k, v []byte) error) (err error) {
	p := string(prefix)
	tree.AscendGreaterOrEqual(memoryKVItem{key: p}, func(item memoryKVItem) bool {
		if len(item.key) < len(p) || item.key[:len(p)] != p {
			return false
		}
		err = f([]byte(item.key), item.value)
		return err == nil
	})
	if errors.Is(err, ErrAbortScan) {
		return nil
	}
	return err
}
