package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a Base stored in a LevelDB directory.
type LevelDB struct {
	*leveldb.DB
}

type levelDBTxn struct {
	*leveldb.Transaction
}

func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %q: %w", path, err)
	}
	return &LevelDB{db}, nil
}

func (kv *LevelDB) Get(key []byte) ([]byte, error) {
	return levelDBGet(kv.DB.Get(key, nil))
}

func (kv *LevelDB) Put(key, value []byte) error {
	return kv.DB.Put(key, value, nil)
}

func (kv *LevelDB) Delete(key []byte) error {
	return kv.DB.Delete(key, nil)
}

func (kv *LevelDB) Scan(prefix []byte, f func(k, v []byte) error) error {
	return levelDBScan(kv.NewIterator(util.BytesPrefix(prefix), nil), f)
}

// RunInTxn uses a leveldb.Transaction, which sees its own writes and blocks
// other writers until it is committed or discarded.
func (kv *LevelDB) RunInTxn(ctx context.Context, f func(Txn) error) error {
	tr, err := kv.OpenTransaction()
	if err != nil {
		return fmt.Errorf("failed to open leveldb transaction: %w", err)
	}
	if err := f(&levelDBTxn{tr}); err != nil {
		tr.Discard()
		return err
	}
	// Check context first to make sure transaction is not cancelled.
	if err := ctx.Err(); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (txn *levelDBTxn) Get(key []byte) ([]byte, error) {
	return levelDBGet(txn.Transaction.Get(key, nil))
}

func (txn *levelDBTxn) Put(key, value []byte) error {
	return txn.Transaction.Put(key, value, nil)
}

func (txn *levelDBTxn) Delete(key []byte) error {
	return txn.Transaction.Delete(key, nil)
}

func (txn *levelDBTxn) Scan(prefix []byte, f func(k, v []byte) error) error {
	return levelDBScan(txn.NewIterator(util.BytesPrefix(prefix), nil), f)
}

func levelDBGet(v []byte, err error) ([]byte, error) {
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func levelDBScan(it iterator.Iterator, f func(k, v []byte) error) error {
	defer it.Release()
	for it.Next() {
		if err := f(it.Key(), it.Value()); errors.Is(err, ErrAbortScan) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return it.Error()
}
