// Package kv is the ordered key-value layer under the non-SQL index stores.
package kv

import (
	"context"
	"fmt"
)

var ErrNotFound = fmt.Errorf("kv: key not found")

// Txn is the set of operations available inside and outside a transaction.
// Keys and values passed to the Scan callback are only valid during the call.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Scan(prefix []byte, f func(k, v []byte) error) error
}

// Base is an ordered key-value store.
type Base interface {
	Txn
	// RunInTxn runs f in a read-your-writes transaction. Nothing f wrote is
	// visible to others or persisted unless f returns nil and the commit
	// succeeds. Transactions are serialized.
	RunInTxn(ctx context.Context, f func(Txn) error) error
	Close() error
}

// ErrAbortScan stops a Scan early without error.
var ErrAbortScan = fmt.Errorf("kv: abort scan")
