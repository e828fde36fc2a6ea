// Package storage provides the key-value abstractions every persisted
// series, registry and checkpoint is written through.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects writes that are applied together on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by databases that can apply a batch atomically.
type Batcher interface {
	NewBatch() Batch
}

// NewBatch returns db's native batch, or a buffered batch that applies its
// operations one by one when db has none.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &fallbackBatch{db: db}
}

// Engine names a storage backend.
type Engine string

const (
	EngineBadger Engine = "badger"
	EngineBolt   Engine = "bolt"
	EngineMemory Engine = "memory"
)

// Options configures Open.
type Options struct {
	// CacheSize is the block cache budget in bytes. Zero uses the backend default.
	CacheSize uint64
}

// Open opens the backend named by engine at path.
func Open(engine Engine, path string, opts Options) (DB, error) {
	switch engine {
	case EngineBadger, "":
		return NewBadgerWithOptions(path, opts)
	case EngineBolt:
		return NewBolt(path)
	case EngineMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}

type batchOp struct {
	key   []byte
	value []byte // nil means delete
}

// fallbackBatch buffers writes and applies them non-atomically.
type fallbackBatch struct {
	db  DB
	ops []batchOp
}

func (fb *fallbackBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, batchOp{key: cloneBytes(key), value: cloneValue(value)})
	return nil
}

func (fb *fallbackBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, batchOp{key: cloneBytes(key)})
	return nil
}

func (fb *fallbackBatch) Commit() error {
	for _, op := range fb.ops {
		var err error
		if op.value == nil {
			err = fb.db.Delete(op.key)
		} else {
			err = fb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	fb.ops = nil
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// cloneValue copies a value, keeping empty values distinct from deletes.
func cloneValue(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return cloneBytes(b)
}
