// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package store persists local state in LevelDB: the encrypted identity,
// scan checkpoints and the inbox of received messages.
package store

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a key is missing
var ErrNotFound = errors.New("not found")

// Database wraps access to LevelDB
type Database struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	path   string
	closed bool
}

// NewDatabase opens or creates a database at path
func NewDatabase(path string) (*Database, error) {
	opts := &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     16 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, err
	}
	log.Info("Opened database", "path", path)
	return &Database{db: db, path: path}, nil
}

// NewMemoryDatabase creates an ephemeral database, for tests and one-shot
// commands.
func NewMemoryDatabase() *Database {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// The memory backend cannot fail to open.
		panic(err)
	}
	return &Database{db: db, path: ":memory:"}
}

// Path returns the on-disk location
func (d *Database) Path() string {
	return d.path
}

// Close closes the database
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// Put writes a key-value pair to the database
func (d *Database) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

// Get retrieves a value by key
func (d *Database) Get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Has checks if a key exists
func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

// Delete removes a key
func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

// Iterate calls fn for every key with prefix in ascending order until fn
// returns false. Key and value are only valid during the call.
func (d *Database) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// NewBatch creates a new write batch
func (d *Database) NewBatch() *Batch {
	return &Batch{db: d.db, batch: new(leveldb.Batch)}
}

// Batch represents a batch of writes
type Batch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
	size  int
}

// Put adds a put operation to the batch
func (b *Batch) Put(key, value []byte) {
	b.batch.Put(key, value)
	b.size += len(key) + len(value)
}

// Delete adds a delete operation to the batch
func (b *Batch) Delete(key []byte) {
	b.batch.Delete(key)
	b.size += len(key)
}

// ValueSize returns the size of data in the batch
func (b *Batch) ValueSize() int {
	return b.size
}

// Write commits the batch to the database
func (b *Batch) Write() error {
	return b.db.Write(b.batch, nil)
}

// Reset resets the batch
func (b *Batch) Reset() {
	b.batch.Reset()
	b.size = 0
}
