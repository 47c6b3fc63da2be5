package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// snapshotKey is the single badger key holding the current snapshot.
var snapshotKey = []byte("webgraph/snapshot/current")

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// DataDir is the badger directory. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps the database in RAM only (tests).
	InMemory bool

	// SyncWrites fsyncs the value log on every commit.
	SyncWrites bool

	// Logger receives badger's internal log lines. nil silences them.
	Logger *zap.Logger
}

// BadgerStore keeps the snapshot under one key of a badger database.
//
// Each Write is a single badger transaction, so the previous snapshot stays
// readable until the new one is committed.
//
// Example:
//
//	store, err := storage.NewBadgerStore(storage.BadgerOptions{
//		DataDir:    "./data/webgraph",
//		SyncWrites: true,
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//	p := storage.NewPersister(g, store)
type BadgerStore struct {
	db   *badger.DB
	name string
}

// NewBadgerStore opens (or creates) a badger database for snapshots.
//
// A snapshot store writes one large value at a time and never scans, so the
// memtable and cache sizes are kept small.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	name := "badger:" + opts.DataDir

	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
		name = "badger:memory"
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{sugar: opts.Logger.Named("badger").Sugar()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, name: name}, nil
}

// Name implements SnapshotStore.
func (s *BadgerStore) Name() string { return s.name }

// Write replaces the stored snapshot in one transaction.
func (s *BadgerStore) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Read returns the stored snapshot, or ErrNoSnapshot.
func (s *BadgerStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNoSnapshot
	case errors.Is(err, badger.ErrDBClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// Close closes the badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts zap to badger.Logger, which spells warnings Warningf.
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.sugar.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

var (
	_ SnapshotStore = (*BadgerStore)(nil)
	_ badger.Logger = (*badgerLogger)(nil)
)
