// Package store persists target values and build history in a badger database.
//
// The content store maps value hashes to canonical value encodings. Entries are
// immutable: writing a hash that is already present is a no-op. The history log
// is an append-only sequence of Records ordered by a logical clock, with two
// secondary indexes: per target name, and fingerprint to the most recent
// successful record of any name.
//
// Nothing is ever removed implicitly; Collect is the only operation that deletes.
//
// Key layout:
//
//	obj/<value hash>            encoded value
//	rec/<seq>                   JSON Record
//	name/<target>\x00<seq>      empty, per-name index
//	fp/<fingerprint>            seq of the latest successful record
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"pipeweaver/internal/core"
)

// DefaultCacheSize is the number of decoded values kept in memory.
const DefaultCacheSize = 1024

// ErrNotFound is returned when a value or record does not exist.
var ErrNotFound = errors.New("not found")

// MissingContentError reports a history record whose value is no longer stored.
type MissingContentError struct {
	Target string
	Hash   core.ValueHash
}

func (e *MissingContentError) Error() string {
	return fmt.Sprintf("value %s of target %q is not in the store", e.Hash.Short(), e.Target)
}

func (e *MissingContentError) Unwrap() error { return ErrNotFound }

// Options configures Open.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// CacheSize bounds the decoded value cache. Zero means DefaultCacheSize.
	CacheSize int

	// Logger receives store and badger logs. May be nil.
	Logger *logrus.Logger
}

// Store is the content store and history log. It is safe for concurrent use.
type Store struct {
	db    *badger.DB
	cache *lru.Cache[core.ValueHash, core.Value]
	log   *logrus.Entry

	// mu serializes appends so that seq order equals commit order.
	mu  sync.Mutex
	seq uint64
}

// Open opens or creates the store.
func Open(o Options) (*Store, error) {
	if !o.InMemory && o.Dir == "" {
		return nil, errors.New("store directory is required")
	}

	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(o.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", o.Dir, err)
		}
		opts = badger.DefaultOptions(o.Dir)
	}
	opts = opts.WithSyncWrites(o.SyncWrites).WithNumVersionsToKeep(1)

	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(logger.WithField("component", "badger"))
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	size := o.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[core.ValueHash, core.Value](size)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create value cache: %w", err)
	}

	s := &Store{
		db:    db,
		cache: cache,
		log:   logger.WithField("component", "store"),
	}
	if err := s.initSeq(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.WithField("last_seq", s.seq).Debug("store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
