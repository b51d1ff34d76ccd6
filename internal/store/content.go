package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"pipeweaver/internal/core"
)

const objPrefix = "obj/"

func objKey(h core.ValueHash) []byte { return []byte(objPrefix + string(h)) }

// Put stores v under its content hash and returns the hash.
//
// Storing a value that is already present is a no-op.
func (s *Store) Put(v core.Value) (core.ValueHash, error) {
	h, data, err := core.HashValue(v)
	if err != nil {
		return "", fmt.Errorf("encoding value: %w", err)
	}
	if err := s.PutEncoded(h, data); err != nil {
		return "", err
	}
	return h, nil
}

// PutEncoded stores an already encoded value under h.
//
// Storing a hash that is already present is a no-op; the existing bytes are kept.
func (s *Store) PutEncoded(h core.ValueHash, data []byte) error {
	if h == "" {
		return errors.New("empty value hash")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(objKey(h))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(objKey(h), data)
	})
	// A conflicting commit wrote the same content.
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing value %s: %w", h.Short(), err)
	}
	return nil
}

// Get returns the value stored under h, or an error wrapping ErrNotFound.
//
// Returned values are shared with the cache and must not be modified.
func (s *Store) Get(h core.ValueHash) (core.Value, error) {
	if v, ok := s.cache.Get(h); ok {
		return v, nil
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objKey(h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("value %s: %w", h.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading value %s: %w", h.Short(), err)
	}

	v, err := core.DecodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", h.Short(), err)
	}
	s.cache.Add(h, v)
	return v, nil
}

// Has reports whether h is stored.
func (s *Store) Has(h core.ValueHash) (bool, error) {
	if s.cache.Contains(h) {
		return true, nil
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = hasObject(txn, h)
		return err
	})
	return found, err
}

// Objects returns the hashes of all stored values in key order.
func (s *Store) Objects() ([]core.ValueHash, error) {
	var out []core.ValueHash
	prefix := []byte(objPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, core.ValueHash(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func hasObject(txn *badger.Txn, h core.ValueHash) (bool, error) {
	if h == "" {
		return false, nil
	}
	_, err := txn.Get(objKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}
