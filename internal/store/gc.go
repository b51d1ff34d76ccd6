package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"pipeweaver/internal/core"
)

// GCMode selects which values Collect keeps.
type GCMode string

const (
	// GCUnreferenced removes values that no history record references.
	GCUnreferenced GCMode = "unreferenced"

	// GCCurrent keeps only the latest successful value of each target in
	// GCOptions.Targets. History records are kept; their values may stop existing.
	GCCurrent GCMode = "current"
)

// GCOptions configures Collect.
type GCOptions struct {
	Mode GCMode

	// Targets lists the targets whose latest values survive in GCCurrent mode.
	Targets []string

	// DryRun reports what would be removed without deleting anything.
	DryRun bool
}

// GCResult summarizes a collection.
type GCResult struct {
	Kept    int
	Removed []core.ValueHash
	Bytes   int64
}

// Collect removes unreachable values from the content store.
//
// It is never called implicitly; history records are never removed.
func (s *Store) Collect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	if opts.Mode == "" {
		opts.Mode = GCUnreferenced
	}

	live, err := s.liveValues(opts)
	if err != nil {
		return nil, err
	}

	res := &GCResult{}
	var doomed [][]byte
	prefix := []byte(objPrefix)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			h := core.ValueHash(item.Key()[len(prefix):])
			if _, ok := live[h]; ok {
				res.Kept++
				continue
			}
			res.Removed = append(res.Removed, h)
			res.Bytes += item.ValueSize()
			doomed = append(doomed, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning values: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"mode": opts.Mode, "removed": len(res.Removed), "kept": res.Kept})
	if opts.DryRun || len(doomed) == 0 {
		log.Debug("gc finished without deleting")
		return res, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return nil, fmt.Errorf("deleting value: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("deleting values: %w", err)
	}
	for _, h := range res.Removed {
		s.cache.Remove(h)
	}

	// ErrNoRewrite means the value log had nothing worth rewriting.
	if !s.db.Opts().InMemory {
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			log.WithError(err).Warn("value log gc failed")
		}
	}
	log.Info("gc finished")
	return res, nil
}

func (s *Store) liveValues(opts GCOptions) (map[core.ValueHash]struct{}, error) {
	live := make(map[core.ValueHash]struct{})
	switch opts.Mode {
	case GCUnreferenced:
		entries, err := s.All()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.ValueHash != "" {
				live[e.ValueHash] = struct{}{}
			}
		}
	case GCCurrent:
		for _, name := range opts.Targets {
			hist, err := s.History(name)
			if err != nil {
				return nil, err
			}
			for i := len(hist) - 1; i >= 0; i-- {
				if hist[i].Outcome.Successful() {
					live[hist[i].ValueHash] = struct{}{}
					break
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown gc mode %q", opts.Mode)
	}
	return live, nil
}
