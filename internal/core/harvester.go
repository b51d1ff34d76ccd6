package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrOutputMissing is returned when a declared output was not produced.
var ErrOutputMissing = errors.New("declared output does not exist")

// Harvester records the files a target produced.
//
// Only files explicitly declared as outputs are collected. This does NOT scan for
// modified files.
type Harvester struct {
	Resolver *FileResolver
}

// NewHarvester creates a Harvester that hashes with resolver.
func NewHarvester(resolver *FileResolver) *Harvester {
	return &Harvester{Resolver: resolver}
}

// Harvest hashes the declared outputs after a successful command.
//
// Returns an error wrapping ErrOutputMissing if a declared output does not exist;
// the target did not do what it declared and must not be recorded as succeeded.
func (h *Harvester) Harvest(declaredOutputs []string) (map[string]string, error) {
	if len(declaredOutputs) == 0 {
		return nil, nil
	}

	paths := deduplicateSorted(sortedCopy(declaredOutputs))
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		hash, err := h.Resolver.HashPath(p)
		if err != nil {
			return nil, err
		}
		if hash == MissingFile {
			return nil, fmt.Errorf("%w: %s", ErrOutputMissing, p)
		}
		out[p] = hash
	}
	return out, nil
}

// Changed returns the recorded outputs whose current hash differs, sorted.
func (h *Harvester) Changed(recorded map[string]string) ([]string, error) {
	var changed []string
	for p, want := range recorded {
		got, err := h.Resolver.HashPath(p)
		if err != nil {
			return nil, err
		}
		if got != want {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// collectFilesFromDir recursively collects all files in a directory.
// Returns paths sorted for determinism.
func collectFilesFromDir(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// deduplicateSorted removes duplicates from a sorted slice.
func deduplicateSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}

	result := make([]string, 0, len(sorted))
	result = append(result, sorted[0])

	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			result = append(result, sorted[i])
		}
	}

	return result
}
