package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// FileHashMode selects how tracked files are identified.
type FileHashMode string

const (
	// FileHashContent identifies files by the blake3 hash of their bytes.
	FileHashContent FileHashMode = "content"

	// FileHashMtime identifies files by size and modification time.
	FileHashMtime FileHashMode = "mtime"
)

// MissingFile is the hash recorded for a tracked path that does not exist.
const MissingFile = "missing"

// FileResolver expands and hashes tracked file paths.
//
// Paths are reported relative to BaseDir in slash form, so file hashes contribute
// to fingerprints independently of the checkout location.
//
// Glob expansion is strictly sorted; directory contents are walked in sorted order.
type FileResolver struct {
	// BaseDir is the directory relative paths resolve against.
	BaseDir string

	Mode FileHashMode
}

// NewFileResolver creates a FileResolver. An empty mode means FileHashContent.
func NewFileResolver(baseDir string, mode FileHashMode) *FileResolver {
	if mode == "" {
		mode = FileHashContent
	}
	return &FileResolver{BaseDir: baseDir, Mode: mode}
}

// Expand expands glob patterns to a sorted, duplicate-free path list.
//
// A pattern without glob characters is returned as-is, whether or not it exists;
// a glob that matches nothing is also kept so its absence is visible in the
// fingerprint.
func (r *FileResolver) Expand(patterns []string) ([]string, error) {
	set := make(map[string]struct{})
	for _, pattern := range patterns {
		if !containsGlobChar(pattern) {
			set[filepath.ToSlash(filepath.Clean(pattern))] = struct{}{}
			continue
		}
		matches, err := filepath.Glob(r.abs(pattern))
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			set[filepath.ToSlash(pattern)] = struct{}{}
			continue
		}
		for _, m := range matches {
			set[r.rel(m)] = struct{}{}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Hash returns the hash of each path, keyed by path.
//
// Missing paths hash to MissingFile. Directories hash over their sorted contents.
func (r *FileResolver) Hash(paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		h, err := r.HashPath(p)
		if err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, nil
}

// HashPath returns the hash of a single file or directory.
func (r *FileResolver) HashPath(p string) (string, error) {
	full := r.abs(p)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return MissingFile, nil
		}
		return "", fmt.Errorf("stat %q: %w", p, err)
	}
	if !info.IsDir() {
		return r.hashFile(full, info)
	}

	files, err := collectFilesFromDir(full)
	if err != nil {
		return "", fmt.Errorf("walking %q: %w", p, err)
	}
	hasher := blake3.New()
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", f, err)
		}
		h, err := r.hashFile(f, fi)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(full, f)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(hasher, "%d:%s%d:%s", len(rel), filepath.ToSlash(rel), len(h), h)
	}
	return "dir:" + fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func (r *FileResolver) hashFile(full string, info os.FileInfo) (string, error) {
	if r.Mode == FileHashMtime {
		return fmt.Sprintf("mtime:%d:%d", info.Size(), info.ModTime().UnixNano()), nil
	}
	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", full, err)
	}
	defer f.Close()
	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("reading %q: %w", full, err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func (r *FileResolver) abs(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || r.BaseDir == "" {
		return p
	}
	return filepath.Join(r.BaseDir, p)
}

func (r *FileResolver) rel(full string) string {
	if r.BaseDir == "" {
		return filepath.ToSlash(full)
	}
	rel, err := filepath.Rel(r.BaseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(full)
	}
	return filepath.ToSlash(rel)
}

// containsGlobChar returns true if the pattern contains glob special characters.
func containsGlobChar(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}
